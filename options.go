package gantry

import (
	"log/slog"

	"github.com/gantry-llm/gantry/internal/config"
	"github.com/gantry-llm/gantry/internal/identity"
	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/internal/provider"
	"github.com/gantry-llm/gantry/internal/telemetry"
)

type registeredAdapter struct {
	adapter provider.Adapter
	models  []string
}

type registeredPlugin struct {
	plugin plugin.Plugin
	cfg    plugin.Config
}

type options struct {
	logger           *slog.Logger
	providers        []config.ProviderConfig
	plugins          []plugin.Config
	adapters         []registeredAdapter
	instances        []registeredPlugin
	validator        identity.Validator
	sink             telemetry.Sink
	maxReevaluations int
}

func newOptions() *options {
	return &options{}
}

// Option configures a Gateway at construction time.
type Option func(*options)

// WithLogger sets the structured logger. Defaults to a JSON slog logger on
// stderr at the configured level.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithProvider adds a provider from configuration. The adapter type is
// looked up in the factory table ("openai", "anthropic",
// "openai-compatible").
func WithProvider(pc ProviderConfig) Option {
	return func(o *options) {
		o.providers = append(o.providers, config.ProviderConfig{
			Name:    pc.Name,
			Type:    pc.Type,
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Models:  pc.Models,
			Timeout: pc.Timeout,
			Headers: pc.Headers,
		})
	}
}

// WithAdapter registers a pre-built adapter instance serving the given
// models. Use this for custom providers not covered by a factory.
func WithAdapter(a ProviderAdapter, models ...string) Option {
	return func(o *options) {
		o.adapters = append(o.adapters, registeredAdapter{adapter: a, models: models})
	}
}

// WithPluginConfig adds a builtin plugin instance by configuration.
func WithPluginConfig(pc PluginConfig) Option {
	return func(o *options) { o.plugins = append(o.plugins, pc) }
}

// WithPlugin registers a caller-supplied plugin instance. The instance must
// already be configured; cfg supplies its name and priority.
func WithPlugin(p Plugin, cfg PluginConfig) Option {
	return func(o *options) {
		o.instances = append(o.instances, registeredPlugin{plugin: p, cfg: cfg})
	}
}

// WithValidator overrides the identity validator used by the auth plugin.
func WithValidator(v IdentityValidator) Option {
	return func(o *options) { o.validator = v }
}

// WithTelemetrySink overrides the sink conversation records are emitted to.
func WithTelemetrySink(s TelemetrySink) Option {
	return func(o *options) { o.sink = s }
}

// WithMaxReevaluations bounds pipeline restarts per request.
func WithMaxReevaluations(n int) Option {
	return func(o *options) { o.maxReevaluations = n }
}
