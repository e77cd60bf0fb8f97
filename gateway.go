package gantry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gantry-llm/gantry/internal/api"
	"github.com/gantry-llm/gantry/internal/config"
	"github.com/gantry-llm/gantry/internal/identity"
	"github.com/gantry-llm/gantry/internal/observability"
	"github.com/gantry-llm/gantry/internal/pipeline"
	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/internal/plugin/builtin"
	"github.com/gantry-llm/gantry/internal/provider"
	"github.com/gantry-llm/gantry/internal/secret"
	"github.com/gantry-llm/gantry/internal/telemetry"

	_ "github.com/gantry-llm/gantry/internal/provider/anthropic"
	_ "github.com/gantry-llm/gantry/internal/provider/openai"
	_ "github.com/gantry-llm/gantry/internal/provider/openailike"
)

// Gateway is the assembled pipeline: provider router, plugin registry,
// orchestrator, and HTTP handler. It is safe for concurrent use.
type Gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	resolver *secret.Resolver
	router   *provider.Router
	executor *plugin.Executor
	orch     *pipeline.Orchestrator
	handler  *api.Handler
	tracing  *observability.TracerProvider
	sink     telemetry.Sink
}

// New builds a Gateway for library use from functional options.
func New(opts ...Option) (*Gateway, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	cfg := config.Default()
	cfg.Providers = o.providers
	cfg.Plugins = o.plugins
	if o.maxReevaluations > 0 {
		cfg.Pipeline.MaxReevaluations = o.maxReevaluations
	}
	return build(cfg, o)
}

// NewFromConfig builds a Gateway from a full configuration, as loaded by
// config.LoadFromFile. This is the entry point for server mode.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Gateway, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	return build(cfg, o)
}

func build(cfg *config.Config, o *options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	}

	tracing, err := observability.InitTracing(context.Background(), observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	tracer := tracing.Tracer()

	resolver := secret.NewResolver()
	if cfg.Vault.Address != "" {
		vs, err := secret.NewVaultSource(secret.VaultConfig{
			Address:  cfg.Vault.Address,
			Token:    cfg.Vault.Token,
			RoleID:   cfg.Vault.RoleID,
			SecretID: cfg.Vault.SecretID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
		resolver.Register("vault", secret.NewCachedSource(vs, 5*time.Minute))
	}

	g := &Gateway{cfg: cfg, logger: logger, resolver: resolver, tracing: tracing}

	g.router = provider.NewRouter(logger, provider.WithTracer(tracer))
	for _, a := range o.adapters {
		g.router.RegisterAdapter(a.adapter, a.models, 0)
	}
	if err := g.registerProviders(cfg.Providers); err != nil {
		return nil, err
	}

	deps, err := g.buildPluginDeps(o)
	if err != nil {
		return nil, err
	}
	builtin.RegisterAll(deps)

	reg := plugin.NewRegistry(logger)
	if err := reg.Load(cfg.Plugins); err != nil {
		return nil, err
	}
	for _, pi := range o.instances {
		if err := reg.AddInstance(pi.plugin, pi.cfg); err != nil {
			return nil, err
		}
	}

	g.executor = plugin.NewExecutor(logger, cfg.Pipeline.PluginTimeout)
	g.orch = pipeline.New(reg, g.router, g.executor, logger,
		pipeline.WithMaxReevaluations(cfg.Pipeline.MaxReevaluations),
		pipeline.WithDetachedGrace(cfg.Pipeline.DetachedGrace),
		pipeline.WithTracer(tracer),
	)
	g.handler = api.NewHandler(g.orch, logger, cfg.Server.MaxBodyBytes)
	return g, nil
}

// registerProviders resolves secret references and instantiates one adapter
// per configured provider.
func (g *Gateway) registerProviders(configs []config.ProviderConfig) error {
	ctx := context.Background()
	for _, pc := range configs {
		apiKey, err := g.resolver.Resolve(ctx, pc.APIKey)
		if err != nil {
			return fmt.Errorf("provider %s: resolve api key: %w", pc.Name, err)
		}
		adapter, err := provider.NewAdapter(provider.Config{
			Name:    pc.Name,
			Type:    pc.Type,
			APIKey:  apiKey,
			BaseURL: pc.BaseURL,
			Models:  pc.Models,
			Timeout: pc.Timeout,
			Headers: pc.Headers,
		})
		if err != nil {
			return fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		g.router.RegisterAdapter(adapter, pc.Models, pc.Timeout)
	}
	return nil
}

// buildPluginDeps assembles the shared dependencies handed to builtin
// plugin factories. Caller-supplied instances take precedence over
// config-driven ones.
func (g *Gateway) buildPluginDeps(o *options) (builtin.Deps, error) {
	deps := builtin.Deps{Logger: g.logger}

	if o.validator != nil {
		deps.Validator = o.validator
	} else if g.cfg.Identity.BaseURL != "" || g.cfg.Identity.JWTSecret != "" {
		jwtSecret, err := g.resolver.Resolve(context.Background(), g.cfg.Identity.JWTSecret)
		if err != nil {
			return deps, fmt.Errorf("identity: resolve jwt secret: %w", err)
		}
		client, err := identity.NewClient(identity.Config{
			BaseURL:   g.cfg.Identity.BaseURL,
			Timeout:   g.cfg.Identity.Timeout,
			CacheTTL:  g.cfg.Identity.CacheTTL,
			JWTSecret: jwtSecret,
		})
		if err != nil {
			return deps, err
		}
		deps.Validator = client
	}

	if o.sink != nil {
		g.sink = o.sink
	} else if g.cfg.Telemetry.S3.Bucket != "" {
		secretKey, err := g.resolver.Resolve(context.Background(), g.cfg.Telemetry.S3.SecretKey)
		if err != nil {
			return deps, fmt.Errorf("telemetry: resolve s3 secret: %w", err)
		}
		sink, err := telemetry.NewS3Sink(telemetry.S3Config{
			Bucket:        g.cfg.Telemetry.S3.Bucket,
			Region:        g.cfg.Telemetry.S3.Region,
			AccessKeyID:   g.cfg.Telemetry.S3.AccessKeyID,
			SecretKey:     secretKey,
			Endpoint:      g.cfg.Telemetry.S3.Endpoint,
			PathPrefix:    g.cfg.Telemetry.S3.PathPrefix,
			FlushInterval: g.cfg.Telemetry.S3.FlushInterval,
			BatchSize:     g.cfg.Telemetry.S3.BatchSize,
		}, g.logger)
		if err != nil {
			return deps, err
		}
		g.sink = sink
	} else if g.cfg.Telemetry.Endpoint != "" {
		sink, err := telemetry.NewHTTPSink(g.cfg.Telemetry.Endpoint, g.cfg.Telemetry.Timeout)
		if err != nil {
			return deps, err
		}
		g.sink = sink
	}
	deps.Telemetry = g.sink
	return deps, nil
}

// Handler returns the HTTP handler serving the gateway routes.
func (g *Gateway) Handler() http.Handler {
	return g.handler.Routes()
}

// ChatCompletion runs one non-streaming request through the full pipeline.
func (g *Gateway) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req.Stream {
		return nil, NewValidationError("use ChatCompletionStream for streaming requests")
	}
	rc := plugin.NewRequestContext(req)
	return g.orch.Execute(ctx, rc)
}

// ChatCompletionStream runs a streaming request, delivering released chunks
// to sink in arrival order.
func (g *Gateway) ChatCompletionStream(ctx context.Context, req *ChatRequest, sink StreamSink) error {
	req.Stream = true
	rc := plugin.NewRequestContext(req)
	return g.orch.ExecuteStream(ctx, rc, sink)
}

// Reload swaps in a new plugin registry built from cfg. In-flight requests
// keep the registry they started with.
func (g *Gateway) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	reg := plugin.NewRegistry(g.logger)
	if err := reg.Load(cfg.Plugins); err != nil {
		return err
	}
	g.orch.SwapRegistry(reg)
	g.logger.Info("plugin registry reloaded", "plugins", len(cfg.Plugins))
	return nil
}

// Shutdown drains detached plugin work, flushes telemetry, and stops the
// tracer provider.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := g.orch.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if g.sink != nil {
		if err := g.sink.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := g.resolver.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.tracing.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
