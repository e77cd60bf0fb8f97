// Package builtin ships the gateway's stock plugins: auth, rate limiting,
// response caching, guardrails, logging, telemetry emission, and provider
// fallback. Each registers a descriptor so configuration can instantiate
// it by type name.
package builtin

import (
	"log/slog"
	"time"

	"github.com/gantry-llm/gantry/internal/identity"
	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/internal/telemetry"
)

// Deps are the collaborators builtin plugins need beyond their settings
// payload. They are captured by the factory closures at registration.
type Deps struct {
	Logger    *slog.Logger
	Validator identity.Validator
	Telemetry telemetry.Sink
}

// RegisterAll installs descriptors for every builtin plugin type.
func RegisterAll(deps Deps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	plugin.Register(plugin.Descriptor{
		Type:    "auth",
		Version: "1.0.0",
		New:     func() plugin.Plugin { return newAuthPlugin(deps.Validator, deps.Logger) },
	})
	plugin.Register(plugin.Descriptor{
		Type:    "ratelimit",
		Version: "1.0.0",
		New:     func() plugin.Plugin { return newRateLimitPlugin(deps.Logger) },
	})
	plugin.Register(plugin.Descriptor{
		Type:    "cache",
		Version: "1.0.0",
		New:     func() plugin.Plugin { return newCachePlugin(deps.Logger) },
	})
	plugin.Register(plugin.Descriptor{
		Type:    "guardrail",
		Version: "1.0.0",
		New:     func() plugin.Plugin { return newGuardrailPlugin(deps.Logger) },
	})
	plugin.Register(plugin.Descriptor{
		Type:    "logging",
		Version: "1.0.0",
		New:     func() plugin.Plugin { return newLoggingPlugin(deps.Logger) },
	})
	plugin.Register(plugin.Descriptor{
		Type:    "telemetry",
		Version: "1.0.0",
		New:     func() plugin.Plugin { return newTelemetryPlugin(deps.Telemetry, deps.Logger) },
	})
	plugin.Register(plugin.Descriptor{
		Type:    "fallback",
		Version: "1.0.0",
		New:     func() plugin.Plugin { return newFallbackPlugin(deps.Logger) },
	})
}

// Settings readers. YAML decoding hands plugins map[string]any with
// whatever scalar types the parser chose, so numeric reads accept both
// int and float64.

func settingString(settings map[string]any, key, fallback string) string {
	if v, ok := settings[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func settingInt(settings map[string]any, key string, fallback int) int {
	switch v := settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func settingFloat(settings map[string]any, key string, fallback float64) float64 {
	switch v := settings[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

func settingBool(settings map[string]any, key string, fallback bool) bool {
	if v, ok := settings[key].(bool); ok {
		return v
	}
	return fallback
}

func settingDuration(settings map[string]any, key string, fallback time.Duration) time.Duration {
	switch v := settings[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return fallback
}

func settingStrings(settings map[string]any, key string) []string {
	raw, ok := settings[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
