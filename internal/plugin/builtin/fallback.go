package builtin

import (
	"context"
	"fmt"
	"log/slog"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/plugin"
)

// fallbackPlugin recovers from retryable provider failures by retargeting
// the request to a configured fallback provider or model and restarting
// the pipeline. Non-retryable failures pass through untouched.
//
// Settings: provider (string), model (string), max_retries (int, default 2),
// retry_all (bool, retry non-retryable errors too).
type fallbackPlugin struct {
	logger     *slog.Logger
	provider   string
	model      string
	maxRetries int
	retryAll   bool
}

func newFallbackPlugin(logger *slog.Logger) *fallbackPlugin {
	return &fallbackPlugin{
		logger:     logger,
		maxRetries: 2,
	}
}

func (p *fallbackPlugin) Name() string { return "fallback" }

func (p *fallbackPlugin) ValidateConfig(settings map[string]any) error {
	if settingString(settings, "provider", "") == "" && settingString(settings, "model", "") == "" {
		return fmt.Errorf("fallback: provider or model required")
	}
	return nil
}

func (p *fallbackPlugin) Configure(settings map[string]any) error {
	p.provider = settingString(settings, "provider", "")
	p.model = settingString(settings, "model", "")
	p.maxRetries = settingInt(settings, "max_retries", p.maxRetries)
	p.retryAll = settingBool(settings, "retry_all", false)
	return nil
}

func (p *fallbackPlugin) OnModelError(_ context.Context, rc *plugin.RequestContext) *plugin.Result {
	if rc.RetryCount >= p.maxRetries {
		return plugin.Pass()
	}
	if !p.retryAll && !gwerrors.IsRetryable(rc.Err) {
		return plugin.Pass()
	}
	if p.alreadyTargeted(rc) {
		return plugin.Pass()
	}

	mutated := rc.Clone()
	if p.provider != "" {
		mutated.Request.Provider = p.provider
	}
	if p.model != "" {
		mutated.Request.Model = p.model
	}
	mutated.Err = nil

	p.logger.Info("retargeting after provider failure",
		"request_id", rc.RequestID,
		"from_model", rc.Request.Model,
		"to_provider", p.provider,
		"to_model", p.model,
		"retry_count", rc.RetryCount,
	)
	return &plugin.Result{
		Success:           true,
		Context:           mutated,
		ReevaluateRequest: true,
	}
}

// alreadyTargeted avoids reevaluating into the same destination that just
// failed.
func (p *fallbackPlugin) alreadyTargeted(rc *plugin.RequestContext) bool {
	providerMatch := p.provider == "" || rc.Request.Provider == p.provider
	modelMatch := p.model == "" || rc.Request.Model == p.model
	return providerMatch && modelMatch
}
