package builtin

import (
	"context"
	"log/slog"
	"time"

	"github.com/gantry-llm/gantry/internal/plugin"
)

// loggingPlugin logs the request on entry and the outcome after the
// response is settled. Body logging is off by default.
//
// Settings: log_request_body (bool), log_response_body (bool).
type loggingPlugin struct {
	logger          *slog.Logger
	logRequestBody  bool
	logResponseBody bool
}

func newLoggingPlugin(logger *slog.Logger) *loggingPlugin {
	return &loggingPlugin{logger: logger}
}

func (p *loggingPlugin) Name() string { return "logging" }

func (p *loggingPlugin) Configure(settings map[string]any) error {
	p.logRequestBody = settingBool(settings, "log_request_body", false)
	p.logResponseBody = settingBool(settings, "log_response_body", false)
	return nil
}

func (p *loggingPlugin) BeforeModel(_ context.Context, rc *plugin.RequestContext) *plugin.Result {
	attrs := []any{
		"request_id", rc.RequestID,
		"model", rc.Request.Model,
		"stream", rc.Request.Stream,
		"messages", len(rc.Request.Messages),
	}
	if rc.Caller != nil {
		attrs = append(attrs, "caller", rc.Caller.Subject)
	}
	if p.logRequestBody && len(rc.Request.Messages) > 0 {
		last := rc.Request.Messages[len(rc.Request.Messages)-1]
		attrs = append(attrs, "last_message", last.TextContent())
	}
	p.logger.Info("request received", attrs...)
	return plugin.Pass()
}

func (p *loggingPlugin) AfterModel(_ context.Context, rc *plugin.RequestContext) *plugin.Result {
	attrs := []any{
		"request_id", rc.RequestID,
		"model", rc.Request.Model,
		"latency", time.Since(rc.StartTime),
	}
	if rc.Response != nil && rc.Response.Usage != nil {
		attrs = append(attrs,
			"prompt_tokens", rc.Response.Usage.PromptTokens,
			"completion_tokens", rc.Response.Usage.CompletionTokens,
		)
	}
	if p.logResponseBody && rc.Response != nil && len(rc.Response.Choices) > 0 {
		attrs = append(attrs, "response", rc.Response.Choices[0].Message.TextContent())
	}
	p.logger.Info("response ready", attrs...)
	return plugin.Pass()
}

func (p *loggingPlugin) DetachedAfterResponse(_ context.Context, rc *plugin.RequestContext) {
	attrs := []any{
		"request_id", rc.RequestID,
		"duration", time.Since(rc.StartTime),
		"retry_count", rc.RetryCount,
		"phases", len(rc.PhaseExecutions()),
	}
	if rc.Err != nil {
		p.logger.Warn("request finished with error", append(attrs, "error", rc.Err)...)
		return
	}
	p.logger.Debug("request finished", attrs...)
}
