package builtin

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/internal/telemetry"
)

// telemetryPlugin emits the finished-conversation record from the detached
// phase. Emission failures are logged and dropped; the record is never
// retried synchronously.
type telemetryPlugin struct {
	sink   telemetry.Sink
	logger *slog.Logger
}

func newTelemetryPlugin(sink telemetry.Sink, logger *slog.Logger) *telemetryPlugin {
	return &telemetryPlugin{sink: sink, logger: logger}
}

func (p *telemetryPlugin) Name() string { return "telemetry" }

func (p *telemetryPlugin) Configure(map[string]any) error {
	if p.sink == nil {
		return errors.New("telemetry: no sink wired")
	}
	return nil
}

func (p *telemetryPlugin) DetachedAfterResponse(ctx context.Context, rc *plugin.RequestContext) {
	rec := telemetry.BuildRecord(rc)
	if err := p.sink.Emit(ctx, rec); err != nil {
		p.logger.Warn("telemetry emission failed",
			"request_id", rc.RequestID,
			"error", err,
		)
	}
}
