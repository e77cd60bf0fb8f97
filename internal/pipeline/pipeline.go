// Package pipeline implements the request orchestrator: the state machine
// that drives a request through the plugin phases and the provider call,
// including the bounded reevaluation loop, and the streaming coordinator
// that re-enters the pipeline per chunk.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/metrics"
	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/internal/provider"
	"github.com/gantry-llm/gantry/pkg/types"
)

const (
	// DefaultMaxReevaluations bounds pipeline restarts triggered by
	// reevaluateRequest, so cooperating plugins cannot loop forever.
	DefaultMaxReevaluations = 5

	// DefaultDetachedGrace is how long detached plugins may keep running
	// after shutdown is requested before they are abandoned.
	DefaultDetachedGrace = 10 * time.Second
)

// ModelCaller is the provider-side contract the orchestrator depends on.
// *provider.Router satisfies it.
type ModelCaller interface {
	Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
	Stream(ctx context.Context, req *types.ChatRequest) (provider.StreamHandler, error)
}

// Orchestrator drives requests through the phase sequence. The registry is
// held behind an atomic pointer: configuration reloads swap in a new
// registry while in-flight requests keep the snapshot they started with.
type Orchestrator struct {
	registry atomic.Pointer[plugin.Registry]
	caller   ModelCaller
	executor *plugin.Executor
	logger   *slog.Logger
	tracer   trace.Tracer

	maxReevaluations int
	detachedGrace    time.Duration

	detached sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxReevaluations overrides the reevaluation bound.
func WithMaxReevaluations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxReevaluations = n
		}
	}
}

// WithDetachedGrace overrides the shutdown grace for detached plugins.
func WithDetachedGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.detachedGrace = d
		}
	}
}

// WithTracer sets the tracer used for phase spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New creates an orchestrator over the given registry and provider caller.
func New(reg *plugin.Registry, caller ModelCaller, executor *plugin.Executor, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		caller:           caller,
		executor:         executor,
		logger:           logger,
		tracer:           noop.NewTracerProvider().Tracer("gantry"),
		maxReevaluations: DefaultMaxReevaluations,
		detachedGrace:    DefaultDetachedGrace,
	}
	o.registry.Store(reg)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SwapRegistry atomically replaces the plugin registry. In-flight requests
// keep the snapshot they took at entry.
func (o *Orchestrator) SwapRegistry(reg *plugin.Registry) {
	o.registry.Store(reg)
}

// Registry returns the current registry snapshot.
func (o *Orchestrator) Registry() *plugin.Registry {
	return o.registry.Load()
}

// Execute drives a non-streaming request to completion. On any path,
// detachedAfterResponse plugins are scheduled before returning; they never
// block or alter the returned values.
func (o *Orchestrator) Execute(ctx context.Context, rc *plugin.RequestContext) (*types.ChatResponse, error) {
	reg := o.registry.Load()

	for attempt := 0; ; attempt++ {
		if attempt > o.maxReevaluations {
			err := gwerrors.NewReevaluationLimitError(o.maxReevaluations)
			o.scheduleDetached(reg, rc)
			return nil, err
		}
		rc.RetryCount = attempt
		// A reevaluated attempt starts clean; the prior attempt's
		// response must not be visible to beforeModel plugins.
		rc.Response = nil

		final, next, done := o.runPhase(ctx, plugin.PhaseBeforeModel, reg, rc)
		rc = next
		if done {
			resp, err := o.finish(reg, rc, final)
			return resp, err
		}
		if final.ReevaluateRequest {
			o.recordReevaluation(plugin.PhaseBeforeModel, rc)
			continue
		}

		resp, err := o.caller.Complete(ctx, rc.Request)
		if err == nil {
			rc.Response = resp
			rc.Err = nil

			final, rc, done = o.runPhase(ctx, plugin.PhaseAfterModel, reg, rc)
			if done {
				return o.finish(reg, rc, final)
			}
			if final.ReevaluateRequest {
				o.recordReevaluation(plugin.PhaseAfterModel, rc)
				continue
			}
			o.scheduleDetached(reg, rc)
			return rc.Response, nil
		}

		rc.Err = gwerrors.AsGatewayError(err, rc.Request.Provider, rc.Request.Model)
		rc.Response = nil

		final, rc, done = o.runPhase(ctx, plugin.PhaseOnModelError, reg, rc)
		if done {
			return o.finish(reg, rc, final)
		}
		if final.ReevaluateRequest {
			o.recordReevaluation(plugin.PhaseOnModelError, rc)
			continue
		}
		if final.Success && rc.Response != nil {
			// A plugin recovered with a substitute response; the request
			// proceeds as if the provider had succeeded.
			final, rc, done = o.runPhase(ctx, plugin.PhaseAfterModel, reg, rc)
			if done {
				return o.finish(reg, rc, final)
			}
			if final.ReevaluateRequest {
				o.recordReevaluation(plugin.PhaseAfterModel, rc)
				continue
			}
			o.scheduleDetached(reg, rc)
			return rc.Response, nil
		}

		// Unhandled: the original upstream error propagates, including
		// when the error-phase plugin itself failed.
		o.scheduleDetached(reg, rc)
		return nil, rc.Err
	}
}

// runPhase executes one phase inside a span. done reports that the phase
// terminated the request.
func (o *Orchestrator) runPhase(ctx context.Context, phase plugin.Phase, reg *plugin.Registry, rc *plugin.RequestContext) (*plugin.Result, *plugin.RequestContext, bool) {
	ctx, span := o.tracer.Start(ctx, "pipeline.phase",
		trace.WithAttributes(attribute.String("gantry.phase", string(phase))),
	)
	pe, rc := o.executor.RunPhase(ctx, phase, reg, rc)
	span.SetAttributes(attribute.Int("gantry.phase.plugins", len(pe.Executions)))
	span.End()

	metrics.PhaseLatency.WithLabelValues(string(phase)).Observe(pe.Duration.Seconds())
	for _, ex := range pe.Executions {
		metrics.PluginHookLatency.WithLabelValues(ex.Plugin, string(phase)).Observe(ex.Duration.Seconds())
		if !ex.Result.Success {
			metrics.PluginFailures.WithLabelValues(ex.Plugin, string(phase)).Inc()
		}
	}

	return pe.Final, rc, pe.Final.Terminate
}

// finish resolves a terminating result. A successful terminate with a
// response attached is returned to the client as a normal response (the
// cache-hit pattern); everything else becomes a pipeline abort carrying
// the terminating result's status.
func (o *Orchestrator) finish(reg *plugin.Registry, rc *plugin.RequestContext, final *plugin.Result) (*types.ChatResponse, error) {
	o.scheduleDetached(reg, rc)

	if final.Success && rc.Response != nil {
		return rc.Response, nil
	}

	if ge, ok := final.Err.(*gwerrors.GatewayError); ok {
		return nil, ge
	}
	message := ""
	if final.Err != nil {
		message = final.Err.Error()
	}
	return nil, gwerrors.NewPipelineAbortedError(final.StatusCode, message)
}

func (o *Orchestrator) recordReevaluation(phase plugin.Phase, rc *plugin.RequestContext) {
	last := lastPluginName(rc, phase)
	metrics.Reevaluations.WithLabelValues(last).Inc()
	o.logger.Debug("pipeline reevaluation",
		"phase", string(phase),
		"plugin", last,
		"retry_count", rc.RetryCount,
		"request_id", rc.RequestID,
	)
}

func lastPluginName(rc *plugin.RequestContext, phase plugin.Phase) string {
	phases := rc.PhaseExecutions()
	for i := len(phases) - 1; i >= 0; i-- {
		if phases[i].Phase == phase && len(phases[i].Executions) > 0 {
			return phases[i].Executions[len(phases[i].Executions)-1].Plugin
		}
	}
	return "unknown"
}

// scheduleDetached runs the detachedAfterResponse plugins on their own
// goroutine with a fresh context, so client cancellation does not cancel
// them. The goroutine is tracked for shutdown.
func (o *Orchestrator) scheduleDetached(reg *plugin.Registry, rc *plugin.RequestContext) {
	o.detached.Add(1)
	go func() {
		defer o.detached.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.detachedGrace)
		defer cancel()
		o.executor.RunDetached(ctx, reg, rc)
	}()
}

// Shutdown waits for in-flight detached plugins, up to the configured
// grace period or until ctx is cancelled, then abandons them.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.detached.Wait()
		close(done)
	}()

	grace := time.NewTimer(o.detachedGrace)
	defer grace.Stop()

	select {
	case <-done:
		return nil
	case <-grace.C:
		o.logger.Warn("detached plugins abandoned after grace period")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
