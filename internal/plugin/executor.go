package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
)

// DefaultHookTimeout is the per-invocation budget applied when none is
// configured.
const DefaultHookTimeout = 10 * time.Second

// Executor runs the applicable plugins of one phase strictly sequentially
// and in priority order. Later plugins may depend on mutations made by
// earlier ones, so plugins within a phase are never run concurrently.
type Executor struct {
	logger  *slog.Logger
	timeout time.Duration
}

// NewExecutor creates a phase executor.
func NewExecutor(logger *slog.Logger, hookTimeout time.Duration) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if hookTimeout <= 0 {
		hookTimeout = DefaultHookTimeout
	}
	return &Executor{logger: logger, timeout: hookTimeout}
}

// RunPhase executes the phase against rc and returns the phase record plus
// the working context, which may have been replaced by a plugin mutation.
// The phase record is also appended to the context's audit trail.
//
// If no plugin matches, the phase produces an empty execution list and an
// implicit pass-through final result.
func (e *Executor) RunPhase(ctx context.Context, phase Phase, reg *Registry, rc *RequestContext) (*PhaseExecution, *RequestContext) {
	phaseStart := time.Now()
	pe := &PhaseExecution{Phase: phase}

	plugins := reg.Applicable(phase, rc)
	if len(plugins) == 0 {
		pe.Final = Pass()
		pe.Duration = time.Since(phaseStart)
		rc.recordPhase(pe)
		return pe, rc
	}

	for _, in := range plugins {
		start := time.Now()
		result := e.invoke(ctx, phase, in, rc)
		elapsed := time.Since(start)

		pe.Executions = append(pe.Executions, Execution{
			Plugin:   in.Name(),
			Result:   result,
			Duration: elapsed,
		})
		pe.Final = result

		if !result.Success {
			e.logger.Warn("plugin failed",
				"plugin", in.Name(),
				"phase", string(phase),
				"error", result.Err,
				"duration", elapsed,
				"request_id", rc.RequestID,
			)
		}

		if result.Context != nil {
			rc = result.Context
		}

		if result.Terminate {
			e.logger.Debug("phase terminated by plugin",
				"plugin", in.Name(),
				"phase", string(phase),
				"status", result.StatusCode,
				"request_id", rc.RequestID,
			)
			break
		}
		if result.SkipRemaining {
			e.logger.Debug("phase skipped by plugin",
				"plugin", in.Name(),
				"phase", string(phase),
				"request_id", rc.RequestID,
			)
			break
		}
		if result.ReevaluateRequest {
			break
		}
	}

	pe.Duration = time.Since(phaseStart)
	rc.recordPhase(pe)
	return pe, rc
}

// invoke calls one hook with the per-invocation budget. An invocation
// exceeding its budget, panicking, or returning nil is converted into an
// ordinary result so the phase's flow-control evaluation stays uniform.
func (e *Executor) invoke(ctx context.Context, phase Phase, in *Instance, rc *RequestContext) *Result {
	hookCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Fail(gwerrors.NewPluginError(in.Name(), fmt.Errorf("panic: %v", r)))
			}
		}()
		done <- e.callHook(hookCtx, phase, in, rc)
	}()

	select {
	case result := <-done:
		if result == nil {
			return Pass()
		}
		if result.Err != nil && result.Success {
			// A result cannot both carry a failure and claim success.
			result.Success = false
		}
		return result
	case <-hookCtx.Done():
		return Fail(gwerrors.NewPluginError(in.Name(), hookCtx.Err()))
	}
}

func (e *Executor) callHook(ctx context.Context, phase Phase, in *Instance, rc *RequestContext) *Result {
	switch phase {
	case PhaseBeforeModel:
		return in.beforeModel.BeforeModel(ctx, rc)
	case PhaseOnModelError:
		return in.onError.OnModelError(ctx, rc)
	case PhaseAfterModel:
		return in.afterModel.AfterModel(ctx, rc)
	case PhaseAfterChunk:
		return in.afterChunk.AfterChunk(ctx, rc)
	}
	return Pass()
}

// RunDetached executes the detachedAfterResponse plugins. They return no
// result; individual failures are logged only, never surfaced to the caller,
// and never affect what was already returned.
func (e *Executor) RunDetached(ctx context.Context, reg *Registry, rc *RequestContext) {
	for _, in := range reg.Applicable(PhaseDetachedAfterResponse, rc) {
		start := time.Now()
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("detached plugin panicked",
						"plugin", in.Name(),
						"panic", fmt.Sprint(r),
						"request_id", rc.RequestID,
					)
				}
			}()
			in.detached.DetachedAfterResponse(ctx, rc)
		}()
		e.logger.Debug("detached plugin finished",
			"plugin", in.Name(),
			"duration", time.Since(start),
			"request_id", rc.RequestID,
		)
	}
}
