package plugin

import "time"

// Result is the outcome of one plugin invocation. Exactly one Result per
// phase becomes the phase's final result: either the last executed plugin's,
// or the result of the plugin that set Terminate or SkipRemaining.
type Result struct {
	// Success is false when the handler failed. A failed result does not
	// implicitly terminate; normal flow-control evaluation applies.
	Success bool

	// StatusCode is the HTTP status used when aborting.
	StatusCode int

	// Context, when non-nil, replaces the working request context for all
	// subsequent plugins in this phase and later phases.
	Context *RequestContext

	// Err carries the handler failure or abort reason.
	Err error

	// ReevaluateRequest restarts the whole pipeline from beforeModel using
	// the mutated request. Bounded by the pipeline's reevaluation limit.
	ReevaluateRequest bool

	// SkipRemaining stops this phase only; this result becomes the phase's
	// final result and the pipeline proceeds to the next phase.
	SkipRemaining bool

	// Terminate aborts the entire request, returning this result's status
	// and error to the caller. No later phase runs.
	Terminate bool

	// EmitChunk releases the current chunk to the client now. Streaming only.
	EmitChunk bool
}

// Pass returns the implicit pass-through result: success, no mutation.
func Pass() *Result {
	return &Result{Success: true}
}

// Fail returns a failed result carrying err.
func Fail(err error) *Result {
	return &Result{Err: err}
}

// Abort returns a terminating result with the given status.
func Abort(statusCode int, err error) *Result {
	return &Result{StatusCode: statusCode, Err: err, Terminate: true}
}

// Execution is the audit record of one plugin invocation.
type Execution struct {
	Plugin   string
	Result   *Result
	Duration time.Duration
}

// PhaseExecution aggregates the ordered plugin executions of one phase,
// the phase's final (winning) result, and total elapsed time. Records are
// append-only and never mutated after being written.
type PhaseExecution struct {
	Phase      Phase
	Executions []Execution
	Final      *Result
	Duration   time.Duration
}
