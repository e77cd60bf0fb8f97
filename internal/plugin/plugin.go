// Package plugin implements the gateway's plugin pipeline: the contract
// plugins satisfy, the registry that decides which plugins apply to a
// request, and the executor that runs one phase in priority order.
//
// Plugins hook into five fixed points of the request lifecycle. Which
// phases a plugin implements is a static fact established at registration
// by interface assertion, so the matcher can skip non-implementers without
// a runtime check per request.
package plugin

import "context"

// Phase identifies one of the five fixed points in the request lifecycle
// where plugins may run.
type Phase string

const (
	// PhaseBeforeModel runs before the provider is called.
	PhaseBeforeModel Phase = "beforeModel"

	// PhaseOnModelError runs when the provider call failed.
	PhaseOnModelError Phase = "onModelError"

	// PhaseAfterModel runs after a successful non-streaming provider call.
	PhaseAfterModel Phase = "afterModel"

	// PhaseAfterChunk runs once per streamed chunk.
	PhaseAfterChunk Phase = "afterChunk"

	// PhaseDetachedAfterResponse runs fire-and-forget after the response
	// (or stream) has completed.
	PhaseDetachedAfterResponse Phase = "detachedAfterResponse"
)

// Phases lists all phases in lifecycle order.
var Phases = []Phase{
	PhaseBeforeModel,
	PhaseOnModelError,
	PhaseAfterModel,
	PhaseAfterChunk,
	PhaseDetachedAfterResponse,
}

// Plugin is the minimal contract every plugin implementation satisfies.
// Lifecycle hooks are optional capabilities declared by additionally
// implementing the hook interfaces below.
type Plugin interface {
	// Name returns the implementation type name (e.g. "ratelimit").
	Name() string

	// Configure applies the opaque per-plugin configuration payload.
	// It is called once at load time, before any hook runs.
	Configure(settings map[string]any) error
}

// ConfigValidator is optionally implemented by plugins that want their
// configuration payload checked at load time. A non-nil error rejects the
// whole configuration.
type ConfigValidator interface {
	ValidateConfig(settings map[string]any) error
}

// BeforeModelHook runs before the provider call.
type BeforeModelHook interface {
	BeforeModel(ctx context.Context, rc *RequestContext) *Result
}

// OnModelErrorHook runs when the provider call failed; rc.Err carries the
// normalized provider error. A hook may recover by attaching a substitute
// response, or retarget the request and set ReevaluateRequest.
type OnModelErrorHook interface {
	OnModelError(ctx context.Context, rc *RequestContext) *Result
}

// AfterModelHook runs after a successful non-streaming provider call;
// rc.Response carries the canonical response.
type AfterModelHook interface {
	AfterModel(ctx context.Context, rc *RequestContext) *Result
}

// AfterChunkHook runs once per streamed chunk; rc.Chunk carries the chunk
// and rc.Buffer gives access to chunks held back by earlier invocations.
type AfterChunkHook interface {
	AfterChunk(ctx context.Context, rc *RequestContext) *Result
}

// DetachedAfterResponseHook runs after the client-visible work is done.
// It returns no result; failures are logged and never surfaced.
type DetachedAfterResponseHook interface {
	DetachedAfterResponse(ctx context.Context, rc *RequestContext)
}
