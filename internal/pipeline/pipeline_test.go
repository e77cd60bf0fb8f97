package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/internal/provider"
	"github.com/gantry-llm/gantry/pkg/types"
)

// beforeStub implements only the beforeModel hook.
type beforeStub struct {
	name string
	fn   func(ctx context.Context, rc *plugin.RequestContext) *plugin.Result
}

func (p *beforeStub) Name() string                   { return p.name }
func (p *beforeStub) Configure(map[string]any) error { return nil }
func (p *beforeStub) BeforeModel(ctx context.Context, rc *plugin.RequestContext) *plugin.Result {
	return p.fn(ctx, rc)
}

// errorStub implements only the onModelError hook.
type errorStub struct {
	name string
	fn   func(ctx context.Context, rc *plugin.RequestContext) *plugin.Result
}

func (p *errorStub) Name() string                   { return p.name }
func (p *errorStub) Configure(map[string]any) error { return nil }
func (p *errorStub) OnModelError(ctx context.Context, rc *plugin.RequestContext) *plugin.Result {
	return p.fn(ctx, rc)
}

// afterStub implements only the afterModel hook.
type afterStub struct {
	name string
	fn   func(ctx context.Context, rc *plugin.RequestContext) *plugin.Result
}

func (p *afterStub) Name() string                   { return p.name }
func (p *afterStub) Configure(map[string]any) error { return nil }
func (p *afterStub) AfterModel(ctx context.Context, rc *plugin.RequestContext) *plugin.Result {
	return p.fn(ctx, rc)
}

// chunkStub implements only the afterChunk hook.
type chunkStub struct {
	name string
	fn   func(ctx context.Context, rc *plugin.RequestContext) *plugin.Result
}

func (p *chunkStub) Name() string                   { return p.name }
func (p *chunkStub) Configure(map[string]any) error { return nil }
func (p *chunkStub) AfterChunk(ctx context.Context, rc *plugin.RequestContext) *plugin.Result {
	return p.fn(ctx, rc)
}

// detachedStub records that the detached phase ran.
type detachedStub struct {
	name string
	ran  chan struct{}
}

func newDetachedStub(name string) *detachedStub {
	return &detachedStub{name: name, ran: make(chan struct{})}
}

func (p *detachedStub) Name() string                   { return p.name }
func (p *detachedStub) Configure(map[string]any) error { return nil }
func (p *detachedStub) DetachedAfterResponse(context.Context, *plugin.RequestContext) {
	close(p.ran)
}

func (p *detachedStub) waitRan(t *testing.T) {
	t.Helper()
	select {
	case <-p.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("detached plugin did not run")
	}
}

// fakeCaller is a scriptable ModelCaller.
type fakeCaller struct {
	complete func(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
	stream   func(ctx context.Context, req *types.ChatRequest) (provider.StreamHandler, error)
	calls    int
}

func (c *fakeCaller) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	c.calls++
	return c.complete(ctx, req)
}

func (c *fakeCaller) Stream(ctx context.Context, req *types.ChatRequest) (provider.StreamHandler, error) {
	c.calls++
	return c.stream(ctx, req)
}

func testRequest(model string) *plugin.RequestContext {
	return plugin.NewRequestContext(&types.ChatRequest{
		Model: model,
		Messages: []types.ChatMessage{
			{Role: "user", Content: json.RawMessage(`"hi"`)},
		},
	})
}

func testResponse(model, text string) *types.ChatResponse {
	return &types.ChatResponse{
		ID:    "resp-1",
		Model: model,
		Choices: []types.Choice{
			{Message: types.ChatMessage{Role: "assistant", Content: json.RawMessage(`"` + text + `"`)}, FinishReason: "stop"},
		},
	}
}

func buildRegistry(t *testing.T, plugins ...plugin.Plugin) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry(nil)
	for i, p := range plugins {
		if err := reg.AddInstance(p, plugin.Config{Name: p.Name(), Priority: (i + 1) * 10}); err != nil {
			t.Fatalf("AddInstance(%s) error = %v", p.Name(), err)
		}
	}
	return reg
}

func newTestOrchestrator(t *testing.T, caller ModelCaller, plugins ...plugin.Plugin) *Orchestrator {
	t.Helper()
	reg := buildRegistry(t, plugins...)
	return New(reg, caller, plugin.NewExecutor(nil, time.Second), nil,
		WithMaxReevaluations(3),
		WithDetachedGrace(time.Second),
	)
}

func TestOrchestrator_Execute(t *testing.T) {
	t.Run("happy path returns provider response", func(t *testing.T) {
		caller := &fakeCaller{complete: func(_ context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
			return testResponse(req.Model, "hello"), nil
		}}
		detached := newDetachedStub("audit")
		o := newTestOrchestrator(t, caller, detached)

		resp, err := o.Execute(context.Background(), testRequest("gpt-4o"))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if resp.Model != "gpt-4o" {
			t.Errorf("response model = %q, want gpt-4o", resp.Model)
		}
		detached.waitRan(t)
	})

	t.Run("terminate before the model skips the provider", func(t *testing.T) {
		caller := &fakeCaller{complete: func(context.Context, *types.ChatRequest) (*types.ChatResponse, error) {
			t.Error("provider should not be called")
			return nil, nil
		}}
		gate := &beforeStub{name: "gate", fn: func(context.Context, *plugin.RequestContext) *plugin.Result {
			return plugin.Abort(403, errors.New("denied"))
		}}
		o := newTestOrchestrator(t, caller, gate)

		_, err := o.Execute(context.Background(), testRequest("gpt-4o"))

		var ge *gwerrors.GatewayError
		if !errors.As(err, &ge) {
			t.Fatalf("Execute() error = %v, want GatewayError", err)
		}
		if ge.HTTPStatusCode() != 403 || ge.Code != gwerrors.CodePipelineAborted {
			t.Errorf("error = %+v, want 403 pipeline_aborted", ge)
		}
	})

	t.Run("successful terminate with response short-circuits as 200", func(t *testing.T) {
		cached := testResponse("gpt-4o", "from cache")
		hit := &beforeStub{name: "cache", fn: func(_ context.Context, rc *plugin.RequestContext) *plugin.Result {
			out := rc.Clone()
			out.Response = cached
			return &plugin.Result{Success: true, Terminate: true, Context: out}
		}}
		caller := &fakeCaller{complete: func(context.Context, *types.ChatRequest) (*types.ChatResponse, error) {
			t.Error("provider should not be called on a cache hit")
			return nil, nil
		}}
		o := newTestOrchestrator(t, caller, hit)

		resp, err := o.Execute(context.Background(), testRequest("gpt-4o"))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if resp != cached {
			t.Error("expected the cached response back")
		}
	})

	t.Run("onModelError retargets and reevaluates", func(t *testing.T) {
		caller := &fakeCaller{complete: func(_ context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
			if req.Model == "primary" {
				return nil, gwerrors.NewProviderError(503, "openai", "primary", "overloaded")
			}
			return testResponse(req.Model, "fallback answer"), nil
		}}
		fallback := &errorStub{name: "fallback", fn: func(_ context.Context, rc *plugin.RequestContext) *plugin.Result {
			out := rc.Clone()
			out.Request.Model = "backup"
			out.Err = nil
			return &plugin.Result{Success: true, Context: out, ReevaluateRequest: true}
		}}
		o := newTestOrchestrator(t, caller, fallback)

		resp, err := o.Execute(context.Background(), testRequest("primary"))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if resp.Model != "backup" {
			t.Errorf("response model = %q, want backup", resp.Model)
		}
		if caller.calls != 2 {
			t.Errorf("provider called %d times, want 2", caller.calls)
		}
	})

	t.Run("afterModel reevaluation clears the prior response", func(t *testing.T) {
		caller := &fakeCaller{complete: func(_ context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
			return testResponse(req.Model, "attempt"), nil
		}}
		var staleSeen bool
		inspector := &beforeStub{name: "inspector", fn: func(_ context.Context, rc *plugin.RequestContext) *plugin.Result {
			if rc.Response != nil {
				staleSeen = true
			}
			return plugin.Pass()
		}}
		retried := false
		judge := &afterStub{name: "judge", fn: func(_ context.Context, rc *plugin.RequestContext) *plugin.Result {
			if retried {
				return plugin.Pass()
			}
			retried = true
			return &plugin.Result{Success: true, ReevaluateRequest: true}
		}}
		o := newTestOrchestrator(t, caller, inspector, judge)

		if _, err := o.Execute(context.Background(), testRequest("gpt-4o")); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if staleSeen {
			t.Error("beforeModel saw the previous attempt's response")
		}
		if caller.calls != 2 {
			t.Errorf("provider called %d times, want 2", caller.calls)
		}
	})

	t.Run("reevaluation loop is bounded", func(t *testing.T) {
		caller := &fakeCaller{complete: func(context.Context, *types.ChatRequest) (*types.ChatResponse, error) {
			t.Error("provider should not be reached")
			return nil, nil
		}}
		restless := &beforeStub{name: "restless", fn: func(context.Context, *plugin.RequestContext) *plugin.Result {
			return &plugin.Result{Success: true, ReevaluateRequest: true}
		}}
		o := newTestOrchestrator(t, caller, restless)

		_, err := o.Execute(context.Background(), testRequest("gpt-4o"))

		var ge *gwerrors.GatewayError
		if !errors.As(err, &ge) || ge.Code != gwerrors.CodeReevaluationLimit {
			t.Errorf("Execute() error = %v, want reevaluation limit", err)
		}
	})

	t.Run("onModelError recovery proceeds to afterModel", func(t *testing.T) {
		caller := &fakeCaller{complete: func(context.Context, *types.ChatRequest) (*types.ChatResponse, error) {
			return nil, gwerrors.NewProviderError(500, "openai", "gpt-4o", "boom")
		}}
		substitute := testResponse("gpt-4o", "recovered")
		rescuer := &errorStub{name: "rescuer", fn: func(_ context.Context, rc *plugin.RequestContext) *plugin.Result {
			out := rc.Clone()
			out.Response = substitute
			out.Err = nil
			return &plugin.Result{Success: true, Context: out}
		}}
		var afterRan bool
		after := &afterStub{name: "after", fn: func(context.Context, *plugin.RequestContext) *plugin.Result {
			afterRan = true
			return plugin.Pass()
		}}
		o := newTestOrchestrator(t, caller, rescuer, after)

		resp, err := o.Execute(context.Background(), testRequest("gpt-4o"))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if resp != substitute {
			t.Error("expected the substitute response back")
		}
		if !afterRan {
			t.Error("afterModel should run on the recovered response")
		}
	})

	t.Run("unhandled provider error propagates", func(t *testing.T) {
		upstream := gwerrors.NewProviderError(429, "openai", "gpt-4o", "rate limited")
		caller := &fakeCaller{complete: func(context.Context, *types.ChatRequest) (*types.ChatResponse, error) {
			return nil, upstream
		}}
		ineffective := &errorStub{name: "ineffective", fn: func(context.Context, *plugin.RequestContext) *plugin.Result {
			return plugin.Fail(errors.New("handler broke too"))
		}}
		o := newTestOrchestrator(t, caller, ineffective)

		_, err := o.Execute(context.Background(), testRequest("gpt-4o"))

		var ge *gwerrors.GatewayError
		if !errors.As(err, &ge) {
			t.Fatalf("Execute() error = %v, want GatewayError", err)
		}
		if ge.HTTPStatusCode() != 429 {
			t.Errorf("status = %d, want the original 429", ge.HTTPStatusCode())
		}
	})

	t.Run("detached runs even on failure paths", func(t *testing.T) {
		caller := &fakeCaller{complete: func(context.Context, *types.ChatRequest) (*types.ChatResponse, error) {
			return nil, gwerrors.NewProviderError(500, "openai", "gpt-4o", "boom")
		}}
		detached := newDetachedStub("billing")
		o := newTestOrchestrator(t, caller, detached)

		if _, err := o.Execute(context.Background(), testRequest("gpt-4o")); err == nil {
			t.Fatal("Execute() should fail")
		}
		detached.waitRan(t)
	})
}

func TestOrchestrator_Shutdown(t *testing.T) {
	caller := &fakeCaller{complete: func(_ context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
		return testResponse(req.Model, "ok"), nil
	}}
	detached := newDetachedStub("slowpoke")
	o := newTestOrchestrator(t, caller, detached)

	if _, err := o.Execute(context.Background(), testRequest("gpt-4o")); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	detached.waitRan(t)
}
