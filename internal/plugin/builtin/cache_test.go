package builtin

import (
	"context"
	"testing"

	"github.com/goccy/go-json"

	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/pkg/types"
)

func cacheRequest(model, text string) *plugin.RequestContext {
	return plugin.NewRequestContext(&types.ChatRequest{
		Model: model,
		Messages: []types.ChatMessage{
			{Role: "user", Content: json.RawMessage(`"` + text + `"`)},
		},
	})
}

func TestCachePlugin(t *testing.T) {
	p := newCachePlugin(testLogger())
	if err := p.Configure(map[string]any{"ttl": "1m"}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	t.Run("miss passes through and stores after the model", func(t *testing.T) {
		rc := cacheRequest("gpt-4o", "what is 2+2")
		if res := p.BeforeModel(context.Background(), rc); res.Terminate {
			t.Fatalf("cold cache should miss, got %+v", res)
		}

		rc.Response = &types.ChatResponse{ID: "resp-1", Model: "gpt-4o"}
		if res := p.AfterModel(context.Background(), rc); !res.Success {
			t.Fatalf("AfterModel() = %+v", res)
		}

		// An identical request now terminates successfully with the cached
		// response, which the pipeline serves as an ordinary 200.
		again := cacheRequest("gpt-4o", "what is 2+2")
		res := p.BeforeModel(context.Background(), again)
		if !res.Terminate || !res.Success {
			t.Fatalf("warm cache result = %+v, want successful terminate", res)
		}
		if res.Context == nil || res.Context.Response == nil || res.Context.Response.ID != "resp-1" {
			t.Errorf("hit context = %+v, want cached response attached", res.Context)
		}
	})

	t.Run("different requests do not collide", func(t *testing.T) {
		rc := cacheRequest("gpt-4o", "a different question")
		if res := p.BeforeModel(context.Background(), rc); res.Terminate {
			t.Errorf("unrelated request hit the cache: %+v", res)
		}
	})

	t.Run("provider retarget still hits", func(t *testing.T) {
		rc := cacheRequest("gpt-4o", "what is 2+2")
		rc.Request.Provider = "some-fallback"
		res := p.BeforeModel(context.Background(), rc)
		if !res.Terminate {
			t.Errorf("provider field should not split the cache key, got %+v", res)
		}
	})

	t.Run("streaming requests bypass the cache", func(t *testing.T) {
		rc := cacheRequest("gpt-4o", "what is 2+2")
		rc.Request.Stream = true
		if res := p.BeforeModel(context.Background(), rc); res.Terminate {
			t.Errorf("streaming request hit the cache: %+v", res)
		}
	})
}
