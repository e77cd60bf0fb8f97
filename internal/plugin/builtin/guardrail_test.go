package builtin

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/goccy/go-json"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/pkg/types"
)

func newTestGuardrail(t *testing.T, blocklist []string) *guardrailPlugin {
	t.Helper()
	p := newGuardrailPlugin(testLogger())
	settings := map[string]any{}
	if blocklist != nil {
		raw := make([]any, len(blocklist))
		for i, w := range blocklist {
			raw[i] = w
		}
		settings["blocklist"] = raw
	}
	if err := p.Configure(settings); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	return p
}

func chunkContext(text string, buf *plugin.ChunkBuffer) *plugin.RequestContext {
	rc := plugin.NewRequestContext(&types.ChatRequest{Model: "m", Stream: true})
	chunk := &types.StreamChunk{
		Choices: []types.StreamChoice{{Delta: types.StreamDelta{Content: text}}},
	}
	return rc.DeriveChunk(chunk, buf)
}

func TestGuardrail_AfterChunk(t *testing.T) {
	t.Run("holds chunks until the boundary", func(t *testing.T) {
		p := newTestGuardrail(t, nil)
		buf := plugin.NewChunkBuffer()

		res := p.AfterChunk(context.Background(), chunkContext("no boundary yet", buf))
		if !res.SkipRemaining || res.EmitChunk {
			t.Errorf("result = %+v, want hold (skipRemaining without emit)", res)
		}
	})

	t.Run("releases the merged paragraph at the boundary", func(t *testing.T) {
		p := newTestGuardrail(t, nil)
		buf := plugin.NewChunkBuffer()
		buf.Hold(&types.StreamChunk{Choices: []types.StreamChoice{{Delta: types.StreamDelta{Content: "Hello "}}}})
		buf.Hold(&types.StreamChunk{Choices: []types.StreamChoice{{Delta: types.StreamDelta{Content: "world"}}}})

		res := p.AfterChunk(context.Background(), chunkContext("!\n", buf))
		if !res.EmitChunk || res.Context == nil {
			t.Fatalf("result = %+v, want emit with merged context", res)
		}
		if got := res.Context.Chunk.DeltaText(); got != "Hello world!\n" {
			t.Errorf("merged text = %q", got)
		}
		if buf.Len() != 0 {
			t.Errorf("buffer still holds %d chunks after release", buf.Len())
		}
	})

	t.Run("final chunk without content flushes held text", func(t *testing.T) {
		p := newTestGuardrail(t, nil)
		buf := plugin.NewChunkBuffer()
		buf.Hold(&types.StreamChunk{Choices: []types.StreamChoice{{Delta: types.StreamDelta{Content: "tail"}}}})

		rc := plugin.NewRequestContext(&types.ChatRequest{Model: "m", Stream: true})
		final := &types.StreamChunk{Choices: []types.StreamChoice{{FinishReason: "stop"}}}
		res := p.AfterChunk(context.Background(), rc.DeriveChunk(final, buf))

		if !res.EmitChunk {
			t.Fatalf("result = %+v, want emit", res)
		}
		if got := res.Context.Chunk.DeltaText(); got != "tail" {
			t.Errorf("flushed text = %q", got)
		}
		if got := res.Context.Chunk.Choices[0].FinishReason; got != "stop" {
			t.Errorf("finish reason = %q, want stop preserved", got)
		}
	})

	t.Run("blocks paragraphs containing blocklisted terms", func(t *testing.T) {
		p := newTestGuardrail(t, []string{"Forbidden"})
		buf := plugin.NewChunkBuffer()
		buf.Hold(&types.StreamChunk{Choices: []types.StreamChoice{{Delta: types.StreamDelta{Content: "this is forbid"}}}})

		res := p.AfterChunk(context.Background(), chunkContext("den text\n", buf))
		if !res.Terminate || res.StatusCode != http.StatusForbidden {
			t.Errorf("result = %+v, want 403 terminate", res)
		}
		var ge *gwerrors.GatewayError
		if !errors.As(res.Err, &ge) {
			t.Errorf("err = %v, want GatewayError", res.Err)
		}
	})
}

func TestGuardrail_AfterModel(t *testing.T) {
	p := newTestGuardrail(t, []string{"secret"})

	rc := plugin.NewRequestContext(&types.ChatRequest{Model: "m"})
	rc.Response = &types.ChatResponse{Choices: []types.Choice{
		{Message: types.ChatMessage{Role: "assistant", Content: json.RawMessage(`"the SECRET plan"`)}},
	}}

	res := p.AfterModel(context.Background(), rc)
	if !res.Terminate || res.StatusCode != http.StatusForbidden {
		t.Errorf("result = %+v, want 403 terminate", res)
	}

	rc.Response = &types.ChatResponse{Choices: []types.Choice{
		{Message: types.ChatMessage{Role: "assistant", Content: json.RawMessage(`"all clear"`)}},
	}}
	if res := p.AfterModel(context.Background(), rc); res.Terminate {
		t.Errorf("clean response blocked: %+v", res)
	}
}
