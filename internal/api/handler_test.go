package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/gantry-llm/gantry/internal/pipeline"
	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/internal/provider"
	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/pkg/types"
)

type fakeCaller struct {
	complete func(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
	stream   func(ctx context.Context, req *types.ChatRequest) (provider.StreamHandler, error)
}

func (f *fakeCaller) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	return f.complete(ctx, req)
}

func (f *fakeCaller) Stream(ctx context.Context, req *types.ChatRequest) (provider.StreamHandler, error) {
	return f.stream(ctx, req)
}

type fakeStream struct {
	chunks []*types.StreamChunk
	pos    int
}

func (s *fakeStream) Next() (*types.StreamChunk, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *fakeStream) Close() error { return nil }

func newTestHandler(t *testing.T, caller pipeline.ModelCaller) *Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := plugin.NewRegistry(logger)
	orch := pipeline.New(reg, caller, plugin.NewExecutor(logger, time.Second), logger)
	return NewHandler(orch, logger, 1024)
}

func postCompletion(h *Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func TestChatCompletions_Validation(t *testing.T) {
	h := newTestHandler(t, &fakeCaller{
		complete: func(context.Context, *types.ChatRequest) (*types.ChatResponse, error) {
			t.Fatal("provider called for an invalid request")
			return nil, nil
		},
	})

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"malformed json", `{"model":`, "malformed JSON body"},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model is required"},
		{"empty messages", `{"model":"gpt-4o","messages":[]}`, "messages must not be empty"},
		{"missing role", `{"model":"gpt-4o","messages":[{"content":"hi"}]}`, "messages[0].role is required"},
		{"oversized body", `{"model":"gpt-4o","messages":[{"role":"user","content":"` + strings.Repeat("x", 2048) + `"}]}`, "request body too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postCompletion(h, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}

			var body errorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal error body: %v", err)
			}
			if body.Error.Code != gwerrors.CodeValidation {
				t.Errorf("code = %q, want %q", body.Error.Code, gwerrors.CodeValidation)
			}
			if body.Error.Message != tt.message {
				t.Errorf("message = %q, want %q", body.Error.Message, tt.message)
			}
		})
	}
}

func TestChatCompletions_Completion(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newTestHandler(t, &fakeCaller{
			complete: func(_ context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
				return &types.ChatResponse{
					ID:    "resp-1",
					Model: req.Model,
					Choices: []types.Choice{{
						Message:      types.ChatMessage{Role: "assistant", Content: json.RawMessage(`"Hello!"`)},
						FinishReason: "stop",
					}},
					Usage: &types.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
				}, nil
			},
		})

		rr := postCompletion(h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
		}
		if rr.Header().Get("X-Request-Id") == "" {
			t.Error("missing X-Request-Id header")
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}

		var resp types.ChatResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if got := resp.Choices[0].Message.TextContent(); got != "Hello!" {
			t.Errorf("content = %q, want %q", got, "Hello!")
		}
	})

	t.Run("upstream error maps to its status", func(t *testing.T) {
		h := newTestHandler(t, &fakeCaller{
			complete: func(context.Context, *types.ChatRequest) (*types.ChatResponse, error) {
				return nil, gwerrors.NewProviderError(http.StatusServiceUnavailable, "openai", "gpt-4o", "overloaded")
			},
		})

		rr := postCompletion(h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rr.Code)
		}

		var body errorResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal error body: %v", err)
		}
		if body.Error.Code != gwerrors.CodeProvider {
			t.Errorf("code = %q, want %q", body.Error.Code, gwerrors.CodeProvider)
		}
	})
}

func TestChatCompletions_Stream(t *testing.T) {
	textChunk := func(text, finish string) *types.StreamChunk {
		return &types.StreamChunk{
			ID:      "chunk-1",
			Object:  "chat.completion.chunk",
			Model:   "gpt-4o",
			Choices: []types.StreamChoice{{Delta: types.StreamDelta{Content: text}, FinishReason: finish}},
		}
	}

	t.Run("emits SSE frames and the done marker", func(t *testing.T) {
		h := newTestHandler(t, &fakeCaller{
			stream: func(context.Context, *types.ChatRequest) (provider.StreamHandler, error) {
				return &fakeStream{chunks: []*types.StreamChunk{
					textChunk("Hel", ""),
					textChunk("lo", "stop"),
				}}, nil
			},
		})

		rr := postCompletion(h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
			t.Errorf("Content-Type = %q, want text/event-stream", ct)
		}

		frames := parseSSE(t, rr.Body.Bytes())
		if len(frames) != 3 {
			t.Fatalf("frames = %d, want 3: %q", len(frames), frames)
		}
		if frames[2] != "[DONE]" {
			t.Errorf("last frame = %q, want [DONE]", frames[2])
		}

		var first types.StreamChunk
		if err := json.Unmarshal([]byte(frames[0]), &first); err != nil {
			t.Fatalf("unmarshal chunk: %v", err)
		}
		if got := first.DeltaText(); got != "Hel" {
			t.Errorf("first delta = %q, want %q", got, "Hel")
		}
	})

	t.Run("pre-stream failure keeps the error status", func(t *testing.T) {
		h := newTestHandler(t, &fakeCaller{
			stream: func(context.Context, *types.ChatRequest) (provider.StreamHandler, error) {
				return nil, gwerrors.NewProviderError(http.StatusUnauthorized, "openai", "gpt-4o", "bad key")
			},
		})

		rr := postCompletion(h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rr.Code)
		}
	})
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, &fakeCaller{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte(`"ok"`)) {
		t.Errorf("body = %q, want ok status", rr.Body.String())
	}
}

func parseSSE(t *testing.T, raw []byte) []string {
	t.Helper()
	var frames []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	return frames
}
