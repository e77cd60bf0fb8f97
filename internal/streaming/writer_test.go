package streaming

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/gantry-llm/gantry/pkg/types"
)

type noFlushWriter struct{}

func (noFlushWriter) Header() http.Header        { return http.Header{} }
func (noFlushWriter) Write(p []byte) (int, error) { return len(p), nil }
func (noFlushWriter) WriteHeader(int)             {}

func TestNewWriter(t *testing.T) {
	if _, err := NewWriter(noFlushWriter{}); err == nil {
		t.Fatal("NewWriter accepted a writer without flush support")
	}
	if _, err := NewWriter(httptest.NewRecorder()); err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
}

func TestWriter(t *testing.T) {
	chunk := &types.StreamChunk{
		ID:     "chunk-1",
		Object: "chat.completion.chunk",
		Model:  "gpt-4o",
		Choices: []types.StreamChoice{
			{Delta: types.StreamDelta{Content: "Hi"}},
		},
	}

	t.Run("first write commits SSE headers", func(t *testing.T) {
		rr := httptest.NewRecorder()
		sw, _ := NewWriter(rr)

		if sw.Started() {
			t.Error("writer started before any write")
		}
		if err := sw.Write(chunk); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if !sw.Started() {
			t.Error("writer not started after a write")
		}

		if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
			t.Errorf("Content-Type = %q, want text/event-stream", ct)
		}
		if cc := rr.Header().Get("Cache-Control"); cc != "no-cache" {
			t.Errorf("Cache-Control = %q, want no-cache", cc)
		}
		if !rr.Flushed {
			t.Error("response not flushed")
		}

		line := strings.SplitN(rr.Body.String(), "\n", 2)[0]
		if !strings.HasPrefix(line, SSEDataPrefix) {
			t.Fatalf("line = %q, want %q prefix", line, SSEDataPrefix)
		}
		var got types.StreamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, SSEDataPrefix)), &got); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if got.DeltaText() != "Hi" {
			t.Errorf("delta = %q, want %q", got.DeltaText(), "Hi")
		}
	})

	t.Run("done emits the terminator", func(t *testing.T) {
		rr := httptest.NewRecorder()
		sw, _ := NewWriter(rr)

		if err := sw.Write(chunk); err != nil {
			t.Fatal(err)
		}
		if err := sw.Done(); err != nil {
			t.Fatal(err)
		}
		if !strings.HasSuffix(strings.TrimSpace(rr.Body.String()), SSEDataPrefix+SSEDone) {
			t.Errorf("body = %q, want trailing done marker", rr.Body.String())
		}
	})

	t.Run("error event is framed in-band", func(t *testing.T) {
		rr := httptest.NewRecorder()
		sw, _ := NewWriter(rr)

		if err := sw.Write(chunk); err != nil {
			t.Fatal(err)
		}
		if err := sw.WriteError(map[string]string{"message": "upstream failed"}); err != nil {
			t.Fatal(err)
		}
		body := rr.Body.String()
		if !strings.Contains(body, "event: error\n") {
			t.Errorf("body = %q, want an error event", body)
		}
		if !strings.Contains(body, "upstream failed") {
			t.Errorf("body = %q, want the error payload", body)
		}
	})
}
