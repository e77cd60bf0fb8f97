package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/provider"
	"github.com/gantry-llm/gantry/pkg/types"
)

func TestBuildRequest(t *testing.T) {
	a := New(WithAPIKey("sk-test"), WithBaseURL("https://example.test/v1"), WithHeader("X-Org", "acme"))

	req := &types.ChatRequest{
		Model:    "gpt-4o",
		Provider: "openai",
		Messages: []types.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}

	httpReq, err := a.BuildRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}

	if got := httpReq.URL.String(); got != "https://example.test/v1/chat/completions" {
		t.Errorf("url = %s", got)
	}
	if got := httpReq.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("auth header = %q", got)
	}
	if got := httpReq.Header.Get("X-Org"); got != "acme" {
		t.Errorf("custom header = %q", got)
	}

	body, _ := io.ReadAll(httpReq.Body)
	if strings.Contains(string(body), `"provider"`) {
		t.Error("routing-internal provider field must not reach the wire")
	}

	// Streaming requests advertise SSE.
	req.Stream = true
	httpReq, err = a.BuildRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if got := httpReq.Header.Get("Accept"); got != "text/event-stream" {
		t.Errorf("accept header = %q, want text/event-stream", got)
	}
}

func TestNewFromConfig(t *testing.T) {
	if _, err := NewFromConfig(provider.Config{}); err == nil {
		t.Error("NewFromConfig() should require an api key")
	}
	a, err := NewFromConfig(provider.Config{APIKey: "sk-test", Headers: map[string]string{"X-Org": "acme"}})
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	if a.baseURL != DefaultBaseURL {
		t.Errorf("baseURL = %s, want default", a.baseURL)
	}
	if a.Name() != ProviderName {
		t.Errorf("Name() = %s, want %s", a.Name(), ProviderName)
	}

	// Two providers of the same type keep their configured identities.
	named, err := NewFromConfig(provider.Config{Name: "openai-eu", APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	if named.Name() != "openai-eu" {
		t.Errorf("Name() = %s, want openai-eu", named.Name())
	}
}

func TestParseStreamChunk(t *testing.T) {
	a := New(WithAPIKey("sk-test"))

	t.Run("parses a data line", func(t *testing.T) {
		line := []byte(`data: {"id":"c1","choices":[{"delta":{"content":"hey"}}]}`)
		chunk, err := a.ParseStreamChunk(line)
		if err != nil {
			t.Fatalf("ParseStreamChunk() error = %v", err)
		}
		if chunk.DeltaText() != "hey" {
			t.Errorf("delta = %q, want hey", chunk.DeltaText())
		}
	})

	t.Run("DONE and empty lines yield nil", func(t *testing.T) {
		for _, line := range []string{"data: [DONE]", "[DONE]", ""} {
			chunk, err := a.ParseStreamChunk([]byte(line))
			if err != nil || chunk != nil {
				t.Errorf("ParseStreamChunk(%q) = %v, %v, want nil, nil", line, chunk, err)
			}
		}
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		if _, err := a.ParseStreamChunk([]byte("data: {broken")); err == nil {
			t.Error("ParseStreamChunk() should fail on malformed JSON")
		}
	})
}

func TestMapError(t *testing.T) {
	a := New(WithAPIKey("sk-test"))

	t.Run("extracts the upstream message", func(t *testing.T) {
		body := []byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`)
		err := a.MapError(http.StatusTooManyRequests, body)

		var ge *gwerrors.GatewayError
		if !errors.As(err, &ge) {
			t.Fatalf("MapError() = %T, want GatewayError", err)
		}
		if ge.Message != "Rate limit reached" || ge.HTTPStatusCode() != 429 {
			t.Errorf("error = %+v", ge)
		}
		if !ge.Retryable {
			t.Error("429 should be retryable")
		}
	})

	t.Run("falls back on unparseable bodies", func(t *testing.T) {
		err := a.MapError(http.StatusBadGateway, []byte("<html>bad gateway</html>"))
		var ge *gwerrors.GatewayError
		if !errors.As(err, &ge) || ge.Message != "upstream error" {
			t.Errorf("MapError() = %v, want fallback message", err)
		}
	})
}
