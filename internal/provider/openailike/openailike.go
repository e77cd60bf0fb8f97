// Package openailike provides an adapter for any endpoint that speaks the
// OpenAI chat completions protocol (vLLM, Ollama, gateway-fronted vendors).
// It differs from the openai adapter in that the provider name and base URL
// come from configuration and the API key is optional.
package openailike

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/httputil"
	"github.com/gantry-llm/gantry/internal/provider"
	"github.com/gantry-llm/gantry/pkg/types"
)

// TypeName is the factory identifier for this adapter.
const TypeName = "openai-compatible"

func init() {
	provider.RegisterFactory(TypeName, func(cfg provider.Config) (provider.Adapter, error) {
		return NewFromConfig(cfg)
	})
}

// Adapter implements the OpenAI protocol against an arbitrary endpoint.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	headers map[string]string
}

// NewFromConfig creates an adapter from provider configuration. Name and
// BaseURL are required; APIKey is optional for unauthenticated endpoints.
func NewFromConfig(cfg provider.Config) (*Adapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("openailike: provider name required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openailike: base url required")
	}
	a := &Adapter{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		headers: make(map[string]string),
	}
	for k, v := range cfg.Headers {
		a.headers[k] = v
	}
	return a, nil
}

// Name returns the configured provider identifier.
func (a *Adapter) Name() string {
	return a.name
}

// BuildRequest creates an HTTP request in OpenAI wire format.
func (a *Adapter) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	wire := *req
	wire.Provider = ""

	body, err := json.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(a.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// ParseResponse decodes an OpenAI-format response.
func (a *Adapter) ParseResponse(resp *http.Response) (*types.ChatResponse, error) {
	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var chatResp types.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &chatResp, nil
}

// ParseStreamChunk parses a single OpenAI-format SSE line.
func (a *Adapter) ParseStreamChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}
	return &chunk, nil
}

// MapError converts an error payload; non-JSON bodies are passed through
// truncated since self-hosted endpoints often return plain text.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	message := "upstream error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	} else if len(body) > 0 {
		msg := string(body)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		message = msg
	}
	return gwerrors.NewProviderError(statusCode, a.name, "", message)
}
