// Package openai provides the OpenAI adapter. The canonical wire format is
// OpenAI-compatible, so this adapter is a near passthrough and serves as the
// reference implementation for other adapters.
package openai

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

const (
	// ProviderName is the identifier for this adapter.
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

func init() {
	provider.RegisterFactory(ProviderName, func(cfg provider.Config) (provider.Adapter, error) {
		return NewFromConfig(cfg)
	})
}

// Adapter implements the OpenAI chat completions API.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	headers map[string]string
}

// Option configures the adapter.
type Option func(*Adapter)

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(a *Adapter) { a.apiKey = key }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		if url != "" {
			a.baseURL = url
		}
	}
}

// WithHeader adds a header to every outgoing request.
func WithHeader(key, value string) Option {
	return func(a *Adapter) { a.headers[key] = value }
}

// WithName overrides the provider identifier the adapter registers under,
// so several OpenAI providers can coexist in one router.
func WithName(name string) Option {
	return func(a *Adapter) {
		if name != "" {
			a.name = name
		}
	}
}

// New creates an OpenAI adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		name:    ProviderName,
		baseURL: DefaultBaseURL,
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFromConfig creates an adapter from provider configuration.
func NewFromConfig(cfg provider.Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key required")
	}
	a := New(WithName(cfg.Name), WithAPIKey(cfg.APIKey), WithBaseURL(cfg.BaseURL))
	for k, v := range cfg.Headers {
		a.headers[k] = v
	}
	return a, nil
}

// Name returns the configured provider identifier.
func (a *Adapter) Name() string {
	return a.name
}

// BuildRequest creates an HTTP request for the OpenAI API. The canonical
// request marshals directly; only the routing-internal provider field is
// stripped before sending.
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
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// ParseResponse decodes an OpenAI response into the canonical shape.
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

// ParseStreamChunk parses a single SSE line from OpenAI.
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

// MapError converts an OpenAI error payload into a gateway error carrying
// the upstream status and message.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := "upstream error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return gwerrors.NewProviderError(statusCode, a.name, "", message)
}
