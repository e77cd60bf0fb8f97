// Package anthropic provides the Anthropic adapter. It translates between
// the canonical OpenAI-compatible shapes and the Anthropic Messages API,
// including tool calls and the event-based stream format.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/httputil"
	"github.com/gantry-llm/gantry/internal/provider"
	"github.com/gantry-llm/gantry/pkg/types"
)

const (
	// ProviderName is the identifier for this adapter.
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Messages API version header value.
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens applies when the request does not set a limit;
	// the Messages API requires max_tokens.
	DefaultMaxTokens = 4096
)

func init() {
	provider.RegisterFactory(ProviderName, func(cfg provider.Config) (provider.Adapter, error) {
		return NewFromConfig(cfg)
	})
}

// Adapter implements the Anthropic Messages API.
type Adapter struct {
	name       string
	apiKey     string
	baseURL    string
	apiVersion string
	headers    map[string]string
}

// Option configures the adapter.
type Option func(*Adapter)

// WithAPIKey sets the x-api-key header value.
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

// WithAPIVersion overrides the anthropic-version header.
func WithAPIVersion(version string) Option {
	return func(a *Adapter) { a.apiVersion = version }
}

// WithName overrides the provider identifier the adapter registers under,
// so several Anthropic providers can coexist in one router.
func WithName(name string) Option {
	return func(a *Adapter) {
		if name != "" {
			a.name = name
		}
	}
}

// New creates an Anthropic adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		name:       ProviderName,
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		headers:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFromConfig creates an adapter from provider configuration.
func NewFromConfig(cfg provider.Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key required")
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

// nativeRequest is the Messages API request shape.
type nativeRequest struct {
	Model         string          `json:"model"`
	Messages      []nativeMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      *nativeMeta     `json:"metadata,omitempty"`
	Tools         []nativeTool    `json:"tools,omitempty"`
	ToolChoice    *nativeChoice   `json:"tool_choice,omitempty"`
}

type nativeMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type nativeBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type nativeMeta struct {
	UserID string `json:"user_id,omitempty"`
}

type nativeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type nativeChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type nativeResponse struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Role       string        `json:"role"`
	Content    []nativeBlock `json:"content"`
	Model      string        `json:"model"`
	StopReason string        `json:"stop_reason"`
	Usage      nativeUsage   `json:"usage"`
}

type nativeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// BuildRequest creates an HTTP request for the Messages API.
func (a *Adapter) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	native, err := a.buildNative(req)
	if err != nil {
		return nil, fmt.Errorf("transform request: %w", err)
	}

	body, err := json.Marshal(native)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(a.baseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", a.apiVersion)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (a *Adapter) buildNative(req *types.ChatRequest) (*nativeRequest, error) {
	native := &nativeRequest{
		Model:         req.Model,
		MaxTokens:     DefaultMaxTokens,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if req.MaxTokens > 0 {
		native.MaxTokens = req.MaxTokens
	}
	if req.User != "" {
		native.Metadata = &nativeMeta{UserID: req.User}
	}

	messages, system, err := translateMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	native.Messages = messages
	native.System = system

	for _, tool := range req.Tools {
		if tool.Type != "function" {
			continue
		}
		schema := tool.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		native.Tools = append(native.Tools, nativeTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}

	if len(req.ToolChoice) > 0 {
		native.ToolChoice = translateToolChoice(req.ToolChoice)
	}
	return native, nil
}

// translateMessages converts OpenAI-style messages to Messages API form.
// System messages are collected into the top-level system prompt; tool
// results become user-role tool_result blocks.
func translateMessages(messages []types.ChatMessage) ([]nativeMessage, string, error) {
	var result []nativeMessage
	var system strings.Builder

	for _, msg := range messages {
		switch {
		case msg.Role == "system":
			system.WriteString(msg.TextContent())

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			blocks := make([]nativeBlock, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					input = tc.Function.Arguments
				}
				blocks = append(blocks, nativeBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			result = append(result, nativeMessage{Role: "assistant", Content: blocks})

		case msg.Role == "tool":
			result = append(result, nativeMessage{
				Role: "user",
				Content: []nativeBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.TextContent(),
				}},
			})

		default:
			content, err := translateContent(msg.Content)
			if err != nil {
				return nil, "", err
			}
			result = append(result, nativeMessage{Role: msg.Role, Content: content})
		}
	}
	return result, system.String(), nil
}

func translateContent(raw json.RawMessage) (any, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("unsupported message content format")
	}

	blocks := make([]nativeBlock, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			blocks = append(blocks, nativeBlock{Type: "text", Text: p.Text})
		}
	}
	return blocks, nil
}

func translateToolChoice(raw json.RawMessage) *nativeChoice {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		switch str {
		case "auto":
			return &nativeChoice{Type: "auto"}
		case "required":
			return &nativeChoice{Type: "any"}
		case "none":
			return &nativeChoice{Type: "none"}
		}
		return nil
	}

	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &nativeChoice{Type: "tool", Name: obj.Function.Name}
	}
	return nil
}

// ParseResponse transforms a Messages API response into the canonical shape.
func (a *Adapter) ParseResponse(resp *http.Response) (*types.ChatResponse, error) {
	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var native nativeResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var text strings.Builder
	var toolCalls []types.ToolCall
	for _, block := range native.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      block.Name,
					Arguments: string(args),
				},
			})
		}
	}

	content, err := json.Marshal(text.String())
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	return &types.ChatResponse{
		ID:      native.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   native.Model,
		Choices: []types.Choice{{
			Index: 0,
			Message: types.ChatMessage{
				Role:      "assistant",
				Content:   content,
				ToolCalls: toolCalls,
			},
			FinishReason: mapStopReason(native.StopReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     native.Usage.InputTokens,
			CompletionTokens: native.Usage.OutputTokens,
			TotalTokens:      native.Usage.InputTokens + native.Usage.OutputTokens,
		},
	}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// streamEvent is the subset of Messages API stream events the gateway
// translates. Other event types are skipped.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string      `json:"id"`
		Model string      `json:"model"`
		Usage nativeUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *nativeUsage `json:"usage"`
}

// ParseStreamChunk translates a Messages API stream event into a canonical
// chunk. Events without client-visible content return nil, nil.
func (a *Adapter) ParseStreamChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.HasPrefix(trimmed, []byte("event:")) {
		return nil, nil
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	var event streamEvent
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, nil
	}

	switch event.Type {
	case "message_start":
		if event.Message == nil {
			return nil, nil
		}
		return &types.StreamChunk{
			ID:     event.Message.ID,
			Object: "chat.completion.chunk",
			Model:  event.Message.Model,
			Choices: []types.StreamChoice{{
				Delta: types.StreamDelta{Role: "assistant"},
			}},
		}, nil

	case "content_block_delta":
		if event.Delta == nil || event.Delta.Type != "text_delta" {
			return nil, nil
		}
		return &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				Delta: types.StreamDelta{Content: event.Delta.Text},
			}},
		}, nil

	case "message_delta":
		if event.Delta == nil || event.Delta.StopReason == "" {
			return nil, nil
		}
		chunk := &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				FinishReason: mapStopReason(event.Delta.StopReason),
			}},
		}
		if event.Usage != nil {
			chunk.Usage = &types.Usage{
				PromptTokens:     event.Usage.InputTokens,
				CompletionTokens: event.Usage.OutputTokens,
				TotalTokens:      event.Usage.InputTokens + event.Usage.OutputTokens,
			}
		}
		return chunk, nil
	}
	return nil, nil
}

// MapError converts an Anthropic error payload into a gateway error.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := "upstream error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return gwerrors.NewProviderError(statusCode, a.name, "", message)
}
