// Package types defines the canonical request and response shapes for the
// gateway. The wire format is OpenAI-compatible; every provider adapter
// translates to and from these types, so they must stay stable as adapters
// are added.
package types

import "github.com/goccy/go-json"

// ChatRequest is the canonical inbound chat-completion request.
// Plugins never mutate a ChatRequest in place; they produce a mutated copy
// that replaces it mid-pipeline.
type ChatRequest struct {
	Model            string          `json:"model"`
	Provider         string          `json:"provider,omitempty"`
	Messages         []ChatMessage   `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`

	// Extra holds provider-specific parameters that are forwarded unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

var chatRequestKnownFields = map[string]struct{}{
	"model":             {},
	"provider":          {},
	"messages":          {},
	"stream":            {},
	"max_tokens":        {},
	"temperature":       {},
	"top_p":             {},
	"n":                 {},
	"stop":              {},
	"presence_penalty":  {},
	"frequency_penalty": {},
	"user":              {},
	"tools":             {},
	"tool_choice":       {},
	"response_format":   {},
}

// MarshalJSON merges Extra fields without overriding explicitly set fields.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type Alias ChatRequest

	base, err := json.Marshal(Alias(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}

	for key, value := range r.Extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}

	return json.Marshal(payload)
}

// UnmarshalJSON captures unknown fields into Extra for passthrough.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type Alias ChatRequest

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	var parsed Alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}

	*r = ChatRequest(parsed)
	for key := range chatRequestKnownFields {
		delete(payload, key)
	}

	if len(payload) == 0 {
		r.Extra = nil
	} else {
		r.Extra = payload
	}

	return nil
}

// Clone returns a copy of the request that is safe to mutate independently.
// Message and tool slices are copied; raw JSON payloads are shared because
// they are treated as immutable.
func (r *ChatRequest) Clone() *ChatRequest {
	if r == nil {
		return nil
	}

	out := *r
	if r.Messages != nil {
		out.Messages = make([]ChatMessage, len(r.Messages))
		copy(out.Messages, r.Messages)
	}
	if r.Stop != nil {
		out.Stop = append([]string(nil), r.Stop...)
	}
	if r.Tools != nil {
		out.Tools = make([]Tool, len(r.Tools))
		copy(out.Tools, r.Tools)
	}
	if r.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// ChatMessage represents a single message in the conversation.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// TextContent returns the message content as plain text when it is a JSON
// string, or the raw payload otherwise.
func (m *ChatMessage) TextContent() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	return string(m.Content)
}

// Tool represents a function that the model can call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall represents a function call made by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction contains the function name and arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ResponseFormat specifies the output format for the model.
type ResponseFormat struct {
	Type string `json:"type"`
}
