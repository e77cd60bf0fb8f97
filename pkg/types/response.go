package types

// ChatResponse is the canonical outbound chat-completion response.
// All provider responses are normalized into this shape.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion entry.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage contains token usage counters for the request. A nil Usage means the
// provider did not report counts and estimation was not possible; counters
// are never fabricated as zero.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"-"`
}

// StreamChunk is one incremental piece of a streamed response. It carries a
// delta instead of a full message; the final chunk carries a finish reason.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// StreamChoice represents a choice in a streaming response.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// StreamDelta contains the incremental content in a stream chunk.
type StreamDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Clone returns an independent copy of the chunk.
func (c *StreamChunk) Clone() *StreamChunk {
	if c == nil {
		return nil
	}
	out := *c
	if c.Choices != nil {
		out.Choices = make([]StreamChoice, len(c.Choices))
		copy(out.Choices, c.Choices)
	}
	if c.Usage != nil {
		u := *c.Usage
		out.Usage = &u
	}
	return &out
}

// DeltaText returns the concatenated delta content across all choices.
func (c *StreamChunk) DeltaText() string {
	if c == nil {
		return ""
	}
	var s string
	for _, ch := range c.Choices {
		s += ch.Delta.Content
	}
	return s
}

// MergeChunks concatenates the delta text of chunks in order into a single
// chunk. Index, role, and id metadata of the first chunk are preserved; the
// finish reason and usage of the last chunk that carries them win.
func MergeChunks(chunks []*StreamChunk) *StreamChunk {
	if len(chunks) == 0 {
		return nil
	}

	merged := chunks[0].Clone()
	if len(merged.Choices) == 0 {
		merged.Choices = []StreamChoice{{}}
	}

	var content string
	for _, c := range chunks {
		for _, ch := range c.Choices {
			content += ch.Delta.Content
			if ch.FinishReason != "" {
				merged.Choices[0].FinishReason = ch.FinishReason
			}
		}
		if c.Usage != nil {
			u := *c.Usage
			merged.Usage = &u
		}
	}
	merged.Choices[0].Delta.Content = content
	return merged
}
