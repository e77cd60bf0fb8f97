// Package tokenizer provides token counting for usage estimation when a
// provider omits counts from its response.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkoukk/tiktoken-go"

	"github.com/gantry-llm/gantry/pkg/types"
)

var (
	encodingCache sync.Map
	fallbackOnce  sync.Once
	fallbackEnc   *tiktoken.Tiktoken
)

// CountText returns the token count for text using the model's tiktoken
// encoding, falling back to a conservative len/4 estimate when no encoding
// is available.
func CountText(model, text string) int {
	if text == "" {
		return 0
	}
	enc := encodingFor(NormalizeModel(model))
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimatePrompt estimates prompt tokens for a chat request: message content
// plus a small per-message formatting overhead, tools included.
func EstimatePrompt(model string, req *types.ChatRequest) int {
	if req == nil {
		return 0
	}

	total := 0
	for i := range req.Messages {
		msg := &req.Messages[i]
		total += CountText(model, msg.Role)
		total += CountText(model, msg.Name)
		total += CountText(model, msg.TextContent())
		total += toolCallTokens(model, msg.ToolCalls)
		total += 2
	}

	if len(req.Tools) > 0 {
		if raw, err := json.Marshal(req.Tools); err == nil {
			total += CountText(model, string(raw))
		}
	}

	// Reply primer overhead used by common chat formats.
	total += 3
	return total
}

// EstimateCompletion estimates output tokens from the response choices,
// falling back to fallbackText when the response carries none.
func EstimateCompletion(model string, resp *types.ChatResponse, fallbackText string) int {
	if resp != nil {
		total := 0
		for i := range resp.Choices {
			msg := &resp.Choices[i].Message
			total += CountText(model, msg.TextContent())
			total += toolCallTokens(model, msg.ToolCalls)
		}
		if total > 0 {
			return total
		}
	}
	return CountText(model, fallbackText)
}

func toolCallTokens(model string, calls []types.ToolCall) int {
	total := 0
	for _, call := range calls {
		total += CountText(model, call.ID)
		total += CountText(model, call.Function.Name)
		total += CountText(model, call.Function.Arguments)
	}
	return total
}

func encodingFor(model string) *tiktoken.Tiktoken {
	if cached, ok := encodingCache.Load(model); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return fallbackEncoding()
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown models (e.g. non-OpenAI) share the cl100k base encoding,
		// which is close enough for estimation purposes.
		enc = fallbackEncoding()
	}

	if enc != nil {
		encodingCache.Store(model, enc)
	} else {
		encodingCache.Store(model, struct{}{})
	}
	return enc
}

func fallbackEncoding() *tiktoken.Tiktoken {
	fallbackOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			fallbackEnc = enc
		}
	})
	return fallbackEnc
}

// NormalizeModel strips a provider prefix ("openai/gpt-4o" -> "gpt-4o") so
// encoding lookup works on routed model names.
func NormalizeModel(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}
