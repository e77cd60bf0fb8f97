// Package telemetry emits one finished-conversation record per request to
// the external telemetry collaborator. Emission happens from the detached
// phase; delivery failures are logged, never retried synchronously, and
// never block or alter what the client already received.
package telemetry

import (
	"errors"
	"time"
	"unicode/utf8"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/pkg/types"
)

// MaxBodyBytes caps the message and response excerpts carried in a record.
const MaxBodyBytes = 2048

// ConversationRecord is the finished-conversation payload.
type ConversationRecord struct {
	RequestID     string    `json:"request_id"`
	InteractionID string    `json:"interaction_id"`
	Timestamp     time.Time `json:"timestamp"`
	DurationMs    int64     `json:"duration_ms"`

	Model    string `json:"model"`
	Provider string `json:"provider,omitempty"`
	Caller   string `json:"caller,omitempty"`

	Status     string `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	RetryCount int    `json:"retry_count"`

	PromptTokens     int  `json:"prompt_tokens,omitempty"`
	CompletionTokens int  `json:"completion_tokens,omitempty"`
	TotalTokens      int  `json:"total_tokens,omitempty"`
	UsageEstimated   bool `json:"usage_estimated,omitempty"`

	ToolsOffered bool `json:"tools_offered"`
	ToolsCalled  bool `json:"tools_called"`

	PromptExcerpt   string `json:"prompt_excerpt,omitempty"`
	ResponseExcerpt string `json:"response_excerpt,omitempty"`
}

// BuildRecord assembles a record from a finished request context.
func BuildRecord(rc *plugin.RequestContext) *ConversationRecord {
	rec := &ConversationRecord{
		RequestID:     rc.RequestID,
		InteractionID: rc.InteractionID,
		Timestamp:     time.Now().UTC(),
		DurationMs:    time.Since(rc.StartTime).Milliseconds(),
		RetryCount:    rc.RetryCount,
		Status:        "success",
	}

	if rc.Request != nil {
		rec.Model = rc.Request.Model
		rec.Provider = rc.Request.Provider
		rec.ToolsOffered = len(rc.Request.Tools) > 0
		if len(rc.Request.Messages) > 0 {
			last := rc.Request.Messages[len(rc.Request.Messages)-1]
			rec.PromptExcerpt = truncate(last.TextContent(), MaxBodyBytes)
		}
	}
	if rc.Caller != nil {
		rec.Caller = rc.Caller.Subject
	}

	if rc.Err != nil {
		rec.Status = "failure"
		var ge *gwerrors.GatewayError
		if errors.As(rc.Err, &ge) {
			rec.StatusCode = ge.HTTPStatusCode()
			rec.ErrorCode = ge.Code
		}
	}

	if rc.Response != nil {
		fillFromResponse(rec, rc.Response)
	}
	return rec
}

func fillFromResponse(rec *ConversationRecord, resp *types.ChatResponse) {
	if resp.Usage != nil {
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
		rec.TotalTokens = resp.Usage.TotalTokens
		rec.UsageEstimated = resp.Usage.Estimated
	}
	for _, choice := range resp.Choices {
		if len(choice.Message.ToolCalls) > 0 {
			rec.ToolsCalled = true
		}
		if rec.ResponseExcerpt == "" {
			rec.ResponseExcerpt = truncate(choice.Message.TextContent(), MaxBodyBytes)
		}
	}
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
