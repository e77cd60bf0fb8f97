package builtin

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/pkg/types"
)

// guardrailPlugin inspects model output. On streams it holds chunks until
// a newline boundary, then inspects and releases the merged text as one
// chunk, so clients see fewer, larger chunks in original order. Blocked
// content terminates the request.
//
// Settings: blocklist ([]string), boundary (string, default "\n").
type guardrailPlugin struct {
	logger    *slog.Logger
	blocklist []string
	boundary  string
}

func newGuardrailPlugin(logger *slog.Logger) *guardrailPlugin {
	return &guardrailPlugin{
		logger:   logger,
		boundary: "\n",
	}
}

func (p *guardrailPlugin) Name() string { return "guardrail" }

func (p *guardrailPlugin) Configure(settings map[string]any) error {
	p.blocklist = settingStrings(settings, "blocklist")
	p.boundary = settingString(settings, "boundary", p.boundary)
	return nil
}

func (p *guardrailPlugin) AfterChunk(_ context.Context, rc *plugin.RequestContext) *plugin.Result {
	chunk := rc.Chunk
	if chunk == nil {
		return plugin.Pass()
	}

	// Final chunks (finish reason, usage) release whatever is still held.
	if !hasContent(chunk) || strings.Contains(chunk.DeltaText(), p.boundary) {
		merged := p.release(rc, chunk)
		if blocked, word := p.scan(merged.DeltaText()); blocked {
			return p.block(rc, word)
		}
		mutated := rc.DeriveChunk(merged, rc.Buffer())
		return &plugin.Result{Success: true, Context: mutated, EmitChunk: true}
	}

	// No boundary yet: hold the chunk.
	return &plugin.Result{Success: true, SkipRemaining: true}
}

// release merges everything held so far with the current chunk, preserving
// the metadata of the first held chunk.
func (p *guardrailPlugin) release(rc *plugin.RequestContext, current *types.StreamChunk) *types.StreamChunk {
	buf := rc.Buffer()
	if buf == nil || buf.Len() == 0 {
		return current
	}
	held := buf.Drain()
	return types.MergeChunks(append(held, current))
}

func (p *guardrailPlugin) AfterModel(_ context.Context, rc *plugin.RequestContext) *plugin.Result {
	if rc.Response == nil {
		return plugin.Pass()
	}
	for _, choice := range rc.Response.Choices {
		if blocked, word := p.scan(choice.Message.TextContent()); blocked {
			return p.block(rc, word)
		}
	}
	return plugin.Pass()
}

func (p *guardrailPlugin) scan(text string) (bool, string) {
	lowered := strings.ToLower(text)
	for _, word := range p.blocklist {
		if word != "" && strings.Contains(lowered, strings.ToLower(word)) {
			return true, word
		}
	}
	return false, ""
}

func (p *guardrailPlugin) block(rc *plugin.RequestContext, word string) *plugin.Result {
	p.logger.Warn("guardrail blocked content",
		"term", word,
		"request_id", rc.RequestID,
	)
	return plugin.Abort(http.StatusForbidden,
		gwerrors.NewPipelineAbortedError(http.StatusForbidden, "content blocked by guardrail"))
}

func hasContent(chunk *types.StreamChunk) bool {
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			return true
		}
	}
	return false
}
