package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/metrics"
	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/internal/provider"
	"github.com/gantry-llm/gantry/internal/tokenizer"
	"github.com/gantry-llm/gantry/pkg/types"
)

// Sink receives chunks released by the streaming coordinator, in order.
// A write error means the client is gone; the coordinator stops reading.
type Sink interface {
	Write(chunk *types.StreamChunk) error
}

// ExecuteStream drives a streaming request: the pre-stream phases run
// exactly as in Execute, then the coordinator re-enters the pipeline once
// per upstream chunk.
//
// Chunks are released to the sink in strict arrival order. A chunk held
// back by a plugin stays in the buffer until a plugin drains it or the
// stream ends, at which point remaining held chunks are flushed. On client
// disconnect the upstream read stops, held chunks are discarded, and
// detachedAfterResponse still runs so billing plugins observe partial usage.
func (o *Orchestrator) ExecuteStream(ctx context.Context, rc *plugin.RequestContext, sink Sink) error {
	reg := o.registry.Load()

	for attempt := 0; ; attempt++ {
		if attempt > o.maxReevaluations {
			err := gwerrors.NewReevaluationLimitError(o.maxReevaluations)
			o.scheduleDetached(reg, rc)
			return err
		}
		rc.RetryCount = attempt
		rc.Response = nil

		final, next, done := o.runPhase(ctx, plugin.PhaseBeforeModel, reg, rc)
		rc = next
		if done {
			_, err := o.finish(reg, rc, final)
			return err
		}
		if final.ReevaluateRequest {
			o.recordReevaluation(plugin.PhaseBeforeModel, rc)
			continue
		}

		handler, err := o.caller.Stream(ctx, rc.Request)
		if err == nil {
			return o.consumeStream(ctx, reg, rc, handler, sink)
		}

		rc.Err = gwerrors.AsGatewayError(err, rc.Request.Provider, rc.Request.Model)

		final, rc, done = o.runPhase(ctx, plugin.PhaseOnModelError, reg, rc)
		if done {
			_, ferr := o.finish(reg, rc, final)
			return ferr
		}
		if final.ReevaluateRequest {
			o.recordReevaluation(plugin.PhaseOnModelError, rc)
			continue
		}

		o.scheduleDetached(reg, rc)
		return rc.Err
	}
}

// consumeStream owns the chunk loop. The buffer is owned here and exposed
// to afterChunk plugins through the chunk context. Every exit, clean or
// not, records the usage seen so far on the parent context before the
// detached phase runs, so billing plugins observe partial streams too.
func (o *Orchestrator) consumeStream(ctx context.Context, reg *plugin.Registry, rc *plugin.RequestContext, handler provider.StreamHandler, sink Sink) error {
	defer handler.Close()
	buf := plugin.NewChunkBuffer()
	usage := &streamUsage{model: rc.Request.Model}

	for {
		select {
		case <-ctx.Done():
			buf.Discard()
			usage.attach(rc)
			o.scheduleDetached(reg, rc)
			return ctx.Err()
		default:
		}

		chunk, err := handler.Next()
		if errors.Is(err, io.EOF) {
			usage.attach(rc)
			if ferr := o.flushBuffer(buf, sink); ferr != nil {
				o.scheduleDetached(reg, rc)
				return ferr
			}
			o.scheduleDetached(reg, rc)
			return nil
		}
		if err != nil {
			buf.Discard()
			usage.attach(rc)
			rc.Err = gwerrors.AsGatewayError(err, rc.Request.Provider, rc.Request.Model)
			o.scheduleDetached(reg, rc)
			return rc.Err
		}
		usage.observe(chunk)

		crc := rc.DeriveChunk(chunk, buf)
		final, crc, done := o.runPhase(ctx, plugin.PhaseAfterChunk, reg, crc)
		if done {
			// Terminate mid-stream: stop reading, flush nothing further,
			// end the client stream with the terminating status.
			buf.Discard()
			usage.attach(rc)
			if final.Success {
				// A clean terminate closes the stream without error.
				o.scheduleDetached(reg, rc)
				return nil
			}
			_, ferr := o.finish(reg, rc, final)
			return ferr
		}

		if final.ReevaluateRequest {
			// Restarting the pipeline mid-stream is not supported; the
			// flag is ignored and the remaining flags apply as usual.
			o.logger.Warn("reevaluateRequest ignored mid-stream",
				"request_id", rc.RequestID,
			)
		}

		if final.SkipRemaining && !final.EmitChunk {
			buf.Hold(crc.Chunk)
			metrics.ChunksBuffered.Inc()
			continue
		}

		// Emit: anything still buffered goes first so arrival order holds,
		// then the current, possibly mutated, chunk.
		if err := o.flushBuffer(buf, sink); err != nil {
			usage.attach(rc)
			o.scheduleDetached(reg, rc)
			return err
		}
		if crc.Chunk != nil {
			if err := sink.Write(crc.Chunk); err != nil {
				buf.Discard()
				usage.attach(rc)
				o.scheduleDetached(reg, rc)
				return err
			}
			metrics.ChunksEmitted.Inc()
		}
	}
}

// streamUsage accumulates token accounting across a chunk stream: the most
// recent usage payload a chunk carried, and the delta text for estimation
// when no chunk carried one.
type streamUsage struct {
	model string
	id    string
	usage *types.Usage
	text  strings.Builder
}

func (u *streamUsage) observe(chunk *types.StreamChunk) {
	if chunk == nil {
		return
	}
	if u.id == "" {
		u.id = chunk.ID
	}
	if chunk.Usage != nil {
		cp := *chunk.Usage
		u.usage = &cp
	}
	for _, choice := range chunk.Choices {
		u.text.WriteString(choice.Delta.Content)
	}
}

// attach records the accumulated usage on the parent context. Streams whose
// provider never reported usage get a tokenizer estimate instead; a stream
// that produced nothing attaches nothing.
func (u *streamUsage) attach(rc *plugin.RequestContext) {
	usage := u.usage
	if usage == nil {
		prompt := tokenizer.EstimatePrompt(u.model, rc.Request)
		completion := tokenizer.CountText(u.model, u.text.String())
		if prompt == 0 && completion == 0 {
			return
		}
		usage = &types.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
			Estimated:        true,
		}
	}

	if rc.Response == nil {
		rc.Response = &types.ChatResponse{
			ID:      u.id,
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   u.model,
		}
	}
	rc.Response.Usage = usage
}

func (o *Orchestrator) flushBuffer(buf *plugin.ChunkBuffer, sink Sink) error {
	for _, held := range buf.Drain() {
		if err := sink.Write(held); err != nil {
			return err
		}
		metrics.ChunksEmitted.Inc()
	}
	return nil
}
