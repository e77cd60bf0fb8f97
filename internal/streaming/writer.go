// Package streaming writes Server-Sent Events to the client. It is the
// client-facing half of a streamed request; the coordinator decides which
// chunks reach it and in what order.
package streaming

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gantry-llm/gantry/pkg/types"
)

const (
	// SSEDataPrefix is the prefix for SSE data lines.
	SSEDataPrefix = "data: "

	// SSEDone is the marker for stream completion.
	SSEDone = "[DONE]"
)

// Writer emits canonical chunks as SSE over an http.ResponseWriter. It
// satisfies the coordinator's sink contract; a write error means the client
// disconnected.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewWriter wraps w for SSE output. It fails when the underlying writer
// cannot flush, since buffered SSE defeats streaming.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Write sends one chunk to the client and flushes. SSE headers are written
// lazily on the first chunk.
func (sw *Writer) Write(chunk *types.StreamChunk) error {
	if !sw.started {
		sw.start()
	}

	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}

	if _, err := fmt.Fprintf(sw.w, "%s%s\n\n", SSEDataPrefix, payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Done terminates the stream with the [DONE] marker.
func (sw *Writer) Done() error {
	if !sw.started {
		sw.start()
	}
	if _, err := fmt.Fprintf(sw.w, "%s%s\n\n", SSEDataPrefix, SSEDone); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteError sends a structured error event mid-stream. Headers are already
// committed at this point, so the HTTP status cannot change; the error
// travels as an SSE event instead.
func (sw *Writer) WriteError(payload any) error {
	if !sw.started {
		sw.start()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal error event: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: error\n%s%s\n\n", SSEDataPrefix, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Started reports whether SSE headers have been committed.
func (sw *Writer) Started() bool {
	return sw.started
}

func (sw *Writer) start() {
	header := sw.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
	sw.flusher.Flush()
	sw.started = true
}
