package provider

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gantry-llm/gantry/pkg/types"
)

// StreamHandler iterates over the canonical chunk sequence of a streaming
// provider response. Next returns io.EOF when the upstream stream ends.
type StreamHandler interface {
	Next() (*types.StreamChunk, error)
	Close() error
}

// streamReader parses an SSE response body into canonical chunks using the
// adapter's chunk parser. Unparseable lines (comments, keep-alives) are
// skipped rather than surfaced as errors.
type streamReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	adapter Adapter
	span    trace.Span

	mu         sync.Mutex
	closed     bool
	firstChunk bool
	startTime  time.Time
}

func newStreamReader(body io.ReadCloser, adapter Adapter, span trace.Span) *streamReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 4096), 1024*1024)

	return &streamReader{
		body:       body,
		scanner:    scanner,
		adapter:    adapter,
		span:       span,
		firstChunk: true,
		startTime:  time.Now(),
	}
}

func (s *streamReader) Next() (*types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if bytes.Equal(line, []byte("data: [DONE]")) || bytes.Equal(line, []byte("[DONE]")) {
			s.finishLocked()
			return nil, io.EOF
		}

		chunk, err := s.adapter.ParseStreamChunk(line)
		if err != nil || chunk == nil {
			continue
		}

		if s.firstChunk {
			s.firstChunk = false
			if s.span != nil {
				s.span.SetAttributes(
					attribute.Float64("gen_ai.response.time_to_first_token", time.Since(s.startTime).Seconds()),
				)
			}
		}
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.finishLocked()
		return nil, err
	}

	s.finishLocked()
	return nil, io.EOF
}

func (s *streamReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked()
	return nil
}

func (s *streamReader) finishLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.body.Close()
	if s.span != nil {
		s.span.End()
	}
}
