package plugin

import (
	"sync"

	"github.com/gantry-llm/gantry/pkg/types"
)

// ChunkBuffer holds streamed chunks a plugin wants to inspect before they
// are released to the client. It is owned by the streaming coordinator; the
// chunk context exposes it to afterChunk plugins as a narrow accessor.
// Held chunks preserve arrival order.
type ChunkBuffer struct {
	mu     sync.Mutex
	chunks []*types.StreamChunk
}

// NewChunkBuffer returns an empty buffer.
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{}
}

// Hold appends a chunk to the buffer.
func (b *ChunkBuffer) Hold(c *types.StreamChunk) {
	if c == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, c)
}

// Len returns the number of held chunks.
func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Drain removes and returns all held chunks in arrival order. A plugin that
// wants to release a merged paragraph drains the buffer, merges the chunks
// into the current one, and sets EmitChunk on its result.
func (b *ChunkBuffer) Drain() []*types.StreamChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.chunks
	b.chunks = nil
	return out
}

// Discard drops all held chunks without releasing them.
func (b *ChunkBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
}
