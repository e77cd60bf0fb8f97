package plugin

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-llm/gantry/pkg/types"
)

// Identity is the parsed caller identity produced by the external
// credential validator.
type Identity struct {
	Subject string
	Email   string
	KeyID   string
}

// Metadata is the free-form map plugins may read and write. It is shared,
// not copied, between a request context and the chunk contexts derived from
// it, so a plugin's decision on chunk N is visible on chunk N+1.
type Metadata struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMetadata returns an empty metadata map.
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]any)}
}

// Set stores a value for sharing between plugins.
func (m *Metadata) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// Get retrieves a value.
func (m *Metadata) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// GetString retrieves a string value, or "" when absent.
func (m *Metadata) GetString(key string) string {
	if v, ok := m.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetInt retrieves an int value, or 0 when absent.
func (m *Metadata) GetInt(key string) int {
	if v, ok := m.Get(key); ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return 0
}

// GetBool retrieves a bool value, or false when absent.
func (m *Metadata) GetBool(key string) bool {
	if v, ok := m.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// RequestContext is the unit of execution state owned by one in-flight
// request. For streaming requests a transient chunk context is derived per
// chunk; it shares the identifiers, metadata map, and audit trail of its
// parent.
type RequestContext struct {
	Request  *types.ChatRequest
	Response *types.ChatResponse
	Chunk    *types.StreamChunk

	RequestID     string
	InteractionID string

	Path    string
	Method  string
	Headers http.Header
	Caller  *Identity

	// Err carries the accumulated error, set before onModelError runs.
	Err error

	// RetryCount is the number of pipeline reevaluations so far.
	RetryCount int

	StartTime time.Time

	meta   *Metadata
	buffer *ChunkBuffer
	audit  *auditTrail
}

// NewRequestContext creates a context for a freshly accepted request.
func NewRequestContext(req *types.ChatRequest) *RequestContext {
	return &RequestContext{
		Request:       req,
		RequestID:     uuid.NewString(),
		InteractionID: uuid.NewString(),
		StartTime:     time.Now(),
		meta:          NewMetadata(),
		audit:         &auditTrail{},
	}
}

// Metadata returns the shared plugin metadata map.
func (rc *RequestContext) Metadata() *Metadata {
	if rc.meta == nil {
		rc.meta = NewMetadata()
	}
	return rc.meta
}

// Buffer returns the chunk buffer owned by the streaming coordinator, or
// nil outside the afterChunk phase.
func (rc *RequestContext) Buffer() *ChunkBuffer {
	return rc.buffer
}

// Clone returns a shallow copy suitable for returning as a mutated context
// from a plugin. The metadata map and audit trail stay shared; the request
// is deep-copied so the mutation does not leak into the original.
func (rc *RequestContext) Clone() *RequestContext {
	out := *rc
	out.Request = rc.Request.Clone()
	return &out
}

// DeriveChunk builds a chunk-scoped view for one streamed chunk. It shares
// the identifiers, caller, metadata, and audit trail; only the chunk payload
// and buffer handle are fresh.
func (rc *RequestContext) DeriveChunk(chunk *types.StreamChunk, buf *ChunkBuffer) *RequestContext {
	out := *rc
	out.Chunk = chunk
	out.buffer = buf
	return &out
}

// PhaseExecutions returns the append-only audit trail of executed phases.
func (rc *RequestContext) PhaseExecutions() []*PhaseExecution {
	if rc.audit == nil {
		return nil
	}
	return rc.audit.list()
}

func (rc *RequestContext) recordPhase(pe *PhaseExecution) {
	if rc.audit == nil {
		rc.audit = &auditTrail{}
	}
	rc.audit.append(pe)
}

// auditTrail is the shared append-only record of phase executions. It is
// never mutated after a phase record is written.
type auditTrail struct {
	mu     sync.Mutex
	phases []*PhaseExecution
}

func (a *auditTrail) append(pe *PhaseExecution) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.phases = append(a.phases, pe)
}

func (a *auditTrail) list() []*PhaseExecution {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*PhaseExecution, len(a.phases))
	copy(out, a.phases)
	return out
}
