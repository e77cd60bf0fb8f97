// Package provider defines the adapter contract for upstream model
// providers and the router that dispatches canonical requests to them.
//
// An adapter translates the canonical ChatRequest into the provider's
// native wire format, and translates the native response or stream back.
// Adapters never see pipeline state; they receive only the canonical
// request extracted from it.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gantry-llm/gantry/pkg/types"
)

// Adapter is implemented once per upstream provider and registered by
// provider identifier string.
type Adapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// BuildRequest translates a canonical ChatRequest into a native HTTP
	// request, honoring the request's streaming flag.
	BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error)

	// ParseResponse translates a native response into the canonical shape.
	ParseResponse(resp *http.Response) (*types.ChatResponse, error)

	// ParseStreamChunk parses a single SSE line from a streaming response.
	// Returns nil, nil for keep-alive or non-content events.
	ParseStreamChunk(data []byte) (*types.StreamChunk, error)

	// MapError converts a native error response into a *errors.GatewayError
	// carrying an HTTP-equivalent status and the raw upstream error text.
	MapError(statusCode int, body []byte) error
}

// Config contains per-provider configuration.
type Config struct {
	Name    string
	Type    string
	APIKey  string
	BaseURL string
	Models  []string
	Timeout time.Duration
	Headers map[string]string
}

// Factory creates adapter instances from configuration.
type Factory func(cfg Config) (Adapter, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory adds an adapter factory for the given provider type.
func RegisterFactory(providerType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[providerType] = factory
}

// NewAdapter creates an adapter instance from configuration.
func NewAdapter(cfg Config) (Adapter, error) {
	factoryMu.RLock()
	factory, ok := factories[cfg.Type]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s (available: %v)", cfg.Type, FactoryTypes())
	}
	return factory(cfg)
}

// FactoryTypes returns all registered adapter type names.
func FactoryTypes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
