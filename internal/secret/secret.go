// Package secret resolves provider credentials from URI-style references.
// A reference like "env://OPENAI_API_KEY" or "vault://secret/data/openai#key"
// is routed to the source registered for its scheme; a plain string without
// a scheme is returned as-is.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Source retrieves secret values for one scheme.
type Source interface {
	// Get resolves the scheme-stripped path to a secret value.
	Get(ctx context.Context, path string) (string, error)

	// Close releases resources held by the source.
	Close() error
}

// Resolver routes secret references to registered sources by scheme.
type Resolver struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewResolver creates a resolver with the env source preinstalled.
func NewResolver() *Resolver {
	r := &Resolver{sources: make(map[string]Source)}
	r.Register("env", envSource{})
	return r
}

// Register installs a source for a scheme, replacing any previous one.
func (r *Resolver) Register(scheme string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[scheme] = src
}

// Resolve returns the secret value for a reference. References without a
// scheme are treated as literal values.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		return ref, nil
	}

	r.mu.RLock()
	src, found := r.sources[scheme]
	r.mu.RUnlock()
	if !found {
		return "", fmt.Errorf("no secret source registered for scheme %q", scheme)
	}
	return src.Get(ctx, path)
}

// Close closes all registered sources.
func (r *Resolver) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []string
	for scheme, src := range r.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close secret sources: %s", strings.Join(errs, "; "))
	}
	return nil
}

// envSource reads secrets from process environment variables.
type envSource struct{}

func (envSource) Get(_ context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	return val, nil
}

func (envSource) Close() error { return nil }

// CachedSource decorates a source with in-memory caching so hot-reload and
// repeated resolution do not hammer the backend.
type CachedSource struct {
	inner Source
	cache *cache.Cache
}

// NewCachedSource wraps inner with a TTL cache.
func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	return &CachedSource{
		inner: inner,
		cache: cache.New(ttl, ttl*2),
	}
}

// Get retrieves from the cache or delegates to the inner source.
func (s *CachedSource) Get(ctx context.Context, path string) (string, error) {
	if val, found := s.cache.Get(path); found {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}

	val, err := s.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	s.cache.Set(path, val, cache.DefaultExpiration)
	return val, nil
}

// Close closes the inner source.
func (s *CachedSource) Close() error {
	return s.inner.Close()
}
