package secret

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type countingSource struct {
	calls  int
	values map[string]string
}

func (s *countingSource) Get(_ context.Context, path string) (string, error) {
	s.calls++
	val, ok := s.values[path]
	if !ok {
		return "", fmt.Errorf("no value at %q", path)
	}
	return val, nil
}

func (s *countingSource) Close() error { return nil }

func TestResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("plain strings pass through", func(t *testing.T) {
		r := NewResolver()
		got, err := r.Resolve(ctx, "sk-literal-key")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != "sk-literal-key" {
			t.Errorf("got %q, want the literal back", got)
		}
	})

	t.Run("env scheme reads the environment", func(t *testing.T) {
		t.Setenv("TEST_GANTRY_SECRET", "sk-from-env")
		r := NewResolver()

		got, err := r.Resolve(ctx, "env://TEST_GANTRY_SECRET")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != "sk-from-env" {
			t.Errorf("got %q, want %q", got, "sk-from-env")
		}

		if _, err := r.Resolve(ctx, "env://TEST_GANTRY_UNSET"); err == nil {
			t.Error("unset variable resolved without error")
		}
	})

	t.Run("unknown scheme errors", func(t *testing.T) {
		r := NewResolver()
		if _, err := r.Resolve(ctx, "consul://some/path"); err == nil {
			t.Error("unknown scheme resolved without error")
		}
	})

	t.Run("registered source handles its scheme", func(t *testing.T) {
		r := NewResolver()
		r.Register("fake", &countingSource{values: map[string]string{"db/key": "v1"}})

		got, err := r.Resolve(ctx, "fake://db/key")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got != "v1" {
			t.Errorf("got %q, want %q", got, "v1")
		}
	})
}

func TestCachedSource(t *testing.T) {
	ctx := context.Background()

	t.Run("caches hits", func(t *testing.T) {
		inner := &countingSource{values: map[string]string{"p": "v"}}
		s := NewCachedSource(inner, time.Minute)

		for i := 0; i < 3; i++ {
			got, err := s.Get(ctx, "p")
			if err != nil {
				t.Fatal(err)
			}
			if got != "v" {
				t.Errorf("got %q, want %q", got, "v")
			}
		}
		if inner.calls != 1 {
			t.Errorf("inner calls = %d, want 1", inner.calls)
		}
	})

	t.Run("misses are not cached", func(t *testing.T) {
		inner := &countingSource{values: map[string]string{}}
		s := NewCachedSource(inner, time.Minute)

		for i := 0; i < 2; i++ {
			if _, err := s.Get(ctx, "missing"); err == nil {
				t.Fatal("expected an error for a missing secret")
			}
		}
		if inner.calls != 2 {
			t.Errorf("inner calls = %d, want 2", inner.calls)
		}
	})
}
