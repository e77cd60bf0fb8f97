package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

func validateServer(t *testing.T, calls *atomic.Int64, verdict map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/keys/validate" {
			t.Errorf("path = %q, want /v1/keys/validate", r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["key"] == "" {
			t.Error("request carries no key")
		}
		json.NewEncoder(w).Encode(verdict)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientValidate(t *testing.T) {
	t.Run("requires a backend", func(t *testing.T) {
		if _, err := NewClient(Config{}); err == nil {
			t.Fatal("NewClient accepted an empty config")
		}
	})

	t.Run("valid key resolves identity", func(t *testing.T) {
		var calls atomic.Int64
		srv := validateServer(t, &calls, map[string]any{
			"valid": true, "subject": "user-1", "email": "u@example.com", "key_id": "k1",
		})

		c, err := NewClient(Config{BaseURL: srv.URL})
		if err != nil {
			t.Fatal(err)
		}
		ident, err := c.Validate(context.Background(), "sk-abc")
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if ident.Subject != "user-1" || ident.Email != "u@example.com" || ident.KeyID != "k1" {
			t.Errorf("identity = %+v", ident)
		}
	})

	t.Run("positive verdicts are cached", func(t *testing.T) {
		var calls atomic.Int64
		srv := validateServer(t, &calls, map[string]any{"valid": true, "subject": "user-1"})

		c, _ := NewClient(Config{BaseURL: srv.URL, CacheTTL: time.Minute})
		for i := 0; i < 3; i++ {
			if _, err := c.Validate(context.Background(), "sk-abc"); err != nil {
				t.Fatal(err)
			}
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("backend calls = %d, want 1", got)
		}
	})

	t.Run("rejections are not cached", func(t *testing.T) {
		var calls atomic.Int64
		srv := validateServer(t, &calls, map[string]any{"valid": false})

		c, _ := NewClient(Config{BaseURL: srv.URL})
		for i := 0; i < 2; i++ {
			if _, err := c.Validate(context.Background(), "sk-bad"); !errors.Is(err, ErrInvalidCredential) {
				t.Fatalf("Validate() error = %v, want ErrInvalidCredential", err)
			}
		}
		if got := calls.Load(); got != 2 {
			t.Errorf("backend calls = %d, want 2", got)
		}
	})

	t.Run("401 means invalid credential", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		c, _ := NewClient(Config{BaseURL: srv.URL})
		if _, err := c.Validate(context.Background(), "sk-x"); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("Validate() error = %v, want ErrInvalidCredential", err)
		}
	})

	t.Run("empty credential rejected without a call", func(t *testing.T) {
		var calls atomic.Int64
		srv := validateServer(t, &calls, map[string]any{"valid": true})

		c, _ := NewClient(Config{BaseURL: srv.URL})
		if _, err := c.Validate(context.Background(), ""); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("Validate() error = %v, want ErrInvalidCredential", err)
		}
		if calls.Load() != 0 {
			t.Error("backend called for an empty credential")
		}
	})
}

func TestClientValidate_SessionJWT(t *testing.T) {
	const secret = "topsecret"

	signToken := func(t *testing.T, claims jwt.Claims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	c, err := NewClient(Config{JWTSecret: secret})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("valid token verified locally", func(t *testing.T) {
		token := signToken(t, sessionClaims{
			Email: "u@example.com",
			KeyID: "k1",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		ident, err := c.Validate(context.Background(), token)
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if ident.Subject != "user-1" || ident.Email != "u@example.com" {
			t.Errorf("identity = %+v", ident)
		}
	})

	t.Run("expired token rejected", func(t *testing.T) {
		token := signToken(t, jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		})
		if _, err := c.Validate(context.Background(), token); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("Validate() error = %v, want ErrInvalidCredential", err)
		}
	})

	t.Run("wrong signature rejected", func(t *testing.T) {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte("other"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Validate(context.Background(), s); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("Validate() error = %v, want ErrInvalidCredential", err)
		}
	})

	t.Run("missing subject rejected", func(t *testing.T) {
		token := signToken(t, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		if _, err := c.Validate(context.Background(), token); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("Validate() error = %v, want ErrInvalidCredential", err)
		}
	})
}
