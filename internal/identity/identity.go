// Package identity is the client for the external credential validator.
// The gateway does not store or issue credentials; it forwards the caller's
// API key or session token to the collaborator and caches the verdict.
package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"

	"github.com/gantry-llm/gantry/internal/httputil"
	"github.com/gantry-llm/gantry/internal/plugin"
)

// ErrInvalidCredential is returned when the collaborator rejects the
// credential or a session token fails verification.
var ErrInvalidCredential = errors.New("invalid credential")

// Validator resolves a raw credential into a caller identity.
type Validator interface {
	Validate(ctx context.Context, credential string) (*plugin.Identity, error)
}

// Config holds settings for the HTTP validator.
type Config struct {
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// JWTSecret, when set, lets session tokens be verified locally
	// instead of round-tripping to the collaborator.
	JWTSecret string `yaml:"jwt_secret"`
}

// Client validates credentials against the external identity service,
// caching positive results. API keys are POSTed to the validate endpoint;
// JWT session tokens are verified locally when a secret is configured.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *cache.Cache
	jwtSecret  []byte
}

// NewClient creates an identity client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("identity: base_url or jwt_secret required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache.New(ttl, 2*ttl),
		jwtSecret:  []byte(cfg.JWTSecret),
	}, nil
}

// Validate resolves a credential. Only positive verdicts are cached, so a
// revoked key is re-checked on every attempt.
func (c *Client) Validate(ctx context.Context, credential string) (*plugin.Identity, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	if cached, found := c.cache.Get(credential); found {
		ident := cached.(plugin.Identity)
		return &ident, nil
	}

	var ident *plugin.Identity
	var err error
	if len(c.jwtSecret) > 0 && looksLikeJWT(credential) {
		ident, err = c.validateSession(credential)
	} else {
		ident, err = c.validateKey(ctx, credential)
	}
	if err != nil {
		return nil, err
	}

	c.cache.Set(credential, *ident, cache.DefaultExpiration)
	return ident, nil
}

func looksLikeJWT(credential string) bool {
	return strings.Count(credential, ".") == 2
}

func (c *Client) validateKey(ctx context.Context, key string) (*plugin.Identity, error) {
	if c.baseURL == "" {
		return nil, ErrInvalidCredential
	}

	payload, err := json.Marshal(map[string]string{"key": key})
	if err != nil {
		return nil, fmt.Errorf("identity: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/keys/validate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("identity: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: validate call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrInvalidCredential
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: validate returned %d", resp.StatusCode)
	}

	body, err := httputil.ReadLimitedBody(resp.Body, 1<<20)
	if err != nil {
		return nil, fmt.Errorf("identity: read response: %w", err)
	}

	var verdict struct {
		Valid   bool   `json:"valid"`
		Subject string `json:"subject"`
		Email   string `json:"email"`
		KeyID   string `json:"key_id"`
	}
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, fmt.Errorf("identity: decode response: %w", err)
	}
	if !verdict.Valid {
		return nil, ErrInvalidCredential
	}

	return &plugin.Identity{
		Subject: verdict.Subject,
		Email:   verdict.Email,
		KeyID:   verdict.KeyID,
	}, nil
}
