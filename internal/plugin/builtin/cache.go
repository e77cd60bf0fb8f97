package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"

	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/pkg/types"
)

// cachePlugin serves repeated identical requests from memory. A hit is a
// successful terminate carrying the cached response, which the pipeline
// returns to the client as an ordinary 200. Streaming requests bypass the
// cache entirely.
//
// Settings: ttl (duration, default 5m).
type cachePlugin struct {
	logger *slog.Logger
	store  *gocache.Cache
	ttl    time.Duration
}

func newCachePlugin(logger *slog.Logger) *cachePlugin {
	return &cachePlugin{
		logger: logger,
		ttl:    5 * time.Minute,
	}
}

func (p *cachePlugin) Name() string { return "cache" }

func (p *cachePlugin) Configure(settings map[string]any) error {
	p.ttl = settingDuration(settings, "ttl", p.ttl)
	p.store = gocache.New(p.ttl, 2*p.ttl)
	return nil
}

func (p *cachePlugin) BeforeModel(_ context.Context, rc *plugin.RequestContext) *plugin.Result {
	if rc.Request == nil || rc.Request.Stream {
		return plugin.Pass()
	}

	key, ok := cacheKey(rc.Request)
	if !ok {
		return plugin.Pass()
	}
	rc.Metadata().Set("cache.key", key)

	cached, found := p.store.Get(key)
	if !found {
		return plugin.Pass()
	}

	resp := cached.(*types.ChatResponse)
	p.logger.Debug("cache hit", "request_id", rc.RequestID, "model", rc.Request.Model)

	hit := rc.Clone()
	hit.Response = resp
	return &plugin.Result{
		Success:   true,
		Terminate: true,
		Context:   hit,
	}
}

func (p *cachePlugin) AfterModel(_ context.Context, rc *plugin.RequestContext) *plugin.Result {
	if rc.Response == nil {
		return plugin.Pass()
	}
	if key := rc.Metadata().GetString("cache.key"); key != "" {
		p.store.Set(key, rc.Response, gocache.DefaultExpiration)
	}
	return plugin.Pass()
}

// cacheKey hashes the request fields that determine the completion. The
// provider field is excluded so a fallback retarget still hits.
func cacheKey(req *types.ChatRequest) (string, bool) {
	payload, err := json.Marshal(struct {
		Model       string              `json:"model"`
		Messages    []types.ChatMessage `json:"messages"`
		MaxTokens   int                 `json:"max_tokens"`
		Temperature *float64            `json:"temperature"`
		Tools       []types.Tool        `json:"tools"`
	}{req.Model, req.Messages, req.MaxTokens, req.Temperature, req.Tools})
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), true
}
