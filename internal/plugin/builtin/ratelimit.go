package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/plugin"
)

// rateLimitPlugin enforces a per-caller token bucket, with an optional
// Redis fixed window for multi-instance deployments. Requests without an
// authenticated caller share the "anonymous" bucket.
//
// Settings: rps (float), burst (int), redis_addr (string),
// window (duration, default 1m), window_limit (int).
type rateLimitPlugin struct {
	logger *slog.Logger

	rps   float64
	burst int

	limiters sync.Map // caller key -> *rate.Limiter

	rdb         *redis.Client
	window      time.Duration
	windowLimit int
}

func newRateLimitPlugin(logger *slog.Logger) *rateLimitPlugin {
	return &rateLimitPlugin{
		logger: logger,
		rps:    10,
		burst:  20,
		window: time.Minute,
	}
}

func (p *rateLimitPlugin) Name() string { return "ratelimit" }

func (p *rateLimitPlugin) ValidateConfig(settings map[string]any) error {
	if rps := settingFloat(settings, "rps", 10); rps <= 0 {
		return fmt.Errorf("ratelimit: rps must be positive")
	}
	if burst := settingInt(settings, "burst", 20); burst <= 0 {
		return fmt.Errorf("ratelimit: burst must be positive")
	}
	return nil
}

func (p *rateLimitPlugin) Configure(settings map[string]any) error {
	p.rps = settingFloat(settings, "rps", p.rps)
	p.burst = settingInt(settings, "burst", p.burst)
	p.window = settingDuration(settings, "window", p.window)
	p.windowLimit = settingInt(settings, "window_limit", 0)

	if addr := settingString(settings, "redis_addr", ""); addr != "" {
		p.rdb = redis.NewClient(&redis.Options{Addr: addr})
	}
	return nil
}

func (p *rateLimitPlugin) BeforeModel(ctx context.Context, rc *plugin.RequestContext) *plugin.Result {
	key := "anonymous"
	if rc.Caller != nil && rc.Caller.Subject != "" {
		key = rc.Caller.Subject
	}

	if !p.limiter(key).Allow() {
		return p.reject(rc, key, "token bucket exhausted")
	}

	if p.rdb != nil && p.windowLimit > 0 {
		allowed, err := p.allowWindow(ctx, key)
		if err != nil {
			// Redis being down must not take the gateway with it.
			p.logger.Warn("distributed rate limit check failed, allowing",
				"error", err, "request_id", rc.RequestID)
			return plugin.Pass()
		}
		if !allowed {
			return p.reject(rc, key, "window limit exceeded")
		}
	}
	return plugin.Pass()
}

func (p *rateLimitPlugin) limiter(key string) *rate.Limiter {
	if lim, ok := p.limiters.Load(key); ok {
		return lim.(*rate.Limiter)
	}
	lim, _ := p.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(p.rps), p.burst))
	return lim.(*rate.Limiter)
}

// allowWindow does a fixed-window count in Redis keyed by caller and
// window start.
func (p *rateLimitPlugin) allowWindow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().Unix() / int64(p.window.Seconds())
	redisKey := fmt.Sprintf("gantry:ratelimit:%s:%d", key, bucket)

	count, err := p.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		p.rdb.Expire(ctx, redisKey, p.window)
	}
	return count <= int64(p.windowLimit), nil
}

func (p *rateLimitPlugin) reject(rc *plugin.RequestContext, key, reason string) *plugin.Result {
	p.logger.Warn("rate limit exceeded",
		"key", key,
		"reason", reason,
		"request_id", rc.RequestID,
	)
	return plugin.Abort(http.StatusTooManyRequests,
		gwerrors.NewPipelineAbortedError(http.StatusTooManyRequests, "rate limit exceeded"))
}
