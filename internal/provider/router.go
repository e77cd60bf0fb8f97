package provider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/httputil"
	"github.com/gantry-llm/gantry/internal/metrics"
	"github.com/gantry-llm/gantry/internal/tokenizer"
	"github.com/gantry-llm/gantry/pkg/types"
)

// DefaultCallTimeout bounds a provider call when the provider's
// configuration does not set one. It covers the full exchange, including
// reading a streamed body.
const DefaultCallTimeout = 2 * time.Minute

// Router maps a canonical request's target model or provider to a concrete
// adapter and invokes it. All adapter failures leave the router as
// *errors.GatewayError, never a provider-specific error type.
type Router struct {
	adapters   map[string]Adapter
	models     map[string]string // model name -> provider name
	timeouts   map[string]time.Duration
	httpClient *http.Client
	breakers   map[string]*gobreaker.CircuitBreaker
	logger     *slog.Logger
	tracer     trace.Tracer
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithHTTPClient overrides the shared HTTP client.
func WithHTTPClient(c *http.Client) RouterOption {
	return func(r *Router) { r.httpClient = c }
}

// WithTracer sets the tracer used for provider-call spans.
func WithTracer(t trace.Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// NewRouter creates a router with connection pooling and one circuit
// breaker per provider.
func NewRouter(logger *slog.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		adapters: make(map[string]Adapter),
		models:   make(map[string]string),
		timeouts: make(map[string]time.Duration),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer("gantry"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAdapter registers an adapter under its provider name and binds
// the given models to it. A non-positive timeout falls back to
// DefaultCallTimeout. Registering a second adapter under a name already
// taken replaces nothing; the duplicate is dropped with a warning.
func (r *Router) RegisterAdapter(a Adapter, models []string, timeout time.Duration) {
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		r.logger.Warn("duplicate provider registration ignored", "provider", name)
		return
	}
	r.adapters[name] = a
	r.timeouts[name] = timeout
	for _, m := range models {
		r.models[m] = name
	}
	r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
	})
	r.logger.Info("provider registered", "provider", name, "models", models)
}

// Providers returns the registered provider names.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Resolve selects the adapter for a request: the explicit target provider
// wins, otherwise the model binding decides.
func (r *Router) Resolve(req *types.ChatRequest) (Adapter, error) {
	if req.Provider != "" {
		if a, ok := r.adapters[req.Provider]; ok {
			return a, nil
		}
		return nil, gwerrors.NewUnknownProviderError(req.Provider)
	}
	if name, ok := r.models[req.Model]; ok {
		return r.adapters[name], nil
	}
	return nil, gwerrors.NewUnknownProviderError(req.Model)
}

// Complete performs a non-streaming provider call and normalizes the native
// response into the canonical shape. Providers that omit token counts get
// them estimated, never fabricated as zero.
func (r *Router) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	adapter, err := r.Resolve(req)
	if err != nil {
		return nil, err
	}

	ctx, span := r.startSpan(ctx, adapter, req)
	defer span.End()

	start := time.Now()
	resp, err := r.do(ctx, adapter, req)
	latency := time.Since(start)

	if err != nil {
		ge := gwerrors.AsGatewayError(err, adapter.Name(), req.Model)
		span.RecordError(ge)
		metrics.ProviderFailures.WithLabelValues(adapter.Name(), req.Model, ge.Code).Inc()
		return nil, ge
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
		ge := gwerrors.AsGatewayError(adapter.MapError(resp.StatusCode, body), adapter.Name(), req.Model)
		span.RecordError(ge)
		metrics.ProviderFailures.WithLabelValues(adapter.Name(), req.Model, ge.Code).Inc()
		return nil, ge
	}

	chatResp, err := adapter.ParseResponse(resp)
	if err != nil {
		ge := gwerrors.AsGatewayError(err, adapter.Name(), req.Model)
		span.RecordError(ge)
		return nil, ge
	}

	r.ensureUsage(req, chatResp)
	metrics.ProviderLatency.WithLabelValues(adapter.Name(), req.Model).Observe(latency.Seconds())
	if chatResp.Usage != nil {
		span.SetAttributes(
			attribute.Int("gen_ai.usage.input_tokens", chatResp.Usage.PromptTokens),
			attribute.Int("gen_ai.usage.output_tokens", chatResp.Usage.CompletionTokens),
		)
	}
	return chatResp, nil
}

// Stream performs a streaming provider call and returns a handler over the
// canonical chunk sequence.
func (r *Router) Stream(ctx context.Context, req *types.ChatRequest) (StreamHandler, error) {
	adapter, err := r.Resolve(req)
	if err != nil {
		return nil, err
	}

	ctx, span := r.startSpan(ctx, adapter, req)

	resp, err := r.do(ctx, adapter, req)
	if err != nil {
		ge := gwerrors.AsGatewayError(err, adapter.Name(), req.Model)
		span.RecordError(ge)
		span.End()
		metrics.ProviderFailures.WithLabelValues(adapter.Name(), req.Model, ge.Code).Inc()
		return nil, ge
	}

	if resp.StatusCode >= 400 {
		body, _ := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
		resp.Body.Close()
		ge := gwerrors.AsGatewayError(adapter.MapError(resp.StatusCode, body), adapter.Name(), req.Model)
		span.RecordError(ge)
		span.End()
		metrics.ProviderFailures.WithLabelValues(adapter.Name(), req.Model, ge.Code).Inc()
		return nil, ge
	}

	return newStreamReader(resp.Body, adapter, span), nil
}

// do executes the HTTP exchange behind the provider's circuit breaker,
// under the provider's configured call timeout. The deadline stays armed
// until the response body closes, so it also bounds stream reads.
func (r *Router) do(ctx context.Context, adapter Adapter, req *types.ChatRequest) (*http.Response, error) {
	timeout := r.timeouts[adapter.Name()]
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	resp, err := r.send(ctx, adapter, req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (r *Router) send(ctx context.Context, adapter Adapter, req *types.ChatRequest) (*http.Response, error) {
	httpReq, err := adapter.BuildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	breaker := r.breakers[adapter.Name()]
	if breaker == nil {
		return r.httpClient.Do(httpReq)
	}

	out, err := breaker.Execute(func() (any, error) {
		return r.httpClient.Do(httpReq)
	})
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

// cancelOnClose releases the per-call deadline when the response body is
// closed, whether by Complete after parsing or by the stream reader.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

func (r *Router) ensureUsage(req *types.ChatRequest, resp *types.ChatResponse) {
	if resp.Usage != nil {
		return
	}
	prompt := tokenizer.EstimatePrompt(req.Model, req)
	completion := tokenizer.EstimateCompletion(req.Model, resp, "")
	if prompt == 0 && completion == 0 {
		return
	}
	resp.Usage = &types.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Estimated:        true,
	}
}

func (r *Router) startSpan(ctx context.Context, adapter Adapter, req *types.ChatRequest) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "provider.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gen_ai.system", adapter.Name()),
			attribute.String("gen_ai.request.model", req.Model),
			attribute.Bool("gen_ai.request.stream", req.Stream),
		),
	)
}
