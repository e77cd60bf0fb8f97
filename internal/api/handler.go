// Package api is the HTTP edge: request decoding and validation, the chat
// completions endpoint, and operational routes. It stays thin; all request
// semantics live in the pipeline.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gwerrors "github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/internal/httputil"
	"github.com/gantry-llm/gantry/internal/metrics"
	"github.com/gantry-llm/gantry/internal/observability"
	"github.com/gantry-llm/gantry/internal/pipeline"
	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/internal/streaming"
	"github.com/gantry-llm/gantry/pkg/types"
)

// Handler serves the gateway's HTTP surface.
type Handler struct {
	orch         *pipeline.Orchestrator
	logger       *slog.Logger
	maxBodyBytes int64
}

// NewHandler creates the HTTP handler.
func NewHandler(orch *pipeline.Orchestrator, logger *slog.Logger, maxBodyBytes int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = httputil.DefaultMaxRequestBodyBytes
	}
	return &Handler{orch: orch, logger: logger, maxBodyBytes: maxBodyBytes}
}

// Routes builds the route table.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", h.ChatCompletions)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.Healthz)
	return mux
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// ChatCompletions decodes, validates, and runs one request through the
// pipeline. Validation failures reject with 400 before any plugin runs.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req, verr := h.decodeRequest(r)
	if verr != nil {
		writeError(w, verr)
		metrics.RequestsTotal.WithLabelValues("invalid", "", "400").Inc()
		return
	}

	rc := plugin.NewRequestContext(req)
	rc.Path = r.URL.Path
	rc.Method = r.Method
	rc.Headers = r.Header

	ctx := observability.WithRequestID(r.Context(), rc.RequestID)
	logger := observability.RequestLogger(ctx, h.logger)
	w.Header().Set("X-Request-Id", rc.RequestID)

	if req.Stream {
		h.serveStream(ctx, w, rc, logger)
	} else {
		h.serveCompletion(ctx, w, rc, logger)
	}

	metrics.RequestLatency.WithLabelValues(req.Model, req.Provider).Observe(time.Since(start).Seconds())
}

func (h *Handler) decodeRequest(r *http.Request) (*types.ChatRequest, *gwerrors.GatewayError) {
	body, err := httputil.ReadLimitedBody(r.Body, h.maxBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			return nil, gwerrors.NewValidationError("request body too large")
		}
		return nil, gwerrors.NewValidationError("unable to read request body")
	}

	var req types.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, gwerrors.NewValidationError("malformed JSON body")
	}

	if req.Model == "" {
		return nil, gwerrors.NewValidationError("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, gwerrors.NewValidationError("messages must not be empty")
	}
	for i, msg := range req.Messages {
		if msg.Role == "" {
			return nil, gwerrors.NewValidationError(fmt.Sprintf("messages[%d].role is required", i))
		}
	}
	return &req, nil
}

func (h *Handler) serveCompletion(ctx context.Context, w http.ResponseWriter, rc *plugin.RequestContext, logger *slog.Logger) {
	resp, err := h.orch.Execute(ctx, rc)
	if err != nil {
		ge := gwerrors.AsGatewayError(err, rc.Request.Provider, rc.Request.Model)
		logger.Warn("request failed", "code", ge.Code, "status", ge.HTTPStatusCode())
		writeError(w, ge)
		metrics.RequestsTotal.WithLabelValues(rc.Request.Model, rc.Request.Provider, itoa(ge.HTTPStatusCode())).Inc()
		return
	}

	writeJSON(w, http.StatusOK, resp)
	metrics.RequestsTotal.WithLabelValues(rc.Request.Model, rc.Request.Provider, "200").Inc()
	if resp.Usage != nil {
		metrics.InputTokens.WithLabelValues(rc.Request.Model, rc.Request.Provider).Add(float64(resp.Usage.PromptTokens))
		metrics.OutputTokens.WithLabelValues(rc.Request.Model, rc.Request.Provider).Add(float64(resp.Usage.CompletionTokens))
	}
}

func (h *Handler) serveStream(ctx context.Context, w http.ResponseWriter, rc *plugin.RequestContext, logger *slog.Logger) {
	writer, err := streaming.NewWriter(w)
	if err != nil {
		writeError(w, gwerrors.NewValidationError("streaming unsupported by connection"))
		return
	}

	streamErr := h.orch.ExecuteStream(ctx, rc, writer)
	switch {
	case streamErr == nil:
		writer.Done()
		metrics.RequestsTotal.WithLabelValues(rc.Request.Model, rc.Request.Provider, "200").Inc()

	case errors.Is(streamErr, context.Canceled):
		logger.Debug("client disconnected mid-stream")

	default:
		ge := gwerrors.AsGatewayError(streamErr, rc.Request.Provider, rc.Request.Model)
		logger.Warn("stream failed", "code", ge.Code, "status", ge.HTTPStatusCode())
		metrics.RequestsTotal.WithLabelValues(rc.Request.Model, rc.Request.Provider, itoa(ge.HTTPStatusCode())).Inc()
		if writer.Started() {
			// Headers are committed; the error travels in-band.
			writer.WriteError(errorBody(ge))
			writer.Done()
		} else {
			writeError(w, ge)
		}
	}
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
