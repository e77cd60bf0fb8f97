package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Sink delivers conversation records to the external collaborator.
type Sink interface {
	Emit(ctx context.Context, rec *ConversationRecord) error
	Shutdown(ctx context.Context) error
}

// HTTPSink POSTs each record to the collaborator endpoint.
type HTTPSink struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPSink creates a sink posting to endpoint.
func NewHTTPSink(endpoint string, timeout time.Duration) (*HTTPSink, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("telemetry: endpoint required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Emit delivers one record. Any failure is returned for logging; the
// caller never retries synchronously.
func (s *HTTPSink) Emit(ctx context.Context, rec *ConversationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("telemetry: marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telemetry: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry: emit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry: collaborator returned %d", resp.StatusCode)
	}
	return nil
}

// Shutdown is a no-op for the HTTP sink.
func (s *HTTPSink) Shutdown(context.Context) error {
	return nil
}
