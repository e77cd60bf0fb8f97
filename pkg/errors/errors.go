// Package errors defines the unified error types for gateway operations.
// Provider-specific failures are normalized into these types before they
// reach plugins or clients, so onModelError handlers see one contract
// regardless of provider.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Stable error codes surfaced to clients and telemetry.
const (
	CodeValidation        = "validation_error"
	CodePlugin            = "plugin_error"
	CodeProvider          = "provider_error"
	CodeUnknownProvider   = "unknown_provider"
	CodePipelineAborted   = "pipeline_aborted"
	CodeReevaluationLimit = "reevaluation_limit_exceeded"
)

// GatewayError is the standardized error carried through the pipeline.
// It contains everything needed for error handling, logging, and the
// structured client response; internal causes stay in Cause and are never
// serialized to clients.
type GatewayError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Retryable  bool   `json:"-"`
	Cause      error  `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, status=%d)",
		e.Code, e.Message, e.Provider, e.Model, e.StatusCode)
}

// Unwrap exposes the internal cause for errors.Is/As.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// HTTPStatusCode returns the HTTP status to answer the client with.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// NewValidationError reports a malformed request, rejected before the
// beforeModel phase runs.
func NewValidationError(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Code:       CodeValidation,
		Message:    message,
	}
}

// NewPluginError reports a plugin handler failure. It is recorded as an
// ordinary phase result and does not by itself terminate the request.
func NewPluginError(pluginName string, cause error) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusInternalServerError,
		Code:       CodePlugin,
		Message:    fmt.Sprintf("plugin %s failed", pluginName),
		Cause:      cause,
	}
}

// NewProviderError wraps an upstream failure with an HTTP-equivalent status
// and the raw upstream error text.
func NewProviderError(statusCode int, provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: statusCode,
		Code:       CodeProvider,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  isRetryableStatus(statusCode),
	}
}

// NewUnknownProviderError reports a routing failure: no adapter is registered
// for the request's target model or provider.
func NewUnknownProviderError(target string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Code:       CodeUnknownProvider,
		Message:    fmt.Sprintf("no provider registered for %q", target),
	}
}

// NewPipelineAbortedError reports that a plugin explicitly terminated the
// request. The status code comes from the terminating plugin result.
func NewPipelineAbortedError(statusCode int, message string) *GatewayError {
	if statusCode <= 0 {
		statusCode = http.StatusInternalServerError
	}
	if message == "" {
		message = "request aborted by plugin"
	}
	return &GatewayError{
		StatusCode: statusCode,
		Code:       CodePipelineAborted,
		Message:    message,
	}
}

// NewReevaluationLimitError reports that the pipeline restart bound was hit.
func NewReevaluationLimitError(limit int) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusLoopDetected,
		Code:       CodeReevaluationLimit,
		Message:    fmt.Sprintf("request reevaluated more than %d times", limit),
	}
}

// AsGatewayError extracts a *GatewayError from err, wrapping unknown errors
// as internal provider failures so every error leaving the router is uniform.
func AsGatewayError(err error, provider, model string) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge
	}
	return &GatewayError{
		StatusCode: http.StatusBadGateway,
		Code:       CodeProvider,
		Message:    err.Error(),
		Provider:   provider,
		Model:      model,
		Retryable:  true,
		Cause:      err,
	}
}

// IsRetryable reports whether the error is safe to retry against another
// deployment.
func IsRetryable(err error) bool {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return statusCode >= 500
}
