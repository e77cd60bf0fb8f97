// Package httputil provides helpers for working with HTTP payloads safely.
package httputil

import (
	"errors"
	"io"
)

const (
	// DefaultMaxRequestBodyBytes caps inbound request bodies to 5MB.
	DefaultMaxRequestBodyBytes int64 = 5 * 1024 * 1024

	// DefaultMaxResponseBodyBytes caps upstream response bodies to 10MB.
	DefaultMaxResponseBodyBytes int64 = 10 * 1024 * 1024
)

var ErrBodyTooLarge = errors.New("http body exceeds size limit")

// ReadLimitedBody reads up to maxBytes from reader and returns
// ErrBodyTooLarge when the payload is larger. The truncated prefix is
// still returned so callers can log it.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:int(maxBytes)], ErrBodyTooLarge
	}
	return body, nil
}
