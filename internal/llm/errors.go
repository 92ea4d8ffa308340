package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the chat-completions API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: api error (status %d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if retried.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsRetryable reports whether err is worth retrying. Network-level errors
// (no APIError in the chain) are treated as retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
