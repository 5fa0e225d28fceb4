package llm

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/helixir/literature-pipeline/internal/httpclient"
)

// APIError represents a failed call to the model backend.
type APIError struct {
	// Operation is the backend call that failed (generate, embeddings, pull).
	Operation string
	// StatusCode is the HTTP status code returned by the backend, or 0 when no
	// response was received.
	StatusCode int
	// Message is the error message from the backend.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("ollama %s: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("ollama %s: API error (status %d): %s", e.Operation, e.StatusCode, e.Message)
}

// IsTransient returns true if the error may succeed on retry: rate limiting (429),
// server errors (5xx) and transport errors (StatusCode 0).
func (e *APIError) IsTransient() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// errorType classifies an attempt failure for metrics.
func errorType(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 0 {
			return "transport"
		}
		return "status"
	}
	var syntaxErr *malformedError
	if errors.As(err, &syntaxErr) {
		return "malformed"
	}
	return "other"
}

// malformedError reports a response body the adapter could not interpret.
type malformedError struct {
	cause error
}

func (e *malformedError) Error() string {
	return "malformed model response: " + e.cause.Error()
}

func (e *malformedError) Unwrap() error {
	return e.cause
}

// toAPIError converts an httpclient failure into an APIError.
func toAPIError(operation string, err error) *APIError {
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		return &APIError{Operation: operation, StatusCode: se.StatusCode, Message: se.Body}
	}
	return &APIError{Operation: operation, Message: err.Error()}
}
