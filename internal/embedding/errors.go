package embedding

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType classifies an embedding call failure so callers (and the
// indexing pipeline in particular) can decide whether a retry or a
// resumable pause is appropriate.
type ErrorType string

const (
	ErrorNetwork        ErrorType = "network"
	ErrorRateLimit      ErrorType = "rate_limit"
	ErrorAuth           ErrorType = "auth"
	ErrorInvalidRequest ErrorType = "invalid_request"
	ErrorServer         ErrorType = "server"
	ErrorConfig         ErrorType = "config"
	ErrorUnknown        ErrorType = "unknown"
)

// Error is the typed error raised once all retries for a batch are
// exhausted. Message is a diagnostic detail; UserMessage is safe to show
// directly to an end user.
type Error struct {
	Type        ErrorType
	Retryable   bool
	Message     string
	UserMessage string
}

func (e *Error) Error() string {
	return fmt.Sprintf("embedding: %s: %s", e.Type, e.Message)
}

// retryableFor reports whether t is an error type the caller may retry.
func retryableFor(t ErrorType) bool {
	switch t {
	case ErrorNetwork, ErrorRateLimit, ErrorServer, ErrorUnknown:
		return true
	default:
		return false
	}
}

func newError(t ErrorType, message string) *Error {
	return &Error{
		Type:        t,
		Retryable:   retryableFor(t),
		Message:     message,
		UserMessage: userMessageFor(t),
	}
}

func userMessageFor(t ErrorType) string {
	switch t {
	case ErrorNetwork:
		return "Could not reach the embedding provider. Check your network connection."
	case ErrorRateLimit:
		return "The embedding provider is rate-limiting requests. Try again shortly."
	case ErrorAuth:
		return "The embedding API key was rejected."
	case ErrorInvalidRequest:
		return "The embedding request was malformed."
	case ErrorServer:
		return "The embedding provider reported a server error."
	case ErrorConfig:
		return "The embedding client is not fully configured."
	default:
		return "The embedding request failed for an unknown reason."
	}
}

// classifyTransport classifies a transport-level failure (the request
// never produced an HTTP response).
func classifyTransport(err error) *Error {
	return newError(ErrorNetwork, err.Error())
}

// classifyStatus classifies an HTTP response by status code, falling back
// to the provider's error message body when present.
func classifyStatus(statusCode int, body string) *Error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return newError(ErrorRateLimit, truncate(body))
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return newError(ErrorAuth, truncate(body))
	case statusCode == http.StatusBadRequest:
		return newError(ErrorInvalidRequest, truncate(body))
	case statusCode >= 500:
		return newError(ErrorServer, truncate(body))
	case statusCode >= 400:
		return newError(ErrorInvalidRequest, truncate(body))
	default:
		return newError(ErrorUnknown, truncate(body))
	}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	const max = 500
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// AsError unwraps err into an *Error if possible.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
