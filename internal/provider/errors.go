package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies adapter failures by semantic kind rather than
// transport. The failover executor keys its retry policy off this.
type ErrorKind int

const (
	// KindTransport covers network errors, 5xx responses, and anything
	// unclassified. Retryable.
	KindTransport ErrorKind = iota
	// KindTimeout covers deadline expiry. Retryable.
	KindTimeout
	// KindRateLimit covers 429 and "rate limit" messages. Retryable, but
	// surfaced to the user.
	KindRateLimit
	// KindAuth covers 401/403 and CLI "not authenticated". Non-retryable.
	KindAuth
	// KindPayment covers 402 and exhausted-credit messages. Non-retryable,
	// surfaced to the user.
	KindPayment
	// KindBadInput covers malformed requests the caller must fix.
	KindBadInput
)

// String returns a human-readable kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindPayment:
		return "payment"
	case KindBadInput:
		return "bad_input"
	default:
		return "transport"
	}
}

// Retryable reports whether errors of this kind consume retry budget and
// allow further chain attempts under that budget.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindAuth, KindPayment, KindBadInput:
		return false
	default:
		return true
	}
}

// Notifiable reports whether errors of this kind warrant a user-visible
// notification. Transient network errors stay silent.
func (k ErrorKind) Notifiable() bool {
	return k == KindPayment || k == KindRateLimit
}

// Error is a typed adapter failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int // HTTP status, 0 when not applicable
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// newHTTPError builds a typed error from an HTTP response status and body.
func newHTTPError(providerID string, status int, body string) *Error {
	return &Error{
		Kind:     kindForStatus(status, body),
		Provider: providerID,
		Status:   status,
		Message:  truncate(body, 500),
	}
}

// kindForStatus maps an HTTP status (and response body heuristics) to a kind.
func kindForStatus(status int, body string) ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusPaymentRequired:
		return KindPayment
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusBadRequest:
		if looksLikePayment(body) {
			return KindPayment
		}
		return KindBadInput
	}
	if looksLikePayment(body) {
		return KindPayment
	}
	if looksLikeRateLimit(body) {
		return KindRateLimit
	}
	return KindTransport
}

func looksLikePayment(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "credits exhausted") ||
		strings.Contains(lower, "insufficient credits") ||
		strings.Contains(lower, "quota exceeded")
}

func looksLikeRateLimit(s string) bool {
	return strings.Contains(strings.ToLower(s), "rate limit")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// KindOf classifies any error into an ErrorKind. Typed *Error values keep
// their kind; context and message heuristics cover everything else.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindTransport
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not authenticated"):
		return KindAuth
	case looksLikePayment(msg):
		return KindPayment
	case looksLikeRateLimit(msg):
		return KindRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	default:
		return KindTransport
	}
}

// IsRetryable reports whether err should consume the shared retry budget.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
