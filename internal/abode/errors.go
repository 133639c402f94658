package abode

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the client. Callers match with errors.Is.
var (
	// ErrAuthentication indicates bad credentials or a session that could
	// not be renewed. Not retried automatically.
	ErrAuthentication = errors.New("authentication failed")

	// ErrMFARequired indicates the account requires multi-factor auth,
	// which this client does not support interactively.
	ErrMFARequired = errors.New("multi-factor authentication required")

	// ErrSessionExpired signals a rejected session token. It is handled
	// internally by the relogin-and-retry policy and only escapes as
	// ErrAuthentication when the retry also fails.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidAlarmMode indicates a mode outside away/home/standby.
	ErrInvalidAlarmMode = errors.New("invalid alarm mode")

	// ErrMissingTimelineID indicates an acknowledge/dismiss call without
	// a timeline event id.
	ErrMissingTimelineID = errors.New("missing timeline event id")
)

// APIError is a non-2xx HTTP response from the Abode API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("abode api error: status %d: %s", e.StatusCode, e.Message)
}

// ServiceUnavailable reports whether the error represents a transient
// server-side condition worth retrying.
func (e *APIError) ServiceUnavailable() bool {
	return e.StatusCode >= 500
}

// RateLimitError is returned on HTTP 429. RetryAfter is zero when the
// server did not provide a Retry-After header.
type RateLimitError struct {
	APIError
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("abode rate limited: retry after %s: %s", e.RetryAfter, e.Message)
}

// retryable reports whether a request error is eligible for the bounded
// retry policy: network-level failures, timeouts, and 5xx responses.
// Authentication and client errors are surfaced immediately.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrMFARequired) || errors.Is(err, ErrSessionExpired) {
		return false
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ServiceUnavailable()
	}

	// Anything else coming out of the HTTP layer is a network-level
	// failure (DNS, refused, reset, deadline).
	return true
}
