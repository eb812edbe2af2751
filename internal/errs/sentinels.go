// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Pipeline sentinels; callers match them with errors.Is.
var (
	// ErrNetworkUnavailable indicates a transport-level failure (no response obtained).
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrUnauthorized indicates a 401 from the backend.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates a 403 from the backend.
	ErrForbidden = errors.New("forbidden")

	// ErrRefreshExhausted indicates the refresh was attempted and failed, or no refresh token existed.
	ErrRefreshExhausted = errors.New("refresh exhausted")

	// ErrValidationRejected indicates a 400-class rejection with field-level detail.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrServerFault indicates a 5xx from the backend.
	ErrServerFault = errors.New("server fault")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited indicates the backend throttled the caller (429).
	ErrRateLimited = errors.New("rate limited")

	// ErrSessionExpired indicates the session was torn down and re-authentication is required.
	ErrSessionExpired = errors.New("session expired")
)

// APIError is a non-2xx backend response mapped onto the sentinels above.
type APIError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// Unwrap returns the sentinel matching the status class.
func (e *APIError) Unwrap() error { return KindOf(e.Status) }

// KindOf maps an HTTP status to its sentinel; nil for statuses without one.
func KindOf(status int) error {
	switch {
	case status == 0:
		return ErrNetworkUnavailable
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity, status == http.StatusConflict:
		return ErrValidationRejected
	case status >= 500:
		return ErrServerFault
	}
	return nil
}
