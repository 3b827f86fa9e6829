package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes that client components react to by name.
const (
	CodeRateLimited  = "RATE_LIMIT_EXCEEDED"
	CodeCSRFInvalid  = "CSRF_TOKEN_INVALID"
	CodeInvalidCreds = "INVALID_CREDENTIALS"
	CodeSessionGone  = "SESSION_NOT_FOUND"
)

// Error is the backend's error envelope.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %s (%d): %s", e.Code, e.Status, e.Message)
}

// NetworkError wraps transport-level failures (no response, timeout). Never
// fatal by itself; callers retry with bounded backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("api: %s: network: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsAuth reports whether err is an authentication rejection (401 or invalid
// credentials).
func IsAuth(err error) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status == http.StatusUnauthorized || ae.Code == CodeInvalidCreds
}

// IsRateLimited reports whether the backend rejected the call for throttling.
func IsRateLimited(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && (ae.Code == CodeRateLimited || ae.Status == http.StatusTooManyRequests)
}

// IsCSRFInvalid reports whether the backend rejected the CSRF token.
func IsCSRFInvalid(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == CodeCSRFInvalid
}
