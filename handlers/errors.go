package handlers

import (
	"errors"
	"net/http"

	"github.com/sessionkit/sessionkit/internal/api"
	"github.com/sessionkit/sessionkit/internal/security"
)

// authStatus maps upstream auth errors onto control-API status codes.
func authStatus(err error) int {
	switch {
	case errors.Is(err, security.ErrRateLimited), api.IsRateLimited(err):
		return http.StatusTooManyRequests
	case api.IsAuth(err):
		return http.StatusUnauthorized
	case api.IsNetwork(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
