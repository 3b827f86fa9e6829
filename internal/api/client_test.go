package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL, 5*time.Second)
}

func TestLoginDecodesAuthResult(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/csrf":
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "csrf-1"})
		case "/auth/login":
			require.Equal(t, "csrf-1", r.Header.Get("X-CSRF-Token"))
			var req LoginRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, "a@b.c", req.Email)
			_ = json.NewEncoder(w).Encode(AuthResult{
				User:   &User{ID: "u1", Email: req.Email},
				Tokens: &TokenPair{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	res, err := c.Login(context.Background(), LoginRequest{Email: "a@b.c", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, "u1", res.User.ID)
	require.Equal(t, "at", res.Tokens.AccessToken)
}

func TestErrorEnvelopeMapping(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/csrf" {
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "x"})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(Error{Code: CodeInvalidCreds, Message: "bad credentials", Status: 401})
	})

	_, err := c.Login(context.Background(), LoginRequest{Email: "a@b.c", Password: "nope"})
	require.Error(t, err)
	require.True(t, IsAuth(err))
	require.False(t, IsNetwork(err))
	require.False(t, IsRateLimited(err))
}

func TestRateLimitedEnvelope(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/csrf" {
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "x"})
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(Error{Code: CodeRateLimited, Message: "slow down"})
	})
	err := c.Logout(context.Background(), "rt")
	require.True(t, IsRateLimited(err))
}

func TestCSRFRejectionRetriesExactlyOnce(t *testing.T) {
	var csrfIssued, loginCalls int64
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/csrf":
			n := atomic.AddInt64(&csrfIssued, 1)
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "csrf-" + string(rune('0'+n))})
		case "/auth/login":
			calls := atomic.AddInt64(&loginCalls, 1)
			if calls == 1 {
				// reject the first token to force a refetch
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(Error{Code: CodeCSRFInvalid, Message: "stale"})
				return
			}
			require.Equal(t, "csrf-2", r.Header.Get("X-CSRF-Token"))
			_ = json.NewEncoder(w).Encode(AuthResult{
				User:   &User{ID: "u1"},
				Tokens: &TokenPair{AccessToken: "at", RefreshToken: "rt"},
			})
		}
	})

	res, err := c.Login(context.Background(), LoginRequest{Email: "a@b.c", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, "u1", res.User.ID)
	require.EqualValues(t, 2, atomic.LoadInt64(&loginCalls))
	require.EqualValues(t, 2, atomic.LoadInt64(&csrfIssued))
}

func TestCSRFRejectionDoesNotLoop(t *testing.T) {
	var loginCalls int64
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/csrf":
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "t"})
		case "/auth/login":
			atomic.AddInt64(&loginCalls, 1)
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(Error{Code: CodeCSRFInvalid, Message: "always stale"})
		}
	})

	_, err := c.Login(context.Background(), LoginRequest{})
	require.Error(t, err)
	require.True(t, IsCSRFInvalid(err))
	require.EqualValues(t, 2, atomic.LoadInt64(&loginCalls), "one retry, never a loop")
}

func TestNetworkErrorWrapping(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 500*time.Millisecond)
	err := c.Health(context.Background())
	require.Error(t, err)
	require.True(t, IsNetwork(err))
}

func TestValidateSession(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/csrf":
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "x"})
		case "/sessions/validate":
			_ = json.NewEncoder(w).Encode(map[string]bool{"valid": true})
		}
	})
	valid, err := c.ValidateSession(context.Background(), "sess-1", "at")
	require.NoError(t, err)
	require.True(t, valid)
}

func TestHealth(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	require.NoError(t, c.Health(context.Background()))
}

func TestNonEnvelopeErrorSynthesized(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/csrf" {
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "x"})
			return
		}
		http.Error(w, "gateway blew up", http.StatusBadGateway)
	})
	err := c.Logout(context.Background(), "rt")
	var ae *Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, http.StatusBadGateway, ae.Status)
}
