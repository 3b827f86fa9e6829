package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sessionkit/sessionkit/internal/device"
	"github.com/sessionkit/sessionkit/pkg/logger"
)

// Client talks to the remote auth backend. All methods take a context and
// return the backend's error envelope (*Error) on rejection or *NetworkError
// on transport failure.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter

	csrfMu    sync.Mutex
	csrfToken string
}

// NewClient creates a client for the given base URL. Outbound requests are
// paced by a token bucket so runaway timers can never storm the backend.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// # Auth flows

func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	var out AuthResult
	if err := c.post(ctx, "/auth/login", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	var out AuthResult
	if err := c.post(ctx, "/auth/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyTwoFactor(ctx context.Context, req TwoFactorRequest) (*AuthResult, error) {
	var out AuthResult
	if err := c.post(ctx, "/auth/verify-2fa", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyDevice(ctx context.Context, req DeviceVerificationRequest) (*AuthResult, error) {
	var out AuthResult
	if err := c.post(ctx, "/auth/verify-device", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string, dev *device.Info) (*AuthResult, error) {
	body := map[string]any{"refreshToken": refreshToken, "device": dev}
	var out AuthResult
	if err := c.post(ctx, "/auth/refresh", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.post(ctx, "/auth/logout", map[string]string{"refreshToken": refreshToken}, nil)
}

// # Session registry

func (c *Client) ValidateSession(ctx context.Context, sessionID, accessToken string) (bool, error) {
	body := map[string]string{"sessionId": sessionID, "accessToken": accessToken}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.post(ctx, "/sessions/validate", body, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (c *Client) ExtendSession(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/sessions/extend", map[string]string{"sessionId": sessionID}, nil)
}

func (c *Client) ForceLogout(ctx context.Context, sessionID, reason string) error {
	return c.post(ctx, "/sessions/force-logout", map[string]string{"sessionId": sessionID, "reason": reason}, nil)
}

func (c *Client) CheckTokenBlacklist(ctx context.Context, tokenHash string) (bool, error) {
	var out struct {
		Blacklisted bool `json:"blacklisted"`
	}
	if err := c.post(ctx, "/tokens/blacklist-check", map[string]string{"tokenHash": tokenHash}, &out); err != nil {
		return false, err
	}
	return out.Blacklisted, nil
}

func (c *Client) ReportSecurityIncident(ctx context.Context, report IncidentReport) error {
	return c.post(ctx, "/security/incidents", report, nil)
}

// Health probes backend reachability. Used by the connectivity watcher.
func (c *Client) Health(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: "health", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api: health returned %d", resp.StatusCode)
	}
	return nil
}

// # CSRF

// fetchCSRF retrieves a fresh CSRF token. The token lives only in client
// memory, never in durable storage.
func (c *Client) fetchCSRF(ctx context.Context) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/csrf", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &NetworkError{Op: "csrf", Err: err}
	}
	defer resp.Body.Close()
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("api: decode csrf response: %w", err)
	}
	return out.Token, nil
}

func (c *Client) csrf(ctx context.Context) (string, error) {
	c.csrfMu.Lock()
	defer c.csrfMu.Unlock()
	if c.csrfToken != "" {
		return c.csrfToken, nil
	}
	tok, err := c.fetchCSRF(ctx)
	if err != nil {
		return "", err
	}
	c.csrfToken = tok
	return tok, nil
}

func (c *Client) invalidateCSRF() {
	c.csrfMu.Lock()
	c.csrfToken = ""
	c.csrfMu.Unlock()
}

// # Transport

// post sends a JSON body and decodes a JSON response into out (out may be
// nil). A CSRF_TOKEN_INVALID rejection triggers exactly one
// re-fetch-and-retry; every other failure is returned to the caller.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	err := c.doPost(ctx, path, body, out)
	if err != nil && IsCSRFInvalid(err) {
		logger.Debugf("api: csrf token rejected on %s, refetching once", path)
		c.invalidateCSRF()
		err = c.doPost(ctx, path, body, out)
	}
	return err
}

func (c *Client) doPost(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("api: marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// mutating call: attach the CSRF token when one can be obtained; a
	// fetch failure is not fatal here, the server will reject if required
	if tok, cerr := c.csrf(ctx); cerr == nil && tok != "" {
		req.Header.Set("X-CSRF-Token", tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope Error
	if err := json.Unmarshal(b, &envelope); err != nil || envelope.Code == "" {
		// non-envelope error body, synthesize from status
		return &Error{Code: http.StatusText(resp.StatusCode), Message: string(b), Status: resp.StatusCode}
	}
	if envelope.Status == 0 {
		envelope.Status = resp.StatusCode
	}
	return &envelope
}
