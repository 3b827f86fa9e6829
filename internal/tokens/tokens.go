package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/sessionkit/sessionkit/internal/api"
	"github.com/sessionkit/sessionkit/internal/config"
	"github.com/sessionkit/sessionkit/internal/device"
	"github.com/sessionkit/sessionkit/internal/storage"
	"github.com/sessionkit/sessionkit/pkg/logger"
	"github.com/sessionkit/sessionkit/pkg/metrics"
)

// Event topics published on the shared bus.
const (
	TopicRefreshed     = "token.refreshed"      // payload *api.TokenPair
	TopicRefreshFailed = "token.refresh_failed" // payload error
)

// retryInterval spaces out scheduler-driven retries after a failed background
// refresh. Failures are never retried immediately.
const retryInterval = 30 * time.Second

// RefreshAPI is the slice of the backend client the manager depends on.
type RefreshAPI interface {
	RefreshToken(ctx context.Context, refreshToken string, dev *device.Info) (*api.AuthResult, error)
	CheckTokenBlacklist(ctx context.Context, tokenHash string) (bool, error)
}

// DeviceSource supplies the device identity attached to refresh calls.
type DeviceSource interface {
	Get() *device.Info
}

// Publisher is the event-bus surface the manager publishes on.
type Publisher interface {
	Publish(topic string, payload any)
}

// Manager owns the access/refresh token pair: encrypted persistence, expiry
// decoding with a bounded cache, blacklist checks, and coalesced refresh with
// a scheduled background refresh at a fraction of remaining lifetime.
type Manager struct {
	cfg       config.TokensConfig
	store     storage.Store
	backend   RefreshAPI
	devices   DeviceSource
	bus       Publisher
	blacklist *Blacklist
	now       func() time.Time

	mu           sync.Mutex
	current      *api.TokenPair
	refreshTimer *time.Timer

	group singleflight.Group

	cacheMu     sync.Mutex
	decodeCache map[string]decodeEntry
}

type decodeEntry struct {
	expiresAt time.Time
	malformed bool
	cachedAt  time.Time
}

// NewManager restores any persisted token pair and schedules its refresh.
func NewManager(cfg config.TokensConfig, store storage.Store, backend RefreshAPI, devices DeviceSource, bus Publisher, blacklist *Blacklist) *Manager {
	m := &Manager{
		cfg:         cfg,
		store:       store,
		backend:     backend,
		devices:     devices,
		bus:         bus,
		blacklist:   blacklist,
		now:         time.Now,
		decodeCache: make(map[string]decodeEntry),
	}
	m.restore()
	return m
}

func (m *Manager) restore() {
	b, err := m.store.Get(storage.KeyTokens)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warnf("tokens: restore failed: %v", err)
		}
		return
	}
	var t api.TokenPair
	if err := json.Unmarshal(b, &t); err != nil {
		logger.Warnf("tokens: persisted pair unreadable, discarding")
		_ = m.store.Delete(storage.KeyTokens)
		return
	}
	m.mu.Lock()
	m.current = &t
	m.scheduleRefreshLocked()
	m.mu.Unlock()
}

// SetTokens persists the pair, cancels any previously scheduled refresh,
// schedules the next one at the configured fraction of remaining lifetime,
// and announces the rotation.
func (m *Manager) SetTokens(t *api.TokenPair) error {
	if t == nil || t.AccessToken == "" {
		return fmt.Errorf("tokens: refusing to store empty pair")
	}
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("tokens: marshal pair: %w", err)
	}
	if err := m.store.Set(storage.KeyTokens, b); err != nil {
		return fmt.Errorf("tokens: persist pair: %w", err)
	}
	m.mu.Lock()
	cp := *t
	m.current = &cp
	m.scheduleRefreshLocked()
	m.mu.Unlock()
	m.bus.Publish(TopicRefreshed, t)
	return nil
}

// AccessToken returns the current access token or "". Never errors.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.AccessToken
}

// RefreshTokenValue returns the current refresh token or "". Never errors.
func (m *Manager) RefreshTokenValue() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.RefreshToken
}

// Current returns a copy of the stored pair, or nil.
func (m *Manager) Current() *api.TokenPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}

// IsExpired decodes the token's exp claim against the local clock. Malformed
// tokens count as expired. Decodes are cached per token hash for a bounded
// TTL.
func (m *Manager) IsExpired(token string) bool {
	exp, malformed := m.expiry(token)
	if malformed {
		return true
	}
	return m.now().Add(m.cfg.ExpirySkew).After(exp)
}

// IsExpiringSoon reports whether the token expires within threshold.
func (m *Manager) IsExpiringSoon(token string, threshold time.Duration) bool {
	exp, malformed := m.expiry(token)
	if malformed {
		return true
	}
	return m.now().Add(threshold).After(exp)
}

func (m *Manager) expiry(token string) (time.Time, bool) {
	h := Hash(token)
	m.cacheMu.Lock()
	if e, ok := m.decodeCache[h]; ok && m.now().Sub(e.cachedAt) < m.cfg.DecodeCacheTTL {
		m.cacheMu.Unlock()
		return e.expiresAt, e.malformed
	}
	m.cacheMu.Unlock()

	entry := decodeEntry{cachedAt: m.now()}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		entry.malformed = true
	} else if exp, err := claims.GetExpirationTime(); err != nil || exp == nil {
		entry.malformed = true
	} else {
		entry.expiresAt = exp.Time
	}

	m.cacheMu.Lock()
	for k, e := range m.decodeCache {
		if m.now().Sub(e.cachedAt) >= m.cfg.DecodeCacheTTL {
			delete(m.decodeCache, k)
		}
	}
	m.decodeCache[h] = entry
	m.cacheMu.Unlock()
	return entry.expiresAt, entry.malformed
}

// Refresh exchanges the refresh token for a new pair. Concurrent callers are
// coalesced onto a single in-flight exchange and share its result; on failure
// the stored pair is left untouched and (false, err) is returned so the
// caller decides whether to log out.
func (m *Manager) Refresh(ctx context.Context) (bool, error) {
	refresh := m.RefreshTokenValue()
	if refresh == "" {
		return false, fmt.Errorf("tokens: no refresh token")
	}

	v, err, shared := m.group.Do("refresh", func() (any, error) {
		result, err := m.backend.RefreshToken(ctx, refresh, m.devices.Get())
		if err != nil {
			metrics.TokenRefresh.WithLabelValues("failed").Inc()
			return nil, err
		}
		if result.Tokens == nil {
			metrics.TokenRefresh.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("tokens: refresh response missing tokens")
		}
		if err := m.SetTokens(result.Tokens); err != nil {
			return nil, err
		}
		metrics.TokenRefresh.WithLabelValues("ok").Inc()
		return result.Tokens, nil
	})
	if shared {
		metrics.TokenRefresh.WithLabelValues("coalesced").Inc()
	}
	if err != nil {
		return false, err
	}
	_ = v
	return true, nil
}

// scheduleRefreshLocked arms the background refresh timer at the configured
// fraction of the pair's remaining lifetime. Callers hold m.mu.
func (m *Manager) scheduleRefreshLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.current == nil || m.current.ExpiresAt.IsZero() {
		return
	}
	remaining := m.current.ExpiresAt.Sub(m.now())
	if remaining <= 0 {
		return
	}
	delay := time.Duration(float64(remaining) * m.cfg.RefreshAtFraction)
	m.refreshTimer = time.AfterFunc(delay, m.backgroundRefresh)
	logger.Debugf("tokens: refresh scheduled in %s", delay.Round(time.Second))
}

func (m *Manager) backgroundRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ok, err := m.Refresh(ctx)
	if ok {
		return
	}
	if api.IsNetwork(err) {
		// transient: let the scheduler try again later, never a tight loop
		logger.Warnf("tokens: background refresh unreachable, retrying in %s: %v", retryInterval, err)
		m.mu.Lock()
		if m.current != nil {
			m.refreshTimer = time.AfterFunc(retryInterval, m.backgroundRefresh)
		}
		m.mu.Unlock()
		return
	}
	logger.Errorf("tokens: background refresh rejected: %v", err)
	m.bus.Publish(TopicRefreshFailed, err)
}

// Blacklisted checks the local permanent set first, then the shared store,
// then the backend. A confirmed positive is cached for the process lifetime.
func (m *Manager) Blacklisted(ctx context.Context, token string) bool {
	return m.blacklist.Contains(ctx, token)
}

// BlacklistCurrent revokes the current access token for the remainder of its
// lifetime. Called on logout so the token dies before its exp claim does.
func (m *Manager) BlacklistCurrent(ctx context.Context) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil || current.AccessToken == "" {
		return
	}
	ttl := current.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		return
	}
	if err := m.blacklist.Add(ctx, current.AccessToken, ttl); err != nil {
		logger.Warnf("tokens: blacklist on logout failed: %v", err)
	}
}

// Clear wipes the stored pair and cancels the scheduled refresh. Used on
// logout and forced termination.
func (m *Manager) Clear() error {
	m.mu.Lock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.current = nil
	m.mu.Unlock()
	if err := m.store.Delete(storage.KeyTokens); err != nil {
		return fmt.Errorf("tokens: clear: %w", err)
	}
	return nil
}

// Stop cancels the background timer without touching storage.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.mu.Unlock()
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Hash returns a stable short digest of a token, used as a cache and
// blacklist key so raw tokens never appear in shared stores or logs.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}
