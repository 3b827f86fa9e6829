package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/sessionkit/sessionkit/internal/api"
	"github.com/sessionkit/sessionkit/internal/config"
	"github.com/sessionkit/sessionkit/internal/crosstab"
	"github.com/sessionkit/sessionkit/internal/device"
	"github.com/sessionkit/sessionkit/internal/registry"
	"github.com/sessionkit/sessionkit/internal/security"
	"github.com/sessionkit/sessionkit/internal/storage"
	"github.com/sessionkit/sessionkit/pkg/logger"
	"github.com/sessionkit/sessionkit/pkg/metrics"
)

// Event topics published on the shared bus.
const (
	TopicStateChanged = "session.state_changed" // payload State
	TopicAlert        = "session.alert"         // payload Alert
	TopicTerminated   = "session.terminated"    // payload Reason
)

// silentExtendInterval spaces out proactive token refreshes triggered by the
// inactivity check.
const silentExtendInterval = 5 * time.Minute

// TokenSource is the slice of the token manager the machine drives.
type TokenSource interface {
	AccessToken() string
	IsExpired(token string) bool
	Refresh(ctx context.Context) (bool, error)
}

// SecuritySource exposes the current security context for recovery checks.
type SecuritySource interface {
	Get() *security.Context
}

// Broadcaster publishes peer messages. Best effort.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg crosstab.Message)
}

// RegistryAPI is the backend surface used for validation and extension.
type RegistryAPI interface {
	ValidateSession(ctx context.Context, sessionID, accessToken string) (bool, error)
	ExtendSession(ctx context.Context, sessionID string) error
}

// DeviceSource supplies the device identity for recovery checks.
type DeviceSource interface {
	Get() *device.Info
}

// Publisher is the event-bus surface the machine publishes on.
type Publisher interface {
	Publish(topic string, payload any)
}

type validationEntry struct {
	result bool
	at     time.Time
}

// Machine owns the session: identity, activity tracking, inactivity timeout,
// expiry warnings, recovery, and teardown. All timers started here are
// guaranteed to stop on every exit path, including error paths.
type Machine struct {
	cfg      config.SessionConfig
	cacheTTL time.Duration
	store    storage.Store
	tokens   TokenSource
	sec      SecuritySource
	peers    Broadcaster
	repo     registry.Repository
	backend  RegistryAPI
	devices  DeviceSource
	bus      Publisher
	now      func() time.Time

	mu                sync.Mutex
	sess              *Session
	stop              chan struct{}
	suspended         bool // offline: server-dependent validation paused
	lastPersisted     time.Time
	lastBroadcast     time.Time
	lastSilentExtend  time.Time
	alertLevel        string
	recoveryFailures  int
	validation        validationEntry
	lifecycleCounters Metrics

	group singleflight.Group
}

func NewMachine(
	cfg config.SessionConfig,
	cacheTTL time.Duration,
	store storage.Store,
	tokens TokenSource,
	sec SecuritySource,
	peers Broadcaster,
	repo registry.Repository,
	backend RegistryAPI,
	devices DeviceSource,
	bus Publisher,
) *Machine {
	return &Machine{
		cfg:      cfg,
		cacheTTL: cacheTTL,
		store:    store,
		tokens:   tokens,
		sec:      sec,
		peers:    peers,
		repo:     repo,
		backend:  backend,
		devices:  devices,
		bus:      bus,
		now:      time.Now,
	}
}

// Initialize transitions uninitialized → active: generates the session ID,
// persists the record, registers it, and starts the periodic checks.
func (m *Machine) Initialize(user *api.User, dev *device.Info, expiresAt time.Time) (*Session, error) {
	m.mu.Lock()
	if m.sess != nil && m.sess.State != StateTerminated {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: already initialized (state %s)", m.sess.State)
	}
	now := m.now()
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		StartTime:    now,
		LastActivity: now,
		ExpiresAt:    expiresAt,
		Fingerprint:  dev.Fingerprint,
		State:        StateActive,
		Metadata:     map[string]string{},
	}
	m.sess = s
	m.recoveryFailures = 0
	m.validation = validationEntry{}
	m.alertLevel = ""
	m.persistLocked()
	m.startChecksLocked()
	cp := *s
	m.mu.Unlock()

	metrics.SessionTransitions.WithLabelValues(string(StateActive)).Inc()
	m.bus.Publish(TopicStateChanged, StateActive)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.repo.Put(ctx, &registry.Record{
		SessionID:   s.ID,
		UserID:      s.UserID,
		Fingerprint: s.Fingerprint,
		StartedAt:   s.StartTime,
		LastSeen:    s.LastActivity,
		ExpiresAt:   s.ExpiresAt,
	}); err != nil {
		// registration is best effort, the server registry is authoritative
		logger.Warnf("session: registry put failed: %v", err)
	}
	return &cp, nil
}

// Restore loads a persisted session after a process restart and runs the
// recovery sequence against it. Returns the restored session, or nil when no
// usable record exists. A record that already exceeded its inactivity window
// or expiry is discarded rather than recovered.
func (m *Machine) Restore(ctx context.Context) (*Session, error) {
	b, err := m.store.Get(storage.KeySession)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: load persisted record: %w", err)
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("session: decode persisted record: %w", err)
	}
	now := m.now()
	if s.State == StateTerminated ||
		now.Sub(s.LastActivity) >= m.cfg.InactiveTimeout ||
		(!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)) {
		if err := m.store.Delete(storage.KeySession); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Debugf("session: drop stale record: %v", err)
		}
		return nil, nil
	}

	m.mu.Lock()
	if m.sess != nil && m.sess.State != StateTerminated {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: already initialized (state %s)", m.sess.State)
	}
	s.State = StateActive
	m.sess = &s
	m.recoveryFailures = 0
	m.validation = validationEntry{}
	m.alertLevel = ""
	m.startChecksLocked()
	m.mu.Unlock()

	if !m.Recover(ctx) {
		// leave the machine uninitialized so a subsequent login can proceed;
		// the persisted record stays for the next startup attempt
		m.mu.Lock()
		if m.sess != nil && m.sess.State != StateTerminated {
			m.stopChecksLocked()
			m.sess = nil
			m.validation = validationEntry{}
		}
		m.mu.Unlock()
		return nil, errors.New("session: restored record failed recovery")
	}
	cp := *m.Current()
	return &cp, nil
}

// Current returns a copy of the session, or nil before initialization.
func (m *Machine) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	cp := *m.sess
	return &cp
}

// StateNow returns the current state.
func (m *Machine) StateNow() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StateUninitialized
	}
	return m.sess.State
}

// RecordActivity updates lastActivity. Monotonic: an update older than the
// stored value is discarded. Persists and broadcasts only when the configured
// throttle has elapsed, bounding write volume.
func (m *Machine) RecordActivity(at time.Time) {
	m.mu.Lock()
	if m.sess == nil || m.sess.State == StateTerminated {
		m.mu.Unlock()
		return
	}
	if !at.After(m.sess.LastActivity) {
		m.mu.Unlock()
		return
	}
	m.sess.LastActivity = at
	persist := at.Sub(m.lastPersisted) >= m.cfg.ActivityThrottle
	if persist {
		m.lastPersisted = at
		m.persistLocked()
	}
	broadcast := at.Sub(m.lastBroadcast) >= m.cfg.ActivityThrottle
	var id string
	if broadcast {
		m.lastBroadcast = at
		id = m.sess.ID
	}
	m.mu.Unlock()

	if broadcast {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.peers.Broadcast(ctx, crosstab.Message{Type: crosstab.SessionActivityUpdate, SessionID: id, Activity: at})
	}
}

// Extend moves the expiry forward after a successful server-side extension.
func (m *Machine) Extend(newExpiry time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State == StateTerminated {
		return
	}
	m.sess.ExpiresAt = newExpiry
	m.alertLevel = ""
	if m.sess.State == StateExpiring {
		m.setStateLocked(StateActive)
	}
	m.persistLocked()
}

// MarkOffline transitions to offline and suspends server-dependent checks.
func (m *Machine) MarkOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State == StateTerminated {
		return
	}
	m.suspended = true
	m.setStateLocked(StateOffline)
	m.persistLocked()
}

// Resume transitions offline → active after reconnect revalidation.
func (m *Machine) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State != StateOffline {
		return
	}
	m.suspended = false
	m.setStateLocked(StateActive)
	m.persistLocked()
}

// # Validation

// Valid reports whether the session is currently valid. With useCached=true a
// stale cache entry is answered optimistically (last known good) while a
// background revalidation refreshes it. The inactivity invariant is always checked
// locally first and is never optimistic.
func (m *Machine) Valid(ctx context.Context, useCached bool) bool {
	m.mu.Lock()
	if m.sess == nil || m.sess.State == StateTerminated {
		m.mu.Unlock()
		return false
	}
	if m.now().Sub(m.sess.LastActivity) >= m.cfg.InactiveTimeout {
		m.mu.Unlock()
		return false
	}
	entry := m.validation
	suspended := m.suspended
	m.mu.Unlock()

	fresh := !entry.at.IsZero() && m.now().Sub(entry.at) < m.cacheTTL
	if fresh {
		return entry.result
	}
	if suspended {
		// offline: cached authorization continues within the grace period,
		// which the offline coordinator enforces
		return true
	}
	if useCached {
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			m.revalidate(bg)
		}()
		if entry.at.IsZero() {
			return true
		}
		return entry.result
	}
	return m.revalidate(ctx)
}

// revalidate recomputes validity: token state first, then the server.
// Serialized so overlapping callers share one round trip. A rejected
// revalidation hands off to the bounded recovery sequence; the session is
// valid again only if recovery succeeds.
func (m *Machine) revalidate(ctx context.Context) bool {
	v, _, _ := m.group.Do("revalidate", func() (any, error) {
		result := m.revalidateOnce(ctx)
		m.mu.Lock()
		prev := m.validation
		m.validation = validationEntry{result: result, at: m.now()}
		m.mu.Unlock()
		if !prev.at.IsZero() && prev.result != result {
			m.bus.Publish(TopicStateChanged, m.StateNow())
		}
		return result, nil
	})
	if v.(bool) {
		return true
	}
	m.mu.Lock()
	suspended := m.suspended
	m.mu.Unlock()
	if suspended {
		// offline rejections are the coordinator's to resolve on reconnect
		return false
	}
	return m.Recover(ctx)
}

func (m *Machine) revalidateOnce(ctx context.Context) bool {
	access := m.tokens.AccessToken()
	if access == "" {
		return false
	}
	if m.tokens.IsExpired(access) {
		ok, err := m.tokens.Refresh(ctx)
		if !ok {
			logger.Warnf("session: revalidation refresh failed: %v", err)
			return false
		}
		access = m.tokens.AccessToken()
	}
	sess := m.Current()
	if sess == nil {
		return false
	}
	valid, err := m.backend.ValidateSession(ctx, sess.ID, access)
	if err != nil {
		if api.IsNetwork(err) {
			// server unreachable: degrade to the token-level result rather
			// than invalidating a session the server never rejected
			logger.Warnf("session: validation unreachable, keeping cached result")
			return true
		}
		logger.Warnf("session: validation rejected: %v", err)
		return false
	}
	return valid
}

// # Recovery

// Recover runs the bounded recovery sequence. Concurrent calls are coalesced
// onto one attempt. Reaching the attempt cap terminates the session with
// reason FORCED regardless of further retries.
func (m *Machine) Recover(ctx context.Context) bool {
	v, _, _ := m.group.Do("recover", func() (any, error) {
		return m.recoverOnce(ctx), nil
	})
	return v.(bool)
}

func (m *Machine) recoverOnce(ctx context.Context) bool {
	m.mu.Lock()
	if m.sess == nil || m.sess.State == StateTerminated {
		m.mu.Unlock()
		return false
	}
	if m.recoveryFailures >= m.cfg.MaxRecoveryAttempts {
		m.mu.Unlock()
		m.terminate(ReasonForced)
		return false
	}
	prior := m.sess.State
	m.setStateLocked(StateRecovering)
	fingerprint := m.sess.Fingerprint
	m.mu.Unlock()

	err := m.recoverySteps(ctx, fingerprint)
	if err == nil {
		m.mu.Lock()
		m.recoveryFailures = 0
		m.lifecycleCounters.Recoveries++
		m.validation = validationEntry{result: true, at: m.now()}
		m.setStateLocked(StateActive)
		m.persistLocked()
		m.mu.Unlock()
		m.persistMetrics()
		return true
	}

	logger.Warnf("session: recovery attempt failed: %v", err)
	m.mu.Lock()
	m.recoveryFailures++
	exhausted := m.recoveryFailures >= m.cfg.MaxRecoveryAttempts
	if !exhausted {
		m.setStateLocked(prior)
	}
	m.mu.Unlock()
	if exhausted {
		m.terminate(ReasonForced)
	}
	return false
}

// recoverySteps validates, in order: tokens, device, security context,
// inactivity, server acceptance. The first failure aborts the attempt.
func (m *Machine) recoverySteps(ctx context.Context, fingerprint string) error {
	access := m.tokens.AccessToken()
	if access == "" || m.tokens.IsExpired(access) {
		if ok, err := m.tokens.Refresh(ctx); !ok {
			return fmt.Errorf("token validation: %w", err)
		}
		access = m.tokens.AccessToken()
	}
	if dev := m.devices.Get(); dev.Fingerprint != fingerprint {
		return errors.New("device fingerprint mismatch")
	}
	if sc := m.sec.Get(); sc.RequiresAction {
		return fmt.Errorf("security context requires action: %s", sc.Action)
	}
	m.mu.Lock()
	idle := m.now().Sub(m.sess.LastActivity)
	sessionID := m.sess.ID
	m.mu.Unlock()
	if idle >= m.cfg.InactiveTimeout {
		return errors.New("inactivity timeout exceeded")
	}
	valid, err := m.backend.ValidateSession(ctx, sessionID, access)
	if err != nil {
		if api.IsNetwork(err) {
			// unreachable server never fails an attempt on its own
			return nil
		}
		return fmt.Errorf("server validation: %w", err)
	}
	if !valid {
		return errors.New("server rejected session")
	}
	return nil
}

// # Periodic checks

func (m *Machine) startChecksLocked() {
	if m.stop != nil {
		close(m.stop)
	}
	stop := make(chan struct{})
	m.stop = stop
	go func() {
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runChecks()
			case <-stop:
				return
			}
		}
	}()
}

func (m *Machine) stopChecksLocked() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// runChecks is the periodic tick: inactivity, expiry warnings, and health.
// Detecting drift here, not via broadcast, is what makes peers eventually
// consistent when messages are missed.
func (m *Machine) runChecks() {
	m.mu.Lock()
	if m.sess == nil || m.sess.State == StateTerminated {
		m.mu.Unlock()
		return
	}
	now := m.now()
	idle := now.Sub(m.sess.LastActivity)
	remaining := m.sess.ExpiresAt.Sub(now)
	suspended := m.suspended
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if idle >= m.cfg.InactiveTimeout {
		if m.cfg.RememberMe == config.RememberMeSilentRefresh && !suspended {
			if ok, _ := m.tokens.Refresh(ctx); ok {
				m.RecordActivity(now)
				return
			}
		}
		m.terminate(ReasonExpired)
		return
	}

	if idle >= m.cfg.InactiveTimeout/2 && !suspended {
		m.silentExtend(ctx)
	}

	if remaining <= 0 {
		m.terminate(ReasonExpired)
		return
	}
	m.checkExpiryAlerts(remaining)

	if !suspended {
		// background health check keeps the validation cache warm; a cached
		// negative verdict keeps driving recovery until it succeeds or the
		// attempt cap forces termination
		if !m.Valid(ctx, true) {
			m.Recover(ctx)
		}
	}
}

// silentExtend proactively refreshes credentials well before the inactivity
// cutoff, rate-limited so ticks don't stack refreshes.
func (m *Machine) silentExtend(ctx context.Context) {
	m.mu.Lock()
	if m.now().Sub(m.lastSilentExtend) < silentExtendInterval {
		m.mu.Unlock()
		return
	}
	m.lastSilentExtend = m.now()
	m.mu.Unlock()

	if ok, err := m.tokens.Refresh(ctx); ok {
		m.mu.Lock()
		m.lifecycleCounters.Refreshes++
		m.mu.Unlock()
		m.persistMetrics()
	} else if err != nil {
		logger.Debugf("session: silent extension skipped: %v", err)
	}
}

// checkExpiryAlerts emits warning/danger alerts; danger supersedes warning.
func (m *Machine) checkExpiryAlerts(remaining time.Duration) {
	level := ""
	if remaining <= m.cfg.CriticalThreshold {
		level = "danger"
	} else if remaining <= m.cfg.WarningThreshold {
		level = "warning"
	}
	if level == "" {
		return
	}
	m.mu.Lock()
	if m.alertLevel == level {
		m.mu.Unlock()
		return
	}
	m.alertLevel = level
	expiresAt := m.sess.ExpiresAt
	if m.sess.State == StateActive {
		m.setStateLocked(StateExpiring)
	}
	m.lifecycleCounters.Warnings++
	m.mu.Unlock()

	m.bus.Publish(TopicAlert, Alert{Type: level, ExpiresAt: expiresAt})
	m.persistMetrics()
}

// # Teardown

// End terminates the session: deregisters (best effort), clears local data,
// stops all timers, and notifies peers.
func (m *Machine) End(ctx context.Context, reason Reason) {
	m.mu.Lock()
	if m.sess == nil || m.sess.State == StateTerminated {
		m.mu.Unlock()
		return
	}
	id := m.sess.ID
	m.stopChecksLocked()
	m.setStateLocked(StateTerminated)
	m.mu.Unlock()

	if err := m.repo.Delete(ctx, id); err != nil {
		logger.Warnf("session: registry deregistration failed: %v", err)
	}
	if err := m.store.Delete(storage.KeySession); err != nil {
		logger.Warnf("session: clear session record failed: %v", err)
	}
	if reason != ReasonExternal {
		m.peers.Broadcast(ctx, crosstab.Message{Type: crosstab.SessionTerminated, SessionID: id, Reason: string(reason)})
	}
	m.bus.Publish(TopicTerminated, reason)
}

// terminate is End driven by an internal check.
func (m *Machine) terminate(reason Reason) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.End(ctx, reason)
}

// HandlePeer applies a broadcast from another peer. External termination
// always wins, even when local checks currently pass.
func (m *Machine) HandlePeer(msg crosstab.Message) {
	switch msg.Type {
	case crosstab.SessionTerminated:
		m.terminate(ReasonExternal)
	case crosstab.SessionActivityUpdate:
		// merge, monotonicity enforced by RecordActivity
		m.RecordActivity(msg.Activity)
	case crosstab.TokenRefreshed:
		logger.Debugf("session: peer rotated tokens")
	case crosstab.SecurityContextChanged:
		logger.Debugf("session: peer updated security context")
	case crosstab.SessionError:
		logger.Warnf("session: peer reported error: %s", msg.Detail)
	}
}

// # Internals

// setStateLocked transitions state and publishes the change. Callers hold m.mu.
func (m *Machine) setStateLocked(s State) {
	if m.sess.State == s {
		return
	}
	m.sess.State = s
	metrics.SessionTransitions.WithLabelValues(string(s)).Inc()
	go m.bus.Publish(TopicStateChanged, s)
}

func (m *Machine) persistLocked() {
	b, err := json.Marshal(m.sess)
	if err != nil {
		logger.Errorf("session: marshal record: %v", err)
		return
	}
	if err := m.store.Set(storage.KeySession, b); err != nil {
		logger.Warnf("session: persist record failed: %v", err)
	}
}

func (m *Machine) persistMetrics() {
	m.mu.Lock()
	counters := m.lifecycleCounters
	m.mu.Unlock()
	b, err := json.Marshal(counters)
	if err != nil {
		return
	}
	if err := m.store.Set(storage.KeyMetrics, b); err != nil {
		logger.Debugf("session: persist metrics failed: %v", err)
	}
}

// SetClock overrides the time source. Test hook.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }
