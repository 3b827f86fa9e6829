package security

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sessionkit/sessionkit/internal/api"
	"github.com/sessionkit/sessionkit/internal/config"
	"github.com/sessionkit/sessionkit/internal/storage"
	"github.com/sessionkit/sessionkit/pkg/logger"
)

// Event topics published on the shared bus.
const (
	TopicContextChanged             = "security.context_changed"              // payload *Context
	TopicDeviceVerificationRequired = "security.device_verification_required" // payload *Context
	TopicPasswordChangeRequired     = "security.password_change_required"     // payload *Context
	TopicMFASetupRequired           = "security.mfa_setup_required"           // payload *Context
	TopicFinding                    = "security.finding"                      // payload Finding
)

// Actions the backend (or local heuristics) can demand.
const (
	ActionVerifyDevice   = "deviceVerificationRequired"
	ActionChangePassword = "passwordChangeRequired"
	ActionSetupMFA       = "mfaSetupRequired"
)

// Location is the best-effort geo attribution of the last verified origin.
type Location struct {
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone,omitempty"`
}

// Context holds the derived risk/trust attributes for the current session.
// Shared by reference with the session state machine; only this package
// mutates it.
type Context struct {
	IPAddress      string    `json:"ipAddress,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	RiskScore      int       `json:"riskScore"`
	KnownDevice    bool      `json:"knownDevice"`
	LastVerified   time.Time `json:"lastVerified"`
	RequiresAction bool      `json:"requiresAction,omitempty"`
	Action         string    `json:"action,omitempty"`
	Location       *Location `json:"location,omitempty"`
}

// IncidentAPI is the backend surface used for best-effort incident reports.
type IncidentAPI interface {
	ReportSecurityIncident(ctx context.Context, report api.IncidentReport) error
}

// Publisher is the event-bus surface the validator publishes on.
type Publisher interface {
	Publish(topic string, payload any)
}

// Validator derives and validates the security context, rate-limits sensitive
// operations, and runs the non-authoritative geo/velocity heuristics. All
// heuristics only emit events and adjust the risk score; enforcement is the
// server's.
type Validator struct {
	cfg     config.SecurityConfig
	store   storage.Store
	bus     Publisher
	backend IncidentAPI // optional
	Login   *SlidingWindow
	now     func() time.Time

	mu  sync.Mutex
	ctx *Context
}

func NewValidator(cfg config.SecurityConfig, store storage.Store, bus Publisher, backend IncidentAPI) *Validator {
	return &Validator{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		backend: backend,
		Login:   NewSlidingWindow(cfg.LoginMaxAttempts, cfg.LoginWindow),
		now:     time.Now,
	}
}

// Get returns the security context, lazily creating and persisting one on
// first access.
func (v *Validator) Get() *Context {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.getLocked()
}

func (v *Validator) getLocked() *Context {
	if v.ctx != nil {
		return v.ctx
	}
	if b, err := v.store.Get(storage.KeySecurityContext); err == nil {
		var c Context
		if err := json.Unmarshal(b, &c); err == nil {
			v.ctx = &c
			return v.ctx
		}
		logger.Warnf("security: persisted context unreadable, recreating")
	} else if !errors.Is(err, storage.ErrNotFound) {
		logger.Warnf("security: load context failed: %v", err)
	}
	v.ctx = &Context{LastVerified: v.now()}
	v.persistLocked()
	return v.ctx
}

// Update replaces the context, persists it, and fires any side-effect event
// the RequiresAction flag demands.
func (v *Validator) Update(c *Context) {
	v.mu.Lock()
	v.ctx = c
	v.persistLocked()
	v.mu.Unlock()

	v.bus.Publish(TopicContextChanged, c)
	if !c.RequiresAction {
		return
	}
	switch c.Action {
	case ActionVerifyDevice:
		v.bus.Publish(TopicDeviceVerificationRequired, c)
	case ActionChangePassword:
		v.bus.Publish(TopicPasswordChangeRequired, c)
	case ActionSetupMFA:
		v.bus.Publish(TopicMFASetupRequired, c)
	default:
		logger.Warnf("security: unknown required action %q", c.Action)
	}
}

// ApplyDirectives merges server-issued risk attributes into the local
// context. Called after login/refresh responses.
func (v *Validator) ApplyDirectives(d *api.SecurityDirectives, ip, userAgent string) {
	if d == nil {
		return
	}
	v.mu.Lock()
	c := *v.getLocked()
	v.mu.Unlock()
	c.RiskScore = d.RiskScore
	c.KnownDevice = d.KnownDevice
	c.RequiresAction = d.RequiresAction
	c.Action = d.Action
	c.LastVerified = v.now()
	if ip != "" {
		c.IPAddress = ip
	}
	if userAgent != "" {
		c.UserAgent = userAgent
	}
	v.Update(&c)
}

// ObserveOrigin runs the best-effort heuristics against a newly observed
// origin and folds findings into the context. Findings at or above the
// severity threshold are also reported upstream, without blocking the caller.
func (v *Validator) ObserveOrigin(ip string, loc *Location) []Finding {
	v.mu.Lock()
	prev := v.getLocked().Location
	prevVerified := v.getLocked().LastVerified
	v.mu.Unlock()

	findings := v.evaluate(ip, loc, prev, prevVerified)
	if len(findings) == 0 {
		v.recordOrigin(ip, loc)
		return nil
	}

	total := 0
	for _, f := range findings {
		total += f.Severity
		v.bus.Publish(TopicFinding, f)
		logger.Warnf("security: %s (severity %d): %s", f.Kind, f.Severity, f.Detail)
	}

	v.mu.Lock()
	c := *v.getLocked()
	v.mu.Unlock()
	c.RiskScore += total
	c.IPAddress = ip
	if loc != nil {
		c.Location = loc
	}
	c.LastVerified = v.now()
	v.Update(&c)

	if total >= v.cfg.SeverityThreshold {
		v.report(findings, total)
	}
	return findings
}

func (v *Validator) recordOrigin(ip string, loc *Location) {
	v.mu.Lock()
	c := v.getLocked()
	c.IPAddress = ip
	if loc != nil {
		c.Location = loc
	}
	c.LastVerified = v.now()
	v.persistLocked()
	v.mu.Unlock()
}

// report ships an incident upstream. Fire-and-forget with its own timeout so
// a slow backend can never stall the login path.
func (v *Validator) report(findings []Finding, severity int) {
	if v.backend == nil {
		return
	}
	detail := ""
	for i, f := range findings {
		if i > 0 {
			detail += "; "
		}
		detail += f.Kind + ": " + f.Detail
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := v.backend.ReportSecurityIncident(ctx, api.IncidentReport{
			Kind:     "client_heuristics",
			Severity: severity,
			Detail:   detail,
			At:       time.Now().UTC(),
		}); err != nil {
			logger.Warnf("security: incident report failed: %v", err)
		}
	}()
}

func (v *Validator) persistLocked() {
	b, err := json.Marshal(v.ctx)
	if err != nil {
		logger.Errorf("security: marshal context: %v", err)
		return
	}
	if err := v.store.Set(storage.KeySecurityContext, b); err != nil {
		logger.Warnf("security: persist context failed: %v", err)
	}
}

// Clear drops the context from memory and storage.
func (v *Validator) Clear() {
	v.mu.Lock()
	v.ctx = nil
	v.mu.Unlock()
	if err := v.store.Delete(storage.KeySecurityContext); err != nil {
		logger.Warnf("security: clear context failed: %v", err)
	}
}

// SetClock overrides the time source. Test hook.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
	v.Login.now = now
}
