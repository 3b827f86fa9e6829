package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/sessionkit/sessionkit/internal/api"
	"github.com/sessionkit/sessionkit/internal/config"
	"github.com/sessionkit/sessionkit/internal/crosstab"
	"github.com/sessionkit/sessionkit/internal/device"
	"github.com/sessionkit/sessionkit/internal/offline"
	"github.com/sessionkit/sessionkit/internal/oidc"
	"github.com/sessionkit/sessionkit/internal/registry"
	"github.com/sessionkit/sessionkit/internal/security"
	"github.com/sessionkit/sessionkit/internal/session"
	"github.com/sessionkit/sessionkit/internal/tokens"
	"github.com/sessionkit/sessionkit/pkg/events"
	"github.com/sessionkit/sessionkit/pkg/logger"
)

// Hook topics exposed to the embedding application.
const (
	TopicSessionExpired = "auth.session_expired" // payload session.Reason
	TopicForceLogout    = "auth.force_logout"    // payload string reason
	TopicSecurityIssue  = "auth.security_issue"  // payload any (finding or context)
)

// AuthAPI is the backend surface the orchestrator drives directly. Token
// refresh and session validation run through the token manager and state
// machine respectively.
type AuthAPI interface {
	Login(ctx context.Context, req api.LoginRequest) (*api.AuthResult, error)
	Register(ctx context.Context, req api.RegisterRequest) (*api.AuthResult, error)
	VerifyTwoFactor(ctx context.Context, req api.TwoFactorRequest) (*api.AuthResult, error)
	VerifyDevice(ctx context.Context, req api.DeviceVerificationRequest) (*api.AuthResult, error)
	Logout(ctx context.Context, refreshToken string) error
	ExtendSession(ctx context.Context, sessionID string) error
}

// Result is what login-family operations hand back to the UI layer.
type Result struct {
	User              *api.User
	Session           *session.Session
	RequiresTwoFactor bool
	ChallengeID       string
}

// Orchestrator composes the lifecycle components into the login/logout/
// register/verify flows. It is the only type UI code talks to. Construct one
// at application start; all state lives in the injected components, never in
// package globals.
type Orchestrator struct {
	cfg      *config.Config
	backend  AuthAPI
	tokens   *tokens.Manager
	machine  *session.Machine
	sec      *security.Validator
	devices  *device.Provider
	trust    *registry.TrustList
	sync     *crosstab.Synchronizer
	offline  *offline.Coordinator
	verifier oidc.TokenVerifier // optional
	bus      *events.Bus

	unsubs []func()
}

func NewOrchestrator(
	cfg *config.Config,
	backend AuthAPI,
	tok *tokens.Manager,
	machine *session.Machine,
	sec *security.Validator,
	devices *device.Provider,
	trust *registry.TrustList,
	sync *crosstab.Synchronizer,
	off *offline.Coordinator,
	verifier oidc.TokenVerifier,
	bus *events.Bus,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		backend:  backend,
		tokens:   tok,
		machine:  machine,
		sec:      sec,
		devices:  devices,
		trust:    trust,
		sync:     sync,
		offline:  off,
		verifier: verifier,
		bus:      bus,
	}
}

// Start wires the cross-component reactions and begins listening for peer
// broadcasts. Call once after construction.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.sync.Start(ctx, o.handlePeer); err != nil {
		return fmt.Errorf("auth: start peer sync: %w", err)
	}

	// a scheduled refresh rejected by the backend ends the session: the
	// refresh token is gone and only re-authentication can recover
	o.unsubs = append(o.unsubs, o.bus.Subscribe(tokens.TopicRefreshFailed, func(payload any) {
		err, _ := payload.(error)
		if err != nil && api.IsNetwork(err) {
			return
		}
		logger.Errorf("auth: refresh rejected, forcing logout: %v", err)
		o.forceLogout()
	}))

	// rotation extends the session window and informs peers
	o.unsubs = append(o.unsubs, o.bus.Subscribe(tokens.TopicRefreshed, func(payload any) {
		pair, ok := payload.(*api.TokenPair)
		if !ok || pair.ExpiresAt.IsZero() {
			return
		}
		o.machine.Extend(pair.ExpiresAt)
		// peer notification is advisory; keep it off the refresh caller's
		// goroutine
		go func() {
			bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			o.sync.Broadcast(bctx, crosstab.Message{Type: crosstab.TokenRefreshed})
		}()
	}))

	// session end surfaces through the public hooks
	o.unsubs = append(o.unsubs, o.bus.Subscribe(session.TopicTerminated, func(payload any) {
		reason, _ := payload.(session.Reason)
		switch reason {
		case session.ReasonForced, session.ReasonExternal:
			o.bus.Publish(TopicForceLogout, string(reason))
		default:
			o.bus.Publish(TopicSessionExpired, reason)
		}
	}))

	// security findings and demanded actions reach the UI as one stream
	for _, topic := range []string{
		security.TopicFinding,
		security.TopicDeviceVerificationRequired,
		security.TopicPasswordChangeRequired,
		security.TopicMFASetupRequired,
	} {
		o.unsubs = append(o.unsubs, o.bus.Subscribe(topic, func(payload any) {
			o.bus.Publish(TopicSecurityIssue, payload)
		}))
	}

	o.unsubs = append(o.unsubs, o.bus.Subscribe(security.TopicContextChanged, func(any) {
		go func() {
			bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			o.sync.Broadcast(bctx, crosstab.Message{Type: crosstab.SecurityContextChanged})
		}()
	}))

	return nil
}

// # Auth flows

// Login authenticates and establishes the session. The rate-limit check runs
// before any network call; a locked-out identifier is rejected locally.
func (o *Orchestrator) Login(ctx context.Context, email, password string, rememberMe bool) (*Result, error) {
	if err := o.sec.Login.Check("login", email); err != nil {
		return nil, err
	}
	res, err := o.backend.Login(ctx, api.LoginRequest{
		Email:      email,
		Password:   password,
		RememberMe: rememberMe,
		Device:     o.devices.Get(),
	})
	if err != nil {
		return nil, err
	}
	if res.RequiresTwoFactor {
		return &Result{RequiresTwoFactor: true, ChallengeID: res.ChallengeID}, nil
	}
	out, err := o.establish(ctx, res)
	if err != nil {
		return nil, err
	}
	o.sec.Login.Reset("login", email)
	return out, nil
}

// Register enrolls a new account. A successful registration establishes a
// session exactly like login.
func (o *Orchestrator) Register(ctx context.Context, email, password, name string) (*Result, error) {
	if err := o.sec.Login.Check("register", email); err != nil {
		return nil, err
	}
	res, err := o.backend.Register(ctx, api.RegisterRequest{
		Email:    email,
		Password: password,
		Name:     name,
		Device:   o.devices.Get(),
	})
	if err != nil {
		return nil, err
	}
	return o.establish(ctx, res)
}

// VerifyTwoFactor completes a pending 2FA challenge and establishes the
// session.
func (o *Orchestrator) VerifyTwoFactor(ctx context.Context, challengeID, code string) (*Result, error) {
	res, err := o.backend.VerifyTwoFactor(ctx, api.TwoFactorRequest{
		ChallengeID: challengeID,
		Code:        code,
		Device:      o.devices.Get(),
	})
	if err != nil {
		return nil, err
	}
	return o.establish(ctx, res)
}

// VerifyDevice completes a device verification demanded by the security
// context and marks the device trusted.
func (o *Orchestrator) VerifyDevice(ctx context.Context, code string) error {
	dev := o.devices.Get()
	res, err := o.backend.VerifyDevice(ctx, api.DeviceVerificationRequest{Code: code, Device: dev})
	if err != nil {
		return err
	}
	sess := o.machine.Current()
	if sess != nil {
		o.trust.Trust(sess.UserID, dev.Fingerprint)
	}
	sc := *o.sec.Get()
	sc.KnownDevice = true
	sc.RequiresAction = false
	sc.Action = ""
	o.sec.Update(&sc)
	if res.Security != nil {
		o.sec.ApplyDirectives(res.Security, "", "")
	}
	return nil
}

// establish is the shared tail of every successful auth response: verify the
// ID token when configured, store tokens, fold in security directives, and
// spin up the session.
func (o *Orchestrator) establish(ctx context.Context, res *api.AuthResult) (*Result, error) {
	if res.User == nil || res.Tokens == nil {
		return nil, fmt.Errorf("auth: backend response missing user or tokens")
	}
	if o.verifier != nil && res.IDToken != "" {
		tok, err := o.verifier.Verify(ctx, res.IDToken)
		if err != nil {
			return nil, fmt.Errorf("auth: id token rejected: %w", err)
		}
		id, err := oidc.ExtractIdentity(tok)
		if err != nil {
			return nil, err
		}
		if id.Subject != res.User.ID {
			return nil, fmt.Errorf("auth: id token subject %q does not match user %q", id.Subject, res.User.ID)
		}
	}
	if err := o.tokens.SetTokens(res.Tokens); err != nil {
		return nil, err
	}
	dev := o.devices.Get()
	o.sec.ApplyDirectives(res.Security, "", "")

	sess, err := o.machine.Initialize(res.User, dev, res.Tokens.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if res.Security != nil && res.Security.KnownDevice {
		o.trust.Trust(res.User.ID, dev.Fingerprint)
	}
	o.offline.Start()
	return &Result{User: res.User, Session: sess}, nil
}

// Resume restores a session persisted by a previous process run. Returns nil
// with no error when nothing usable is on disk.
func (o *Orchestrator) Resume(ctx context.Context) (*session.Session, error) {
	if o.tokens.AccessToken() == "" && o.tokens.RefreshTokenValue() == "" {
		return nil, nil
	}
	sess, err := o.machine.Restore(ctx)
	if err != nil || sess == nil {
		return nil, err
	}
	o.offline.Start()
	return sess, nil
}

// Logout ends the session locally and revokes credentials upstream. The
// upstream call is queued when offline so revocation still happens on
// reconnect.
func (o *Orchestrator) Logout(ctx context.Context) error {
	refresh := o.tokens.RefreshTokenValue()
	o.tokens.BlacklistCurrent(ctx)
	o.machine.End(ctx, session.ReasonLogout)
	if err := o.tokens.Clear(); err != nil {
		logger.Warnf("auth: clear tokens on logout: %v", err)
	}
	o.offline.Stop()

	if refresh == "" {
		return nil
	}
	if !o.offline.Online() {
		o.offline.Enqueue(offlineRevocation(o.backend, refresh))
		return nil
	}
	if err := o.backend.Logout(ctx, refresh); err != nil {
		// local teardown already happened; upstream revocation is advisory
		logger.Warnf("auth: upstream logout failed: %v", err)
	}
	return nil
}

func offlineRevocation(backend AuthAPI, refresh string) offline.Action {
	return offline.Action{
		Name: "logout_revocation",
		Run: func(ctx context.Context) error {
			return backend.Logout(ctx, refresh)
		},
	}
}

// ExtendSession asks the server for a longer window, then rotates tokens so
// local expiry tracking follows.
func (o *Orchestrator) ExtendSession(ctx context.Context) error {
	sess := o.machine.Current()
	if sess == nil || sess.State == session.StateTerminated {
		return fmt.Errorf("auth: no session to extend")
	}
	if err := o.backend.ExtendSession(ctx, sess.ID); err != nil {
		return err
	}
	if ok, err := o.tokens.Refresh(ctx); !ok {
		return fmt.Errorf("auth: extension refresh: %w", err)
	}
	return nil
}

// IsAuthenticated reports whether a valid session exists, answering from the
// validation cache when it is fresh.
func (o *Orchestrator) IsAuthenticated(ctx context.Context) bool {
	if o.tokens.AccessToken() == "" {
		return false
	}
	return o.machine.Valid(ctx, true)
}

// Session returns a copy of the current session record, or nil.
func (o *Orchestrator) Session() *session.Session {
	return o.machine.Current()
}

// # Subscription hooks

func (o *Orchestrator) OnSessionExpired(fn func(reason session.Reason)) func() {
	return o.bus.Subscribe(TopicSessionExpired, func(payload any) {
		reason, _ := payload.(session.Reason)
		fn(reason)
	})
}

func (o *Orchestrator) OnForceLogout(fn func(reason string)) func() {
	return o.bus.Subscribe(TopicForceLogout, func(payload any) {
		reason, _ := payload.(string)
		fn(reason)
	})
}

func (o *Orchestrator) OnTokenRefresh(fn func(pair *api.TokenPair)) func() {
	return o.bus.Subscribe(tokens.TopicRefreshed, func(payload any) {
		pair, _ := payload.(*api.TokenPair)
		fn(pair)
	})
}

func (o *Orchestrator) OnSessionSecurityIssue(fn func(issue any)) func() {
	return o.bus.Subscribe(TopicSecurityIssue, func(payload any) {
		fn(payload)
	})
}

// # Internals

func (o *Orchestrator) handlePeer(msg crosstab.Message) {
	o.machine.HandlePeer(msg)
	if msg.Type == crosstab.SessionTerminated {
		if err := o.tokens.Clear(); err != nil {
			logger.Warnf("auth: clear tokens after external termination: %v", err)
		}
		o.offline.Stop()
	}
}

func (o *Orchestrator) forceLogout() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.machine.End(ctx, session.ReasonForced)
	if err := o.tokens.Clear(); err != nil {
		logger.Warnf("auth: clear tokens on forced logout: %v", err)
	}
	o.offline.Stop()
}

// Close releases timers and subscriptions without ending the session. Used
// on process shutdown; the persisted session resumes on next start.
func (o *Orchestrator) Close() {
	for _, u := range o.unsubs {
		u()
	}
	o.unsubs = nil
	o.sync.Stop()
	o.offline.Stop()
	o.tokens.Stop()
}
