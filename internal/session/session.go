package session

import "time"

// State is the lifecycle state of the local session.
//
// uninitialized → active ⇄ offline ⇄ recovering → terminated
// active → expiring (warning) → terminated (expired)
type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateOffline       State = "offline"
	StateExpiring      State = "expiring"
	StateRecovering    State = "recovering"
	StateTerminated    State = "terminated"
)

// Reason explains a termination.
type Reason string

const (
	ReasonLogout         Reason = "LOGOUT"
	ReasonExpired        Reason = "EXPIRED"
	ReasonForced         Reason = "FORCED"
	ReasonExternal       Reason = "EXTERNAL"
	ReasonOfflineExpired Reason = "OFFLINE_EXPIRED"
)

// Session is the client-tracked record of the authenticated activity window.
// Owned by the state machine; correlated with the token pair by ID only, so
// token rotation never recreates the session.
type Session struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	StartTime    time.Time         `json:"startTime"`
	LastActivity time.Time         `json:"lastActivity"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	Fingerprint  string            `json:"deviceFingerprint"`
	State        State             `json:"state"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Alert is the payload of expiry warnings.
type Alert struct {
	Type      string    `json:"type"` // "warning" | "danger"
	ExpiresAt time.Time `json:"expiresAt"`
}

// Metrics counts notable lifecycle events, persisted under its own key.
type Metrics struct {
	Refreshes  int `json:"refreshes"`
	Recoveries int `json:"recoveries"`
	Warnings   int `json:"warnings"`
}
