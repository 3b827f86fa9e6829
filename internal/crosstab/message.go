package crosstab

import "time"

// MessageType enumerates the auth-relevant events peers broadcast.
type MessageType string

const (
	SessionTerminated      MessageType = "SESSION_TERMINATED"
	SessionActivityUpdate  MessageType = "SESSION_ACTIVITY_UPDATE"
	TokenRefreshed         MessageType = "TOKEN_REFRESHED"
	SecurityContextChanged MessageType = "SECURITY_CONTEXT_CHANGED"
	SessionError           MessageType = "SESSION_ERROR"
)

// Message is the wire format of the broadcast channel. Messages are advisory
// and eventually consistent: a peer that misses one must detect the
// inconsistency through its own periodic health check. Local storage stays
// the source of truth; receivers reconcile rather than blindly overwrite.
type Message struct {
	Type      MessageType `json:"type"`
	Origin    string      `json:"origin"` // sender instance ID, used to drop own echoes
	SessionID string      `json:"sessionId,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Activity  time.Time   `json:"activity,omitempty"` // for SESSION_ACTIVITY_UPDATE
	Detail    string      `json:"detail,omitempty"`
	At        time.Time   `json:"at"`
}
