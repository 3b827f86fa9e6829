package api

import (
	"time"

	"github.com/sessionkit/sessionkit/internal/device"
)

// TokenPair is the credential set issued by the backend. Owned by the token
// lifecycle manager; opaque to every other component.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// User is the authenticated principal as reported by the backend.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

// SecurityDirectives carries server-derived risk/trust attributes returned
// alongside auth responses.
type SecurityDirectives struct {
	RiskScore      int    `json:"riskScore"`
	KnownDevice    bool   `json:"knownDevice"`
	RequiresAction bool   `json:"requiresAction"`
	Action         string `json:"action,omitempty"`
}

// AuthResult is the common response shape of login, register, 2FA and
// refresh calls.
type AuthResult struct {
	User              *User               `json:"user,omitempty"`
	Tokens            *TokenPair          `json:"tokens,omitempty"`
	IDToken           string              `json:"idToken,omitempty"`
	Security          *SecurityDirectives `json:"securityContext,omitempty"`
	RequiresTwoFactor bool                `json:"requiresTwoFactor,omitempty"`
	ChallengeID       string              `json:"challengeId,omitempty"`
}

type LoginRequest struct {
	Email      string       `json:"email"`
	Password   string       `json:"password"`
	RememberMe bool         `json:"rememberMe"`
	Device     *device.Info `json:"device"`
}

type RegisterRequest struct {
	Email    string       `json:"email"`
	Password string       `json:"password"`
	Name     string       `json:"name"`
	Device   *device.Info `json:"device"`
}

type TwoFactorRequest struct {
	ChallengeID string       `json:"challengeId"`
	Code        string       `json:"code"`
	Device      *device.Info `json:"device"`
}

type DeviceVerificationRequest struct {
	Code   string       `json:"code"`
	Device *device.Info `json:"device"`
}

// IncidentReport is a best-effort notification about suspicious client-side
// observations. The server decides enforcement.
type IncidentReport struct {
	SessionID string       `json:"sessionId,omitempty"`
	Kind      string       `json:"kind"`
	Severity  int          `json:"severity"`
	Detail    string       `json:"detail,omitempty"`
	Device    *device.Info `json:"device,omitempty"`
	At        time.Time    `json:"at"`
}
