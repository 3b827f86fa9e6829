package oidc

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Token is a minimal interface for a verified token that can expose claims.
// Satisfied by *oidc.IDToken and by test fakes.
type Token interface {
	Claims(v interface{}) error
}

// TokenVerifier verifies raw ID tokens issued at login.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (Token, error)
}

// Identity is the slice of ID-token claims the lifecycle core binds a
// session to.
type Identity struct {
	Subject   string `json:"sub"`
	Email     string `json:"email"`
	SessionID string `json:"sid"`
}

// ExtractIdentity pulls the identity claims out of a verified token. A token
// without a subject is rejected; sessions must bind to a principal.
func ExtractIdentity(t Token) (*Identity, error) {
	var id Identity
	if err := t.Claims(&id); err != nil {
		return nil, fmt.Errorf("oidc: decode identity claims: %w", err)
	}
	if id.Subject == "" {
		return nil, errors.New("oidc: id token has no subject")
	}
	return &id, nil
}

// Verifier validates ID tokens against a discovered OIDC issuer.
type Verifier struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// NewVerifier discovers the issuer and builds a verifier bound to clientID.
func NewVerifier(ctx context.Context, issuer, clientID string) (*Verifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})
	return &Verifier{provider: provider, verifier: verifier}, nil
}

// Verify checks signature, issuer, audience and expiry of the raw ID token.
func (v *Verifier) Verify(ctx context.Context, raw string) (Token, error) {
	idToken, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	return idToken, nil
}
