package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type staticToken struct{ claims map[string]interface{} }

func (s staticToken) Claims(v interface{}) error {
	m, ok := v.(*map[string]interface{})
	if !ok {
		return errors.New("unexpected claims target")
	}
	*m = s.claims
	return nil
}

type staticVerifier struct {
	accept string
	claims map[string]interface{}
}

func (s staticVerifier) Verify(ctx context.Context, raw string) (Token, error) {
	if raw != s.accept {
		return nil, errors.New("unknown token")
	}
	return staticToken{claims: s.claims}, nil
}

type staticRevocations struct{ revoked map[string]bool }

func (s staticRevocations) Blacklisted(ctx context.Context, token string) bool {
	return s.revoked[token]
}

func authRouter(ver Verifier, rev Revocations) *gin.Engine {
	r := gin.New()
	r.GET("/protected", Auth(ver, rev), func(c *gin.Context) {
		claims, _ := c.Get("claims")
		c.JSON(http.StatusOK, gin.H{"claims": claims})
	})
	return r
}

func request(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/protected", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthAcceptsValidBearer(t *testing.T) {
	r := authRouter(staticVerifier{accept: "good", claims: map[string]interface{}{"sub": "u1"}}, nil)
	w := request(r, "Bearer good")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "u1")
}

func TestAuthRejectsMissingAndMalformedHeaders(t *testing.T) {
	r := authRouter(staticVerifier{accept: "good"}, nil)

	require.Equal(t, http.StatusUnauthorized, request(r, "").Code)
	require.Equal(t, http.StatusUnauthorized, request(r, "good").Code)
	require.Equal(t, http.StatusUnauthorized, request(r, "Bearer bad").Code)
}

func TestAuthRejectsRevokedToken(t *testing.T) {
	ver := staticVerifier{accept: "good", claims: map[string]interface{}{"sub": "u1"}}
	rev := staticRevocations{revoked: map[string]bool{"good": true}}
	r := authRouter(ver, rev)

	w := request(r, "Bearer good")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "revoked")
}
