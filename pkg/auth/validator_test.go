package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		EnableVerification: true,
		JWTSecret:          "test-secret",
		Issuer:             "ekaya-threatgraph",
	}
}

func TestHMACValidator_RoundTrip(t *testing.T) {
	cfg := testAuthConfig()
	v, err := NewHMACValidator(cfg)
	require.NoError(t, err)

	token, err := IssueToken(cfg, "alice", []string{RoleReviewer}, time.Hour)
	require.NoError(t, err)

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.True(t, claims.HasRole(RoleReviewer))
	assert.False(t, claims.HasRole(RoleIngester))
}

func TestHMACValidator_Rejects(t *testing.T) {
	cfg := testAuthConfig()
	v, err := NewHMACValidator(cfg)
	require.NoError(t, err)

	expired, err := IssueToken(cfg, "alice", nil, -time.Minute)
	require.NoError(t, err)
	_, err = v.ValidateToken(expired)
	assert.Error(t, err)

	other := cfg
	other.JWTSecret = "another-secret"
	forged, err := IssueToken(other, "mallory", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)
	_, err = v.ValidateToken(forged)
	assert.Error(t, err)

	wrongIssuer := cfg
	wrongIssuer.Issuer = "someone-else"
	foreign, err := IssueToken(wrongIssuer, "alice", nil, time.Hour)
	require.NoError(t, err)
	_, err = v.ValidateToken(foreign)
	assert.Error(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    cfg.Issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.ValidateToken(unsigned)
	assert.Error(t, err)
}

func TestHMACValidator_VerificationDisabled(t *testing.T) {
	cfg := config.AuthConfig{EnableVerification: false}
	v, err := NewHMACValidator(cfg)
	require.NoError(t, err)

	token, err := IssueToken(config.AuthConfig{JWTSecret: "whatever"}, "dev", []string{RoleAdmin}, -time.Hour)
	require.NoError(t, err)

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "dev", claims.Subject)
	assert.True(t, claims.HasRole(RoleReviewer))
}

func TestNewHMACValidator_RequiresSecret(t *testing.T) {
	_, err := NewHMACValidator(config.AuthConfig{EnableVerification: true})
	assert.Error(t, err)
}

func TestAuthService_ValidateRequest(t *testing.T) {
	cfg := testAuthConfig()
	v, err := NewHMACValidator(cfg)
	require.NoError(t, err)
	svc := NewAuthService(v, zap.NewNop())

	token, err := IssueToken(cfg, "alice", []string{RoleReviewer}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/review/tasks", nil)
	_, _, err = svc.ValidateRequest(req)
	assert.ErrorIs(t, err, ErrMissingAuthorization)

	req.Header.Set("Authorization", "Token "+token)
	_, _, err = svc.ValidateRequest(req)
	assert.ErrorIs(t, err, ErrInvalidAuthFormat)

	req.Header.Set("Authorization", "Bearer "+token)
	claims, raw, err := svc.ValidateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, token, raw)
	assert.NoError(t, svc.RequireRole(claims, RoleReviewer))
	assert.ErrorIs(t, svc.RequireRole(claims, RoleIngester), ErrMissingRole)
}
