package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
)

// TokenValidator validates a JWT and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// HMACValidator validates HS256 tokens signed with a shared secret and
// issued by the configured issuer.
type HMACValidator struct {
	secret             []byte
	issuer             string
	enableVerification bool
}

// NewHMACValidator creates a validator from the auth configuration.
// With verification disabled tokens are parsed without checking the
// signature or expiry, which is only meant for local development.
func NewHMACValidator(cfg config.AuthConfig) (*HMACValidator, error) {
	if cfg.EnableVerification && cfg.JWTSecret == "" {
		return nil, errors.New("REVIEW_JWT_SECRET is required when auth verification is enabled")
	}
	return &HMACValidator{
		secret:             []byte(cfg.JWTSecret),
		issuer:             cfg.Issuer,
		enableVerification: cfg.EnableVerification,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (v *HMACValidator) ValidateToken(tokenString string) (*Claims, error) {
	if !v.enableVerification {
		return parseUnverifiedToken(tokenString)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// parseUnverifiedToken parses a JWT without verifying the signature.
func parseUnverifiedToken(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

// IssueToken signs a token for subject with the given roles, valid for ttl.
func IssueToken(cfg config.AuthConfig, subject string, roles []string, ttl time.Duration) (string, error) {
	if cfg.JWTSecret == "" {
		return "", errors.New("REVIEW_JWT_SECRET is not set")
	}
	if subject == "" {
		return "", errors.New("subject is required")
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

var _ TokenValidator = (*HMACValidator)(nil)
