package auth

import (
	"context"
	"errors"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const realm = `Bearer realm="threatgraph"`

// Middleware guards HTTP handlers with bearer-token checks. Token parsing
// and role policy live in AuthService.
type Middleware struct {
	authService AuthService
	logger      *zap.Logger
}

// NewMiddleware creates a Middleware backed by authService.
func NewMiddleware(authService AuthService, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		logger:      logger.Named("auth"),
	}
}

// RequireAuth admits requests with a valid bearer token and stores the
// claims and raw token on the request context.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, token, err := m.authService.ValidateRequest(r)
		if err != nil {
			challenge := realm
			if !errors.Is(err, ErrMissingAuthorization) {
				challenge += `, error="invalid_token"`
			}
			w.Header().Set("WWW-Authenticate", challenge)
			deny(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}

		ctx := context.WithValue(WithClaims(r.Context(), claims), TokenKey, token)
		next(w, r.WithContext(ctx))
	}
}

// RequireRole is RequireAuth plus a check that the token grants role.
func (m *Middleware) RequireRole(role string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return m.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := GetClaims(r.Context())
			if err := m.authService.RequireRole(claims, role); err != nil {
				m.logger.Info("Request denied",
					zap.String("subject", claims.Subject),
					zap.String("role", role),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path))
				deny(w, http.StatusForbidden, "forbidden", "Role "+role+" required")
				return
			}
			next(w, r)
		})
	}
}

func deny(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
