package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// mockAuthService is a mock implementation of AuthService for testing.
type mockAuthService struct {
	claims      *Claims
	token       string
	validateErr error
	roleErr     error
}

func (m *mockAuthService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	if m.validateErr != nil {
		return nil, "", m.validateErr
	}
	return m.claims, m.token, nil
}

func (m *mockAuthService) RequireRole(claims *Claims, role string) error {
	return m.roleErr
}

func TestMiddleware_RequireAuth_Success(t *testing.T) {
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}}
	authService := &mockAuthService{claims: claims, token: "test-token"}
	middleware := NewMiddleware(authService, zap.NewNop())

	var handlerCalled bool
	var reviewer, ctxToken string

	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		reviewer = ReviewerFromContext(r.Context())
		ctxToken, _ = GetToken(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/review/tasks", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if !handlerCalled {
		t.Error("expected handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if reviewer != "alice" {
		t.Errorf("expected reviewer alice in context, got %q", reviewer)
	}
	if ctxToken != "test-token" {
		t.Errorf("expected token 'test-token' in context, got %q", ctxToken)
	}
}

func TestMiddleware_RequireAuth_Unauthorized(t *testing.T) {
	authService := &mockAuthService{validateErr: ErrMissingAuthorization}
	middleware := NewMiddleware(authService, zap.NewNop())

	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/review/tasks", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["error"] != "unauthorized" {
		t.Errorf("expected error 'unauthorized', got %q", body["error"])
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="threatgraph"` {
		t.Errorf("unexpected challenge %q", got)
	}
}

func TestMiddleware_RequireAuth_InvalidTokenChallenge(t *testing.T) {
	middleware := NewMiddleware(&mockAuthService{validateErr: ErrInvalidAuthFormat}, zap.NewNop())
	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/review/tasks", nil))

	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="threatgraph", error="invalid_token"` {
		t.Errorf("unexpected challenge %q", got)
	}
}

func TestMiddleware_RequireRole(t *testing.T) {
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "bob"}}

	t.Run("granted", func(t *testing.T) {
		middleware := NewMiddleware(&mockAuthService{claims: claims}, zap.NewNop())
		called := false
		handler := middleware.RequireRole(RoleReviewer)(func(w http.ResponseWriter, r *http.Request) {
			called = true
		})
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodPost, "/api/review/tasks/x/resolve", nil))
		if !called {
			t.Error("expected handler to be called")
		}
	})

	t.Run("forbidden", func(t *testing.T) {
		middleware := NewMiddleware(&mockAuthService{claims: claims, roleErr: ErrMissingRole}, zap.NewNop())
		handler := middleware.RequireRole(RoleReviewer)(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called")
		})
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodPost, "/api/review/tasks/x/resolve", nil))
		if rec.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rec.Code)
		}
	})
}
