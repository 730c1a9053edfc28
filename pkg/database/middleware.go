package database

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// WithProvidedScope wraps a handler so it runs with a connection scope from
// provider on its request context. The scope is released when the handler
// returns. When no connection can be had the request is refused with 503.
func WithProvidedScope(provider ScopeProvider, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ctx, cleanup, err := provider.WithScope(r.Context())
			if err != nil {
				logger.Error("Failed to open database scope",
					zap.String("path", r.URL.Path),
					zap.Error(err))
				w.Header().Set("Retry-After", "5")
				unavailable(w)
				return
			}
			defer cleanup()

			next(w, r.WithContext(ctx))
		}
	}
}

func unavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(map[string]string{
		"error":   "database_error",
		"message": "Database connection error",
	})
}
