package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/auth"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/services"
)

// SourceListResponse for GET /api/sources
type SourceListResponse struct {
	Sources []*models.Source `json:"sources"`
	Total   int              `json:"total"`
}

// SourceHandler lists registered sources with their reliability.
type SourceHandler struct {
	catalog services.SourceCatalog
	logger  *zap.Logger
}

// NewSourceHandler creates a new source handler.
func NewSourceHandler(catalog services.SourceCatalog, logger *zap.Logger) *SourceHandler {
	return &SourceHandler{catalog: catalog, logger: logger.Named("source-handler")}
}

// RegisterRoutes registers the source routes on the given mux.
func (h *SourceHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	mux.HandleFunc("GET /api/sources", authMiddleware.RequireAuth(scope(h.List)))
}

// List handles GET /api/sources
func (h *SourceHandler) List(w http.ResponseWriter, r *http.Request) {
	sources, err := h.catalog.List(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "list_sources", err)
		return
	}
	writeOK(w, h.logger, SourceListResponse{Sources: sources, Total: len(sources)})
}
