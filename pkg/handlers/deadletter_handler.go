package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/auth"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/deadletter"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/services"
)

// DeadLetterListResponse for GET /api/deadletters
type DeadLetterListResponse struct {
	Items []*models.DeadLetter `json:"items"`
	Count int                  `json:"count"`
}

// DeadLetterHandler exposes parked items and their replay.
type DeadLetterHandler struct {
	store     deadletter.Store
	ingestion services.IngestionService
	logger    *zap.Logger
}

// NewDeadLetterHandler creates a new dead-letter handler.
func NewDeadLetterHandler(store deadletter.Store, ingestion services.IngestionService, logger *zap.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{store: store, ingestion: ingestion, logger: logger.Named("deadletter-handler")}
}

// RegisterRoutes registers the dead-letter routes on the given mux.
func (h *DeadLetterHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/deadletters", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("POST /api/deadletters/replay", authMiddleware.RequireRole(auth.RoleIngester)(h.Replay))
}

// List handles GET /api/deadletters?limit=
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimitParam(w, r, h.logger)
	if !ok {
		return
	}

	items, err := h.store.List(r.Context(), limit)
	if err != nil {
		writeServiceError(w, h.logger, "list_deadletters", err)
		return
	}
	count, err := h.store.Count(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "list_deadletters", err)
		return
	}
	if items == nil {
		items = []*models.DeadLetter{}
	}
	writeOK(w, h.logger, DeadLetterListResponse{Items: items, Count: count})
}

// Replay handles POST /api/deadletters/replay?limit=
func (h *DeadLetterHandler) Replay(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimitParam(w, r, h.logger)
	if !ok {
		return
	}

	summary, err := h.ingestion.ReplayDeadLetters(r.Context(), limit)
	if err != nil {
		writeServiceError(w, h.logger, "replay_deadletters", err)
		return
	}
	writeOK(w, h.logger, summary)
}
