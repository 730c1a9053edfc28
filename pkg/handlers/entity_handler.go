package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/auth"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/services"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// AssertionListResponse for GET /api/entities/{eid}/assertions
type AssertionListResponse struct {
	EntityID   uuid.UUID           `json:"entity_id"`
	Assertions []*models.Assertion `json:"assertions"`
	Total      int                 `json:"total"`
}

// TimelineResponse for GET /api/entities/{eid}/timeline
type TimelineResponse struct {
	EntityID uuid.UUID       `json:"entity_id"`
	Events   []*models.Event `json:"events"`
}

// EdgeListResponse for GET /api/entities/{eid}/edges
type EdgeListResponse struct {
	EntityID uuid.UUID      `json:"entity_id"`
	Edges    []*models.Edge `json:"edges"`
	Total    int            `json:"total"`
}

// MergeEntityRequest for POST /api/entities/{eid}/merge. The path entity
// is merged into the survivor.
type MergeEntityRequest struct {
	SurvivorID uuid.UUID `json:"survivor_id"`
}

// ============================================================================
// Handler
// ============================================================================

// EntityHandler serves entity reads and merges.
type EntityHandler struct {
	query  services.QueryService
	merge  services.EntityMergeService
	logger *zap.Logger
}

// NewEntityHandler creates a new entity handler.
func NewEntityHandler(query services.QueryService, merge services.EntityMergeService, logger *zap.Logger) *EntityHandler {
	return &EntityHandler{
		query:  query,
		merge:  merge,
		logger: logger.Named("entity-handler"),
	}
}

// RegisterRoutes registers the entity routes on the given mux.
func (h *EntityHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	base := "/api/entities/{eid}"

	mux.HandleFunc("GET "+base, authMiddleware.RequireAuth(scope(h.Get)))
	mux.HandleFunc("GET "+base+"/assertions", authMiddleware.RequireAuth(scope(h.Assertions)))
	mux.HandleFunc("GET "+base+"/state", authMiddleware.RequireAuth(scope(h.State)))
	mux.HandleFunc("GET "+base+"/timeline", authMiddleware.RequireAuth(scope(h.Timeline)))
	mux.HandleFunc("GET "+base+"/edges", authMiddleware.RequireAuth(scope(h.Edges)))
	mux.HandleFunc("POST "+base+"/merge", authMiddleware.RequireRole(auth.RoleReviewer)(scope(h.Merge)))
}

// Get handles GET /api/entities/{eid}. Merged ids answer with the survivor.
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseEntityID(w, r, h.logger)
	if !ok {
		return
	}

	entity, err := h.query.GetEntity(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "get_entity", err)
		return
	}
	writeOK(w, h.logger, entity)
}

// Assertions handles GET /api/entities/{eid}/assertions?predicate=
func (h *EntityHandler) Assertions(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseEntityID(w, r, h.logger)
	if !ok {
		return
	}

	assertions, err := h.query.GetAssertions(r.Context(), id, r.URL.Query().Get("predicate"))
	if err != nil {
		writeServiceError(w, h.logger, "get_assertions", err)
		return
	}
	writeOK(w, h.logger, AssertionListResponse{EntityID: id, Assertions: assertions, Total: len(assertions)})
}

// State handles GET /api/entities/{eid}/state?at=. A missing at means now.
func (h *EntityHandler) State(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseEntityID(w, r, h.logger)
	if !ok {
		return
	}
	at, ok := parseTimeParam(w, r, "at", time.Now().UTC(), h.logger)
	if !ok {
		return
	}

	state, err := h.query.GetStateAt(r.Context(), id, at)
	if err != nil {
		writeServiceError(w, h.logger, "get_state", err)
		return
	}
	writeOK(w, h.logger, state)
}

// Timeline handles GET /api/entities/{eid}/timeline
func (h *EntityHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseEntityID(w, r, h.logger)
	if !ok {
		return
	}

	events, err := h.query.GetTimeline(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "get_timeline", err)
		return
	}
	writeOK(w, h.logger, TimelineResponse{EntityID: id, Events: events})
}

// Edges handles GET /api/entities/{eid}/edges?type=
func (h *EntityHandler) Edges(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseEntityID(w, r, h.logger)
	if !ok {
		return
	}

	edges, err := h.query.GetEdges(r.Context(), id, r.URL.Query().Get("type"))
	if err != nil {
		writeServiceError(w, h.logger, "get_edges", err)
		return
	}
	writeOK(w, h.logger, EdgeListResponse{EntityID: id, Edges: edges, Total: len(edges)})
}

// Merge handles POST /api/entities/{eid}/merge
func (h *EntityHandler) Merge(w http.ResponseWriter, r *http.Request) {
	loserID, ok := ParseEntityID(w, r, h.logger)
	if !ok {
		return
	}

	var req MergeEntityRequest
	if !decodeJSON(w, r, h.logger, &req) {
		return
	}
	if req.SurvivorID == uuid.Nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "survivor_id is required")
		return
	}

	survivor, err := h.merge.MergeEntities(r.Context(), loserID, req.SurvivorID)
	if err != nil {
		writeServiceError(w, h.logger, "merge_entities", err)
		return
	}

	h.logger.Info("Entities merged",
		zap.String("loser_id", loserID.String()),
		zap.String("survivor_id", survivor.ID.String()),
		zap.String("by", auth.ReviewerFromContext(r.Context())))
	writeOK(w, h.logger, survivor)
}
