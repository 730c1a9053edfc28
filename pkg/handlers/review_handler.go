package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/auth"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/services"
)

// ReviewQueueResponse for GET /api/review/tasks
type ReviewQueueResponse struct {
	Items        []*services.ReviewItem `json:"items"`
	NextCursor   string                 `json:"next_cursor,omitempty"`
	PendingCount int                    `json:"pending_count"`
}

// ResolveTaskRequest for POST /api/review/tasks/{tid}/resolve
type ResolveTaskRequest struct {
	Decision  models.ReviewDecision `json:"decision"`
	Corrected *models.RawRecord     `json:"corrected,omitempty"`
}

// ReviewHandler serves the review queue.
type ReviewHandler struct {
	review services.ReviewService
	logger *zap.Logger
}

// NewReviewHandler creates a new review handler.
func NewReviewHandler(review services.ReviewService, logger *zap.Logger) *ReviewHandler {
	return &ReviewHandler{
		review: review,
		logger: logger.Named("review-handler"),
	}
}

// RegisterRoutes registers the review routes on the given mux.
func (h *ReviewHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	requireReviewer := authMiddleware.RequireRole(auth.RoleReviewer)
	mux.HandleFunc("GET /api/review/tasks", requireReviewer(scope(h.List)))
	mux.HandleFunc("GET /api/review/tasks/{tid}", requireReviewer(scope(h.Get)))
	mux.HandleFunc("POST /api/review/tasks/{tid}/resolve", requireReviewer(scope(h.Resolve)))
}

// List handles GET /api/review/tasks?cursor=&limit=
func (h *ReviewHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimitParam(w, r, h.logger)
	if !ok {
		return
	}

	page, err := h.review.ListPending(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeServiceError(w, h.logger, "list_review_tasks", err)
		return
	}
	count, err := h.review.CountPending(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "list_review_tasks", err)
		return
	}

	writeOK(w, h.logger, ReviewQueueResponse{
		Items:        page.Items,
		NextCursor:   page.NextCursor,
		PendingCount: count,
	})
}

// Get handles GET /api/review/tasks/{tid}
func (h *ReviewHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID, ok := ParseTaskID(w, r, h.logger)
	if !ok {
		return
	}

	item, err := h.review.GetTask(r.Context(), taskID)
	if err != nil {
		writeServiceError(w, h.logger, "get_review_task", err)
		return
	}
	writeOK(w, h.logger, item)
}

// Resolve handles POST /api/review/tasks/{tid}/resolve. The reviewer is
// the token subject.
func (h *ReviewHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	taskID, ok := ParseTaskID(w, r, h.logger)
	if !ok {
		return
	}

	reviewer := auth.ReviewerFromContext(r.Context())
	if reviewer == "" {
		writeError(w, h.logger, http.StatusUnauthorized, "unauthorized", "Token has no subject")
		return
	}

	var req ResolveTaskRequest
	if !decodeJSON(w, r, h.logger, &req) {
		return
	}
	if !req.Decision.IsValid() {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_decision", "decision must be accept, reject or edit")
		return
	}
	if req.Decision == models.DecisionEdit && req.Corrected == nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "edit requires a corrected record")
		return
	}

	out, err := h.review.Resolve(r.Context(), taskID, req.Decision, req.Corrected, reviewer)
	if err != nil {
		writeServiceError(w, h.logger, "resolve_review_task", err)
		return
	}

	h.logger.Info("Review task resolved",
		zap.String("task_id", taskID.String()),
		zap.String("decision", string(req.Decision)),
		zap.String("reviewer", reviewer))
	writeOK(w, h.logger, out)
}
