package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/auth"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/export"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/services"
)

// ExportHandler streams the corrected dataset.
type ExportHandler struct {
	exporter services.DatasetExporter
	logger   *zap.Logger
}

// NewExportHandler creates a new export handler.
func NewExportHandler(exporter services.DatasetExporter, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{exporter: exporter, logger: logger.Named("export-handler")}
}

// RegisterRoutes registers the export routes on the given mux. The whole
// stream reads through the one request-scoped connection.
func (h *ExportHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	mux.HandleFunc("GET /api/export", authMiddleware.RequireAuth(scope(h.Export)))
}

// Export handles GET /api/export?since=&until= and writes one JSON line per
// human-validated assertion. Once streaming has started, failures can only
// truncate the body, so they are logged.
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	since, ok := parseTimeParam(w, r, "since", time.Time{}, h.logger)
	if !ok {
		return
	}
	until, ok := parseTimeParam(w, r, "until", time.Time{}, h.logger)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	n := 0
	err := h.exporter.ExportValidated(r.Context(), since, until, func(rec *models.ExportRecord) error {
		if err := enc.Encode(export.LineFor(rec)); err != nil {
			return err
		}
		n++
		if flusher != nil && n%500 == 0 {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		if n == 0 {
			writeServiceError(w, h.logger, "export", err)
			return
		}
		h.logger.Error("Export stream aborted", zap.Int("written", n), zap.Error(err))
		return
	}

	h.logger.Debug("Export streamed", zap.Int("records", n))
}
