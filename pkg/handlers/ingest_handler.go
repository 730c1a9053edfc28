package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/auth"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/services"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/stix"
)

// maxBundleBytes bounds uploaded STIX bundles. Full ATT&CK releases are
// around 50MB.
const maxBundleBytes = 256 << 20

// StixImportResponse for POST /api/ingest/stix
type StixImportResponse struct {
	Summary *models.IngestionSummary `json:"summary"`
	Skipped map[string]int           `json:"skipped,omitempty"`
}

// IngestHandler accepts ingestion batches.
type IngestHandler struct {
	ingestion services.IngestionService
	logger    *zap.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(ingestion services.IngestionService, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{
		ingestion: ingestion,
		logger:    logger.Named("ingest-handler"),
	}
}

// RegisterRoutes registers the ingest routes on the given mux. Ingestion
// acquires its own connection per source, so no request scope is installed.
func (h *IngestHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	requireIngester := authMiddleware.RequireRole(auth.RoleIngester)
	mux.HandleFunc("POST /api/ingest", requireIngester(h.Ingest))
	mux.HandleFunc("POST /api/ingest/stix", requireIngester(h.ImportStix))
}

// Ingest handles POST /api/ingest. The response carries the batch summary
// even when the client disconnects midway; abandoned items are counted.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var batch models.IngestionBatch
	if !decodeJSON(w, r, h.logger, &batch) {
		return
	}

	summary, err := h.ingestion.IngestBatch(r.Context(), &batch)
	if err != nil {
		writeServiceError(w, h.logger, "ingest", err)
		return
	}
	writeOK(w, h.logger, summary)
}

// ImportStix handles POST /api/ingest/stix?source=<id>. The body is a STIX
// 2.1 bundle.
func (h *IngestHandler) ImportStix(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBundleBytes)
	res, err := stix.Convert(body, r.URL.Query().Get("source"))
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_bundle", err.Error())
		return
	}

	h.logger.Info("Importing STIX bundle",
		zap.String("bundle_id", res.Batch.ID),
		zap.Int("records", len(res.Batch.Records)),
		zap.Any("skipped", res.Skipped))

	summary, err := h.ingestion.IngestBatch(r.Context(), res.Batch)
	if err != nil {
		writeServiceError(w, h.logger, "import_stix", err)
		return
	}
	writeOK(w, h.logger, StixImportResponse{Summary: summary, Skipped: res.Skipped})
}
