package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/export"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

func exportRecord(subject, object string) *models.ExportRecord {
	objectID := uuid.New()
	reviewer := "rev@example.com"
	return &models.ExportRecord{
		SourceTextRef: "report-17#p3",
		SubjectName:   subject,
		SubjectType:   models.EntityTypeActor,
		ObjectName:    object,
		ObjectType:    models.EntityTypeTechnique,
		Assertion: &models.Assertion{
			ID:             uuid.New(),
			Predicate:      "uses",
			ObjectKind:     models.ObjectKindEntity,
			ObjectEntityID: &objectID,
			Confidence:     0.7,
			SourceID:       "analyst-notes",
			Status:         models.StatusHumanValidated,
			ResolvedBy:     &reviewer,
		},
	}
}

func TestExportHandler_StreamsNDJSON(t *testing.T) {
	exporter := &mockExporter{records: []*models.ExportRecord{
		exportRecord("APT29", "PowerShell"),
		exportRecord("APT28", "Spearphishing Attachment"),
	}}
	mux := http.NewServeMux()
	NewExportHandler(exporter, zap.NewNop()).RegisterRoutes(mux, newTestAuthMiddleware(t), noScope)

	rec := do(mux, http.MethodGet, "/api/export?since=2024-01-01&until=2024-02-01T00:00:00Z", testToken(t, "trainer"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), exporter.since)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), exporter.until)

	var lines []export.Line
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		var line export.Line
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "APT29", lines[0].Subject)
	assert.Equal(t, "PowerShell", lines[0].Object)
	assert.Equal(t, "uses", lines[0].Predicate)
}

func TestExportHandler_ErrorBeforeFirstLine(t *testing.T) {
	exporter := &mockExporter{err: errors.New("connection refused")}
	mux := http.NewServeMux()
	NewExportHandler(exporter, zap.NewNop()).RegisterRoutes(mux, newTestAuthMiddleware(t), noScope)

	rec := do(mux, http.MethodGet, "/api/export", testToken(t, "trainer"), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "export_failed")

	rec = do(mux, http.MethodGet, "/api/export?since=soon", testToken(t, "trainer"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportHandler_ErrorMidStreamTruncates(t *testing.T) {
	exporter := &mockExporter{
		records: []*models.ExportRecord{exportRecord("APT29", "PowerShell")},
		err:     errors.New("connection reset"),
	}
	mux := http.NewServeMux()
	NewExportHandler(exporter, zap.NewNop()).RegisterRoutes(mux, newTestAuthMiddleware(t), noScope)

	rec := do(mux, http.MethodGet, "/api/export", testToken(t, "trainer"), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "\n"))
}
