package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/auth"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/services"
)

var testAuthConfig = config.AuthConfig{
	EnableVerification: true,
	JWTSecret:          "handler-test-secret",
	Issuer:             "threatgraph-test",
}

// noScope stands in for the database scope middleware.
func noScope(next http.HandlerFunc) http.HandlerFunc { return next }

func newTestAuthMiddleware(t *testing.T) *auth.Middleware {
	t.Helper()
	validator, err := auth.NewHMACValidator(testAuthConfig)
	require.NoError(t, err)
	return auth.NewMiddleware(auth.NewAuthService(validator, zap.NewNop()), zap.NewNop())
}

func testToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token, err := auth.IssueToken(testAuthConfig, subject, roles, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a request through mux with an optional bearer token.
func do(mux http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// Service fakes
// ============================================================================

type mockQueryService struct {
	getEntity     func(ctx context.Context, id uuid.UUID) (*models.Entity, error)
	getAssertions func(ctx context.Context, id uuid.UUID, predicate string) ([]*models.Assertion, error)
	getStateAt    func(ctx context.Context, id uuid.UUID, at time.Time) (*models.EntityState, error)
	getTimeline   func(ctx context.Context, id uuid.UUID) ([]*models.Event, error)
	getEdges      func(ctx context.Context, id uuid.UUID, edgeType string) ([]*models.Edge, error)
}

func (m *mockQueryService) GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	return m.getEntity(ctx, id)
}

func (m *mockQueryService) GetAssertions(ctx context.Context, id uuid.UUID, predicate string) ([]*models.Assertion, error) {
	return m.getAssertions(ctx, id, predicate)
}

func (m *mockQueryService) GetStateAt(ctx context.Context, id uuid.UUID, at time.Time) (*models.EntityState, error) {
	return m.getStateAt(ctx, id, at)
}

func (m *mockQueryService) GetTimeline(ctx context.Context, id uuid.UUID) ([]*models.Event, error) {
	return m.getTimeline(ctx, id)
}

func (m *mockQueryService) GetEdges(ctx context.Context, id uuid.UUID, edgeType string) ([]*models.Edge, error) {
	return m.getEdges(ctx, id, edgeType)
}

type mockMergeService struct {
	merge func(ctx context.Context, loserID, survivorID uuid.UUID) (*models.Entity, error)
}

func (m *mockMergeService) MergeEntities(ctx context.Context, loserID, survivorID uuid.UUID) (*models.Entity, error) {
	return m.merge(ctx, loserID, survivorID)
}

type mockReviewService struct {
	listPending  func(ctx context.Context, cursor string, limit int) (*services.PendingPage, error)
	resolve      func(ctx context.Context, taskID uuid.UUID, decision models.ReviewDecision, corrected *models.RawRecord, reviewer string) (*services.ReviewResolution, error)
	countPending int
	getTask      func(ctx context.Context, taskID uuid.UUID) (*services.ReviewItem, error)
}

func (m *mockReviewService) ListPending(ctx context.Context, cursor string, limit int) (*services.PendingPage, error) {
	return m.listPending(ctx, cursor, limit)
}

func (m *mockReviewService) Resolve(ctx context.Context, taskID uuid.UUID, decision models.ReviewDecision, corrected *models.RawRecord, reviewer string) (*services.ReviewResolution, error) {
	return m.resolve(ctx, taskID, decision, corrected, reviewer)
}

func (m *mockReviewService) CountPending(context.Context) (int, error) {
	return m.countPending, nil
}

func (m *mockReviewService) GetTask(ctx context.Context, taskID uuid.UUID) (*services.ReviewItem, error) {
	return m.getTask(ctx, taskID)
}

type mockIngestionService struct {
	batches []*models.IngestionBatch
	replay  func(ctx context.Context, limit int) (*services.ReplaySummary, error)
}

func (m *mockIngestionService) IngestBatch(_ context.Context, batch *models.IngestionBatch) (*models.IngestionSummary, error) {
	m.batches = append(m.batches, batch)
	return &models.IngestionSummary{
		BatchID:       batch.ID,
		Received:      len(batch.Records) + len(batch.Events),
		AutoCommitted: len(batch.Records),
	}, nil
}

func (m *mockIngestionService) ReplayDeadLetters(ctx context.Context, limit int) (*services.ReplaySummary, error) {
	return m.replay(ctx, limit)
}

type mockExporter struct {
	records []*models.ExportRecord
	err     error
	since   time.Time
	until   time.Time
}

func (m *mockExporter) ExportValidated(_ context.Context, since, until time.Time, fn func(*models.ExportRecord) error) error {
	m.since, m.until = since, until
	for _, rec := range m.records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return m.err
}

func (m *mockExporter) RunExport(context.Context) (*models.ExportRun, error) {
	return nil, nil
}

func (m *mockExporter) Run(context.Context, time.Duration) error {
	return nil
}

type mockCatalog struct {
	sources []*models.Source
}

func (m *mockCatalog) EnsureSources(context.Context, []models.SourceDeclaration) error { return nil }

func (m *mockCatalog) Get(_ context.Context, id string) (*models.Source, error) {
	for _, s := range m.sources {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockCatalog) Reliability(context.Context, string) float64 { return 0.5 }

func (m *mockCatalog) List(context.Context) ([]*models.Source, error) { return m.sources, nil }

func (m *mockCatalog) Refresh(context.Context) error { return nil }

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(context.Context) error { return m.err }
