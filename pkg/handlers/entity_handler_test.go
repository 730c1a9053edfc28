package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/auth"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

func newEntityMux(t *testing.T, query *mockQueryService, merge *mockMergeService) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	NewEntityHandler(query, merge, zap.NewNop()).RegisterRoutes(mux, newTestAuthMiddleware(t), noScope)
	return mux
}

type entityEnvelope struct {
	Success bool          `json:"success"`
	Data    models.Entity `json:"data"`
}

func TestEntityHandler_Get(t *testing.T) {
	known := &models.Entity{ID: uuid.New(), Type: models.EntityTypeVulnerability, CanonicalName: "CVE-2021-44228"}
	query := &mockQueryService{
		getEntity: func(_ context.Context, id uuid.UUID) (*models.Entity, error) {
			if id == known.ID {
				return known, nil
			}
			return nil, fmt.Errorf("entity %s: %w", id, apperrors.ErrNotFound)
		},
	}
	mux := newEntityMux(t, query, nil)
	token := testToken(t, "analyst@example.com")

	rec := do(mux, http.MethodGet, "/api/entities/"+known.ID.String(), token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var env entityEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
	assert.Equal(t, "CVE-2021-44228", env.Data.CanonicalName)

	rec = do(mux, http.MethodGet, "/api/entities/"+uuid.NewString(), token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(mux, http.MethodGet, "/api/entities/not-a-uuid", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(mux, http.MethodGet, "/api/entities/"+known.ID.String(), "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEntityHandler_AssertionsAndEdgesPassFilters(t *testing.T) {
	id := uuid.New()
	var gotPredicate, gotEdgeType string
	query := &mockQueryService{
		getAssertions: func(_ context.Context, _ uuid.UUID, predicate string) ([]*models.Assertion, error) {
			gotPredicate = predicate
			return []*models.Assertion{{ID: uuid.New(), SubjectEntityID: id, Predicate: predicate}}, nil
		},
		getEdges: func(_ context.Context, _ uuid.UUID, edgeType string) ([]*models.Edge, error) {
			gotEdgeType = edgeType
			return nil, nil
		},
	}
	mux := newEntityMux(t, query, nil)
	token := testToken(t, "analyst@example.com")

	rec := do(mux, http.MethodGet, "/api/entities/"+id.String()+"/assertions?predicate=uses", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "uses", gotPredicate)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = do(mux, http.MethodGet, "/api/entities/"+id.String()+"/edges?type=mitigates", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mitigates", gotEdgeType)
	assert.Contains(t, rec.Body.String(), `"total":0`)
}

func TestEntityHandler_StateParsesAt(t *testing.T) {
	id := uuid.New()
	var gotAt time.Time
	query := &mockQueryService{
		getStateAt: func(_ context.Context, entityID uuid.UUID, at time.Time) (*models.EntityState, error) {
			gotAt = at
			return &models.EntityState{EntityID: entityID, AsOf: at, State: models.StateExploited}, nil
		},
	}
	mux := newEntityMux(t, query, nil)
	token := testToken(t, "analyst@example.com")

	rec := do(mux, http.MethodGet, "/api/entities/"+id.String()+"/state?at=2023-06-01T12:00:00Z", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC), gotAt)
	assert.Contains(t, rec.Body.String(), `"state":"exploited"`)

	rec = do(mux, http.MethodGet, "/api/entities/"+id.String()+"/state?at=last-week", token, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_at")
}

func TestEntityHandler_Merge(t *testing.T) {
	loser, survivor := uuid.New(), uuid.New()
	var calls int
	merge := &mockMergeService{
		merge: func(_ context.Context, loserID, survivorID uuid.UUID) (*models.Entity, error) {
			calls++
			assert.Equal(t, loser, loserID)
			if survivorID == loserID {
				return nil, apperrors.ErrMergeConflict
			}
			return &models.Entity{ID: survivorID, Aliases: []string{"old name"}}, nil
		},
	}
	mux := newEntityMux(t, &mockQueryService{}, merge)
	reviewer := testToken(t, "rev@example.com", auth.RoleReviewer)
	body := fmt.Sprintf(`{"survivor_id":%q}`, survivor)

	rec := do(mux, http.MethodPost, "/api/entities/"+loser.String()+"/merge", testToken(t, "analyst@example.com"), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, calls)

	rec = do(mux, http.MethodPost, "/api/entities/"+loser.String()+"/merge", reviewer, body)
	require.Equal(t, http.StatusOK, rec.Code)
	var env entityEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, survivor, env.Data.ID)

	rec = do(mux, http.MethodPost, "/api/entities/"+loser.String()+"/merge", reviewer, fmt.Sprintf(`{"survivor_id":%q}`, loser))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(mux, http.MethodPost, "/api/entities/"+loser.String()+"/merge", reviewer, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 2, calls)
}

func TestEntityHandler_UnexpectedErrorIsInternal(t *testing.T) {
	query := &mockQueryService{
		getTimeline: func(context.Context, uuid.UUID) ([]*models.Event, error) {
			return nil, fmt.Errorf("failed to list events: %w", context.DeadlineExceeded)
		},
	}
	mux := newEntityMux(t, query, nil)

	rec := do(mux, http.MethodGet, "/api/entities/"+uuid.NewString()+"/timeline", testToken(t, "a@example.com"), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "get_timeline_failed")
	assert.NotContains(t, rec.Body.String(), "deadline")
}
