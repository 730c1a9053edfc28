package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

func TestReconstructState(t *testing.T) {
	rules := models.DefaultOntologyRules()
	cve := uuid.New()
	actor := uuid.New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(days int) time.Time { return base.AddDate(0, 0, days) }

	event := func(eventType string, day int, role string, seq int64) *models.Event {
		return &models.Event{
			ID:           uuid.New(),
			EventType:    eventType,
			StartTime:    at(day),
			Participants: []models.EventParticipant{{EntityID: cve, Role: role}, {EntityID: actor, Role: models.RoleActor}},
			RecordedAt:   base,
			Seq:          seq,
		}
	}

	// Out of order on purpose.
	events := []*models.Event{
		event(models.EventTypePatch, 30, models.RoleTarget, 3),
		event(models.EventTypeDisclosure, 0, models.RoleTarget, 1),
		event(models.EventTypeExploit, 10, models.RoleTarget, 2),
		event("mention", 20, models.RoleTarget, 4),
	}

	tests := []struct {
		name string
		asOf time.Time
		want string
	}{
		{"before any event", at(-1), models.StateUndiscovered},
		{"at disclosure", at(0), models.StateDisclosed},
		{"between events", at(5), models.StateDisclosed},
		{"exploited", at(10), models.StateExploited},
		{"non state event ignored", at(25), models.StateExploited},
		{"patched", at(31), models.StatePatched},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReconstructState(cve, events, rules, tt.asOf)
			assert.Equal(t, tt.want, got.State)
			assert.Equal(t, cve, got.EntityID)
		})
	}

	// The actor is not the subject of the vulnerability lifecycle.
	assert.Equal(t, models.StateUndiscovered, ReconstructState(actor, events, rules, at(40)).State)
}

func TestReconstructState_SameTimeLaterRecordWins(t *testing.T) {
	rules := models.DefaultOntologyRules()
	cve := uuid.New()
	when := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	participants := []models.EventParticipant{{EntityID: cve, Role: models.RoleTarget}}

	patch := &models.Event{ID: uuid.New(), EventType: models.EventTypePatch, StartTime: when, Participants: participants, RecordedAt: when.Add(2 * time.Minute), Seq: 2}
	exploit := &models.Event{ID: uuid.New(), EventType: models.EventTypeExploit, StartTime: when, Participants: participants, RecordedAt: when.Add(time.Minute), Seq: 1}

	got := ReconstructState(cve, []*models.Event{patch, exploit}, rules, when)
	assert.Equal(t, models.StatePatched, got.State)
	require.NotNil(t, got.EventID)
	assert.Equal(t, patch.ID, *got.EventID)
}

func TestReconstructState_EndTimeIsEffective(t *testing.T) {
	rules := models.DefaultOntologyRules()
	cve := uuid.New()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)

	events := []*models.Event{{
		ID:           uuid.New(),
		EventType:    models.EventTypeExploit,
		StartTime:    start,
		EndTime:      &end,
		Participants: []models.EventParticipant{{EntityID: cve, Role: models.RoleTarget}},
	}}
	assert.Equal(t, models.StateUndiscovered, ReconstructState(cve, events, rules, start.Add(time.Hour)).State)
	assert.Equal(t, models.StateExploited, ReconstructState(cve, events, rules, end).State)
}

func TestGetStateAt_CacheInvalidatedByNewEvents(t *testing.T) {
	ctx := context.Background()
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindStructured, "nvd")

	cveName := "CVE-2024-21762"
	disclosed := time.Date(2024, 2, 8, 0, 0, 0, 0, time.UTC)
	asOf := disclosed.AddDate(0, 1, 0)

	record := func(eventType string, when time.Time) {
		summary, err := kb.ingestion.IngestBatch(ctx, &models.IngestionBatch{
			Events: []models.RawEvent{{
				SourceID:     "nvd",
				EventType:    eventType,
				StartTime:    when,
				Participants: []models.RawParticipant{{Entity: models.Descriptor{Name: cveName}}},
			}},
		})
		require.NoError(t, err)
		require.Equal(t, 1, summary.EventsRecorded)
	}

	record(models.EventTypeDisclosure, disclosed)
	cve := kb.entityNamed(t, cveName)

	state, err := kb.temporal.GetStateAt(ctx, cve.ID, asOf)
	require.NoError(t, err)
	assert.Equal(t, models.StateDisclosed, state.State)

	// Backfilled event inside the cached window.
	record(models.EventTypeExploit, disclosed.AddDate(0, 0, 3))

	state, err = kb.temporal.GetStateAt(ctx, cve.ID, asOf)
	require.NoError(t, err)
	assert.Equal(t, models.StateExploited, state.State)

	_, err = kb.temporal.GetStateAt(ctx, uuid.New(), asOf)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
