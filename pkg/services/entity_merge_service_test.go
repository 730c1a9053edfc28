package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

func TestMergeEntities(t *testing.T) {
	ctx := context.Background()
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindStructured, "feed")

	kb.ingest(t,
		fact("feed", "Fancy Bear", "uses", "X-Agent", nil),
		fact("feed", "APT28", "uses", "Zebrocy", nil),
	)
	loser := kb.entityNamed(t, "Fancy Bear")
	survivor := kb.entityNamed(t, "APT28")

	merged, err := kb.merge.MergeEntities(ctx, loser.ID, survivor.ID)
	require.NoError(t, err)
	assert.Equal(t, survivor.ID, merged.ID)
	assert.Contains(t, merged.Aliases, "Fancy Bear")

	// The loser's id keeps resolving, to the survivor.
	got, err := kb.query.GetEntity(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, survivor.ID, got.ID)

	edges, err := kb.query.GetEdges(ctx, survivor.ID, "uses")
	require.NoError(t, err)
	assert.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, survivor.ID, e.SubjectEntityID)
	}

	assertions, err := kb.query.GetAssertions(ctx, loser.ID, "uses")
	require.NoError(t, err)
	assert.Len(t, assertions, 2)

	// New facts about the old name land on the survivor.
	kb.ingest(t, fact("feed", "Fancy Bear", "uses", "Sofacy", nil))
	edges, err = kb.query.GetEdges(ctx, survivor.ID, "uses")
	require.NoError(t, err)
	assert.Len(t, edges, 3)

	_, err = kb.merge.MergeEntities(ctx, loser.ID, survivor.ID)
	assert.ErrorIs(t, err, apperrors.ErrMergeConflict)
}

func TestMergeEntities_RewritesOnlyEntityReferences(t *testing.T) {
	ctx := context.Background()
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindStructured, "feed")
	kb.declare(t, models.SourceKindExtracted, "llm")

	kb.ingest(t,
		fact("feed", "Fancy Bear", "uses", "X-Agent", nil),
		fact("feed", "Sednit", "attributed_to", "Fancy Bear", nil),
		fact("llm", "Fancy Bear", "uses", "Zebrocy", 0.3),
		fact("feed", "APT28", "uses", "CHOPSTICK", nil),
	)
	loser := kb.entityNamed(t, "Fancy Bear")
	survivor := kb.entityNamed(t, "APT28")
	sednit := kb.entityNamed(t, "Sednit")

	var ids []uuid.UUID
	for _, id := range []uuid.UUID{loser.ID, sednit.ID, survivor.ID} {
		list, err := kb.query.GetAssertions(ctx, id, "")
		require.NoError(t, err)
		for _, a := range list {
			ids = append(ids, a.ID)
		}
	}
	require.Len(t, ids, 4)
	before := loadAssertions(t, kb, ids...)

	_, err := kb.merge.MergeEntities(ctx, loser.ID, survivor.ID)
	require.NoError(t, err)

	after := loadAssertions(t, kb, ids...)
	refs := cmpopts.IgnoreFields(models.Assertion{}, "SubjectEntityID", "ObjectEntityID")
	for _, id := range ids {
		b, a := before[id], after[id]
		if diff := cmp.Diff(b, a, refs); diff != "" {
			t.Errorf("merge changed assertion %s beyond entity references (-before +after):\n%s", id, diff)
		}

		wantSubject := b.SubjectEntityID
		if wantSubject == loser.ID {
			wantSubject = survivor.ID
		}
		assert.Equal(t, wantSubject, a.SubjectEntityID)
		if b.ObjectEntityID != nil {
			wantObject := *b.ObjectEntityID
			if wantObject == loser.ID {
				wantObject = survivor.ID
			}
			require.NotNil(t, a.ObjectEntityID)
			assert.Equal(t, wantObject, *a.ObjectEntityID)
		}
		assert.NotContains(t, a.EntityIDs(), loser.ID)
	}
}

func TestMergeEntities_Rejects(t *testing.T) {
	ctx := context.Background()
	kb := newTestKB(t)

	a := seedEntity(t, kb, "Alpha")
	b := seedEntity(t, kb, "Bravo")
	c := seedEntity(t, kb, "Charlie")

	_, err := kb.merge.MergeEntities(ctx, a.ID, a.ID)
	assert.ErrorIs(t, err, apperrors.ErrMergeConflict)

	_, err = kb.merge.MergeEntities(ctx, a.ID, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = kb.merge.MergeEntities(ctx, b.ID, c.ID)
	require.NoError(t, err)

	// Merging into a merged entity would fork the chain.
	_, err = kb.merge.MergeEntities(ctx, a.ID, b.ID)
	assert.ErrorIs(t, err, apperrors.ErrMergeConflict)
}

func TestMergeEntities_MovesEvents(t *testing.T) {
	ctx := context.Background()
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindStructured, "nvd")

	disclosed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	summary, err := kb.ingestion.IngestBatch(ctx, &models.IngestionBatch{
		Events: []models.RawEvent{{
			SourceID:     "nvd",
			EventType:    models.EventTypeDisclosure,
			StartTime:    disclosed,
			Participants: []models.RawParticipant{{Entity: models.Descriptor{Name: "xz backdoor"}}},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.EventsRecorded)

	loser := kb.entityNamed(t, "xz backdoor")
	survivor := seedEntity(t, kb, "CVE-2024-3094 backdoor")

	_, err = kb.merge.MergeEntities(ctx, loser.ID, survivor.ID)
	require.NoError(t, err)

	state, err := kb.temporal.GetStateAt(ctx, survivor.ID, disclosed.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StateDisclosed, state.State)
}
