package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

func TestIngestBatch_ScriptXScenario(t *testing.T) {
	ctx := context.Background()
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindExtracted, "source_a", "source_b")

	first := kb.ingest(t, fact("source_a", "ScriptX", "exploits", "CVE-2025-1", 0.92))
	assert.Equal(t, 1, first.AutoCommitted)

	second := kb.ingest(t, fact("source_b", "ScriptX", "exploits", "CVE-2025-2", 0.40))
	assert.Equal(t, 1, second.QueuedForReview)
	assert.Equal(t, 0, second.AutoCommitted)

	scriptx := kb.entityNamed(t, "ScriptX")

	page, err := kb.review.ListPending(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, scriptx.ID, page.Items[0].Assertion.SubjectEntityID)
	assert.Equal(t, "source_b", page.Items[0].Assertion.SourceID)

	_, err = kb.review.Resolve(ctx, page.Items[0].Task.ID, models.DecisionReject, nil, "analyst@example.com")
	require.NoError(t, err)

	assertions, err := kb.query.GetAssertions(ctx, scriptx.ID, "exploits")
	require.NoError(t, err)
	require.Len(t, assertions, 2)
	statuses := map[string]models.ValidationStatus{}
	for _, a := range assertions {
		statuses[a.SourceID] = a.Status
	}
	assert.Equal(t, models.StatusAutoCommitted, statuses["source_a"])
	assert.Equal(t, models.StatusHumanRejected, statuses["source_b"])

	edges, err := kb.query.GetEdges(ctx, scriptx.ID, "exploits")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, kb.entityNamed(t, "CVE-2025-1").ID, edges[0].ObjectEntityID)

	pending, err := kb.review.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestIngestBatch_IdempotentCommit(t *testing.T) {
	ctx := context.Background()
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindStructured, "nvd")

	rec := fact("nvd", "Log4j", "affected_version", "2.14.1", nil)
	first := kb.ingest(t, rec)
	second := kb.ingest(t, rec, rec)

	assert.Equal(t, 1, first.AutoCommitted)
	assert.Equal(t, 0, second.AutoCommitted)
	assert.Equal(t, 2, second.Duplicates)

	assertions, err := kb.query.GetAssertions(ctx, kb.entityNamed(t, "Log4j").ID, "")
	require.NoError(t, err)
	assert.Len(t, assertions, 1)
}

func TestIngestBatch_CallerIdempotencyKeyDeduplicates(t *testing.T) {
	ctx := context.Background()
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindStructured, "nvd")

	first := fact("nvd", "Log4j", "affected_version", "2.14.1", nil)
	first.IdempotencyKey = "nvd-delivery-42"
	redelivered := fact("nvd", "Log4j", "affected_version", "2.14.0", 0.9)
	redelivered.IdempotencyKey = "nvd-delivery-42"

	summary := kb.ingest(t, first, redelivered)
	assert.Equal(t, 1, summary.AutoCommitted)
	assert.Equal(t, 1, summary.Duplicates)

	assertions, err := kb.query.GetAssertions(ctx, kb.entityNamed(t, "Log4j").ID, "")
	require.NoError(t, err)
	require.Len(t, assertions, 1)
	assert.Equal(t, "nvd-delivery-42", assertions[0].IdempotencyKey)
	require.NotNil(t, assertions[0].ObjectLiteral)
	assert.Equal(t, "2.14.1", *assertions[0].ObjectLiteral)
}

func TestIngestBatch_ConflictingClaimsCoexist(t *testing.T) {
	ctx := context.Background()
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindStructured, "vendor", "cert")

	summary := kb.ingest(t,
		fact("vendor", "CVE-2024-3094", "severity", "critical", nil),
		fact("cert", "CVE-2024-3094", "severity", "high", nil),
	)
	assert.Equal(t, 2, summary.AutoCommitted)

	cve := kb.entityNamed(t, "CVE-2024-3094")
	assertions, err := kb.query.GetAssertions(ctx, cve.ID, "severity")
	require.NoError(t, err)
	require.Len(t, assertions, 2)

	objects := map[string]string{}
	for _, a := range assertions {
		require.NotNil(t, a.ObjectLiteral)
		objects[a.SourceID] = *a.ObjectLiteral
	}
	assert.Equal(t, map[string]string{"vendor": "critical", "cert": "high"}, objects)
}

func TestIngestBatch_ReviewGating(t *testing.T) {
	ctx := context.Background()
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindExtracted, "llm")

	summary := kb.ingest(t,
		fact("llm", "APT29", "uses", "Cobalt Strike", 0.60),
		fact("llm", "APT28", "uses", "X-Agent", 0.30),
		fact("llm", "Lazarus", "uses", "AppleJeus", 0.95),
	)
	assert.Equal(t, 2, summary.QueuedForReview)
	assert.Equal(t, 1, summary.AutoCommitted)

	page, err := kb.review.ListPending(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	// Lowest gating confidence first.
	assert.InDelta(t, 0.30, page.Items[0].Task.Priority, 1e-9)
	assert.InDelta(t, 0.60, page.Items[1].Task.Priority, 1e-9)
	for _, it := range page.Items {
		assert.Equal(t, models.StatusPending, it.Assertion.Status)
		assert.Equal(t, models.ReviewReasonLowConfidence, it.Task.Reason)
	}

	edges, err := kb.query.GetEdges(ctx, kb.entityNamed(t, "APT29").ID, "")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestIngestBatch_ExtractedRecordWithoutConfidenceIsReviewed(t *testing.T) {
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindExtracted, "llm")

	summary := kb.ingest(t, fact("llm", "FIN7", "uses", "Carbanak", nil))
	assert.Equal(t, 1, summary.QueuedForReview)
}

func TestIngestBatch_MalformedRecordsAreContained(t *testing.T) {
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindStructured, "feed")

	bad := fact("feed", "", "uses", "Mimikatz", nil)
	unknown := fact("nowhere", "APT41", "uses", "ShadowPad", nil)
	literalRelationship := fact("feed", "APT41", "uses", "x", nil)
	literalRelationship.ObjectLiteral = true

	summary := kb.ingest(t, bad, fact("feed", "APT41", "uses", "Cobalt Strike", nil), unknown, literalRelationship)
	assert.Equal(t, 4, summary.Received)
	assert.Equal(t, 3, summary.Malformed)
	assert.Equal(t, 1, summary.AutoCommitted)
	assert.Equal(t, summary.Received, summary.Accounted())
}

func TestIngestBatch_RejectsOversizedBatch(t *testing.T) {
	kb := newTestKB(t, withIngestionConfig(func(c *config.IngestionConfig) { c.MaxBatchRecords = 1 }))
	kb.declare(t, models.SourceKindStructured, "feed")

	_, err := kb.ingestion.IngestBatch(context.Background(), &models.IngestionBatch{
		Records: []models.RawRecord{
			fact("feed", "a", "related_to", "b", nil),
			fact("feed", "c", "related_to", "d", nil),
		},
	})
	assert.ErrorIs(t, err, apperrors.ErrMalformedRecord)
}

func TestIngestBatch_RetriesTransientFailures(t *testing.T) {
	flaky := &flakyResolver{failures: 1, err: apperrors.NewRetryable("similarity lookup", errors.New("connection reset"))}
	kb := newTestKB(t, withResolver(func(r EntityResolver) EntityResolver {
		flaky.EntityResolver = r
		return flaky
	}))
	kb.declare(t, models.SourceKindStructured, "feed")

	summary := kb.ingest(t, fact("feed", "Emotet", "delivers", "TrickBot", nil))
	assert.Equal(t, 1, summary.AutoCommitted)
	assert.Zero(t, summary.DeadLettered)
}

func TestIngestBatch_DeadLettersExhaustedFactsAndReplays(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyResolver{failures: -1, err: apperrors.NewRetryable("similarity lookup", errors.New("service unavailable"))}
	kb := newTestKB(t, withResolver(func(r EntityResolver) EntityResolver {
		flaky.EntityResolver = r
		return flaky
	}))
	kb.declare(t, models.SourceKindStructured, "feed")

	summary := kb.ingest(t, fact("feed", "Emotet", "delivers", "TrickBot", nil))
	assert.Equal(t, 1, summary.DeadLettered)
	assert.Equal(t, summary.Received, summary.Accounted())

	parked, err := kb.deadLetters.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "feed", parked[0].SourceID)
	assert.Equal(t, kb.cfg.Ingestion.MaxRetries+1, parked[0].Attempts)
	assert.Contains(t, parked[0].Error, "service unavailable")

	// Still failing: the item stays parked with its attempts accumulated.
	replay, err := kb.ingestion.ReplayDeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, replay.Failed)
	assert.Equal(t, 1, replay.Remaining)

	flaky.mu.Lock()
	flaky.failures = 0
	flaky.mu.Unlock()

	replay, err = kb.ingestion.ReplayDeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, replay.Succeeded)
	assert.Zero(t, replay.Remaining)

	emotet := kb.entityNamed(t, "Emotet")
	edges, err := kb.query.GetEdges(ctx, emotet.ID, "delivers")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestIngestBatch_CancellationReportsAbandoned(t *testing.T) {
	blocker := &blockingResolver{started: make(chan struct{}), release: make(chan struct{})}
	kb := newTestKB(t,
		withResolver(func(r EntityResolver) EntityResolver {
			blocker.EntityResolver = r
			return blocker
		}),
		withIngestionConfig(func(c *config.IngestionConfig) { c.Workers = 1 }),
	)
	kb.declare(t, models.SourceKindStructured, "feed")
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	batch := &models.IngestionBatch{}
	for i := range 5 {
		batch.Records = append(batch.Records, fact("feed", fmt.Sprintf("tool-%d", i), "related_to", "APT1", nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		summary *models.IngestionSummary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := kb.ingestion.IngestBatch(ctx, batch)
		done <- result{s, err}
	}()

	<-blocker.started
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("IngestBatch did not return after cancellation")
	}
	require.NoError(t, res.err)
	assert.True(t, res.summary.Cancelled)
	assert.Equal(t, 5, res.summary.Abandoned)
	assert.Zero(t, res.summary.Committed())
	assert.Zero(t, res.summary.DeadLettered)
	assert.Equal(t, res.summary.Received, res.summary.Accounted())
}

func TestIngestBatch_CommitSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gate := &cancellingEvidence{cancel: cancel}
	kb := newTestKB(t,
		withEvidence(func(e EvidenceStore) EvidenceStore {
			gate.EvidenceStore = e
			return gate
		}),
		withIngestionConfig(func(c *config.IngestionConfig) { c.Workers = 1 }),
	)
	kb.declare(t, models.SourceKindStructured, "feed")

	summary, err := kb.ingestion.IngestBatch(ctx, &models.IngestionBatch{Records: []models.RawRecord{
		fact("feed", "Conti", "uses", "Cobalt Strike", nil),
		fact("feed", "Conti", "uses", "AdFind", nil),
	}})
	require.NoError(t, err)

	// The batch was cancelled while the first commit was in flight; that
	// commit completed and the second fact was never dispatched.
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 1, summary.AutoCommitted)
	assert.Equal(t, 1, summary.Abandoned)
}

// cancellingEvidence cancels the batch when the first commit starts.
type cancellingEvidence struct {
	EvidenceStore
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancellingEvidence) Commit(ctx context.Context, a *models.Assertion) (*CommitResult, error) {
	c.once.Do(c.cancel)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.EvidenceStore.Commit(ctx, a)
}

func TestIngestBatch_PreservesPerSourceOrder(t *testing.T) {
	rec := &recordingEvidence{}
	kb := newTestKB(t, withEvidence(func(e EvidenceStore) EvidenceStore {
		rec.EvidenceStore = e
		return rec
	}))
	kb.declare(t, models.SourceKindStructured, "alpha", "beta")

	batch := &models.IngestionBatch{}
	for i := range 20 {
		for _, src := range []string{"alpha", "beta"} {
			r := fact(src, fmt.Sprintf("%s-tool-%02d", src, i), "related_to", "APT10", nil)
			r.SourceTextRef = fmt.Sprintf("%s/%02d", src, i)
			batch.Records = append(batch.Records, r)
		}
	}

	summary, err := kb.ingestion.IngestBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 40, summary.AutoCommitted)

	for _, src := range []string{"alpha", "beta"} {
		refs := rec.refs(src)
		require.Len(t, refs, 20)
		for i, ref := range refs {
			assert.Equal(t, fmt.Sprintf("%s/%02d", src, i), ref)
		}
	}
}

type recordingEvidence struct {
	EvidenceStore
	mu    sync.Mutex
	order []*models.Assertion
}

func (r *recordingEvidence) Commit(ctx context.Context, a *models.Assertion) (*CommitResult, error) {
	r.mu.Lock()
	r.order = append(r.order, a)
	r.mu.Unlock()
	return r.EvidenceStore.Commit(ctx, a)
}

func (r *recordingEvidence) refs(source string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.order {
		if a.SourceID == source {
			out = append(out, a.SourceTextRef)
		}
	}
	return out
}

func TestIngestBatch_EventsDriveTemporalState(t *testing.T) {
	ctx := context.Background()
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindStructured, "nvd")

	t1 := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	t3 := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	cve := models.Descriptor{Name: "CVE-2025-10001"}

	event := func(kind string, at time.Time) models.RawEvent {
		return models.RawEvent{
			SourceID:     "nvd",
			EventType:    kind,
			StartTime:    at,
			Participants: []models.RawParticipant{{Entity: cve}},
		}
	}

	summary, err := kb.ingestion.IngestBatch(ctx, &models.IngestionBatch{Events: []models.RawEvent{
		event(models.EventTypeExploit, t2),
		event(models.EventTypeDisclosure, t1),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.EventsRecorded)

	// The patch arrives as a fact whose predicate denotes an event.
	patched := fact("nvd", "CVE-2025-10001", "patched", "vendor fix 1.2.3", nil)
	patched.ObservedAt = rawJSON(t3.Format(time.RFC3339))
	assert.Equal(t, 1, kb.ingest(t, patched).AutoCommitted)

	id := kb.entityNamed(t, "CVE-2025-10001").ID
	cases := []struct {
		at   time.Time
		want string
	}{
		{t1.Add(-time.Hour), models.StateUndiscovered},
		{t1, models.StateDisclosed},
		{t2.Add(-time.Nanosecond), models.StateDisclosed},
		{t2, models.StateExploited},
		{t3.Add(-time.Hour), models.StateExploited},
		{t3, models.StatePatched},
		{t3.AddDate(1, 0, 0), models.StatePatched},
	}
	for _, tc := range cases {
		state, err := kb.query.GetStateAt(ctx, id, tc.at)
		require.NoError(t, err)
		assert.Equal(t, tc.want, state.State, "state at %s", tc.at)
	}

	timeline, err := kb.query.GetTimeline(ctx, id)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, models.EventTypeDisclosure, timeline[0].EventType)
	assert.Equal(t, models.EventTypePatch, timeline[2].EventType)

	// Replayed events collapse onto their idempotency keys.
	again, err := kb.ingestion.IngestBatch(ctx, &models.IngestionBatch{Events: []models.RawEvent{event(models.EventTypeExploit, t2)}})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Duplicates)
}

func TestIngestBatch_AssignsBatchID(t *testing.T) {
	kb := newTestKB(t)
	summary, err := kb.ingestion.IngestBatch(context.Background(), &models.IngestionBatch{})
	require.NoError(t, err)
	_, err = uuid.Parse(summary.BatchID)
	assert.NoError(t, err)
	assert.Zero(t, summary.Received)
}
