package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/deadletter"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/retry"
)

// IngestionService runs batches through normalize, resolve, gate and commit.
type IngestionService interface {
	// IngestBatch processes a batch. Sources run concurrently; within a
	// source, records and then events are processed in order. When ctx is
	// cancelled, dispatch stops, facts already committing finish, and the
	// remainder is reported as abandoned.
	IngestBatch(ctx context.Context, batch *models.IngestionBatch) (*models.IngestionSummary, error)

	// ReplayDeadLetters re-submits up to limit parked items, oldest first.
	// limit <= 0 replays all of them.
	ReplayDeadLetters(ctx context.Context, limit int) (*ReplaySummary, error)
}

// ReplaySummary reports a dead-letter replay.
type ReplaySummary struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Remaining is the number of items still parked afterwards.
	Remaining int `json:"remaining"`
}

// IngestionDeps groups the ingestion runner's collaborators.
type IngestionDeps struct {
	Catalog     SourceCatalog
	Normalizer  Normalizer
	Resolver    EntityResolver
	Router      ReviewRouter
	Evidence    EvidenceStore
	DeadLetters deadletter.Store
	Scopes      database.ScopeProvider
	Rules       *models.OntologyRules
	Config      config.IngestionConfig
	Logger      *zap.Logger
}

type ingestionService struct {
	catalog     SourceCatalog
	normalizer  Normalizer
	resolver    EntityResolver
	router      ReviewRouter
	evidence    EvidenceStore
	deadLetters deadletter.Store
	scopes      database.ScopeProvider
	rules       *models.OntologyRules
	cfg         config.IngestionConfig
	retryCfg    *retry.Config
	logger      *zap.Logger
}

var _ IngestionService = (*ingestionService)(nil)

// NewIngestionService creates an IngestionService.
func NewIngestionService(deps IngestionDeps) IngestionService {
	cfg := deps.Config
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.MaxRetries
	if cfg.RetryInitialDelay > 0 {
		retryCfg.InitialDelay = cfg.RetryInitialDelay
	}
	if cfg.RetryMaxDelay > 0 {
		retryCfg.MaxDelay = cfg.RetryMaxDelay
	}

	return &ingestionService{
		catalog:     deps.Catalog,
		normalizer:  deps.Normalizer,
		resolver:    deps.Resolver,
		router:      deps.Router,
		evidence:    deps.Evidence,
		deadLetters: deps.DeadLetters,
		scopes:      deps.Scopes,
		rules:       deps.Rules,
		cfg:         cfg,
		retryCfg:    retryCfg,
		logger:      deps.Logger.Named("ingestion"),
	}
}

// outcome is the bucket a processed item lands in.
type outcome int

const (
	outcomeAutoCommitted outcome = iota
	outcomeQueued
	outcomeDuplicate
	outcomeEventRecorded
	outcomeMalformed
	outcomeDeadLettered
	outcomeAbandoned
)

// tally accumulates outcomes from concurrent partitions.
type tally struct {
	mu      sync.Mutex
	summary *models.IngestionSummary
}

func (t *tally) add(o outcome, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case outcomeAutoCommitted:
		t.summary.AutoCommitted += n
	case outcomeQueued:
		t.summary.QueuedForReview += n
	case outcomeDuplicate:
		t.summary.Duplicates += n
	case outcomeEventRecorded:
		t.summary.EventsRecorded += n
	case outcomeMalformed:
		t.summary.Malformed += n
	case outcomeDeadLettered:
		t.summary.DeadLettered += n
	case outcomeAbandoned:
		t.summary.Abandoned += n
	}
}

// item is one unit of work within a source partition.
type item struct {
	record *models.RawRecord
	event  *models.RawEvent
}

func (it item) sourceID() string {
	if it.record != nil {
		return it.record.SourceID
	}
	return it.event.SourceID
}

// partition groups a batch's items by source, preserving first-appearance
// order of sources. Each source's records precede its events.
func partition(batch *models.IngestionBatch) [][]item {
	index := make(map[string]int)
	var parts [][]item
	add := func(it item) {
		i, ok := index[it.sourceID()]
		if !ok {
			i = len(parts)
			index[it.sourceID()] = i
			parts = append(parts, nil)
		}
		parts[i] = append(parts[i], it)
	}
	for i := range batch.Records {
		add(item{record: &batch.Records[i]})
	}
	for i := range batch.Events {
		add(item{event: &batch.Events[i]})
	}
	return parts
}

func (s *ingestionService) IngestBatch(ctx context.Context, batch *models.IngestionBatch) (*models.IngestionSummary, error) {
	if batch == nil {
		return nil, apperrors.NewMalformed("", "batch", "is empty")
	}
	received := len(batch.Records) + len(batch.Events)
	if s.cfg.MaxBatchRecords > 0 && received > s.cfg.MaxBatchRecords {
		return nil, apperrors.NewMalformed("", "records",
			fmt.Sprintf("batch of %d items exceeds limit of %d", received, s.cfg.MaxBatchRecords))
	}
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}

	summary := &models.IngestionSummary{
		BatchID:   batch.ID,
		Received:  received,
		StartedAt: time.Now().UTC(),
	}

	if len(batch.Sources) > 0 {
		if err := s.catalog.EnsureSources(ctx, batch.Sources); err != nil {
			return nil, fmt.Errorf("failed to register batch sources: %w", err)
		}
	}

	var limiter *rate.Limiter
	if s.cfg.RecordsPerSecond > 0 {
		burst := max(1, int(s.cfg.RecordsPerSecond))
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RecordsPerSecond), burst)
	}

	parts := partition(batch)
	s.logger.Info("Starting ingestion batch",
		zap.String("batch_id", batch.ID),
		zap.Int("items", received),
		zap.Int("sources", len(parts)),
		zap.Int("workers", s.cfg.Workers))

	t := &tally{summary: summary}
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, items := range parts {
		g.Go(func() error {
			s.runPartition(ctx, batch.ID, items, limiter, t)
			return nil
		})
	}
	_ = g.Wait()

	summary.Cancelled = ctx.Err() != nil
	summary.FinishedAt = time.Now().UTC()

	fields := []zap.Field{
		zap.String("batch_id", summary.BatchID),
		zap.Int("received", summary.Received),
		zap.Int("auto_committed", summary.AutoCommitted),
		zap.Int("queued_for_review", summary.QueuedForReview),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("events_recorded", summary.EventsRecorded),
		zap.Int("malformed", summary.Malformed),
		zap.Int("dead_lettered", summary.DeadLettered),
		zap.Int("abandoned", summary.Abandoned),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	}
	if summary.Cancelled {
		s.logger.Warn("Ingestion batch cancelled", fields...)
	} else {
		s.logger.Info("Ingestion batch complete", fields...)
	}
	return summary, nil
}

// runPartition processes one source's items sequentially under its own scope.
func (s *ingestionService) runPartition(ctx context.Context, batchID string, items []item, limiter *rate.Limiter, t *tally) {
	if ctx.Err() != nil {
		t.add(outcomeAbandoned, len(items))
		return
	}

	scoped, release, err := s.scopes.WithScope(ctx)
	if err != nil {
		s.logger.Error("Failed to acquire scope for partition",
			zap.String("source_id", items[0].sourceID()),
			zap.Error(err))
		for _, it := range items {
			t.add(s.park(context.WithoutCancel(ctx), batchID, it, 0, err), 1)
		}
		return
	}
	defer release()

	for i, it := range items {
		if scoped.Err() != nil {
			t.add(outcomeAbandoned, len(items)-i)
			return
		}
		if limiter != nil {
			if err := limiter.Wait(scoped); err != nil {
				t.add(outcomeAbandoned, len(items)-i)
				return
			}
		}
		t.add(s.process(scoped, batchID, it), 1)
	}
}

// process runs one item with retries and classifies the result.
func (s *ingestionService) process(ctx context.Context, batchID string, it item) outcome {
	o, attempts, err := s.attempt(ctx, it)
	if err == nil {
		return o
	}

	switch {
	case apperrors.IsMalformed(err):
		s.logger.Warn("Rejected malformed item",
			zap.String("batch_id", batchID),
			zap.String("source_id", it.sourceID()),
			zap.Error(err))
		return outcomeMalformed
	case ctx.Err() != nil:
		return outcomeAbandoned
	}
	return s.park(context.WithoutCancel(ctx), batchID, it, attempts, err)
}

// attempt processes an item under the retry policy.
func (s *ingestionService) attempt(ctx context.Context, it item) (outcome, int, error) {
	var o outcome
	attempts := 0
	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		attempts++
		var err error
		if it.record != nil {
			o, err = s.ingestRecord(ctx, it.record)
		} else {
			o, err = s.ingestEvent(ctx, it.event)
		}
		return err
	})
	return o, attempts, err
}

func (s *ingestionService) park(ctx context.Context, batchID string, it item, attempts int, cause error) outcome {
	dl := &models.DeadLetter{
		BatchID:  batchID,
		SourceID: it.sourceID(),
		Record:   it.record,
		Event:    it.event,
		Error:    cause.Error(),
		Attempts: attempts,
	}
	if err := s.deadLetters.Put(ctx, dl); err != nil {
		s.logger.Error("Failed to park item; it is lost from this run",
			zap.String("batch_id", batchID),
			zap.String("source_id", it.sourceID()),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return outcomeAbandoned
	}
	return outcomeDeadLettered
}

// ingestRecord normalizes, resolves, gates and commits one fact.
func (s *ingestionService) ingestRecord(ctx context.Context, raw *models.RawRecord) (outcome, error) {
	fact, err := s.normalizer.Normalize(ctx, raw)
	if err != nil {
		return 0, err
	}

	subject, object, err := s.resolveFact(ctx, fact)
	if err != nil {
		return 0, err
	}

	decision := s.router.Route(ctx, fact.SourceID, fact.Confidence, subject, object)

	commitCtx, cancel := s.commitContext(ctx)
	defer cancel()

	if decision.AutoCommit {
		a := BuildAssertion(fact, subject, object, models.StatusAutoCommitted)
		res, err := s.evidence.Commit(commitCtx, a)
		if err != nil {
			return 0, fmt.Errorf("failed to commit assertion: %w", err)
		}
		if !res.Created {
			return outcomeDuplicate, nil
		}
		return outcomeAutoCommitted, nil
	}

	a := BuildAssertion(fact, subject, object, models.StatusPending)
	task := &models.ReviewTask{
		Priority:   decision.GatingConfidence,
		Reason:     decision.Reason,
		Candidates: decision.Candidates,
	}
	res, err := s.evidence.CommitForReview(commitCtx, a, task)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue assertion for review: %w", err)
	}
	if !res.Created {
		return outcomeDuplicate, nil
	}
	s.logger.Debug("Queued fact for review",
		zap.String("assertion_id", res.Assertion.ID.String()),
		zap.String("reason", string(decision.Reason)),
		zap.Float64("gating_confidence", decision.GatingConfidence),
		zap.Float64("threshold", decision.Threshold))
	return outcomeQueued, nil
}

// resolveFact resolves the subject and, for relationships, the object
// within the resolve timeout.
func (s *ingestionService) resolveFact(ctx context.Context, fact *models.CandidateFact) (*Resolution, *Resolution, error) {
	rctx, cancel := s.resolveContext(ctx)
	defer cancel()

	rc := ResolveContext{
		SourceID:    fact.SourceID,
		Reliability: s.catalog.Reliability(ctx, fact.SourceID),
	}
	if fact.Object != nil {
		rc.Neighbor = fact.Object.NormalizedName()
	}
	subject, err := s.resolver.Resolve(rctx, fact.Subject, rc)
	if err != nil {
		return nil, nil, s.resolveErr(ctx, "subject", err)
	}

	if fact.ObjectKind != models.ObjectKindEntity || fact.Object == nil {
		return subject, nil, nil
	}
	rc.Neighbor = fact.Subject.NormalizedName()
	object, err := s.resolver.Resolve(rctx, *fact.Object, rc)
	if err != nil {
		return nil, nil, s.resolveErr(ctx, "object", err)
	}
	return subject, object, nil
}

// resolveErr turns a resolve timeout into a retryable failure while the
// batch itself is still live.
func (s *ingestionService) resolveErr(ctx context.Context, side string, err error) error {
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewRetryable("resolve "+side, err)
	}
	return fmt.Errorf("failed to resolve %s: %w", side, err)
}

// ingestEvent resolves the participants of a feed event and records it.
func (s *ingestionService) ingestEvent(ctx context.Context, raw *models.RawEvent) (outcome, error) {
	ev, err := s.normalizer.NormalizeEvent(ctx, raw)
	if err != nil {
		return 0, err
	}

	rctx, cancel := s.resolveContext(ctx)
	defer cancel()

	rc := ResolveContext{
		SourceID:    ev.SourceID,
		Reliability: s.catalog.Reliability(ctx, ev.SourceID),
	}
	e := &models.Event{
		IdempotencyKey: ev.IdempotencyKey,
		EventType:      ev.EventType,
		StartTime:      ev.StartTime,
		EndTime:        ev.EndTime,
		SourceID:       ev.SourceID,
	}
	seen := make(map[uuid.UUID]bool)
	resolutions := make([]*Resolution, 0, len(ev.Participants))
	for _, p := range ev.Participants {
		res, err := s.resolver.Resolve(rctx, p.Entity, rc)
		if err != nil {
			return 0, s.resolveErr(ctx, "participant", err)
		}
		resolutions = append(resolutions, res)
		if seen[res.EntityID] {
			continue
		}
		seen[res.EntityID] = true
		e.Participants = append(e.Participants, models.EventParticipant{EntityID: res.EntityID, Role: p.Role})
	}

	commitCtx, cancelCommit := s.commitContext(ctx)
	defer cancelCommit()

	decision := s.router.Route(ctx, ev.SourceID, 1, resolutions...)
	if decision.Reason == models.ReviewReasonAmbiguousResolution {
		return s.holdEvent(commitCtx, e, decision)
	}

	_, created, err := s.evidence.RecordEvent(commitCtx, e)
	if err != nil {
		return 0, err
	}
	if !created {
		return outcomeDuplicate, nil
	}
	return outcomeEventRecorded, nil
}

// holdEvent queues an event with an ambiguous participant for review as a
// pending assertion on its provisional target. Accepting the assertion
// materializes the event. Events with no such rendering are parked.
func (s *ingestionService) holdEvent(ctx context.Context, e *models.Event, decision RoutingDecision) (outcome, error) {
	a, ok := s.eventAssertion(e, decision.GatingConfidence)
	if !ok {
		return 0, &apperrors.AmbiguousResolutionError{
			Descriptor: e.EventType + " event " + e.IdempotencyKey,
			Candidates: uuidStrings(decision.Candidates),
		}
	}

	task := &models.ReviewTask{
		Priority:   decision.GatingConfidence,
		Reason:     decision.Reason,
		Candidates: decision.Candidates,
	}
	res, err := s.evidence.CommitForReview(ctx, a, task)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue event for review: %w", err)
	}
	if !res.Created {
		return outcomeDuplicate, nil
	}
	s.logger.Debug("Queued event for review",
		zap.String("assertion_id", res.Assertion.ID.String()),
		zap.String("event_type", e.EventType),
		zap.Int("candidates", len(decision.Candidates)))
	return outcomeQueued, nil
}

// eventAssertion renders e as a pending assertion whose acceptance
// reproduces it: a single target, at most one other participant acting on
// it, and a predicate that materializes the event type.
func (s *ingestionService) eventAssertion(e *models.Event, confidence float64) (*models.Assertion, bool) {
	predicate, ok := s.rules.PredicateFor(e.EventType)
	if !ok || len(e.Participants) > 2 {
		return nil, false
	}

	var target, other []models.EventParticipant
	for _, p := range e.Participants {
		if p.Role == models.RoleTarget || p.Role == models.RoleSubject {
			target = append(target, p)
		} else {
			other = append(other, p)
		}
	}
	if len(target) != 1 {
		return nil, false
	}

	observed := e.EffectiveTime()
	a := &models.Assertion{
		ID:              uuid.New(),
		IdempotencyKey:  "event:" + e.IdempotencyKey,
		SubjectEntityID: target[0].EntityID,
		Predicate:       predicate,
		ObjectKind:      models.ObjectKindLiteral,
		Confidence:      confidence,
		SourceID:        e.SourceID,
		ObservedAt:      &observed,
		Status:          models.StatusPending,
	}
	if len(other) == 1 {
		id := other[0].EntityID
		a.ObjectKind = models.ObjectKindEntity
		a.ObjectEntityID = &id
	} else {
		literal := e.EventType
		a.ObjectLiteral = &literal
	}
	return a, true
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (s *ingestionService) resolveContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.ResolveTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.ResolveTimeout)
}

// commitContext detaches the commit from batch cancellation so a started
// write completes, bounded by the commit timeout.
func (s *ingestionService) commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if s.cfg.CommitTimeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, s.cfg.CommitTimeout)
}

func (s *ingestionService) ReplayDeadLetters(ctx context.Context, limit int) (*ReplaySummary, error) {
	parked, err := s.deadLetters.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	scoped, release, err := s.scopes.WithScope(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire scope for replay: %w", err)
	}
	defer release()

	out := &ReplaySummary{}
	for _, dl := range parked {
		if scoped.Err() != nil {
			break
		}
		it := item{record: dl.Record, event: dl.Event}
		if it.record == nil && it.event == nil {
			s.logger.Warn("Dropping empty dead letter", zap.String("id", dl.ID.String()))
			if err := s.deadLetters.Delete(ctx, dl.ID); err != nil {
				return out, fmt.Errorf("failed to delete dead letter %s: %w", dl.ID, err)
			}
			continue
		}

		out.Attempted++
		_, attempts, err := s.attempt(scoped, it)
		if err != nil {
			if scoped.Err() != nil {
				out.Attempted--
				break
			}
			out.Failed++
			dl.Attempts += attempts
			dl.Error = err.Error()
			dl.FailedAt = time.Now().UTC()
			if putErr := s.deadLetters.Put(ctx, dl); putErr != nil {
				return out, fmt.Errorf("failed to update dead letter %s: %w", dl.ID, putErr)
			}
			continue
		}

		out.Succeeded++
		if err := s.deadLetters.Delete(ctx, dl.ID); err != nil {
			return out, fmt.Errorf("failed to delete dead letter %s: %w", dl.ID, err)
		}
	}

	if out.Remaining, err = s.deadLetters.Count(ctx); err != nil {
		return out, fmt.Errorf("failed to count dead letters: %w", err)
	}

	s.logger.Info("Replayed dead letters",
		zap.Int("attempted", out.Attempted),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
		zap.Int("remaining", out.Remaining))
	return out, nil
}
