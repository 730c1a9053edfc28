package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/statecache"
)

// CommitResult describes the effect of one evidence write.
type CommitResult struct {
	Assertion *models.Assertion
	// Created is false when the idempotency key was already committed.
	Created bool
	Task    *models.ReviewTask
	Events  []*models.Event
}

// EvidenceStore appends assertions and events and keeps the edge
// projection and derived-state cache in step with them.
type EvidenceStore interface {
	// Commit appends an accepted assertion, projects its edge and
	// materializes its event.
	Commit(ctx context.Context, a *models.Assertion) (*CommitResult, error)
	// CommitForReview appends a pending assertion and enqueues its review task.
	CommitForReview(ctx context.Context, a *models.Assertion, task *models.ReviewTask) (*CommitResult, error)
	// ResolvePending records a review outcome for a pending assertion.
	// Accepted assertions are projected as if freshly committed.
	ResolvePending(ctx context.Context, id uuid.UUID, status models.ValidationStatus, reviewer string, at time.Time) (*CommitResult, error)
	// RecordEvent appends a feed event.
	RecordEvent(ctx context.Context, e *models.Event) (*models.Event, bool, error)
	// InvalidateStates drops cached states of every participant of events.
	InvalidateStates(ctx context.Context, events []*models.Event)
}

// EvidenceStoreDeps groups the evidence store's collaborators.
type EvidenceStoreDeps struct {
	Assertions  repositories.AssertionRepository
	Events      repositories.EventRepository
	Edges       repositories.EdgeRepository
	ReviewTasks repositories.ReviewTaskRepository
	Tx          database.TxRunner
	Cache       statecache.Cache
	Rules       *models.OntologyRules
	Logger      *zap.Logger
}

type evidenceStore struct {
	assertions repositories.AssertionRepository
	events     repositories.EventRepository
	edges      repositories.EdgeRepository
	tasks      repositories.ReviewTaskRepository
	tx         database.TxRunner
	cache      statecache.Cache
	rules      *models.OntologyRules
	logger     *zap.Logger
}

var _ EvidenceStore = (*evidenceStore)(nil)

// NewEvidenceStore creates an EvidenceStore.
func NewEvidenceStore(deps EvidenceStoreDeps) EvidenceStore {
	return &evidenceStore{
		assertions: deps.Assertions,
		events:     deps.Events,
		edges:      deps.Edges,
		tasks:      deps.ReviewTasks,
		tx:         deps.Tx,
		cache:      deps.Cache,
		rules:      deps.Rules,
		logger:     deps.Logger.Named("evidence-store"),
	}
}

func (s *evidenceStore) Commit(ctx context.Context, a *models.Assertion) (*CommitResult, error) {
	if !a.Status.IsAccepted() {
		return nil, fmt.Errorf("commit requires an accepted status, got %q", a.Status)
	}

	var result *CommitResult
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		stored, created, err := s.assertions.Insert(ctx, a)
		if err != nil {
			return err
		}
		result = &CommitResult{Assertion: stored, Created: created}
		if !created {
			return nil
		}
		result.Events, err = s.project(ctx, stored)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit assertion: %w", err)
	}

	s.InvalidateStates(ctx, result.Events)
	return result, nil
}

func (s *evidenceStore) CommitForReview(ctx context.Context, a *models.Assertion, task *models.ReviewTask) (*CommitResult, error) {
	if a.Status != models.StatusPending {
		return nil, fmt.Errorf("review commit requires status %q, got %q", models.StatusPending, a.Status)
	}

	var result *CommitResult
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		stored, created, err := s.assertions.Insert(ctx, a)
		if err != nil {
			return err
		}
		result = &CommitResult{Assertion: stored, Created: created}
		if !created {
			result.Task, err = s.tasks.GetByAssertionID(ctx, stored.ID)
			return err
		}

		task.AssertionID = stored.ID
		if err := s.tasks.Create(ctx, task); err != nil {
			return err
		}
		result.Task = task
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit assertion for review: %w", err)
	}
	return result, nil
}

func (s *evidenceStore) ResolvePending(ctx context.Context, id uuid.UUID, status models.ValidationStatus, reviewer string, at time.Time) (*CommitResult, error) {
	var result *CommitResult
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		resolved, err := s.assertions.Resolve(ctx, id, status, reviewer, at)
		if err != nil {
			return err
		}
		result = &CommitResult{Assertion: resolved}
		if !resolved.Status.IsAccepted() {
			return nil
		}
		result.Events, err = s.project(ctx, resolved)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.InvalidateStates(ctx, result.Events)
	return result, nil
}

func (s *evidenceStore) RecordEvent(ctx context.Context, e *models.Event) (*models.Event, bool, error) {
	var stored *models.Event
	var created bool
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		stored, created, err = s.events.Insert(ctx, e)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to record event: %w", err)
	}

	if created {
		s.InvalidateStates(ctx, []*models.Event{stored})
	}
	return stored, created, nil
}

// project folds an accepted assertion into the edge projection and writes
// the event its predicate denotes, if any.
func (s *evidenceStore) project(ctx context.Context, a *models.Assertion) ([]*models.Event, error) {
	if s.rules.IsRelationship(a.Predicate) {
		if err := s.edges.Project(ctx, a); err != nil {
			return nil, err
		}
	}

	e := s.eventFor(a)
	if e == nil {
		return nil, nil
	}
	stored, created, err := s.events.Insert(ctx, e)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	return []*models.Event{stored}, nil
}

func (s *evidenceStore) eventFor(a *models.Assertion) *models.Event {
	eventType, ok := s.rules.EventTypeFor(a.Predicate)
	if !ok || a.ObservedAt == nil {
		return nil
	}

	assertionID := a.ID
	e := &models.Event{
		IdempotencyKey: "assertion:" + a.IdempotencyKey,
		EventType:      eventType,
		StartTime:      *a.ObservedAt,
		SourceID:       a.SourceID,
		AssertionID:    &assertionID,
		Participants: []models.EventParticipant{
			{EntityID: a.SubjectEntityID, Role: models.RoleTarget},
		},
	}
	if a.ObjectEntityID != nil && *a.ObjectEntityID != a.SubjectEntityID {
		e.Participants = append(e.Participants, models.EventParticipant{EntityID: *a.ObjectEntityID, Role: models.RoleActor})
	}
	return e
}

func (s *evidenceStore) InvalidateStates(ctx context.Context, events []*models.Event) {
	if s.cache == nil {
		return
	}
	for _, e := range events {
		for _, id := range e.ParticipantIDs() {
			if err := s.cache.Invalidate(ctx, id); err != nil {
				s.logger.Warn("Failed to invalidate cached state",
					zap.String("entity_id", id.String()),
					zap.Error(err))
			}
		}
	}
}
