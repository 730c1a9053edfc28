package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories"
)

var cursorJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidCursor is returned for cursors not produced by ListPending.
var ErrInvalidCursor = errors.New("invalid cursor")

// ReviewItem is a review task together with the assertion it wraps.
type ReviewItem struct {
	Task      *models.ReviewTask `json:"task"`
	Assertion *models.Assertion  `json:"assertion"`
}

// PendingPage is one page of the review queue.
type PendingPage struct {
	Items      []*ReviewItem `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// ReviewResolution is the outcome of a reviewer decision.
type ReviewResolution struct {
	Task       *models.ReviewTask `json:"task"`
	Assertion  *models.Assertion  `json:"assertion"`
	Correction *models.Assertion  `json:"correction,omitempty"`
}

// ReviewService is the reviewer-facing side of the review queue.
type ReviewService interface {
	// ListPending returns open tasks lowest confidence first, FIFO within a
	// priority. An empty cursor starts at the head of the queue.
	ListPending(ctx context.Context, cursor string, limit int) (*PendingPage, error)
	// Resolve applies a decision. Edits reject the original and commit the
	// corrected record as a new human-validated assertion.
	Resolve(ctx context.Context, taskID uuid.UUID, decision models.ReviewDecision, corrected *models.RawRecord, reviewer string) (*ReviewResolution, error)
	CountPending(ctx context.Context) (int, error)
	GetTask(ctx context.Context, taskID uuid.UUID) (*ReviewItem, error)
}

// ReviewServiceDeps groups the review service's collaborators.
type ReviewServiceDeps struct {
	ReviewTasks repositories.ReviewTaskRepository
	Assertions  repositories.AssertionRepository
	Evidence    EvidenceStore
	Normalizer  Normalizer
	Resolver    EntityResolver
	Catalog     SourceCatalog
	Tx          database.TxRunner
	Config      config.ReviewConfig
	Logger      *zap.Logger
}

type reviewService struct {
	tasks      repositories.ReviewTaskRepository
	assertions repositories.AssertionRepository
	evidence   EvidenceStore
	normalizer Normalizer
	resolver   EntityResolver
	catalog    SourceCatalog
	tx         database.TxRunner
	cfg        config.ReviewConfig
	logger     *zap.Logger
}

var _ ReviewService = (*reviewService)(nil)

// NewReviewService creates a ReviewService.
func NewReviewService(deps ReviewServiceDeps) ReviewService {
	return &reviewService{
		tasks:      deps.ReviewTasks,
		assertions: deps.Assertions,
		evidence:   deps.Evidence,
		normalizer: deps.Normalizer,
		resolver:   deps.Resolver,
		catalog:    deps.Catalog,
		tx:         deps.Tx,
		cfg:        deps.Config,
		logger:     deps.Logger.Named("review"),
	}
}

func (s *reviewService) ListPending(ctx context.Context, cursor string, limit int) (*PendingPage, error) {
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = s.cfg.DefaultPageSize
	}
	if s.cfg.MaxPageSize > 0 && limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}

	tasks, err := s.tasks.ListOpen(ctx, after, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list review tasks: %w", err)
	}

	page := &PendingPage{Items: make([]*ReviewItem, 0, min(len(tasks), limit))}
	if len(tasks) > limit {
		tasks = tasks[:limit]
		last := tasks[len(tasks)-1]
		page.NextCursor = encodeCursor(&models.ReviewCursor{Priority: last.Priority, EnqueuedAt: last.EnqueuedAt, ID: last.ID})
	}

	for _, t := range tasks {
		a, err := s.assertions.GetByID(ctx, t.AssertionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load assertion %s: %w", t.AssertionID, err)
		}
		page.Items = append(page.Items, &ReviewItem{Task: t, Assertion: a})
	}
	return page, nil
}

func (s *reviewService) CountPending(ctx context.Context) (int, error) {
	n, err := s.tasks.CountOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count review tasks: %w", err)
	}
	return n, nil
}

func (s *reviewService) GetTask(ctx context.Context, taskID uuid.UUID) (*ReviewItem, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load review task: %w", err)
	}
	if task == nil {
		return nil, apperrors.ErrNotFound
	}
	a, err := s.assertions.GetByID(ctx, task.AssertionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load assertion: %w", err)
	}
	return &ReviewItem{Task: task, Assertion: a}, nil
}

func (s *reviewService) Resolve(ctx context.Context, taskID uuid.UUID, decision models.ReviewDecision, corrected *models.RawRecord, reviewer string) (*ReviewResolution, error) {
	if !decision.IsValid() {
		return nil, fmt.Errorf("unknown review decision %q", decision)
	}
	if reviewer == "" {
		return nil, fmt.Errorf("reviewer identity is required")
	}

	item, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !item.Task.IsOpen() {
		return nil, fmt.Errorf("review task %s is already resolved: %w", taskID, apperrors.ErrConflict)
	}

	var correction *models.Assertion
	if decision == models.DecisionEdit {
		if corrected == nil {
			return nil, apperrors.NewMalformed(ReviewerSourceID, "corrected", "edit requires a corrected record")
		}
		if correction, err = s.buildCorrection(ctx, item.Assertion, corrected, reviewer); err != nil {
			return nil, err
		}
	}

	status := models.StatusHumanRejected
	if decision == models.DecisionAccept {
		status = models.StatusHumanValidated
	}

	txCtx, cancel := s.commitContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	out := &ReviewResolution{}
	var events []*models.Event
	err = s.tx.InTx(txCtx, func(ctx context.Context) error {
		resolved, err := s.evidence.ResolvePending(ctx, item.Assertion.ID, status, reviewer, now)
		if err != nil {
			return err
		}
		out.Assertion = resolved.Assertion
		events = append(events, resolved.Events...)

		var correctionID *uuid.UUID
		if correction != nil {
			committed, err := s.evidence.Commit(ctx, correction)
			if err != nil {
				return err
			}
			out.Correction = committed.Assertion
			events = append(events, committed.Events...)
			id := committed.Assertion.ID
			correctionID = &id
		}

		return s.tasks.Close(ctx, taskID, decision, reviewer, correctionID, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve review task %s: %w", taskID, err)
	}

	// The writes above may have run inside the outer transaction; drop
	// cached states again now that they are visible.
	s.evidence.InvalidateStates(ctx, events)

	if out.Task, err = s.tasks.GetByID(ctx, taskID); err != nil {
		return nil, fmt.Errorf("failed to reload review task: %w", err)
	}

	s.logger.Info("Resolved review task",
		zap.String("task_id", taskID.String()),
		zap.String("assertion_id", item.Assertion.ID.String()),
		zap.String("decision", string(decision)),
		zap.String("reviewer", reviewer))
	return out, nil
}

// buildCorrection normalizes and resolves the reviewer's corrected record.
// The correction is attributed to the reviewer source and supersedes the original.
func (s *reviewService) buildCorrection(ctx context.Context, original *models.Assertion, raw *models.RawRecord, reviewer string) (*models.Assertion, error) {
	if err := s.catalog.EnsureSources(ctx, []models.SourceDeclaration{{
		ID:          ReviewerSourceID,
		DisplayName: "Human review",
		Kind:        models.SourceKindStructured,
	}}); err != nil {
		return nil, err
	}

	rec := *raw
	rec.SourceID = ReviewerSourceID
	rec.Kind = models.RecordKindStructured
	rec.IdempotencyKey = ""
	if rec.SourceTextRef == "" {
		rec.SourceTextRef = original.SourceTextRef
	}

	fact, err := s.normalizer.Normalize(ctx, &rec)
	if err != nil {
		return nil, err
	}

	rc := ResolveContext{SourceID: ReviewerSourceID, Reliability: 1}
	subject, err := s.resolver.Resolve(ctx, fact.Subject, rc)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve corrected subject: %w", err)
	}
	var object *Resolution
	if fact.ObjectKind == models.ObjectKindEntity {
		if object, err = s.resolver.Resolve(ctx, *fact.Object, rc); err != nil {
			return nil, fmt.Errorf("failed to resolve corrected object: %w", err)
		}
	}

	now := time.Now().UTC()
	a := BuildAssertion(fact, subject, object, models.StatusHumanValidated)
	a.ResolvedAt = &now
	a.ResolvedBy = &reviewer
	supersedes := original.ID
	a.Supersedes = &supersedes
	return a, nil
}

// commitContext bounds a decision's transaction by the commit timeout.
func (s *reviewService) commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CommitTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.CommitTimeout)
}

// BuildAssertion assembles an assertion from a normalized fact and its resolutions.
func BuildAssertion(fact *models.CandidateFact, subject, object *Resolution, status models.ValidationStatus) *models.Assertion {
	a := &models.Assertion{
		ID:              uuid.New(),
		IdempotencyKey:  fact.IdempotencyKey,
		SubjectEntityID: subject.EntityID,
		Predicate:       fact.Predicate,
		ObjectKind:      fact.ObjectKind,
		Confidence:      fact.Confidence,
		SourceID:        fact.SourceID,
		SourceTextRef:   fact.SourceTextRef,
		ObservedAt:      fact.ObservedAt,
		Status:          status,
	}
	if fact.ObjectKind == models.ObjectKindEntity && object != nil {
		id := object.EntityID
		a.ObjectEntityID = &id
	} else {
		literal := fact.ObjectLiteral
		a.ObjectLiteral = &literal
	}
	return a
}

func encodeCursor(c *models.ReviewCursor) string {
	data, err := cursorJSON.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (*models.ReviewCursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var c models.ReviewCursor
	if err := cursorJSON.Unmarshal(data, &c); err != nil || c.ID == uuid.Nil {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}
