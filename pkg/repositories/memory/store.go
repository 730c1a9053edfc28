// Package memory provides in-process implementations of the repository
// interfaces. They back service tests and the CLI dry-run mode, and follow
// the same conflict and ordering rules as the Postgres repositories.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories"
)

// Store holds every table in memory behind one mutex.
type Store struct {
	mu sync.RWMutex

	sources map[string]*models.Source

	entities      map[uuid.UUID]*models.Entity
	entityByKey   map[string]uuid.UUID
	aliases       map[uuid.UUID][]models.EntityAlias
	assertions    []*models.Assertion
	assertionByID map[uuid.UUID]*models.Assertion
	assertionKeys map[string]*models.Assertion

	events     []*models.Event
	eventKeys  map[string]*models.Event
	eventSeq   int64
	tasks      []*models.ReviewTask
	edges      map[edgeKey]*models.Edge
	exportRuns []*models.ExportRun
}

type edgeKey struct {
	subject   uuid.UUID
	predicate string
	object    uuid.UUID
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		sources:       make(map[string]*models.Source),
		entities:      make(map[uuid.UUID]*models.Entity),
		entityByKey:   make(map[string]uuid.UUID),
		aliases:       make(map[uuid.UUID][]models.EntityAlias),
		assertionByID: make(map[uuid.UUID]*models.Assertion),
		assertionKeys: make(map[string]*models.Assertion),
		eventKeys:     make(map[string]*models.Event),
		edges:         make(map[edgeKey]*models.Edge),
	}
}

// Repositories bundles the store's repository views.
type Repositories struct {
	Sources     repositories.SourceRepository
	Entities    repositories.EntityRepository
	Assertions  repositories.AssertionRepository
	Events      repositories.EventRepository
	ReviewTasks repositories.ReviewTaskRepository
	Edges       repositories.EdgeRepository
	ExportRuns  repositories.ExportRunRepository
}

// Repositories returns views of the store implementing each repository interface.
func (s *Store) Repositories() Repositories {
	return Repositories{
		Sources:     (*sourceRepo)(s),
		Entities:    (*entityRepo)(s),
		Assertions:  (*assertionRepo)(s),
		Events:      (*eventRepo)(s),
		ReviewTasks: (*reviewTaskRepo)(s),
		Edges:       (*edgeRepo)(s),
		ExportRuns:  (*exportRunRepo)(s),
	}
}

// NopScopeProvider satisfies database.ScopeProvider for stores that need no connection.
type NopScopeProvider struct{}

func (NopScopeProvider) WithScope(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

// ---------------------------------------------------------------------------
// Sources

type sourceRepo Store

var _ repositories.SourceRepository = (*sourceRepo)(nil)

func (r *sourceRepo) Ensure(_ context.Context, decl models.SourceDeclaration) (*models.Source, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sources[decl.ID]; ok {
		return cloneSource(existing), nil
	}
	src := &models.Source{
		ID:               decl.ID,
		DisplayName:      decl.DisplayName,
		Kind:             decl.Kind,
		ReliabilityScore: models.DefaultReliabilityScore,
		CreatedAt:        time.Now().UTC(),
	}
	if src.DisplayName == "" {
		src.DisplayName = decl.ID
	}
	if src.Kind == "" {
		src.Kind = models.SourceKindExtracted
	}
	s.sources[decl.ID] = src
	return cloneSource(src), nil
}

func (r *sourceRepo) GetByID(_ context.Context, id string) (*models.Source, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if src, ok := s.sources[id]; ok {
		return cloneSource(src), nil
	}
	return nil, nil
}

func (r *sourceRepo) List(_ context.Context) ([]*models.Source, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, cloneSource(src))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *sourceRepo) UpdateReliability(_ context.Context, id string, score float64, computedAt time.Time) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	src.ReliabilityScore = score
	at := computedAt
	src.LastRecomputedAt = &at
	return nil
}

func cloneSource(src *models.Source) *models.Source {
	c := *src
	return &c
}

// ---------------------------------------------------------------------------
// Entities

type entityRepo Store

var _ repositories.EntityRepository = (*entityRepo)(nil)

func (r *entityRepo) Create(_ context.Context, entity *models.Entity) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	prepareEntity(entity)
	if entity.ResolutionKey != nil {
		if _, taken := s.entityByKey[*entity.ResolutionKey]; taken {
			return fmt.Errorf("failed to create entity: resolution key %q: %w", *entity.ResolutionKey, apperrors.ErrConflict)
		}
	}
	s.insertEntityLocked(entity)
	return nil
}

func (r *entityRepo) CreateIfAbsent(_ context.Context, entity *models.Entity) (*models.Entity, bool, error) {
	if entity.ResolutionKey == nil {
		return nil, false, fmt.Errorf("entity %q has no resolution key", entity.CanonicalName)
	}

	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, taken := s.entityByKey[*entity.ResolutionKey]; taken {
		return s.cloneEntityLocked(s.entities[id]), false, nil
	}
	prepareEntity(entity)
	s.insertEntityLocked(entity)
	return s.cloneEntityLocked(entity), true, nil
}

func (s *Store) insertEntityLocked(entity *models.Entity) {
	stored := *entity
	stored.Aliases = nil
	s.entities[stored.ID] = &stored
	if stored.ResolutionKey != nil {
		s.entityByKey[*stored.ResolutionKey] = stored.ID
	}
}

func (r *entityRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Entity, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entities[id]; ok {
		return s.cloneEntityLocked(e), nil
	}
	return nil, nil
}

func (r *entityRepo) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*models.Entity, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Entity
	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			out = append(out, s.cloneEntityLocked(e))
		}
	}
	sortEntities(out)
	return slices.CompactFunc(out, func(a, b *models.Entity) bool { return a.ID == b.ID }), nil
}

func (r *entityRepo) GetByResolutionKey(_ context.Context, key string) (*models.Entity, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.entityByKey[key]; ok {
		return s.cloneEntityLocked(s.entities[id]), nil
	}
	return nil, nil
}

func (r *entityRepo) FindByName(_ context.Context, normalized string) ([]*models.Entity, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Entity
	for _, e := range s.entities {
		if e.IsMerged() {
			continue
		}
		if e.NormalizedName == normalized || (e.ExternalID != nil && strings.ToLower(*e.ExternalID) == normalized) || s.hasAliasLocked(e.ID, normalized) {
			out = append(out, s.cloneEntityLocked(e))
		}
	}
	sortEntities(out)
	return out, nil
}

func (s *Store) hasAliasLocked(id uuid.UUID, normalized string) bool {
	for _, a := range s.aliases[id] {
		if a.NormalizedAlias == normalized {
			return true
		}
	}
	return false
}

func (r *entityRepo) AddAlias(_ context.Context, alias *models.EntityAlias) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[alias.EntityID]; !ok {
		return fmt.Errorf("failed to add alias: entity %s: %w", alias.EntityID, apperrors.ErrNotFound)
	}
	if alias.NormalizedAlias == "" {
		alias.NormalizedAlias = models.NormalizeName(alias.Alias)
	}
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = time.Now().UTC()
	}
	if s.hasAliasLocked(alias.EntityID, alias.NormalizedAlias) {
		return nil
	}
	s.aliases[alias.EntityID] = append(s.aliases[alias.EntityID], *alias)
	return nil
}

func (r *entityRepo) TransferAliases(_ context.Context, fromID, toID uuid.UUID) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.aliases[fromID] {
		if s.hasAliasLocked(toID, a.NormalizedAlias) {
			continue
		}
		a.EntityID = toID
		s.aliases[toID] = append(s.aliases[toID], a)
	}
	delete(s.aliases, fromID)
	return nil
}

func (r *entityRepo) MarkMerged(_ context.Context, loserID, survivorID uuid.UUID) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	loser, ok := s.entities[loserID]
	if !ok || loser.IsMerged() {
		return fmt.Errorf("entity %s is missing or already merged: %w", loserID, apperrors.ErrMergeConflict)
	}
	id := survivorID
	loser.MergedInto = &id
	loser.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) cloneEntityLocked(e *models.Entity) *models.Entity {
	c := *e
	for _, a := range s.aliases[e.ID] {
		c.Aliases = append(c.Aliases, a.Alias)
	}
	sort.Strings(c.Aliases)
	return &c
}

func prepareEntity(entity *models.Entity) {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	if entity.NormalizedName == "" {
		entity.NormalizedName = models.NormalizeName(entity.CanonicalName)
	}
	now := time.Now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	if entity.UpdatedAt.IsZero() {
		entity.UpdatedAt = entity.CreatedAt
	}
}

func sortEntities(entities []*models.Entity) {
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].ID.String() < entities[j].ID.String()
	})
}

// ---------------------------------------------------------------------------
// Assertions

type assertionRepo Store

var _ repositories.AssertionRepository = (*assertionRepo)(nil)

func (r *assertionRepo) Insert(_ context.Context, a *models.Assertion) (*models.Assertion, bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.assertionKeys[a.IdempotencyKey]; ok {
		return cloneAssertion(existing), false, nil
	}
	if _, ok := s.sources[a.SourceID]; !ok {
		return nil, false, fmt.Errorf("failed to insert assertion: source %q: %w", a.SourceID, apperrors.ErrUnknownSource)
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.RecordedAt.IsZero() {
		a.RecordedAt = time.Now().UTC()
	}

	stored := cloneAssertion(a)
	s.assertions = append(s.assertions, stored)
	s.assertionByID[stored.ID] = stored
	s.assertionKeys[stored.IdempotencyKey] = stored
	return cloneAssertion(stored), true, nil
}

func (r *assertionRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Assertion, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.assertionByID[id]; ok {
		return cloneAssertion(a), nil
	}
	return nil, nil
}

func (r *assertionRepo) ListBySubject(_ context.Context, entityID uuid.UUID, predicate string) ([]*models.Assertion, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Assertion
	for _, a := range s.assertions {
		if a.SubjectEntityID == entityID && (predicate == "" || a.Predicate == predicate) {
			out = append(out, cloneAssertion(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *assertionRepo) Resolve(_ context.Context, id uuid.UUID, status models.ValidationStatus, resolvedBy string, at time.Time) (*models.Assertion, error) {
	if !status.IsReviewed() {
		return nil, fmt.Errorf("status %q is not a review outcome", status)
	}

	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assertionByID[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if a.Status != models.StatusPending {
		return nil, fmt.Errorf("assertion %s is already %s: %w", id, a.Status, apperrors.ErrConflict)
	}
	a.Status = status
	resolvedAt := at
	a.ResolvedAt = &resolvedAt
	by := resolvedBy
	a.ResolvedBy = &by
	return cloneAssertion(a), nil
}

func (r *assertionRepo) ReassignEntity(_ context.Context, fromID, toID uuid.UUID) (int64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, a := range s.assertions {
		if a.SubjectEntityID == fromID {
			a.SubjectEntityID = toID
			n++
		}
		if a.ObjectEntityID != nil && *a.ObjectEntityID == fromID {
			to := toID
			a.ObjectEntityID = &to
			n++
		}
	}
	return n, nil
}

func (r *assertionRepo) CountAccepted(_ context.Context, entityIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[uuid.UUID]int, len(entityIDs))
	for _, id := range entityIDs {
		counts[id] = 0
	}
	for _, a := range s.assertions {
		if !a.Status.IsAccepted() {
			continue
		}
		if _, ok := counts[a.SubjectEntityID]; ok {
			counts[a.SubjectEntityID]++
		}
		if a.ObjectEntityID != nil && *a.ObjectEntityID != a.SubjectEntityID {
			if _, ok := counts[*a.ObjectEntityID]; ok {
				counts[*a.ObjectEntityID]++
			}
		}
	}
	return counts, nil
}

func (r *assertionRepo) ListReviewOutcomes(_ context.Context) ([]models.ReviewOutcome, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ReviewOutcome
	for _, a := range s.assertions {
		if a.Status.IsReviewed() && a.ResolvedAt != nil {
			out = append(out, models.ReviewOutcome{SourceID: a.SourceID, Status: a.Status, ResolvedAt: *a.ResolvedAt})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].ResolvedAt.Before(out[j].ResolvedAt)
	})
	return out, nil
}

func (r *assertionRepo) ListValidatedPage(_ context.Context, after repositories.ExportCursor, until time.Time, limit int) ([]*models.Assertion, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}
	var out []*models.Assertion
	for _, a := range s.assertions {
		if a.Status != models.StatusHumanValidated || a.ResolvedAt == nil {
			continue
		}
		if a.ResolvedAt.After(until) || !exportAfter(*a.ResolvedAt, a.ID, after) {
			continue
		}
		out = append(out, cloneAssertion(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ResolvedAt.Equal(*out[j].ResolvedAt) {
			return out[i].ResolvedAt.Before(*out[j].ResolvedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func exportAfter(at time.Time, id uuid.UUID, cursor repositories.ExportCursor) bool {
	if at.Equal(cursor.ResolvedAt) {
		return id.String() > cursor.ID.String()
	}
	return at.After(cursor.ResolvedAt)
}

func cloneAssertion(a *models.Assertion) *models.Assertion {
	c := *a
	return &c
}

// ---------------------------------------------------------------------------
// Events

type eventRepo Store

var _ repositories.EventRepository = (*eventRepo)(nil)

func (r *eventRepo) Insert(_ context.Context, e *models.Event) (*models.Event, bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.eventKeys[e.IdempotencyKey]; ok {
		return cloneEvent(existing), false, nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	s.eventSeq++
	e.Seq = s.eventSeq

	stored := cloneEvent(e)
	s.events = append(s.events, stored)
	s.eventKeys[stored.IdempotencyKey] = stored
	return cloneEvent(stored), true, nil
}

func (r *eventRepo) ListByEntity(_ context.Context, entityID uuid.UUID, eventTypes []string, until *time.Time) ([]*models.Event, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Event
	for _, e := range s.events {
		if !slices.Contains(e.ParticipantIDs(), entityID) {
			continue
		}
		if len(eventTypes) > 0 && !slices.Contains(eventTypes, e.EventType) {
			continue
		}
		if until != nil && e.EffectiveTime().After(*until) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].EffectiveTime(), out[j].EffectiveTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (r *eventRepo) ReassignParticipants(_ context.Context, fromID, toID uuid.UUID) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		var kept []models.EventParticipant
		for _, p := range e.Participants {
			if p.EntityID == fromID {
				p.EntityID = toID
			}
			if !slices.Contains(kept, p) {
				kept = append(kept, p)
			}
		}
		e.Participants = kept
	}
	return nil
}

func cloneEvent(e *models.Event) *models.Event {
	c := *e
	c.Participants = slices.Clone(e.Participants)
	return &c
}

// ---------------------------------------------------------------------------
// Review tasks

type reviewTaskRepo Store

var _ repositories.ReviewTaskRepository = (*reviewTaskRepo)(nil)

func (r *reviewTaskRepo) Create(_ context.Context, task *models.ReviewTask) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.AssertionID == task.AssertionID {
			return fmt.Errorf("failed to create review task: assertion %s already queued: %w", task.AssertionID, apperrors.ErrConflict)
		}
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	s.tasks = append(s.tasks, cloneTask(task))
	return nil
}

func (r *reviewTaskRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ReviewTask, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasks {
		if t.ID == id {
			return cloneTask(t), nil
		}
	}
	return nil, nil
}

func (r *reviewTaskRepo) GetByAssertionID(_ context.Context, assertionID uuid.UUID) (*models.ReviewTask, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasks {
		if t.AssertionID == assertionID {
			return cloneTask(t), nil
		}
	}
	return nil, nil
}

func (r *reviewTaskRepo) ListOpen(_ context.Context, after *models.ReviewCursor, limit int) ([]*models.ReviewTask, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ReviewTask
	for _, t := range s.tasks {
		if !t.IsOpen() {
			continue
		}
		if after != nil && !taskAfter(t, after) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		return taskLess(out[i], out[j])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *reviewTaskRepo) CountOpen(_ context.Context) (int, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.tasks {
		if t.IsOpen() {
			n++
		}
	}
	return n, nil
}

func (r *reviewTaskRepo) Close(_ context.Context, id uuid.UUID, decision models.ReviewDecision, resolvedBy string, correctionID *uuid.UUID, at time.Time) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.ID != id {
			continue
		}
		if !t.IsOpen() {
			return fmt.Errorf("review task %s is already resolved: %w", id, apperrors.ErrConflict)
		}
		resolvedAt, d, by := at, decision, resolvedBy
		t.ResolvedAt = &resolvedAt
		t.Resolution = &d
		t.ResolvedBy = &by
		t.CorrectionID = correctionID
		return nil
	}
	return apperrors.ErrNotFound
}

func taskLess(a, b *models.ReviewTask) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID.String() < b.ID.String()
}

func taskAfter(t *models.ReviewTask, c *models.ReviewCursor) bool {
	return taskLess(&models.ReviewTask{Priority: c.Priority, EnqueuedAt: c.EnqueuedAt, ID: c.ID}, t)
}

func cloneTask(t *models.ReviewTask) *models.ReviewTask {
	c := *t
	c.Candidates = slices.Clone(t.Candidates)
	return &c
}

// ---------------------------------------------------------------------------
// Edges

type edgeRepo Store

var _ repositories.EdgeRepository = (*edgeRepo)(nil)

func (r *edgeRepo) Project(_ context.Context, a *models.Assertion) error {
	if !a.IsRelationship() || !a.Status.IsAccepted() {
		return nil
	}

	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.projectLocked(a)
	return nil
}

func (s *Store) projectLocked(a *models.Assertion) {
	key := edgeKey{subject: a.SubjectEntityID, predicate: a.Predicate, object: *a.ObjectEntityID}
	edge, ok := s.edges[key]
	if !ok {
		s.edges[key] = &models.Edge{
			SubjectEntityID: key.subject,
			Predicate:       key.predicate,
			ObjectEntityID:  key.object,
			SupportCount:    1,
			MaxConfidence:   a.Confidence,
			FirstRecordedAt: a.RecordedAt,
			LastRecordedAt:  a.RecordedAt,
		}
		return
	}
	edge.SupportCount++
	edge.MaxConfidence = max(edge.MaxConfidence, a.Confidence)
	if a.RecordedAt.Before(edge.FirstRecordedAt) {
		edge.FirstRecordedAt = a.RecordedAt
	}
	if a.RecordedAt.After(edge.LastRecordedAt) {
		edge.LastRecordedAt = a.RecordedAt
	}
}

func (r *edgeRepo) ListByEntity(_ context.Context, entityID uuid.UUID, predicate string) ([]*models.Edge, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Edge
	for k, e := range s.edges {
		if (k.subject == entityID || k.object == entityID) && (predicate == "" || k.predicate == predicate) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Predicate != out[j].Predicate {
			return out[i].Predicate < out[j].Predicate
		}
		if out[i].SubjectEntityID != out[j].SubjectEntityID {
			return out[i].SubjectEntityID.String() < out[j].SubjectEntityID.String()
		}
		return out[i].ObjectEntityID.String() < out[j].ObjectEntityID.String()
	})
	return out, nil
}

func (r *edgeRepo) Rebuild(_ context.Context, entityIDs []uuid.UUID) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.edges {
		if slices.Contains(entityIDs, k.subject) || slices.Contains(entityIDs, k.object) {
			delete(s.edges, k)
		}
	}
	for _, a := range s.assertions {
		if !a.IsRelationship() || !a.Status.IsAccepted() {
			continue
		}
		if slices.Contains(entityIDs, a.SubjectEntityID) || slices.Contains(entityIDs, *a.ObjectEntityID) {
			s.projectLocked(a)
		}
	}
	return nil
}

func (r *edgeRepo) CoOccurrences(_ context.Context, candidateIDs []uuid.UUID, neighbor string) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(candidateIDs))
	if len(candidateIDs) == 0 || neighbor == "" {
		return counts, nil
	}

	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range candidateIDs {
		for k, e := range s.edges {
			var other uuid.UUID
			switch id {
			case k.subject:
				other = k.object
			case k.object:
				other = k.subject
			default:
				continue
			}
			n, ok := s.entities[other]
			if ok && (n.NormalizedName == neighbor || s.hasAliasLocked(other, neighbor)) {
				counts[id] += e.SupportCount
			}
		}
	}
	return counts, nil
}

// ---------------------------------------------------------------------------
// Export runs

type exportRunRepo Store

var _ repositories.ExportRunRepository = (*exportRunRepo)(nil)

func (r *exportRunRepo) Create(_ context.Context, run *models.ExportRun) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	c := *run
	s.exportRuns = append(s.exportRuns, &c)
	return nil
}

func (r *exportRunRepo) Latest(_ context.Context) (*models.ExportRun, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.ExportRun
	for _, run := range s.exportRuns {
		if latest == nil || run.Until.After(latest.Until) ||
			(run.Until.Equal(latest.Until) && run.CreatedAt.After(latest.CreatedAt)) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}
