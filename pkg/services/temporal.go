package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/statecache"
)

// TemporalStateService derives entity state from the event log.
type TemporalStateService interface {
	// GetStateAt returns the state of the entity at asOf. Merged ids
	// resolve to their survivor.
	GetStateAt(ctx context.Context, entityID uuid.UUID, asOf time.Time) (*models.EntityState, error)
	// GetTimeline returns the state-defining events targeting the entity,
	// oldest first.
	GetTimeline(ctx context.Context, entityID uuid.UUID) ([]*models.Event, error)
}

type temporalStateService struct {
	entities repositories.EntityRepository
	events   repositories.EventRepository
	cache    statecache.Cache
	rules    *models.OntologyRules
	logger   *zap.Logger
}

var _ TemporalStateService = (*temporalStateService)(nil)

// NewTemporalStateService creates a TemporalStateService. cache may be nil.
func NewTemporalStateService(
	entities repositories.EntityRepository,
	events repositories.EventRepository,
	cache statecache.Cache,
	rules *models.OntologyRules,
	logger *zap.Logger,
) TemporalStateService {
	return &temporalStateService{
		entities: entities,
		events:   events,
		cache:    cache,
		rules:    rules,
		logger:   logger.Named("temporal-state"),
	}
}

func (s *temporalStateService) GetStateAt(ctx context.Context, entityID uuid.UUID, asOf time.Time) (*models.EntityState, error) {
	id, err := s.canonicalID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	asOf = asOf.UTC()

	var generation uint64
	if s.cache != nil {
		if state, ok, err := s.cache.Get(ctx, id, asOf); err != nil {
			s.logger.Warn("State cache read failed", zap.String("entity_id", id.String()), zap.Error(err))
		} else if ok {
			return state, nil
		}
		// Read before the log so a concurrent event write makes the Set a no-op.
		if generation, err = s.cache.Generation(ctx, id); err != nil {
			s.logger.Warn("State cache generation read failed", zap.String("entity_id", id.String()), zap.Error(err))
		}
	}

	until := asOf
	events, err := s.events.ListByEntity(ctx, id, s.rules.StateDefiningTypes(), &until)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	state := ReconstructState(id, events, s.rules, asOf)

	if s.cache != nil {
		if err := s.cache.Set(ctx, generation, state); err != nil {
			s.logger.Warn("State cache write failed", zap.String("entity_id", id.String()), zap.Error(err))
		}
	}
	return state, nil
}

func (s *temporalStateService) GetTimeline(ctx context.Context, entityID uuid.UUID) ([]*models.Event, error) {
	id, err := s.canonicalID(ctx, entityID)
	if err != nil {
		return nil, err
	}

	events, err := s.events.ListByEntity(ctx, id, s.rules.StateDefiningTypes(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	out := make([]*models.Event, 0, len(events))
	for _, e := range events {
		if targets(e, id) {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *temporalStateService) canonicalID(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	e, err := s.entities.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load entity: %w", err)
	}
	if e == nil {
		return uuid.Nil, apperrors.ErrNotFound
	}
	e, err = followMergeChain(ctx, s.entities, e)
	if err != nil {
		return uuid.Nil, err
	}
	return e.ID, nil
}

// ReconstructState replays events and returns the state of entityID at asOf.
// Only state-defining events that target the entity and are effective at
// or before asOf count. The latest such event decides; among events with the
// same effective time the one recorded last wins.
func ReconstructState(entityID uuid.UUID, events []*models.Event, rules *models.OntologyRules, asOf time.Time) *models.EntityState {
	state := &models.EntityState{
		EntityID: entityID,
		AsOf:     asOf,
		State:    rules.InitialState(),
	}

	ordered := slices.Clone(events)
	sortEvents(ordered)

	for _, e := range ordered {
		if e.EffectiveTime().After(asOf) || !targets(e, entityID) {
			continue
		}
		next, ok := rules.StateFor(e.EventType)
		if !ok {
			continue
		}
		id := e.ID
		at := e.EffectiveTime()
		state.State = next
		state.EventID = &id
		state.EventType = e.EventType
		state.EventTime = &at
	}
	return state
}

// targets reports whether the entity takes part in e as its target or subject.
func targets(e *models.Event, entityID uuid.UUID) bool {
	for _, p := range e.Participants {
		if p.EntityID == entityID && (p.Role == models.RoleTarget || p.Role == models.RoleSubject) {
			return true
		}
	}
	return false
}

func sortEvents(events []*models.Event) {
	slices.SortStableFunc(events, func(a, b *models.Event) int {
		if c := a.EffectiveTime().Compare(b.EffectiveTime()); c != 0 {
			return c
		}
		if c := a.RecordedAt.Compare(b.RecordedAt); c != 0 {
			return c
		}
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
}
