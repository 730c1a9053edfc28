package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories"
)

// QueryService is the read interface over the knowledge base. Every lookup
// by id follows merge pointers, so ids of merged entities keep working.
type QueryService interface {
	// GetEntity returns the canonical entity for id.
	GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error)
	// GetAssertions returns every assertion about the entity regardless of
	// validation status. An empty predicate matches all predicates.
	GetAssertions(ctx context.Context, entityID uuid.UUID, predicate string) ([]*models.Assertion, error)
	GetStateAt(ctx context.Context, entityID uuid.UUID, at time.Time) (*models.EntityState, error)
	GetTimeline(ctx context.Context, entityID uuid.UUID) ([]*models.Event, error)
	// GetEdges returns projected edges touching the entity. An empty
	// edgeType matches all predicates.
	GetEdges(ctx context.Context, entityID uuid.UUID, edgeType string) ([]*models.Edge, error)
}

type queryService struct {
	entities   repositories.EntityRepository
	assertions repositories.AssertionRepository
	edges      repositories.EdgeRepository
	temporal   TemporalStateService
	logger     *zap.Logger
}

var _ QueryService = (*queryService)(nil)

// NewQueryService creates a QueryService.
func NewQueryService(
	entities repositories.EntityRepository,
	assertions repositories.AssertionRepository,
	edges repositories.EdgeRepository,
	temporal TemporalStateService,
	logger *zap.Logger,
) QueryService {
	return &queryService{
		entities:   entities,
		assertions: assertions,
		edges:      edges,
		temporal:   temporal,
		logger:     logger.Named("query"),
	}
}

func (s *queryService) GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	e, err := s.entities.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	if e == nil {
		return nil, apperrors.ErrNotFound
	}
	return followMergeChain(ctx, s.entities, e)
}

func (s *queryService) GetAssertions(ctx context.Context, entityID uuid.UUID, predicate string) ([]*models.Assertion, error) {
	e, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	assertions, err := s.assertions.ListBySubject(ctx, e.ID, NormalizePredicate(predicate))
	if err != nil {
		return nil, fmt.Errorf("failed to list assertions: %w", err)
	}
	return assertions, nil
}

func (s *queryService) GetStateAt(ctx context.Context, entityID uuid.UUID, at time.Time) (*models.EntityState, error) {
	return s.temporal.GetStateAt(ctx, entityID, at)
}

func (s *queryService) GetTimeline(ctx context.Context, entityID uuid.UUID) ([]*models.Event, error) {
	return s.temporal.GetTimeline(ctx, entityID)
}

func (s *queryService) GetEdges(ctx context.Context, entityID uuid.UUID, edgeType string) ([]*models.Edge, error) {
	e, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	edges, err := s.edges.ListByEntity(ctx, e.ID, NormalizePredicate(edgeType))
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	return edges, nil
}
