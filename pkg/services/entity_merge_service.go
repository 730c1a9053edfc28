package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/statecache"
)

// EntityMergeService folds duplicate entities into a survivor when a
// reviewer finds two ids for the same referent.
type EntityMergeService interface {
	// MergeEntities merges the loser into the survivor.
	// - Reassigns assertion subjects/objects and event participants
	// - Moves aliases and records the loser's name as an alias
	// - Rebuilds the edges of both entities
	// - Sets merged_into on the loser, whose id is never reused
	// Returns the updated survivor.
	MergeEntities(ctx context.Context, loserID, survivorID uuid.UUID) (*models.Entity, error)
}

// EntityMergeServiceDeps groups the merge service's collaborators.
type EntityMergeServiceDeps struct {
	Entities   repositories.EntityRepository
	Assertions repositories.AssertionRepository
	Events     repositories.EventRepository
	Edges      repositories.EdgeRepository
	Locker     database.KeyLocker
	Tx         database.TxRunner
	Cache      statecache.Cache
	Logger     *zap.Logger
}

type entityMergeService struct {
	entities   repositories.EntityRepository
	assertions repositories.AssertionRepository
	events     repositories.EventRepository
	edges      repositories.EdgeRepository
	locker     database.KeyLocker
	tx         database.TxRunner
	cache      statecache.Cache
	logger     *zap.Logger
}

// NewEntityMergeService creates a new EntityMergeService.
func NewEntityMergeService(deps EntityMergeServiceDeps) EntityMergeService {
	return &entityMergeService{
		entities:   deps.Entities,
		assertions: deps.Assertions,
		events:     deps.Events,
		edges:      deps.Edges,
		locker:     deps.Locker,
		tx:         deps.Tx,
		cache:      deps.Cache,
		logger:     deps.Logger.Named("entity-merge"),
	}
}

var _ EntityMergeService = (*entityMergeService)(nil)

func (s *entityMergeService) MergeEntities(ctx context.Context, loserID, survivorID uuid.UUID) (*models.Entity, error) {
	if loserID == survivorID {
		return nil, fmt.Errorf("cannot merge entity with itself: %w", apperrors.ErrMergeConflict)
	}

	loser, err := s.entities.GetByID(ctx, loserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s: %w", loserID, err)
	}
	survivor, err := s.entities.GetByID(ctx, survivorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s: %w", survivorID, err)
	}
	if loser == nil || survivor == nil {
		return nil, apperrors.ErrNotFound
	}

	// Same keys as creation, so a merge never interleaves with a create of
	// either name or another merge touching either id.
	keys := []string{
		models.EntityIDLockKey(loserID),
		models.EntityIDLockKey(survivorID),
		models.EntityNameLockKey(loser.Type, loser.NormalizedName),
		models.EntityNameLockKey(survivor.Type, survivor.NormalizedName),
	}

	s.logger.Info("Merging entities",
		zap.String("loser_id", loserID.String()),
		zap.String("loser_name", loser.CanonicalName),
		zap.String("survivor_id", survivorID.String()),
		zap.String("survivor_name", survivor.CanonicalName))

	var reassigned int64
	err = s.locker.WithLock(ctx, keys, func(ctx context.Context) error {
		return s.tx.InTx(ctx, func(ctx context.Context) error {
			// Re-read under the lock; a concurrent merge may have won.
			loser, err := s.entities.GetByID(ctx, loserID)
			if err != nil {
				return err
			}
			survivor, err := s.entities.GetByID(ctx, survivorID)
			if err != nil {
				return err
			}
			if loser == nil || survivor == nil {
				return apperrors.ErrNotFound
			}
			if loser.IsMerged() {
				return fmt.Errorf("entity %s is already merged into %s: %w", loserID, *loser.MergedInto, apperrors.ErrMergeConflict)
			}
			if survivor.IsMerged() {
				return fmt.Errorf("survivor %s is itself merged into %s: %w", survivorID, *survivor.MergedInto, apperrors.ErrMergeConflict)
			}

			if reassigned, err = s.assertions.ReassignEntity(ctx, loserID, survivorID); err != nil {
				return fmt.Errorf("failed to reassign assertions: %w", err)
			}
			if err := s.events.ReassignParticipants(ctx, loserID, survivorID); err != nil {
				return fmt.Errorf("failed to reassign events: %w", err)
			}
			if err := s.entities.TransferAliases(ctx, loserID, survivorID); err != nil {
				return fmt.Errorf("failed to transfer aliases: %w", err)
			}
			if loser.NormalizedName != survivor.NormalizedName {
				if err := s.entities.AddAlias(ctx, &models.EntityAlias{
					EntityID:        survivorID,
					Alias:           loser.CanonicalName,
					NormalizedAlias: loser.NormalizedName,
				}); err != nil {
					return fmt.Errorf("failed to record alias: %w", err)
				}
			}
			if err := s.entities.MarkMerged(ctx, loserID, survivorID); err != nil {
				return err
			}
			if err := s.edges.Rebuild(ctx, []uuid.UUID{loserID, survivorID}); err != nil {
				return fmt.Errorf("failed to rebuild edges: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to merge %s into %s: %w", loserID, survivorID, err)
	}

	if s.cache != nil {
		for _, id := range []uuid.UUID{loserID, survivorID} {
			if err := s.cache.Invalidate(ctx, id); err != nil {
				s.logger.Warn("Failed to invalidate cached state", zap.String("entity_id", id.String()), zap.Error(err))
			}
		}
	}

	s.logger.Info("Merged entities",
		zap.String("survivor_id", survivorID.String()),
		zap.Int64("assertions_reassigned", reassigned))

	updated, err := s.entities.GetByID(ctx, survivorID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload survivor: %w", err)
	}
	return updated, nil
}
