package services

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories"
)

// ReviewerSourceID attributes corrections written by human reviewers.
const ReviewerSourceID = "human_review"

// SourceCatalog is the in-process view of registered sources and their
// reliability scores, shared by the normalizer, resolver and router.
type SourceCatalog interface {
	// EnsureSources registers declared sources. Existing sources are untouched.
	EnsureSources(ctx context.Context, decls []models.SourceDeclaration) error
	// Get returns a source, or nil if it is unknown.
	Get(ctx context.Context, id string) (*models.Source, error)
	// Reliability returns the cached score, or the neutral default for
	// sources that were never recomputed.
	Reliability(ctx context.Context, id string) float64
	List(ctx context.Context) ([]*models.Source, error)
	// Refresh reloads every source from storage.
	Refresh(ctx context.Context) error
}

type sourceCatalog struct {
	repo         repositories.SourceRepository
	defaultScore float64
	logger       *zap.Logger

	mu      sync.RWMutex
	sources map[string]*models.Source
}

var _ SourceCatalog = (*sourceCatalog)(nil)

// NewSourceCatalog creates a SourceCatalog backed by repo.
func NewSourceCatalog(repo repositories.SourceRepository, defaultScore float64, logger *zap.Logger) SourceCatalog {
	return &sourceCatalog{
		repo:         repo,
		defaultScore: defaultScore,
		logger:       logger.Named("source-catalog"),
		sources:      make(map[string]*models.Source),
	}
}

func (c *sourceCatalog) EnsureSources(ctx context.Context, decls []models.SourceDeclaration) error {
	for _, decl := range decls {
		if decl.ID == "" {
			return fmt.Errorf("source declaration without id")
		}
		c.mu.RLock()
		_, known := c.sources[decl.ID]
		c.mu.RUnlock()
		if known {
			continue
		}

		src, err := c.repo.Ensure(ctx, decl)
		if err != nil {
			return fmt.Errorf("failed to register source %q: %w", decl.ID, err)
		}
		c.put(src)
		c.logger.Debug("Registered source", zap.String("source_id", src.ID), zap.String("kind", src.Kind))
	}
	return nil
}

func (c *sourceCatalog) Get(ctx context.Context, id string) (*models.Source, error) {
	c.mu.RLock()
	src, ok := c.sources[id]
	c.mu.RUnlock()
	if ok {
		return src, nil
	}

	src, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load source %q: %w", id, err)
	}
	if src != nil {
		c.put(src)
	}
	return src, nil
}

func (c *sourceCatalog) Reliability(ctx context.Context, id string) float64 {
	src, err := c.Get(ctx, id)
	if err != nil {
		c.logger.Warn("Falling back to default reliability",
			zap.String("source_id", id),
			zap.Error(err))
		return c.defaultScore
	}
	if src == nil || src.LastRecomputedAt == nil {
		return c.defaultScore
	}
	return src.ReliabilityScore
}

func (c *sourceCatalog) List(ctx context.Context) ([]*models.Source, error) {
	sources, err := c.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}

func (c *sourceCatalog) Refresh(ctx context.Context) error {
	sources, err := c.List(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]*models.Source, len(sources))
	for _, src := range sources {
		fresh[src.ID] = src
	}
	c.mu.Lock()
	c.sources = fresh
	c.mu.Unlock()
	return nil
}

func (c *sourceCatalog) put(src *models.Source) {
	c.mu.Lock()
	c.sources[src.ID] = src
	c.mu.Unlock()
}
