package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories"
)

// ReliabilityTracker recomputes source trust from review outcomes.
type ReliabilityTracker interface {
	// Recompute scores every source from one consistent snapshot of
	// reviewed assertions and stores the results.
	Recompute(ctx context.Context) (*models.ReliabilityReport, error)
	// Run recomputes every interval until ctx is done.
	Run(ctx context.Context, interval time.Duration) error
}

// ReliabilityTrackerDeps groups the tracker's collaborators.
type ReliabilityTrackerDeps struct {
	Sources    repositories.SourceRepository
	Assertions repositories.AssertionRepository
	Catalog    SourceCatalog
	Tx         database.TxRunner
	Scopes     database.ScopeProvider
	Config     config.ReliabilityConfig
	Logger     *zap.Logger
	Now        func() time.Time
}

type reliabilityTracker struct {
	sources    repositories.SourceRepository
	assertions repositories.AssertionRepository
	catalog    SourceCatalog
	tx         database.TxRunner
	scopes     database.ScopeProvider
	cfg        config.ReliabilityConfig
	logger     *zap.Logger
	now        func() time.Time
}

var _ ReliabilityTracker = (*reliabilityTracker)(nil)

// NewReliabilityTracker creates a ReliabilityTracker.
func NewReliabilityTracker(deps ReliabilityTrackerDeps) ReliabilityTracker {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &reliabilityTracker{
		sources:    deps.Sources,
		assertions: deps.Assertions,
		catalog:    deps.Catalog,
		tx:         deps.Tx,
		scopes:     deps.Scopes,
		cfg:        deps.Config,
		logger:     deps.Logger.Named("reliability"),
		now:        now,
	}
}

func (t *reliabilityTracker) Recompute(ctx context.Context) (*models.ReliabilityReport, error) {
	var outcomes []models.ReviewOutcome
	var sources []*models.Source
	err := t.tx.InSnapshot(ctx, func(ctx context.Context) error {
		var err error
		if outcomes, err = t.assertions.ListReviewOutcomes(ctx); err != nil {
			return err
		}
		sources, err = t.sources.List(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read review outcomes: %w", err)
	}

	now := t.now().UTC()
	scores, evidence := ComputeReliability(outcomes, now, ReliabilityParams{
		Lambda:       t.cfg.DecayLambda,
		DefaultScore: t.cfg.DefaultScore,
		PriorWeight:  t.cfg.PriorWeight,
		MinEvidence:  t.cfg.MinEvidence,
	})

	report := &models.ReliabilityReport{
		ComputedAt: now,
		Scores:     make(map[string]float64, len(sources)),
		Evidence:   make(map[string]int, len(sources)),
	}
	err = t.tx.InTx(ctx, func(ctx context.Context) error {
		for _, src := range sources {
			score, ok := scores[src.ID]
			if !ok {
				score = t.cfg.DefaultScore
			}
			if err := t.sources.UpdateReliability(ctx, src.ID, score, now); err != nil {
				return fmt.Errorf("source %q: %w", src.ID, err)
			}
			report.Scores[src.ID] = score
			report.Evidence[src.ID] = evidence[src.ID]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store reliability scores: %w", err)
	}

	if t.catalog != nil {
		if err := t.catalog.Refresh(ctx); err != nil {
			t.logger.Warn("Failed to refresh source catalog", zap.Error(err))
		}
	}

	t.logger.Info("Recomputed source reliability",
		zap.Int("sources", len(sources)),
		zap.Int("outcomes", len(outcomes)))
	return report, nil
}

func (t *reliabilityTracker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reliability interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t.runOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *reliabilityTracker) runOnce(ctx context.Context) {
	scoped, cleanup, err := t.scopes.WithScope(ctx)
	if err != nil {
		t.logger.Error("Failed to acquire scope for reliability pass", zap.Error(err))
		return
	}
	defer cleanup()

	if _, err := t.Recompute(scoped); err != nil && ctx.Err() == nil {
		t.logger.Error("Reliability pass failed", zap.Error(err))
	}
}

// ReliabilityParams tunes ComputeReliability.
type ReliabilityParams struct {
	Lambda       float64 // per-day decay constant
	DefaultScore float64
	PriorWeight  float64
	MinEvidence  int
}

// ComputeReliability scores each source as the decay-weighted share of its
// reviewed assertions that were validated:
//
//	score = (Σ v_i·exp(-λ·days_i) + p·default) / (Σ exp(-λ·days_i) + p)
//
// with v_i = 1 for validated and 0 for rejected, and p the prior weight.
// Sources with fewer than MinEvidence outcomes keep DefaultScore.
// The second map holds the number of outcomes per source.
func ComputeReliability(outcomes []models.ReviewOutcome, now time.Time, p ReliabilityParams) (map[string]float64, map[string]int) {
	type acc struct {
		num, den float64
		n        int
	}
	sums := make(map[string]*acc)

	for _, o := range outcomes {
		var v float64
		switch o.Status {
		case models.StatusHumanValidated:
			v = 1
		case models.StatusHumanRejected:
			v = 0
		default:
			continue
		}

		days := now.Sub(o.ResolvedAt).Hours() / 24
		if days < 0 {
			days = 0
		}
		w := math.Exp(-p.Lambda * days)

		a, ok := sums[o.SourceID]
		if !ok {
			a = &acc{}
			sums[o.SourceID] = a
		}
		a.num += v * w
		a.den += w
		a.n++
	}

	scores := make(map[string]float64, len(sums))
	evidence := make(map[string]int, len(sums))
	for id, a := range sums {
		evidence[id] = a.n
		den := a.den + p.PriorWeight
		if a.n < p.MinEvidence || den == 0 {
			scores[id] = p.DefaultScore
			continue
		}
		scores[id] = (a.num + p.PriorWeight*p.DefaultScore) / den
	}
	return scores, evidence
}
