package services

import (
	"context"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

// RoutingDecision says whether a fact may be committed directly.
type RoutingDecision struct {
	AutoCommit       bool
	Threshold        float64
	GatingConfidence float64
	Reason           models.ReviewReason
	Candidates       []uuid.UUID
}

// ReviewRouter gates facts below the auto-commit threshold into review.
type ReviewRouter interface {
	// Threshold returns the auto-commit threshold for a source.
	Threshold(ctx context.Context, sourceID string) float64
	// Route decides between auto-commit and review. Nil resolutions are skipped.
	Route(ctx context.Context, sourceID string, extractionConfidence float64, resolutions ...*Resolution) RoutingDecision
}

type reviewRouter struct {
	sources SourceCatalog
	cfg     config.ReviewConfig
	logger  *zap.Logger
}

var _ ReviewRouter = (*reviewRouter)(nil)

// NewReviewRouter creates a ReviewRouter.
func NewReviewRouter(sources SourceCatalog, cfg config.ReviewConfig, logger *zap.Logger) ReviewRouter {
	return &reviewRouter{
		sources: sources,
		cfg:     cfg,
		logger:  logger.Named("review-router"),
	}
}

// Threshold widens the gate for unreliable sources and narrows it for
// reliable ones: base + adjustment*(0.5 - reliability), clamped.
func (r *reviewRouter) Threshold(ctx context.Context, sourceID string) float64 {
	reliability := r.sources.Reliability(ctx, sourceID)
	t := r.cfg.BaseThreshold + r.cfg.ReliabilityAdjustment*(0.5-reliability)
	return math.Max(r.cfg.MinThreshold, math.Min(r.cfg.MaxThreshold, t))
}

func (r *reviewRouter) Route(ctx context.Context, sourceID string, extractionConfidence float64, resolutions ...*Resolution) RoutingDecision {
	d := RoutingDecision{
		Threshold:        r.Threshold(ctx, sourceID),
		GatingConfidence: extractionConfidence,
	}

	ambiguous := false
	for _, res := range resolutions {
		if res == nil {
			continue
		}
		d.GatingConfidence = math.Min(d.GatingConfidence, res.Confidence)
		if res.Ambiguous {
			ambiguous = true
			d.Candidates = append(d.Candidates, res.EntityID)
			d.Candidates = append(d.Candidates, res.Alternatives...)
		}
	}

	switch {
	case ambiguous:
		d.Reason = models.ReviewReasonAmbiguousResolution
	case d.GatingConfidence < d.Threshold:
		d.Reason = models.ReviewReasonLowConfidence
	default:
		d.AutoCommit = true
	}

	if !d.AutoCommit {
		r.logger.Debug("Routing fact to review",
			zap.String("source_id", sourceID),
			zap.String("reason", string(d.Reason)),
			zap.Float64("confidence", d.GatingConfidence),
			zap.Float64("threshold", d.Threshold))
	}
	return d
}
