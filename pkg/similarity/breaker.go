package similarity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("similarity service unavailable")

// BreakerState is the position of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	// BreakerProbing lets exactly one lookup through to test recovery.
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// Breaker wraps a Service so that a run of failed lookups makes later
// lookups fail immediately instead of each waiting out its timeout. The
// resolver turns ErrUnavailable into a retryable failure like any other
// lookup error.
type Breaker struct {
	next       Service
	threshold  int
	resetAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

var _ Service = (*Breaker)(nil)

// NewBreaker wraps next. threshold <= 0 disables tripping.
func NewBreaker(next Service, threshold int, resetAfter time.Duration, logger *zap.Logger) *Breaker {
	return &Breaker{
		next:       next,
		threshold:  threshold,
		resetAfter: resetAfter,
		now:        time.Now,
		logger:     logger.Named("similarity-breaker"),
	}
}

func guard(cfg *config.SimilarityConfig, next Service, logger *zap.Logger) Service {
	if cfg.BreakerThreshold <= 0 {
		return next
	}
	return NewBreaker(next, cfg.BreakerThreshold, cfg.BreakerResetAfter, logger)
}

func (b *Breaker) Nearest(ctx context.Context, text string, k int) ([]Match, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}
	matches, err := b.next.Nearest(ctx, text, k)
	// A cancelled caller says nothing about the service.
	if err != nil && ctx.Err() != nil {
		b.release()
		return nil, err
	}
	b.record(err)
	return matches, err
}

// Index is passed through; indexing failures are already tolerated by
// callers and do not move the breaker.
func (b *Breaker) Index(ctx context.Context, entityID uuid.UUID, text string) error {
	return b.next.Index(ctx, entityID, text)
}

func (b *Breaker) Close() error {
	return b.next.Close()
}

// State reports the current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.resetAfter {
			b.state = BreakerProbing
			return nil
		}
		return fmt.Errorf("%w: %d consecutive failures", ErrUnavailable, b.failures)
	default:
		return fmt.Errorf("%w: recovery probe in flight", ErrUnavailable)
	}
}

// release returns a probe slot without judging the service.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerProbing {
		b.state = BreakerOpen
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != BreakerClosed {
			b.logger.Info("Similarity service recovered")
		}
		b.failures = 0
		b.state = BreakerClosed
		return
	}

	b.failures++
	if b.state == BreakerProbing || (b.threshold > 0 && b.failures >= b.threshold) {
		if b.state == BreakerClosed {
			b.logger.Warn("Similarity lookups failing, opening breaker",
				zap.Int("failures", b.failures),
				zap.Duration("reset_after", b.resetAfter),
				zap.Error(err))
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}
