// Package similarity provides clients for the nearest-neighbor lookup used
// during candidate generation.
package similarity

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
)

// Match is one nearest-neighbor hit.
type Match struct {
	EntityID uuid.UUID `json:"entity_id"`
	Score    float64   `json:"score"`
}

// Service answers nearest(descriptor_text, k) queries and accepts new entity
// descriptions for indexing.
type Service interface {
	// Nearest returns up to k matches ordered by descending score.
	Nearest(ctx context.Context, text string, k int) ([]Match, error)
	// Index records text for entityID so later lookups can find it.
	Index(ctx context.Context, entityID uuid.UUID, text string) error
	Close() error
}

// New builds the Service selected by cfg.Provider.
func New(cfg *config.SimilarityConfig, logger *zap.Logger) (Service, error) {
	switch cfg.Provider {
	case "", "none":
		return Nop{}, nil
	case "http":
		client, err := NewHTTPClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return guard(cfg, client, logger), nil
	case "openai":
		embedder, err := NewOpenAIEmbedder(cfg)
		if err != nil {
			return nil, err
		}
		index, err := OpenEmbeddingIndex(cfg, embedder, logger)
		if err != nil {
			return nil, err
		}
		return guard(cfg, index, logger), nil
	default:
		return nil, fmt.Errorf("unknown similarity provider %q", cfg.Provider)
	}
}

// Nop is used when no similarity service is configured; candidate
// generation then relies on exact and alias lookups only.
type Nop struct{}

var _ Service = Nop{}

func (Nop) Nearest(context.Context, string, int) ([]Match, error) { return nil, nil }

func (Nop) Index(context.Context, uuid.UUID, string) error { return nil }

func (Nop) Close() error { return nil }

func sortAndTrim(matches []Match, k int) []Match {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].EntityID.String() < matches[j].EntityID.String()
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
