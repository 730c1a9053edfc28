package services

import (
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

// Candidate is one shortlisted entity with the evidence gathered for it.
type Candidate struct {
	Entity        *models.Entity
	VectorScore   float64 // similarity service score, 0 if not returned by it
	CoOccurrence  int     // edge support shared with the fact's other side
	Confirmations int     // accepted assertions referencing the entity
	Score         float64
}

// ScoringContext is what the resolver knows about the fact being resolved.
type ScoringContext struct {
	Descriptor        models.Descriptor
	SourceID          string
	SourceReliability float64
}

// Scorer rates how well a candidate matches a descriptor, in [0,1].
type Scorer interface {
	Score(c *Candidate, sc ScoringContext) float64
}

// WeightedScorer combines name similarity, vector similarity and
// co-occurrence, then weights the result by source reliability.
type WeightedScorer struct {
	CoOccurrenceWeight float64
	ReliabilityWeight  float64
}

var _ Scorer = WeightedScorer{}

func (s WeightedScorer) Score(c *Candidate, sc ScoringContext) float64 {
	if !typesCompatible(sc.Descriptor.Type, c.Entity.Type) {
		return 0
	}

	base := math.Max(NameSimilarity(sc.Descriptor, c.Entity), c.VectorScore)
	co := 1 - 1/float64(1+c.CoOccurrence)
	base += s.CoOccurrenceWeight * co * (1 - base)

	weighted := base * (1 + s.ReliabilityWeight*(sc.SourceReliability-0.5))
	return clamp01(weighted)
}

func typesCompatible(want, have models.EntityType) bool {
	if want == "" || want == models.EntityTypeOther || have == models.EntityTypeOther {
		return true
	}
	return want == have
}

// NameSimilarity is 1 for an exact match on the normalized name, an alias or
// the external id, and the bigram Dice coefficient of the names otherwise.
func NameSimilarity(d models.Descriptor, e *models.Entity) float64 {
	norm := d.NormalizedName()
	if norm == e.NormalizedName {
		return 1
	}
	if d.ExternalID != "" && e.ExternalID != nil && strings.EqualFold(d.ExternalID, *e.ExternalID) {
		return 1
	}

	best := dice(norm, e.NormalizedName)
	for _, alias := range e.Aliases {
		a := models.NormalizeName(alias)
		if a == norm {
			return 1
		}
		best = math.Max(best, dice(norm, a))
	}
	return best
}

func dice(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	ba, bb := bigrams(a), bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}

	counts := make(map[string]int, len(ba))
	for _, g := range ba {
		counts[g]++
	}
	shared := 0
	for _, g := range bb {
		if counts[g] > 0 {
			counts[g]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ba)+len(bb))
}

func bigrams(s string) []string {
	r := []rune(s)
	if len(r) < 2 {
		return []string{s}
	}
	out := make([]string, 0, len(r)-1)
	for i := 0; i < len(r)-1; i++ {
		out = append(out, string(r[i:i+2]))
	}
	return out
}

// rankCandidates orders candidates by score, then confirmations, then id.
func rankCandidates(cands []*Candidate) {
	slices.SortFunc(cands, func(a, b *Candidate) int {
		switch {
		case a.Score != b.Score:
			return cmpDesc(a.Score, b.Score)
		case a.Confirmations != b.Confirmations:
			return b.Confirmations - a.Confirmations
		}
		return compareIDs(a.Entity.ID, b.Entity.ID)
	})
}

func compareIDs(a, b uuid.UUID) int {
	return strings.Compare(a.String(), b.String())
}

func cmpDesc(a, b float64) int {
	if a > b {
		return -1
	}
	if a < b {
		return 1
	}
	return 0
}
