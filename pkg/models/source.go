package models

import "time"

// DefaultReliabilityScore is assigned to a source until it has reviewed evidence.
const DefaultReliabilityScore = 0.5

// Source kinds. Structured feeds carry curated identifiers; extractors
// produce model-generated candidate facts.
const (
	SourceKindStructured = "structured"
	SourceKindExtracted  = "extracted"
)

// Source is an origin of records (a feed, an extractor, a human reviewer).
// Stored in kb_sources. Only the reliability tracker mutates ReliabilityScore.
type Source struct {
	ID               string     `json:"id"`
	DisplayName      string     `json:"display_name"`
	Kind             string     `json:"kind"`
	ReliabilityScore float64    `json:"reliability_score"`
	LastRecomputedAt *time.Time `json:"last_recomputed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// SourceDeclaration registers a source as part of an ingestion batch.
type SourceDeclaration struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ReviewOutcome is one reviewed assertion as seen by the reliability tracker.
type ReviewOutcome struct {
	SourceID   string           `json:"source_id"`
	Status     ValidationStatus `json:"status"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

// ReliabilityReport summarizes one recomputation pass.
type ReliabilityReport struct {
	ComputedAt time.Time          `json:"computed_at"`
	Scores     map[string]float64 `json:"scores"`
	Evidence   map[string]int     `json:"evidence"`
}
