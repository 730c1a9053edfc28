package models

import (
	"time"

	"github.com/google/uuid"
)

// ValidationStatus tracks an assertion through review.
type ValidationStatus string

const (
	StatusAutoCommitted  ValidationStatus = "auto_committed"
	StatusPending        ValidationStatus = "pending"
	StatusHumanValidated ValidationStatus = "human_validated"
	StatusHumanRejected  ValidationStatus = "human_rejected"
)

// IsValid reports whether s is a known status.
func (s ValidationStatus) IsValid() bool {
	switch s {
	case StatusAutoCommitted, StatusPending, StatusHumanValidated, StatusHumanRejected:
		return true
	}
	return false
}

// IsAccepted reports whether assertions with this status count as knowledge.
func (s ValidationStatus) IsAccepted() bool {
	return s == StatusAutoCommitted || s == StatusHumanValidated
}

// IsReviewed reports whether a human has ruled on the assertion.
func (s ValidationStatus) IsReviewed() bool {
	return s == StatusHumanValidated || s == StatusHumanRejected
}

// ObjectKind distinguishes entity-valued from literal-valued assertions.
type ObjectKind string

const (
	ObjectKindEntity  ObjectKind = "entity"
	ObjectKindLiteral ObjectKind = "literal"
)

// Assertion is one immutable, sourced claim about an entity.
// Stored in kb_assertions. After insert only ValidationStatus, ResolvedAt and
// ResolvedBy may change, and only away from pending. Subject and object
// references are rewritten when entities merge.
type Assertion struct {
	ID              uuid.UUID        `json:"id"`
	IdempotencyKey  string           `json:"idempotency_key"`
	SubjectEntityID uuid.UUID        `json:"subject_entity_id"`
	Predicate       string           `json:"predicate"`
	ObjectKind      ObjectKind       `json:"object_kind"`
	ObjectEntityID  *uuid.UUID       `json:"object_entity_id,omitempty"`
	ObjectLiteral   *string          `json:"object_literal,omitempty"`
	Confidence      float64          `json:"confidence"`
	SourceID        string           `json:"source_id"`
	SourceTextRef   string           `json:"source_text_ref,omitempty"`
	ObservedAt      *time.Time       `json:"observed_at,omitempty"`
	RecordedAt      time.Time        `json:"recorded_at"`
	Status          ValidationStatus `json:"validation_status"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy      *string          `json:"resolved_by,omitempty"`
	Supersedes      *uuid.UUID       `json:"supersedes,omitempty"`
}

// IsRelationship reports whether the assertion links two entities.
func (a *Assertion) IsRelationship() bool {
	return a.ObjectKind == ObjectKindEntity && a.ObjectEntityID != nil
}

// EntityIDs returns the entities this assertion references.
func (a *Assertion) EntityIDs() []uuid.UUID {
	ids := []uuid.UUID{a.SubjectEntityID}
	if a.ObjectEntityID != nil && *a.ObjectEntityID != a.SubjectEntityID {
		ids = append(ids, *a.ObjectEntityID)
	}
	return ids
}

// Edge is the materialized projection of accepted relationship assertions
// for one (subject, predicate, object) triple. Stored in kb_edges.
type Edge struct {
	SubjectEntityID uuid.UUID `json:"subject_entity_id"`
	Predicate       string    `json:"predicate"`
	ObjectEntityID  uuid.UUID `json:"object_entity_id"`
	SupportCount    int       `json:"support_count"`
	MaxConfidence   float64   `json:"max_confidence"`
	FirstRecordedAt time.Time `json:"first_recorded_at"`
	LastRecordedAt  time.Time `json:"last_recorded_at"`
}
