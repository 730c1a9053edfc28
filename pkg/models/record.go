package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record kinds. Structured records come from curated feeds; extracted
// records come from the upstream text/code extractor.
const (
	RecordKindStructured = "structured"
	RecordKindExtracted  = "extracted"
)

// RawRecord is a candidate fact as delivered on the wire. Subject and
// object may be a bare name or a descriptor object; confidence and
// observed_at tolerate the loose typing extractors produce. A caller-supplied
// idempotency key replaces the one derived from the fact's content.
type RawRecord struct {
	Kind           string          `json:"kind,omitempty"`
	SourceID       string          `json:"source_id"`
	Subject        json.RawMessage `json:"subject"`
	Predicate      string          `json:"predicate"`
	Object         json.RawMessage `json:"object"`
	ObjectLiteral  bool            `json:"object_is_literal,omitempty"`
	Confidence     json.RawMessage `json:"confidence,omitempty"`
	ObservedAt     json.RawMessage `json:"observed_at,omitempty"`
	SourceTextRef  string          `json:"source_text_ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// CandidateFact is the validated, fixed-shape record produced by the normalizer.
type CandidateFact struct {
	Kind           string      `json:"kind"`
	SourceID       string      `json:"source_id"`
	Subject        Descriptor  `json:"subject"`
	Predicate      string      `json:"predicate"`
	ObjectKind     ObjectKind  `json:"object_kind"`
	Object         *Descriptor `json:"object,omitempty"`
	ObjectLiteral  string      `json:"object_literal,omitempty"`
	Confidence     float64     `json:"confidence"`
	ObservedAt     *time.Time  `json:"observed_at,omitempty"`
	SourceTextRef  string      `json:"source_text_ref,omitempty"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// RawEvent is a timestamped occurrence delivered directly by a feed
// (for example an advisory's publication date).
type RawEvent struct {
	SourceID       string           `json:"source_id"`
	EventType      string           `json:"event_type"`
	StartTime      time.Time        `json:"start_time"`
	EndTime        *time.Time       `json:"end_time,omitempty"`
	Participants   []RawParticipant `json:"participants"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// RawParticipant is an unresolved event participant.
type RawParticipant struct {
	Entity Descriptor `json:"entity"`
	Role   string     `json:"role"`
}

// IngestionBatch is one ingestion run: source declarations, facts and events.
// Within a source, records are committed in slice order before that
// source's events.
type IngestionBatch struct {
	ID      string              `json:"id,omitempty"`
	Sources []SourceDeclaration `json:"sources,omitempty"`
	Records []RawRecord         `json:"records"`
	Events  []RawEvent          `json:"events,omitempty"`
}

// IngestionSummary reports the outcome of a batch. Every received item is
// counted in exactly one outcome bucket.
type IngestionSummary struct {
	BatchID         string    `json:"batch_id"`
	Received        int       `json:"received"`
	AutoCommitted   int       `json:"auto_committed"`
	QueuedForReview int       `json:"queued_for_review"`
	Duplicates      int       `json:"duplicates"`
	EventsRecorded  int       `json:"events_recorded"`
	Malformed       int       `json:"malformed"`
	DeadLettered    int       `json:"dead_lettered"`
	Abandoned       int       `json:"abandoned"`
	Cancelled       bool      `json:"cancelled"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Committed is the number of items durably written by this run.
func (s *IngestionSummary) Committed() int {
	return s.AutoCommitted + s.QueuedForReview + s.EventsRecorded
}

// Accounted is the number of received items with a recorded outcome.
func (s *IngestionSummary) Accounted() int {
	return s.Committed() + s.Duplicates + s.Malformed + s.DeadLettered + s.Abandoned
}

// DeadLetter preserves an item whose retries were exhausted.
type DeadLetter struct {
	ID       uuid.UUID  `json:"id"`
	BatchID  string     `json:"batch_id,omitempty"`
	SourceID string     `json:"source_id"`
	Record   *RawRecord `json:"record,omitempty"`
	Event    *RawEvent  `json:"event,omitempty"`
	Error    string     `json:"error"`
	Attempts int        `json:"attempts"`
	FailedAt time.Time  `json:"failed_at"`
}
