package models

import (
	"time"

	"github.com/google/uuid"
)

// ReviewReason explains why an assertion was routed to review.
type ReviewReason string

const (
	ReviewReasonLowConfidence       ReviewReason = "low_confidence"
	ReviewReasonAmbiguousResolution ReviewReason = "ambiguous_resolution"
)

// ReviewDecision is a reviewer's ruling on a task.
type ReviewDecision string

const (
	DecisionAccept ReviewDecision = "accept"
	DecisionReject ReviewDecision = "reject"
	DecisionEdit   ReviewDecision = "edit"
)

// IsValid reports whether d is a known decision.
func (d ReviewDecision) IsValid() bool {
	return d == DecisionAccept || d == DecisionReject || d == DecisionEdit
}

// ReviewTask is a pending-assertion work item. Stored in kb_review_tasks.
// Priority is the gating confidence; lower sorts first.
type ReviewTask struct {
	ID           uuid.UUID       `json:"id"`
	AssertionID  uuid.UUID       `json:"assertion_id"`
	Priority     float64         `json:"priority"`
	Reason       ReviewReason    `json:"reason"`
	Candidates   []uuid.UUID     `json:"candidates,omitempty"` // alternative entities for ambiguous resolutions
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	Resolution   *ReviewDecision `json:"resolution,omitempty"`
	ResolvedBy   *string         `json:"resolved_by,omitempty"`
	CorrectionID *uuid.UUID      `json:"correction_id,omitempty"`
}

// IsOpen reports whether the task still awaits a decision.
func (t *ReviewTask) IsOpen() bool {
	return t.ResolvedAt == nil
}

// ReviewCursor is the keyset position of a task in the pending queue.
type ReviewCursor struct {
	Priority   float64   `json:"p"`
	EnqueuedAt time.Time `json:"t"`
	ID         uuid.UUID `json:"i"`
}
