package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant roles.
const (
	RoleSubject = "subject"
	RoleObject  = "object"
	RoleTarget  = "target"
	RoleActor   = "actor"
)

// Event is a time-bounded occurrence involving entities.
// Stored in kb_events (append-only) with participants in kb_event_participants.
type Event struct {
	ID             uuid.UUID          `json:"id"`
	IdempotencyKey string             `json:"idempotency_key"`
	EventType      string             `json:"event_type"`
	StartTime      time.Time          `json:"start_time"`
	EndTime        *time.Time         `json:"end_time,omitempty"`
	SourceID       string             `json:"source_id"`
	AssertionID    *uuid.UUID         `json:"assertion_id,omitempty"`
	Participants   []EventParticipant `json:"participants"`
	RecordedAt     time.Time          `json:"recorded_at"`
	Seq            int64              `json:"seq"`
}

// EventParticipant binds an entity to an event in a role.
type EventParticipant struct {
	EntityID uuid.UUID `json:"entity_id"`
	Role     string    `json:"role"`
}

// EffectiveTime is end_time when set, otherwise start_time.
func (e *Event) EffectiveTime() time.Time {
	if e.EndTime != nil {
		return *e.EndTime
	}
	return e.StartTime
}

// ParticipantIDs returns the distinct participating entity ids.
func (e *Event) ParticipantIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(e.Participants))
	ids := make([]uuid.UUID, 0, len(e.Participants))
	for _, p := range e.Participants {
		if !seen[p.EntityID] {
			seen[p.EntityID] = true
			ids = append(ids, p.EntityID)
		}
	}
	return ids
}

// EntityState is the reconstructed state of an entity at a point in time.
type EntityState struct {
	EntityID  uuid.UUID  `json:"entity_id"`
	AsOf      time.Time  `json:"as_of"`
	State     string     `json:"state"`
	EventID   *uuid.UUID `json:"event_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	EventTime *time.Time `json:"event_time,omitempty"`
}
