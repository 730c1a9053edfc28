package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

// EventRepository provides append-only access to the event log.
type EventRepository interface {
	// Insert appends an event and its participants unless one with the same
	// idempotency key exists, in which case the stored event is returned
	// with created=false.
	Insert(ctx context.Context, e *models.Event) (stored *models.Event, created bool, err error)

	// ListByEntity returns events in which entityID participates, ordered by
	// (effective time, recorded_at, seq). Empty eventTypes matches all types;
	// a non-nil until keeps only events effective at or before it.
	ListByEntity(ctx context.Context, entityID uuid.UUID, eventTypes []string, until *time.Time) ([]*models.Event, error)

	// ReassignParticipants moves event participation from fromID to toID.
	ReassignParticipants(ctx context.Context, fromID, toID uuid.UUID) error
}

type eventRepository struct{}

// NewEventRepository creates a new EventRepository.
func NewEventRepository() EventRepository {
	return &eventRepository{}
}

var _ EventRepository = (*eventRepository)(nil)

const eventColumns = `e.id, e.idempotency_key, e.event_type, e.start_time, e.end_time, e.source_id, e.assertion_id, e.recorded_at, e.seq`

func (r *eventRepository) Insert(ctx context.Context, e *models.Event) (*models.Event, bool, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, false, err
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	err = scope.Conn.QueryRow(ctx, `
		INSERT INTO kb_events (id, idempotency_key, event_type, start_time, end_time, source_id, assertion_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING seq`,
		e.ID, e.IdempotencyKey, e.EventType, e.StartTime, e.EndTime, e.SourceID, e.AssertionID, e.RecordedAt,
	).Scan(&e.Seq)
	if err != nil {
		if !isNoRows(err) {
			return nil, false, fmt.Errorf("failed to insert event: %w", err)
		}
		existing, err := r.getByIdempotencyKey(ctx, e.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	for _, p := range e.Participants {
		_, err := scope.Conn.Exec(ctx, `
			INSERT INTO kb_event_participants (event_id, entity_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, e.ID, p.EntityID, p.Role)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert event participant: %w", err)
		}
	}

	return e, true, nil
}

func (r *eventRepository) getByIdempotencyKey(ctx context.Context, key string) (*models.Event, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `SELECT `+eventColumns+` FROM kb_events e WHERE e.idempotency_key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("event with idempotency key %q vanished after conflict", key)
	}
	if err := r.attachParticipants(ctx, events); err != nil {
		return nil, err
	}
	return events[0], nil
}

func (r *eventRepository) ListByEntity(ctx context.Context, entityID uuid.UUID, eventTypes []string, until *time.Time) ([]*models.Event, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if eventTypes == nil {
		eventTypes = []string{}
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT DISTINCT `+eventColumns+`, COALESCE(e.end_time, e.start_time) AS effective_time
		FROM kb_events e
		JOIN kb_event_participants p ON p.event_id = e.id
		WHERE p.entity_id = $1
		  AND (cardinality($2::text[]) = 0 OR e.event_type = ANY($2))
		  AND ($3::timestamptz IS NULL OR COALESCE(e.end_time, e.start_time) <= $3)
		ORDER BY effective_time, e.recorded_at, e.seq`, entityID, eventTypes, until)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		var effective time.Time
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.EventType, &e.StartTime, &e.EndTime,
			&e.SourceID, &e.AssertionID, &e.RecordedAt, &e.Seq, &effective); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	if err := r.attachParticipants(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

func (r *eventRepository) attachParticipants(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}

	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	ids := make([]uuid.UUID, len(events))
	byID := make(map[uuid.UUID]*models.Event, len(events))
	for i, e := range events {
		ids[i] = e.ID
		byID[e.ID] = e
		e.Participants = nil
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT event_id, entity_id, role
		FROM kb_event_participants
		WHERE event_id = ANY($1)
		ORDER BY event_id, role, entity_id`, ids)
	if err != nil {
		return fmt.Errorf("failed to load event participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventID uuid.UUID
		var p models.EventParticipant
		if err := rows.Scan(&eventID, &p.EntityID, &p.Role); err != nil {
			return fmt.Errorf("failed to scan event participant: %w", err)
		}
		if e, ok := byID[eventID]; ok {
			e.Participants = append(e.Participants, p)
		}
	}
	return rows.Err()
}

func (r *eventRepository) ReassignParticipants(ctx context.Context, fromID, toID uuid.UUID) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO kb_event_participants (event_id, entity_id, role)
		SELECT event_id, $2, role FROM kb_event_participants WHERE entity_id = $1
		ON CONFLICT DO NOTHING`, fromID, toID)
	if err != nil {
		return fmt.Errorf("failed to copy event participants: %w", err)
	}

	if _, err := scope.Conn.Exec(ctx, `DELETE FROM kb_event_participants WHERE entity_id = $1`, fromID); err != nil {
		return fmt.Errorf("failed to remove reassigned participants: %w", err)
	}
	return nil
}

func scanEvents(rows pgx.Rows) ([]*models.Event, error) {
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.EventType, &e.StartTime, &e.EndTime,
			&e.SourceID, &e.AssertionID, &e.RecordedAt, &e.Seq); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
