package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

// ExportCursor is the keyset position of the exporter within validated assertions.
type ExportCursor struct {
	ResolvedAt time.Time
	ID         uuid.UUID
}

// AssertionRepository provides append-only access to the assertion log.
type AssertionRepository interface {
	// Insert appends an assertion unless one with the same idempotency key
	// exists, in which case the stored assertion is returned with created=false.
	Insert(ctx context.Context, a *models.Assertion) (stored *models.Assertion, created bool, err error)

	// GetByID returns an assertion, or nil if not found.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Assertion, error)

	// ListBySubject returns assertions about entityID in recorded order.
	// An empty predicate matches all predicates.
	ListBySubject(ctx context.Context, entityID uuid.UUID, predicate string) ([]*models.Assertion, error)

	// Resolve moves a pending assertion to a reviewed status. Returns
	// ErrNotFound for unknown ids and ErrConflict if it is no longer pending.
	Resolve(ctx context.Context, id uuid.UUID, status models.ValidationStatus, resolvedBy string, at time.Time) (*models.Assertion, error)

	// ReassignEntity rewrites subject and object references from fromID to toID.
	ReassignEntity(ctx context.Context, fromID, toID uuid.UUID) (int64, error)

	// CountAccepted returns the number of accepted assertions referencing each entity.
	CountAccepted(ctx context.Context, entityIDs []uuid.UUID) (map[uuid.UUID]int, error)

	// ListReviewOutcomes returns every human-reviewed assertion outcome.
	ListReviewOutcomes(ctx context.Context) ([]models.ReviewOutcome, error)

	// ListValidatedPage returns human-validated assertions resolved after the
	// cursor and at or before until, ordered by (resolved_at, id).
	ListValidatedPage(ctx context.Context, after ExportCursor, until time.Time, limit int) ([]*models.Assertion, error)
}

type assertionRepository struct{}

// NewAssertionRepository creates a new AssertionRepository.
func NewAssertionRepository() AssertionRepository {
	return &assertionRepository{}
}

var _ AssertionRepository = (*assertionRepository)(nil)

const assertionColumns = `
	id, idempotency_key, subject_entity_id, predicate, object_kind, object_entity_id,
	object_literal, confidence, source_id, source_text_ref, observed_at, recorded_at,
	validation_status, resolved_at, resolved_by, supersedes`

func (r *assertionRepository) Insert(ctx context.Context, a *models.Assertion) (*models.Assertion, bool, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, false, err
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.RecordedAt.IsZero() {
		a.RecordedAt = time.Now().UTC()
	}

	result, err := scope.Conn.Exec(ctx, `
		INSERT INTO kb_assertions (`+assertionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		a.ID, a.IdempotencyKey, a.SubjectEntityID, a.Predicate, string(a.ObjectKind), a.ObjectEntityID,
		a.ObjectLiteral, a.Confidence, a.SourceID, a.SourceTextRef, a.ObservedAt, a.RecordedAt,
		string(a.Status), a.ResolvedAt, a.ResolvedBy, a.Supersedes,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert assertion: %w", err)
	}
	if result.RowsAffected() == 1 {
		return a, true, nil
	}

	row := scope.Conn.QueryRow(ctx, `SELECT `+assertionColumns+` FROM kb_assertions WHERE idempotency_key = $1`, a.IdempotencyKey)
	existing, err := scanAssertion(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing assertion: %w", err)
	}
	return existing, false, nil
}

func (r *assertionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Assertion, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	row := scope.Conn.QueryRow(ctx, `SELECT `+assertionColumns+` FROM kb_assertions WHERE id = $1`, id)
	a, err := scanAssertion(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get assertion: %w", err)
	}
	return a, nil
}

func (r *assertionRepository) ListBySubject(ctx context.Context, entityID uuid.UUID, predicate string) ([]*models.Assertion, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT `+assertionColumns+`
		FROM kb_assertions
		WHERE subject_entity_id = $1 AND ($2 = '' OR predicate = $2)
		ORDER BY recorded_at, id`, entityID, predicate)
	if err != nil {
		return nil, fmt.Errorf("failed to list assertions: %w", err)
	}
	defer rows.Close()

	return scanAssertions(rows)
}

func (r *assertionRepository) Resolve(ctx context.Context, id uuid.UUID, status models.ValidationStatus, resolvedBy string, at time.Time) (*models.Assertion, error) {
	if !status.IsReviewed() {
		return nil, fmt.Errorf("status %q is not a review outcome", status)
	}

	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	row := scope.Conn.QueryRow(ctx, `
		UPDATE kb_assertions
		SET validation_status = $2, resolved_at = $3, resolved_by = $4
		WHERE id = $1 AND validation_status = 'pending'
		RETURNING `+assertionColumns,
		id, string(status), at, resolvedBy,
	)
	a, err := scanAssertion(row)
	if err == nil {
		return a, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("failed to resolve assertion: %w", err)
	}

	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperrors.ErrNotFound
	}
	return nil, fmt.Errorf("assertion %s is already %s: %w", id, existing.Status, apperrors.ErrConflict)
}

func (r *assertionRepository) ReassignEntity(ctx context.Context, fromID, toID uuid.UUID) (int64, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return 0, err
	}

	subj, err := scope.Conn.Exec(ctx, `UPDATE kb_assertions SET subject_entity_id = $2 WHERE subject_entity_id = $1`, fromID, toID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign assertion subjects: %w", err)
	}
	obj, err := scope.Conn.Exec(ctx, `UPDATE kb_assertions SET object_entity_id = $2 WHERE object_entity_id = $1`, fromID, toID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign assertion objects: %w", err)
	}
	return subj.RowsAffected() + obj.RowsAffected(), nil
}

func (r *assertionRepository) CountAccepted(ctx context.Context, entityIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(entityIDs))
	if len(entityIDs) == 0 {
		return counts, nil
	}

	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT c.id, COUNT(a.id)
		FROM unnest($1::uuid[]) AS c(id)
		LEFT JOIN kb_assertions a
		  ON (a.subject_entity_id = c.id OR a.object_entity_id = c.id)
		 AND a.validation_status IN ('auto_committed', 'human_validated')
		GROUP BY c.id`, entityIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to count confirmations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan confirmation count: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating confirmation counts: %w", err)
	}
	return counts, nil
}

func (r *assertionRepository) ListReviewOutcomes(ctx context.Context) ([]models.ReviewOutcome, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT source_id, validation_status, resolved_at
		FROM kb_assertions
		WHERE validation_status IN ('human_validated', 'human_rejected')
		  AND resolved_at IS NOT NULL
		ORDER BY source_id, resolved_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list review outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []models.ReviewOutcome
	for rows.Next() {
		var o models.ReviewOutcome
		var status string
		if err := rows.Scan(&o.SourceID, &status, &o.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review outcome: %w", err)
		}
		o.Status = models.ValidationStatus(status)
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating review outcomes: %w", err)
	}
	return outcomes, nil
}

func (r *assertionRepository) ListValidatedPage(ctx context.Context, after ExportCursor, until time.Time, limit int) ([]*models.Assertion, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT `+assertionColumns+`
		FROM kb_assertions
		WHERE validation_status = 'human_validated'
		  AND (resolved_at, id) > ($1, $2)
		  AND resolved_at <= $3
		ORDER BY resolved_at, id
		LIMIT $4`, after.ResolvedAt, after.ID, until, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list validated assertions: %w", err)
	}
	defer rows.Close()

	return scanAssertions(rows)
}

func scanAssertions(rows pgx.Rows) ([]*models.Assertion, error) {
	var out []*models.Assertion
	for rows.Next() {
		a, err := scanAssertion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assertion: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assertions: %w", err)
	}
	return out, nil
}

func scanAssertion(row pgx.Row) (*models.Assertion, error) {
	var a models.Assertion
	var objectKind, status string

	err := row.Scan(
		&a.ID,
		&a.IdempotencyKey,
		&a.SubjectEntityID,
		&a.Predicate,
		&objectKind,
		&a.ObjectEntityID,
		&a.ObjectLiteral,
		&a.Confidence,
		&a.SourceID,
		&a.SourceTextRef,
		&a.ObservedAt,
		&a.RecordedAt,
		&status,
		&a.ResolvedAt,
		&a.ResolvedBy,
		&a.Supersedes,
	)
	if err != nil {
		return nil, err
	}

	a.ObjectKind = models.ObjectKind(objectKind)
	a.Status = models.ValidationStatus(status)
	return &a, nil
}
