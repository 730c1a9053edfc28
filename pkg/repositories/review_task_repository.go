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

// ReviewTaskRepository provides data access for the review queue.
type ReviewTaskRepository interface {
	// Create enqueues a task.
	Create(ctx context.Context, task *models.ReviewTask) error

	// GetByID returns a task, or nil if not found.
	GetByID(ctx context.Context, id uuid.UUID) (*models.ReviewTask, error)

	// GetByAssertionID returns the task wrapping an assertion, or nil.
	GetByAssertionID(ctx context.Context, assertionID uuid.UUID) (*models.ReviewTask, error)

	// ListOpen returns open tasks after the cursor ordered by
	// (priority, enqueued_at, id). A nil cursor starts at the head.
	ListOpen(ctx context.Context, after *models.ReviewCursor, limit int) ([]*models.ReviewTask, error)

	// CountOpen returns the number of open tasks.
	CountOpen(ctx context.Context) (int, error)

	// Close records a decision. Returns ErrNotFound for unknown ids and
	// ErrConflict if the task is already closed.
	Close(ctx context.Context, id uuid.UUID, decision models.ReviewDecision, resolvedBy string, correctionID *uuid.UUID, at time.Time) error
}

type reviewTaskRepository struct{}

// NewReviewTaskRepository creates a new ReviewTaskRepository.
func NewReviewTaskRepository() ReviewTaskRepository {
	return &reviewTaskRepository{}
}

var _ ReviewTaskRepository = (*reviewTaskRepository)(nil)

const reviewTaskColumns = `id, assertion_id, priority, reason, candidates, enqueued_at, resolved_at, resolution, resolved_by, correction_id`

func (r *reviewTaskRepository) Create(ctx context.Context, task *models.ReviewTask) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	candidates := task.Candidates
	if candidates == nil {
		candidates = []uuid.UUID{}
	}

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO kb_review_tasks (id, assertion_id, priority, reason, candidates, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.AssertionID, task.Priority, string(task.Reason), candidates, task.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create review task: %w", err)
	}
	return nil
}

func (r *reviewTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ReviewTask, error) {
	return r.getOne(ctx, `SELECT `+reviewTaskColumns+` FROM kb_review_tasks WHERE id = $1`, id)
}

func (r *reviewTaskRepository) GetByAssertionID(ctx context.Context, assertionID uuid.UUID) (*models.ReviewTask, error) {
	return r.getOne(ctx, `SELECT `+reviewTaskColumns+` FROM kb_review_tasks WHERE assertion_id = $1`, assertionID)
}

func (r *reviewTaskRepository) getOne(ctx context.Context, query string, arg uuid.UUID) (*models.ReviewTask, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	task, err := scanReviewTask(scope.Conn.QueryRow(ctx, query, arg))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get review task: %w", err)
	}
	return task, nil
}

func (r *reviewTaskRepository) ListOpen(ctx context.Context, after *models.ReviewCursor, limit int) ([]*models.ReviewTask, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	var (
		hasCursor bool
		priority  float64
		enqueued  time.Time
		afterID   uuid.UUID
	)
	if after != nil {
		hasCursor = true
		priority, enqueued, afterID = after.Priority, after.EnqueuedAt, after.ID
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT `+reviewTaskColumns+`
		FROM kb_review_tasks
		WHERE resolved_at IS NULL
		  AND (NOT $1 OR (priority, enqueued_at, id) > ($2, $3, $4))
		ORDER BY priority, enqueued_at, id
		LIMIT $5`, hasCursor, priority, enqueued, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list review tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.ReviewTask
	for rows.Next() {
		t, err := scanReviewTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating review tasks: %w", err)
	}
	return tasks, nil
}

func (r *reviewTaskRepository) CountOpen(ctx context.Context) (int, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	if err := scope.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM kb_review_tasks WHERE resolved_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count review tasks: %w", err)
	}
	return n, nil
}

func (r *reviewTaskRepository) Close(ctx context.Context, id uuid.UUID, decision models.ReviewDecision, resolvedBy string, correctionID *uuid.UUID, at time.Time) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	result, err := scope.Conn.Exec(ctx, `
		UPDATE kb_review_tasks
		SET resolved_at = $2, resolution = $3, resolved_by = $4, correction_id = $5
		WHERE id = $1 AND resolved_at IS NULL`,
		id, at, string(decision), resolvedBy, correctionID,
	)
	if err != nil {
		return fmt.Errorf("failed to close review task: %w", err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return apperrors.ErrNotFound
	}
	return fmt.Errorf("review task %s is already resolved: %w", id, apperrors.ErrConflict)
}

func scanReviewTask(row pgx.Row) (*models.ReviewTask, error) {
	var t models.ReviewTask
	var reason string
	var resolution *string

	err := row.Scan(
		&t.ID,
		&t.AssertionID,
		&t.Priority,
		&reason,
		&t.Candidates,
		&t.EnqueuedAt,
		&t.ResolvedAt,
		&resolution,
		&t.ResolvedBy,
		&t.CorrectionID,
	)
	if err != nil {
		return nil, err
	}

	t.Reason = models.ReviewReason(reason)
	if resolution != nil {
		d := models.ReviewDecision(*resolution)
		t.Resolution = &d
	}
	if len(t.Candidates) == 0 {
		t.Candidates = nil
	}
	return &t, nil
}
