package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

// SourceRepository provides data access for record sources.
type SourceRepository interface {
	// Ensure registers a source if it does not exist and returns the stored row.
	// Existing sources are never modified.
	Ensure(ctx context.Context, decl models.SourceDeclaration) (*models.Source, error)

	// GetByID returns a source, or nil if it is unknown.
	GetByID(ctx context.Context, id string) (*models.Source, error)

	// List returns all sources ordered by id.
	List(ctx context.Context) ([]*models.Source, error)

	// UpdateReliability stores a recomputed reliability score.
	UpdateReliability(ctx context.Context, id string, score float64, computedAt time.Time) error
}

type sourceRepository struct{}

// NewSourceRepository creates a new SourceRepository.
func NewSourceRepository() SourceRepository {
	return &sourceRepository{}
}

var _ SourceRepository = (*sourceRepository)(nil)

const sourceColumns = `id, display_name, kind, reliability_score, last_recomputed_at, created_at`

func (r *sourceRepository) Ensure(ctx context.Context, decl models.SourceDeclaration) (*models.Source, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	displayName := decl.DisplayName
	if displayName == "" {
		displayName = decl.ID
	}
	kind := decl.Kind
	if kind == "" {
		kind = models.SourceKindExtracted
	}

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO kb_sources (id, display_name, kind, reliability_score, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		decl.ID, displayName, kind, models.DefaultReliabilityScore, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register source %s: %w", decl.ID, err)
	}

	return r.GetByID(ctx, decl.ID)
}

func (r *sourceRepository) GetByID(ctx context.Context, id string) (*models.Source, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	row := scope.Conn.QueryRow(ctx, `SELECT `+sourceColumns+` FROM kb_sources WHERE id = $1`, id)
	source, err := scanSource(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return source, nil
}

func (r *sourceRepository) List(ctx context.Context) ([]*models.Source, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `SELECT `+sourceColumns+` FROM kb_sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sources: %w", err)
	}
	return sources, nil
}

func (r *sourceRepository) UpdateReliability(ctx context.Context, id string, score float64, computedAt time.Time) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	result, err := scope.Conn.Exec(ctx, `
		UPDATE kb_sources
		SET reliability_score = $2, last_recomputed_at = $3
		WHERE id = $1`,
		id, score, computedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update reliability for %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanSource(row pgx.Row) (*models.Source, error) {
	var s models.Source
	if err := row.Scan(&s.ID, &s.DisplayName, &s.Kind, &s.ReliabilityScore, &s.LastRecomputedAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
