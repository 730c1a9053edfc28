package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

// ExportRunRepository records exporter passes and their watermarks.
type ExportRunRepository interface {
	Create(ctx context.Context, run *models.ExportRun) error
	// Latest returns the most recent run, or nil if none.
	Latest(ctx context.Context) (*models.ExportRun, error)
}

type exportRunRepository struct{}

// NewExportRunRepository creates a new ExportRunRepository.
func NewExportRunRepository() ExportRunRepository {
	return &exportRunRepository{}
}

var _ ExportRunRepository = (*exportRunRepository)(nil)

func (r *exportRunRepository) Create(ctx context.Context, run *models.ExportRun) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO kb_export_runs (id, since, until, records, format, destination, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.Since, run.Until, run.Records, run.Format, run.Destination, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record export run: %w", err)
	}
	return nil
}

func (r *exportRunRepository) Latest(ctx context.Context) (*models.ExportRun, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	var run models.ExportRun
	err = scope.Conn.QueryRow(ctx, `
		SELECT id, since, until, records, format, destination, created_at
		FROM kb_export_runs
		ORDER BY until DESC, created_at DESC
		LIMIT 1`).Scan(&run.ID, &run.Since, &run.Until, &run.Records, &run.Format, &run.Destination, &run.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest export run: %w", err)
	}
	return &run, nil
}
