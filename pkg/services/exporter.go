package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/export"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories"
)

const exportPageSize = 500

// DatasetExporter produces the corrected dataset used to retrain the
// upstream extractor.
type DatasetExporter interface {
	// ExportValidated streams human-validated assertions resolved after since
	// and at or before until, ordered by (resolved_at, id). A zero until means now.
	ExportValidated(ctx context.Context, since, until time.Time, fn func(*models.ExportRecord) error) error

	// RunExport writes every validated assertion since the previous run's
	// watermark to a new file and records the run. The new watermark trails
	// the run's start by the settle window.
	RunExport(ctx context.Context) (*models.ExportRun, error)

	// Run calls RunExport every interval until ctx is done.
	Run(ctx context.Context, interval time.Duration) error
}

// DatasetExporterDeps groups the exporter's collaborators.
type DatasetExporterDeps struct {
	Assertions repositories.AssertionRepository
	Entities   repositories.EntityRepository
	Runs       repositories.ExportRunRepository
	Tx         database.TxRunner
	Scopes     database.ScopeProvider
	Config     config.ExportConfig
	Logger     *zap.Logger
	Now        func() time.Time
}

type datasetExporter struct {
	assertions repositories.AssertionRepository
	entities   repositories.EntityRepository
	runs       repositories.ExportRunRepository
	tx         database.TxRunner
	scopes     database.ScopeProvider
	cfg        config.ExportConfig
	logger     *zap.Logger
	now        func() time.Time
}

var _ DatasetExporter = (*datasetExporter)(nil)

// NewDatasetExporter creates a DatasetExporter.
func NewDatasetExporter(deps DatasetExporterDeps) DatasetExporter {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &datasetExporter{
		assertions: deps.Assertions,
		entities:   deps.Entities,
		runs:       deps.Runs,
		tx:         deps.Tx,
		scopes:     deps.Scopes,
		cfg:        deps.Config,
		logger:     deps.Logger.Named("exporter"),
		now:        now,
	}
}

func (s *datasetExporter) ExportValidated(ctx context.Context, since, until time.Time, fn func(*models.ExportRecord) error) error {
	if until.IsZero() {
		until = s.now()
	}
	// since is exclusive.
	cursor := repositories.ExportCursor{ResolvedAt: since, ID: uuid.Max}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var page []*models.Assertion
		names := make(map[uuid.UUID]*models.Entity)
		err := s.tx.InSnapshot(ctx, func(ctx context.Context) error {
			var err error
			page, err = s.assertions.ListValidatedPage(ctx, cursor, until, exportPageSize)
			if err != nil {
				return fmt.Errorf("failed to list validated assertions: %w", err)
			}
			return s.loadEntities(ctx, page, names)
		})
		if err != nil {
			return err
		}

		for _, a := range page {
			if err := fn(exportRecord(a, names)); err != nil {
				return err
			}
		}

		if len(page) < exportPageSize {
			return nil
		}
		last := page[len(page)-1]
		cursor = repositories.ExportCursor{ResolvedAt: *last.ResolvedAt, ID: last.ID}
	}
}

func (s *datasetExporter) loadEntities(ctx context.Context, page []*models.Assertion, into map[uuid.UUID]*models.Entity) error {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, a := range page {
		for _, id := range a.EntityIDs() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	entities, err := s.entities.GetByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load entities: %w", err)
	}
	for _, e := range entities {
		into[e.ID] = e
	}
	return nil
}

func exportRecord(a *models.Assertion, entities map[uuid.UUID]*models.Entity) *models.ExportRecord {
	rec := &models.ExportRecord{SourceTextRef: a.SourceTextRef, Assertion: a}
	if e := entities[a.SubjectEntityID]; e != nil {
		rec.SubjectName = e.CanonicalName
		rec.SubjectType = e.Type
	}
	if a.ObjectEntityID != nil {
		if e := entities[*a.ObjectEntityID]; e != nil {
			rec.ObjectName = e.CanonicalName
			rec.ObjectType = e.Type
		}
	}
	return rec
}

func (s *datasetExporter) RunExport(ctx context.Context) (*models.ExportRun, error) {
	started := s.now()

	var since time.Time
	last, err := s.runs.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load export watermark: %w", err)
	}
	if last != nil {
		since = last.Until
	}

	until := started.Add(-s.cfg.SettleWindow)
	if until.Before(since) {
		until = since
	}

	w, err := export.Create(s.cfg.Format, s.cfg.Dir, started)
	if err != nil {
		return nil, err
	}

	count := 0
	err = s.ExportValidated(ctx, since, until, func(rec *models.ExportRecord) error {
		count++
		return w.Write(rec)
	})
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to export validated assertions: %w", err)
	}

	run := &models.ExportRun{
		Since:       since,
		Until:       until,
		Records:     count,
		Format:      s.cfg.Format,
		Destination: w.Path(),
		CreatedAt:   started,
	}
	if run.Format == "" {
		run.Format = export.FormatJSONL
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record export run: %w", err)
	}

	s.logger.Info("Exported validated assertions",
		zap.Int("records", count),
		zap.Time("since", since),
		zap.Time("until", until),
		zap.String("destination", run.Destination))
	return run, nil
}

func (s *datasetExporter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			scoped, release, err := s.scopes.WithScope(ctx)
			if err != nil {
				s.logger.Error("Failed to acquire scope for export", zap.Error(err))
				continue
			}
			if _, err := s.RunExport(scoped); err != nil {
				s.logger.Error("Export run failed", zap.Error(err))
			}
			release()
		}
	}
}
