package export

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS examples (
	assertion_id    TEXT PRIMARY KEY,
	source_text_ref TEXT NOT NULL,
	subject         TEXT NOT NULL,
	subject_type    TEXT NOT NULL,
	predicate       TEXT NOT NULL,
	object          TEXT NOT NULL,
	object_type     TEXT,
	confidence      REAL NOT NULL,
	source_id       TEXT NOT NULL,
	reviewed_by     TEXT,
	resolved_at     TEXT,
	supersedes      TEXT
)`

// SQLiteWriter writes examples into a single-table SQLite file inside one
// transaction, committed on Close.
type SQLiteWriter struct {
	path string
	db   *sql.DB
	tx   *sql.Tx
	stmt *sql.Stmt
}

var _ Writer = (*SQLiteWriter)(nil)

// NewSQLiteWriter opens (or creates) the dataset file at path.
func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create export schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start export transaction: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO examples
			(assertion_id, source_text_ref, subject, subject_type, predicate, object,
			 object_type, confidence, source_id, reviewed_by, resolved_at, supersedes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		db.Close()
		return nil, fmt.Errorf("failed to prepare export insert: %w", err)
	}
	return &SQLiteWriter{path: path, db: db, tx: tx, stmt: stmt}, nil
}

func (w *SQLiteWriter) Write(rec *models.ExportRecord) error {
	l := LineFor(rec)
	a := rec.Assertion

	var resolvedAt, supersedes any
	if a.ResolvedAt != nil {
		resolvedAt = a.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}
	if a.Supersedes != nil {
		supersedes = a.Supersedes.String()
	}

	_, err := w.stmt.Exec(a.ID.String(), l.SourceTextRef, l.Subject, l.SubjectType, l.Predicate, l.Object,
		nullIfEmpty(l.ObjectType), l.Confidence, l.SourceID, nullIfEmpty(l.ReviewedBy), resolvedAt, supersedes)
	if err != nil {
		return fmt.Errorf("failed to insert export row: %w", err)
	}
	return nil
}

func (w *SQLiteWriter) Close() error {
	defer w.db.Close()
	w.stmt.Close()
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit export: %w", err)
	}
	return nil
}

func (w *SQLiteWriter) Path() string {
	return w.path
}

// OpenDataset opens a written dataset read-only for inspection.
func OpenDataset(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	return db, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
