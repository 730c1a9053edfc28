// Package export writes corrected-dataset files consumed by the upstream
// extraction fine-tuning job.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

// Formats.
const (
	FormatJSONL  = "jsonl"
	FormatSQLite = "sqlite"
)

// Writer receives export records one at a time.
type Writer interface {
	Write(rec *models.ExportRecord) error
	// Close flushes and closes the file. The file is complete only after Close.
	Close() error
	Path() string
}

// Create opens a new export file in dir named after the run time.
func Create(format, dir string, at time.Time) (Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export dir: %w", err)
	}
	name := "validated-" + at.UTC().Format("20060102T150405Z")

	switch format {
	case FormatJSONL, "":
		return NewJSONLWriter(filepath.Join(dir, name+".jsonl"))
	case FormatSQLite:
		return NewSQLiteWriter(filepath.Join(dir, name+".db"))
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}
