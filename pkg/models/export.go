package models

import (
	"time"

	"github.com/google/uuid"
)

// ExportRecord is one human-validated training example.
type ExportRecord struct {
	SourceTextRef string     `json:"source_text_ref"`
	Assertion     *Assertion `json:"assertion"`
	SubjectName   string     `json:"subject_name"`
	SubjectType   EntityType `json:"subject_type"`
	ObjectName    string     `json:"object_name,omitempty"`
	ObjectType    EntityType `json:"object_type,omitempty"`
}

// ExportRun records one exporter pass. Stored in kb_export_runs;
// Until of the latest run is the watermark for the next.
type ExportRun struct {
	ID          uuid.UUID `json:"id"`
	Since       time.Time `json:"since"`
	Until       time.Time `json:"until"`
	Records     int       `json:"records"`
	Format      string    `json:"format"`
	Destination string    `json:"destination"`
	CreatedAt   time.Time `json:"created_at"`
}
