package export

import (
	"bufio"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Line is one training example in the JSONL dataset.
type Line struct {
	SourceTextRef string            `json:"source_text_ref"`
	Subject       string            `json:"subject"`
	SubjectType   string            `json:"subject_type"`
	Predicate     string            `json:"predicate"`
	Object        string            `json:"object"`
	ObjectType    string            `json:"object_type,omitempty"`
	Confidence    float64           `json:"confidence"`
	SourceID      string            `json:"source_id"`
	ReviewedBy    string            `json:"reviewed_by,omitempty"`
	Assertion     *models.Assertion `json:"assertion"`
}

// LineFor flattens an export record for training consumers.
func LineFor(rec *models.ExportRecord) Line {
	a := rec.Assertion
	l := Line{
		SourceTextRef: rec.SourceTextRef,
		Subject:       rec.SubjectName,
		SubjectType:   string(rec.SubjectType),
		Predicate:     a.Predicate,
		Object:        rec.ObjectName,
		ObjectType:    string(rec.ObjectType),
		Confidence:    a.Confidence,
		SourceID:      a.SourceID,
		Assertion:     a,
	}
	if l.Object == "" && a.ObjectLiteral != nil {
		l.Object = *a.ObjectLiteral
	}
	if a.ResolvedBy != nil {
		l.ReviewedBy = *a.ResolvedBy
	}
	return l
}

// JSONLWriter writes one JSON object per line.
type JSONLWriter struct {
	path string
	f    *os.File
	buf  *bufio.Writer
	enc  *jsoniter.Encoder
}

var _ Writer = (*JSONLWriter)(nil)

// NewJSONLWriter creates path, truncating any existing file.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := newJSONLWriter(f)
	w.path = path
	w.f = f
	return w, nil
}

func newJSONLWriter(out io.Writer) *JSONLWriter {
	buf := bufio.NewWriter(out)
	return &JSONLWriter{buf: buf, enc: json.NewEncoder(buf)}
}

func (w *JSONLWriter) Write(rec *models.ExportRecord) error {
	if err := w.enc.Encode(LineFor(rec)); err != nil {
		return fmt.Errorf("failed to encode export record: %w", err)
	}
	return nil
}

func (w *JSONLWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		if w.f != nil {
			_ = w.f.Close()
		}
		return fmt.Errorf("failed to flush export: %w", err)
	}
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}

func (w *JSONLWriter) Path() string {
	return w.path
}
