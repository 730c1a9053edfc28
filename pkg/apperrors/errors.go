package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrMalformedRecord     = errors.New("malformed record")
	ErrUnknownSource       = errors.New("unknown source")
	ErrRetryableResolution = errors.New("retryable resolution failure")
	ErrAmbiguousResolution = errors.New("ambiguous resolution")
	ErrMergeConflict       = errors.New("merge conflict")
)

// MalformedRecordError describes why a record was discarded by the normalizer.
// It is never retried.
type MalformedRecordError struct {
	Field    string
	Reason   string
	SourceID string
	Cause    error
}

func (e *MalformedRecordError) Error() string {
	var b strings.Builder
	b.WriteString("malformed record")
	if e.SourceID != "" {
		fmt.Fprintf(&b, " from source %q", e.SourceID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

// Is lets errors.Is match both the sentinel and the unknown-source case.
func (e *MalformedRecordError) Is(target error) bool {
	if target == ErrMalformedRecord {
		return true
	}
	return e.Cause != nil && errors.Is(e.Cause, target)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Cause
}

// NewMalformed creates a MalformedRecordError for a field.
func NewMalformed(sourceID, field, reason string) *MalformedRecordError {
	return &MalformedRecordError{SourceID: sourceID, Field: field, Reason: reason}
}

// RetryableError wraps a transient dependency failure (similarity lookup,
// storage write, timeout). It satisfies retry.RetryableError.
type RetryableError struct {
	Op    string
	Cause error
}

func (e *RetryableError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("retryable resolution failure: %s", e.Op)
	}
	return fmt.Sprintf("retryable resolution failure: %s: %v", e.Op, e.Cause)
}

func (e *RetryableError) Is(target error) bool {
	return target == ErrRetryableResolution
}

func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// IsRetryable implements the retry.RetryableError interface.
func (e *RetryableError) IsRetryable() bool {
	return true
}

// NewRetryable wraps cause as a retryable failure of op.
// Returns nil when cause is nil.
func NewRetryable(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var re *RetryableError
	if errors.As(cause, &re) {
		return cause
	}
	return &RetryableError{Op: op, Cause: cause}
}

// AmbiguousResolutionError lists the candidates that could not be told apart.
type AmbiguousResolutionError struct {
	Descriptor string
	Candidates []string
}

func (e *AmbiguousResolutionError) Error() string {
	return fmt.Sprintf("ambiguous resolution for %q: candidates %s", e.Descriptor, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousResolutionError) Is(target error) bool {
	return target == ErrAmbiguousResolution
}

// IsMalformed reports whether err is a normalization failure.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedRecord)
}
