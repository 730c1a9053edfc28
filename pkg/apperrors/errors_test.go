package apperrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMalformedRecordError(t *testing.T) {
	err := NewMalformed("nvd", "subject", "empty subject descriptor")

	assert.True(t, errors.Is(err, ErrMalformedRecord))
	assert.True(t, IsMalformed(fmt.Errorf("normalize: %w", err)))
	assert.Equal(t, `malformed record from source "nvd": subject: empty subject descriptor`, err.Error())
	assert.False(t, errors.Is(err, ErrUnknownSource))
}

func TestMalformedRecordError_UnknownSourceCause(t *testing.T) {
	err := &MalformedRecordError{SourceID: "ghost", Field: "source_id", Reason: "not registered", Cause: ErrUnknownSource}

	assert.True(t, errors.Is(err, ErrMalformedRecord))
	assert.True(t, errors.Is(err, ErrUnknownSource))
}

func TestNewRetryable(t *testing.T) {
	assert.Nil(t, NewRetryable("lookup", nil))

	err := NewRetryable("similarity lookup", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, ErrRetryableResolution))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	var re *RetryableError
	assert.True(t, errors.As(err, &re))
	assert.True(t, re.IsRetryable())
	assert.Equal(t, "similarity lookup", re.Op)

	// Already-retryable errors are not double wrapped.
	again := NewRetryable("outer", fmt.Errorf("ctx: %w", err))
	assert.True(t, errors.As(again, &re))
	assert.Equal(t, "similarity lookup", re.Op)
}

func TestAmbiguousResolutionError(t *testing.T) {
	err := &AmbiguousResolutionError{Descriptor: "scriptx", Candidates: []string{"a", "b"}}

	assert.True(t, errors.Is(fmt.Errorf("resolve: %w", err), ErrAmbiguousResolution))
	assert.Equal(t, `ambiguous resolution for "scriptx": candidates a, b`, err.Error())
}
