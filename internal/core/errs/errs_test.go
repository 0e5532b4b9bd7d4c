package errs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesOriginalCode(t *testing.T) {
	inner := New(CodeDatabaseError, "insert failed")
	outer := Wrap(CodeInternalError, inner, "tick aborted")

	assert.Equal(t, CodeDatabaseError, CodeOf(outer))
	assert.True(t, errors.Is(outer, outer))
	assert.ErrorContains(t, outer, "tick aborted")
}

func TestWrapClassifiesPlainErrors(t *testing.T) {
	err := Wrap(CodeRedisError, errors.New("connection refused"), "buffer read failed")
	assert.Equal(t, CodeRedisError, CodeOf(err))
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, CodeInternalError, CodeOf(errors.New("boom")))
}

func TestIsValidation(t *testing.T) {
	assert.True(t, IsValidation(New(CodeInvalidParams, "bad input")))
	assert.True(t, IsValidation(New(CodeInvalidPair, "bad pair")))
	assert.False(t, IsValidation(New(CodeDatabaseError, "down")))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 3, BaseDelay: time.Millisecond},
		func() error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryReturnsLastError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 3, BaseDelay: time.Millisecond},
		func() error {
			attempts++
			return errors.New("permanent")
		})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryConfig{Attempts: 3, BaseDelay: time.Hour}, func() error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
