package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// anyArgs accepts whatever arguments the command carried; scores and
// members embed wall-clock values and random uniquifiers.
func anyArgs(expected, actual []interface{}) error { return nil }

func TestCheckDeniesOverLimit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := New(db, 60*time.Second, 100, zap.NewNop())

	mock.ExpectTxPipeline()
	mock.Regexp().ExpectZRemRangeByScore("ratelimit:client-1:getPrice", "0", `\d+`).SetVal(0)
	mock.ExpectZCard("ratelimit:client-1:getPrice").SetVal(100)
	mock.ExpectTxPipelineExec()

	result := limiter.Check(context.Background(), "client-1", "getPrice")
	assert.False(t, result.Allowed)
	assert.Zero(t, result.Remaining)
	assert.Equal(t, 60*time.Second, result.RetryAfter)
	assert.LessOrEqual(t, result.RetryAfter, 60*time.Second,
		"retryAfter never exceeds the window")
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := New(db, 60*time.Second, 100, zap.NewNop())

	mock.ExpectTxPipeline()
	mock.Regexp().ExpectZRemRangeByScore("ratelimit:client-1", "0", `\d+`).SetVal(2)
	mock.ExpectZCard("ratelimit:client-1").SetVal(40)
	mock.ExpectTxPipelineExec()

	mock.ExpectTxPipeline()
	mock.CustomMatch(anyArgs).ExpectZAdd("ratelimit:client-1", redis.Z{}).SetVal(1)
	mock.ExpectExpire("ratelimit:client-1", 61*time.Second).SetVal(true)
	mock.ExpectTxPipelineExec()

	result := limiter.Check(context.Background(), "client-1", "")
	assert.True(t, result.Allowed)
	assert.Equal(t, int64(59), result.Remaining)
}

func TestCheckFailsOpenOnTransportError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := New(db, 60*time.Second, 100, zap.NewNop())

	mock.ExpectTxPipeline()
	mock.Regexp().ExpectZRemRangeByScore("ratelimit:client-2", "0", `\d+`).
		SetErr(errors.New("connection refused"))

	result := limiter.Check(context.Background(), "client-2", "")
	require.True(t, result.Allowed, "transport errors must fail open")
}
