package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeWorker records lifecycle calls into a shared journal.
type fakeWorker struct {
	name     string
	journal  *journal
	startErr error
	stopErr  error
	slow     time.Duration
}

type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) record(event string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string{}, j.events...)
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) Start(ctx context.Context) error {
	w.journal.record("start:" + w.name)
	return w.startErr
}

func (w *fakeWorker) Stop(ctx context.Context) error {
	if w.slow > 0 {
		select {
		case <-time.After(w.slow):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.journal.record("stop:" + w.name)
	return w.stopErr
}

func testConfig() Config {
	return Config{
		StopTimeout:   200 * time.Millisecond,
		MaxRestarts:   5,
		RestartWindow: time.Minute,
	}
}

func TestStartOrderAndReverseStop(t *testing.T) {
	j := &journal{}
	sup := New(testConfig(), zap.NewNop())
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, sup.Add(&fakeWorker{name: name, journal: j}))
	}

	require.NoError(t, sup.Start(context.Background()))
	require.NoError(t, sup.Stop())

	assert.Equal(t, []string{
		"start:a", "start:b", "start:c",
		"stop:c", "stop:b", "stop:a",
	}, j.snapshot())
}

func TestExplicitStopOrder(t *testing.T) {
	j := &journal{}
	sup := New(testConfig(), zap.NewNop())
	// Registration order is dependency start order...
	for _, name := range []string{"fiat", "stream-aggregator", "ohlcv-aggregator", "collector-binance", "rpc-server"} {
		require.NoError(t, sup.Add(&fakeWorker{name: name, journal: j}))
	}
	// ...but shutdown is the mandated sequence.
	sup.SetStopOrder("ohlcv-aggregator", "stream-aggregator", "collector-binance", "fiat", "rpc-server")

	require.NoError(t, sup.Start(context.Background()))
	require.NoError(t, sup.Stop())

	events := j.snapshot()
	assert.Equal(t, []string{
		"stop:ohlcv-aggregator",
		"stop:stream-aggregator",
		"stop:collector-binance",
		"stop:fiat",
		"stop:rpc-server",
	}, events[5:])
}

func TestDuplicateWorkerNamesFailFast(t *testing.T) {
	j := &journal{}
	sup := New(testConfig(), zap.NewNop())
	require.NoError(t, sup.Add(&fakeWorker{name: "dup", journal: j}))
	assert.Error(t, sup.Add(&fakeWorker{name: "dup", journal: j}))
}

func TestStartFailureUnwindsStartedWorkers(t *testing.T) {
	j := &journal{}
	sup := New(testConfig(), zap.NewNop())
	require.NoError(t, sup.Add(&fakeWorker{name: "ok", journal: j}))
	require.NoError(t, sup.Add(&fakeWorker{name: "bad", journal: j, startErr: errors.New("boom")}))

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"start:ok", "start:bad", "stop:ok"}, j.snapshot())
}

func TestSlowWorkerIsAbandonedUnclean(t *testing.T) {
	j := &journal{}
	sup := New(testConfig(), zap.NewNop())
	require.NoError(t, sup.Add(&fakeWorker{name: "stuck", journal: j, slow: time.Second}))

	require.NoError(t, sup.Start(context.Background()))
	require.NoError(t, sup.Stop())

	status, err := sup.StatusOf("stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusUnclean, status)
}

func TestRestartBudgetExhaustion(t *testing.T) {
	j := &journal{}
	cfg := testConfig()
	cfg.MaxRestarts = 2
	sup := New(cfg, zap.NewNop())
	require.NoError(t, sup.Add(&fakeWorker{name: "flaky", journal: j}))
	require.NoError(t, sup.Start(context.Background()))

	require.NoError(t, sup.Restart("flaky"))
	require.NoError(t, sup.Restart("flaky"))
	err := sup.Restart("flaky")
	require.Error(t, err, "third restart inside the window exceeds the budget")

	status, serr := sup.StatusOf("flaky")
	require.NoError(t, serr)
	assert.Equal(t, StatusTerminal, status)
}
