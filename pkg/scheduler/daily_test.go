package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-engine/pkg/orchestrator"
	"transfer-engine/pkg/transfer"
	tmem "transfer-engine/pkg/transfer/memory"
)

// fakeExecutor records requests and answers through fn (default: success).
type fakeExecutor struct {
	fn func(ctx context.Context, req transfer.Request) (*orchestrator.Result, error)

	calls int64
	mu    sync.Mutex
	reqs  []transfer.Request
}

func (f *fakeExecutor) ExecuteUnlessUnknown(ctx context.Context, req transfer.Request) (*orchestrator.Result, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &orchestrator.Result{OperationKey: req.OperationKey, Outcome: orchestrator.OutcomeSucceeded}, nil
}

func (f *fakeExecutor) callCount() int64 {
	return atomic.LoadInt64(&f.calls)
}

func (f *fakeExecutor) requests() []transfer.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transfer.Request(nil), f.reqs...)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := []Config{
		{Workers: 0, RunAt: "09:00"},
		{Workers: 1, RunAt: "9am"},
		{Workers: 1, RunAt: "25:00"},
		{Workers: 1, RunAt: "09:00", Timezone: "Mars/Olympus"},
	}
	for i, c := range bad {
		assert.Error(t, c.Validate(), "case %d", i)
	}
}

func TestDaily_Next(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	cfg := DefaultConfig()
	d, err := NewDaily(NewRunner(tmem.NewContractStore(), nil, &fakeExecutor{}, settlement, cfg), cfg)
	require.NoError(t, err)

	// 23:30 UTC on the 4th is 08:30 on the 5th in Seoul.
	next := d.Next(time.Date(2026, 3, 4, 23, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 5, 9, 0, 0, 0, seoul), next)

	// Exactly at the trigger time, the next one is tomorrow.
	next = d.Next(time.Date(2026, 3, 5, 9, 0, 0, 0, seoul))
	assert.Equal(t, time.Date(2026, 3, 6, 9, 0, 0, 0, seoul), next)

	// Month rollover.
	next = d.Next(time.Date(2026, 2, 28, 10, 0, 0, 0, seoul))
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, seoul), next)
}

func TestDaily_RunTriggersOnSchedule(t *testing.T) {
	c := contract(1, 5, 1000)
	exec := &fakeExecutor{}
	cfg := testConfig(1)
	d, err := NewDaily(NewRunner(tmem.NewContractStore(c), nil, exec, settlement, cfg), cfg)
	require.NoError(t, err)

	d.now = func() time.Time { return time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC) }
	fire := make(chan time.Time, 1)
	fire <- time.Now()
	d.after = func(time.Duration) <-chan time.Time { return fire }

	ctx, cancel := context.WithCancel(context.Background())
	var got *RunSummary
	d.OnRun = func(s *RunSummary, err error) {
		got = s
		cancel()
	}

	require.NoError(t, d.Run(ctx))
	require.NotNil(t, got)
	assert.Equal(t, "2026-03-05", got.Date)
	assert.Equal(t, 1, got.Succeeded)
	assert.Equal(t, int64(1), exec.callCount())
}

func TestNewDaily_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RunAt = "noon"
	_, err := NewDaily(NewRunner(tmem.NewContractStore(), nil, &fakeExecutor{}, settlement, cfg), cfg)
	assert.Error(t, err)
}
