package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"transfer-engine/pkg/metrics"
	"transfer-engine/pkg/metrics/memory"
	"transfer-engine/pkg/transfer"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{WindowSize: 10, FailureRatio: 0.5, Cooldown: 50 * time.Millisecond}
}

func failWith(err error, calls *int64) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt64(calls, 1)
		return err
	}
}

// Five consecutive failures in a window of ten at 50% open the breaker, and
// the sixth call is refused without reaching the gateway.
func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := NewBreaker("bank", testBreakerConfig())
	ctx := context.Background()
	var calls int64

	for i := 0; i < 4; i++ {
		if err := b.Execute(ctx, failWith(transfer.ErrUnreachable, &calls)); !errors.Is(err, transfer.ErrUnreachable) {
			t.Fatalf("call %d: expected ErrUnreachable, got %v", i+1, err)
		}
		if b.State() != metrics.CircuitClosed {
			t.Fatalf("breaker opened after %d failures", i+1)
		}
	}

	if err := b.Execute(ctx, failWith(transfer.ErrTimeout, &calls)); !errors.Is(err, transfer.ErrTimeout) {
		t.Fatalf("call 5: expected ErrTimeout, got %v", err)
	}
	if b.State() != metrics.CircuitOpen {
		t.Fatalf("Expected OPEN after 5 failures, got %v", b.State())
	}

	err := b.Execute(ctx, failWith(nil, &calls))
	if !errors.Is(err, transfer.ErrCircuitOpen) {
		t.Fatalf("call 6: expected ErrCircuitOpen, got %v", err)
	}
	if transfer.IsTransport(err) {
		t.Error("circuit open must be distinguishable from a transport failure")
	}
	if got := atomic.LoadInt64(&calls); got != 5 {
		t.Errorf("Expected 5 gateway invocations, got %d", got)
	}
}

// Business rejections prove the gateway is up and must never trip the breaker.
func TestBreaker_RejectionsDoNotTrip(t *testing.T) {
	b := NewBreaker("bank", testBreakerConfig().WithWindow(3, 0.3))
	ctx := context.Background()
	var calls int64

	for i := 0; i < 100; i++ {
		err := b.Execute(ctx, failWith(transfer.Reject(transfer.CodeInsufficientFunds, ""), &calls))
		if !transfer.IsRejected(err) {
			t.Fatalf("Expected rejection, got %v", err)
		}
	}

	if b.State() != metrics.CircuitClosed {
		t.Errorf("Expected CLOSED after rejections, got %v", b.State())
	}
	if snap := b.Snapshot(); snap.WindowFailures != 0 {
		t.Errorf("Expected no failures in window, got %d", snap.WindowFailures)
	}
}

func TestBreaker_SuccessesDiluteFailures(t *testing.T) {
	b := NewBreaker("bank", testBreakerConfig())
	ctx := context.Background()
	var calls int64

	// Alternate: at most 4 failures are ever inside the last 10 outcomes
	// once successes fill the ring.
	for i := 0; i < 6; i++ {
		_ = b.Execute(ctx, failWith(nil, &calls))
	}
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failWith(transfer.ErrUnreachable, &calls))
	}
	if b.State() != metrics.CircuitClosed {
		t.Fatalf("Expected CLOSED with 4/10 failures, got %v", b.State())
	}

	_ = b.Execute(ctx, failWith(transfer.ErrUnreachable, &calls))
	if b.State() != metrics.CircuitOpen {
		t.Errorf("Expected OPEN with 5/10 failures, got %v", b.State())
	}
}

func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	var calls int64
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), failWith(transfer.ErrUnreachable, &calls))
	}
	if b.State() != metrics.CircuitOpen {
		t.Fatalf("breaker did not open")
	}
}

// After the cooldown exactly one trial call is admitted even under concurrent
// callers; its success alone closes the breaker.
func TestBreaker_HalfOpenAdmitsSingleCall(t *testing.T) {
	mc := memory.NewMemoryCollector()
	b := NewBreakerWithMetrics("bank", testBreakerConfig(), mc)
	tripBreaker(t, b)

	time.Sleep(70 * time.Millisecond)

	var trials int64
	release := make(chan struct{})
	started := make(chan struct{})
	trialDone := make(chan error, 1)

	go func() {
		trialDone <- b.Execute(context.Background(), func(context.Context) error {
			atomic.AddInt64(&trials, 1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	var refused int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(context.Background(), func(context.Context) error {
				atomic.AddInt64(&trials, 1)
				return nil
			})
			if errors.Is(err, transfer.ErrCircuitOpen) {
				atomic.AddInt64(&refused, 1)
			}
		}()
	}
	wg.Wait()
	close(release)

	if err := <-trialDone; err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if got := atomic.LoadInt64(&trials); got != 1 {
		t.Errorf("Expected exactly 1 trial call, got %d", got)
	}
	if got := atomic.LoadInt64(&refused); got != 20 {
		t.Errorf("Expected 20 refused callers, got %d", got)
	}
	if b.State() != metrics.CircuitClosed {
		t.Errorf("Expected CLOSED after successful trial call, got %v", b.State())
	}
	if snap := b.Snapshot(); snap.WindowCalls != 0 {
		t.Errorf("Expected window reset on close, got %d calls", snap.WindowCalls)
	}

	gm := mc.GetGatewayMetrics("bank")
	if gm == nil || gm.CircuitRejected != 20 {
		t.Errorf("Expected 20 rejected calls in metrics, got %+v", gm)
	}
}

func TestBreaker_FailedTrialCallReopens(t *testing.T) {
	b := NewBreaker("bank", testBreakerConfig())
	tripBreaker(t, b)

	time.Sleep(70 * time.Millisecond)
	if b.State() != metrics.CircuitHalfOpen {
		t.Fatalf("Expected HALF_OPEN after cooldown, got %v", b.State())
	}

	var calls int64
	if err := b.Execute(context.Background(), failWith(transfer.ErrTimeout, &calls)); !errors.Is(err, transfer.ErrTimeout) {
		t.Fatalf("Expected trial call error, got %v", err)
	}
	if b.State() != metrics.CircuitOpen {
		t.Fatalf("Expected OPEN after failed trial call, got %v", b.State())
	}

	// Cooldown restarted: no call passes right away.
	if err := b.Execute(context.Background(), failWith(nil, &calls)); !errors.Is(err, transfer.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected only the trial call to reach the gateway, got %d calls", calls)
	}
}

// A trial call whose caller gives up proves nothing about the gateway: the breaker
// reopens instead of closing.
func TestBreaker_CancelledTrialCallReopens(t *testing.T) {
	b := NewBreaker("bank", testBreakerConfig())
	tripBreaker(t, b)

	time.Sleep(70 * time.Millisecond)
	if b.State() != metrics.CircuitHalfOpen {
		t.Fatalf("Expected HALF_OPEN after cooldown, got %v", b.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	var calls int64
	err := b.Execute(ctx, func(ctx context.Context) error {
		atomic.AddInt64(&calls, 1)
		cancel()
		<-ctx.Done()
		return fmt.Errorf("Get \"http://bank/actuator/health\": %w", ctx.Err())
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if b.State() != metrics.CircuitOpen {
		t.Fatalf("Expected OPEN after cancelled trial call, got %v", b.State())
	}

	if err := b.Execute(context.Background(), failWith(nil, &calls)); !errors.Is(err, transfer.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected only the trial call to reach the gateway, got %d calls", calls)
	}
}

// Cancelled calls in the closed state do not dilute real failures.
func TestBreaker_CancelledCallsAreNotCounted(t *testing.T) {
	b := NewBreaker("bank", testBreakerConfig())
	var calls int64

	for i := 0; i < 4; i++ {
		_ = b.Execute(context.Background(), failWith(transfer.ErrUnreachable, &calls))
	}
	for i := 0; i < 6; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := b.Execute(ctx, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	}

	snap := b.Snapshot()
	if snap.WindowCalls != 4 || snap.WindowFailures != 4 {
		t.Fatalf("Expected 4 calls 4 failures in the window, got %d/%d", snap.WindowCalls, snap.WindowFailures)
	}
	if b.State() != metrics.CircuitClosed {
		t.Fatalf("Expected CLOSED, got %v", b.State())
	}

	_ = b.Execute(context.Background(), failWith(transfer.ErrUnreachable, &calls))
	if b.State() != metrics.CircuitOpen {
		t.Errorf("Expected OPEN after the fifth failure, got %v", b.State())
	}
}

func TestBreaker_ListenersAndSnapshot(t *testing.T) {
	b := NewBreaker("bank", testBreakerConfig())

	var mu sync.Mutex
	var transitions []metrics.CircuitState
	b.OnStateChange(func(name string, from, to metrics.CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, to)
	})

	before := b.Snapshot().LastTransition
	tripBreaker(t, b)

	snap := b.Snapshot()
	if snap.State != "OPEN" || snap.Name != "bank" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.WindowFailures != 5 || snap.FailureRatio != 0.5 {
		t.Errorf("Expected 5 failures at ratio 0.5, got %d at %v", snap.WindowFailures, snap.FailureRatio)
	}
	if !snap.LastTransition.After(before) {
		t.Error("Expected LastTransition to move")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != metrics.CircuitOpen {
		t.Errorf("Expected one OPEN transition, got %v", transitions)
	}
}

func TestBreaker_CancelledContextDoesNotCall(t *testing.T) {
	b := NewBreaker("bank", testBreakerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int64
	if err := b.Execute(ctx, failWith(nil, &calls)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no call, got %d", calls)
	}
}

func TestWindow_AgesOutOldOutcomes(t *testing.T) {
	w := newWindow(4, time.Minute)
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	w.record(true)
	w.record(true)
	now = now.Add(2 * time.Minute)
	w.record(false)
	w.record(true)

	calls, failures := w.counts()
	if calls != 2 || failures != 1 {
		t.Errorf("Expected 2 calls 1 failure, got %d/%d", calls, failures)
	}

	// Ring overwrite keeps only the last 4.
	for i := 0; i < 4; i++ {
		w.record(false)
	}
	if _, failures := w.counts(); failures != 0 {
		t.Errorf("Expected failures overwritten, got %d", failures)
	}
}
