package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"transfer-engine/pkg/logging"
	"transfer-engine/pkg/metrics"
	"transfer-engine/pkg/transfer"
)

// StateListener is notified after every state transition. Listeners run
// under the breaker's lock and must not call back into the breaker.
type StateListener func(name string, from, to metrics.CircuitState)

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	Name           string        `json:"name"`
	State          string        `json:"state"`
	WindowSize     int           `json:"window_size"`
	WindowCalls    int           `json:"window_calls"`
	WindowFailures int           `json:"window_failures"`
	FailureRatio   float64       `json:"failure_ratio"`
	Threshold      float64       `json:"threshold"`
	Cooldown       time.Duration `json:"cooldown"`
	LastTransition time.Time     `json:"last_transition,omitempty"`
}

// Breaker is a three-state circuit breaker for one gateway. gobreaker owns
// the state machine; the trip decision is taken from a sliding window of the
// last WindowSize outcomes.
//
// Only transport failures (unreachable, timeout, malformed response) count
// against the window; business rejections are evidence the gateway is
// healthy. A call its caller cancelled has no outcome: it is left out of the
// window, and as the half-open trial call it reopens the breaker.
type Breaker struct {
	name    string
	cfg     BreakerConfig
	cb      *gobreaker.CircuitBreaker
	window  *window
	metrics metrics.MetricsCollector
	logger  *logging.Logger

	mu             sync.RWMutex
	listeners      []StateListener
	lastTransition time.Time
}

// NewBreaker creates a breaker for the named gateway.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return NewBreakerWithMetrics(name, cfg, metrics.NoOpCollector{})
}

// NewBreakerWithMetrics creates a breaker with a custom metrics collector.
func NewBreakerWithMetrics(name string, cfg BreakerConfig, metricsCollector metrics.MetricsCollector) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultBreakerConfig().WindowSize
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = DefaultBreakerConfig().FailureRatio
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}

	logger := logging.Global().Named("resilience").Named(name)

	b := &Breaker{
		name:           name,
		cfg:            cfg,
		window:         newWindow(cfg.WindowSize, cfg.WindowDuration),
		metrics:        metrics.OrNoOp(metricsCollector),
		logger:         logger,
		lastTransition: time.Now(),
	}

	logger.Info("circuit breaker initialized",
		logging.Gateway(name),
		zap.Int("window_size", cfg.WindowSize),
		zap.Duration("window_duration", cfg.WindowDuration),
		zap.Float64("failure_ratio", cfg.FailureRatio),
		zap.Duration("cooldown", cfg.Cooldown),
	)

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		// One in-flight trial call in half-open; gobreaker admits it under its own
		// mutex and rejects the rest with ErrTooManyRequests.
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(gobreaker.Counts) bool {
			_, failures := b.window.counts()
			return failures > 0 && float64(failures)/float64(b.window.size()) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			var abandoned *abandonedTrialError
			return !countsAsFailure(err) && !errors.As(err, &abandoned)
		},
		OnStateChange: b.onStateChange,
	})
	b.metrics.RecordCircuitState(name, metrics.CircuitClosed)

	return b
}

// Name returns the gateway name.
func (b *Breaker) Name() string {
	return b.name
}

// OnStateChange registers a listener for state transitions.
func (b *Breaker) OnStateChange(l StateListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// State returns the current state. Reading it may move an OPEN breaker whose
// cooldown has elapsed to HALF_OPEN.
func (b *Breaker) State() metrics.CircuitState {
	return toCircuitState(b.cb.State())
}

// Execute runs fn through the breaker. When the breaker refuses the call fn
// is not invoked and the error matches transfer.ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		trial := b.cb.State() == gobreaker.StateHalfOpen
		err := fn(ctx)
		if cancelledByCaller(ctx, err) {
			if trial {
				return nil, &abandonedTrialError{err: err}
			}
			return nil, err
		}
		b.window.record(countsAsFailure(err))
		return nil, err
	})

	var abandoned *abandonedTrialError
	if errors.As(err, &abandoned) {
		b.logger.Info("half-open trial call cancelled by caller, reopening",
			logging.Gateway(b.name))
		return abandoned.err
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.metrics.RecordCircuitRejected(b.name)
		b.logger.Warn("circuit breaker open - request rejected",
			logging.Gateway(b.name),
			zap.String("state", b.cb.State().String()),
		)
		return fmt.Errorf("%w: %s", transfer.ErrCircuitOpen, b.name)
	}
	return err
}

// Snapshot returns the current breaker state.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	calls, failures := b.window.counts()

	b.mu.RLock()
	last := b.lastTransition
	b.mu.RUnlock()

	return Snapshot{
		Name:           b.name,
		State:          state.String(),
		WindowSize:     b.cfg.WindowSize,
		WindowCalls:    calls,
		WindowFailures: failures,
		FailureRatio:   float64(failures) / float64(b.cfg.WindowSize),
		Threshold:      b.cfg.FailureRatio,
		Cooldown:       b.cfg.Cooldown,
		LastTransition: last,
	}
}

// onStateChange runs under gobreaker's lock.
func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	if to == gobreaker.StateClosed {
		b.window.reset()
	}

	b.logger.Warn("circuit breaker state changed",
		logging.Gateway(name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)

	state := toCircuitState(to)
	b.metrics.RecordCircuitState(name, state)

	b.mu.Lock()
	b.lastTransition = time.Now()
	listeners := append([]StateListener(nil), b.listeners...)
	b.mu.Unlock()

	for _, l := range listeners {
		l(name, toCircuitState(from), state)
	}
}

// countsAsFailure reports whether err is evidence the gateway is unhealthy.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	return transfer.IsTransport(err) || errors.Is(err, context.DeadlineExceeded)
}

// cancelledByCaller reports whether err is the caller giving up rather than
// an answer from the gateway.
func cancelledByCaller(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil &&
		errors.Is(err, context.Canceled) && !transfer.IsTransport(err)
}

// abandonedTrialError marks a half-open trial call that ended without an answer.
type abandonedTrialError struct {
	err error
}

func (e *abandonedTrialError) Error() string { return e.err.Error() }
func (e *abandonedTrialError) Unwrap() error { return e.err }

func toCircuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}
