package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"transfer-engine/pkg/transfer"
)

// RetryPolicy retries read-only calls with bounded exponential backoff and
// jitter. Only transport failures are retried; rejections, validation errors
// and an open circuit are returned at once.
//
// It must never wrap a money-moving call.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy creates a policy. Zero fields fall back to DefaultRetryConfig.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter <= 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	return &RetryPolicy{cfg: cfg}
}

// Config returns the effective configuration.
func (p *RetryPolicy) Config() RetryConfig {
	return p.cfg
}

// Do runs op until it succeeds, fails permanently, attempts run out or ctx
// is done. It returns the last error.
func (p *RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	return p.do(ctx, op, nil)
}

// notifyFunc is told about each failed attempt that will be retried.
type notifyFunc func(attempt int, err error, wait time.Duration)

func (p *RetryPolicy) do(ctx context.Context, op func(context.Context) error, notify notifyFunc) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InitialInterval
	eb.MaxInterval = p.cfg.MaxInterval
	eb.Multiplier = p.cfg.Multiplier
	eb.RandomizationFactor = p.cfg.Jitter
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	})
}

// Retryable reports whether err is a transient transport failure.
func Retryable(err error) bool {
	return transfer.IsTransport(err)
}
