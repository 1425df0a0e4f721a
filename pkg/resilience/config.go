package resilience

import (
	"errors"
	"time"
)

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// WindowSize is the number of most recent call outcomes the failure ratio
	// is computed over. Default: 10
	WindowSize int `mapstructure:"window_size" yaml:"window_size"`

	// WindowDuration drops outcomes older than this from the window.
	// If WindowDuration is 0, outcomes never age out. Default: 0
	WindowDuration time.Duration `mapstructure:"window_duration" yaml:"window_duration"`

	// FailureRatio trips the breaker when failures / WindowSize reaches it.
	// Default: 0.5
	FailureRatio float64 `mapstructure:"failure_ratio" yaml:"failure_ratio"`

	// Cooldown is the period of the open state after which the breaker admits
	// a single trial call. Default: 30s
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// DefaultBreakerConfig returns sensible defaults for a bank gateway.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		WindowSize:   10,
		FailureRatio: 0.5,
		Cooldown:     30 * time.Second,
	}
}

// WithWindow returns a copy of the config with the specified window size and ratio.
func (c BreakerConfig) WithWindow(size int, ratio float64) BreakerConfig {
	c.WindowSize = size
	c.FailureRatio = ratio
	return c
}

// WithCooldown returns a copy of the config with the specified cooldown.
func (c BreakerConfig) WithCooldown(cooldown time.Duration) BreakerConfig {
	c.Cooldown = cooldown
	return c
}

// Validate checks the config for values the breaker cannot work with.
func (c BreakerConfig) Validate() error {
	var errs []error
	if c.WindowSize <= 0 {
		errs = append(errs, errors.New("breaker: window_size must be positive"))
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		errs = append(errs, errors.New("breaker: failure_ratio must be in (0, 1]"))
	}
	if c.Cooldown <= 0 {
		errs = append(errs, errors.New("breaker: cooldown must be positive"))
	}
	if c.WindowDuration < 0 {
		errs = append(errs, errors.New("breaker: window_duration must not be negative"))
	}
	return errors.Join(errs...)
}

// RetryConfig configures the read-path retry policy.
type RetryConfig struct {
	// MaxAttempts includes the first call. Default: 3
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// InitialInterval is the wait before the second attempt. Default: 200ms
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`

	// MaxInterval caps a single wait. Default: 2s
	MaxInterval time.Duration `mapstructure:"max_interval" yaml:"max_interval"`

	// Multiplier grows the wait between attempts. Default: 2
	Multiplier float64 `mapstructure:"multiplier" yaml:"multiplier"`

	// Jitter randomizes each wait by +/- this fraction. Zero means the
	// default, 0.2; retries always carry some jitter.
	Jitter float64 `mapstructure:"jitter" yaml:"jitter"`
}

// DefaultRetryConfig returns sensible defaults for read-only gateway calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// WithMaxAttempts returns a copy of the config with the specified attempt limit.
func (c RetryConfig) WithMaxAttempts(n int) RetryConfig {
	c.MaxAttempts = n
	return c
}

// WithInterval returns a copy of the config with the specified initial and maximum waits.
func (c RetryConfig) WithInterval(initial, max time.Duration) RetryConfig {
	c.InitialInterval = initial
	c.MaxInterval = max
	return c
}

// Validate checks the config for values the policy cannot work with.
func (c RetryConfig) Validate() error {
	var errs []error
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry: max_attempts must be at least 1"))
	}
	if c.InitialInterval < 0 || c.MaxInterval < c.InitialInterval {
		errs = append(errs, errors.New("retry: intervals must satisfy 0 <= initial_interval <= max_interval"))
	}
	if c.Multiplier < 1 {
		errs = append(errs, errors.New("retry: multiplier must be at least 1"))
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		errs = append(errs, errors.New("retry: jitter must be in [0, 1)"))
	}
	return errors.Join(errs...)
}
