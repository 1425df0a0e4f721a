package scheduler

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"
)

// Config configures the runner and the daily trigger.
type Config struct {
	// Workers bounds concurrent transfers in a run (default: 4)
	Workers int `mapstructure:"workers" yaml:"workers"`

	// RunAt is the local time of the daily run, "HH:MM" (default: 09:00)
	RunAt string `mapstructure:"run_at" yaml:"run_at"`

	// Timezone is the IANA zone billing days are counted in (default: Asia/Seoul)
	Timezone string `mapstructure:"timezone" yaml:"timezone"`

	// Enabled turns the daily trigger on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:  4,
		RunAt:    "09:00",
		Timezone: "Asia/Seoul",
		Enabled:  true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("scheduler: workers must be at least 1, got %d", c.Workers))
	}
	if _, _, err := c.clock(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location loads the configured timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c Config) clock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", c.RunAt)
	if err != nil {
		return 0, 0, fmt.Errorf("scheduler: run_at %q must be HH:MM", c.RunAt)
	}
	return t.Hour(), t.Minute(), nil
}
