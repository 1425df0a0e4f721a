package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"transfer-engine/pkg/logging"
)

// Daily triggers a run once a day at the configured local time.
type Daily struct {
	runner *Runner
	hour   int
	minute int
	loc    *time.Location
	logger *logging.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	// OnRun, if set, sees every run's result.
	OnRun func(*RunSummary, error)
}

// NewDaily creates a daily trigger for runner.
func NewDaily(runner *Runner, config Config) (*Daily, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	hour, minute, _ := config.clock()
	loc, _ := config.Location()
	return &Daily{
		runner: runner,
		hour:   hour,
		minute: minute,
		loc:    loc,
		logger: runner.logger.Named("daily"),
		now:    time.Now,
		after:  time.After,
	}, nil
}

// Next returns the first trigger time strictly after t.
func (d *Daily) Next(t time.Time) time.Time {
	local := t.In(d.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.hour, d.minute, 0, 0, d.loc)
	}
	return next
}

// Run blocks, triggering runs until ctx is done.
func (d *Daily) Run(ctx context.Context) error {
	for {
		next := d.Next(d.now())
		d.logger.Info("next recurring transfer run scheduled", zap.Time("at", next))

		select {
		case <-ctx.Done():
			return nil
		case <-d.after(time.Until(next)):
		}

		summary, err := d.runner.RunDueTransfers(ctx, next)
		if err != nil {
			d.logger.Error("recurring transfer run failed", zap.Error(err))
		}
		if d.OnRun != nil {
			d.OnRun(summary, err)
		}
	}
}
