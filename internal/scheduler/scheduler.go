// Package scheduler runs PacePipe's periodic housekeeping, such as resetting
// the per-session daily send ceiling at midnight.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Midnight is the cron expression for the daily ceiling reset.
const Midnight = "0 0 * * *"

// Opts holds configuration options for the scheduler.
type Opts struct {
	Location *time.Location
}

// Option defines a configuration option for the scheduler.
type Option func(*Opts)

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler using the standard
// 5-field parser. Panicking jobs are recovered.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.Local}
	for _, opt := range opts {
		opt(&cfg)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)
	c.Start()
	slog.Debug("Scheduler.NewScheduler: cron started", "location", cfg.Location.String())
	return &Scheduler{cron: c}
}

// AddJob schedules task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, func() {
		slog.Info("Scheduler: running job", "job", name)
		task()
	})
	if err != nil {
		slog.Error("Scheduler.AddJob: invalid expression", "job", name, "expr", expr, "error", err)
		return err
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "job", name, "expr", expr, "next", s.cron.Entry(id).Next)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("Scheduler.Stop: gave up waiting for running jobs", "error", ctx.Err())
	}
}
