// Package scheduler runs a task on a fixed interval with cooperative
// shutdown. Cancellation is only observed between runs, so an in-flight
// batch always finishes before the loop exits.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Clock abstracts time for the loop so tests can drive ticks virtually.
type Clock interface {
	Now() time.Time
	// Tick returns a channel that delivers after d has elapsed.
	Tick(d time.Duration) <-chan time.Time
}

// RealClock is the wall-clock Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Tick(d time.Duration) <-chan time.Time { return time.After(d) }

// Task is one unit of scheduled work. Errors are logged and do not stop the
// loop.
type Task func(ctx context.Context) error

// Scheduler drives a Task at a fixed interval.
type Scheduler struct {
	clock Clock
}

// Opts holds configuration options for the scheduler.
type Opts struct {
	Clock Clock
}

// Option defines a configuration option for the scheduler.
type Option func(*Opts)

// WithClock injects the clock used by the loop.
func WithClock(clock Clock) Option {
	return func(o *Opts) { o.Clock = clock }
}

// New creates a scheduler.
func New(opts ...Option) *Scheduler {
	cfg := Opts{Clock: RealClock{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{clock: cfg.Clock}
}

// Run executes task immediately, then once per interval, until ctx is
// cancelled. The task in flight when cancellation arrives runs to
// completion; Run returns ctx.Err() afterwards.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, task Task) error {
	slog.Info("Scheduler started", "interval", interval)
	for {
		start := s.clock.Now()
		if err := task(ctx); err != nil {
			slog.Error("Scheduled task failed", "error", err)
		}
		slog.Debug("Scheduled task finished", "elapsed", s.clock.Now().Sub(start))

		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopping")
			return ctx.Err()
		case <-s.clock.Tick(interval):
		}
	}
}
