package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

// virtualClock hands out a shared tick channel the test fires manually.
type virtualClock struct {
	now   time.Time
	ticks chan time.Time
}

func newVirtualClock() *virtualClock {
	return &virtualClock{
		now:   time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
		ticks: make(chan time.Time),
	}
}

func (c *virtualClock) Now() time.Time { return c.now }

func (c *virtualClock) Tick(d time.Duration) <-chan time.Time { return c.ticks }

func TestRunExecutesImmediatelyAndPerTick(t *testing.T) {
	clock := newVirtualClock()
	s := New(WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	runs := make(chan int, 8)
	count := 0

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, time.Minute, func(ctx context.Context) error {
			count++
			runs <- count
			return nil
		})
	}()

	// First run happens before any tick.
	waitForRun(t, runs, 1)

	clock.ticks <- clock.now.Add(time.Minute)
	waitForRun(t, runs, 2)

	clock.ticks <- clock.now.Add(2 * time.Minute)
	waitForRun(t, runs, 3)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	if count != 3 {
		t.Errorf("task ran %d times, want 3", count)
	}
}

func TestRunFinishesInFlightBatchOnCancel(t *testing.T) {
	clock := newVirtualClock()
	s := New(WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	finished := false

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, time.Minute, func(ctx context.Context) error {
			close(started)
			<-release
			finished = true
			return nil
		})
	}()

	<-started
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}
	if !finished {
		t.Error("in-flight batch was not allowed to finish")
	}
}

func TestRunContinuesAfterTaskError(t *testing.T) {
	clock := newVirtualClock()
	s := New(WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	runs := make(chan int, 8)
	count := 0

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, time.Minute, func(ctx context.Context) error {
			count++
			runs <- count
			return errors.New("mailbox search failed: timeout")
		})
	}()

	waitForRun(t, runs, 1)
	clock.ticks <- clock.now.Add(time.Minute)
	waitForRun(t, runs, 2)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}
	if count != 2 {
		t.Errorf("task ran %d times, want 2", count)
	}
}

func waitForRun(t *testing.T, runs <-chan int, want int) {
	t.Helper()
	select {
	case got := <-runs:
		if got != want {
			t.Fatalf("run number = %d, want %d", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for run %d", want)
	}
}
