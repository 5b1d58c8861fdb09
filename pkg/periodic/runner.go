// Package periodic provides a shared ticker-driven loop used by the
// long-lived periodic services (reaper, sampler, index sweep).
package periodic

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/eventcore/errors"
)

// Task is the body of a periodic loop, invoked once per interval. The
// context is the one the runner was started with; a task should return
// promptly once it is cancelled.
type Task func(ctx context.Context)

// Runner executes a Task once per interval until stopped. Start is
// idempotent: starting a running runner is a no-op, which lets lifecycle
// orchestration re-start surviving services without spawning extra loops.
type Runner struct {
	name     string
	interval time.Duration
	task     Task
	logger   *slog.Logger

	mu       sync.Mutex
	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
}

// New creates a runner. A zero or negative interval defaults to 10 seconds.
func New(name string, interval time.Duration, task Task) *Runner {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Runner{
		name:     name,
		interval: interval,
		task:     task,
		logger:   slog.Default().With("service", name),
	}
}

// Interval returns the configured tick interval.
func (r *Runner) Interval() time.Duration {
	return r.interval
}

// Running reports whether the loop is currently active.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Start launches the periodic loop. Calling Start on a running runner
// returns nil without side effects.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return nil
	}

	r.shutdown = make(chan struct{})
	r.done = make(chan struct{})
	r.running.Store(true)

	go r.loop(ctx, r.shutdown, r.done)

	r.logger.Debug("periodic loop started", "interval", r.interval)
	return nil
}

// Stop signals the loop and waits up to timeout for it to exit.
func (r *Runner) Stop(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Load() {
		return nil
	}

	select {
	case <-r.shutdown:
	default:
		close(r.shutdown)
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-r.done:
	case <-time.After(timeout):
		r.running.Store(false)
		return errors.Wrap(errors.ErrStopTimeout, "periodic.Runner", "Stop", "waiting for loop exit")
	}

	r.running.Store(false)
	r.logger.Debug("periodic loop stopped")
	return nil
}

func (r *Runner) loop(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.task(ctx)
		}
	}
}
