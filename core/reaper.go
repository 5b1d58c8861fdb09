package core

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/c360/eventcore/pkg/periodic"
)

// ReaperOptions configures the index-expiry reaper.
type ReaperOptions struct {
	// Interval between expiry sweeps. Defaults to 10 seconds.
	Interval time.Duration

	// KeepKeys are the fields of an expired event retained on the
	// synthetic "expired" event. Defaults to host and service.
	KeepKeys []string

	Logger *slog.Logger
}

// Reaper is a periodic service that expires stale index entries into
// synthetic "expired" events fed back through the stream pipeline, so the
// disappearance of a monitored thing is itself an observable event.
type Reaper struct {
	interval time.Duration
	keepKeys []string
	logger   *slog.Logger
	runner   *periodic.Runner
	core     atomic.Pointer[Core]
}

// NewReaper creates a reaper with the given options.
func NewReaper(opts ReaperOptions) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if len(opts.KeepKeys) == 0 {
		opts.KeepKeys = []string{"host", "service"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("service", "reaper")
	}

	r := &Reaper{
		interval: opts.Interval,
		keepKeys: opts.KeepKeys,
		logger:   opts.Logger,
	}
	r.runner = periodic.New("reaper", opts.Interval, r.sweep)
	return r
}

// Name implements Service.
func (r *Reaper) Name() string { return "reaper" }

// Start implements Service. Idempotent on a running reaper.
func (r *Reaper) Start(ctx context.Context) error {
	return r.runner.Start(ctx)
}

// Stop implements Service.
func (r *Reaper) Stop(timeout time.Duration) error {
	return r.runner.Stop(timeout)
}

// Reload implements Service, pointing the sweep at the new core.
func (r *Reaper) Reload(c *Core) error {
	r.core.Store(c)
	return nil
}

// Equiv reports whether other is a reaper with the same interval and
// keep-keys, so its running instance can be reused across a transition.
func (r *Reaper) Equiv(other Service) bool {
	o, ok := other.(*Reaper)
	return ok && o.interval == r.interval && slices.Equal(o.keepKeys, r.keepKeys)
}

// Conflicts reports true for any other reaper: only one expiry loop may
// drain the index.
func (r *Reaper) Conflicts(other Service) bool {
	if other == Service(r) {
		return false
	}
	_, ok := other.(*Reaper)
	return ok
}

// sweep runs once per interval: expire the index and feed each expired
// entry back through the pipeline as a synthetic event. A failure on one
// expired event is logged and never aborts the rest of the batch or the
// loop; the loop is long-lived and must survive transient stream errors.
func (r *Reaper) sweep(_ context.Context) {
	c := r.core.Load()
	if c == nil || c.Index == nil {
		return
	}

	for _, expired := range c.Index.Expire() {
		synthetic := expired.Project(r.keepKeys)
		synthetic.State = "expired"
		synthetic.Time = time.Now()

		if c.PubSub != nil {
			c.PubSub.Publish(IndexTopic, synthetic)
		}
		if err := c.Stream(synthetic); err != nil {
			r.logger.Warn("error streaming expired event",
				"host", synthetic.Host, "service", synthetic.Service, "error", err)
		}
	}
}
