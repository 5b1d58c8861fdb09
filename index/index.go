// Package index provides the latest-event-per-identity store consumed by
// the core: one entry per (host, service) key, each carrying a TTL after
// which the reaper expires it back into the stream pipeline.
package index

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/c360/eventcore/core"
	"github.com/c360/eventcore/event"
	"github.com/c360/eventcore/metric"
)

// DefaultTTL is applied to events that arrive without one.
const DefaultTTL = 60 * time.Second

// Options configures an Index.
type Options struct {
	// TTL applied to events whose own TTL field is zero.
	DefaultTTL time.Duration

	Logger *slog.Logger

	// Registry, when set, exposes index size and expiry counts as
	// Prometheus metrics.
	Registry *metric.MetricsRegistry
}

type entry struct {
	event     *event.Event
	expiresAt time.Time
}

// Index is a concurrent latest-event store. It implements core.Index and
// the instrumentation capability; Update, Delete and Expire are safe under
// concurrent callers, since multiple ingestion streams and the reaper
// mutate one index at the same time.
type Index struct {
	defaultTTL time.Duration
	items      cmap.ConcurrentMap[string, *entry]
	logger     *slog.Logger
	metrics    *metric.Metrics
	running    atomic.Bool

	// Instrumentation window
	updates     atomic.Int64
	expirations atomic.Int64
	windowMu    sync.Mutex
	windowFrom  time.Time
	hostname    string
}

var _ core.Index = (*Index)(nil)
var _ metric.Instrumented = (*Index)(nil)

// New creates an empty index.
func New(opts Options) *Index {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("service", "index")
	}
	hostname, _ := os.Hostname()

	idx := &Index{
		defaultTTL: opts.DefaultTTL,
		items:      cmap.New[*entry](),
		logger:     opts.Logger,
		windowFrom: time.Now(),
		hostname:   hostname,
	}
	if opts.Registry != nil {
		idx.metrics = opts.Registry.CoreMetrics()
	}
	return idx
}

// Update stores e as the latest event for its identity key and reports
// whether the index changed. An event in state "expired" deletes its key
// instead: the reaper's synthetic events must never re-enter the index.
func (i *Index) Update(e *event.Event) bool {
	if e.State == "expired" {
		i.Delete(e)
		return false
	}

	ttl := time.Duration(e.TTL * float64(time.Second))
	if ttl <= 0 {
		ttl = i.defaultTTL
	}

	changed := false
	i.items.Upsert(e.Key().String(), nil, func(exists bool, previous, _ *entry) *entry {
		if !exists || !event.Equal(previous.event, e) {
			changed = true
		}
		return &entry{event: e, expiresAt: time.Now().Add(ttl)}
	})

	i.updates.Add(1)
	i.observeSize()
	return changed
}

// Delete removes the entry matching e's identity key.
func (i *Index) Delete(e *event.Event) {
	i.items.Remove(e.Key().String())
	i.observeSize()
}

// DeleteExactly removes the entry for e's identity key only if the stored
// event equals e field for field. A key rewritten since the caller took
// its snapshot is left alone.
func (i *Index) DeleteExactly(e *event.Event) {
	i.items.RemoveCb(e.Key().String(), func(_ string, v *entry, exists bool) bool {
		return exists && event.Equal(v.event, e)
	})
	i.observeSize()
}

// Expire atomically removes and returns every entry whose TTL has elapsed,
// each as the full last-known event.
func (i *Index) Expire() []*event.Event {
	now := time.Now()
	var expired []*event.Event

	for item := range i.items.IterBuffered() {
		ent := item.Val
		if !now.After(ent.expiresAt) {
			continue
		}
		// Remove only the entry we saw; a concurrent update wins.
		removed := i.items.RemoveCb(item.Key, func(_ string, v *entry, exists bool) bool {
			return exists && v == ent
		})
		if removed {
			expired = append(expired, ent.event)
		}
	}

	if n := len(expired); n > 0 {
		i.expirations.Add(int64(n))
		if i.metrics != nil {
			i.metrics.EventsExpired.Add(float64(n))
		}
		i.observeSize()
	}
	return expired
}

// Events returns a snapshot of all current index contents.
func (i *Index) Events() []*event.Event {
	events := make([]*event.Event, 0, i.items.Count())
	for item := range i.items.IterBuffered() {
		events = append(events, item.Val.event)
	}
	return events
}

// Size returns the current number of entries.
func (i *Index) Size() int {
	return i.items.Count()
}

// Name implements core.Service.
func (i *Index) Name() string { return "index" }

// Start implements core.Service. The index has no loop of its own (the
// reaper drives expiry), so starting only marks it live. Idempotent.
func (i *Index) Start(_ context.Context) error {
	i.running.Store(true)
	return nil
}

// Stop implements core.Service. Contents survive a stop: an index handed
// over to a merged core must not lose state.
func (i *Index) Stop(_ time.Duration) error {
	i.running.Store(false)
	return nil
}

// Reload implements core.Service. The index does not read configuration
// from the core.
func (i *Index) Reload(_ *core.Core) error { return nil }

// Equiv reports whether other is an index with the same default TTL.
func (i *Index) Equiv(other core.Service) bool {
	o, ok := other.(*Index)
	return ok && o.defaultTTL == i.defaultTTL
}

// Conflicts reports true for any other index: a core has one
// latest-event store.
func (i *Index) Conflicts(other core.Service) bool {
	if other == core.Service(i) {
		return false
	}
	_, ok := other.(*Index)
	return ok
}

// InstrumentationEvents drains the measurement window: current size plus
// update and expiration rates since the last drain.
func (i *Index) InstrumentationEvents() []*event.Event {
	i.windowMu.Lock()
	from := i.windowFrom
	i.windowFrom = time.Now()
	i.windowMu.Unlock()

	updates := i.updates.Swap(0)
	expirations := i.expirations.Swap(0)

	now := time.Now()
	elapsed := now.Sub(from).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	return []*event.Event{
		i.measurement("index size", float64(i.items.Count()), now),
		i.measurement("index updates rate", float64(updates)/elapsed, now),
		i.measurement("index expirations rate", float64(expirations)/elapsed, now),
	}
}

func (i *Index) measurement(service string, value float64, now time.Time) *event.Event {
	v := value
	return &event.Event{
		Host:    i.hostname,
		Service: service,
		State:   "ok",
		Metric:  &v,
		Time:    now,
		TTL:     20,
	}
}

func (i *Index) observeSize() {
	if i.metrics != nil {
		i.metrics.IndexSize.Set(float64(i.items.Count()))
	}
}
