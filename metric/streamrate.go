package metric

import (
	"os"
	"sync"
	"time"

	"github.com/c360/eventcore/event"
)

// Instrumented is implemented by anything that can report on itself as a
// finite batch of self-describing measurement events. Each call drains the
// current measurement window.
type Instrumented interface {
	InstrumentationEvents() []*event.Event
}

// IsInstrumented reports whether x exposes the instrumentation capability.
func IsInstrumented(x any) bool {
	_, ok := x.(Instrumented)
	return ok
}

// StreamRate accumulates latency and throughput of stream dispatches on a
// single core. It is owned exclusively by its core; draining it via
// InstrumentationEvents resets the measurement window.
type StreamRate struct {
	mu         sync.Mutex
	count      int64
	sum        time.Duration
	max        time.Duration
	windowFrom time.Time

	hostname string
	ttl      float64
}

// NewStreamRate creates a stream measurement accumulator. The emitted
// events carry a TTL of twice the default sampler interval so a stalled
// sampler shows up as expired instrumentation in the index.
func NewStreamRate() *StreamRate {
	hostname, _ := os.Hostname()
	return &StreamRate{
		windowFrom: time.Now(),
		hostname:   hostname,
		ttl:        20,
	}
}

// Observe records one stream dispatch taking d.
func (r *StreamRate) Observe(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	r.sum += d
	if d > r.max {
		r.max = d
	}
}

// InstrumentationEvents drains the current window into measurement events:
// dispatch rate (events/sec) and mean/max latency in milliseconds.
func (r *StreamRate) InstrumentationEvents() []*event.Event {
	r.mu.Lock()
	count := r.count
	sum := r.sum
	max := r.max
	from := r.windowFrom
	r.count = 0
	r.sum = 0
	r.max = 0
	r.windowFrom = time.Now()
	r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(from).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	rate := float64(count) / elapsed
	meanMs := 0.0
	if count > 0 {
		meanMs = float64(sum.Milliseconds()) / float64(count)
	}
	maxMs := float64(max.Milliseconds())

	return []*event.Event{
		r.measurement("streams rate", rate, now),
		r.measurement("streams latency mean ms", meanMs, now),
		r.measurement("streams latency max ms", maxMs, now),
	}
}

func (r *StreamRate) measurement(service string, value float64, now time.Time) *event.Event {
	v := value
	return &event.Event{
		Host:    r.hostname,
		Service: service,
		State:   "ok",
		Metric:  &v,
		Time:    now,
		TTL:     r.ttl,
	}
}
