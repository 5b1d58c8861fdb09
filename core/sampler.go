package core

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/eventcore/event"
	"github.com/c360/eventcore/metric"
	"github.com/c360/eventcore/pkg/periodic"
)

// SamplerOptions configures the instrumentation sampler.
type SamplerOptions struct {
	// Interval between sampling passes. Defaults to 10 seconds.
	Interval time.Duration

	// Disabled suppresses sampling while keeping the loop alive, so a
	// reconfiguration can re-enable it without a new service instance.
	Disabled bool

	Logger *slog.Logger
}

// Sampler is a periodic service that drains the core's own self
// measurements, and those of every other instrumented service, back
// through the stream pipeline. The system's performance becomes just
// another stream of events subject to the same processing.
type Sampler struct {
	interval time.Duration
	enabled  bool
	logger   *slog.Logger
	runner   *periodic.Runner
	core     atomic.Pointer[Core]
}

// NewSampler creates a sampler with the given options.
func NewSampler(opts SamplerOptions) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("service", "instrumentation-sampler")
	}

	s := &Sampler{
		interval: opts.Interval,
		enabled:  !opts.Disabled,
		logger:   opts.Logger,
	}
	s.runner = periodic.New("instrumentation-sampler", opts.Interval, s.sample)
	return s
}

// Name implements Service.
func (s *Sampler) Name() string { return "instrumentation-sampler" }

// Start implements Service. Idempotent on a running sampler.
func (s *Sampler) Start(ctx context.Context) error {
	return s.runner.Start(ctx)
}

// Stop implements Service.
func (s *Sampler) Stop(timeout time.Duration) error {
	return s.runner.Stop(timeout)
}

// Reload implements Service.
func (s *Sampler) Reload(c *Core) error {
	s.core.Store(c)
	return nil
}

// Equiv reports whether other is a sampler with the same interval and
// enablement.
func (s *Sampler) Equiv(other Service) bool {
	o, ok := other.(*Sampler)
	return ok && o.interval == s.interval && o.enabled == s.enabled
}

// Conflicts reports true for any other sampler: one feedback loop per core.
func (s *Sampler) Conflicts(other Service) bool {
	if other == Service(s) {
		return false
	}
	_, ok := other.(*Sampler)
	return ok
}

// sample drains the core's stream accumulator, then every other service
// exposing the instrumentation capability, dispatching each measurement
// event through the pipeline.
func (s *Sampler) sample(_ context.Context) {
	if !s.enabled {
		return
	}
	c := s.core.Load()
	if c == nil {
		return
	}

	if c.StreamRate != nil {
		s.dispatch(c, c.StreamRate.InstrumentationEvents())
	}

	for _, svc := range CoreServices(c) {
		if svc == Service(s) {
			continue
		}
		if instrumented, ok := svc.(metric.Instrumented); ok {
			s.dispatch(c, instrumented.InstrumentationEvents())
		}
	}
}

func (s *Sampler) dispatch(c *Core, events []*event.Event) {
	for _, e := range events {
		if err := c.Stream(e); err != nil {
			s.logger.Warn("error streaming instrumentation event",
				"service", e.Service, "error", err)
		}
	}
}
