package core

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/eventcore/event"
	"github.com/c360/eventcore/metric"
)

// Stream is one stage of the event-processing pipeline: a function of one
// event with side effects. Streams run in list order; an error from one
// stream aborts the dispatch and propagates to the caller.
type Stream func(*event.Event) error

// Core is the immutable snapshot of the running configuration: the stream
// pipeline, the service set, the named index and pubsub services, and the
// stream measurement accumulator this core owns exclusively.
//
// A Core is never mutated in place. Configuration changes build a new Core
// and hand both to Transition, which produces the merged successor; the
// caller swaps a single shared reference to "the current core".
type Core struct {
	// Streams is the ordered event-handler pipeline. Order is significant:
	// side effects of earlier streams (index writes) are observable to
	// later ones.
	Streams []Stream

	// Services holds every service except the two named ones below.
	// Membership is a set under the Equiv relation.
	Services []Service

	// Index is the latest-event store, or nil.
	Index Index

	// PubSub is the fan-out registry, or nil.
	PubSub PubSub

	// StreamRate tracks latency and rate of Stream calls on this core.
	StreamRate *metric.StreamRate

	logger       *slog.Logger
	metrics      *metric.Metrics
	phaseTimeout time.Duration
}

// DefaultPhaseTimeout bounds each service's stop and the wait for each
// transition phase so a hung service cannot stall a transition forever.
const DefaultPhaseTimeout = 30 * time.Second

// Option configures a Core under construction.
type Option func(*Core)

// WithStreams sets the stream pipeline.
func WithStreams(streams ...Stream) Option {
	return func(c *Core) { c.Streams = streams }
}

// WithServices appends services to the core's service set without conflict
// checking. Use ConjService to add with conflict detection.
func WithServices(services ...Service) Option {
	return func(c *Core) { c.Services = append(c.Services, services...) }
}

// WithIndex sets the named index service.
func WithIndex(idx Index) Option {
	return func(c *Core) { c.Index = idx }
}

// WithPubSub sets the named pubsub service.
func WithPubSub(ps PubSub) Option {
	return func(c *Core) { c.PubSub = ps }
}

// WithLogger sets the logger used by the orchestration functions.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches a metrics registry; stream dispatch and transitions
// record into its core metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Core) {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
	}
}

// WithPhaseTimeout overrides the per-phase transition timeout.
func WithPhaseTimeout(timeout time.Duration) Option {
	return func(c *Core) {
		if timeout > 0 {
			c.phaseTimeout = timeout
		}
	}
}

// New constructs an empty core: no streams, no index, a fresh stream
// measurement accumulator, and one default service, the instrumentation
// sampler with default options. The concrete pubsub registry lives in its
// own package, so builders inject it with WithPubSub.
func New(opts ...Option) *Core {
	c := &Core{
		Services:     []Service{NewSampler(SamplerOptions{})},
		StreamRate:   metric.NewStreamRate(),
		logger:       slog.Default().With("component", "core"),
		phaseTimeout: DefaultPhaseTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// clone returns a shallow copy with its own Services slice, so appending
// or filtering never aliases the original core.
func (c *Core) clone() *Core {
	next := *c
	next.Services = make([]Service, len(c.Services))
	copy(next.Services, c.Services)
	return &next
}

// CoreServices returns every service of the core (the named index and
// pubsub plus the plain service set) with nils removed and each instance
// appearing exactly once.
func CoreServices(c *Core) []Service {
	services := make([]Service, 0, len(c.Services)+2)
	seen := make(map[Service]struct{}, len(c.Services)+2)

	add := func(s Service) {
		if s == nil {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		services = append(services, s)
	}

	add(c.Index)
	add(c.PubSub)
	for _, s := range c.Services {
		add(s)
	}
	return services
}

// ConflictError reports that adding a service would contend with services
// already in the core.
type ConflictError struct {
	Service   Service
	Conflicts []Service
}

func (e *ConflictError) Error() string {
	names := make([]string, len(e.Conflicts))
	for i, s := range e.Conflicts {
		names[i] = s.Name()
	}
	return fmt.Sprintf("service %s conflicts with existing services: %s",
		e.Service.Name(), strings.Join(names, ", "))
}

// ConjService adds svc to the core's service set, returning the new core.
//
// Conflicts are computed against every existing service, including the
// named index and pubsub. Without force, any conflict rejects the add with
// a ConflictError and the original core is returned unchanged. With force,
// conflicting services are removed and svc is appended. Eviction is
// uniform: a conflicting index or pubsub goes the same way a plain
// service does.
func ConjService(c *Core, svc Service, force bool) (*Core, error) {
	var conflicts []Service
	for _, existing := range CoreServices(c) {
		if svc.Conflicts(existing) {
			conflicts = append(conflicts, existing)
		}
	}

	if len(conflicts) > 0 && !force {
		return c, &ConflictError{Service: svc, Conflicts: conflicts}
	}

	conflicting := make(map[Service]struct{}, len(conflicts))
	for _, s := range conflicts {
		conflicting[s] = struct{}{}
	}

	next := c.clone()
	if len(conflicting) > 0 {
		kept := next.Services[:0]
		for _, s := range next.Services {
			if _, drop := conflicting[s]; !drop {
				kept = append(kept, s)
			}
		}
		next.Services = kept
		if next.Index != nil {
			if _, drop := conflicting[next.Index]; drop {
				next.Index = nil
			}
		}
		if next.PubSub != nil {
			if _, drop := conflicting[next.PubSub]; drop {
				next.PubSub = nil
			}
		}
	}
	next.Services = append(next.Services, svc)
	return next, nil
}
