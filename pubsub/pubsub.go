// Package pubsub provides the in-process topic registry consumed by the
// core: named topics, uuid-identified subscriptions, and asynchronous
// fan-out on a shared worker pool. The core publishes every index mutation
// and expiration on the "index" topic; other components (websocket
// subscribers, the NATS forwarder) attach here.
package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/c360/eventcore/core"
	"github.com/c360/eventcore/errors"
	"github.com/c360/eventcore/event"
)

// DefaultFanoutWorkers is the size of the shared delivery pool.
const DefaultFanoutWorkers = 16

// Subscription is one registered listener on one topic.
type Subscription struct {
	ID    string
	Topic string
	fn    func(*event.Event)
}

// Option configures a PubSub under construction.
type Option func(*PubSub)

// WithFanoutWorkers sets the delivery pool size.
func WithFanoutWorkers(n int) Option {
	return func(p *PubSub) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *PubSub) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// PubSub is the topic-based fan-out registry. Deliveries run on a shared
// goroutine pool so a slow subscriber delays other subscribers, not the
// publisher. The pool exists only between Start and Stop; publishing to a
// registry that is not running drops the event.
type PubSub struct {
	workers int
	logger  *slog.Logger
	running atomic.Bool

	mu     sync.RWMutex
	pool   *ants.Pool
	topics map[string]map[string]*Subscription
}

var _ core.PubSub = (*PubSub)(nil)

// New creates a pubsub registry. Construction is inert: the delivery pool
// is created by Start, so a registry that is built and then discarded by a
// core merge owns no goroutines.
func New(opts ...Option) *PubSub {
	p := &PubSub{
		workers: DefaultFanoutWorkers,
		logger:  slog.Default().With("service", "pubsub"),
		topics:  make(map[string]map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers fn on topic and returns the subscription handle.
func (p *PubSub) Subscribe(topic string, fn func(*event.Event)) *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		fn:    fn,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	subs, ok := p.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription)
		p.topics[topic] = subs
	}
	subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription; unknown handles are ignored.
func (p *PubSub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if subs, ok := p.topics[sub.Topic]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(p.topics, sub.Topic)
		}
	}
}

// Subscribers returns the number of current subscriptions on topic.
func (p *PubSub) Subscribers(topic string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.topics[topic])
}

// Publish fans e out to the current subscribers of topic. Delivery is
// asynchronous and unordered across subscribers. Events published before
// Start or after Stop are dropped.
func (p *PubSub) Publish(topic string, e *event.Event) {
	p.mu.RLock()
	pool := p.pool
	subs := make([]*Subscription, 0, len(p.topics[topic]))
	for _, sub := range p.topics[topic] {
		subs = append(subs, sub)
	}
	p.mu.RUnlock()

	if pool == nil || pool.IsClosed() {
		p.logger.Debug("dropping publish, registry not running", "topic", topic)
		return
	}

	for _, sub := range subs {
		fn := sub.fn
		if err := pool.Submit(func() { fn(e) }); err != nil {
			// Pool released during shutdown; the event is dropped.
			p.logger.Debug("dropping publish", "topic", topic, "error", err)
			return
		}
	}
}

// Name implements core.Service.
func (p *PubSub) Name() string { return "pubsub" }

// Start implements core.Service: creates the delivery pool, or reboots the
// one a previous Stop released. Idempotent on a running registry.
func (p *PubSub) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return nil
	}

	if p.pool == nil {
		pool, err := ants.NewPool(p.workers)
		if err != nil {
			return errors.WrapFatal(err, "PubSub", "Start", "creating fanout pool")
		}
		p.pool = pool
	} else if p.pool.IsClosed() {
		p.pool.Reboot()
	}

	p.running.Store(true)
	return nil
}

// Stop implements core.Service: drains the delivery pool and clears all
// subscriptions. Stopping a never-started registry is a no-op.
func (p *PubSub) Stop(timeout time.Duration) error {
	p.running.Store(false)

	p.mu.Lock()
	pool := p.pool
	p.topics = make(map[string]map[string]*Subscription)
	p.mu.Unlock()

	if pool == nil || pool.IsClosed() {
		return nil
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := pool.ReleaseTimeout(timeout); err != nil {
		return errors.WrapTransient(err, "PubSub", "Stop", "releasing fanout pool")
	}
	return nil
}

// Reload implements core.Service. The registry reads nothing from the core.
func (p *PubSub) Reload(_ *core.Core) error { return nil }

// Equiv reports true for any other pubsub registry: subscriptions live in
// the instance, so transitions always reuse the running one.
func (p *PubSub) Equiv(other core.Service) bool {
	_, ok := other.(*PubSub)
	return ok
}

// Conflicts implements core.Service; registries never contend for an
// external resource.
func (p *PubSub) Conflicts(core.Service) bool { return false }
