// Package natsforward bridges the core's index topic onto a NATS subject,
// so downstream consumers outside the process see every index update and
// expiration as JSON messages.
package natsforward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/c360/eventcore/core"
	"github.com/c360/eventcore/errors"
	"github.com/c360/eventcore/event"
	"github.com/c360/eventcore/metric"
	"github.com/c360/eventcore/pubsub"
)

const (
	// DefaultSubject is the NATS subject index events are forwarded to.
	DefaultSubject = "eventcore.index"

	connectTimeout = 30 * time.Second
	reconnectWait  = 2 * time.Second
)

// Config holds configuration for the NATS forwarder
type Config struct {
	URL     string `json:"url"`
	Subject string `json:"subject"`
}

// Validate checks the forwarder configuration and fills defaults.
func (c *Config) Validate() error {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	return nil
}

// Option is a functional option for configuring the forwarder
type Option func(*Forwarder)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Forwarder subscribes to the in-process index topic and republishes each
// event on a NATS subject. Its logical identity is the server URL and
// subject; transitions reuse a running forwarder when both match, keeping
// the NATS connection alive across reloads.
type Forwarder struct {
	url     string
	subject string
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	nc      *nats.Conn
	sub     *pubsub.Subscription
	source  *pubsub.PubSub
	current *core.Core

	forwarded  atomic.Int64
	publishErr atomic.Int64
	windowMu   sync.Mutex
	windowFrom time.Time
	hostname   string
}

var _ core.Service = (*Forwarder)(nil)
var _ metric.Instrumented = (*Forwarder)(nil)

// New creates a NATS forwarder; it connects on Start.
func New(cfg Config, opts ...Option) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()

	f := &Forwarder{
		url:        cfg.URL,
		subject:    cfg.Subject,
		windowFrom: time.Now(),
		hostname:   hostname,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default().With("service", f.Name())
	}
	return f, nil
}

// Name implements core.Service.
func (f *Forwarder) Name() string {
	return fmt.Sprintf("nats-forward %s %s", f.url, f.subject)
}

// Start connects to the NATS server, retrying with exponential backoff,
// and attaches to the current core's pubsub. Idempotent on a running
// forwarder.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return nil
	}

	var nc *nats.Conn
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectTimeout

	err := backoff.Retry(func() error {
		var err error
		nc, err = nats.Connect(f.url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(reconnectWait),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				f.logger.Warn("nats disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				f.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			}),
		)
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return errors.WrapTransient(err, "natsforward.Forwarder", "Start", "connecting to nats")
	}

	f.nc = nc
	f.running = true
	f.attachLocked()

	f.logger.Info("nats forwarder started", "url", f.url, "subject", f.subject)
	return nil
}

// Stop detaches from the pubsub and drains the NATS connection.
func (f *Forwarder) Stop(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return nil
	}
	f.running = false

	if f.sub != nil && f.source != nil {
		f.source.Unsubscribe(f.sub)
	}
	f.sub = nil
	f.source = nil

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nc := f.nc
	f.nc = nil

	done := make(chan struct{})
	go func() {
		nc.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		nc.Close()
		return errors.Wrap(errors.ErrStopTimeout, "natsforward.Forwarder", "Stop", "draining nats connection")
	}

	f.logger.Info("nats forwarder stopped")
	return nil
}

// Reload re-attaches to the new core's pubsub if it changed. The NATS
// connection is untouched.
func (f *Forwarder) Reload(c *core.Core) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = c
	if f.running {
		f.attachLocked()
	}
	return nil
}

// attachLocked subscribes to the current core's pubsub, moving the
// subscription if the pubsub instance changed. Callers hold f.mu.
func (f *Forwarder) attachLocked() {
	var want *pubsub.PubSub
	if f.current != nil && f.current.PubSub != nil {
		want, _ = f.current.PubSub.(*pubsub.PubSub)
	}
	if want == f.source {
		return
	}

	if f.sub != nil && f.source != nil {
		f.source.Unsubscribe(f.sub)
		f.sub = nil
	}
	f.source = want
	if want != nil {
		f.sub = want.Subscribe(core.IndexTopic, f.forward)
	}
}

// forward publishes one index event to the NATS subject. Runs on the
// pubsub fan-out pool.
func (f *Forwarder) forward(e *event.Event) {
	f.mu.Lock()
	nc := f.nc
	f.mu.Unlock()
	if nc == nil {
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		f.publishErr.Add(1)
		f.logger.Warn("marshal error", "host", e.Host, "service", e.Service, "error", err)
		return
	}
	if err := nc.Publish(f.subject, data); err != nil {
		f.publishErr.Add(1)
		f.logger.Warn("publish error", "subject", f.subject, "error", err)
		return
	}
	f.forwarded.Add(1)
}

// Equiv reports whether other forwards to the same server and subject.
func (f *Forwarder) Equiv(other core.Service) bool {
	o, ok := other.(*Forwarder)
	return ok && o.url == f.url && o.subject == f.subject
}

// Conflicts implements core.Service; forwarders never contend for an
// exclusive resource.
func (f *Forwarder) Conflicts(core.Service) bool { return false }

// InstrumentationEvents drains the measurement window: forward and error
// rates since the last drain.
func (f *Forwarder) InstrumentationEvents() []*event.Event {
	f.windowMu.Lock()
	from := f.windowFrom
	f.windowFrom = time.Now()
	f.windowMu.Unlock()

	forwarded := f.forwarded.Swap(0)
	failed := f.publishErr.Swap(0)

	now := time.Now()
	elapsed := now.Sub(from).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	return []*event.Event{
		f.measurement("nats forward rate", float64(forwarded)/elapsed, now),
		f.measurement("nats forward errors rate", float64(failed)/elapsed, now),
	}
}

func (f *Forwarder) measurement(service string, value float64, now time.Time) *event.Event {
	v := value
	return &event.Event{
		Host:    f.hostname,
		Service: service,
		State:   "ok",
		Metric:  &v,
		Time:    now,
		TTL:     20,
	}
}
