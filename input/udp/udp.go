// Package udp provides a fire-and-forget UDP listener service: one JSON
// event per datagram, dispatched into the core's stream pipeline.
package udp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/eventcore/core"
	"github.com/c360/eventcore/errors"
	"github.com/c360/eventcore/event"
	"github.com/c360/eventcore/metric"
)

// maxDatagramBytes is the read buffer size; datagrams larger than this are
// truncated by the kernel anyway.
const maxDatagramBytes = 65536

// readRetryDelay paces retries after a failed ReadFrom so a transient
// socket error does not kill the listener.
const readRetryDelay = 100 * time.Millisecond

// Metrics holds Prometheus metrics for the UDP listener
type Metrics struct {
	eventsReceived prometheus.Counter
	decodeErrors   prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, port int) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventcore",
			Subsystem: "udp",
			Name:      "events_received_total",
			Help:      "Total events decoded from UDP datagrams",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventcore",
			Subsystem: "udp",
			Name:      "decode_errors_total",
			Help:      "Datagrams that failed JSON decoding",
		}),
	}

	serviceName := fmt.Sprintf("udp_%d", port)
	registry.RegisterCounter(serviceName, "events_received", metrics.eventsReceived)
	registry.RegisterCounter(serviceName, "decode_errors", metrics.decodeErrors)

	return metrics
}

// Config holds configuration for the UDP listener
type Config struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

// Validate checks the listener configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("port %d out of range", c.Port),
			"udp.Config", "Validate", "port validation")
	}
	return nil
}

// Option is a functional option for configuring the listener
type Option func(*Listener)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics registers listener metrics with the given registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(l *Listener) {
		l.registry = registry
	}
}

// Listener reads one JSON event per datagram. UDP has no backpressure and
// no delivery guarantee; this transport suits high-volume metrics where an
// occasional lost event is acceptable.
type Listener struct {
	bind     string
	port     int
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *Metrics

	core atomic.Pointer[core.Core]

	mu       sync.Mutex
	running  atomic.Bool
	conn     net.PacketConn
	shutdown chan struct{}
	wg       sync.WaitGroup
}

var _ core.Service = (*Listener)(nil)

// New creates a UDP listener service.
func New(cfg Config, opts ...Option) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Listener{
		bind: cfg.Bind,
		port: cfg.Port,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default().With("service", l.Name())
	}
	l.metrics = newMetrics(l.registry, l.port)
	return l, nil
}

// Name implements core.Service.
func (l *Listener) Name() string {
	return fmt.Sprintf("udp-listener %s:%d", l.bind, l.port)
}

// Start binds the socket and begins the read loop. Idempotent on a running
// listener.
func (l *Listener) Start(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return nil
	}

	addr := net.JoinHostPort(l.bind, fmt.Sprintf("%d", l.port))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return errors.WrapTransient(err, "udp.Listener", "Start", "binding socket")
	}

	l.conn = conn
	l.shutdown = make(chan struct{})
	l.running.Store(true)

	l.wg.Add(1)
	go l.readLoop()

	l.logger.Info("udp listener started", "addr", addr)
	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (l *Listener) Stop(timeout time.Duration) error {
	l.mu.Lock()

	if !l.running.Load() {
		l.mu.Unlock()
		return nil
	}
	l.running.Store(false)

	close(l.shutdown)
	l.conn.Close()
	l.mu.Unlock()

	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("udp listener stopped")
		return nil
	case <-time.After(timeout):
		return errors.Wrap(errors.ErrStopTimeout, "udp.Listener", "Stop", "waiting for read loop")
	}
}

// Reload points the listener at the new core.
func (l *Listener) Reload(c *core.Core) error {
	l.core.Store(c)
	return nil
}

// Equiv reports whether other is a UDP listener for the same bind and port.
func (l *Listener) Equiv(other core.Service) bool {
	o, ok := other.(*Listener)
	return ok && o.bind == l.bind && o.port == l.port
}

// Conflicts reports whether other is a different UDP listener contending
// for the same port.
func (l *Listener) Conflicts(other core.Service) bool {
	o, ok := other.(*Listener)
	return ok && o != l && o.port == l.port
}

func (l *Listener) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, maxDatagramBytes)
	for {
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.shutdown:
				return
			default:
			}
			l.logger.Warn("read error, retrying", "error", err)
			select {
			case <-l.shutdown:
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		if n == 0 {
			continue
		}
		l.dispatch(buf[:n])
	}
}

func (l *Listener) dispatch(data []byte) {
	var e event.Event
	if err := json.Unmarshal(data, &e); err != nil {
		if l.metrics != nil {
			l.metrics.decodeErrors.Inc()
		}
		l.logger.Debug("dropping undecodable datagram", "error", err)
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if l.metrics != nil {
		l.metrics.eventsReceived.Inc()
	}

	c := l.core.Load()
	if c == nil {
		return
	}
	if err := c.Stream(&e); err != nil {
		l.logger.Warn("stream error", "host", e.Host, "service", e.Service, "error", err)
	}
}
