// Package tcp provides a TCP listener service that feeds newline-delimited
// JSON events into the core's stream pipeline.
package tcp

import (
	"bufio"
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

// maxLineBytes bounds a single event line; anything larger is a protocol
// violation from the sender.
const maxLineBytes = 1 << 20

// acceptRetryDelay paces retries after a failed Accept, typically EMFILE
// under descriptor pressure.
const acceptRetryDelay = 100 * time.Millisecond

// Metrics holds Prometheus metrics for the TCP listener
type Metrics struct {
	eventsReceived prometheus.Counter
	bytesReceived  prometheus.Counter
	decodeErrors   prometheus.Counter
	connections    prometheus.Gauge
}

// newMetrics creates and registers TCP listener metrics.
// Returns nil if no registry provided (nil input = nil feature pattern).
func newMetrics(registry *metric.MetricsRegistry, port int) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventcore",
			Subsystem: "tcp",
			Name:      "events_received_total",
			Help:      "Total events decoded from TCP connections",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventcore",
			Subsystem: "tcp",
			Name:      "bytes_received_total",
			Help:      "Total bytes read from TCP connections",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventcore",
			Subsystem: "tcp",
			Name:      "decode_errors_total",
			Help:      "Lines that failed JSON decoding",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventcore",
			Subsystem: "tcp",
			Name:      "open_connections",
			Help:      "Currently open client connections",
		}),
	}

	serviceName := fmt.Sprintf("tcp_%d", port)
	registry.RegisterCounter(serviceName, "events_received", metrics.eventsReceived)
	registry.RegisterCounter(serviceName, "bytes_received", metrics.bytesReceived)
	registry.RegisterCounter(serviceName, "decode_errors", metrics.decodeErrors)
	registry.RegisterGauge(serviceName, "open_connections", metrics.connections)

	return metrics
}

// Config holds configuration for the TCP listener
type Config struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

// Validate checks the listener configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("port %d out of range", c.Port),
			"tcp.Config", "Validate", "port validation")
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

// Listener accepts TCP connections and dispatches each newline-delimited
// JSON event through the current core. Its logical identity is the bind
// address and port: a reconfiguration that keeps both reuses the running
// listener and its open connections.
type Listener struct {
	bind     string
	port     int
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *Metrics

	core atomic.Pointer[core.Core]

	mu       sync.Mutex
	running  atomic.Bool
	ln       net.Listener
	conns    map[net.Conn]struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

var _ core.Service = (*Listener)(nil)

// New creates a TCP listener service; it consumes no resources until
// started.
func New(cfg Config, opts ...Option) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Listener{
		bind:  cfg.Bind,
		port:  cfg.Port,
		conns: make(map[net.Conn]struct{}),
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
	return fmt.Sprintf("tcp-listener %s:%d", l.bind, l.port)
}

// Start opens the listening socket and begins accepting connections.
// Idempotent on a running listener.
func (l *Listener) Start(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return nil
	}

	addr := net.JoinHostPort(l.bind, fmt.Sprintf("%d", l.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapTransient(err, "tcp.Listener", "Start", "binding socket")
	}

	l.ln = ln
	l.shutdown = make(chan struct{})
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("tcp listener started", "addr", addr)
	return nil
}

// Stop closes the socket and every open connection, waiting up to timeout
// for the handler goroutines to drain.
func (l *Listener) Stop(timeout time.Duration) error {
	l.mu.Lock()

	if !l.running.Load() {
		l.mu.Unlock()
		return nil
	}
	l.running.Store(false)

	close(l.shutdown)
	l.ln.Close()
	for conn := range l.conns {
		conn.Close()
	}
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
		l.logger.Info("tcp listener stopped")
		return nil
	case <-time.After(timeout):
		return errors.Wrap(errors.ErrStopTimeout, "tcp.Listener", "Stop", "waiting for handlers")
	}
}

// Reload points the listener at the new core; in-flight connections pick
// it up on their next event.
func (l *Listener) Reload(c *core.Core) error {
	l.core.Store(c)
	return nil
}

// Equiv reports whether other is a TCP listener for the same bind and port.
func (l *Listener) Equiv(other core.Service) bool {
	o, ok := other.(*Listener)
	return ok && o.bind == l.bind && o.port == l.port
}

// Conflicts reports whether other is a different TCP listener contending
// for the same port.
func (l *Listener) Conflicts(other core.Service) bool {
	o, ok := other.(*Listener)
	return ok && o != l && o.port == l.port
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				return
			default:
			}
			// Accept failures like EMFILE clear up once descriptors are
			// released; keep the listener alive and retry.
			l.logger.Warn("accept error, retrying", "error", err)
			select {
			case <-l.shutdown:
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		if l.metrics != nil {
			l.metrics.connections.Inc()
		}

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		if l.metrics != nil {
			l.metrics.connections.Dec()
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if l.metrics != nil {
			l.metrics.bytesReceived.Add(float64(len(line)))
		}
		l.dispatch(line)
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-l.shutdown:
		default:
			l.logger.Debug("connection read ended", "remote", conn.RemoteAddr(), "error", err)
		}
	}
}

func (l *Listener) dispatch(line []byte) {
	var e event.Event
	if err := json.Unmarshal(line, &e); err != nil {
		if l.metrics != nil {
			l.metrics.decodeErrors.Inc()
		}
		l.logger.Debug("dropping undecodable event", "error", err)
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
