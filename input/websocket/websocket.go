// Package websocket provides the HTTP/WebSocket surface: an ingestion
// endpoint accepting JSON events, and a live subscription endpoint that
// relays every index mutation published on the core's index topic.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/eventcore/core"
	"github.com/c360/eventcore/errors"
	"github.com/c360/eventcore/event"
	"github.com/c360/eventcore/pubsub"
)

const (
	// writeWait bounds a single frame write to a slow client.
	writeWait = 10 * time.Second

	// subscriberBuffer is the per-client event buffer; events beyond it
	// are dropped rather than stalling the fan-out pool.
	subscriberBuffer = 64
)

// subscriber is the pubsub capability the index endpoint needs beyond
// publishing.
type subscriber interface {
	Subscribe(topic string, fn func(*event.Event)) *pubsub.Subscription
	Unsubscribe(sub *pubsub.Subscription)
}

// Config holds configuration for the WebSocket server
type Config struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

// Validate checks the server configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("port %d out of range", c.Port),
			"websocket.Config", "Validate", "port validation")
	}
	return nil
}

// Option is a functional option for configuring the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server serves two WebSocket endpoints: /events for event ingestion and
// /index for a live feed of index updates and expirations.
type Server struct {
	bind   string
	port   int
	logger *slog.Logger

	upgrader websocket.Upgrader
	core     atomic.Pointer[core.Core]

	mu       sync.Mutex
	running  atomic.Bool
	srv      *http.Server
	shutdown chan struct{}
	wg       sync.WaitGroup
}

var _ core.Service = (*Server)(nil)

// New creates a WebSocket server service.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		bind: cfg.Bind,
		port: cfg.Port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("service", s.Name())
	}
	return s, nil
}

// Name implements core.Service.
func (s *Server) Name() string {
	return fmt.Sprintf("websocket-server %s:%d", s.bind, s.port)
}

// Start binds the HTTP listener and begins serving. Idempotent on a
// running server.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	addr := net.JoinHostPort(s.bind, fmt.Sprintf("%d", s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapTransient(err, "websocket.Server", "Start", "binding socket")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/index", s.handleIndex)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.shutdown = make(chan struct{})
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("serve error", "error", err)
		}
	}()

	s.logger.Info("websocket server started", "addr", addr)
	return nil
}

// Stop shuts the HTTP server down, giving open connections up to timeout
// to finish before forcing them closed.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()

	if !s.running.Load() {
		s.mu.Unlock()
		return nil
	}
	s.running.Store(false)
	close(s.shutdown)
	srv := s.srv
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
		return errors.Wrap(errors.ErrStopTimeout, "websocket.Server", "Stop", "draining connections")
	}
	s.wg.Wait()
	s.logger.Info("websocket server stopped")
	return nil
}

// Reload points the server at the new core; open subscriptions stay on the
// pubsub they attached to, which transitions preserve.
func (s *Server) Reload(c *core.Core) error {
	s.core.Store(c)
	return nil
}

// Equiv reports whether other is a WebSocket server for the same bind and
// port.
func (s *Server) Equiv(other core.Service) bool {
	o, ok := other.(*Server)
	return ok && o.bind == s.bind && o.port == s.port
}

// Conflicts reports whether other is a different WebSocket server
// contending for the same port.
func (s *Server) Conflicts(other core.Service) bool {
	o, ok := other.(*Server)
	return ok && o != s && o.port == s.port
}

// handleEvents ingests JSON events sent as text frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ingestion connection closed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}

		var e event.Event
		if err := json.Unmarshal(data, &e); err != nil {
			s.logger.Debug("dropping undecodable event", "remote", r.RemoteAddr, "error", err)
			continue
		}
		if e.Time.IsZero() {
			e.Time = time.Now()
		}

		c := s.core.Load()
		if c == nil {
			continue
		}
		if err := c.Stream(&e); err != nil {
			s.logger.Warn("stream error", "host", e.Host, "service", e.Service, "error", err)
		}
	}
}

// handleIndex subscribes the client to the index topic and relays every
// published event as a JSON frame until the client disconnects.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	c := s.core.Load()
	if c == nil || c.PubSub == nil {
		http.Error(w, "no index feed available", http.StatusServiceUnavailable)
		return
	}
	ps, ok := c.PubSub.(subscriber)
	if !ok {
		http.Error(w, "no index feed available", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	feed := make(chan *event.Event, subscriberBuffer)
	sub := ps.Subscribe(core.IndexTopic, func(e *event.Event) {
		select {
		case feed <- e:
		default:
			// Slow client; drop rather than stall the fan-out pool.
		}
	})
	defer ps.Unsubscribe(sub)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-feed:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("subscriber write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-closed:
			return
		case <-s.shutdown:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
