// Package config loads the daemon's JSON configuration and builds the
// corresponding core. Building never starts anything: the caller hands the
// built core to StartCore on boot, or to Transition on reload, and the
// transition machinery decides which running services survive.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/c360/eventcore/core"
	"github.com/c360/eventcore/errors"
	"github.com/c360/eventcore/index"
	"github.com/c360/eventcore/input/tcp"
	"github.com/c360/eventcore/input/udp"
	"github.com/c360/eventcore/input/websocket"
	"github.com/c360/eventcore/metric"
	"github.com/c360/eventcore/output/natsforward"
	"github.com/c360/eventcore/pubsub"
)

// Config is the top-level daemon configuration.
type Config struct {
	Index     IndexConfig         `json:"index"`
	Reaper    ReaperConfig        `json:"reaper"`
	Sampler   SamplerConfig       `json:"sampler"`
	TCP       []tcp.Config        `json:"tcp"`
	UDP       []udp.Config        `json:"udp"`
	WebSocket []websocket.Config  `json:"websocket"`
	NATS      *natsforward.Config `json:"nats"`

	// PhaseTimeoutSeconds overrides the per-phase transition timeout.
	PhaseTimeoutSeconds float64 `json:"phase_timeout_seconds"`
}

// IndexConfig configures the latest-event store.
type IndexConfig struct {
	// DefaultTTLSeconds applies to events that arrive without a TTL.
	DefaultTTLSeconds float64 `json:"default_ttl_seconds"`
}

// ReaperConfig configures the index-expiry reaper.
type ReaperConfig struct {
	IntervalSeconds float64  `json:"interval_seconds"`
	KeepKeys        []string `json:"keep_keys"`
}

// SamplerConfig configures the instrumentation sampler.
type SamplerConfig struct {
	IntervalSeconds float64 `json:"interval_seconds"`
	Disabled        bool    `json:"disabled"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "reading config file")
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parsing config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section and fills defaults where sections do so.
func (c *Config) Validate() error {
	for i := range c.TCP {
		if err := c.TCP[i].Validate(); err != nil {
			return fmt.Errorf("tcp[%d]: %w", i, err)
		}
	}
	for i := range c.UDP {
		if err := c.UDP[i].Validate(); err != nil {
			return fmt.Errorf("udp[%d]: %w", i, err)
		}
	}
	for i := range c.WebSocket {
		if err := c.WebSocket[i].Validate(); err != nil {
			return fmt.Errorf("websocket[%d]: %w", i, err)
		}
	}
	if c.NATS != nil {
		if err := c.NATS.Validate(); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}
	if c.Index.DefaultTTLSeconds < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("index default TTL %v is negative", c.Index.DefaultTTLSeconds),
			"config.Config", "Validate", "index validation")
	}
	return nil
}

// Build constructs a fresh, unstarted core from the configuration: pubsub
// and index, the stream pipeline the caller supplies, and one service per
// configured listener and forwarder, each added with conflict checking.
func Build(cfg *Config, registry *metric.MetricsRegistry, logger *slog.Logger, streams ...core.Stream) (*core.Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var err error

	ps := pubsub.New(pubsub.WithLogger(logger.With("service", "pubsub")))

	idx := index.New(index.Options{
		DefaultTTL: seconds(cfg.Index.DefaultTTLSeconds),
		Logger:     logger.With("service", "index"),
		Registry:   registry,
	})

	opts := []core.Option{
		core.WithStreams(streams...),
		core.WithIndex(idx),
		core.WithPubSub(ps),
		core.WithLogger(logger.With("component", "core")),
		core.WithMetrics(registry),
	}
	if cfg.PhaseTimeoutSeconds > 0 {
		opts = append(opts, core.WithPhaseTimeout(seconds(cfg.PhaseTimeoutSeconds)))
	}
	c := core.New(opts...)

	reaper := core.NewReaper(core.ReaperOptions{
		Interval: seconds(cfg.Reaper.IntervalSeconds),
		KeepKeys: cfg.Reaper.KeepKeys,
		Logger:   logger.With("service", "reaper"),
	})
	if c, err = core.ConjService(c, reaper, false); err != nil {
		return nil, errors.Wrap(err, "config", "Build", "adding reaper")
	}

	// A configured sampler replaces the default one New installed, so this
	// add is forced.
	if cfg.Sampler.IntervalSeconds > 0 || cfg.Sampler.Disabled {
		sampler := core.NewSampler(core.SamplerOptions{
			Interval: seconds(cfg.Sampler.IntervalSeconds),
			Disabled: cfg.Sampler.Disabled,
			Logger:   logger.With("service", "sampler"),
		})
		if c, err = core.ConjService(c, sampler, true); err != nil {
			return nil, errors.Wrap(err, "config", "Build", "adding sampler")
		}
	}

	for _, lc := range cfg.TCP {
		l, err := tcp.New(lc, tcp.WithLogger(logger), tcp.WithMetrics(registry))
		if err != nil {
			return nil, err
		}
		if c, err = core.ConjService(c, l, false); err != nil {
			return nil, errors.Wrap(err, "config", "Build", "adding tcp listener")
		}
	}
	for _, lc := range cfg.UDP {
		l, err := udp.New(lc, udp.WithLogger(logger), udp.WithMetrics(registry))
		if err != nil {
			return nil, err
		}
		if c, err = core.ConjService(c, l, false); err != nil {
			return nil, errors.Wrap(err, "config", "Build", "adding udp listener")
		}
	}
	for _, wc := range cfg.WebSocket {
		srv, err := websocket.New(wc, websocket.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if c, err = core.ConjService(c, srv, false); err != nil {
			return nil, errors.Wrap(err, "config", "Build", "adding websocket server")
		}
	}
	if cfg.NATS != nil {
		fwd, err := natsforward.New(*cfg.NATS, natsforward.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if c, err = core.ConjService(c, fwd, false); err != nil {
			return nil, errors.Wrap(err, "config", "Build", "adding nats forwarder")
		}
	}

	return c, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
