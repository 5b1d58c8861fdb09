package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360/eventcore/core"
	"github.com/c360/eventcore/errors"
	"github.com/c360/eventcore/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"index":  {"default_ttl_seconds": 120},
		"reaper": {"interval_seconds": 5, "keep_keys": ["host", "service", "region"]},
		"tcp":    [{"bind": "127.0.0.1", "port": 5555}],
		"nats":   {"url": "nats://broker:4222"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 120.0, cfg.Index.DefaultTTLSeconds)
	assert.Equal(t, []string{"host", "service", "region"}, cfg.Reaper.KeepKeys)
	require.Len(t, cfg.TCP, 1)
	assert.Equal(t, 5555, cfg.TCP[0].Port)
	require.NotNil(t, cfg.NATS)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "eventcore.index", cfg.NATS.Subject, "validation fills defaults")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoadInvalidListenerPort(t *testing.T) {
	path := writeConfig(t, `{"tcp": [{"bind": "127.0.0.1", "port": 0}]}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tcp[0]")
}

func TestBuild(t *testing.T) {
	path := writeConfig(t, `{
		"index":   {"default_ttl_seconds": 60},
		"reaper":  {"interval_seconds": 5},
		"sampler": {"interval_seconds": 15},
		"tcp":     [{"bind": "127.0.0.1", "port": 5555}],
		"udp":     [{"bind": "127.0.0.1", "port": 5555}]
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	c, err := Build(cfg, nil, nil, func(*event.Event) error { return nil })
	require.NoError(t, err)

	require.NotNil(t, c.Index)
	require.NotNil(t, c.PubSub)
	assert.Len(t, c.Streams, 1)

	names := map[string]bool{}
	for _, svc := range core.CoreServices(c) {
		names[svc.Name()] = true
	}
	assert.True(t, names["reaper"])
	assert.True(t, names["instrumentation-sampler"])
	assert.True(t, names["tcp-listener 127.0.0.1:5555"])
	assert.True(t, names["udp-listener 127.0.0.1:5555"])

	// Exactly one sampler: the configured one replaced the default.
	samplers := 0
	for _, svc := range core.CoreServices(c) {
		if svc.Name() == "instrumentation-sampler" {
			samplers++
		}
	}
	assert.Equal(t, 1, samplers)
}

func TestBuildRejectsConflictingListeners(t *testing.T) {
	path := writeConfig(t, `{
		"tcp": [
			{"bind": "127.0.0.1", "port": 5555},
			{"bind": "0.0.0.0",  "port": 5555}
		]
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = Build(cfg, nil, nil)
	require.Error(t, err)
	var conflictErr *core.ConflictError
	assert.ErrorAs(t, err, &conflictErr)
}

func TestSecondsHelper(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, seconds(1.5))
	assert.Equal(t, time.Duration(0), seconds(0))
}
