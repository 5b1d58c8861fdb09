package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/eventcore/event"
)

// recordingService is a configurable Service double that records its
// lifecycle calls. Services sharing a non-empty group are equivalent;
// services sharing a non-zero port conflict.
type recordingService struct {
	name  string
	group string
	port  int

	startErr  error
	stopErr   error
	reloadErr error

	// stopBlock, when set, makes Stop wait until the channel is closed.
	stopBlock chan struct{}

	mu       sync.Mutex
	starts   int
	stops    int
	reloads  int
	lastCore *Core
}

func (m *recordingService) Name() string { return m.name }

func (m *recordingService) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	return m.startErr
}

func (m *recordingService) Stop(time.Duration) error {
	if m.stopBlock != nil {
		<-m.stopBlock
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return m.stopErr
}

func (m *recordingService) Reload(c *Core) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
	m.lastCore = c
	return m.reloadErr
}

func (m *recordingService) Equiv(other Service) bool {
	o, ok := other.(*recordingService)
	return ok && m.group != "" && o.group == m.group
}

func (m *recordingService) Conflicts(other Service) bool {
	o, ok := other.(*recordingService)
	return ok && o != m && m.port != 0 && o.port == m.port
}

func (m *recordingService) counts() (starts, stops, reloads int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.stops, m.reloads
}

// fakeIndex is an in-memory Index double. Instances sharing a group are
// equivalent; any two instances conflict.
type fakeIndex struct {
	group string

	mu      sync.Mutex
	entries map[string]*event.Event
	expired []*event.Event
}

func newFakeIndex(group string) *fakeIndex {
	return &fakeIndex{group: group, entries: make(map[string]*event.Event)}
}

func (f *fakeIndex) Name() string                { return "fake-index" }
func (f *fakeIndex) Start(context.Context) error { return nil }
func (f *fakeIndex) Stop(time.Duration) error    { return nil }
func (f *fakeIndex) Reload(*Core) error          { return nil }

func (f *fakeIndex) Equiv(other Service) bool {
	o, ok := other.(*fakeIndex)
	return ok && o.group == f.group
}

func (f *fakeIndex) Conflicts(other Service) bool {
	o, ok := other.(*fakeIndex)
	return ok && o != f
}

func (f *fakeIndex) Update(e *event.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := e.Key().String()
	if e.State == "expired" {
		delete(f.entries, key)
		return false
	}
	prev := f.entries[key]
	f.entries[key] = e
	return prev == nil || !event.Equal(prev, e)
}

func (f *fakeIndex) Delete(e *event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, e.Key().String())
}

func (f *fakeIndex) DeleteExactly(e *event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := e.Key().String()
	if stored, ok := f.entries[key]; ok && event.Equal(stored, e) {
		delete(f.entries, key)
	}
}

func (f *fakeIndex) Expire() []*event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.expired
	f.expired = nil
	return out
}

func (f *fakeIndex) Events() []*event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*event.Event, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out
}

type published struct {
	topic string
	e     *event.Event
}

// fakePubSub records publishes. All instances are equivalent, mirroring the
// real registry.
type fakePubSub struct {
	mu        sync.Mutex
	published []published
}

func (f *fakePubSub) Name() string                { return "fake-pubsub" }
func (f *fakePubSub) Start(context.Context) error { return nil }
func (f *fakePubSub) Stop(time.Duration) error    { return nil }
func (f *fakePubSub) Reload(*Core) error          { return nil }

func (f *fakePubSub) Equiv(other Service) bool {
	_, ok := other.(*fakePubSub)
	return ok
}

func (f *fakePubSub) Conflicts(Service) bool { return false }

func (f *fakePubSub) Publish(topic string, e *event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, e: e})
}

func (f *fakePubSub) publishes() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]published, len(f.published))
	copy(out, f.published)
	return out
}

// testCore builds a bare core for orchestration tests, without the default
// sampler New installs.
func testCore(services ...Service) *Core {
	return &Core{
		Services:     services,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		phaseTimeout: 2 * time.Second,
	}
}
