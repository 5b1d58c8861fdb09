package pubsub

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360/eventcore/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedRegistry(t *testing.T, opts ...Option) *PubSub {
	t.Helper()
	ps := New(opts...)
	require.NoError(t, ps.Start(context.Background()))
	t.Cleanup(func() { ps.Stop(time.Second) })
	return ps
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	ps := startedRegistry(t)

	chA := make(chan *event.Event, 1)
	chB := make(chan *event.Event, 1)
	ps.Subscribe("alerts", func(e *event.Event) { chA <- e })
	ps.Subscribe("alerts", func(e *event.Event) { chB <- e })

	e := &event.Event{Host: "h", Service: "s"}
	ps.Publish("alerts", e)

	for _, ch := range []chan *event.Event{chA, chB} {
		select {
		case got := <-ch:
			assert.Same(t, e, got)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublishIgnoresOtherTopics(t *testing.T) {
	ps := startedRegistry(t)

	var delivered atomic.Int64
	ps.Subscribe("alerts", func(*event.Event) { delivered.Add(1) })

	ps.Publish("metrics", &event.Event{Host: "h"})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, delivered.Load())
}

func TestPublishBeforeStartDrops(t *testing.T) {
	ps := New()

	var delivered atomic.Int64
	ps.Subscribe("alerts", func(*event.Event) { delivered.Add(1) })

	assert.NotPanics(t, func() {
		ps.Publish("alerts", &event.Event{Host: "h"})
	})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, delivered.Load(), "events published before Start are dropped")
	assert.NoError(t, ps.Stop(time.Second))
}

func TestUnsubscribe(t *testing.T) {
	ps := startedRegistry(t)

	var countA, countB atomic.Int64
	subA := ps.Subscribe("alerts", func(*event.Event) { countA.Add(1) })
	ps.Subscribe("alerts", func(*event.Event) { countB.Add(1) })
	require.Equal(t, 2, ps.Subscribers("alerts"))

	ps.Unsubscribe(subA)
	assert.Equal(t, 1, ps.Subscribers("alerts"))

	ps.Publish("alerts", &event.Event{Host: "h"})

	require.Eventually(t, func() bool { return countB.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Zero(t, countA.Load(), "unsubscribed handler must not fire")

	assert.NotPanics(t, func() { ps.Unsubscribe(nil) })
	assert.NotPanics(t, func() { ps.Unsubscribe(subA) })
}

func TestStopClearsSubscriptionsAndRestartWorks(t *testing.T) {
	ps := New()

	ps.Subscribe("alerts", func(*event.Event) {})
	require.NoError(t, ps.Start(context.Background()))
	require.NoError(t, ps.Stop(time.Second))
	assert.Zero(t, ps.Subscribers("alerts"), "stop clears the registry")

	// A stopped registry restarts with a fresh pool.
	require.NoError(t, ps.Start(context.Background()))
	defer ps.Stop(time.Second)

	ch := make(chan *event.Event, 1)
	ps.Subscribe("alerts", func(e *event.Event) { ch <- e })
	ps.Publish("alerts", &event.Event{Host: "h"})

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("restarted registry did not deliver")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	ps := New()
	defer ps.Stop(time.Second)

	require.NoError(t, ps.Start(context.Background()))
	require.NoError(t, ps.Start(context.Background()))
}

func TestDiscardedRegistriesOwnNoGoroutines(t *testing.T) {
	// Every configuration reload builds a registry that the merge discards
	// in favour of the running one. Those losers are never stopped, so they
	// must not own worker goroutines.
	before := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		ps := New()
		ps.Subscribe("alerts", func(*event.Event) {})
	}

	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after, before, "constructing a registry must not spawn goroutines")
}

func TestStopWithoutStart(t *testing.T) {
	ps := New()
	assert.NoError(t, ps.Stop(time.Second))
}

func TestEquivAnyRegistry(t *testing.T) {
	a := New()
	b := New(WithFanoutWorkers(4))

	assert.True(t, a.Equiv(b), "the running registry carries the subscriptions and always wins")
	assert.False(t, a.Conflicts(b))
}
