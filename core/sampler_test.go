package core

import (
	"context"
	"testing"
	"time"

	"github.com/c360/eventcore/event"
	"github.com/c360/eventcore/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instrumentedService is a recordingService that also reports one
// measurement event per drain.
type instrumentedService struct {
	recordingService
	drains int
}

func (i *instrumentedService) InstrumentationEvents() []*event.Event {
	i.drains++
	v := float64(i.drains)
	return []*event.Event{{
		Host:    "test",
		Service: "fake measurement",
		Metric:  &v,
	}}
}

func TestSamplerDrainsCoreAndServices(t *testing.T) {
	instrumented := &instrumentedService{recordingService: recordingService{name: "inst"}}
	plain := &recordingService{name: "plain"}

	var streamed []*event.Event
	c := testCore(instrumented, plain)
	c.StreamRate = metric.NewStreamRate()
	c.StreamRate.Observe(5 * time.Millisecond)
	c.Streams = []Stream{func(e *event.Event) error {
		streamed = append(streamed, e)
		return nil
	}}

	s := NewSampler(SamplerOptions{})
	require.NoError(t, s.Reload(c))
	s.sample(context.Background())

	// Three core stream measurements plus one from the instrumented service.
	require.Len(t, streamed, 4)
	services := make([]string, len(streamed))
	for i, e := range streamed {
		services[i] = e.Service
	}
	assert.Contains(t, services, "streams rate")
	assert.Contains(t, services, "streams latency mean ms")
	assert.Contains(t, services, "streams latency max ms")
	assert.Contains(t, services, "fake measurement")
	assert.Equal(t, 1, instrumented.drains)
}

func TestSamplerSkipsItself(t *testing.T) {
	s := NewSampler(SamplerOptions{})

	var streamed []*event.Event
	c := testCore(s)
	c.StreamRate = nil
	c.Streams = []Stream{func(e *event.Event) error {
		streamed = append(streamed, e)
		return nil
	}}

	require.NoError(t, s.Reload(c))
	assert.NotPanics(t, func() { s.sample(context.Background()) })
	assert.Empty(t, streamed)
}

func TestSamplerDisabled(t *testing.T) {
	var streamed []*event.Event
	c := testCore()
	c.StreamRate = metric.NewStreamRate()
	c.Streams = []Stream{func(e *event.Event) error {
		streamed = append(streamed, e)
		return nil
	}}

	s := NewSampler(SamplerOptions{Disabled: true})
	require.NoError(t, s.Reload(c))
	s.sample(context.Background())

	assert.Empty(t, streamed)
}

func TestSamplerWithoutCore(t *testing.T) {
	s := NewSampler(SamplerOptions{})
	assert.NotPanics(t, func() { s.sample(context.Background()) })
}

func TestSamplerEquiv(t *testing.T) {
	a := NewSampler(SamplerOptions{Interval: 10 * time.Second})
	b := NewSampler(SamplerOptions{Interval: 10 * time.Second})
	assert.True(t, a.Equiv(b))

	assert.False(t, a.Equiv(NewSampler(SamplerOptions{Interval: time.Minute})))
	assert.False(t, a.Equiv(NewSampler(SamplerOptions{Interval: 10 * time.Second, Disabled: true})))
	assert.False(t, a.Equiv(&recordingService{}))
}

func TestSamplerConflicts(t *testing.T) {
	a := NewSampler(SamplerOptions{})
	b := NewSampler(SamplerOptions{Disabled: true})

	assert.True(t, a.Conflicts(b), "one feedback loop per core")
	assert.False(t, a.Conflicts(a))
	assert.False(t, a.Conflicts(&recordingService{}))
}
