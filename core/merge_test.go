package core

import (
	"testing"

	"github.com/c360/eventcore/event"
	"github.com/c360/eventcore/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeCoresReusesEquivalentServices(t *testing.T) {
	oldSvc := &recordingService{name: "old-a", group: "a"}
	oldCore := testCore(oldSvc)

	newSvc := &recordingService{name: "new-a", group: "a"}
	freshSvc := &recordingService{name: "new-b", group: "b"}
	newCore := testCore(newSvc, freshSvc)

	merged := MergeCores(oldCore, newCore)

	require.Len(t, merged.Services, 2)
	assert.Same(t, oldSvc, merged.Services[0], "equivalent service must reuse the running instance")
	assert.Same(t, freshSvc, merged.Services[1])
}

func TestMergeCoresTakesNewStreams(t *testing.T) {
	oldCore := testCore()
	oldCore.Streams = []Stream{func(*event.Event) error { return nil }}

	newCore := testCore()
	newCore.Streams = []Stream{
		func(*event.Event) error { return nil },
		func(*event.Event) error { return nil },
	}

	merged := MergeCores(oldCore, newCore)
	assert.Len(t, merged.Streams, 2)
}

func TestMergeCoresIndexAndPubSub(t *testing.T) {
	oldIdx := newFakeIndex("a")
	oldPS := &fakePubSub{}
	oldCore := testCore()
	oldCore.Index = oldIdx
	oldCore.PubSub = oldPS

	t.Run("equivalent index reused", func(t *testing.T) {
		newCore := testCore()
		newCore.Index = newFakeIndex("a")
		newCore.PubSub = &fakePubSub{}

		merged := MergeCores(oldCore, newCore)
		assert.Same(t, oldIdx, merged.Index)
		assert.Same(t, oldPS, merged.PubSub, "pubsub registries are always equivalent")
	})

	t.Run("changed index replaced", func(t *testing.T) {
		newIdx := newFakeIndex("b")
		newCore := testCore()
		newCore.Index = newIdx

		merged := MergeCores(oldCore, newCore)
		assert.Same(t, newIdx, merged.Index)
	})

	t.Run("index dropped from configuration", func(t *testing.T) {
		merged := MergeCores(oldCore, testCore())
		assert.Nil(t, merged.Index)
	})
}

func TestMergeCoresSelfMergeKeepsInstances(t *testing.T) {
	svc := &recordingService{name: "svc", group: "g"}
	c := testCore(svc)
	c.Index = newFakeIndex("a")
	c.PubSub = &fakePubSub{}

	merged := MergeCores(c, c)

	require.Len(t, merged.Services, 1)
	assert.Same(t, svc, merged.Services[0])
	assert.Same(t, c.Index, merged.Index)
	assert.Same(t, c.PubSub, merged.PubSub)
}

func TestMergeCoresInheritsAccumulatorFallback(t *testing.T) {
	oldCore := testCore()
	oldCore.StreamRate = metric.NewStreamRate()

	merged := MergeCores(oldCore, testCore())
	assert.Same(t, oldCore.StreamRate, merged.StreamRate)

	newCore := testCore()
	newCore.StreamRate = metric.NewStreamRate()
	merged = MergeCores(oldCore, newCore)
	assert.Same(t, newCore.StreamRate, merged.StreamRate)
}

func TestMergeCoresToleratesNilServices(t *testing.T) {
	oldSvc := &recordingService{name: "old-a", group: "a"}
	oldCore := testCore(oldSvc)
	oldCore.Services = append(oldCore.Services, nil)

	newSvc := &recordingService{name: "new-a", group: "a"}
	newCore := testCore(nil, newSvc)

	var merged *Core
	require.NotPanics(t, func() { merged = MergeCores(oldCore, newCore) })

	require.Len(t, merged.Services, 1, "nil entries are dropped from the merge")
	assert.Same(t, oldSvc, merged.Services[0])
}

func TestMergeCoresIsPure(t *testing.T) {
	oldSvc := &recordingService{name: "old", group: "a"}
	newSvc := &recordingService{name: "new", group: "a"}
	oldCore := testCore(oldSvc)
	newCore := testCore(newSvc)

	MergeCores(oldCore, newCore)

	for _, svc := range []*recordingService{oldSvc, newSvc} {
		starts, stops, reloads := svc.counts()
		assert.Zero(t, starts)
		assert.Zero(t, stops)
		assert.Zero(t, reloads)
	}
}
