package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInstallsDefaultSampler(t *testing.T) {
	c := New()

	require.Len(t, c.Services, 1)
	assert.IsType(t, &Sampler{}, c.Services[0])
	assert.NotNil(t, c.StreamRate)
	assert.Equal(t, DefaultPhaseTimeout, c.phaseTimeout)
}

func TestCoreServicesFiltersNilAndDeduplicates(t *testing.T) {
	idx := newFakeIndex("a")
	ps := &fakePubSub{}
	svc := &recordingService{name: "svc"}

	c := testCore(svc, nil, idx) // index listed twice: named slot and set
	c.Index = idx
	c.PubSub = ps

	services := CoreServices(c)

	require.Len(t, services, 3)
	assert.Same(t, idx, services[0])
	assert.Same(t, ps, services[1])
	assert.Same(t, svc, services[2])
}

func TestCoreServicesNoNamedServices(t *testing.T) {
	svc := &recordingService{name: "svc"}
	c := testCore(svc)

	services := CoreServices(c)

	require.Len(t, services, 1)
	assert.Same(t, svc, services[0])
}

func TestConjServiceAddsWithoutConflict(t *testing.T) {
	existing := &recordingService{name: "existing"}
	c := testCore(existing)

	added := &recordingService{name: "added"}
	next, err := ConjService(c, added, false)

	require.NoError(t, err)
	assert.Len(t, c.Services, 1, "original core must be unchanged")
	require.Len(t, next.Services, 2)
	assert.Same(t, existing, next.Services[0])
	assert.Same(t, added, next.Services[1])
}

func TestConjServiceRejectsConflict(t *testing.T) {
	existing := &recordingService{name: "listener-a", port: 5555}
	c := testCore(existing)

	contender := &recordingService{name: "listener-b", port: 5555}
	next, err := ConjService(c, contender, false)

	require.Error(t, err)
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Same(t, contender, conflictErr.Service)
	require.Len(t, conflictErr.Conflicts, 1)
	assert.Same(t, existing, conflictErr.Conflicts[0])

	assert.Same(t, c, next, "rejected add must return the core unchanged")
	require.Len(t, c.Services, 1)
	assert.Same(t, existing, c.Services[0])
}

func TestConjServiceForceEvictsConflicting(t *testing.T) {
	existing := &recordingService{name: "listener-a", port: 5555}
	unrelated := &recordingService{name: "other", port: 6666}
	c := testCore(existing, unrelated)

	contender := &recordingService{name: "listener-b", port: 5555}
	next, err := ConjService(c, contender, true)

	require.NoError(t, err)
	require.Len(t, next.Services, 2)
	assert.Same(t, unrelated, next.Services[0])
	assert.Same(t, contender, next.Services[1])
	assert.Len(t, c.Services, 2, "original core must be unchanged")
}

func TestConjServiceForceEvictsNamedIndex(t *testing.T) {
	oldIdx := newFakeIndex("a")
	c := testCore()
	c.Index = oldIdx

	newIdx := newFakeIndex("b")
	next, err := ConjService(c, newIdx, true)

	require.NoError(t, err)
	assert.Nil(t, next.Index, "conflicting named index must be evicted")
	require.Len(t, next.Services, 1)
	assert.Same(t, newIdx, next.Services[0])
	assert.Same(t, oldIdx, c.Index, "original core must be unchanged")
}

func TestConflictErrorMessage(t *testing.T) {
	err := &ConflictError{
		Service:   &recordingService{name: "new"},
		Conflicts: []Service{&recordingService{name: "old"}},
	}
	assert.Contains(t, err.Error(), "new")
	assert.Contains(t, err.Error(), "old")
	assert.True(t, errors.As(error(err), new(*ConflictError)))
}
