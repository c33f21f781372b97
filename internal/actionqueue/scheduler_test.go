package actionqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/store"
)

func TestReserveNextReadyOrdersByIDWithinClass(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	server := identity.ID{1}
	require.NoError(t, st.PutAction(&identity.NeighborhoodAction{ID: 2, ServerID: server, Type: identity.AddNeighbor}))
	require.NoError(t, st.PutAction(&identity.NeighborhoodAction{ID: 1, ServerID: server, Type: identity.AddNeighbor}))

	sched := New(st, func(a *identity.NeighborhoodAction) Outcome { return Success }, 5, nil)

	a, ok := sched.reserveNextReady()
	require.True(t, ok)
	require.Equal(t, int64(1), a.ID)

	// id 1 is now locked out as "running"; id 2 is blocked behind it
	// because both share (ServerID, ServerClass).
	_, ok = sched.reserveNextReady()
	require.False(t, ok)
}

func TestSuccessDeletesAction(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	server := identity.ID{2}
	require.NoError(t, st.PutAction(&identity.NeighborhoodAction{ID: 1, ServerID: server, Type: identity.RemoveNeighbor}))

	var wg sync.WaitGroup
	wg.Add(1)
	sched := New(st, func(a *identity.NeighborhoodAction) Outcome {
		defer wg.Done()
		return Success
	}, 5, nil)

	sched.scanAndDispatch()
	wg.Wait()
	time.Sleep(10 * time.Millisecond)

	actions, err := st.ListActionsAscending()
	require.NoError(t, err)
	require.Len(t, actions, 0)
}

func TestHardFailureDeletesPeerAndActions(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	server := identity.ID{3}
	require.NoError(t, st.PutNeighbor(&identity.Neighbor{ServerID: server}))
	require.NoError(t, st.PutAction(&identity.NeighborhoodAction{ID: 1, ServerID: server, Type: identity.RemoveNeighbor}))
	require.NoError(t, st.PutAction(&identity.NeighborhoodAction{ID: 2, ServerID: server, Type: identity.StopNeighborhoodUpdates}))

	var wg sync.WaitGroup
	wg.Add(1)
	sched := New(st, func(a *identity.NeighborhoodAction) Outcome {
		defer wg.Done()
		return HardFailure
	}, 5, nil)

	sched.scanAndDispatch()
	wg.Wait()
	time.Sleep(10 * time.Millisecond)

	_, err := st.GetNeighbor(server)
	require.ErrorIs(t, err, store.ErrNotFound)

	actions, err := st.ListActionsAscending()
	require.NoError(t, err)
	require.Len(t, actions, 0)
}

func TestEnqueueAssignsMonotonicID(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	sched := New(st, func(a *identity.NeighborhoodAction) Outcome { return Success }, 5, nil)

	a1 := &identity.NeighborhoodAction{ServerID: identity.ID{4}, Type: identity.AddNeighbor}
	a2 := &identity.NeighborhoodAction{ServerID: identity.ID{4}, Type: identity.AddNeighbor}
	require.NoError(t, sched.Enqueue(a1))
	require.NoError(t, sched.Enqueue(a2))
	require.Less(t, a1.ID, a2.ID)
}
