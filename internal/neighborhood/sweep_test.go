package neighborhood

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/store"
)

func TestSweepExpiredNeighborsRemovesStaleOnes(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	n := New(st, nil)

	stale := time.Now().Add(-2 * time.Hour)
	fresh := time.Now()

	staleID := identity.ID{1}
	freshID := identity.ID{2}
	pendingID := identity.ID{3}

	require.NoError(t, st.PutNeighbor(&identity.Neighbor{ServerID: staleID, LastRefreshTime: &stale}))
	require.NoError(t, st.PutNeighbor(&identity.Neighbor{ServerID: freshID, LastRefreshTime: &fresh}))
	require.NoError(t, st.PutNeighbor(&identity.Neighbor{ServerID: pendingID}))

	require.NoError(t, st.PutNeighborIdentity(&identity.NeighborIdentity{
		Profile:         identity.Profile{IdentityID: identity.ID{9}},
		HostingServerID: staleID,
	}))
	id, err := st.NextActionID()
	require.NoError(t, err)
	require.NoError(t, st.PutAction(&identity.NeighborhoodAction{ID: id, ServerID: staleID, Type: identity.AddProfile}))

	removed, err := n.SweepExpiredNeighbors(time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = st.GetNeighbor(staleID)
	require.Error(t, err)

	_, err = st.GetNeighbor(freshID)
	require.NoError(t, err)

	_, err = st.GetNeighbor(pendingID)
	require.NoError(t, err)

	identities, err := st.ListNeighborIdentitiesAll()
	require.NoError(t, err)
	for _, ni := range identities {
		require.NotEqual(t, staleID, ni.HostingServerID)
	}

	actions, err := st.ListActionsAscending()
	require.NoError(t, err)
	for _, a := range actions {
		require.NotEqual(t, staleID, a.ServerID)
	}
}

func TestSweepExpiredNeighborsStopsOnSignal(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	n := New(st, nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		n.Run(5*time.Millisecond, time.Hour, stop)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after stop channel closed")
	}
}
