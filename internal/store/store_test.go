package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusid/profileserver/identity"
)

func newTestStore() *Store {
	return New(NewMemoryBackend())
}

func TestHostedIdentityRoundTrip(t *testing.T) {
	s := newTestStore()
	id := identity.ID{1, 2, 3}
	p := &identity.Profile{IdentityID: id, Name: "Alice", Type: "person"}
	require.NoError(t, s.PutHostedIdentity(p))

	got, err := s.GetHostedIdentity(id)
	require.NoError(t, err)
	require.Equal(t, "Alice", got.Name)

	require.NoError(t, s.DeleteHostedIdentity(id))
	_, err = s.GetHostedIdentity(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListActionsAscending(t *testing.T) {
	s := newTestStore()
	server := identity.ID{9}
	for _, id := range []int64{5, 1, 3} {
		require.NoError(t, s.PutAction(&identity.NeighborhoodAction{ID: id, ServerID: server}))
	}
	actions, err := s.ListActionsAscending()
	require.NoError(t, err)
	require.Len(t, actions, 3)
	require.Equal(t, int64(1), actions[0].ID)
	require.Equal(t, int64(3), actions[1].ID)
	require.Equal(t, int64(5), actions[2].ID)
}

func TestDeleteNeighborIdentitiesByHost(t *testing.T) {
	s := newTestStore()
	host := identity.ID{7}
	other := identity.ID{8}
	require.NoError(t, s.PutNeighborIdentity(&identity.NeighborIdentity{
		Profile:         identity.Profile{IdentityID: identity.ID{1}},
		HostingServerID: host,
	}))
	require.NoError(t, s.PutNeighborIdentity(&identity.NeighborIdentity{
		Profile:         identity.Profile{IdentityID: identity.ID{2}},
		HostingServerID: other,
	}))

	require.NoError(t, s.DeleteNeighborIdentitiesByHost(host))

	_, err := s.GetNeighborIdentity(identity.ID{1})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetNeighborIdentity(identity.ID{2})
	require.NoError(t, err)
}

func TestNextActionIDMonotonic(t *testing.T) {
	s := newTestStore()
	a, err := s.NextActionID()
	require.NoError(t, err)
	b, err := s.NextActionID()
	require.NoError(t, err)
	require.Less(t, a, b)
}
