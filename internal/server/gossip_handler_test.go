package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusid/profileserver/identity"
)

func TestHandleNeighborhoodChangedEnqueuesActions(t *testing.T) {
	s := newTestServer(t)

	added := identity.ID{1}
	removed := identity.ID{2}
	s.HandleNeighborhoodChanged(
		[]identity.Neighbor{{ServerID: added, IPAddress: "10.0.0.1", PrimaryPort: 9000}},
		[]identity.Neighbor{{ServerID: removed}},
	)

	_, err := s.Store.GetNeighbor(added)
	require.NoError(t, err)

	actions, err := s.Store.ListActionsAscending()
	require.NoError(t, err)
	require.Len(t, actions, 2)

	byServer := map[identity.ID]identity.ActionType{}
	for _, a := range actions {
		byServer[a.ServerID] = a.Type
	}
	require.Equal(t, identity.AddNeighbor, byServer[added])
	require.Equal(t, identity.RemoveNeighbor, byServer[removed])
}
