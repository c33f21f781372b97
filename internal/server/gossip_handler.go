package server

import (
	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/gossip"
)

// HandleNeighborhoodChanged is a gossip.Handler: it turns the gossip peer's
// membership-change notification into the store/queue mutations spec.md §3
// describes ("inserted when gossip layer announces a new peer ... deleted
// on gossip 'removed'"). Added peers get a Neighbor row and an AddNeighbor
// action so the replication worker performs the initialization import;
// removed peers get a RemoveNeighbor action so the worker's existing
// cascade-delete-and-notify path handles them the same way an operator
//-driven removal would.
func (s *Server) HandleNeighborhoodChanged(added, removed []identity.Neighbor) {
	for _, n := range added {
		neighbor := n
		if err := s.Store.PutNeighbor(&neighbor); err != nil {
			s.Log.WithError(err).Warn("server: store neighbor from gossip add")
			continue
		}
		s.enqueueNeighborAction(neighbor.ServerID, identity.AddNeighbor)
	}
	for _, n := range removed {
		s.enqueueNeighborAction(n.ServerID, identity.RemoveNeighbor)
	}
	if s.Scheduler != nil {
		s.Scheduler.Signal()
	}
}

func (s *Server) enqueueNeighborAction(serverID identity.ID, actionType identity.ActionType) {
	id, err := s.Store.NextActionID()
	if err != nil {
		s.Log.WithError(err).Warn("server: allocate action id for gossip change")
		return
	}
	if err := s.Store.PutAction(&identity.NeighborhoodAction{ID: id, ServerID: serverID, Type: actionType}); err != nil {
		s.Log.WithError(err).Warn("server: enqueue action for gossip change")
	}
}

var _ gossip.Handler = (*Server)(nil).HandleNeighborhoodChanged
