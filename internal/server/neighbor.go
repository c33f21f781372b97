package server

import (
	"net"
	"time"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/validator"
	"github.com/nimbusid/profileserver/wire"
)

// neighborBatchSize bounds how many hosted identities one
// NeighborhoodSharedProfileUpdateRequest carries during an export, keeping
// any single frame under wire.MaxFrameBytes.
const neighborBatchSize = 64

// ServeNeighbor accepts connections on addr for neighborhood-initialization
// and incremental profile-update conversations (spec.md §4.4, §4.5, §6
// "Neighbor-interface port"). A connecting peer may play either role: a
// new follower pulling our hosted identities (StartNeighborhoodInitialization
// first), or an established neighbor pushing incremental updates to us
// (NeighborhoodSharedProfileUpdate or StopNeighborhoodUpdates first).
func (s *Server) ServeNeighbor(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go s.acceptLoop(ln, s.handleNeighborConn)
	return ln, nil
}

func (s *Server) handleNeighborConn(pc *peerConn) {
	defer func() {
		s.Registry.RemovePeer(pc)
		pc.Close()
	}()

	env, err := wire.ReadEnvelope(pc.reader, newPayload)
	if err != nil {
		return
	}

	switch req := env.Payload.(type) {
	case *wire.StartNeighborhoodInitializationRequest:
		s.exportToNewFollower(pc, env.ID, req)
	case *wire.NeighborhoodSharedProfileUpdateRequest:
		s.applyIncomingUpdate(pc, env.ID, req)
		s.neighborUpdateLoop(pc)
	case *wire.StopNeighborhoodUpdatesRequest:
		s.applyStopUpdates(pc, env.ID, req)
	default:
		return
	}
}

// neighborUpdateLoop continues reading NeighborhoodSharedProfileUpdateRequest
// and StopNeighborhoodUpdatesRequest messages on an established incremental
// conversation until the peer disconnects.
func (s *Server) neighborUpdateLoop(pc *peerConn) {
	for {
		env, err := wire.ReadEnvelope(pc.reader, newPayload)
		if err != nil {
			return
		}
		switch req := env.Payload.(type) {
		case *wire.NeighborhoodSharedProfileUpdateRequest:
			s.applyIncomingUpdate(pc, env.ID, req)
		case *wire.StopNeighborhoodUpdatesRequest:
			s.applyStopUpdates(pc, env.ID, req)
			return
		default:
			return
		}
	}
}

// exportToNewFollower registers the caller as a Follower and streams every
// hosted identity as an Add item, terminated by
// FinishNeighborhoodInitialization (spec.md §4.5 "AddNeighbor (initialization
// import)" describes this exchange from the importing side; this is its
// exporting counterpart).
func (s *Server) exportToNewFollower(pc *peerConn, reqID uint32, req *wire.StartNeighborhoodInitializationRequest) {
	followerID := identity.IDFromPublicKey(req.CallerPublicKey)
	pc.setIdentityID(followerID)

	neighborPort := req.NeighborPort
	follower := &identity.Follower{
		ServerID:       followerID,
		IPAddress:      remoteIP(pc),
		PrimaryPort:    req.PrimaryPort,
		SrNeighborPort: &neighborPort,
	}
	if err := s.Store.PutFollower(follower); err != nil {
		_ = pc.writeEnvelope(&wire.Envelope{ID: reqID, Kind: wire.KindResponse, Payload: &wire.StartNeighborhoodInitializationResponse{Status: wire.Status{Code: wire.ErrorInternal}}})
		return
	}
	if err := pc.writeEnvelope(&wire.Envelope{ID: reqID, Kind: wire.KindResponse, Payload: &wire.StartNeighborhoodInitializationResponse{Status: wire.OkStatus}}); err != nil {
		return
	}

	hosted, err := s.Store.ListHostedIdentities()
	if err != nil {
		return
	}
	for i := 0; i < len(hosted); i += neighborBatchSize {
		end := i + neighborBatchSize
		if end > len(hosted) {
			end = len(hosted)
		}
		items := make([]wire.SharedProfileItem, 0, end-i)
		for _, p := range hosted[i:end] {
			items = append(items, exportItem(p))
		}
		envID := s.allocEnvelopeID()
		if err := pc.writeEnvelope(&wire.Envelope{ID: envID, Kind: wire.KindRequest, Payload: &wire.NeighborhoodSharedProfileUpdateRequest{ServerPublicKey: s.MyPublicKey, Items: items}}); err != nil {
			return
		}
		if _, err := wire.ReadEnvelope(pc.reader, newPayload); err != nil {
			return
		}
	}

	finishID := s.allocEnvelopeID()
	if err := pc.writeEnvelope(&wire.Envelope{ID: finishID, Kind: wire.KindRequest, Payload: &wire.FinishNeighborhoodInitializationRequest{}}); err != nil {
		return
	}
	if _, err := wire.ReadEnvelope(pc.reader, newPayload); err != nil {
		return
	}

	follower.SharedProfilesCount = len(hosted)
	now := timeNow()
	follower.LastRefreshTime = &now
	_ = s.Store.PutFollower(follower)
}

func exportItem(p *identity.Profile) wire.SharedProfileItem {
	id := p.IdentityID
	return wire.SharedProfileItem{
		Op:                 wire.OpAdd,
		IdentityID:         id[:],
		PublicKey:          p.PublicKey,
		Version:            [3]uint16{p.Version.Major, p.Version.Minor, p.Version.Patch},
		Name:               p.Name,
		Type:               p.Type,
		Latitude:           p.Location.Latitude,
		Longitude:          p.Location.Longitude,
		ExtraData:          p.ExtraData,
		ProfileImageHash:   p.ProfileImageHash,
		ThumbnailImageHash: p.ThumbnailImageHash,
		Signature:          p.Signature,
	}
}

// applyIncomingUpdate validates and applies one NeighborhoodSharedProfileUpdate
// batch pushed by an established neighbor (spec.md §4.1 batch rules, §4.5
// incremental propagation).
func (s *Server) applyIncomingUpdate(pc *peerConn, reqID uint32, req *wire.NeighborhoodSharedProfileUpdateRequest) {
	hostID := senderIdentity(pc, req.ServerPublicKey)
	existingCount, _ := s.Store.CountHostedIdentities()
	batch := validator.NewBatchContext(existingCount)

	for i, item := range req.Items {
		var targetID identity.ID
		copy(targetID[:], item.IdentityID)
		if item.Op == wire.OpAdd {
			targetID = identity.IDFromPublicKey(item.PublicKey)
		}

		kind := batchKind(item.Op)
		if st := batch.BatchItem(i, kind, targetID); st.Code != wire.Ok {
			_ = pc.writeEnvelope(&wire.Envelope{ID: reqID, Kind: wire.KindResponse, Payload: &wire.NeighborhoodSharedProfileUpdateResponse{Status: st}})
			return
		}

		switch item.Op {
		case wire.OpAdd, wire.OpChange, wire.OpRefresh:
			ni := incomingItemToNeighborIdentity(item, targetID, hostID)
			if st := validator.Profile(&ni.Profile, validator.ProfileContext{}); st.Code != wire.Ok && item.Type != identity.InternalInvalidProfileType {
				_ = pc.writeEnvelope(&wire.Envelope{ID: reqID, Kind: wire.KindResponse, Payload: &wire.NeighborhoodSharedProfileUpdateResponse{Status: st}})
				return
			}
			_ = s.Store.PutNeighborIdentity(ni)
		case wire.OpDelete:
			_ = s.Store.DeleteNeighborIdentity(targetID)
		}
	}

	_ = pc.writeEnvelope(&wire.Envelope{ID: reqID, Kind: wire.KindResponse, Payload: &wire.NeighborhoodSharedProfileUpdateResponse{Status: wire.OkStatus}})
}

func batchKind(op wire.SharedProfileOp) validator.BatchItemKind {
	switch op {
	case wire.OpAdd:
		return validator.BatchAdd
	case wire.OpChange:
		return validator.BatchChange
	case wire.OpDelete:
		return validator.BatchDelete
	default:
		return validator.BatchRefresh
	}
}

func incomingItemToNeighborIdentity(item wire.SharedProfileItem, id, hostingServerID identity.ID) *identity.NeighborIdentity {
	return &identity.NeighborIdentity{
		Profile: identity.Profile{
			IdentityID:         id,
			PublicKey:          item.PublicKey,
			Version:            identity.Version{Major: item.Version[0], Minor: item.Version[1], Patch: item.Version[2]},
			Name:               item.Name,
			Type:               item.Type,
			Location:           identity.Location{Latitude: item.Latitude, Longitude: item.Longitude},
			ExtraData:          item.ExtraData,
			ProfileImageHash:   item.ProfileImageHash,
			ThumbnailImageHash: item.ThumbnailImageHash,
			Signature:          item.Signature,
			Initialized:        true,
			NoPropagation:      item.NoPropagation,
		},
		HostingServerID: hostingServerID,
	}
}

// applyStopUpdates removes every NeighborIdentity hosted by the peer that
// sent StopNeighborhoodUpdates, then drops the Neighbor row itself
// (spec.md §4.5 RemoveNeighbor's mirror: the *exporting* side telling us
// it is gone).
func (s *Server) applyStopUpdates(pc *peerConn, reqID uint32, req *wire.StopNeighborhoodUpdatesRequest) {
	hostID := senderIdentity(pc, req.ServerPublicKey)
	_ = s.Store.DeleteNeighborIdentitiesByHost(hostID)
	_ = s.Store.DeleteNeighbor(hostID)
	_ = pc.writeEnvelope(&wire.Envelope{ID: reqID, Kind: wire.KindResponse, Payload: &wire.StopNeighborhoodUpdatesResponse{Status: wire.OkStatus}})
}

// senderIdentity resolves the identity of the peer on the other end of a
// neighbor-interface connection. The neighbor-interface port's mutual
// identity verification (spec.md §6) is an external transport-layer
// concern; ServerPublicKey is this package's explicit stand-in for it. The
// first message on a connection carries it and binds it to pc for the rest
// of the conversation (spec.md §4.5's incremental push loop reuses one
// connection for many messages); later messages on the same connection
// fall back to the bound value.
func senderIdentity(pc *peerConn, serverPublicKey []byte) identity.ID {
	if len(serverPublicKey) > 0 {
		id := identity.IDFromPublicKey(serverPublicKey)
		pc.setIdentityID(id)
		return id
	}
	return pc.IdentityID()
}

func remoteIP(pc *peerConn) string {
	if tcp, ok := pc.nc.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return pc.nc.RemoteAddr().String()
}

func timeNow() time.Time { return time.Now() }
