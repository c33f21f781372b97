package server

import (
	"net"

	"github.com/google/uuid"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/registry"
	"github.com/nimbusid/profileserver/internal/relay"
	"github.com/nimbusid/profileserver/internal/validator"
	"github.com/nimbusid/profileserver/wire"
)

// ServePrimary accepts connections on addr and dispatches
// CallIdentityApplicationServiceRequest, UpdateProfileRequest,
// ProfileSearchRequest, and AddRelatedIdentityRequest (spec.md §4.2, §4.3,
// §6), following the teacher's accept-loop idiom (core/network.go).
func (s *Server) ServePrimary(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go s.acceptLoop(ln, s.handlePrimaryConn)
	return ln, nil
}

func (s *Server) acceptLoop(ln net.Listener, handle func(*peerConn)) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		pc := newPeerConn(s.allocConnID(), nc)
		s.Registry.AddPeer(pc)
		go handle(pc)
	}
}

func (s *Server) handlePrimaryConn(pc *peerConn) {
	defer func() {
		s.Registry.RemovePeer(pc)
		pc.Close()
	}()
	for {
		env, err := wire.ReadEnvelope(pc.reader, newPayload)
		if err != nil {
			return
		}
		if notifResp, ok := env.Payload.(*wire.IncomingCallNotificationResponse); ok {
			if rc, found := s.takeIncomingCall(env.ID); found {
				rc.CalleeResponded(notifResp.Status)
			}
			continue
		}
		resp, ok := s.dispatchPrimary(pc, env.Payload)
		if !ok {
			return
		}
		if resp != nil {
			if err := pc.writeEnvelope(&wire.Envelope{ID: env.ID, Kind: wire.KindResponse, Payload: resp}); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchPrimary(pc *peerConn, payload wire.Payload) (wire.Payload, bool) {
	switch req := payload.(type) {
	case *wire.UpdateProfileRequest:
		return s.handleUpdateProfile(pc, req), true
	case *wire.ProfileSearchRequest:
		return s.runSearch(req), true
	case *wire.CallIdentityApplicationServiceRequest:
		return s.handleCallRequest(pc, req), true
	case *wire.AddRelatedIdentityRequest:
		return s.handleAddRelatedIdentity(req), true
	case *wire.GetRoleTableRequest:
		return &wire.GetRoleTableResponse{Status: wire.OkStatus, NeighborInterfacePort: s.Cfg.Server.NeighborInterfacePort}, true
	default:
		s.Log.WithField("type", payload.Name()).Warn("server: unexpected message on primary port")
		return nil, false
	}
}

// handleUpdateProfile applies a profile update from a hosted identity's
// own connection and implicitly checks it in, since the profile update
// carries a verified signature proving ownership of the identity (the
// wire protocol's own authentication handshake, which establishes this
// same binding, is the externally fixed part spec.md §1 treats as
// out of scope).
func (s *Server) handleUpdateProfile(pc *peerConn, req *wire.UpdateProfileRequest) *wire.UpdateProfileResponse {
	id := identity.IDFromPublicKey(req.PublicKey)
	existing, err := s.Store.GetHostedIdentity(id)
	already := err == nil
	storedType := ""
	if already {
		storedType = existing.Type
	}

	uctx := validator.UpdateProfileContext{
		AlreadyInitialized:     already && existing.Initialized,
		StoredType:             storedType,
		SetVersion:             req.SetVersion,
		SetName:                req.SetName,
		SetType:                req.SetType,
		SetLocation:            req.SetLocation,
		SetExtraData:           req.SetExtraData,
		SetProfileImage:        req.SetProfileImage,
		SetThumbnailImage:      req.SetThumbnailImage,
		NoPropagation:          req.NoPropagation,
		NewType:                req.Type,
		ProfileImageBytes:      req.ProfileImageBytes,
		ThumbnailImageBytes:    req.ThumbnailImageBytes,
		ProfileImageMaxBytes:   1 << 20,
		ThumbnailImageMaxBytes: 64 << 10,
	}
	if st := validator.UpdateProfile(uctx); st.Code != wire.Ok {
		return &wire.UpdateProfileResponse{Status: st}
	}

	p := identity.Profile{IdentityID: id, PublicKey: req.PublicKey}
	if already {
		p = *existing
	}
	if req.SetVersion {
		p.Version = identity.Version{Major: req.Version[0], Minor: req.Version[1], Patch: req.Version[2]}
	}
	if req.SetName {
		p.Name = req.Name
	}
	if req.SetType {
		p.Type = req.Type
	}
	if req.SetLocation {
		p.Location = identity.Location{Latitude: req.Latitude, Longitude: req.Longitude}
	}
	if req.SetExtraData {
		p.ExtraData = req.ExtraData
	}
	if req.SetNoPropagation {
		p.NoPropagation = req.NoPropagation
	}
	if req.SetProfileImage {
		if len(req.ProfileImageBytes) == 0 {
			p.ProfileImageHash = nil
		} else if h, err := s.Images.Put(req.ProfileImageBytes); err == nil {
			p.ProfileImageHash = h[:]
		}
	}
	if req.SetThumbnailImage {
		if len(req.ThumbnailImageBytes) == 0 {
			p.ThumbnailImageHash = nil
		} else if h, err := s.Images.Put(req.ThumbnailImageBytes); err == nil {
			p.ThumbnailImageHash = h[:]
		}
	}

	if st := validator.Profile(&p, validator.ProfileContext{CallerPublicKey: req.PublicKey}); st.Code != wire.Ok {
		return &wire.UpdateProfileResponse{Status: st}
	}
	p.Initialized = true

	if err := s.Store.PutHostedIdentity(&p); err != nil {
		return &wire.UpdateProfileResponse{Status: wire.Status{Code: wire.ErrorInternal}}
	}

	pc.setIdentityID(id)
	s.Registry.CheckIn(pc)

	if !p.NoPropagation {
		s.enqueuePropagation(&p, already)
	}
	return &wire.UpdateProfileResponse{Status: wire.OkStatus}
}

// enqueuePropagation schedules an AddProfile or ChangeProfile action to
// every follower so the update reaches the neighborhood (spec.md §4.5).
func (s *Server) enqueuePropagation(p *identity.Profile, wasInitialized bool) {
	followers, err := s.Store.ListFollowers()
	if err != nil {
		return
	}
	actionType := identity.ChangeProfile
	if !wasInitialized {
		actionType = identity.AddProfile
	}
	for _, f := range followers {
		id, err := s.Store.NextActionID()
		if err != nil {
			continue
		}
		target := p.IdentityID
		_ = s.Store.PutAction(&identity.NeighborhoodAction{
			ID:               id,
			ServerID:         f.ServerID,
			Type:             actionType,
			TargetIdentityID: &target,
		})
	}
	if s.Scheduler != nil {
		s.Scheduler.Signal()
	}
}

func (s *Server) handleAddRelatedIdentity(req *wire.AddRelatedIdentityRequest) *wire.AddRelatedIdentityResponse {
	card := identity.RelationshipCard{
		Version:            identity.Version{Major: req.Card.Version[0], Minor: req.Card.Version[1], Patch: req.Card.Version[2]},
		IssuerPublicKey:    req.Card.IssuerPublicKey,
		RecipientPublicKey: req.Card.RecipientPublicKey,
		Type:               req.Card.Type,
		ValidFrom:          req.Card.ValidFrom,
		ValidTo:            req.Card.ValidTo,
		IssuerSignature:    req.Card.IssuerSignature,
	}
	copy(card.CardID[:], req.Card.CardID)
	app := identity.Application{ApplicationID: req.Application.ApplicationID}
	copy(app.CardID[:], req.Application.CardID)

	st := validator.RelationshipCard(&card, &app, validator.CardContext{CallerPublicKey: req.Card.RecipientPublicKey})
	return &wire.AddRelatedIdentityResponse{Status: st}
}

// handleCallRequest creates a relay for a checked-in callee and notifies
// it via IncomingCallNotificationRequest (spec.md §4.2 create_relay,
// §4.3 WaitingForCalleeResponse).
func (s *Server) handleCallRequest(pc *peerConn, req *wire.CallIdentityApplicationServiceRequest) *wire.CallIdentityApplicationServiceResponse {
	var calleeID identity.ID
	copy(calleeID[:], req.CalleeID)

	calleeConnAny, ok := s.Registry.FindCheckedIn(calleeID)
	if !ok {
		return &wire.CallIdentityApplicationServiceResponse{Status: wire.Status{Code: wire.ErrorNotAvailable}}
	}
	calleeConn, ok := calleeConnAny.(*peerConn)
	if !ok {
		return &wire.CallIdentityApplicationServiceResponse{Status: wire.Status{Code: wire.ErrorInternal}}
	}

	respCh := make(chan *wire.CallIdentityApplicationServiceResponse, 1)
	onCallResponse := func(status wire.Status, token registry.RelayKey) {
		select {
		case respCh <- &wire.CallIdentityApplicationServiceResponse{Status: status, CallerToken: string(token)}:
		default:
		}
	}

	id := registry.RelayKey(uuid.NewString())
	callerToken := registry.RelayKey(uuid.NewString())
	calleeToken := registry.RelayKey(uuid.NewString())
	rc := relay.New(s.Registry, id, callerToken, calleeToken, onCallResponse, s.Log)
	s.trackRelayConnection(rc)

	notif := &wire.IncomingCallNotificationRequest{CallerPublicKey: req.CallerPublicKey, ServiceName: req.ServiceName}
	envID := s.allocEnvelopeID()
	s.trackIncomingCall(envID, rc)
	if err := calleeConn.writeEnvelope(&wire.Envelope{ID: envID, Kind: wire.KindRequest, Payload: notif}); err != nil {
		rc.Destroy()
		return &wire.CallIdentityApplicationServiceResponse{Status: wire.Status{Code: wire.ErrorNotAvailable}}
	}

	return <-respCh
}
