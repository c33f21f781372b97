package server

import (
	"net"
	"sync"

	"github.com/nimbusid/profileserver/internal/registry"
	"github.com/nimbusid/profileserver/internal/relay"
	"github.com/nimbusid/profileserver/wire"
)

// appServiceState is the per-connection relay binding established by the
// first ApplicationServiceSendMessageRequest a fresh connection presents
// (spec.md §4.3 "Either side connects to app-service port and presents a
// valid token").
type appServiceState struct {
	mu   sync.Mutex
	rc   *relay.Connection
	side relay.Side
	set  bool
}

// ServeAppService accepts connections on addr for post-relay messaging
// (spec.md §6 "Application-service port").
func (s *Server) ServeAppService(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go s.acceptLoop(ln, s.handleAppServiceConn)
	return ln, nil
}

func (s *Server) handleAppServiceConn(pc *peerConn) {
	st := &appServiceState{}
	defer func() {
		st.mu.Lock()
		rc, bound := st.rc, st.set
		side := st.side
		st.mu.Unlock()
		if bound {
			rc.OnDisconnect(side)
		}
		s.Registry.RemovePeer(pc)
		pc.Close()
	}()

	for {
		env, err := wire.ReadEnvelope(pc.reader, newPayload)
		if err != nil {
			return
		}

		switch req := env.Payload.(type) {
		case *wire.ApplicationServiceSendMessageRequest:
			if !s.handleAppServiceSend(pc, st, env.ID, req) {
				return
			}
		case *wire.ApplicationServiceReceiveMessageNotificationResponse:
			st.mu.Lock()
			rc, bound := st.rc, st.set
			st.mu.Unlock()
			if bound {
				side := st.side
				rc.Acknowledge(side, req.Status)
			}
		default:
			return
		}
	}
}

func oppositeSide(s relay.Side) relay.Side {
	if s == relay.SideCaller {
		return relay.SideCallee
	}
	return relay.SideCaller
}

// handleAppServiceSend either performs the connection's one-time token
// presentation (InitArrival) or, once Open, forwards the message through
// the bound relay. It returns false if the connection must be dropped
// (unknown or cross-relay token, spec.md §4.3 "a client that tries to use
// one app-service connection for two relays is force-disconnected").
func (s *Server) handleAppServiceSend(pc *peerConn, st *appServiceState, envID uint32, req *wire.ApplicationServiceSendMessageRequest) bool {
	st.mu.Lock()
	bound := st.set
	rc := st.rc
	side := st.side
	st.mu.Unlock()

	reply := func(status wire.Status) {
		_ = pc.writeEnvelope(&wire.Envelope{ID: envID, Kind: wire.KindResponse, Payload: &wire.ApplicationServiceSendMessageResponse{Status: status}})
	}

	if !bound {
		rel, ok := s.Registry.FindRelay(registry.RelayKey(req.Token))
		if !ok {
			reply(wire.Status{Code: wire.ErrorNotFound})
			return false
		}
		tokenSide, ok := sideForToken(rel, req.Token)
		if !ok {
			reply(wire.Status{Code: wire.ErrorProtocolViolation})
			return false
		}
		conn := s.findRelayConnection(rel)
		if conn == nil {
			reply(wire.Status{Code: wire.ErrorNotFound})
			return false
		}
		st.mu.Lock()
		st.rc = conn
		st.side = tokenSide
		st.set = true
		st.mu.Unlock()

		conn.InitArrival(tokenSide, pc, &relay.PendingRequest{From: tokenSide, Message: req.Message, Complete: func(status wire.Status) { reply(status) }})
		return true
	}

	if string(rc.CallerToken) != req.Token && string(rc.CalleeToken) != req.Token {
		reply(wire.Status{Code: wire.ErrorProtocolViolation})
		return false
	}
	rc.Forward(side, &relay.PendingRequest{From: side, Message: req.Message, Complete: func(status wire.Status) { reply(status) }}, s.deliverNotification)
	return true
}

func sideForToken(rel *registry.Relay, token string) (relay.Side, bool) {
	switch registry.RelayKey(token) {
	case rel.CallerToken:
		return relay.SideCaller, true
	case rel.CalleeToken:
		return relay.SideCallee, true
	default:
		return 0, false
	}
}

// findRelayConnection is a placeholder indirection point: the registry
// indexes registry.Relay (the minimal state it needs for destroy
// idempotence), while forwarding needs the richer relay.Connection. The
// server keeps that mapping itself since it is the only package that
// constructs relay.Connection values.
func (s *Server) findRelayConnection(rel *registry.Relay) *relay.Connection {
	s.relayConnsMu.Lock()
	rc := s.relayConns[rel.ID]
	if rc != nil && rc.CurrentState() == relay.Destroyed {
		delete(s.relayConns, rel.ID)
		rc = nil
	}
	s.relayConnsMu.Unlock()
	return rc
}

func (s *Server) trackRelayConnection(rc *relay.Connection) {
	s.relayConnsMu.Lock()
	s.relayConns[rc.ID] = rc
	s.relayConnsMu.Unlock()
}

// deliverNotification writes an ApplicationServiceReceiveMessageNotificationRequest
// to target. The recipient's response arrives on target's own connection,
// where handleAppServiceConn acknowledges the relay with the recipient's side.
func (s *Server) deliverNotification(target registry.Conn, payload []byte) {
	pc, ok := target.(*peerConn)
	if !ok || pc.isClosed() {
		return
	}
	envID := s.allocEnvelopeID()
	_ = pc.writeEnvelope(&wire.Envelope{ID: envID, Kind: wire.KindRequest, Payload: &wire.ApplicationServiceReceiveMessageNotificationRequest{Message: payload}})
}
