// Package server wires the registry, relay, action queue, and replication
// worker packages to live TCP listeners and a small admin HTTP surface. It
// owns all transport I/O so the domain packages stay dependency-free of
// net.Conn, grounded on the teacher's accept-loop/per-connection-goroutine
// idiom (core/network.go) and its closing-channel + sync.WaitGroup
// shutdown pattern (core/replication.go's Replicator Start/Stop).
package server

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/registry"
	"github.com/nimbusid/profileserver/wire"
)

// peerConn wraps one accepted net.Conn and implements registry.Conn. Writes
// are serialized by writeMu so concurrent responses (e.g. a relay forward racing
// a direct reply) never interleave frames on the wire.
type peerConn struct {
	id     uint64
	nc     net.Conn
	reader *bufio.Reader
	writeMu sync.Mutex

	identityMu sync.RWMutex
	identityID identity.ID

	closeOnce sync.Once
	closed    int32
}

func newPeerConn(id uint64, nc net.Conn) *peerConn {
	return &peerConn{id: id, nc: nc, reader: bufio.NewReader(nc)}
}

func (c *peerConn) ConnID() uint64 { return c.id }

func (c *peerConn) IdentityID() identity.ID {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.identityID
}

func (c *peerConn) setIdentityID(id identity.ID) {
	c.identityMu.Lock()
	c.identityID = id
	c.identityMu.Unlock()
}

// GracefulClose satisfies registry.Conn; a displaced session is simply
// closed since the protocol has no "please disconnect" courtesy message.
func (c *peerConn) GracefulClose() { c.Close() }

func (c *peerConn) Close() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		c.nc.Close()
	})
}

func (c *peerConn) isClosed() bool { return atomic.LoadInt32(&c.closed) == 1 }

func (c *peerConn) writeEnvelope(env *wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteEnvelope(c.nc, env)
}

var _ registry.Conn = (*peerConn)(nil)

// newPayload constructs a zero-valued Payload for the decoded message name.
// It is the dispatch table ReadEnvelope needs to know which concrete
// struct to decode into next.
func newPayload(name string) (wire.Payload, error) {
	ctor, ok := payloadConstructors[name]
	if !ok {
		return nil, fmt.Errorf("server: unknown message %q", name)
	}
	return ctor(), nil
}

var payloadConstructors = map[string]func() wire.Payload{
	"CallIdentityApplicationServiceRequest":                 func() wire.Payload { return &wire.CallIdentityApplicationServiceRequest{} },
	"IncomingCallNotificationResponse":                       func() wire.Payload { return &wire.IncomingCallNotificationResponse{} },
	"ApplicationServiceSendMessageRequest":                   func() wire.Payload { return &wire.ApplicationServiceSendMessageRequest{} },
	"ApplicationServiceReceiveMessageNotificationResponse":   func() wire.Payload { return &wire.ApplicationServiceReceiveMessageNotificationResponse{} },
	"StartNeighborhoodInitializationRequest":                 func() wire.Payload { return &wire.StartNeighborhoodInitializationRequest{} },
	"FinishNeighborhoodInitializationRequest":                func() wire.Payload { return &wire.FinishNeighborhoodInitializationRequest{} },
	"StopNeighborhoodUpdatesRequest":                         func() wire.Payload { return &wire.StopNeighborhoodUpdatesRequest{} },
	"NeighborhoodSharedProfileUpdateRequest":                 func() wire.Payload { return &wire.NeighborhoodSharedProfileUpdateRequest{} },
	"NeighborhoodSharedProfileUpdateResponse":                func() wire.Payload { return &wire.NeighborhoodSharedProfileUpdateResponse{} },
	"UpdateProfileRequest":                                   func() wire.Payload { return &wire.UpdateProfileRequest{} },
	"ProfileSearchRequest":                                   func() wire.Payload { return &wire.ProfileSearchRequest{} },
	"AddRelatedIdentityRequest":                              func() wire.Payload { return &wire.AddRelatedIdentityRequest{} },
	"GetRoleTableRequest":                                    func() wire.Payload { return &wire.GetRoleTableRequest{} },
	"GetRoleTableResponse":                                   func() wire.Payload { return &wire.GetRoleTableResponse{} },
}

func logOrStandard(log *logrus.Logger) *logrus.Logger {
	if log == nil {
		return logrus.StandardLogger()
	}
	return log
}
