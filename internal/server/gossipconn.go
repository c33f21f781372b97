package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/gossip"
	"github.com/nimbusid/profileserver/wire"
)

// gossipPayloadConstructors is the dispatch table for the location-gossip
// peer protocol (spec.md §6 "Outbound to location-gossip peer"), kept
// separate from payloadConstructors since the gossip peer and the
// primary/app-service/neighbor-interface ports never share a connection.
var gossipPayloadConstructors = map[string]func() wire.Payload{
	"RegisterServiceRequest":                   func() wire.Payload { return &wire.RegisterServiceRequest{} },
	"RegisterServiceResponse":                  func() wire.Payload { return &wire.RegisterServiceResponse{} },
	"DeregisterServiceRequest":                 func() wire.Payload { return &wire.DeregisterServiceRequest{} },
	"DeregisterServiceResponse":                func() wire.Payload { return &wire.DeregisterServiceResponse{} },
	"GetNeighbourNodesByDistanceRequest":        func() wire.Payload { return &wire.GetNeighbourNodesByDistanceRequest{} },
	"GetNeighbourNodesByDistanceResponse":       func() wire.Payload { return &wire.GetNeighbourNodesByDistanceResponse{} },
	"NeighbourhoodChangedNotificationRequest":   func() wire.Payload { return &wire.NeighbourhoodChangedNotificationRequest{} },
	"NeighbourhoodChangedNotificationResponse":  func() wire.Payload { return &wire.NeighbourhoodChangedNotificationResponse{} },
}

func newGossipPayload(name string) (wire.Payload, error) {
	ctor, ok := gossipPayloadConstructors[name]
	if !ok {
		return nil, fmt.Errorf("gossip: unknown message %q", name)
	}
	return ctor(), nil
}

// gossipConn implements gossip.Conn over a TCP connection framed with
// wire.Envelope, grounded on the teacher's core/network.go connection
// handling. Unlike the primary/app-service ports, this single connection
// carries both our outbound requests (RegisterService, DeregisterService,
// GetNeighbourNodesByDistance) and the peer's unsolicited
// NeighbourhoodChangedNotificationRequest pushes, so ReceiveMessageLoop
// demultiplexes by envelope id: a response completes a pending send, a
// request gets dispatched to handler and acknowledged.
type gossipConn struct {
	nc     net.Conn
	reader *bufio.Reader
	writeMu sync.Mutex

	nextID uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan *wire.Envelope
}

func newGossipConn(nc net.Conn) *gossipConn {
	return &gossipConn{nc: nc, reader: bufio.NewReader(nc), pending: make(map[uint32]chan *wire.Envelope)}
}

// DialGossip returns a gossip.Dialer that connects to addr over TCP.
func DialGossip(addr string) gossip.Dialer {
	return func(ctx context.Context) (gossip.Conn, error) {
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("gossip: dial %s: %w", addr, err)
		}
		return newGossipConn(nc), nil
	}
}

func (c *gossipConn) allocID() uint32 { return atomic.AddUint32(&c.nextID, 1) }

func (c *gossipConn) write(env *wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteEnvelope(c.nc, env)
}

// send writes req and blocks until ReceiveMessageLoop delivers the
// matching response envelope or ctx is cancelled.
func (c *gossipConn) send(ctx context.Context, req wire.Payload) (*wire.Envelope, error) {
	id := c.allocID()
	ch := make(chan *wire.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(&wire.Envelope{ID: id, Kind: wire.KindRequest, Payload: req}); err != nil {
		return nil, err
	}

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceiveMessageLoop is the connection's single reader: it must be the only
// goroutine calling wire.ReadEnvelope on this connection, since send's
// pending map is how concurrent outbound requests get their replies
// demultiplexed from unsolicited peer requests on the same stream.
func (c *gossipConn) ReceiveMessageLoop(ctx context.Context, handler gossip.Handler) error {
	for {
		env, err := wire.ReadEnvelope(c.reader, newGossipPayload)
		if err != nil {
			return err
		}

		if env.Kind == wire.KindResponse {
			c.pendingMu.Lock()
			ch, ok := c.pending[env.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		notif, ok := env.Payload.(*wire.NeighbourhoodChangedNotificationRequest)
		if !ok {
			continue
		}
		if handler != nil {
			handler(neighbourRecordsToNeighbors(notif.Added), removedIDsToNeighbors(notif.Removed))
		}
		_ = c.write(&wire.Envelope{ID: env.ID, Kind: wire.KindResponse, Payload: &wire.NeighbourhoodChangedNotificationResponse{Status: wire.OkStatus}})
	}
}

func (c *gossipConn) RegisterService(ctx context.Context, serverID identity.ID, primaryPort, neighborPort int, loc identity.Location) error {
	env, err := c.send(ctx, &wire.RegisterServiceRequest{
		ServerID:     serverID[:],
		PrimaryPort:  primaryPort,
		NeighborPort: neighborPort,
		Latitude:     loc.Latitude,
		Longitude:    loc.Longitude,
	})
	if err != nil {
		return err
	}
	resp, ok := env.Payload.(*wire.RegisterServiceResponse)
	if !ok {
		return fmt.Errorf("gossip: unexpected response to RegisterService: %s", env.Payload.Name())
	}
	if resp.Status.Code != wire.Ok {
		return fmt.Errorf("gossip: RegisterService rejected: %v", resp.Status)
	}
	return nil
}

func (c *gossipConn) DeregisterService(ctx context.Context, serverID identity.ID) error {
	env, err := c.send(ctx, &wire.DeregisterServiceRequest{ServerID: serverID[:]})
	if err != nil {
		return err
	}
	resp, ok := env.Payload.(*wire.DeregisterServiceResponse)
	if !ok {
		return fmt.Errorf("gossip: unexpected response to DeregisterService: %s", env.Payload.Name())
	}
	if resp.Status.Code != wire.Ok {
		return fmt.Errorf("gossip: DeregisterService rejected: %v", resp.Status)
	}
	return nil
}

func (c *gossipConn) GetNeighbourNodesByDistance(ctx context.Context, loc identity.Location, maxCount int) ([]identity.Neighbor, error) {
	env, err := c.send(ctx, &wire.GetNeighbourNodesByDistanceRequest{Latitude: loc.Latitude, Longitude: loc.Longitude, MaxCount: maxCount})
	if err != nil {
		return nil, err
	}
	resp, ok := env.Payload.(*wire.GetNeighbourNodesByDistanceResponse)
	if !ok {
		return nil, fmt.Errorf("gossip: unexpected response to GetNeighbourNodesByDistance: %s", env.Payload.Name())
	}
	if resp.Status.Code != wire.Ok {
		return nil, fmt.Errorf("gossip: GetNeighbourNodesByDistance rejected: %v", resp.Status)
	}
	return neighbourRecordsToNeighbors(resp.Neighbours), nil
}

func (c *gossipConn) Close() error { return c.nc.Close() }

var _ gossip.Conn = (*gossipConn)(nil)

func neighbourRecordsToNeighbors(records []wire.NeighbourRecord) []identity.Neighbor {
	out := make([]identity.Neighbor, 0, len(records))
	for _, r := range records {
		var id identity.ID
		copy(id[:], r.ServerID)
		n := identity.Neighbor{
			ServerID:    id,
			IPAddress:   r.IPAddress,
			PrimaryPort: r.PrimaryPort,
			Location:    identity.Location{Latitude: r.Latitude, Longitude: r.Longitude},
		}
		if r.SrNeighborPort != 0 {
			port := r.SrNeighborPort
			n.SrNeighborPort = &port
		}
		out = append(out, n)
	}
	return out
}

func removedIDsToNeighbors(ids [][]byte) []identity.Neighbor {
	out := make([]identity.Neighbor, 0, len(ids))
	for _, raw := range ids {
		var id identity.ID
		copy(id[:], raw)
		out = append(out, identity.Neighbor{ServerID: id})
	}
	return out
}
