package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/nimbusid/profileserver/internal/replication"
	"github.com/nimbusid/profileserver/wire"
)

// dialTimeout bounds how long Dial waits to establish the TCP
// connection to a neighbor-interface port before giving up (spec.md §4.5
// treats a dead/unreachable peer as a soft failure the scheduler retries).
const dialTimeout = 10 * time.Second

// Dialer implements replication.Dialer by opening a plain TCP connection to
// a peer's neighbor-interface port, grounded on the teacher's DialSeed
// pattern (core/network.go) reworked around wire.Envelope framing instead
// of a libp2p stream.
type Dialer struct {
	nextEnvelope uint32
}

// NewDialer constructs a Dialer.
func NewDialer() *Dialer { return &Dialer{} }

func (d *Dialer) allocEnvelopeID() uint32 { return atomic.AddUint32(&d.nextEnvelope, 1) }

// Dial opens a TCP connection to ep's neighbor-interface port and wraps it
// as a replication.Conversation.
func (d *Dialer) Dial(ctx context.Context, ep replication.Endpoint) (replication.Conversation, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	addr := fmt.Sprintf("%s:%d", ep.IPAddress, ep.SrNeighborPort)
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: dial neighbor %s: %w", addr, err)
	}
	return &conversation{nc: nc, reader: bufio.NewReader(nc), dialer: d}, nil
}

var _ replication.Dialer = (*Dialer)(nil)

// conversation is one outbound neighbor-interface TCP connection, reused
// across the request/response pairs a single replication action issues
// (e.g. the repeated NeighborhoodSharedProfileUpdateRequest polls of
// AddNeighbor's import loop).
type conversation struct {
	nc     net.Conn
	reader *bufio.Reader
	dialer *Dialer
}

// Send writes req as a KindRequest envelope and blocks for the matching
// response envelope. The neighbor-interface protocol is strictly
// request/response on one connection, so no envelope-id demultiplexing is
// needed here the way the primary/app-service ports need it.
func (c *conversation) Send(ctx context.Context, req wire.Payload) (wire.Payload, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(deadline)
	}
	envID := c.dialer.allocEnvelopeID()
	if err := wire.WriteEnvelope(c.nc, &wire.Envelope{ID: envID, Kind: wire.KindRequest, Payload: req}); err != nil {
		return nil, err
	}
	env, err := wire.ReadEnvelope(c.reader, newPayload)
	if err != nil {
		return nil, err
	}
	return env.Payload, nil
}

func (c *conversation) Close() error { return c.nc.Close() }

var _ replication.Conversation = (*conversation)(nil)
