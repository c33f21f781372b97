// Package gossip implements the outbound client to the location-service
// gossip peer (spec.md §6 "Outbound to location-gossip peer"): a
// reconnecting TCP connection whose ReceiveMessageLoop dispatches
// RegisterService, DeregisterService, GetNeighbourNodesByDistance and
// NeighbourhoodChangedNotification request/response pairs, with a 10 s
// backoff reconnect loop and a separately timed refresh. Grounded on the
// teacher's core/network.go DialSeed/reconnect idiom and
// core/replication.go's closing-channel service loop, reworked around a
// single outbound peer rather than a libp2p host.
package gossip

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimbusid/profileserver/identity"
)

// ReconnectBackoff is the fixed delay between reconnect attempts
// (spec.md §6).
const ReconnectBackoff = 10 * time.Second

// Conn is the transport the client drives; the server package supplies a
// concrete TCP + wire.Envelope implementation.
type Conn interface {
	// ReceiveMessageLoop blocks dispatching inbound gossip messages to
	// handler until ctx is cancelled or the connection fails.
	ReceiveMessageLoop(ctx context.Context, handler Handler) error
	// RegisterService announces this server's presence to the gossip
	// peer.
	RegisterService(ctx context.Context, serverID identity.ID, primaryPort, neighborPort int, loc identity.Location) error
	// DeregisterService withdraws this server's presence.
	DeregisterService(ctx context.Context, serverID identity.ID) error
	// GetNeighbourNodesByDistance requests the current neighborhood
	// membership around loc.
	GetNeighbourNodesByDistance(ctx context.Context, loc identity.Location, maxCount int) ([]identity.Neighbor, error)
	Close() error
}

// Handler processes an unsolicited NeighbourhoodChangedNotification.
type Handler func(added, removed []identity.Neighbor)

// Dialer opens a fresh Conn to the gossip peer.
type Dialer func(ctx context.Context) (Conn, error)

// RefreshInterval is the cadence of the separate membership-refresh timer
// (spec.md §6 "refresh is triggered by a separate timer").
const RefreshInterval = 5 * time.Minute

// Client owns the reconnect loop and refresh timer for the gossip peer
// connection.
type Client struct {
	dial     Dialer
	handler  Handler
	onRefresh func(ctx context.Context, conn Conn)
	log      *logrus.Logger

	mu      sync.Mutex
	conn    Conn
	closing chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Client. log defaults to logrus.StandardLogger() when
// nil, matching the teacher's constructor convention.
func New(dial Dialer, handler Handler, onRefresh func(ctx context.Context, conn Conn), log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		dial:      dial,
		handler:   handler,
		onRefresh: onRefresh,
		log:       log,
		closing:   make(chan struct{}),
	}
}

// Start launches the reconnect loop and refresh timer.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.reconnectLoop(ctx)
	go c.refreshLoop(ctx)
}

// Stop signals shutdown and waits for both loops to exit.
func (c *Client) Stop() {
	close(c.closing)
	c.wg.Wait()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) reconnectLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.closing:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.WithError(err).Warn("gossip: dial failed, backing off")
			if !c.sleep(ctx, ReconnectBackoff) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		// Announce presence immediately on every fresh connection rather
		// than waiting for the next refresh tick, which could be up to
		// RefreshInterval away; the periodic ticker then keeps membership
		// current for the lifetime of this connection.
		if c.onRefresh != nil {
			c.onRefresh(ctx, conn)
		}

		err = conn.ReceiveMessageLoop(ctx, c.handler)
		if err != nil {
			c.log.WithError(err).Warn("gossip: connection lost, reconnecting")
		}
		_ = conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if !c.sleep(ctx, ReconnectBackoff) {
			return
		}
	}
}

func (c *Client) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil && c.onRefresh != nil {
				c.onRefresh(ctx, conn)
			}
		}
	}
}

// sleep waits d or returns false early if shutdown/context-cancel fires.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.closing:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
