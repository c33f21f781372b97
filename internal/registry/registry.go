// Package registry implements the client connection registry (spec.md
// §4.2): the connection-id / identity / checked-in indexes over live
// client connections and the relay index keyed by the three relay UUIDs.
// It follows the teacher's mutex-guarded-map idiom (core/network.go,
// core/peer_management.go) rather than anything libp2p-specific, since
// this registry indexes application-level connections, not P2P hosts.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/nimbusid/profileserver/identity"
)

// Conn is the minimal connection surface the registry indexes; the server
// package supplies the concrete implementation wrapping a net.Conn.
type Conn interface {
	// ConnID is the internal connection id assigned by AllocateConnectionID.
	ConnID() uint64
	// IdentityID is the identity this connection authenticated as, or the
	// zero ID before authentication completes.
	IdentityID() identity.ID
	// GracefulClose schedules the connection for a non-abrupt shutdown,
	// used when check_in displaces a previous session.
	GracefulClose()
}

// Registry holds the three connection indexes and the relay index
// described in spec.md §4.2. A single coarse mutex guards index mutation
// only; message dispatch on individual connections happens outside the
// lock.
type Registry struct {
	mu sync.Mutex

	nextConnID uint64

	byConnID    map[uint64]Conn
	byIdentity  map[identity.ID]map[uint64]Conn // multimap
	checkedIn   map[identity.ID]Conn

	relays map[RelayKey]*Relay

	log *logrus.Logger
}

// RelayKey is one of the three UUID keys a relay is registered under
// (CallerToken, CalleeToken, or Id).
type RelayKey string

// Relay is the subset of relay state the registry needs to index and
// test-and-set on destroy; the relay package's RelayConnection embeds this.
type Relay struct {
	CallerToken RelayKey
	CalleeToken RelayKey
	ID          RelayKey

	destroyed int32 // atomic; 0 = alive, 1 = destroyed
}

// TestAndSetDestroyed atomically marks r destroyed and reports whether it
// was not already destroyed (spec.md §4.2 destroy_relay semantics).
func (r *Relay) TestAndSetDestroyed() bool {
	return atomic.CompareAndSwapInt32(&r.destroyed, 0, 1)
}

// New returns an empty Registry. log defaults to logrus.StandardLogger()
// when nil, matching the teacher's constructor convention.
func New(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		byConnID:   make(map[uint64]Conn),
		byIdentity: make(map[identity.ID]map[uint64]Conn),
		checkedIn:  make(map[identity.ID]Conn),
		relays:     make(map[RelayKey]*Relay),
		log:        log,
	}
}

// AllocateConnectionID returns a monotonically increasing internal
// connection id (spec.md §4.2).
func (r *Registry) AllocateConnectionID() uint64 {
	return atomic.AddUint64(&r.nextConnID, 1)
}

// AddPeer inserts conn into the connection-id and identity indexes.
func (r *Registry) AddPeer(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConnID[conn.ConnID()] = conn
	id := conn.IdentityID()
	if id != (identity.ID{}) {
		set, ok := r.byIdentity[id]
		if !ok {
			set = make(map[uint64]Conn)
			r.byIdentity[id] = set
		}
		set[conn.ConnID()] = conn
	}
}

// RemovePeer removes conn from the connection-id, identity, and
// checked-in indexes.
func (r *Registry) RemovePeer(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConnID, conn.ConnID())
	id := conn.IdentityID()
	if set, ok := r.byIdentity[id]; ok {
		delete(set, conn.ConnID())
		if len(set) == 0 {
			delete(r.byIdentity, id)
		}
	}
	if cur, ok := r.checkedIn[id]; ok && cur.ConnID() == conn.ConnID() {
		delete(r.checkedIn, id)
	}
}

// CheckIn atomically installs conn as the authoritative session for its
// IdentityID. A previous checked-in session, if any, is scheduled for
// graceful close so the new check-in wins the race (spec.md §4.2).
func (r *Registry) CheckIn(conn Conn) {
	id := conn.IdentityID()
	r.mu.Lock()
	prev, had := r.checkedIn[id]
	r.checkedIn[id] = conn
	r.mu.Unlock()

	if had && prev.ConnID() != conn.ConnID() {
		r.log.WithField("identityId", id).Debug("check-in displaced previous session")
		prev.GracefulClose()
	}
}

// FindCheckedIn returns the connection currently authoritative for id, if
// any.
func (r *Registry) FindCheckedIn(id identity.ID) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.checkedIn[id]
	return conn, ok
}

// CreateRelay registers a new relay under all three of its keys.
func (r *Registry) CreateRelay(rel *Relay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relays[rel.CallerToken] = rel
	r.relays[rel.CalleeToken] = rel
	r.relays[rel.ID] = rel
}

// FindRelay looks up a relay by any of its three keys.
func (r *Registry) FindRelay(key RelayKey) (*Relay, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rel, ok := r.relays[key]
	return rel, ok
}

// DestroyRelay idempotently destroys rel: the first caller to observe
// TestAndSetDestroyed()==true removes the index entries; subsequent
// callers (disconnect and timeout paths racing each other) are no-ops
// (spec.md §4.2, §8 "destroy_relay(r) called k >= 1 times has the same
// external effect as once").
func (r *Registry) DestroyRelay(rel *Relay) {
	if !rel.TestAndSetDestroyed() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.relays, rel.CallerToken)
	delete(r.relays, rel.CalleeToken)
	delete(r.relays, rel.ID)
}
