// Package store implements the persistent state layout (spec.md §4.5,
// §4.6 "Persistent state layout (abstract)"): HostedIdentity,
// NeighborIdentity, Neighbor, Follower, and NeighborhoodAction tables, each
// namespaced over a shared key/value backend. The namespacing and
// PrefixIterator-based listing follow the teacher's
// core/identity_verification.go IdentityService exactly; the backend
// itself is github.com/dgraph-io/badger/v4, the same embedded store
// already present in the example pack's dependency graph.
package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nimbusid/profileserver/identity"
)

// Backend is the minimal key/value contract every table is built on,
// named identically to the teacher's stateBackend interface.
type Backend interface {
	GetState(key []byte) ([]byte, error)
	SetState(key, val []byte) error
	DeleteState(key []byte) error
	PrefixIterator(prefix []byte) Iterator
}

// Iterator walks all keys under a prefix.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
}

// ErrNotFound is returned by table Get methods when the key is absent.
var ErrNotFound = fmt.Errorf("store: not found")

// Store bundles every table behind the five locks the concurrency model
// calls for: one per table, held only for the duration of row
// reads/writes (spec.md §5 "Shared resources and their disciplines").
type Store struct {
	backend Backend

	hostedMu   sync.RWMutex
	neighborIDMu sync.RWMutex
	neighborMu sync.RWMutex
	followerMu sync.RWMutex
	actionMu   sync.Mutex
}

var (
	once     sync.Once
	instance *Store
)

// Init initializes the singleton Store over backend, matching the
// teacher's InitIdentityService/Identity() singleton convention.
func Init(backend Backend) {
	once.Do(func() {
		instance = &Store{backend: backend}
	})
}

// Get returns the global Store instance.
func Get() *Store { return instance }

// New constructs a standalone Store (used by tests and by any component
// that should not share the process-wide singleton).
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

const (
	nsHostedIdentity   = "hosted:"
	nsNeighborIdentity = "neighboridentity:"
	nsNeighbor         = "neighbor:"
	nsFollower         = "follower:"
	nsAction           = "action:"
	nsActionSeq        = "action-seq"
)

func key(ns string, id []byte) []byte {
	b := make([]byte, 0, len(ns)+len(id))
	b = append(b, ns...)
	b = append(b, id...)
	return b
}

// --- HostedIdentity table ---

func (s *Store) GetHostedIdentity(id identity.ID) (*identity.Profile, error) {
	s.hostedMu.RLock()
	defer s.hostedMu.RUnlock()
	return s.getProfile(nsHostedIdentity, id)
}

func (s *Store) PutHostedIdentity(p *identity.Profile) error {
	s.hostedMu.Lock()
	defer s.hostedMu.Unlock()
	return s.putProfile(nsHostedIdentity, p)
}

func (s *Store) DeleteHostedIdentity(id identity.ID) error {
	s.hostedMu.Lock()
	defer s.hostedMu.Unlock()
	return s.backend.DeleteState(key(nsHostedIdentity, id[:]))
}

func (s *Store) ListHostedIdentities() ([]*identity.Profile, error) {
	s.hostedMu.RLock()
	defer s.hostedMu.RUnlock()
	return s.listProfiles(nsHostedIdentity)
}

func (s *Store) CountHostedIdentities() (int, error) {
	profiles, err := s.ListHostedIdentities()
	if err != nil {
		return 0, err
	}
	return len(profiles), nil
}

// --- NeighborIdentity table ---

func (s *Store) GetNeighborIdentity(id identity.ID) (*identity.NeighborIdentity, error) {
	s.neighborIDMu.RLock()
	defer s.neighborIDMu.RUnlock()
	raw, err := s.backend.GetState(key(nsNeighborIdentity, id[:]))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var ni identity.NeighborIdentity
	if err := json.Unmarshal(raw, &ni); err != nil {
		return nil, err
	}
	return &ni, nil
}

func (s *Store) PutNeighborIdentity(ni *identity.NeighborIdentity) error {
	s.neighborIDMu.Lock()
	defer s.neighborIDMu.Unlock()
	raw, err := json.Marshal(ni)
	if err != nil {
		return err
	}
	return s.backend.SetState(key(nsNeighborIdentity, ni.IdentityID[:]), raw)
}

func (s *Store) DeleteNeighborIdentity(id identity.ID) error {
	s.neighborIDMu.Lock()
	defer s.neighborIDMu.Unlock()
	return s.backend.DeleteState(key(nsNeighborIdentity, id[:]))
}

// DeleteNeighborIdentitiesByHost removes every NeighborIdentity whose
// HostingServerID equals host (spec.md §4.5 RemoveNeighbor cascade).
func (s *Store) DeleteNeighborIdentitiesByHost(host identity.ID) error {
	s.neighborIDMu.Lock()
	defer s.neighborIDMu.Unlock()
	it := s.backend.PrefixIterator([]byte(nsNeighborIdentity))
	var toDelete [][]byte
	for it.Next() {
		var ni identity.NeighborIdentity
		if err := json.Unmarshal(it.Value(), &ni); err != nil {
			continue
		}
		if ni.HostingServerID == host {
			toDelete = append(toDelete, append([]byte(nil), it.Key()...))
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	for _, k := range toDelete {
		if err := s.backend.DeleteState(k); err != nil {
			return err
		}
	}
	return nil
}

// ListNeighborIdentitiesAll returns every cached NeighborIdentity across
// all hosting neighbors, used by profile search to span the neighborhood
// (spec.md §1 "searches transparently span nearby servers").
func (s *Store) ListNeighborIdentitiesAll() ([]*identity.NeighborIdentity, error) {
	s.neighborIDMu.RLock()
	defer s.neighborIDMu.RUnlock()
	it := s.backend.PrefixIterator([]byte(nsNeighborIdentity))
	var out []*identity.NeighborIdentity
	for it.Next() {
		var ni identity.NeighborIdentity
		if err := json.Unmarshal(it.Value(), &ni); err != nil {
			continue
		}
		out = append(out, &ni)
	}
	return out, it.Error()
}

// --- Neighbor table ---

func (s *Store) GetNeighbor(serverID identity.ID) (*identity.Neighbor, error) {
	s.neighborMu.RLock()
	defer s.neighborMu.RUnlock()
	raw, err := s.backend.GetState(key(nsNeighbor, serverID[:]))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var n identity.Neighbor
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) PutNeighbor(n *identity.Neighbor) error {
	s.neighborMu.Lock()
	defer s.neighborMu.Unlock()
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.backend.SetState(key(nsNeighbor, n.ServerID[:]), raw)
}

func (s *Store) DeleteNeighbor(serverID identity.ID) error {
	s.neighborMu.Lock()
	defer s.neighborMu.Unlock()
	return s.backend.DeleteState(key(nsNeighbor, serverID[:]))
}

func (s *Store) ListNeighbors() ([]*identity.Neighbor, error) {
	s.neighborMu.RLock()
	defer s.neighborMu.RUnlock()
	it := s.backend.PrefixIterator([]byte(nsNeighbor))
	var out []*identity.Neighbor
	for it.Next() {
		var n identity.Neighbor
		if err := json.Unmarshal(it.Value(), &n); err != nil {
			continue
		}
		out = append(out, &n)
	}
	return out, it.Error()
}

// --- Follower table ---

func (s *Store) GetFollower(serverID identity.ID) (*identity.Follower, error) {
	s.followerMu.RLock()
	defer s.followerMu.RUnlock()
	raw, err := s.backend.GetState(key(nsFollower, serverID[:]))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var f identity.Follower
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) PutFollower(f *identity.Follower) error {
	s.followerMu.Lock()
	defer s.followerMu.Unlock()
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.backend.SetState(key(nsFollower, f.ServerID[:]), raw)
}

func (s *Store) DeleteFollower(serverID identity.ID) error {
	s.followerMu.Lock()
	defer s.followerMu.Unlock()
	return s.backend.DeleteState(key(nsFollower, serverID[:]))
}

func (s *Store) ListFollowers() ([]*identity.Follower, error) {
	s.followerMu.RLock()
	defer s.followerMu.RUnlock()
	it := s.backend.PrefixIterator([]byte(nsFollower))
	var out []*identity.Follower
	for it.Next() {
		var f identity.Follower
		if err := json.Unmarshal(it.Value(), &f); err != nil {
			continue
		}
		out = append(out, &f)
	}
	return out, it.Error()
}

// --- NeighborhoodAction table ---

// NextActionID returns a fresh monotonically increasing action id
// (spec.md §3 "Id (monotonic)").
func (s *Store) NextActionID() (int64, error) {
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	raw, err := s.backend.GetState([]byte(nsActionSeq))
	if err != nil {
		return 0, err
	}
	var next int64 = 1
	if raw != nil {
		var cur int64
		if err := json.Unmarshal(raw, &cur); err == nil {
			next = cur + 1
		}
	}
	buf, err := json.Marshal(next)
	if err != nil {
		return 0, err
	}
	if err := s.backend.SetState([]byte(nsActionSeq), buf); err != nil {
		return 0, err
	}
	return next, nil
}

func actionKey(id int64) []byte {
	return key(nsAction, []byte(fmt.Sprintf("%020d", id)))
}

// PutAction inserts or updates a NeighborhoodAction row.
func (s *Store) PutAction(a *identity.NeighborhoodAction) error {
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.backend.SetState(actionKey(a.ID), raw)
}

// DeleteAction removes a NeighborhoodAction row.
func (s *Store) DeleteAction(id int64) error {
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	return s.backend.DeleteState(actionKey(id))
}

// ListActionsAscending returns every queued action ordered by ascending Id,
// the order the scheduler's table scan requires (spec.md §4.4).
func (s *Store) ListActionsAscending() ([]*identity.NeighborhoodAction, error) {
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	it := s.backend.PrefixIterator([]byte(nsAction))
	var out []*identity.NeighborhoodAction
	for it.Next() {
		var a identity.NeighborhoodAction
		if err := json.Unmarshal(it.Value(), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sortActionsByID(out)
	return out, nil
}

// DeleteActionsForServer removes every queued action targeting serverID
// (spec.md §4.5 RemoveNeighbor cascade).
func (s *Store) DeleteActionsForServer(serverID identity.ID) error {
	actions, err := s.ListActionsAscending()
	if err != nil {
		return err
	}
	for _, a := range actions {
		if a.ServerID == serverID {
			if err := s.DeleteAction(a.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortActionsByID(actions []*identity.NeighborhoodAction) {
	for i := 1; i < len(actions); i++ {
		for j := i; j > 0 && actions[j].ID < actions[j-1].ID; j-- {
			actions[j], actions[j-1] = actions[j-1], actions[j]
		}
	}
}

func (s *Store) getProfile(ns string, id identity.ID) (*identity.Profile, error) {
	raw, err := s.backend.GetState(key(ns, id[:]))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var p identity.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) putProfile(ns string, p *identity.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.backend.SetState(key(ns, p.IdentityID[:]), raw)
}

func (s *Store) listProfiles(ns string) ([]*identity.Profile, error) {
	it := s.backend.PrefixIterator([]byte(ns))
	var out []*identity.Profile
	for it.Next() {
		var p identity.Profile
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			continue
		}
		out = append(out, &p)
	}
	return out, it.Error()
}

// touchRefresh sets *t to the current time and returns t.
func touchRefresh(t *time.Time) *time.Time {
	now := time.Now()
	*t = now
	return t
}
