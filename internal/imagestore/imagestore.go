// Package imagestore implements the out-of-band, reference-counted
// profile/thumbnail image blob store (spec.md §3 "actual image bytes
// stored out-of-band, reference-counted", §4.6 "a reference-counted store
// removes blobs whose refcount drops to zero"). It is built on the same
// Backend abstraction as the internal/store package, grounded on the
// teacher's core/identity_verification.go key-namespacing idiom.
package imagestore

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/store"
)

const (
	nsBlob  = "image-blob:"
	nsCount = "image-refcount:"
)

// Store is the reference-counted image blob store.
type Store struct {
	backend store.Backend
	mu      sync.Mutex
}

// New constructs an imagestore.Store over backend.
func New(backend store.Backend) *Store {
	return &Store{backend: backend}
}

// Put stores data (if not already present) under its SHA-256 hash and
// increments the hash's reference count. Returns the hash, which the
// caller records as the owning record's ProfileImageHash or
// ThumbnailImageHash.
func (s *Store) Put(data []byte) (identity.ID, error) {
	h := identity.ID(sha256.Sum256(data))
	s.mu.Lock()
	defer s.mu.Unlock()

	blobKey := key(nsBlob, h)
	existing, err := s.backend.GetState(blobKey)
	if err != nil {
		return h, err
	}
	if existing == nil {
		if err := s.backend.SetState(blobKey, data); err != nil {
			return h, err
		}
	}
	return h, s.incrRefCount(h, 1)
}

// Get returns the blob bytes for hash, or nil if the hash is unknown.
func (s *Store) Get(hash identity.ID) ([]byte, error) {
	return s.backend.GetState(key(nsBlob, hash))
}

// Release decrements hash's reference count and deletes the blob once the
// count reaches zero (spec.md §4.6).
func (s *Store) Release(hash identity.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrRefCount(hash, -1)
}

// AddRef increments hash's reference count without storing new bytes,
// used when a second record starts referencing an already-known blob
// (e.g. an unchanged image carried across a ChangeProfile update).
func (s *Store) AddRef(hash identity.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrRefCount(hash, 1)
}

func (s *Store) incrRefCount(hash identity.ID, delta int) error {
	countKey := key(nsCount, hash)
	raw, err := s.backend.GetState(countKey)
	if err != nil {
		return err
	}
	var count int64
	if len(raw) == 8 {
		count = int64(binary.BigEndian.Uint64(raw))
	}
	count += int64(delta)
	if count <= 0 {
		if err := s.backend.DeleteState(countKey); err != nil {
			return err
		}
		return s.backend.DeleteState(key(nsBlob, hash))
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return s.backend.SetState(countKey, buf)
}

// RefCount reports hash's current reference count, for diagnostics.
func (s *Store) RefCount(hash identity.ID) (int64, error) {
	raw, err := s.backend.GetState(key(nsCount, hash))
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func key(ns string, hash identity.ID) []byte {
	return []byte(fmt.Sprintf("%s%x", ns, hash[:]))
}
