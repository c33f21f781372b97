// Package identity defines the data model shared by the validator, the
// client registry, and the replication worker: hosted and neighbor-shared
// identities, relationship cards, neighbors/followers, and neighborhood
// actions (spec.md §3).
package identity

import (
	"crypto/sha256"
	"math"
	"time"
)

// Size limits enforced by the validator (spec.md §3, §4.1).
const (
	MaxPublicKeyBytes = 128
	MaxNameBytes      = 64
	MaxTypeBytes      = 64
	MaxExtraDataBytes = 512
	HashLength        = 32
	NetworkIDLength   = 32
	CardIDLength      = 32
	MaxHostedIdentities = 100000
)

// InternalInvalidProfileType is the sentinel Type value a follower may hold
// for a profile that the origin could not deliver correctly. It may be
// replaced exactly once and does not require a signature (spec.md §4.1 item 8).
const InternalInvalidProfileType = "InternalInvalidProfileType"

// ID is a 32-byte network identifier: an IdentityId (SHA-256 of a public
// key) or a ServerId, depending on context.
type ID [32]byte

// IDFromPublicKey computes the IdentityId of a public key: IdentityId ==
// SHA-256(PublicKey) (spec.md §3 invariant).
func IDFromPublicKey(pub []byte) ID {
	return ID(sha256.Sum256(pub))
}

// Version is the semantic triple carried on every signed record. Only
// {1,0,0} is accepted for new data (spec.md §3).
type Version struct {
	Major, Minor, Patch uint16
}

// V1 is the only version accepted for new profiles and relationship cards.
var V1 = Version{Major: 1, Minor: 0, Patch: 0}

// Location is a signed fixed-point latitude/longitude pair. NoLocation is
// the reserved sentinel meaning "no location set" (spec.md §4.1 item 5).
type Location struct {
	Latitude  int32
	Longitude int32
}

// NoLocation is the reserved sentinel fixed-point value meaning the profile
// carries no location. Both fields use the maximum representable int32,
// a pair no valid latitude/longitude encoding can ever produce.
var NoLocation = Location{Latitude: math.MaxInt32, Longitude: math.MaxInt32}

// Profile is an identity's hosted or neighbor-shared profile record.
type Profile struct {
	IdentityID         ID
	PublicKey          []byte
	Version            Version
	Name               string
	Type               string
	Location           Location
	ExtraData          string
	ProfileImageHash   []byte
	ThumbnailImageHash []byte
	Signature          []byte

	// Initialized is true once a first successful update has been applied
	// (spec.md §3 invariant); it is local bookkeeping, never signed over.
	Initialized bool
	// NoPropagation mirrors the wire field of the same name. It may only be
	// set true on updates after the first (see SPEC_FULL.md's resolution of
	// the §9 open question).
	NoPropagation bool
}

// CanonicalFields returns the byte-encoding of every field covered by the
// profile signature (version, publicKey, type, name, location, extraData,
// profileImageHash, thumbnailImageHash), in wire field order. It is pure and
// deterministic so re-signing and verification agree byte for byte.
func (p *Profile) CanonicalFields() []byte {
	buf := make([]byte, 0, 6+len(p.PublicKey)+len(p.Type)+len(p.Name)+8+len(p.ExtraData)+len(p.ProfileImageHash)+len(p.ThumbnailImageHash))
	buf = append(buf, byte(p.Version.Major), byte(p.Version.Major>>8))
	buf = append(buf, byte(p.Version.Minor), byte(p.Version.Minor>>8))
	buf = append(buf, byte(p.Version.Patch), byte(p.Version.Patch>>8))
	buf = append(buf, p.PublicKey...)
	buf = append(buf, []byte(p.Type)...)
	buf = append(buf, []byte(p.Name)...)
	buf = appendInt32(buf, p.Location.Latitude)
	buf = appendInt32(buf, p.Location.Longitude)
	buf = append(buf, []byte(p.ExtraData)...)
	buf = append(buf, p.ProfileImageHash...)
	buf = append(buf, p.ThumbnailImageHash...)
	return buf
}

func appendInt32(buf []byte, v int32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// Neighbor is a remote profile server we import and keep shared copies of
// its hosted profiles from (spec.md §3, GLOSSARY).
type Neighbor struct {
	ServerID            ID
	IPAddress           string
	PrimaryPort         int
	SrNeighborPort      *int
	Location            Location
	LastRefreshTime     *time.Time
	SharedProfilesCount int
}

// Follower is a remote profile server that imports our hosted profiles; the
// inverse relation of Neighbor (spec.md §3, GLOSSARY).
type Follower struct {
	ServerID            ID
	IPAddress           string
	PrimaryPort         int
	SrNeighborPort      *int
	Location            Location
	LastRefreshTime     *time.Time
	SharedProfilesCount int
}

// NeighborIdentity is a profile imported from a Neighbor and cached locally
// so searches can span it.
type NeighborIdentity struct {
	Profile
	HostingServerID ID
}
