// Package validator implements the pure, synchronous record checks shared
// by every inbound path: profile records, profile updates, shared-profile
// batches, search requests, and relationship cards (spec.md §4.1). It
// performs no I/O and holds no state; every check is ordered so size and
// format checks precede cryptographic ones, and the first failure wins.
package validator

import (
	"crypto/ed25519"
	"fmt"
	"regexp"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/geo"
	"github.com/nimbusid/profileserver/wire"
)

// ProfileContext carries the inputs a profile check needs beyond the
// record itself (spec.md §4.1: "the caller's public key where relevant").
type ProfileContext struct {
	// CallerPublicKey, if non-nil, must equal the profile's PublicKey.
	CallerPublicKey []byte
}

// Profile runs the eight-step profile validation contract against p and
// returns the first violation, or wire.OkStatus (spec.md §4.1).
func Profile(p *identity.Profile, ctx ProfileContext) wire.Status {
	if p.Version != identity.V1 {
		return wire.Invalid("version")
	}
	if len(p.PublicKey) == 0 || len(p.PublicKey) > identity.MaxPublicKeyBytes {
		return wire.Invalid("publicKey")
	}
	if ctx.CallerPublicKey != nil && !bytesEqual(ctx.CallerPublicKey, p.PublicKey) {
		return wire.Invalid("publicKey")
	}
	if p.Type == "" || utf8ByteLen(p.Type) > identity.MaxTypeBytes {
		return wire.Invalid("type")
	}
	if p.Name == "" || utf8ByteLen(p.Name) > identity.MaxNameBytes {
		return wire.Invalid("name")
	}
	if !geo.Valid(p.Location) {
		return wire.Invalid("location")
	}
	if utf8ByteLen(p.ExtraData) > identity.MaxExtraDataBytes {
		return wire.Invalid("extraData")
	}
	if !validHashLen(p.ProfileImageHash) {
		return wire.Invalid("profileImageHash")
	}
	if !validHashLen(p.ThumbnailImageHash) {
		return wire.Invalid("thumbnailImageHash")
	}
	if p.Type == identity.InternalInvalidProfileType {
		return wire.OkStatus
	}
	if !ed25519.Verify(ed25519.PublicKey(p.PublicKey), p.CanonicalFields(), p.Signature) {
		return wire.InvalidSignature("signature")
	}
	return wire.OkStatus
}

func validHashLen(h []byte) bool {
	return len(h) == 0 || len(h) == identity.HashLength
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func utf8ByteLen(s string) int {
	return len(s) // Go strings are already UTF-8 bytes; len counts bytes, not runes.
}

// UpdateProfileContext carries the extra state an UpdateProfileRequest check
// needs: whether the target identity has already been initialized, its
// currently stored Type, and the set-flags the request actually carries.
type UpdateProfileContext struct {
	AlreadyInitialized bool
	StoredType         string
	SetVersion         bool
	SetName            bool
	SetType            bool
	SetLocation        bool
	SetExtraData       bool
	SetProfileImage    bool
	SetThumbnailImage  bool
	NoPropagation      bool

	NewType              string
	ProfileImageBytes    []byte
	ThumbnailImageBytes  []byte
	ProfileImageMaxBytes int
	ThumbnailImageMaxBytes int
}

// UpdateProfile applies the update-profile additional rules only; the
// caller runs the base field checks (Profile) against the merged record
// separately (spec.md §4.1 "Update-profile additional rules").
func UpdateProfile(ctx UpdateProfileContext) wire.Status {
	if !ctx.AlreadyInitialized {
		if !ctx.SetVersion || !ctx.SetName || !ctx.SetLocation {
			return wire.Invalid("setName")
		}
		if ctx.NoPropagation {
			return wire.Invalid("noPropagation")
		}
	}
	if ctx.SetType && ctx.StoredType != identity.InternalInvalidProfileType {
		return wire.Invalid("setType")
	}
	if ctx.SetProfileImage && len(ctx.ProfileImageBytes) > ctx.ProfileImageMaxBytes {
		return wire.Invalid("profileImageBytes")
	}
	if ctx.SetThumbnailImage && len(ctx.ThumbnailImageBytes) > ctx.ThumbnailImageMaxBytes {
		return wire.Invalid("thumbnailImageBytes")
	}
	return wire.OkStatus
}

// BatchContext tracks running state across the items of one
// NeighborhoodSharedProfileUpdate batch (spec.md §4.1 "Batch-item rules").
type BatchContext struct {
	seenIdentityIDs map[identity.ID]bool
	addCount        int
	existingHosted  int
}

// NewBatchContext returns a fresh per-batch validation context.
func NewBatchContext(existingHostedCount int) *BatchContext {
	return &BatchContext{
		seenIdentityIDs: make(map[identity.ID]bool),
		existingHosted:  existingHostedCount,
	}
}

// BatchItemKind names the four batch operations a single item check covers.
type BatchItemKind int

const (
	BatchAdd BatchItemKind = iota
	BatchChange
	BatchDelete
	BatchRefresh
)

func (k BatchItemKind) wireName() string {
	switch k {
	case BatchAdd:
		return "add"
	case BatchChange:
		return "change"
	case BatchDelete:
		return "delete"
	case BatchRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// BatchItem checks one item of a shared-profile batch against the running
// ctx, updating ctx's duplicate-detection and MaxHostedIdentities counters.
// index is the item's zero-based position, used to build the dotted error
// path (spec.md §4.1, example 2 in §8: "1.add.signedProfile.profile.publicKey").
func (ctx *BatchContext) BatchItem(index int, kind BatchItemKind, targetID identity.ID) wire.Status {
	if ctx.seenIdentityIDs[targetID] {
		field := "identityNetworkId"
		if kind == BatchAdd {
			field = "signedProfile.profile.publicKey"
		}
		return wire.Invalid(fmt.Sprintf("%d.%s.%s", index, kind.wireName(), field))
	}
	ctx.seenIdentityIDs[targetID] = true

	switch kind {
	case BatchAdd:
		ctx.addCount++
		if ctx.existingHosted+ctx.addCount > identity.MaxHostedIdentities {
			return wire.Invalid(fmt.Sprintf("%d.add.signedProfile.profile.identityId", index))
		}
	case BatchDelete:
		if targetID == (identity.ID{}) {
			return wire.Invalid(fmt.Sprintf("%d.delete.identityNetworkId", index))
		}
	}
	return wire.OkStatus
}

// SearchContext carries the limit policy a ProfileSearchRequest is checked
// against (spec.md §4.1 "Search-request rules"); limits differ depending on
// whether thumbnails are requested.
type SearchContext struct {
	MaxResponseRecordCountNoThumbs int
	MaxResponseRecordCountThumbs   int
	MaxTotalRecordCount            int
	MaxExtraDataFilterBytes        int
}

// Search validates a profile search request.
func Search(req *wire.ProfileSearchRequest, ctx SearchContext) wire.Status {
	limit := ctx.MaxResponseRecordCountNoThumbs
	if req.IncludeThumbnails {
		limit = ctx.MaxResponseRecordCountThumbs
	}
	if req.MaxResponseRecordCount < 1 || req.MaxResponseRecordCount > limit {
		return wire.Invalid("maxResponseRecordCount")
	}
	if req.MaxTotalRecordCount < req.MaxResponseRecordCount || req.MaxTotalRecordCount > ctx.MaxTotalRecordCount {
		return wire.Invalid("maxTotalRecordCount")
	}
	if req.HasLocation && req.Radius <= 0 {
		return wire.Invalid("radius")
	}
	if req.ExtraDataFilter != "" {
		if utf8ByteLen(req.ExtraDataFilter) > ctx.MaxExtraDataFilterBytes {
			return wire.Invalid("extraDataFilter")
		}
		// Parse with the same package search-time compilation actually uses,
		// so a filter accepted here never silently fails to compile (and get
		// dropped) there.
		if _, err := regexp.Compile(req.ExtraDataFilter); err != nil {
			return wire.Invalid("extraDataFilter")
		}
	}
	return wire.OkStatus
}

// CardContext carries the caller identity a relationship card is checked
// against (spec.md §4.1 "RelationshipCard rules").
type CardContext struct {
	CallerPublicKey []byte
}

// RelationshipCard validates a signed relationship card and its attached
// application sub-record.
func RelationshipCard(card *identity.RelationshipCard, app *identity.Application, ctx CardContext) wire.Status {
	if card.ComputeCardID() != card.CardID {
		return wire.Invalid("signedCard.card.cardId")
	}
	if card.ValidFrom > card.ValidTo {
		return wire.Invalid("signedCard.card.validFrom")
	}
	if !bytesEqual(card.RecipientPublicKey, ctx.CallerPublicKey) {
		return wire.Invalid("signedCard.card.recipientPublicKey")
	}
	if card.Version != identity.V1 {
		return wire.Invalid("signedCard.card.version")
	}
	if card.Type == "" || utf8ByteLen(card.Type) > identity.MaxTypeBytes {
		return wire.Invalid("signedCard.card.type")
	}
	if !ed25519.Verify(ed25519.PublicKey(card.IssuerPublicKey), card.CardID[:], card.IssuerSignature) {
		return wire.InvalidSignature("signedCard.issuerSignature")
	}
	if app.CardID != card.CardID {
		return wire.Invalid("application.cardId")
	}
	if len(app.ApplicationID) == 0 || len(app.ApplicationID) > identity.CardIDLength {
		return wire.Invalid("application.applicationId")
	}
	return wire.OkStatus
}
