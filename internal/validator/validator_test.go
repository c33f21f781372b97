package validator

import (
	"crypto/ed25519"
	"testing"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/wire"
)

func signedProfile(t *testing.T, mutate func(*identity.Profile)) *identity.Profile {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := &identity.Profile{
		PublicKey: pub,
		Version:   identity.V1,
		Name:      "Alice",
		Type:      "person",
		Location:  identity.NoLocation,
	}
	if mutate != nil {
		mutate(p)
	}
	p.Signature = ed25519.Sign(priv, p.CanonicalFields())
	return p
}

func TestProfileValid(t *testing.T) {
	p := signedProfile(t, nil)
	if got := Profile(p, ProfileContext{}); got != wire.OkStatus {
		t.Fatalf("expected OkStatus, got %v", got)
	}
}

func TestProfileRejectsWrongVersion(t *testing.T) {
	p := signedProfile(t, func(p *identity.Profile) { p.Version = identity.Version{Major: 2} })
	got := Profile(p, ProfileContext{})
	if got.Code != wire.ErrorInvalidValue || got.Details != "version" {
		t.Fatalf("expected version error, got %v", got)
	}
}

func TestProfileRejectsTamperedSignature(t *testing.T) {
	p := signedProfile(t, nil)
	p.Name = "Mallory"
	got := Profile(p, ProfileContext{})
	if got.Code != wire.ErrorInvalidSignature {
		t.Fatalf("expected signature error, got %v", got)
	}
}

func TestProfileInternalInvalidTypeSkipsSignature(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	p := &identity.Profile{
		PublicKey: pub,
		Version:   identity.V1,
		Name:      "Placeholder",
		Type:      identity.InternalInvalidProfileType,
		Location:  identity.NoLocation,
	}
	if got := Profile(p, ProfileContext{}); got != wire.OkStatus {
		t.Fatalf("expected OkStatus for sentinel type, got %v", got)
	}
}

func TestProfileCallerPublicKeyMismatch(t *testing.T) {
	p := signedProfile(t, nil)
	other := make([]byte, len(p.PublicKey))
	got := Profile(p, ProfileContext{CallerPublicKey: other})
	if got.Code != wire.ErrorInvalidValue || got.Details != "publicKey" {
		t.Fatalf("expected publicKey error, got %v", got)
	}
}

func TestUpdateProfileFirstUpdateRequiresNameAndLocation(t *testing.T) {
	got := UpdateProfile(UpdateProfileContext{
		AlreadyInitialized: false,
		SetVersion:         true,
		SetLocation:        true,
		SetName:            false,
	})
	if got.Code != wire.ErrorInvalidValue || got.Details != "setName" {
		t.Fatalf("expected setName error, got %v", got)
	}
}

func TestUpdateProfileTypeImmutable(t *testing.T) {
	got := UpdateProfile(UpdateProfileContext{
		AlreadyInitialized: true,
		SetType:            true,
		StoredType:          "person",
	})
	if got.Code != wire.ErrorInvalidValue || got.Details != "setType" {
		t.Fatalf("expected setType error, got %v", got)
	}
}

func TestUpdateProfileTypeReplaceableFromSentinel(t *testing.T) {
	got := UpdateProfile(UpdateProfileContext{
		AlreadyInitialized: true,
		SetType:            true,
		StoredType:          identity.InternalInvalidProfileType,
	})
	if got != wire.OkStatus {
		t.Fatalf("expected OkStatus replacing sentinel type, got %v", got)
	}
}

func TestBatchContextDetectsDuplicateAdd(t *testing.T) {
	ctx := NewBatchContext(0)
	id := identity.ID{1, 2, 3}
	if got := ctx.BatchItem(0, BatchAdd, id); got != wire.OkStatus {
		t.Fatalf("first item: expected OkStatus, got %v", got)
	}
	got := ctx.BatchItem(1, BatchAdd, id)
	want := "1.add.signedProfile.profile.publicKey"
	if got.Code != wire.ErrorInvalidValue || got.Details != want {
		t.Fatalf("expected duplicate error %q, got %v", want, got)
	}
}

func TestBatchContextEnforcesMaxHostedIdentities(t *testing.T) {
	ctx := NewBatchContext(identity.MaxHostedIdentities)
	got := ctx.BatchItem(0, BatchAdd, identity.ID{9})
	if got.Code != wire.ErrorInvalidValue {
		t.Fatalf("expected MaxHostedIdentities overflow error, got %v", got)
	}
}

func TestSearchRejectsZeroRadiusWithLocation(t *testing.T) {
	ctx := SearchContext{MaxResponseRecordCountNoThumbs: 50, MaxResponseRecordCountThumbs: 10, MaxTotalRecordCount: 500, MaxExtraDataFilterBytes: 256}
	req := &wire.ProfileSearchRequest{MaxResponseRecordCount: 10, MaxTotalRecordCount: 10, HasLocation: true, Radius: 0}
	got := Search(req, ctx)
	if got.Code != wire.ErrorInvalidValue || got.Details != "radius" {
		t.Fatalf("expected radius error, got %v", got)
	}
}

func TestSearchRejectsMalformedRegex(t *testing.T) {
	ctx := SearchContext{MaxResponseRecordCountNoThumbs: 50, MaxResponseRecordCountThumbs: 10, MaxTotalRecordCount: 500, MaxExtraDataFilterBytes: 256}
	req := &wire.ProfileSearchRequest{MaxResponseRecordCount: 10, MaxTotalRecordCount: 10, ExtraDataFilter: "("}
	got := Search(req, ctx)
	if got.Code != wire.ErrorInvalidValue || got.Details != "extraDataFilter" {
		t.Fatalf("expected extraDataFilter error, got %v", got)
	}
}
