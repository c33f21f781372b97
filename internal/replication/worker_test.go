package replication

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/actionqueue"
	"github.com/nimbusid/profileserver/internal/imagestore"
	"github.com/nimbusid/profileserver/internal/store"
	"github.com/nimbusid/profileserver/wire"
)

type fakeConversation struct {
	responses []wire.Payload
	idx       int
	sent      []wire.Payload
	// delay, if set, is slept before every Send returns, so tests can make
	// a safety-deadline timer armed before the call elapse mid-exchange.
	delay time.Duration
}

func (c *fakeConversation) Send(ctx context.Context, req wire.Payload) (wire.Payload, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.sent = append(c.sent, req)
	if c.idx >= len(c.responses) {
		return &wire.FinishNeighborhoodInitializationRequest{}, nil
	}
	resp := c.responses[c.idx]
	c.idx++
	return resp, nil
}

func (c *fakeConversation) Close() error { return nil }

type fakeDialer struct {
	conv *fakeConversation
}

func (d *fakeDialer) Dial(ctx context.Context, ep Endpoint) (Conversation, error) {
	return d.conv, nil
}

func noopResolve(ctx context.Context, ip string, port int) (int, error) { return 9999, nil }

func TestRunRemoveNeighborCascadesAndEnqueuesStop(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	server := identity.ID{1}
	require.NoError(t, st.PutNeighbor(&identity.Neighbor{ServerID: server, IPAddress: "10.0.0.1"}))
	require.NoError(t, st.PutNeighborIdentity(&identity.NeighborIdentity{
		Profile:         identity.Profile{IdentityID: identity.ID{2}},
		HostingServerID: server,
	}))
	require.NoError(t, st.PutAction(&identity.NeighborhoodAction{ID: 5, ServerID: server, Type: identity.RefreshProfiles}))

	var enqueued *identity.NeighborhoodAction
	w := New(Config{
		Store:   st,
		Images:  imagestore.New(store.NewMemoryBackend()),
		Dialer:  &fakeDialer{},
		Cache:   NewEndpointCache(noopResolve),
		Enqueue: func(a *identity.NeighborhoodAction) error { enqueued = a; return nil },
	})

	outcome := w.runRemoveNeighbor(&identity.NeighborhoodAction{ServerID: server, Type: identity.RemoveNeighbor})
	require.Equal(t, actionqueue.Success, outcome)

	_, err := st.GetNeighbor(server)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetNeighborIdentity(identity.ID{2})
	require.ErrorIs(t, err, store.ErrNotFound)

	actions, err := st.ListActionsAscending()
	require.NoError(t, err)
	require.Len(t, actions, 0)

	require.NotNil(t, enqueued)
	require.Equal(t, identity.StopNeighborhoodUpdates, enqueued.Type)
	var snapshot identity.Neighbor
	require.NoError(t, json.Unmarshal([]byte(enqueued.AdditionalData), &snapshot))
	require.Equal(t, "10.0.0.1", snapshot.IPAddress)
}

func TestHandleFollowerStatusTable(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	w := New(Config{Store: st, Images: imagestore.New(store.NewMemoryBackend()), Cache: NewEndpointCache(noopResolve)})

	require.Equal(t, actionqueue.Success, w.handleFollowerStatus(identity.ID{1}, wire.OkStatus))
	require.Equal(t, actionqueue.HardFailure, w.handleFollowerStatus(identity.ID{1}, wire.Status{Code: wire.ErrorRejected}))
	require.Equal(t, actionqueue.HardFailure, w.handleFollowerStatus(identity.ID{1}, wire.Status{Code: wire.ErrorInvalidValue}))
	require.Equal(t, actionqueue.SoftFailure, w.handleFollowerStatus(identity.ID{1}, wire.Status{Code: wire.ErrorBadRole}))
	require.Equal(t, actionqueue.HardFailure, w.handleFollowerStatus(identity.ID{1}, wire.Status{Code: wire.ErrorBusy}))
}

func TestRunProfileActionAddSubstitutesPlaceholderWhenDeleted(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	server := identity.ID{3}
	require.NoError(t, st.PutFollower(&identity.Follower{ServerID: server, IPAddress: "10.0.0.2"}))

	conv := &fakeConversation{responses: []wire.Payload{&wire.NeighborhoodSharedProfileUpdateResponse{Status: wire.OkStatus}}}
	w := New(Config{
		Store:  st,
		Images: imagestore.New(store.NewMemoryBackend()),
		Dialer: &fakeDialer{conv: conv},
		Cache:  NewEndpointCache(noopResolve),
	})

	target := identity.ID{4}
	outcome := w.runProfileAction(context.Background(), &identity.NeighborhoodAction{
		ServerID:         server,
		Type:             identity.AddProfile,
		TargetIdentityID: &target,
	})
	require.Equal(t, actionqueue.Success, outcome)
	require.Len(t, conv.sent, 1)
	req, ok := conv.sent[0].(*wire.NeighborhoodSharedProfileUpdateRequest)
	require.True(t, ok)
	require.Len(t, req.Items, 1)
	require.Equal(t, "Invalid", req.Items[0].Type)
}

// addItem builds a well-formed Add item for seq, using the sentinel
// InternalInvalidProfileType so validator.Profile accepts it without a real
// ed25519 signature.
func addItem(seq uint32, imageBytes []byte) wire.SharedProfileItem {
	var id [32]byte
	binary.BigEndian.PutUint32(id[:4], seq)
	item := wire.SharedProfileItem{
		Op:         wire.OpAdd,
		IdentityID: id[:],
		PublicKey:  []byte("pubkey"),
		Version:    [3]uint16{1, 0, 0},
		Name:       "neighbor identity",
		Type:       identity.InternalInvalidProfileType,
	}
	if imageBytes != nil {
		item.ProfileImageBytes = imageBytes
	}
	return item
}

func TestRunAddNeighborImportsPagedBatches(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	server := identity.ID{10}
	require.NoError(t, st.PutNeighbor(&identity.Neighbor{ServerID: server, IPAddress: "10.0.0.5", PrimaryPort: 9000}))

	conv := &fakeConversation{responses: []wire.Payload{
		&wire.StartNeighborhoodInitializationResponse{Status: wire.OkStatus},
		&wire.NeighborhoodSharedProfileUpdateRequest{Items: []wire.SharedProfileItem{
			addItem(1, []byte("profile-image-bytes")),
			addItem(2, nil),
		}},
		&wire.NeighborhoodSharedProfileUpdateRequest{Items: []wire.SharedProfileItem{
			addItem(3, nil),
		}},
	}}
	w := New(Config{
		Store:  st,
		Images: imagestore.New(store.NewMemoryBackend()),
		Dialer: &fakeDialer{conv: conv},
		Cache:  NewEndpointCache(noopResolve),
	})

	outcome := w.runAddNeighbor(context.Background(), &identity.NeighborhoodAction{ServerID: server, Type: identity.AddNeighbor})
	require.Equal(t, actionqueue.Success, outcome)

	for _, seq := range []uint32{1, 2, 3} {
		var id identity.ID
		binary.BigEndian.PutUint32(id[:4], seq)
		_, err := st.GetNeighborIdentity(id)
		require.NoError(t, err)
	}

	neighbor, err := st.GetNeighbor(server)
	require.NoError(t, err)
	require.Equal(t, 3, neighbor.SharedProfilesCount)
	require.NotNil(t, neighbor.LastRefreshTime)
}

func TestRunAddNeighborHardFailsOnDuplicateIdentity(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	server := identity.ID{11}
	require.NoError(t, st.PutNeighbor(&identity.Neighbor{ServerID: server, IPAddress: "10.0.0.6", PrimaryPort: 9000}))

	images := imagestore.New(store.NewMemoryBackend())
	dup := addItem(1, []byte("profile-image-bytes"))
	conv := &fakeConversation{responses: []wire.Payload{
		&wire.StartNeighborhoodInitializationResponse{Status: wire.OkStatus},
		&wire.NeighborhoodSharedProfileUpdateRequest{Items: []wire.SharedProfileItem{dup, dup}},
	}}
	w := New(Config{
		Store:  st,
		Images: images,
		Dialer: &fakeDialer{conv: conv},
		Cache:  NewEndpointCache(noopResolve),
	})

	outcome := w.runAddNeighbor(context.Background(), &identity.NeighborhoodAction{ServerID: server, Type: identity.AddNeighbor})
	require.Equal(t, actionqueue.HardFailure, outcome)

	var id identity.ID
	binary.BigEndian.PutUint32(id[:4], 1)
	_, err := st.GetNeighborIdentity(id)
	require.ErrorIs(t, err, store.ErrNotFound)

	count, err := images.RefCount(identity.ID(sha256.Sum256([]byte("profile-image-bytes"))))
	require.NoError(t, err)
	require.Zero(t, count)

	neighbor, err := st.GetNeighbor(server)
	require.NoError(t, err)
	require.Nil(t, neighbor.LastRefreshTime)
}

func TestRunAddNeighborHardFailsWhenExceedingMaxHostedIdentities(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	server := identity.ID{12}
	require.NoError(t, st.PutNeighbor(&identity.Neighbor{ServerID: server, IPAddress: "10.0.0.7", PrimaryPort: 9000}))

	items := make([]wire.SharedProfileItem, 0, identity.MaxHostedIdentities+1)
	for i := 0; i <= identity.MaxHostedIdentities; i++ {
		items = append(items, addItem(uint32(i), nil))
	}
	conv := &fakeConversation{responses: []wire.Payload{
		&wire.StartNeighborhoodInitializationResponse{Status: wire.OkStatus},
		&wire.NeighborhoodSharedProfileUpdateRequest{Items: items},
	}}
	w := New(Config{
		Store:  st,
		Images: imagestore.New(store.NewMemoryBackend()),
		Dialer: &fakeDialer{conv: conv},
		Cache:  NewEndpointCache(noopResolve),
	})

	outcome := w.runAddNeighbor(context.Background(), &identity.NeighborhoodAction{ServerID: server, Type: identity.AddNeighbor})
	require.Equal(t, actionqueue.HardFailure, outcome)

	var id identity.ID
	binary.BigEndian.PutUint32(id[:4], 0)
	_, err := st.GetNeighborIdentity(id)
	require.ErrorIs(t, err, store.ErrNotFound)

	neighbor, err := st.GetNeighbor(server)
	require.NoError(t, err)
	require.Zero(t, neighbor.SharedProfilesCount)
}

// TestRunAddNeighborAbortsOnSafetyDeadline covers the initialization-race
// scenario (spec.md §8): the 90-second safety deadline fires mid-import,
// already-accumulated images are released, and nothing is persisted.
func TestRunAddNeighborAbortsOnSafetyDeadline(t *testing.T) {
	st := store.New(store.NewMemoryBackend())
	server := identity.ID{13}
	require.NoError(t, st.PutNeighbor(&identity.Neighbor{ServerID: server, IPAddress: "10.0.0.8", PrimaryPort: 9000}))

	images := imagestore.New(store.NewMemoryBackend())
	conv := &fakeConversation{
		delay: 60 * time.Millisecond,
		responses: []wire.Payload{
			&wire.StartNeighborhoodInitializationResponse{Status: wire.OkStatus},
			&wire.NeighborhoodSharedProfileUpdateRequest{Items: []wire.SharedProfileItem{
				addItem(1, []byte("profile-image-bytes")),
			}},
		},
	}
	w := New(Config{
		Store:  st,
		Images: images,
		Dialer: &fakeDialer{conv: conv},
		Cache:  NewEndpointCache(noopResolve),
	})

	// ExecuteAfter places the 90s-earlier safety deadline about 90ms out,
	// so it elapses after the delayed start round trip (60ms) and during
	// the first-batch round trip (which ends at 120ms); the loop's deadline
	// check after that batch sees it before a third request is sent.
	executeAfter := time.Now().Add(90*time.Second + 90*time.Millisecond)
	outcome := w.runAddNeighbor(context.Background(), &identity.NeighborhoodAction{
		ServerID:     server,
		Type:         identity.AddNeighbor,
		ExecuteAfter: &executeAfter,
	})
	require.Equal(t, actionqueue.SoftFailure, outcome)

	var id identity.ID
	binary.BigEndian.PutUint32(id[:4], 1)
	_, err := st.GetNeighborIdentity(id)
	require.ErrorIs(t, err, store.ErrNotFound)

	count, err := images.RefCount(identity.ID(sha256.Sum256([]byte("profile-image-bytes"))))
	require.NoError(t, err)
	require.Zero(t, count)

	neighbor, err := st.GetNeighbor(server)
	require.NoError(t, err)
	require.Nil(t, neighbor.LastRefreshTime)
	require.Zero(t, neighbor.SharedProfilesCount)
}
