package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/wire"
)

// fakePeer drives the other end of a net.Pipe as a stand-in for the
// location-gossip peer: it answers RegisterServiceRequest with OkStatus and
// then pushes one unsolicited NeighbourhoodChangedNotificationRequest.
func fakePeer(t *testing.T, nc net.Conn) {
	t.Helper()
	reader := bufio.NewReader(nc)

	env, err := wire.ReadEnvelope(reader, newGossipPayload)
	require.NoError(t, err)
	_, ok := env.Payload.(*wire.RegisterServiceRequest)
	require.True(t, ok)
	require.NoError(t, wire.WriteEnvelope(nc, &wire.Envelope{
		ID:      env.ID,
		Kind:    wire.KindResponse,
		Payload: &wire.RegisterServiceResponse{Status: wire.OkStatus},
	}))

	added := identity.ID{9}
	require.NoError(t, wire.WriteEnvelope(nc, &wire.Envelope{
		ID:   100,
		Kind: wire.KindRequest,
		Payload: &wire.NeighbourhoodChangedNotificationRequest{
			Added: []wire.NeighbourRecord{{ServerID: added[:], IPAddress: "10.0.0.1", PrimaryPort: 9000}},
		},
	}))

	ackEnv, err := wire.ReadEnvelope(reader, newGossipPayload)
	require.NoError(t, err)
	_, ok = ackEnv.Payload.(*wire.NeighbourhoodChangedNotificationResponse)
	require.True(t, ok)
}

func TestGossipConnRegisterServiceAndNotification(t *testing.T) {
	clientSide, peerSide := net.Pipe()
	defer clientSide.Close()
	defer peerSide.Close()

	go fakePeer(t, peerSide)

	gc := newGossipConn(clientSide)

	notified := make(chan []identity.Neighbor, 1)
	go func() {
		_ = gc.ReceiveMessageLoop(context.Background(), func(added, removed []identity.Neighbor) {
			notified <- added
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := gc.RegisterService(ctx, identity.ID{1}, 9000, 9001, identity.Location{})
	require.NoError(t, err)

	select {
	case added := <-notified:
		require.Len(t, added, 1)
		require.Equal(t, identity.ID{9}, added[0].ServerID)
		require.Equal(t, "10.0.0.1", added[0].IPAddress)
	case <-time.After(time.Second):
		t.Fatal("did not receive neighborhood-changed notification")
	}
}
