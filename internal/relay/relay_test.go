package relay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/registry"
	"github.com/nimbusid/profileserver/wire"
)

type fakeConn struct {
	id identity.ID
}

func (c *fakeConn) ConnID() uint64          { return 1 }
func (c *fakeConn) IdentityID() identity.ID { return c.id }
func (c *fakeConn) GracefulClose()          {}

func TestCalleeAcceptMovesToFirstInit(t *testing.T) {
	reg := registry.New(nil)
	var gotStatus wire.Status
	var gotToken registry.RelayKey
	c := New(reg, "r1", "caller-tok", "callee-tok", func(s wire.Status, tok registry.RelayKey) {
		gotStatus = s
		gotToken = tok
	}, nil)

	c.CalleeResponded(wire.OkStatus)

	require.Equal(t, WaitingForFirstInitMessage, c.CurrentState())
	require.Equal(t, wire.OkStatus, gotStatus)
	require.Equal(t, registry.RelayKey("caller-tok"), gotToken)
}

func TestCalleeRejectDestroysRelay(t *testing.T) {
	reg := registry.New(nil)
	var gotStatus wire.Status
	c := New(reg, "r2", "caller-tok2", "callee-tok2", func(s wire.Status, tok registry.RelayKey) {
		gotStatus = s
	}, nil)

	c.CalleeResponded(wire.Status{Code: wire.ErrorRejected})

	require.Equal(t, Destroyed, c.CurrentState())
	require.Equal(t, wire.ErrorRejected, gotStatus.Code)

	_, ok := reg.FindRelay("caller-tok2")
	require.False(t, ok)
}

func TestBothInitsOpenRelayAndAckFirst(t *testing.T) {
	reg := registry.New(nil)
	c := New(reg, "r3", "caller-tok3", "callee-tok3", func(wire.Status, registry.RelayKey) {}, nil)
	c.CalleeResponded(wire.OkStatus)

	var firstStatus, secondStatus wire.Status
	firstCompleted := false
	c.InitArrival(SideCaller, &fakeConn{}, &PendingRequest{
		From: SideCaller,
		Complete: func(s wire.Status) {
			firstStatus = s
			firstCompleted = true
		},
	})
	require.False(t, firstCompleted)
	require.Equal(t, WaitingForSecondInitMessage, c.CurrentState())

	c.InitArrival(SideCallee, &fakeConn{}, &PendingRequest{
		From: SideCallee,
		Complete: func(s wire.Status) {
			secondStatus = s
		},
	})

	require.True(t, firstCompleted)
	require.Equal(t, wire.OkStatus, firstStatus)
	require.Equal(t, wire.OkStatus, secondStatus)
	require.Equal(t, Open, c.CurrentState())
}

func TestDestroyIsIdempotent(t *testing.T) {
	reg := registry.New(nil)
	c := New(reg, "r4", "caller-tok4", "callee-tok4", func(wire.Status, registry.RelayKey) {}, nil)
	c.Destroy()
	c.Destroy()
	c.Destroy()
	require.Equal(t, Destroyed, c.CurrentState())
}

func TestForwardAndAcknowledgeCompletesSender(t *testing.T) {
	reg := registry.New(nil)
	c := New(reg, "r5", "caller-tok5", "callee-tok5", func(wire.Status, registry.RelayKey) {}, nil)
	c.CalleeResponded(wire.OkStatus)
	c.InitArrival(SideCaller, &fakeConn{}, &PendingRequest{From: SideCaller, Complete: func(wire.Status) {}})
	c.InitArrival(SideCallee, &fakeConn{}, &PendingRequest{From: SideCallee, Complete: func(wire.Status) {}})
	require.Equal(t, Open, c.CurrentState())

	var delivered []byte
	var deliverTo registry.Conn
	var senderStatus wire.Status
	senderAcked := false
	c.Forward(SideCaller, &PendingRequest{
		From:    SideCaller,
		Message: []byte("hello"),
		Complete: func(s wire.Status) {
			senderStatus = s
			senderAcked = true
		},
	}, func(conn registry.Conn, msg []byte) {
		deliverTo = conn
		delivered = msg
	})

	require.NotNil(t, deliverTo)
	require.Equal(t, []byte("hello"), delivered)
	require.False(t, senderAcked)

	c.Acknowledge(SideCallee, wire.OkStatus)
	require.True(t, senderAcked)
	require.Equal(t, wire.OkStatus, senderStatus)
}

func TestOnDisconnectFailsSenderWhenRecipientDrops(t *testing.T) {
	reg := registry.New(nil)
	c := New(reg, "r6", "caller-tok6", "callee-tok6", func(wire.Status, registry.RelayKey) {}, nil)
	c.CalleeResponded(wire.OkStatus)
	c.InitArrival(SideCaller, &fakeConn{}, &PendingRequest{From: SideCaller, Complete: func(wire.Status) {}})
	c.InitArrival(SideCallee, &fakeConn{}, &PendingRequest{From: SideCallee, Complete: func(wire.Status) {}})
	require.Equal(t, Open, c.CurrentState())

	var senderStatus wire.Status
	senderCompleted := false
	c.Forward(SideCaller, &PendingRequest{
		From:    SideCaller,
		Message: []byte("hello"),
		Complete: func(s wire.Status) {
			senderStatus = s
			senderCompleted = true
		},
	}, func(registry.Conn, []byte) {})
	require.False(t, senderCompleted)

	// The callee (the message's recipient) disconnects before acking; the
	// caller's still-pending send must fail, not the callee's own request.
	c.OnDisconnect(SideCallee)

	require.True(t, senderCompleted)
	require.Equal(t, wire.ErrorNotFound, senderStatus.Code)
	require.Equal(t, Destroyed, c.CurrentState())
}
