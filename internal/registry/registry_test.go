package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusid/profileserver/identity"
)

type fakeConn struct {
	id     uint64
	idAddr identity.ID
	closed bool
}

func (c *fakeConn) ConnID() uint64            { return c.id }
func (c *fakeConn) IdentityID() identity.ID   { return c.idAddr }
func (c *fakeConn) GracefulClose()            { c.closed = true }

func TestAllocateConnectionIDMonotonic(t *testing.T) {
	r := New(nil)
	a := r.AllocateConnectionID()
	b := r.AllocateConnectionID()
	require.Less(t, a, b)
}

func TestAddAndRemovePeer(t *testing.T) {
	r := New(nil)
	id := identity.ID{1}
	c := &fakeConn{id: 1, idAddr: id}
	r.AddPeer(c)

	r.mu.Lock()
	_, ok := r.byConnID[1]
	r.mu.Unlock()
	require.True(t, ok)

	r.RemovePeer(c)
	r.mu.Lock()
	_, ok = r.byConnID[1]
	r.mu.Unlock()
	require.False(t, ok)
}

func TestCheckInDisplacesPreviousSession(t *testing.T) {
	r := New(nil)
	id := identity.ID{2}
	first := &fakeConn{id: 1, idAddr: id}
	second := &fakeConn{id: 2, idAddr: id}

	r.CheckIn(first)
	conn, ok := r.FindCheckedIn(id)
	require.True(t, ok)
	require.Equal(t, uint64(1), conn.ConnID())

	r.CheckIn(second)
	require.True(t, first.closed)

	conn, ok = r.FindCheckedIn(id)
	require.True(t, ok)
	require.Equal(t, uint64(2), conn.ConnID())
}

func TestDestroyRelayIsIdempotent(t *testing.T) {
	r := New(nil)
	rel := &Relay{CallerToken: "a", CalleeToken: "b", ID: "c"}
	r.CreateRelay(rel)

	_, ok := r.FindRelay("a")
	require.True(t, ok)

	r.DestroyRelay(rel)
	r.DestroyRelay(rel)
	r.DestroyRelay(rel)

	_, ok = r.FindRelay("a")
	require.False(t, ok)
	_, ok = r.FindRelay("b")
	require.False(t, ok)
	_, ok = r.FindRelay("c")
	require.False(t, ok)
}
