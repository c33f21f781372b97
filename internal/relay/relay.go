// Package relay implements the RelayConnection state machine that bridges
// two application-service connections together (spec.md §4.3), grounded on
// the teacher's single-goroutine-per-connection, mutex-guarded-state idiom
// (core/network.go) adapted to a per-relay state machine instead of a P2P
// host.
package relay

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimbusid/profileserver/internal/registry"
	"github.com/nimbusid/profileserver/wire"
)

// State is one of the five RelayConnection states (spec.md §3, §4.3).
type State int

const (
	WaitingForCalleeResponse State = iota
	WaitingForFirstInitMessage
	WaitingForSecondInitMessage
	Open
	Destroyed
)

func (s State) String() string {
	switch s {
	case WaitingForCalleeResponse:
		return "WaitingForCalleeResponse"
	case WaitingForFirstInitMessage:
		return "WaitingForFirstInitMessage"
	case WaitingForSecondInitMessage:
		return "WaitingForSecondInitMessage"
	case Open:
		return "Open"
	case Destroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Timing constants (spec.md §4.3).
const (
	CalleeResponseTimeout = 10 * time.Second
	AppServiceInitTimeout = 30 * time.Second
)

// Side identifies which party in a relay a token or connection belongs to.
type Side int

const (
	SideCaller Side = iota
	SideCallee
)

// Party is a connected, token-bearing endpoint of an Open relay.
type Party struct {
	Side Side
	Conn registry.Conn
}

// PendingRequest is an in-flight, not-yet-acknowledged send on one
// direction of an Open relay (spec.md §4.3 "unfinished request").
type PendingRequest struct {
	From    Side
	Message []byte
	// Complete is invoked exactly once with the final status to deliver
	// back to the sender, either OK (ack received) or ErrorNotFound
	// (destroyed while in flight).
	Complete func(wire.Status)
}

// Connection is one RelayConnection instance (spec.md §3, §4.3).
type Connection struct {
	ID          registry.RelayKey
	CallerToken registry.RelayKey
	CalleeToken registry.RelayKey

	reg *registry.Registry
	log *logrus.Logger

	mu    sync.Mutex
	state State

	caller *Party
	callee *Party

	// pending holds the unfinished request per direction while Open.
	pendingFromCaller *PendingRequest
	pendingFromCallee *PendingRequest

	// pendingCallResponse, during WaitingForCalleeResponse, completes the
	// caller's original CallIdentityApplicationServiceRequest.
	pendingCallResponse func(wire.Status, registry.RelayKey)

	timer *time.Timer

	underlying *registry.Relay
}

// New constructs a Connection in WaitingForCalleeResponse and registers it
// under all three keys in reg (spec.md §4.2 create_relay, §4.3).
func New(reg *registry.Registry, id, callerToken, calleeToken registry.RelayKey, onCallResponse func(wire.Status, registry.RelayKey), log *logrus.Logger) *Connection {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Connection{
		ID:                  id,
		CallerToken:         callerToken,
		CalleeToken:         calleeToken,
		reg:                 reg,
		log:                 log,
		state:               WaitingForCalleeResponse,
		pendingCallResponse: onCallResponse,
		underlying:          &registry.Relay{CallerToken: callerToken, CalleeToken: calleeToken, ID: id},
	}
	reg.CreateRelay(c.underlying)
	c.armTimeout(CalleeResponseTimeout)
	return c
}

func (c *Connection) armTimeout(d time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, c.onTimeout)
}

func (c *Connection) cancelTimeout() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) onTimeout() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case WaitingForCalleeResponse:
		if c.pendingCallResponse != nil {
			c.pendingCallResponse(wire.Status{Code: wire.ErrorNotAvailable}, "")
		}
		c.Destroy()
	case WaitingForFirstInitMessage:
		c.Destroy()
	case WaitingForSecondInitMessage:
		c.mu.Lock()
		var pending *PendingRequest
		if c.pendingFromCaller != nil {
			pending = c.pendingFromCaller
		} else if c.pendingFromCallee != nil {
			pending = c.pendingFromCallee
		}
		c.mu.Unlock()
		if pending != nil && pending.Complete != nil {
			pending.Complete(wire.Status{Code: wire.ErrorNotFound})
		}
		c.Destroy()
	}
}

// CalleeResponded handles the callee's answer to IncomingCallNotification
// (spec.md §4.3 row 1/2).
func (c *Connection) CalleeResponded(status wire.Status) {
	c.mu.Lock()
	if c.state != WaitingForCalleeResponse {
		c.mu.Unlock()
		return
	}
	if status.Code != wire.Ok {
		c.mu.Unlock()
		reported := status
		if status.Code != wire.ErrorRejected {
			reported = wire.Status{Code: wire.ErrorNotAvailable}
		}
		if c.pendingCallResponse != nil {
			c.pendingCallResponse(reported, "")
		}
		c.Destroy()
		return
	}
	c.state = WaitingForFirstInitMessage
	c.caller = nil
	c.callee = nil
	c.armTimeout(AppServiceInitTimeout)
	cb := c.pendingCallResponse
	token := c.CallerToken
	c.mu.Unlock()

	if cb != nil {
		cb(wire.OkStatus, token)
	}
}

// InitArrival handles a side presenting its token on a fresh app-service
// connection (spec.md §4.3 rows 5 and 7).
func (c *Connection) InitArrival(side Side, conn registry.Conn, req *PendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case WaitingForFirstInitMessage:
		c.setParty(side, conn)
		c.setPending(side, req)
		c.state = WaitingForSecondInitMessage
		c.armTimeout(AppServiceInitTimeout)
	case WaitingForSecondInitMessage:
		c.setParty(side, conn)
		c.cancelTimeout()
		c.state = Open

		first := c.otherPending(side)
		c.pendingFromCaller, c.pendingFromCallee = nil, nil
		if first != nil && first.Complete != nil {
			first.Complete(wire.OkStatus)
		}
		if req != nil && req.Complete != nil {
			req.Complete(wire.OkStatus)
		}
	default:
		if req != nil && req.Complete != nil {
			req.Complete(wire.Status{Code: wire.ErrorProtocolViolation})
		}
	}
}

func (c *Connection) setParty(side Side, conn registry.Conn) {
	p := &Party{Side: side, Conn: conn}
	if side == SideCaller {
		c.caller = p
	} else {
		c.callee = p
	}
}

func (c *Connection) setPending(side Side, req *PendingRequest) {
	if side == SideCaller {
		c.pendingFromCaller = req
	} else {
		c.pendingFromCallee = req
	}
}

func (c *Connection) otherPending(arrivingSide Side) *PendingRequest {
	if arrivingSide == SideCaller {
		return c.pendingFromCallee
	}
	return c.pendingFromCaller
}

// Forward handles an ApplicationServiceSendMessage while Open: the message
// is forwarded to the other side as a receive-notification, and the
// sender's request is parked as an unfinished request until that
// notification is acknowledged (spec.md §4.3 row "Open/Sender sends").
func (c *Connection) Forward(from Side, req *PendingRequest, deliver func(registry.Conn, []byte)) {
	c.mu.Lock()
	if c.state != Open {
		c.mu.Unlock()
		if req.Complete != nil {
			req.Complete(wire.Status{Code: wire.ErrorProtocolViolation})
		}
		return
	}
	c.setPending(from, req)
	var target registry.Conn
	if from == SideCaller && c.callee != nil {
		target = c.callee.Conn
	} else if from == SideCallee && c.caller != nil {
		target = c.caller.Conn
	}
	c.mu.Unlock()

	if target != nil {
		deliver(target, req.Message)
	}
}

// Acknowledge completes the pending request from the named side after the
// recipient confirms the receive-notification (spec.md §4.3 "Recipient
// confirms").
func (c *Connection) Acknowledge(recipientSide Side, status wire.Status) {
	c.mu.Lock()
	if c.state != Open {
		c.mu.Unlock()
		return
	}
	// The request being acknowledged was sent by the side opposite the
	// recipient.
	senderSide := SideCaller
	if recipientSide == SideCaller {
		senderSide = SideCallee
	}
	var pending *PendingRequest
	if senderSide == SideCaller {
		pending = c.pendingFromCaller
		c.pendingFromCaller = nil
	} else {
		pending = c.pendingFromCallee
		c.pendingFromCallee = nil
	}
	c.mu.Unlock()

	if status.Code != wire.Ok {
		if pending != nil && pending.Complete != nil {
			pending.Complete(wire.Status{Code: wire.ErrorNotFound})
		}
		c.Destroy()
		return
	}
	if pending != nil && pending.Complete != nil {
		pending.Complete(wire.OkStatus)
	}
}

// OnDisconnect handles either side's app-service connection dropping while
// Open, failing any unfinished request tied to the disconnected side
// (spec.md §4.3 "Either side disconnects").
func (c *Connection) OnDisconnect(side Side) {
	c.mu.Lock()
	// The unfinished request this disconnect fails is the one addressed to
	// side, i.e. the one sent from the opposite side.
	var pending *PendingRequest
	if side == SideCaller {
		pending = c.pendingFromCallee
		c.pendingFromCallee = nil
	} else {
		pending = c.pendingFromCaller
		c.pendingFromCaller = nil
	}
	c.mu.Unlock()

	if pending != nil && pending.Complete != nil {
		pending.Complete(wire.Status{Code: wire.ErrorNotFound})
	}
	c.Destroy()
}

// CurrentState returns the connection's current state.
func (c *Connection) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Destroy tears down the relay and removes it from the registry. It is
// idempotent: the registry's TestAndSetDestroyed guard absorbs repeated
// calls from racing disconnect and timeout paths (spec.md §4.3 "destroy()
// called again").
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.state == Destroyed {
		c.mu.Unlock()
		return
	}
	c.state = Destroyed
	c.cancelTimeout()
	c.mu.Unlock()

	c.reg.DestroyRelay(c.underlying)
}
