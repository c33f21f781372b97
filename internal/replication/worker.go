// Package replication implements the Replication Worker (spec.md §4.5): one
// worker handles one NeighborhoodAction, driving AddNeighbor bulk import,
// RemoveNeighbor cascade delete, StopNeighborhoodUpdates notification, and
// the four per-profile propagation actions (AddProfile, ChangeProfile,
// RemoveProfile, RefreshProfiles) against a follower's neighbor-interface
// port. Grounded on the teacher's core/replication.go Replicator (request
// framing over a peer connection, context-bound timeouts) reworked around
// the wire package's envelope framing instead of libp2p pubsub.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/actionqueue"
	"github.com/nimbusid/profileserver/internal/imagestore"
	"github.com/nimbusid/profileserver/internal/store"
	"github.com/nimbusid/profileserver/internal/validator"
	"github.com/nimbusid/profileserver/wire"
)

// Endpoint is a follower/neighbor's resolved connection target, used by the
// endpoint cache and supplied to Dialer.Dial.
type Endpoint struct {
	IPAddress      string
	PrimaryPort    int
	SrNeighborPort int
}

// Dialer opens a neighbor-interface conversation to an Endpoint and returns
// a Conversation the worker drives. Implementations live in the server
// package, which owns actual TCP/wire.Envelope I/O; this package only
// depends on the interface so it stays transport-agnostic and unit
// testable (spec.md §1 treats transport as out of scope).
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Conversation, error)
}

// Conversation is one neighbor-interface exchange. The Dialer only opens
// the connection and performs no identity handshake; the worker identifies
// this server through the public-key fields of the requests it sends.
type Conversation interface {
	Send(ctx context.Context, req wire.Payload) (wire.Payload, error)
	Close() error
}

// EndpointCache resolves and caches a neighbor's SrNeighborPort. It queries
// the primary port only when no port is cached or the caller forces it; a
// failed dial to the cached port does not by itself trigger a re-query.
type EndpointCache struct {
	resolve func(ctx context.Context, ipAddress string, primaryPort int) (int, error)
	cache   map[identity.ID]int
}

// NewEndpointCache constructs a cache; resolve queries a peer's primary
// port for its neighbor-interface role-table port.
func NewEndpointCache(resolve func(ctx context.Context, ipAddress string, primaryPort int) (int, error)) *EndpointCache {
	return &EndpointCache{resolve: resolve, cache: make(map[identity.ID]int)}
}

// Resolve returns the cached SrNeighborPort for serverID, or queries and
// caches it if absent or forced.
func (c *EndpointCache) Resolve(ctx context.Context, serverID identity.ID, ipAddress string, primaryPort int, force bool) (int, error) {
	if !force {
		if port, ok := c.cache[serverID]; ok {
			return port, nil
		}
	}
	port, err := c.resolve(ctx, ipAddress, primaryPort)
	if err != nil {
		return 0, err
	}
	c.cache[serverID] = port
	return port, nil
}

// Invalidate drops a cached SrNeighborPort, used when a follower replies
// ErrorBadRole because the cached port no longer serves that role
// (spec.md §4.5 "our cached SrNeighborPort is stale -> reset it"). This
// supplements the spec's own endpoint-resolution description with the
// explicit invalidation hook a long-lived cache needs.
func (c *EndpointCache) Invalidate(serverID identity.ID) {
	delete(c.cache, serverID)
}

// Worker executes NeighborhoodAction rows against a Dialer and the local
// store/imagestore.
type Worker struct {
	st       *store.Store
	images   *imagestore.Store
	dialer   Dialer
	cache    *EndpointCache
	enqueue  func(a *identity.NeighborhoodAction) error
	log      *logrus.Logger
	myPrimaryPort int
	myNeighborPort int
	myPublicKey    []byte
}

// Config bundles the Worker's fixed collaborators.
type Config struct {
	Store          *store.Store
	Images         *imagestore.Store
	Dialer         Dialer
	Cache          *EndpointCache
	Enqueue        func(a *identity.NeighborhoodAction) error
	Logger         *logrus.Logger
	MyPrimaryPort  int
	MyNeighborPort int
	// MyPublicKey identifies this server to the peer on the
	// neighbor-interface port (see wire.NeighborhoodSharedProfileUpdateRequest
	// and wire.StopNeighborhoodUpdatesRequest's ServerPublicKey field).
	MyPublicKey []byte
}

// New constructs a Worker from cfg.
func New(cfg Config) *Worker {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{
		st:             cfg.Store,
		images:         cfg.Images,
		dialer:         cfg.Dialer,
		cache:          cfg.Cache,
		enqueue:        cfg.Enqueue,
		log:            log,
		myPrimaryPort:  cfg.MyPrimaryPort,
		myNeighborPort: cfg.MyNeighborPort,
		myPublicKey:    cfg.MyPublicKey,
	}
}

// Run dispatches a to the handler for its Type and returns the resulting
// Outcome for the scheduler (spec.md §4.4, §4.5).
func (w *Worker) Run(a *identity.NeighborhoodAction) actionqueue.Outcome {
	ctx := context.Background()
	switch a.Type {
	case identity.AddNeighbor:
		return w.runAddNeighbor(ctx, a)
	case identity.RemoveNeighbor:
		return w.runRemoveNeighbor(a)
	case identity.StopNeighborhoodUpdates:
		return w.runStopNeighborhoodUpdates(ctx, a)
	case identity.AddProfile, identity.ChangeProfile, identity.RemoveProfile, identity.RefreshProfiles:
		return w.runProfileAction(ctx, a)
	default:
		w.log.WithField("type", a.Type).Warn("replication: unknown action type")
		return actionqueue.HardFailure
	}
}

// runAddNeighbor performs the initialization import (spec.md §4.5
// "AddNeighbor (initialization import)").
func (w *Worker) runAddNeighbor(ctx context.Context, a *identity.NeighborhoodAction) actionqueue.Outcome {
	neighbor, err := w.st.GetNeighbor(a.ServerID)
	if err != nil {
		w.log.WithError(err).Error("replication: AddNeighbor missing neighbor row")
		return actionqueue.HardFailure
	}

	var safetyDeadline <-chan time.Time
	if a.ExecuteAfter != nil {
		deadline := a.ExecuteAfter.Add(-90 * time.Second)
		if d := time.Until(deadline); d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()
			safetyDeadline = timer.C
		}
	}

	port, err := w.resolveNeighborPort(ctx, a.ServerID, neighbor, false)
	if err != nil {
		return actionqueue.SoftFailure
	}

	conv, err := w.dialer.Dial(ctx, Endpoint{IPAddress: neighbor.IPAddress, PrimaryPort: neighbor.PrimaryPort, SrNeighborPort: port})
	if err != nil {
		return actionqueue.SoftFailure
	}
	defer conv.Close()

	startResp, err := conv.Send(ctx, &wire.StartNeighborhoodInitializationRequest{
		PrimaryPort:     w.myPrimaryPort,
		NeighborPort:    w.myNeighborPort,
		CallerPublicKey: w.myPublicKey,
	})
	if err != nil {
		return actionqueue.SoftFailure
	}
	resp, ok := startResp.(*wire.StartNeighborhoodInitializationResponse)
	if !ok {
		return actionqueue.HardFailure
	}
	if resp.Status.Code != wire.Ok {
		if isHardFailureStatus(resp.Status.Code) {
			return actionqueue.HardFailure
		}
		return actionqueue.SoftFailure
	}

	accepted := make(map[identity.ID]*identity.NeighborIdentity)
	seen := make(map[identity.ID]bool)
	addCount := 0

	for {
		select {
		case <-safetyDeadline:
			w.releaseAccumulatedImages(accepted)
			return actionqueue.SoftFailure
		default:
		}

		updateMsg, err := conv.Send(ctx, &wire.NeighborhoodSharedProfileUpdateRequest{ServerPublicKey: w.myPublicKey})
		if err != nil {
			w.releaseAccumulatedImages(accepted)
			return actionqueue.SoftFailure
		}

		if _, done := updateMsg.(*wire.FinishNeighborhoodInitializationRequest); done {
			break
		}

		batch, ok := updateMsg.(*wire.NeighborhoodSharedProfileUpdateRequest)
		if !ok {
			w.releaseAccumulatedImages(accepted)
			return actionqueue.HardFailure
		}

		for i, item := range batch.Items {
			if item.Op != wire.OpAdd {
				continue
			}
			var id identity.ID
			copy(id[:], item.IdentityID)
			if seen[id] {
				w.releaseAccumulatedImages(accepted)
				return actionqueue.HardFailure
			}
			seen[id] = true
			addCount++
			if addCount > identity.MaxHostedIdentities {
				w.releaseAccumulatedImages(accepted)
				return actionqueue.HardFailure
			}

			ni := sharedItemToNeighborIdentity(item, a.ServerID)
			status := validator.Profile(&ni.Profile, validator.ProfileContext{})
			if status != wire.OkStatus {
				w.log.WithField("index", i).Warn("replication: rejected add item during import")
				continue
			}
			if len(item.ProfileImageBytes) > 0 {
				h, err := w.images.Put(item.ProfileImageBytes)
				if err != nil {
					w.releaseAccumulatedImages(accepted)
					return actionqueue.SoftFailure
				}
				ni.ProfileImageHash = h[:]
			}
			if len(item.ThumbnailImageBytes) > 0 {
				h, err := w.images.Put(item.ThumbnailImageBytes)
				if err != nil {
					w.releaseAccumulatedImages(accepted)
					return actionqueue.SoftFailure
				}
				ni.ThumbnailImageHash = h[:]
			}
			accepted[id] = ni
		}
	}

	for _, ni := range accepted {
		if err := w.st.PutNeighborIdentity(ni); err != nil {
			w.releaseAccumulatedImages(accepted)
			return actionqueue.SoftFailure
		}
	}
	now := time.Now()
	neighbor.LastRefreshTime = &now
	neighbor.SharedProfilesCount = len(accepted)
	if err := w.st.PutNeighbor(neighbor); err != nil {
		return actionqueue.SoftFailure
	}
	return actionqueue.Success
}

func (w *Worker) releaseAccumulatedImages(accepted map[identity.ID]*identity.NeighborIdentity) {
	for _, ni := range accepted {
		if len(ni.ProfileImageHash) == identity.HashLength {
			_ = w.images.Release(identity.ID(ni.ProfileImageHash))
		}
		if len(ni.ThumbnailImageHash) == identity.HashLength {
			_ = w.images.Release(identity.ID(ni.ThumbnailImageHash))
		}
	}
}

// runRemoveNeighbor deletes the neighbor and cascades (spec.md §4.5
// "RemoveNeighbor").
func (w *Worker) runRemoveNeighbor(a *identity.NeighborhoodAction) actionqueue.Outcome {
	neighbor, err := w.st.GetNeighbor(a.ServerID)
	hadNeighbor := err == nil

	if hadNeighbor {
		if err := w.st.DeleteNeighborIdentitiesByHost(a.ServerID); err != nil {
			w.log.WithError(err).Error("replication: cascade delete neighbor identities")
			return actionqueue.SoftFailure
		}
	}
	if err := w.st.DeleteNeighbor(a.ServerID); err != nil && err != store.ErrNotFound {
		return actionqueue.SoftFailure
	}
	if err := w.st.DeleteActionsForServer(a.ServerID); err != nil {
		return actionqueue.SoftFailure
	}

	if hadNeighbor && w.enqueue != nil {
		snapshot, err := json.Marshal(neighbor)
		if err == nil {
			_ = w.enqueue(&identity.NeighborhoodAction{
				ServerID:       a.ServerID,
				Type:           identity.StopNeighborhoodUpdates,
				AdditionalData: string(snapshot),
			})
		}
	}
	return actionqueue.Success
}

// runStopNeighborhoodUpdates notifies the departed peer using the
// snapshot carried in AdditionalData (spec.md §4.5
// "StopNeighborhoodUpdates"). It always succeeds.
func (w *Worker) runStopNeighborhoodUpdates(ctx context.Context, a *identity.NeighborhoodAction) actionqueue.Outcome {
	var neighbor identity.Neighbor
	if err := json.Unmarshal([]byte(a.AdditionalData), &neighbor); err != nil {
		return actionqueue.Success
	}
	port, err := w.resolveNeighborPort(ctx, a.ServerID, &neighbor, false)
	if err != nil {
		return actionqueue.Success
	}
	conv, err := w.dialer.Dial(ctx, Endpoint{IPAddress: neighbor.IPAddress, PrimaryPort: neighbor.PrimaryPort, SrNeighborPort: port})
	if err != nil {
		return actionqueue.Success
	}
	defer conv.Close()
	_, _ = conv.Send(ctx, &wire.StopNeighborhoodUpdatesRequest{ServerPublicKey: w.myPublicKey})
	return actionqueue.Success
}

// runProfileAction handles AddProfile/ChangeProfile/RemoveProfile/
// RefreshProfiles against a follower (spec.md §4.5).
func (w *Worker) runProfileAction(ctx context.Context, a *identity.NeighborhoodAction) actionqueue.Outcome {
	follower, err := w.st.GetFollower(a.ServerID)
	if err != nil {
		return actionqueue.HardFailure
	}

	var item wire.SharedProfileItem
	switch a.Type {
	case identity.AddProfile:
		item = w.buildAddItem(a)
	case identity.ChangeProfile:
		var ok bool
		item, ok = w.buildChangeItem(a)
		if !ok {
			return actionqueue.Success // identity gone; pending Remove will land later
		}
	case identity.RemoveProfile:
		if a.TargetIdentityID == nil {
			return actionqueue.HardFailure
		}
		item = wire.SharedProfileItem{Op: wire.OpDelete, IdentityID: a.TargetIdentityID[:]}
	case identity.RefreshProfiles:
		if a.TargetIdentityID == nil {
			return actionqueue.HardFailure
		}
		item = wire.SharedProfileItem{Op: wire.OpRefresh, IdentityID: a.TargetIdentityID[:]}
	}

	port, err := w.resolveNeighborPort(ctx, a.ServerID, followerAsNeighbor(follower), false)
	if err != nil {
		return actionqueue.SoftFailure
	}
	conv, err := w.dialer.Dial(ctx, Endpoint{IPAddress: follower.IPAddress, PrimaryPort: follower.PrimaryPort, SrNeighborPort: port})
	if err != nil {
		return actionqueue.SoftFailure
	}
	defer conv.Close()

	resp, err := conv.Send(ctx, &wire.NeighborhoodSharedProfileUpdateRequest{ServerPublicKey: w.myPublicKey, Items: []wire.SharedProfileItem{item}})
	if err != nil {
		return actionqueue.SoftFailure
	}
	updateResp, ok := resp.(*wire.NeighborhoodSharedProfileUpdateResponse)
	if !ok {
		return actionqueue.HardFailure
	}
	outcome := w.handleFollowerStatus(a.ServerID, updateResp.Status)
	if outcome == actionqueue.Success && a.Type == identity.RefreshProfiles {
		w.markFollowerRefreshed(a.ServerID)
	}
	return outcome
}

// markFollowerRefreshed records a successful RefreshProfiles round-trip on
// the Follower row (spec.md §4.5 "on success, updates the follower's
// LastRefreshTime"). A failure to persist it is logged but does not itself
// fail the action, since the follower was already updated on the wire.
func (w *Worker) markFollowerRefreshed(serverID identity.ID) {
	follower, err := w.st.GetFollower(serverID)
	if err != nil {
		return
	}
	now := time.Now()
	follower.LastRefreshTime = &now
	if err := w.st.PutFollower(follower); err != nil {
		w.log.WithError(err).Warn("replication: persist follower refresh time")
	}
}

// handleFollowerStatus implements the status-driven reply table (spec.md
// §4.5 "Follower reply handling is status-driven").
func (w *Worker) handleFollowerStatus(serverID identity.ID, status wire.Status) actionqueue.Outcome {
	switch status.Code {
	case wire.Ok:
		return actionqueue.Success
	case wire.ErrorRejected, wire.ErrorInvalidValue:
		return actionqueue.HardFailure
	case wire.ErrorBadRole:
		w.cache.Invalidate(serverID)
		return actionqueue.SoftFailure
	default:
		return actionqueue.HardFailure
	}
}

func (w *Worker) buildAddItem(a *identity.NeighborhoodAction) wire.SharedProfileItem {
	if a.TargetIdentityID == nil {
		return wire.SharedProfileItem{Op: wire.OpAdd}
	}
	p, err := w.st.GetHostedIdentity(*a.TargetIdentityID)
	if err != nil {
		// Placeholder: the hosting was cancelled between enqueue and
		// execution (spec.md §4.5 "If it has been deleted").
		return wire.SharedProfileItem{
			Op:         wire.OpAdd,
			IdentityID: a.TargetIdentityID[:],
			Type:       "Invalid",
			Latitude:   identity.NoLocation.Latitude,
			Longitude:  identity.NoLocation.Longitude,
		}
	}
	return profileToSharedItem(wire.OpAdd, p)
}

func (w *Worker) buildChangeItem(a *identity.NeighborhoodAction) (wire.SharedProfileItem, bool) {
	if a.TargetIdentityID == nil {
		return wire.SharedProfileItem{}, false
	}
	p, err := w.st.GetHostedIdentity(*a.TargetIdentityID)
	if err != nil {
		return wire.SharedProfileItem{}, false
	}
	item := profileToSharedItem(wire.OpChange, p)
	var flags changeFlags
	if err := json.Unmarshal([]byte(a.AdditionalData), &flags); err == nil {
		item.SetName = flags.SetName
		item.SetType = flags.SetType
		item.SetLocation = flags.SetLocation
		item.SetExtraData = flags.SetExtraData
		item.SetProfileImage = flags.SetProfileImage
		item.SetThumbnailImage = flags.SetThumbnailImage
	}
	return item, true
}

// changeFlags is the AdditionalData payload a ChangeProfile action carries:
// the set-flags chosen at enqueue time (spec.md §4.5 "rebuilds the
// set-flags from AdditionalData").
type changeFlags struct {
	SetName, SetType, SetLocation, SetExtraData, SetProfileImage, SetThumbnailImage bool
}

func profileToSharedItem(op wire.SharedProfileOp, p *identity.Profile) wire.SharedProfileItem {
	id := p.IdentityID
	return wire.SharedProfileItem{
		Op:                  op,
		IdentityID:          id[:],
		PublicKey:           p.PublicKey,
		Version:             [3]uint16{p.Version.Major, p.Version.Minor, p.Version.Patch},
		Name:                p.Name,
		Type:                p.Type,
		Latitude:            p.Location.Latitude,
		Longitude:           p.Location.Longitude,
		ExtraData:           p.ExtraData,
		ProfileImageHash:    p.ProfileImageHash,
		ThumbnailImageHash:  p.ThumbnailImageHash,
		Signature:           p.Signature,
		NoPropagation:       p.NoPropagation,
	}
}

func sharedItemToNeighborIdentity(item wire.SharedProfileItem, hostingServerID identity.ID) *identity.NeighborIdentity {
	var id identity.ID
	copy(id[:], item.IdentityID)
	return &identity.NeighborIdentity{
		Profile: identity.Profile{
			IdentityID:         id,
			PublicKey:          item.PublicKey,
			Version:            identity.Version{Major: item.Version[0], Minor: item.Version[1], Patch: item.Version[2]},
			Name:               item.Name,
			Type:               item.Type,
			Location:           identity.Location{Latitude: item.Latitude, Longitude: item.Longitude},
			ExtraData:          item.ExtraData,
			ProfileImageHash:   item.ProfileImageHash,
			ThumbnailImageHash: item.ThumbnailImageHash,
			Signature:          item.Signature,
			Initialized:        true,
		},
		HostingServerID: hostingServerID,
	}
}

func isHardFailureStatus(code wire.ErrorCode) bool {
	switch code {
	case wire.ErrorRejected, wire.ErrorInvalidValue, wire.ErrorProtocolViolation:
		return true
	default:
		return false
	}
}

func (w *Worker) resolveNeighborPort(ctx context.Context, serverID identity.ID, n *identity.Neighbor, force bool) (int, error) {
	if n.SrNeighborPort != nil && !force {
		return *n.SrNeighborPort, nil
	}
	port, err := w.cache.Resolve(ctx, serverID, n.IPAddress, n.PrimaryPort, force)
	if err != nil {
		return 0, fmt.Errorf("replication: resolve neighbor port: %w", err)
	}
	n.SrNeighborPort = &port
	return port, nil
}

// followerAsNeighbor adapts a Follower to a Neighbor for the purposes of
// endpoint resolution; Follower and Neighbor share the same connection
// fields (spec.md §3) but are kept as distinct types for their distinct
// table and lifecycle semantics.
func followerAsNeighbor(f *identity.Follower) *identity.Neighbor {
	return &identity.Neighbor{
		ServerID:            f.ServerID,
		IPAddress:           f.IPAddress,
		PrimaryPort:         f.PrimaryPort,
		SrNeighborPort:      f.SrNeighborPort,
		Location:            f.Location,
		LastRefreshTime:     f.LastRefreshTime,
		SharedProfilesCount: f.SharedProfilesCount,
	}
}
