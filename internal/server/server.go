package server

import (
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/actionqueue"
	"github.com/nimbusid/profileserver/internal/geo"
	"github.com/nimbusid/profileserver/internal/imagestore"
	"github.com/nimbusid/profileserver/internal/registry"
	"github.com/nimbusid/profileserver/internal/relay"
	"github.com/nimbusid/profileserver/internal/replication"
	"github.com/nimbusid/profileserver/internal/store"
	"github.com/nimbusid/profileserver/internal/validator"
	"github.com/nimbusid/profileserver/pkg/config"
	"github.com/nimbusid/profileserver/wire"
)

// Server bundles the shared collaborators every listener (primary,
// application-service, neighbor-interface, admin) dispatches against. It is
// the composition root the teacher's cmd/synnergy/main.go fills by hand;
// here New plays that role for the profile-server domain.
type Server struct {
	Registry  *registry.Registry
	Store     *store.Store
	Images    *imagestore.Store
	Scheduler *actionqueue.Scheduler
	Worker    *replication.Worker
	Cfg       config.Config
	Log       *logrus.Logger

	// MyPublicKey identifies this server on the neighbor-interface port
	// (see peerConn.setIdentityID callers in neighbor.go); it has nothing
	// to do with any individual hosted identity's own PublicKey.
	MyPublicKey []byte

	nextConnID  uint64
	nextEnvelope uint32

	pendingCallsMu sync.Mutex
	pendingCalls   map[uint32]*relay.Connection

	relayConnsMu sync.Mutex
	relayConns   map[registry.RelayKey]*relay.Connection
}

// New constructs a Server from its collaborators. It does not itself open
// any listener; call Serve* methods to do that.
func New(reg *registry.Registry, st *store.Store, images *imagestore.Store, sched *actionqueue.Scheduler, worker *replication.Worker, cfg config.Config, log *logrus.Logger, myPublicKey []byte) *Server {
	return &Server{
		Registry:     reg,
		Store:        st,
		Images:       images,
		Scheduler:    sched,
		Worker:       worker,
		Cfg:          cfg,
		Log:          logOrStandard(log),
		MyPublicKey:  myPublicKey,
		pendingCalls: make(map[uint32]*relay.Connection),
		relayConns:   make(map[registry.RelayKey]*relay.Connection),
	}
}

// trackIncomingCall remembers which relay an IncomingCallNotificationRequest
// envelope id belongs to, so the matching IncomingCallNotificationResponse
// can be routed back to Connection.CalleeResponded.
func (s *Server) trackIncomingCall(envID uint32, rc *relay.Connection) {
	s.pendingCallsMu.Lock()
	s.pendingCalls[envID] = rc
	s.pendingCallsMu.Unlock()
}

func (s *Server) takeIncomingCall(envID uint32) (*relay.Connection, bool) {
	s.pendingCallsMu.Lock()
	defer s.pendingCallsMu.Unlock()
	rc, ok := s.pendingCalls[envID]
	if ok {
		delete(s.pendingCalls, envID)
	}
	return rc, ok
}

func (s *Server) allocConnID() uint64 { return atomic.AddUint64(&s.nextConnID, 1) }

func (s *Server) allocEnvelopeID() uint32 { return atomic.AddUint32(&s.nextEnvelope, 1) }

// searchLimits are fixed policy constants for ProfileSearchRequest
// validation (spec.md §4.1); real deployments could move these into
// config, but the spec only requires the limit to exist and differ by
// IncludeThumbnails.
var searchLimits = validator.SearchContext{
	MaxResponseRecordCountNoThumbs: 200,
	MaxResponseRecordCountThumbs:   50,
	MaxTotalRecordCount:            2000,
	MaxExtraDataFilterBytes:        identity.MaxExtraDataBytes,
}

// runSearch executes a validated ProfileSearchRequest against the store,
// matching both hosted identities and cached neighbor identities so
// results transparently span the neighborhood (spec.md §1).
func (s *Server) runSearch(req *wire.ProfileSearchRequest) *wire.ProfileSearchResponse {
	if st := validator.Search(req, searchLimits); st.Code != wire.Ok {
		return &wire.ProfileSearchResponse{Status: st}
	}

	var typeRe, nameRe, extraRe *regexp.Regexp
	if req.TypeFilter != "" {
		typeRe, _ = regexp.Compile(req.TypeFilter)
	}
	if req.NameFilter != "" {
		nameRe, _ = regexp.Compile(req.NameFilter)
	}
	if req.ExtraDataFilter != "" {
		extraRe, _ = regexp.Compile(req.ExtraDataFilter)
	}

	hosted, err := s.Store.ListHostedIdentities()
	if err != nil {
		return &wire.ProfileSearchResponse{Status: wire.Status{Code: wire.ErrorInternal}}
	}
	neighbors, err := s.Store.ListNeighborIdentitiesAll()
	if err != nil {
		return &wire.ProfileSearchResponse{Status: wire.Status{Code: wire.ErrorInternal}}
	}

	var matched []*identity.Profile
	matched = append(matched, hosted...)
	for _, ni := range neighbors {
		p := ni.Profile
		matched = append(matched, &p)
	}

	center := identity.Location{Latitude: req.Latitude, Longitude: req.Longitude}
	var records []wire.ProfileSearchRecord
	total := 0
	for _, p := range matched {
		if typeRe != nil && !typeRe.MatchString(p.Type) {
			continue
		}
		if nameRe != nil && !nameRe.MatchString(p.Name) {
			continue
		}
		if extraRe != nil && !extraRe.MatchString(p.ExtraData) {
			continue
		}
		if req.HasLocation && !geo.WithinRadius(center, p.Location, req.Radius) {
			continue
		}
		total++
		if total > req.MaxTotalRecordCount || len(records) >= req.MaxResponseRecordCount {
			continue
		}
		rec := wire.ProfileSearchRecord{
			IdentityID:         append([]byte(nil), p.IdentityID[:]...),
			PublicKey:          append([]byte(nil), p.PublicKey...),
			Name:               p.Name,
			Type:               p.Type,
			Latitude:           p.Location.Latitude,
			Longitude:          p.Location.Longitude,
			ExtraData:          p.ExtraData,
			ProfileImageHash:   p.ProfileImageHash,
			ThumbnailImageHash: p.ThumbnailImageHash,
		}
		if req.IncludeThumbnails && len(p.ThumbnailImageHash) == identity.HashLength {
			if data, err := s.Images.Get(identity.ID(p.ThumbnailImageHash)); err == nil {
				rec.ThumbnailImageBytes = data
			}
		}
		records = append(records, rec)
	}

	return &wire.ProfileSearchResponse{Status: wire.OkStatus, Records: records, TotalMatched: total}
}
