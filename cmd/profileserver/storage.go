package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimbusid/profileserver/internal/replication"
	"github.com/nimbusid/profileserver/internal/server"
	"github.com/nimbusid/profileserver/internal/store"
	"github.com/nimbusid/profileserver/pkg/config"
	"github.com/nimbusid/profileserver/wire"
)

// openStorage opens the two badger databases (or in-memory backends, for
// local/testing runs) the profile store and the image store live in.
// They are kept as separate databases since the image store's blob values
// are far larger than anything in the profile store and benefit from
// independent compaction.
func openStorage(cfg config.Config) (store.Backend, store.Backend, error) {
	if cfg.Storage.InMemory {
		return store.NewMemoryBackend(), store.NewMemoryBackend(), nil
	}
	profileBackend, err := store.OpenBadger(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("profileserver: open profile store: %w", err)
	}
	imageBackend, err := store.OpenBadger(cfg.Storage.ImagesPath)
	if err != nil {
		_ = profileBackend.Close()
		return nil, nil, fmt.Errorf("profileserver: open image store: %w", err)
	}
	return profileBackend, imageBackend, nil
}

func closeBackend(b store.Backend) {
	if closer, ok := b.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// portFromAddr extracts the numeric port from a "host:port" listen
// address; it panics on a malformed config value since that is a startup
// configuration error, not a runtime condition to recover from.
func portFromAddr(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(fmt.Sprintf("profileserver: invalid listen address %q: %v", addr, err))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(fmt.Sprintf("profileserver: invalid listen address port %q: %v", addr, err))
	}
	return port
}

// resolveNeighborPort implements the "falling back to asking the peer's
// primary port for its role table" half of AddNeighbor's endpoint
// resolution (spec.md §4.5); the cached-port fast path lives in
// replication.EndpointCache itself.
func resolveNeighborPort(ctx context.Context, dialer *server.Dialer, ipAddress string, primaryPort int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conv, err := dialer.Dial(ctx, replication.Endpoint{IPAddress: ipAddress, SrNeighborPort: primaryPort})
	if err != nil {
		return 0, err
	}
	defer conv.Close()

	resp, err := conv.Send(ctx, &wire.GetRoleTableRequest{})
	if err != nil {
		return 0, err
	}
	roleResp, ok := resp.(*wire.GetRoleTableResponse)
	if !ok {
		return 0, fmt.Errorf("profileserver: unexpected response to GetRoleTableRequest: %s", resp.Name())
	}
	if roleResp.Status.Code != wire.Ok {
		return 0, fmt.Errorf("profileserver: GetRoleTableRequest rejected: %v", roleResp.Status)
	}
	return roleResp.NeighborInterfacePort, nil
}

func startAdmin(addr string, srv *server.Server, log *logrus.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	h := &http.Server{Addr: addr, Handler: srv.AdminRouter()}
	go func() {
		if err := h.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("profileserver: admin http server stopped")
		}
	}()
	return h
}
