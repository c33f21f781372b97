package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nimbusid/profileserver/identity"
	"github.com/nimbusid/profileserver/internal/actionqueue"
	"github.com/nimbusid/profileserver/internal/gossip"
	"github.com/nimbusid/profileserver/internal/imagestore"
	"github.com/nimbusid/profileserver/internal/logging"
	"github.com/nimbusid/profileserver/internal/neighborhood"
	"github.com/nimbusid/profileserver/internal/registry"
	"github.com/nimbusid/profileserver/internal/replication"
	"github.com/nimbusid/profileserver/internal/server"
	"github.com/nimbusid/profileserver/internal/store"
	"github.com/nimbusid/profileserver/pkg/config"
)

func main() {
	root := &cobra.Command{Use: "profileserver"}
	root.PersistentFlags().String("env", "", "environment overlay config name (e.g. staging)")
	root.AddCommand(serveCmd(), neighborCmd(), actionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration the way the teacher's CLI commands do
// (.env file plus viper-merged YAML), grounded on cmd/cli/network.go's
// netInit.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	_ = godotenv.Load()
	env, _ := cmd.Flags().GetString("env")
	return config.Load(env)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the profile server's primary, application-service, neighbor-interface, and admin listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(*cfg)
		},
	}
}

func runServe(cfg config.Config) error {
	log, err := logging.New(cfg)
	if err != nil {
		return fmt.Errorf("profileserver: configure logging: %w", err)
	}

	myPublicKey, err := hex.DecodeString(cfg.Server.ServerID)
	if err != nil {
		return fmt.Errorf("profileserver: server.server_id must be hex-encoded: %w", err)
	}
	myServerID := identity.IDFromPublicKey(myPublicKey)

	backend, images, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer closeBackend(backend)

	st := store.New(backend)
	imgs := imagestore.New(images)
	reg := registry.New(log)

	dialer := server.NewDialer()
	cache := replication.NewEndpointCache(func(ctx context.Context, ipAddress string, primaryPort int) (int, error) {
		return resolveNeighborPort(ctx, dialer, ipAddress, primaryPort)
	})

	var srv *server.Server
	worker := replication.New(replication.Config{
		Store:          st,
		Images:         imgs,
		Dialer:         dialer,
		Cache:          cache,
		Enqueue:        func(a *identity.NeighborhoodAction) error { return st.PutAction(a) },
		Logger:         log,
		MyPrimaryPort:  portFromAddr(cfg.Server.ListenAddr),
		MyNeighborPort: cfg.Server.NeighborInterfacePort,
		MyPublicKey:    myPublicKey,
	})

	sched := actionqueue.New(st, worker.Run, cfg.Neighborhood.ActionConcurrency, log)
	srv = server.New(reg, st, imgs, sched, worker, cfg, log, myPublicKey)

	sweep := neighborhood.New(st, log)
	sweepStop := make(chan struct{})
	go sweep.Run(actionqueue.SchedulerInterval, 24*time.Hour, sweepStop)

	gossipClient := gossip.New(
		server.DialGossip(cfg.Gossip.Address),
		srv.HandleNeighborhoodChanged,
		func(ctx context.Context, conn gossip.Conn) {
			loc := identity.Location{}
			if err := conn.RegisterService(ctx, myServerID, portFromAddr(cfg.Server.ListenAddr), cfg.Server.NeighborInterfacePort, loc); err != nil {
				log.WithError(err).Warn("profileserver: gossip RegisterService failed")
				return
			}
			neighbors, err := conn.GetNeighbourNodesByDistance(ctx, loc, cfg.Neighborhood.MaxHostedIdentities)
			if err != nil {
				log.WithError(err).Warn("profileserver: gossip GetNeighbourNodesByDistance failed")
				return
			}
			srv.HandleNeighborhoodChanged(neighbors, nil)
		},
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	gossipClient.Start(ctx)
	sched.Start()

	primaryLn, err := srv.ServePrimary(cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("profileserver: primary listener: %w", err)
	}
	appLn, err := srv.ServeAppService(fmt.Sprintf(":%d", cfg.Server.ApplicationServicePort))
	if err != nil {
		return fmt.Errorf("profileserver: app-service listener: %w", err)
	}
	neighborLn, err := srv.ServeNeighbor(fmt.Sprintf(":%d", cfg.Server.NeighborInterfacePort))
	if err != nil {
		return fmt.Errorf("profileserver: neighbor listener: %w", err)
	}

	adminSrv := startAdmin(cfg.Server.AdminHTTPAddr, srv, log)

	log.WithFields(logrus.Fields{
		"primary":   cfg.Server.ListenAddr,
		"app":       cfg.Server.ApplicationServicePort,
		"neighbor":  cfg.Server.NeighborInterfacePort,
		"admin":     cfg.Server.AdminHTTPAddr,
	}).Info("profileserver: listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("profileserver: shutting down")
	close(sweepStop)
	cancel()
	gossipClient.Stop()
	sched.Stop()
	_ = primaryLn.Close()
	_ = appLn.Close()
	_ = neighborLn.Close()
	if adminSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = adminSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func neighborCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "neighbor", Short: "inspect the neighbor table"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list this server's neighbors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			backend, _, err := openStorage(*cfg)
			if err != nil {
				return err
			}
			defer closeBackend(backend)
			st := store.New(backend)
			neighbors, err := st.ListNeighbors()
			if err != nil {
				return err
			}
			for _, n := range neighbors {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s:%d\n", hex.EncodeToString(n.ServerID[:]), n.IPAddress, n.PrimaryPort)
			}
			return nil
		},
	})
	return cmd
}

func actionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "action", Short: "inspect the action queue"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list queued actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			backend, _, err := openStorage(*cfg)
			if err != nil {
				return err
			}
			defer closeBackend(backend)
			st := store.New(backend)
			actions, err := st.ListActionsAscending()
			if err != nil {
				return err
			}
			for _, a := range actions {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", a.ID, hex.EncodeToString(a.ServerID[:]), a.Type)
			}
			return nil
		},
	})
	return cmd
}
