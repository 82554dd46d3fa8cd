package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PaulusParssinen/garnet-sub001/pkg/cluster"
	"github.com/PaulusParssinen/garnet-sub001/pkg/log"
	"github.com/PaulusParssinen/garnet-sub001/pkg/metrics"
	"github.com/PaulusParssinen/garnet-sub001/pkg/replication"
	"github.com/PaulusParssinen/garnet-sub001/pkg/store"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the storage and replication core as a standalone node",
	Long: `Opens the Main/Object stores, the AOF, and (when --cluster is set) the
slot map and migration engine, then serves replica sync connections and
internal metrics until interrupted.

This command does not speak RESP: it exercises the storage/replication core
directly, for operators and integration tests that don't need the external
command layer.`,
	RunE: runServer,
}

var replicaOfFlag string

func init() {
	serverCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "internal metrics listen address")
	serverCmd.Flags().String("replication-addr", "", "address to serve replica sync connections on (primary role if set)")
	serverCmd.Flags().StringVar(&replicaOfFlag, "replica-of", "", "primary node's replication address (replica role if set)")
	serverCmd.Flags().String("migration-addr", "", "address to serve incoming slot migration keys on")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("garnet server: %w", err)
	}
	if cfg.Store.NodeID == "" {
		return fmt.Errorf("garnet server: --node-id is required")
	}

	s, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("garnet server: open store: %w", err)
	}
	defer s.Close()

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	stopMetrics, err := serveMetrics(metricsAddr, s)
	if err != nil {
		return fmt.Errorf("garnet server: metrics listener: %w", err)
	}
	defer stopMetrics()

	replicationAddr, _ := cmd.Flags().GetString("replication-addr")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if replicationAddr != "" {
		if err := servePrimary(ctx, s, replicationAddr, cfg.Store.MainMemoryReplication); err != nil {
			return fmt.Errorf("garnet server: serve primary: %w", err)
		}
		fmt.Printf("replication: serving replicas on %s\n", replicationAddr)
	}

	if replicaOfFlag != "" {
		if err := runReplica(ctx, s, cfg.Store.NodeID, replicaOfFlag); err != nil {
			return fmt.Errorf("garnet server: start replica: %w", err)
		}
		fmt.Printf("replication: streaming from primary at %s\n", replicaOfFlag)
	}

	migrationAddr, _ := cmd.Flags().GetString("migration-addr")
	if migrationAddr != "" {
		if err := serveMigrationImport(ctx, s, migrationAddr); err != nil {
			return fmt.Errorf("garnet server: serve migration import: %w", err)
		}
		fmt.Printf("migration: accepting imported keys on %s\n", migrationAddr)
	}

	fmt.Printf("garnet: node %s ready (aof=%v cluster=%v)\n", cfg.Store.NodeID, cfg.Store.EnableAof, cfg.Store.ClusterEnabled)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("garnet: shutting down")
	return nil
}

// serveMetrics exposes the internal operational gauges (spec.md DOMAIN STACK
// "narrow internal gauges") over an HTTP endpoint at addr (--metrics-addr,
// loopback by default) and starts the poller that keeps them current.
func serveMetrics(addr string, s *store.Store) (stop func(), err error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux}

	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.WithComponent("garnet").Error().Err(err).Msg("metrics server")
		}
	}()
	stopPoll := metrics.StartPoller(s, time.Second)

	return func() {
		stopPoll()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// clusterEndpoints resolves a replica's node_id through the local slot map's
// config table, satisfying replication.ClusterEndpoints.
type clusterEndpoints struct{ slots *cluster.SlotMap }

func (c *clusterEndpoints) ResolveNode(nodeID string) (string, bool) {
	for i := 0; i < types.SlotCount; i++ {
		if slot := c.slots.Slot(i); slot.Owner == nodeID {
			return nodeID, true
		}
	}
	return "", false
}

func servePrimary(ctx context.Context, s *store.Store, addr string, mainMemoryReplication bool) error {
	ts := s.StartPrimary(&clusterEndpoints{slots: s.Slots()})
	if ts == nil {
		return fmt.Errorf("aof disabled, cannot serve replicas")
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := replication.NewServer(lis, replication.ServePrimary(ts, mainMemoryReplication), log.WithComponent("replication"))
	go func() {
		if err := srv.Serve(); err != nil {
			log.WithComponent("garnet").Error().Err(err).Msg("replication server")
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	return nil
}

func serveMigrationImport(ctx context.Context, s *store.Store, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := cluster.NewMigrationServer(lis, s, log.WithComponent("migration"))
	go func() {
		if err := srv.Serve(); err != nil {
			log.WithComponent("garnet").Error().Err(err).Msg("migration import server")
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	return nil
}

func runReplica(ctx context.Context, s *store.Store, nodeID, primaryAddr string) error {
	conn, err := replication.DialPrimary(ctx, primaryAddr)
	if err != nil {
		return err
	}
	backoff := replication.ReconnectPolicy{Initial: 100 * time.Millisecond, Max: 10 * time.Second}
	r := s.StartReplica(nodeID, "", conn, backoff)
	go func() {
		if err := r.Run(ctx); err != nil {
			log.WithComponent("garnet").Error().Err(err).Msg("replica sync")
		}
	}()
	return nil
}
