package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/PaulusParssinen/garnet-sub001/pkg/cluster"
	"github.com/PaulusParssinen/garnet-sub001/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <slot> <target-node-id> <target-migration-addr>",
	Short: "Migrate one slot's keys to another node",
	Long: `Streams every key in slot to the target node's migration endpoint
(garnet server --migration-addr) and transfers ownership on completion,
driving the Migration Engine directly (spec.md §4.9).`,
	Args: cobra.ExactArgs(3),
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		slot, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid slot %q: %w", args[0], err)
		}
		targetNodeID, targetAddr := args[1], args[2]

		client, closeConn, err := cluster.DialTarget(targetAddr)
		if err != nil {
			return err
		}
		defer closeConn()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := s.MigrationEngine().MigrateSlot(ctx, slot, targetNodeID, client); err != nil {
			return fmt.Errorf("migrate slot %d: %w", slot, err)
		}
		fmt.Printf("slot %d migrated to %s\n", slot, targetNodeID)
		return nil
	}),
}
