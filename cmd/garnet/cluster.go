package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/PaulusParssinen/garnet-sub001/pkg/store"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect and manipulate this node's local cluster slot map",
	Long: `Operates on the slot map of the Store opened at --checkpoint-dir, the way
an operator would drive CLUSTER SETSLOT/ADDSLOTS/DELSLOTS by hand. The slot
map is held in memory and is not written to disk, so a change lasts only for
the one invocation. Requires the node to be stopped: the storage engine does
not support two processes holding the same data directory.`,
}

var clusterInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print this node's owned/migrating slot counts",
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		fmt.Printf("slots_owned: %d\n", s.SlotsOwned())
		fmt.Printf("slots_migrating: %d\n", s.SlotsMigrating())
		fmt.Printf("config_epoch: %d\n", s.Slots().ConfigEpoch())
		return nil
	}),
}

var clusterAddSlotsCmd = &cobra.Command{
	Use:   "addslots <slot> [slot...]",
	Short: "Assign slots to this node",
	Args:  cobra.MinimumNArgs(1),
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		slots, err := parseSlots(args)
		if err != nil {
			return err
		}
		if err := s.Slots().AddSlots(slots); err != nil {
			return err
		}
		fmt.Printf("added %d slot(s)\n", len(slots))
		return nil
	}),
}

var clusterDelSlotsCmd = &cobra.Command{
	Use:   "delslots <slot> [slot...]",
	Short: "Unassign slots from this node",
	Args:  cobra.MinimumNArgs(1),
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		slots, err := parseSlots(args)
		if err != nil {
			return err
		}
		if err := s.Slots().DelSlots(slots); err != nil {
			return err
		}
		fmt.Printf("removed %d slot(s)\n", len(slots))
		return nil
	}),
}

var clusterSetSlotCmd = &cobra.Command{
	Use:   "setslot <slot> <stable|migrating|importing> [node]",
	Short: "Transition one slot's migration state",
	Args:  cobra.RangeArgs(2, 3),
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		slot, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid slot %q: %w", args[0], err)
		}
		switch args[1] {
		case "stable":
			err = s.Slots().SetSlotStable(slot)
		case "migrating":
			if len(args) != 3 {
				return fmt.Errorf("setslot migrating requires a target node")
			}
			err = s.Slots().SetSlotMigrating(slot, args[2])
		case "importing":
			if len(args) != 3 {
				return fmt.Errorf("setslot importing requires a source node")
			}
			err = s.Slots().SetSlotImporting(slot, args[2])
		default:
			return fmt.Errorf("unknown state %q: want stable, migrating, or importing", args[1])
		}
		if err != nil {
			return err
		}
		fmt.Printf("slot %d -> %s\n", slot, args[1])
		return nil
	}),
}

func init() {
	clusterCmd.AddCommand(clusterInfoCmd, clusterAddSlotsCmd, clusterDelSlotsCmd, clusterSetSlotCmd)
}

func parseSlots(args []string) ([]int, error) {
	slots := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid slot %q: %w", a, err)
		}
		slots = append(slots, n)
	}
	return slots, nil
}

// withStore opens the Store named by --checkpoint-dir/--node-id for the
// duration of one admin command and closes it on return.
func withStore(fn func(cmd *cobra.Command, s *store.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := store.Open(cfg.Store)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()
		return fn(cmd, s, args)
	}
}
