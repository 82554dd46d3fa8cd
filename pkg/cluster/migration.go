package cluster

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/PaulusParssinen/garnet-sub001/pkg/gerr"
	"github.com/PaulusParssinen/garnet-sub001/pkg/types"
)

// KeyValue is one key's worth of data to transfer during migration. Value is
// opaque to the migration engine: for the main store it's the raw byte
// value, for the object store it's an object.Envelope-encoded blob.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Source is the local data-plane surface the Migration Engine reads from
// when acting as the migration's source node (spec.md §4.9).
type Source interface {
	CountKeysInSlot(slot int) (int, error)
	GetKeysInSlot(slot int, limit int) ([]KeyValue, error)
	DeleteKey(key []byte) error
}

// TargetClient pushes keys to the remote node importing a slot.
type TargetClient interface {
	SetKey(ctx context.Context, kv KeyValue) error
}

// Engine is the Migration Engine (C8): moves slot ranges or individual keys
// between nodes, serialized per-slot against concurrent migrations.
type Engine struct {
	slots  *SlotMap
	source Source
	log    zerolog.Logger
}

// NewEngine builds a migration engine reading local data via source and
// mutating slot state via slots.
func NewEngine(slots *SlotMap, source Source, log zerolog.Logger) *Engine {
	return &Engine{slots: slots, source: source, log: log}
}

// MigrateSlot performs slot-mode migration (spec.md §4.9): every key in slot
// is streamed to target via client, then ownership transitions and the
// epoch bumps. The slot is MIGRATING on this node for the duration.
//
// Idempotence: if slot is already STABLE and owned by target, this is a
// no-op (a prior call already completed it).
func (e *Engine) MigrateSlot(ctx context.Context, slot int, target string, client TargetClient) error {
	unlock := e.slots.lockSlot(slot)
	defer unlock()

	cur := e.slots.Slot(slot)
	if cur.Status != types.SlotMigrating && cur.Owner == target {
		return nil
	}

	if err := e.slots.SetSlotMigrating(slot, target); err != nil {
		return err
	}

	const pageSize = 256
	for {
		batch, err := e.source.GetKeysInSlot(slot, pageSize)
		if err != nil {
			return fmt.Errorf("cluster: migrate slot %d: read keys: %w", slot, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, kv := range batch {
			if err := client.SetKey(ctx, kv); err != nil {
				return fmt.Errorf("cluster: migrate slot %d: send key: %w", slot, err)
			}
			if err := e.source.DeleteKey(kv.Key); err != nil {
				return fmt.Errorf("cluster: migrate slot %d: delete source key: %w", slot, err)
			}
		}
	}

	if err := e.slots.SetSlotNode(slot, target); err != nil {
		return err
	}
	e.log.Info().Int("slot", slot).Str("target", target).Msg("cluster: slot migration complete")
	return nil
}

// MigrateKeys performs key-mode migration: only the supplied keys move, and
// the epoch bump happens after completion without a slot-wide ownership
// transition (spec.md §4.9 "Key mode").
func (e *Engine) MigrateKeys(ctx context.Context, slot int, keys [][]byte, target string, client TargetClient, get func(key []byte) (KeyValue, bool, error)) error {
	unlock := e.slots.lockSlot(slot)
	defer unlock()

	for _, k := range keys {
		kv, found, err := get(k)
		if err != nil {
			return fmt.Errorf("cluster: migrate keys: read %q: %w", k, err)
		}
		if !found {
			continue
		}
		if err := client.SetKey(ctx, kv); err != nil {
			return fmt.Errorf("cluster: migrate keys: send %q: %w", k, err)
		}
		if err := e.source.DeleteKey(k); err != nil {
			return fmt.Errorf("cluster: migrate keys: delete %q: %w", k, err)
		}
	}
	e.slots.BumpEpoch(e.slots.ConfigEpoch() + 1)
	return nil
}

// Abort leaves slot in its current MIGRATING/IMPORTING state for an operator
// to resolve (spec.md §4.9 "Failure"): the engine never auto-resolves a
// partial migration, and never leaves a slot owned by two nodes.
func (e *Engine) Abort(slot int) error {
	cur := e.slots.Slot(slot)
	if cur.Owner == "" {
		return fmt.Errorf("%w: slot %d has no owner to abort to", gerr.ErrNotSlotOwner, slot)
	}
	return nil
}
