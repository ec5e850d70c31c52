package main

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/persistence"
	"context"
	"encoding/json"
	"fmt"
	"log"
)

const replayBatchSize = 1000

// restoreFromSnapshot decodes a stored snapshot into the processor and
// checks the restored chain tip against the stored hash.
func restoreFromSnapshot(proc *core.Processor, snap *persistence.SnapshotData) error {
	var state core.SnapshotState
	if err := json.Unmarshal(snap.Data, &state); err != nil {
		return fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
	}
	if state.Sequence != snap.Sequence {
		return fmt.Errorf("snapshot %d holds state for sequence %d", snap.Sequence, state.Sequence)
	}

	proc.RestoreFromSnapshot(&state)

	var expected [32]byte
	copy(expected[:], snap.StateHash)
	if actual := proc.GetStateHash(); actual != expected {
		return fmt.Errorf("state hash mismatch after restore: stored %x, restored %x", expected, actual)
	}
	log.Printf("INFO: restored state from snapshot at sequence %d", snap.Sequence)
	return nil
}

// replayEventsFromLog re-applies every logged event after the processor's
// current sequence. Each replayed event must reproduce its logged state
// hash; a mismatch stops recovery.
func replayEventsFromLog(ctx context.Context, snapMgr *persistence.SnapshotManager, proc *core.Processor) (int64, error) {
	var replayed int64
	from := proc.GetSequence()

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}

		for i := range rows {
			env := envelopeFromRow(&rows[i])
			if err := proc.Replay(env); err != nil {
				return replayed, err
			}
			replayed++
		}

		from = rows[len(rows)-1].Sequence + 1
	}
}

func envelopeFromRow(row *persistence.EventRow) *event.EventEnvelope {
	env := &event.EventEnvelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		EventType:      event.ParseEventType(row.EventType),
		MarketID:       row.MarketID,
		Timestamp:      row.Timestamp,
		SourceSequence: row.SourceSequence,
		Payload:        row.Payload,
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)
	return env
}
