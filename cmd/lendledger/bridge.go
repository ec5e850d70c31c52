package main

import (
	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"encoding/json"
	"log"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// bridgeCoreOutputs converts core.CoreOutput to persistence, projection and
// publish formats. This avoids import cycles between core and the workers.
// It returns once both inputs are closed, after closing its outputs, so the
// workers drain everything the processor emitted.
func bridgeCoreOutputs(
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	defer close(persistOut)
	defer close(projectionOut)
	defer close(publishOut)

	for persistIn != nil || projectionIn != nil {
		select {
		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}

			// Blocking: the event log is never dropped
			persistOut <- toPersistence(output)

			select {
			case publishOut <- toPublishable(output):
			default:
				metrics.PublishDrops.Inc()
			}

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}

			select {
			case projectionOut <- toProjection(output):
			default:
				metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
			}
		}
	}
}

func toPersistence(output core.CoreOutput) persistence.CoreOutput {
	env := output.Envelope

	// Copy [32]byte arrays so the rows do not alias the envelope
	stateHash := append([]byte(nil), env.StateHash[:]...)
	prevHash := append([]byte(nil), env.PrevHash[:]...)

	pOutput := persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			MarketID:       copyString(env.MarketID),
			Rejected:       output.Outcome.Rejected,
			Payload:        env.Payload,
			Outcome:        encodeOutcome(output.Outcome),
			StateHash:      stateHash,
			PrevHash:       prevHash,
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
	}

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			pOutput.JournalRows = append(pOutput.JournalRows, persistence.JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      output.Batch.EventRef,
				Sequence:      output.Batch.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         assetKey(j.Asset),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return pOutput
}

func toProjection(output core.CoreOutput) projection.ProjectionOutput {
	env := output.Envelope
	pOutput := projection.ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Rejected:  output.Outcome.Rejected,
		Timestamp: env.Timestamp.Unix(),
	}

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			pOutput.JournalEntries = append(pOutput.JournalEntries, projection.JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         assetKey(j.Asset),
				Amount:        j.Amount,
			})
		}
	}
	for _, rec := range output.Outcome.Markets {
		pOutput.Markets = append(pOutput.Markets, projection.NewMarketStatusRow(env.Sequence, rec))
	}
	for _, res := range output.Outcome.Liquidations {
		pOutput.Liquidations = append(pOutput.Liquidations, projection.NewLiquidationEntry(env.Sequence, res))
	}
	return pOutput
}

func toPublishable(output core.CoreOutput) ingestion.PublishableEvent {
	env := output.Envelope
	evt := ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       copyString(env.MarketID),
		Rejected:       output.Outcome.Rejected,
		Reason:         output.Outcome.Reason,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		Timestamp:      env.Timestamp,
	}
	if !output.Outcome.Rejected {
		evt.Outcome = output.Outcome
	}
	return evt
}

// encodeOutcome returns nil for outcomes with nothing to record.
func encodeOutcome(o core.Outcome) []byte {
	if !o.Rejected && o.BatchResult == nil && len(o.Liquidations) == 0 && len(o.Markets) == 0 && o.Price == nil {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		// Outcomes are plain data; a failure here is a programming error
		log.Printf("ERROR: encode outcome: %v", err)
		return nil
	}
	return data
}

func assetKey(asset common.Address) string {
	return strings.ToLower(asset.Hex())
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
