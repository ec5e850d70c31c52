package main

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// snapshotCheckInterval is how often the loop checks whether enough events
// have been applied since the last snapshot.
const snapshotCheckInterval = 10 * time.Second

type snapshotRequest struct {
	reply chan snapshotReply
}

type snapshotReply struct {
	sequence int64
	err      error
}

// ledgerLoop owns the processor. Every event, and every snapshot, goes
// through Run so the engine state is only ever touched by one goroutine.
type ledgerLoop struct {
	proc     *core.Processor
	snapMgr  *persistence.SnapshotManager
	health   *observability.HealthChecker
	metrics  *observability.Metrics
	logger   zerolog.Logger
	interval int64

	// applied on an empty log before the first inbound event
	bootstrap []event.Event

	requests        chan snapshotRequest
	lastSnapshotSeq int64
	finalSnapshot   int64
}

func newLedgerLoop(
	proc *core.Processor,
	snapMgr *persistence.SnapshotManager,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	interval int64,
) *ledgerLoop {
	if interval <= 0 {
		interval = 100_000
	}
	return &ledgerLoop{
		proc:            proc,
		snapMgr:         snapMgr,
		health:          health,
		metrics:         metrics,
		logger:          logger,
		interval:        interval,
		requests:        make(chan snapshotRequest),
		lastSnapshotSeq: proc.AppliedSequence(),
		finalSnapshot:   -1,
	}
}

// RequestSnapshot asks the loop for a snapshot and waits for its sequence.
func (l *ledgerLoop) RequestSnapshot(ctx context.Context) (int64, error) {
	req := snapshotRequest{reply: make(chan snapshotReply, 1)}
	select {
	case l.requests <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.sequence, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run applies events from NATS and gRPC until ctx is done, then takes a
// final snapshot. Processing errors are logged; the inbound message has
// already been acked.
func (l *ledgerLoop) Run(ctx context.Context, natsEvents, grpcEvents <-chan event.Event) error {
	for _, evt := range l.bootstrap {
		l.process(evt, "bootstrap")
	}
	l.bootstrap = nil

	ticker := time.NewTicker(snapshotCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil

		case evt, ok := <-natsEvents:
			if !ok {
				// Parser exits with ctx; wait for Done
				natsEvents = nil
				continue
			}
			l.process(evt, "nats")

		case evt := <-grpcEvents:
			l.process(evt, "grpc")

		case req := <-l.requests:
			seq, err := l.snapshot(ctx)
			req.reply <- snapshotReply{sequence: seq, err: err}

		case <-ticker.C:
			l.metrics.SetChannelMetrics("nats_typed", len(natsEvents), cap(natsEvents))
			l.metrics.SetChannelMetrics("grpc_ingest", len(grpcEvents), cap(grpcEvents))
			if l.proc.AppliedSequence()-l.lastSnapshotSeq >= l.interval {
				if seq, err := l.snapshot(ctx); err != nil {
					l.logger.Warn().Err(err).Msg("periodic snapshot failed")
				} else {
					l.logger.Info().Int64("sequence", seq).Msg("periodic snapshot")
				}
			}
		}
	}
}

func (l *ledgerLoop) process(evt event.Event, source string) {
	if err := l.proc.ProcessEvent(evt); err != nil {
		l.logger.Error().
			Err(err).
			Str("source", source).
			Str("event_type", evt.EventType().String()).
			Str("idempotency_key", evt.IdempotencyKey()).
			Msg("process event failed")
		return
	}
	l.health.SetAppliedSequence(l.proc.AppliedSequence())
}

func (l *ledgerLoop) shutdown() {
	// Snapshots must not block on the cancelled context
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	seq, err := l.snapshot(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("final snapshot failed")
		return
	}
	l.finalSnapshot = seq
	l.logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
}

// snapshot captures the processor state and persists it unverified. It is
// verified once the event log has caught up with its sequence.
func (l *ledgerLoop) snapshot(ctx context.Context) (int64, error) {
	start := time.Now()

	state := l.proc.CreateSnapshotState()
	if state.Sequence < 0 {
		return -1, errors.New("nothing to snapshot: no events applied")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return -1, fmt.Errorf("encode snapshot: %w", err)
	}

	if err := l.snapMgr.SaveSnapshot(ctx, &persistence.SnapshotData{
		Sequence:  state.Sequence,
		StateHash: append([]byte(nil), state.StateHash[:]...),
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return -1, err
	}

	l.lastSnapshotSeq = state.Sequence
	l.metrics.SnapshotTaken.Inc()
	l.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	l.metrics.SnapshotSizeBytes.Set(float64(len(data)))
	l.metrics.SnapshotLastSeq.Set(float64(state.Sequence))

	go func() {
		vctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := verifySnapshot(vctx, l.snapMgr, state.Sequence); err != nil {
			l.logger.Warn().Err(err).Int64("sequence", state.Sequence).Msg("snapshot left unverified")
		}
	}()
	return state.Sequence, nil
}

// verifySnapshot marks the snapshot at seq verified once the event log holds
// every event up to it. Recovery only loads verified snapshots, so a
// snapshot ahead of the log is never restored.
func verifySnapshot(ctx context.Context, snapMgr *persistence.SnapshotManager, seq int64) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		latest, err := snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if latest >= seq {
			return snapMgr.MarkVerified(ctx, seq)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("event log at %d, snapshot at %d: %w", latest, seq, ctx.Err())
		case <-ticker.C:
		}
	}
}

// parseInbound converts raw NATS messages into typed events. Messages are
// acked after the typed send, not after processing, so slow processing
// never trips AckWait and backpressure reaches NATS through the channel.
// Unroutable and unparseable messages are acked and dropped.
func parseInbound(
	ctx context.Context,
	rawChan <-chan ingestion.RawEvent,
	typedChan chan<- event.Event,
	router *ingestion.SubjectRouter,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	defer close(typedChan)

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-rawChan:
			eventType := router.Resolve(raw.Subject)
			if eventType == "" {
				logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
				raw.AckFunc()
				continue
			}

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
				raw.AckFunc()
				continue
			}

			select {
			case typedChan <- evt:
				raw.AckFunc()
				if metrics != nil {
					metrics.IngestToApply.WithLabelValues(eventType).Observe(time.Since(raw.Timestamp).Seconds())
				}
			case <-ctx.Done():
				raw.NakFunc()
				return nil
			}
		}
	}
}
