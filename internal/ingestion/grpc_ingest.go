package ingestion

import (
	"LendLedger/internal/event"
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrIngestUnavailable = errors.New("ingest queue full")

// GRPCIngestService provides admin/manual event injection via gRPC.
// It is meant for governance operators and keepers, not for high-throughput
// ingestion (use NATS for that). Payloads use the same JSON wire formats as
// the NATS subjects, so the caller supplies the source sequence.
type GRPCIngestService struct {
	eventChan chan<- event.Event
	timeout   time.Duration
}

func NewGRPCIngestService(eventChan chan<- event.Event) *GRPCIngestService {
	return &GRPCIngestService{eventChan: eventChan, timeout: 5 * time.Second}
}

// Inject parses a wire payload of the named event type and queues it for the
// processor. It returns once the event is queued, not once it is applied.
func (s *GRPCIngestService) Inject(ctx context.Context, eventType string, payload []byte) (event.Event, error) {
	evt, err := ParseRawEvent(RawEvent{Subject: "grpc", Data: payload, Timestamp: time.Now()}, eventType)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// SubmitBatch queues an already-typed batch.
func (s *GRPCIngestService) SubmitBatch(ctx context.Context, batch *event.BatchSubmitted) error {
	if len(batch.Items) == 0 {
		return ErrEmptyBatch
	}
	return s.enqueue(ctx, batch)
}

// InjectPrice queues an oracle price.
func (s *GRPCIngestService) InjectPrice(ctx context.Context, update *event.OraclePriceUpdate) error {
	if !update.Price.IsPositive() {
		return fmt.Errorf("price must be positive")
	}
	return s.enqueue(ctx, update)
}

// RequestLiquidation queues a standalone liquidation.
func (s *GRPCIngestService) RequestLiquidation(ctx context.Context, req *event.LiquidationRequested) error {
	if !req.Repay.IsPositive() {
		return fmt.Errorf("repay must be positive")
	}
	return s.enqueue(ctx, req)
}

func (s *GRPCIngestService) enqueue(ctx context.Context, evt event.Event) error {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrIngestUnavailable
	}
}
