package ingestion

import (
	"LendLedger/internal/observability"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw events
// to the ingestion loop via eventChan. NATS JetStream is the primary
// ingestion surface; each subject maps to one event type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is the parsed-but-untyped event from NATS, ready for the shell
// to validate and convert into a typed event.Event before it reaches the processor.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful hand-off
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration.
// Governance subjects are suffixed with the asset address; batches with a
// submitter tag.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "lend.batches.>", EventType: "BatchSubmitted", ConsumerName: "ledger-batches", StreamName: "LEND_BATCHES"},
		{Subject: "lend.prices.>", EventType: "OraclePriceUpdate", ConsumerName: "ledger-prices", StreamName: "LEND_PRICES"},
		{Subject: "lend.governance.config.>", EventType: "AssetConfigured", ConsumerName: "ledger-gov-config", StreamName: "LEND_GOVERNANCE"},
		{Subject: "lend.governance.policy.>", EventType: "AssetPolicyUpdate", ConsumerName: "ledger-gov-policy", StreamName: "LEND_GOVERNANCE"},
		{Subject: "lend.governance.override.>", EventType: "OverrideUpdate", ConsumerName: "ledger-gov-override", StreamName: "LEND_GOVERNANCE"},
		{Subject: "lend.liquidations.>", EventType: "LiquidationRequested", ConsumerName: "ledger-liquidations", StreamName: "LEND_LIQUIDATIONS"},
	}
}

// SubjectRouter resolves a concrete NATS subject to its event type by
// longest matching prefix of the configured wildcard subjects.
type SubjectRouter struct {
	prefixes map[string]string
}

func NewSubjectRouter(subjects []SubjectConfig) *SubjectRouter {
	r := &SubjectRouter{prefixes: make(map[string]string, len(subjects))}
	for _, cfg := range subjects {
		// Strip trailing ".>" for prefix matching
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		r.prefixes[prefix] = cfg.EventType
	}
	return r
}

// Resolve returns "" when no configured subject matches.
func (r *SubjectRouter) Resolve(subject string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range r.prefixes {
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestType = evtType
		}
	}
	return bestType
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		subject := cfg.Subject
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			now := time.Now()
			if meta, err := msg.Metadata(); err == nil && ns.metrics != nil {
				ns.metrics.NATSPullLatency.WithLabelValues(subject).Observe(now.Sub(meta.Timestamp).Seconds())
			}

			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: now,
				AckFunc: func() {
					if err := msg.Ack(); err != nil {
						ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack failed")
					}
				},
				NakFunc: func() {
					if err := msg.Nak(); err != nil {
						ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("nak failed")
					}
				},
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				raw.NakFunc()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []struct {
		name    string
		subject string
	}{
		{"LEND_BATCHES", "lend.batches.>"},
		{"LEND_PRICES", "lend.prices.>"},
		{"LEND_GOVERNANCE", "lend.governance.>"},
		{"LEND_LIQUIDATIONS", "lend.liquidations.>"},
	}

	for _, s := range streams {
		cfg := jetstream.StreamConfig{
			Name:      s.name,
			Subjects:  []string{s.subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		}
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Int("consumers", len(ns.consumers)).Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("lendledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
