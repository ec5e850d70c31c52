package main

import (
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/server"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func submitCommand() *cobra.Command {
	var (
		via     string
		natsURL string
		tag     string
	)
	c := &cobra.Command{
		Use:   "submit <event_type> <payload.json|->",
		Short: "Submit one event payload to a running ledger",
		Long: "submit sends a payload in the NATS wire format either through the gRPC " +
			"SubmitEvent call (default) or by publishing it on the event type's ingest subject.",
		Args: cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			eventType := args[0]
			if event.ParseEventType(eventType) == event.EventTypeUnknown {
				return fmt.Errorf("unknown event type %q", eventType)
			}
			payload, err := readPayload(c.InOrStdin(), args[1])
			if err != nil {
				return err
			}

			switch via {
			case "grpc":
				return invoke(c.Context(), c.OutOrStdout(), "SubmitEvent", &server.SubmitEventRequest{
					EventType: eventType,
					Payload:   payload,
				})
			case "nats":
				subject, err := ingestSubject(eventType, tag)
				if err != nil {
					return err
				}
				nc, js, err := ingestion.ConnectNATS(natsURL)
				if err != nil {
					return err
				}
				defer nc.Close()

				ack, err := js.Publish(c.Context(), subject, payload)
				if err != nil {
					return fmt.Errorf("publish %s: %w", subject, err)
				}
				fmt.Fprintf(c.OutOrStdout(), "published %s to %s (stream %s, seq %d)\n", eventType, subject, ack.Stream, ack.Sequence)
				return nil
			default:
				return fmt.Errorf("--via must be grpc or nats, got %q", via)
			}
		},
	}
	addGRPCFlag(c)
	flags := c.Flags()
	flags.StringVar(&via, "via", "grpc", "transport: grpc or nats")
	flags.StringVar(&natsURL, "nats", envOrDefault("LEND_NATS_URL", "nats://localhost:4222"), "NATS URL for --via nats")
	flags.StringVar(&tag, "tag", "lendctl", "subject suffix for --via nats (asset address for governance and price events)")
	return c
}

func readPayload(stdin io.Reader, path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return data, nil
}

// ingestSubject returns the concrete subject an event type is consumed from.
func ingestSubject(eventType, tag string) (string, error) {
	if tag == "" || strings.ContainsAny(tag, " *>") {
		return "", fmt.Errorf("invalid subject tag %q", tag)
	}
	for _, cfg := range ingestion.DefaultSubjects() {
		if cfg.EventType == eventType {
			return strings.TrimSuffix(cfg.Subject, ">") + tag, nil
		}
	}
	return "", fmt.Errorf("no ingest subject for %s", eventType)
}
