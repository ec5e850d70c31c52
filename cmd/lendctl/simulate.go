package main

import (
	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/ledger"
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// simulatedEvent is one line of an events file:
//
//	{"event_type": "BatchSubmitted", "payload": {...}}
type simulatedEvent struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type simulatedStep struct {
	Sequence  int64        `json:"sequence"`
	EventType string       `json:"event_type"`
	Key       string       `json:"idempotency_key"`
	Outcome   core.Outcome `json:"outcome"`
}

func simulateCommand() *cobra.Command {
	var (
		marketsFile string
		accounts    []string
	)
	c := &cobra.Command{
		Use:   "simulate <events.jsonl>",
		Short: "Replay events against an in-memory ledger seeded from a markets file",
		Long: "simulate activates the markets of the file, applies each event line in order " +
			"and prints every outcome, followed by the liquidity of the requested accounts.",
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			markets, err := config.LoadMarkets(marketsFile)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			sim, err := newSimulator(markets, time.Now().Unix())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.OutOrStdout())
			enc.SetIndent("", "  ")

			if err := sim.run(f, func(step simulatedStep) error { return enc.Encode(step) }); err != nil {
				return err
			}

			for _, a := range accounts {
				addr, err := ledger.ParseAddress(a)
				if err != nil {
					return err
				}
				report, err := sim.account(addr)
				if err != nil {
					return err
				}
				if err := enc.Encode(report); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags := c.Flags()
	flags.StringVar(&marketsFile, "markets", envOrDefault("LEND_MARKETS_FILE", "markets.toml"), "markets TOML file")
	flags.StringSliceVar(&accounts, "account", nil, "print the liquidity of this account after the run (repeatable)")
	return c
}

// simulator drives a processor with no persistence behind it.
type simulator struct {
	proc *core.Processor
	out  chan core.CoreOutput
	now  int64
}

// newSimulator activates the markets at now.
func newSimulator(markets *config.MarketsFile, now int64) (*simulator, error) {
	engine, err := core.NewEngine(markets.RiskConfig(), nil, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	out := make(chan core.CoreOutput, 1)
	s := &simulator{
		proc: core.NewProcessor(engine, core.ProcessorConfig{LRUCapacity: 100_000, PersistChan: out}, nil, zerolog.Nop()),
		out:  out,
		now:  now,
	}
	for _, evt := range markets.BootstrapEvents(s.now) {
		if _, err := s.apply(evt); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// apply processes one event; it returns nil output for skipped duplicates.
func (s *simulator) apply(evt event.Event) (*core.CoreOutput, error) {
	if err := s.proc.ProcessEvent(evt); err != nil {
		return nil, err
	}
	select {
	case output := <-s.out:
		if t := evt.EventTime(); t > s.now {
			s.now = t
		}
		return &output, nil
	default:
		return nil, nil
	}
}

func (s *simulator) run(r io.Reader, emit func(simulatedStep) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 || data[0] == '#' {
			continue
		}

		var se simulatedEvent
		if err := json.Unmarshal(data, &se); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: se.Payload}, se.EventType)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		output, err := s.apply(evt)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if output == nil {
			continue
		}
		if err := emit(simulatedStep{
			Sequence:  output.Envelope.Sequence,
			EventType: se.EventType,
			Key:       output.Envelope.IdempotencyKey,
			Outcome:   output.Outcome,
		}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

type accountReport struct {
	core.AccountView
	CollateralValue string `json:"collateral_value"`
	LiabilityValue  string `json:"liability_value"`
	HealthScore     string `json:"health_score"`
}

func (s *simulator) account(addr common.Address) (accountReport, error) {
	engine := s.proc.Engine()
	status, err := engine.ComputeLiquidity(addr, s.now)
	if err != nil {
		return accountReport{}, err
	}
	return accountReport{
		AccountView:     engine.Account(addr, s.now),
		CollateralValue: status.CollateralValue.String(),
		LiabilityValue:  status.LiabilityValue.String(),
		HealthScore:     status.HealthScore().String(),
	}, nil
}
