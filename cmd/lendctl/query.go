package main

import (
	"LendLedger/internal/server"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

const rpcTimeout = 10 * time.Second

var grpcAddr string

// addGRPCFlag registers --grpc on commands that talk to a running ledger.
func addGRPCFlag(c *cobra.Command) {
	c.PersistentFlags().StringVar(&grpcAddr, "grpc", envOrDefault("LEND_GRPC_ADDR", "localhost:9090"), "ledger gRPC address")
}

// invoke calls one RPC over the JSON codec and pretty-prints the response.
func invoke(ctx context.Context, out io.Writer, method string, req interface{}) error {
	conn, err := server.DialJSON(grpcAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var resp json.RawMessage
	if err := conn.Invoke(ctx, server.FullMethod(method), req, &resp); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, resp, "", "  "); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(out)
	return err
}

func queryCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "query",
		Short: "Read state from a running ledger",
	}
	addGRPCFlag(c)

	single := func(use, short, method string, build func(arg string) interface{}) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				return invoke(c.Context(), c.OutOrStdout(), method, build(args[0]))
			},
		}
	}
	account := func(arg string) interface{} { return &server.AccountRequest{Account: arg} }
	market := func(arg string) interface{} { return &server.MarketRequest{Asset: arg} }

	c.AddCommand(
		single("account <address>", "Live liquidity and positions of an account", "GetAccount", account),
		single("balances <address>", "Projected journal balances of an account", "GetBalances", account),
		single("market <asset>", "Live market status of an asset", "GetMarket", market),
		single("projected-market <asset>", "Market status as last projected", "GetProjectedMarket", market),
		&cobra.Command{
			Use:   "markets",
			Short: "Live status of every market",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, args []string) error {
				return invoke(c.Context(), c.OutOrStdout(), "ListMarkets", &server.ListMarketsRequest{})
			},
		},
		historyCommand("journals", "Journal entries touching an account", "ListJournals"),
		historyCommand("liquidations", "Liquidations an account took part in", "ListLiquidations"),
		checkLiquidationCommand(),
		&cobra.Command{
			Use:   "verify",
			Short: "Check hash chain, journal balance and conservation",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, args []string) error {
				return invoke(c.Context(), c.OutOrStdout(), "VerifyIntegrity", &server.Empty{})
			},
		},
		&cobra.Command{
			Use:   "event-log",
			Short: "Event log head and uptime",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, args []string) error {
				return invoke(c.Context(), c.OutOrStdout(), "GetEventLogInfo", &server.Empty{})
			},
		},
	)
	return c
}

func historyCommand(name, short, method string) *cobra.Command {
	var (
		limit int
		after int64
	)
	c := &cobra.Command{
		Use:   name + " <address>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			req := &server.HistoryRequest{Account: args[0], Limit: limit}
			if c.Flags().Changed("after") {
				req.AfterSequence = &after
			}
			return invoke(c.Context(), c.OutOrStdout(), method, req)
		},
	}
	c.Flags().IntVar(&limit, "limit", 0, "page size (server default when 0)")
	c.Flags().Int64Var(&after, "after", 0, "cursor: only entries below this sequence")
	return c
}

func checkLiquidationCommand() *cobra.Command {
	req := &server.CheckLiquidationRequest{}
	c := &cobra.Command{
		Use:   "check-liquidation",
		Short: "Quote a liquidation without executing it",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return invoke(c.Context(), c.OutOrStdout(), "CheckLiquidation", req)
		},
	}
	flags := c.Flags()
	flags.StringVar(&req.Liquidator, "liquidator", "", "liquidator account")
	flags.StringVar(&req.Violator, "violator", "", "violator account")
	flags.StringVar(&req.Liability, "liability", "", "liability asset")
	flags.StringVar(&req.Collateral, "collateral", "", "collateral asset")
	for _, name := range []string{"liquidator", "violator", "liability", "collateral"} {
		_ = c.MarkFlagRequired(name)
	}
	return c
}
