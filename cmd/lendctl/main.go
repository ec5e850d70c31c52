// Command lendctl is the operator CLI: offline curve and batch simulation
// over a markets file, and queries and submissions against a running ledger.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// A missing .env is fine; flags and the environment still apply
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:           "lendctl",
		Short:         "Operate and inspect a LendLedger deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.AddCommand(
		irmCommand(),
		simulateCommand(),
		queryCommand(),
		submitCommand(),
		snapshotsCommand(),
	)
	return c
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
