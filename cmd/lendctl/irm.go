package main

import (
	"LendLedger/internal/config"
	fpmath "LendLedger/internal/math"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func irmCommand() *cobra.Command {
	var (
		marketsFile string
		symbol      string
		steps       int
	)
	c := &cobra.Command{
		Use:   "irm",
		Short: "Print the borrow rate curve of each market",
		RunE: func(c *cobra.Command, args []string) error {
			markets, err := config.LoadMarkets(marketsFile)
			if err != nil {
				return err
			}
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive, got %d", steps)
			}

			w := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			found := false
			for _, m := range markets.Markets {
				if symbol != "" && !strings.EqualFold(symbol, m.Symbol) {
					continue
				}
				found = true
				model, err := fpmath.NewKinkFromSlopes(m.AssetConfig().IRM)
				if err != nil {
					return fmt.Errorf("%s: %w", m.Symbol, err)
				}
				fmt.Fprintf(w, "%s (%s)\tkink %s\tkink apr %s\tmax apr %s\n",
					m.Symbol, m.Address().Hex(), model.Params().Kink, model.KinkRate().StringFixed(4), model.MaxRate().StringFixed(4))
				fmt.Fprintln(w, "utilisation\tapr\tper second\t")
				for _, u := range curvePoints(steps) {
					fmt.Fprintf(w, "%s\t%s\t%s\t\n", u.StringFixed(4), model.AnnualRate(u).StringFixed(6), model.Rate(u).String())
				}
				fmt.Fprintln(w)
			}
			if !found {
				return fmt.Errorf("no market with symbol %q", symbol)
			}
			return nil
		},
	}
	flags := c.Flags()
	flags.StringVar(&marketsFile, "markets", envOrDefault("LEND_MARKETS_FILE", "markets.toml"), "markets TOML file")
	flags.StringVar(&symbol, "symbol", "", "only print this market")
	flags.IntVar(&steps, "steps", 10, "number of utilisation steps between 0 and 1")
	return c
}

// curvePoints returns steps+1 evenly spaced utilisations from 0 to 1.
func curvePoints(steps int) []decimal.Decimal {
	points := make([]decimal.Decimal, 0, steps+1)
	n := decimal.NewFromInt(int64(steps))
	for i := 0; i <= steps; i++ {
		points = append(points, decimal.NewFromInt(int64(i)).DivRound(n, 8))
	}
	return points
}
