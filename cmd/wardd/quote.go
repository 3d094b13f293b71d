package main

import (
	"WardProtocol/internal/config"
	"WardProtocol/internal/ledger"
	"WardProtocol/internal/observability"
	"WardProtocol/internal/pricing"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// noHistory prices without the default history table; the quote command
// runs without Postgres.
type noHistory struct{}

func (noHistory) CountDefaultsSince(context.Context, string, time.Time) (int64, error) { return 0, nil }

func newQuoteCmd(load func() (config.Config, error)) *cobra.Command {
	var (
		vaultID, brokerID string
		coverage, term    int64
		annual            bool
	)
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price cover for a vault straight from the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if vaultID == "" || brokerID == "" {
				return errors.New("--vault and --broker are required")
			}
			cfg, err := load()
			if err != nil {
				return err
			}

			logger := observability.NewLoggerWithLevel("quote", observability.ParseLogLevel(cfg.LogLevel))
			metrics := observability.NewMetricsWith(prometheus.NewRegistry())
			rpcCfg := ledger.DefaultRPCConfig(cfg.Ledger.RPCURL)
			rpcCfg.Timeout = cfg.Ledger.Timeout
			reader := ledger.NewRPCClient(rpcCfg, &http.Client{}, logger, metrics)
			engine := pricing.NewEngine(reader, noHistory{}, nil, cfg.Pricing.QuoteFreshness, logger, metrics)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var out interface{}
			if annual {
				out, err = engine.EstimateAnnualCost(ctx, coverage, vaultID, brokerID)
			} else {
				out, err = engine.QuotePremium(ctx, coverage, term, vaultID, brokerID)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&vaultID, "vault", "", "vault id")
	cmd.Flags().StringVar(&brokerID, "broker", "", "loan broker id")
	cmd.Flags().Int64Var(&coverage, "coverage", 0, "coverage amount in minor units")
	cmd.Flags().Int64Var(&term, "term", 30, "term in days")
	cmd.Flags().BoolVar(&annual, "annual", false, "estimate annual, quarterly and monthly cost instead")
	return cmd
}
