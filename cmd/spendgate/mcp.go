package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/spendgate/pkg/budget"
	"github.com/pario-ai/spendgate/pkg/forecast"
	"github.com/pario-ai/spendgate/pkg/logging"
	"github.com/pario-ai/spendgate/pkg/mcp"
	"github.com/pario-ai/spendgate/pkg/savings"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve usage, budget and forecast reports as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			// stdout carries the protocol; env logs to stderr.
			logger := logging.Component(e.logger, "cli")
			slog.SetDefault(logger)

			srv := mcp.New(mcp.Deps{
				Ledger: e.ledger,
				Store:  e.store,
				Engine: budget.New(e.store, e.ledger, budget.Options{
					ThrottleFactor: e.cfg.Budget.ThrottleFactor,
					Location:       e.loc,
					Logger:         logger,
				}),
				Forecaster: forecast.NewForecaster(e.ledger, e.store, e.loc),
				Savings:    savings.NewAccountant(e.ledger, e.store),
				Location:   e.loc,
				Logger:     logger,
			}, version)
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
