package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/spendgate/pkg/forecast"
	"github.com/pario-ai/spendgate/pkg/report"
)

func newForecastCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "forecast",
		Short: "Project end-of-month spend and flag budgets at risk",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			res, err := forecast.NewForecaster(e.ledger, e.store, e.loc).Forecast(ctx, e.now())
			if err != nil {
				return err
			}
			return report.WriteForecast(os.Stdout, res)
		},
	}
}
