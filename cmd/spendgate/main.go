package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "spendgate",
		Short:         "Spendgate: usage metering, forecasting and budget enforcement for AI features",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "spendgate.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newMCPCmd(&configPath),
		newStatsCmd(&configPath),
		newTopCmd(&configPath),
		newCacheCmd(&configPath),
		newBudgetCmd(&configPath),
		newForecastCmd(&configPath),
		newSeedCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
