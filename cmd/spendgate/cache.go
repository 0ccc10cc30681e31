package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/report"
	"github.com/pario-ai/spendgate/pkg/savings"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Prompt cache reporting",
	}

	var (
		period    string
		feature   string
		byFeature bool
	)
	savingsCmd := &cobra.Command{
		Use:   "savings",
		Short: "Show cache hit rate and money saved",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			p, err := models.ParseMonth(period, e.now(), e.loc)
			if err != nil {
				return err
			}
			acct := savings.NewAccountant(e.ledger, e.store)
			rep, err := acct.Report(ctx, p, feature)
			if err != nil {
				return err
			}
			var rows []models.FeatureSavings
			if byFeature {
				if rows, err = acct.ByFeature(ctx, p); err != nil {
					return err
				}
			}
			return report.WriteSavings(os.Stdout, rep, rows)
		},
	}
	savingsCmd.Flags().StringVar(&period, "period", "", "month as YYYY-MM (default current month)")
	savingsCmd.Flags().StringVar(&feature, "feature", "", "restrict to one feature")
	savingsCmd.Flags().BoolVar(&byFeature, "by-feature", false, "add a per-feature breakdown")

	cmd.AddCommand(savingsCmd)
	return cmd
}
