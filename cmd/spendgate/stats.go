package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/report"
)

func newStatsCmd(configPath *string) *cobra.Command {
	var (
		period      string
		feature     string
		user        string
		successOnly bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show usage totals for a month",
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
			a, err := e.ledger.Aggregate(ctx, models.UsageQuery{
				FeatureKey:  feature,
				UserID:      user,
				Period:      p,
				SuccessOnly: successOnly,
			})
			if err != nil {
				return err
			}
			return report.WriteAggregate(os.Stdout, p, a)
		},
	}

	cmd.Flags().StringVar(&period, "period", "", "month as YYYY-MM (default current month)")
	cmd.Flags().StringVar(&feature, "feature", "", "filter by feature key")
	cmd.Flags().StringVar(&user, "user", "", "filter by user ID")
	cmd.Flags().BoolVar(&successOnly, "success-only", false, "count successful calls only")
	return cmd
}

func newTopCmd(configPath *string) *cobra.Command {
	var (
		period string
		by     string
		order  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Rank features or users by cost or requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			dim, err := models.ParseDimension(by)
			if err != nil {
				return err
			}
			rank, err := models.ParseRankBy(order)
			if err != nil {
				return err
			}

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
			entries, err := e.ledger.TopN(ctx, dim, p, limit, rank)
			if err != nil {
				return err
			}
			return report.WriteTop(os.Stdout, dim, entries)
		},
	}

	cmd.Flags().StringVar(&period, "period", "", "month as YYYY-MM (default current month)")
	cmd.Flags().StringVar(&by, "by", "feature", "group by feature or user")
	cmd.Flags().StringVar(&order, "order", "cost", "rank by cost or requests")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "rows to show, 0 for all")
	return cmd
}
