package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/pario-ai/spendgate/pkg/budget"
	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/report"
)

func newBudgetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and manage monthly budgets",
	}

	newEngine := func(e *env) *budget.Engine {
		return budget.New(e.store, e.ledger, budget.Options{
			ThrottleFactor: e.cfg.Budget.ThrottleFactor,
			Location:       e.loc,
			Logger:         e.logger,
		})
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show current-month spend against budgets without applying anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			ev, err := newEngine(e).Status(ctx, e.now())
			if err != nil {
				return err
			}
			return report.WriteBudget(os.Stdout, ev)
		},
	}

	evaluateCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate budgets once and apply disable, throttle and restore commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			ev, evalErr := newEngine(e).Evaluate(ctx, e.now())
			if ev != nil {
				if err := report.WriteBudget(os.Stdout, ev); err != nil {
					return err
				}
			}
			return evalErr
		},
	}

	var (
		amount    string
		threshold string
		action    string
	)
	setCmd := &cobra.Command{
		Use:   "set FEATURE",
		Short: "Create or replace a feature's monthly budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := models.FeatureBudget{FeatureKey: args[0]}
			var err error
			if b.MonthlyBudget, err = decimal.NewFromString(amount); err != nil {
				return fmt.Errorf("invalid --amount %q: %w", amount, err)
			}
			if b.AlertThresholdPercent, err = decimal.NewFromString(threshold); err != nil {
				return fmt.Errorf("invalid --threshold %q: %w", threshold, err)
			}
			if b.ActionOnOverage, err = models.ParseOverageAction(action); err != nil {
				return err
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			if err := e.store.PutBudget(ctx, b); err != nil {
				return err
			}
			fmt.Printf("budget for %s set to %s (alert at %s, on overage: %s)\n",
				b.FeatureKey, report.Money(b.MonthlyBudget), report.Pct(b.AlertThresholdPercent), b.ActionOnOverage)
			return nil
		},
	}
	setCmd.Flags().StringVar(&amount, "amount", "0", "monthly budget in euros, 0 for unlimited")
	setCmd.Flags().StringVar(&threshold, "threshold", "80", "alert threshold percent, 0 warns on any spend")
	setCmd.Flags().StringVar(&action, "action", "warn", "overage action: none, warn, disable or throttle")

	cmd.AddCommand(statusCmd, evaluateCmd, setCmd)
	return cmd
}
