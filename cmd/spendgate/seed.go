package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/spendgate/pkg/store"
)

func newSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Write the config file's global, features and budgets sections to the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			if err := store.Seed(ctx, e.store, e.cfg); err != nil {
				return err
			}
			fmt.Printf("seeded %d features and %d budgets\n", len(e.cfg.Features), len(e.cfg.Budgets))
			return nil
		},
	}
}
