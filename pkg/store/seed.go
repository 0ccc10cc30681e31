package store

import (
	"context"
	"fmt"

	"github.com/pario-ai/spendgate/pkg/config"
)

// Seed writes the config's global, features and budgets sections through the
// validated write methods. Existing rows not named in cfg are left alone, and
// budget overrides survive re-seeding.
func Seed(ctx context.Context, s Store, cfg *config.Config) error {
	if cfg.Global != nil {
		if err := s.PutGlobal(ctx, *cfg.Global); err != nil {
			return fmt.Errorf("seed global settings: %w", err)
		}
	}
	for _, f := range cfg.Features {
		if err := s.PutFeature(ctx, f); err != nil {
			return fmt.Errorf("seed feature %s: %w", f.FeatureKey, err)
		}
	}
	for _, b := range cfg.Budgets {
		if err := s.PutBudget(ctx, b); err != nil {
			return fmt.Errorf("seed budget %s: %w", b.FeatureKey, err)
		}
	}
	return nil
}
