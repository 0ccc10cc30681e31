// Package store persists feature configuration, budgets and the global
// settings row, and applies the budget engine's enforcement commands.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendgate/pkg/models"
)

var (
	// ErrNotFound is returned when a feature or budget does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDataUnavailable is returned when the store cannot be read or written.
	ErrDataUnavailable = errors.New("configuration store unavailable")

	// ErrInvalidConfiguration is returned for writes that fail validation.
	ErrInvalidConfiguration = models.ErrInvalidConfiguration
)

// Store is the feature configuration store. Every read goes to the backing
// database; nothing is cached.
type Store interface {
	Feature(ctx context.Context, key string) (models.FeatureConfig, error)
	Features(ctx context.Context) ([]models.FeatureConfig, error)
	Budget(ctx context.Context, key string) (models.FeatureBudget, error)
	Budgets(ctx context.Context) ([]models.FeatureBudget, error)
	// Global returns the default settings when no row has been written.
	Global(ctx context.Context) (models.GlobalBudgetSettings, error)

	// PutFeature writes the admin-controlled columns and keeps any budget override.
	PutFeature(ctx context.Context, f models.FeatureConfig) error
	PutBudget(ctx context.Context, b models.FeatureBudget) error
	PutGlobal(ctx context.Context, g models.GlobalBudgetSettings) error

	// DisableFeature turns the feature off for the period. A feature an
	// admin already disabled is left alone.
	DisableFeature(ctx context.Context, key, period string) error
	// ThrottleFeature scales the feature's rate caps by factor for the period.
	ThrottleFeature(ctx context.Context, key, period string, factor decimal.Decimal) error
	// RestoreFeature lifts any budget override. No override is a no-op.
	RestoreFeature(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDataUnavailable, err)
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
}
