// Package ledger stores usage events and answers aggregate queries over them.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/pario-ai/spendgate/pkg/models"
)

// ErrDataUnavailable is returned when the ledger cannot be read or written.
// It is distinct from an empty result, which is a zero Aggregate.
var ErrDataUnavailable = errors.New("usage ledger unavailable")

// ErrInvalidEvent is returned by Append for events failing validation.
var ErrInvalidEvent = errors.New("invalid usage event")

// Ledger is the append-only record of AI calls.
type Ledger interface {
	// Append records an event. An empty ID is assigned; re-appending an
	// existing ID is a no-op.
	Append(ctx context.Context, e models.UsageEvent) error
	// Aggregate rolls up the events matching q.
	Aggregate(ctx context.Context, q models.UsageQuery) (models.Aggregate, error)
	// TopN ranks the period's events by dimension. n <= 0 returns all groups.
	TopN(ctx context.Context, dim models.Dimension, period models.Period, n int, by models.RankBy) ([]models.RankEntry, error)
	// Events returns a snapshot of the events matching q, oldest first.
	Events(ctx context.Context, q models.UsageQuery) ([]models.UsageEvent, error)
	// Ping checks that the ledger is reachable.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDataUnavailable, err)
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
}
