package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/usage"
)

// MemoryLedger implements Ledger in process memory. Nothing survives a restart.
type MemoryLedger struct {
	mu     sync.RWMutex
	events []models.UsageEvent
	ids    map[string]struct{}
	// failWith, when set, is returned by every operation.
	failWith error
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *MemoryLedger {
	return &MemoryLedger{ids: make(map[string]struct{})}
}

// SetFailure makes every subsequent call fail with ErrDataUnavailable wrapping err.
// Passing nil clears it.
func (m *MemoryLedger) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MemoryLedger) check(op string) error {
	if m.failWith != nil {
		return unavailable(op, m.failWith)
	}
	return nil
}

// Append records an event exactly once per ID.
func (m *MemoryLedger) Append(ctx context.Context, e models.UsageEvent) error {
	if err := e.Validate(); err != nil {
		return invalid(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("append usage event"); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, dup := m.ids[e.ID]; dup {
		return nil
	}
	m.ids[e.ID] = struct{}{}
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryLedger) snapshot(op string) ([]models.UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(op); err != nil {
		return nil, err
	}
	return append([]models.UsageEvent(nil), m.events...), nil
}

// Aggregate rolls up the events matching q.
func (m *MemoryLedger) Aggregate(ctx context.Context, q models.UsageQuery) (models.Aggregate, error) {
	events, err := m.snapshot("aggregate usage")
	if err != nil {
		return models.Aggregate{}, err
	}
	return usage.Summarize(events, q), nil
}

// TopN ranks groups by metric descending, ties by ascending key.
func (m *MemoryLedger) TopN(ctx context.Context, dim models.Dimension, period models.Period, n int, by models.RankBy) ([]models.RankEntry, error) {
	events, err := m.snapshot("top usage")
	if err != nil {
		return nil, err
	}
	return usage.Rank(events, dim, period, n, by), nil
}

// Events returns the matching events ordered by time, then ID.
func (m *MemoryLedger) Events(ctx context.Context, q models.UsageQuery) ([]models.UsageEvent, error) {
	events, err := m.snapshot("read usage events")
	if err != nil {
		return nil, err
	}
	out := make([]models.UsageEvent, 0, len(events))
	for _, e := range events {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Ping reports the configured failure, if any.
func (m *MemoryLedger) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check("ping ledger")
}

// Close is a no-op.
func (m *MemoryLedger) Close() error { return nil }
