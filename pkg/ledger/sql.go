package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/sqldb"
)

// SQLLedger implements Ledger on sqlite or postgres.
type SQLLedger struct {
	db *sqlx.DB
}

// Timestamps are unix microseconds and costs integer micro-euros so the
// schema is portable and SUM is exact.
const createEvents = `
CREATE TABLE IF NOT EXISTS usage_events (
	id TEXT PRIMARY KEY,
	occurred_at BIGINT NOT NULL,
	feature_key TEXT NOT NULL,
	user_id TEXT NOT NULL,
	model_id TEXT NOT NULL DEFAULT '',
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens BIGINT NOT NULL DEFAULT 0,
	cost_actual_micros BIGINT NOT NULL DEFAULT 0,
	cost_without_cache_micros BIGINT NOT NULL DEFAULT 0,
	success BOOLEAN NOT NULL
)`

var createIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_usage_events_time ON usage_events(occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_feature_time ON usage_events(feature_key, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_user_time ON usage_events(user_id, occurred_at)`,
}

// New opens the database and runs auto-migration.
func New(driver, dsn string) (*SQLLedger, error) {
	db, err := sqldb.Open(driver, dsn, sqldb.Options{})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	l, err := NewWithDB(context.Background(), db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// NewWithDB migrates an already open database. The ledger takes ownership of db.
func NewWithDB(ctx context.Context, db *sqlx.DB) (*SQLLedger, error) {
	stmts := append([]string{createEvents}, createIndexes...)
	if err := sqldb.Migrate(ctx, db, stmts...); err != nil {
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &SQLLedger{db: db}, nil
}

type eventRow struct {
	ID                     string `db:"id"`
	OccurredAt             int64  `db:"occurred_at"`
	FeatureKey             string `db:"feature_key"`
	UserID                 string `db:"user_id"`
	ModelID                string `db:"model_id"`
	InputTokens            int64  `db:"input_tokens"`
	OutputTokens           int64  `db:"output_tokens"`
	CacheReadTokens        int64  `db:"cache_read_tokens"`
	CostActualMicros       int64  `db:"cost_actual_micros"`
	CostWithoutCacheMicros int64  `db:"cost_without_cache_micros"`
	Success                bool   `db:"success"`
}

func (r eventRow) event() models.UsageEvent {
	return models.UsageEvent{
		ID:               r.ID,
		Timestamp:        time.UnixMicro(r.OccurredAt).UTC(),
		FeatureKey:       r.FeatureKey,
		UserID:           r.UserID,
		ModelID:          r.ModelID,
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		CacheReadTokens:  r.CacheReadTokens,
		CostActual:       models.FromMicros(r.CostActualMicros),
		CostWithoutCache: models.FromMicros(r.CostWithoutCacheMicros),
		Success:          r.Success,
	}
}

// Append stores an event exactly once per ID.
func (l *SQLLedger) Append(ctx context.Context, e models.UsageEvent) error {
	if err := e.Validate(); err != nil {
		return invalid(err)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := l.db.ExecContext(ctx, l.db.Rebind(
		`INSERT INTO usage_events (id, occurred_at, feature_key, user_id, model_id,
			input_tokens, output_tokens, cache_read_tokens,
			cost_actual_micros, cost_without_cache_micros, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		e.ID, e.Timestamp.UnixMicro(), e.FeatureKey, e.UserID, e.ModelID,
		e.InputTokens, e.OutputTokens, e.CacheReadTokens,
		models.ToMicros(e.CostActual), models.ToMicros(e.CostWithoutCache), e.Success,
	)
	if err != nil {
		return unavailable("append usage event", err)
	}
	return nil
}

type aggregateRow struct {
	Requests               int64 `db:"requests"`
	CostMicros             int64 `db:"cost_micros"`
	CostWithoutCacheMicros int64 `db:"cost_without_cache_micros"`
	InputTokens            int64 `db:"input_tokens"`
	OutputTokens           int64 `db:"output_tokens"`
	CacheHits              int64 `db:"cache_hits"`
	Successes              int64 `db:"successes"`
}

const aggregateColumns = `COUNT(*) AS requests,
	COALESCE(SUM(cost_actual_micros), 0) AS cost_micros,
	COALESCE(SUM(cost_without_cache_micros), 0) AS cost_without_cache_micros,
	COALESCE(SUM(input_tokens), 0) AS input_tokens,
	COALESCE(SUM(output_tokens), 0) AS output_tokens,
	COALESCE(SUM(CASE WHEN cache_read_tokens > 0 THEN 1 ELSE 0 END), 0) AS cache_hits,
	COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS successes`

func (r aggregateRow) aggregate() models.Aggregate {
	return models.Aggregate{
		Cost:             models.FromMicros(r.CostMicros),
		CostWithoutCache: models.FromMicros(r.CostWithoutCacheMicros),
		Requests:         r.Requests,
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		CacheHitRequests: r.CacheHits,
		SuccessCount:     r.Successes,
		FailureCount:     r.Requests - r.Successes,
	}
}

func where(q models.UsageQuery) (string, []any) {
	clauses := []string{"occurred_at >= ?", "occurred_at < ?"}
	args := []any{q.Period.Start.UnixMicro(), q.Period.End.UnixMicro()}
	if q.FeatureKey != "" {
		clauses = append(clauses, "feature_key = ?")
		args = append(args, q.FeatureKey)
	}
	if q.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.SuccessOnly {
		clauses = append(clauses, "success = ?")
		args = append(args, true)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Aggregate rolls up the events matching q. No match yields a zero Aggregate.
func (l *SQLLedger) Aggregate(ctx context.Context, q models.UsageQuery) (models.Aggregate, error) {
	cond, args := where(q)
	var row aggregateRow
	if err := l.db.GetContext(ctx, &row, l.db.Rebind("SELECT "+aggregateColumns+" FROM usage_events"+cond), args...); err != nil {
		return models.Aggregate{}, unavailable("aggregate usage", err)
	}
	return row.aggregate(), nil
}

var dimensionColumns = map[models.Dimension]string{
	models.DimensionFeature: "feature_key",
	models.DimensionUser:    "user_id",
}

var rankColumns = map[models.RankBy]string{
	models.RankByCost:     "cost_micros",
	models.RankByRequests: "requests",
}

type rankRow struct {
	Key string `db:"group_key"`
	aggregateRow
}

// TopN ranks groups by metric descending, ties by ascending key.
func (l *SQLLedger) TopN(ctx context.Context, dim models.Dimension, period models.Period, n int, by models.RankBy) ([]models.RankEntry, error) {
	col, ok := dimensionColumns[dim]
	if !ok {
		return nil, fmt.Errorf("top usage: unknown dimension %q", dim)
	}
	metric, ok := rankColumns[by]
	if !ok {
		return nil, fmt.Errorf("top usage: unknown order %q", by)
	}
	cond, args := where(models.UsageQuery{Period: period})
	query := fmt.Sprintf("SELECT %s AS group_key, %s FROM usage_events%s GROUP BY %s ORDER BY %s DESC, group_key ASC",
		col, aggregateColumns, cond, col, metric)
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}

	var rows []rankRow
	if err := l.db.SelectContext(ctx, &rows, l.db.Rebind(query), args...); err != nil {
		return nil, unavailable("top usage", err)
	}
	entries := make([]models.RankEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, models.RankEntry{Key: r.Key, Aggregate: r.aggregate()})
	}
	return entries, nil
}

// Events returns the matching events ordered by time, then ID.
func (l *SQLLedger) Events(ctx context.Context, q models.UsageQuery) ([]models.UsageEvent, error) {
	cond, args := where(q)
	var rows []eventRow
	if err := l.db.SelectContext(ctx, &rows, l.db.Rebind(
		`SELECT id, occurred_at, feature_key, user_id, model_id, input_tokens, output_tokens,
			cache_read_tokens, cost_actual_micros, cost_without_cache_micros, success
		 FROM usage_events`+cond+` ORDER BY occurred_at ASC, id ASC`), args...); err != nil {
		return nil, unavailable("read usage events", err)
	}
	events := make([]models.UsageEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events, nil
}

// Ping checks the connection.
func (l *SQLLedger) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return unavailable("ping ledger", err)
	}
	return nil
}

// Close closes the database.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}
