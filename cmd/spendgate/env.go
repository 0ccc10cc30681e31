package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pario-ai/spendgate/pkg/config"
	"github.com/pario-ai/spendgate/pkg/ledger"
	"github.com/pario-ai/spendgate/pkg/logging"
	"github.com/pario-ai/spendgate/pkg/sqldb"
	"github.com/pario-ai/spendgate/pkg/store"
)

// env holds what every command needs: config, logger and the shared database.
type env struct {
	cfg    *config.Config
	loc    *time.Location
	logger *slog.Logger
	db     *sqlx.DB
	ledger *ledger.SQLLedger
	store  *store.SQLStore
}

func openEnv(ctx context.Context, configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging)

	db, err := sqldb.Open(cfg.Database.Driver, cfg.Database.DSN, sqldb.Options{})
	if err != nil {
		return nil, err
	}
	l, err := ledger.NewWithDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	st, err := store.NewWithDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	return &env{cfg: cfg, loc: loc, logger: logger, db: db, ledger: l, store: st}, nil
}

// Close releases the database. The ledger and store share it.
func (e *env) Close() error {
	return e.db.Close()
}

func (e *env) now() time.Time {
	return time.Now().In(e.loc)
}
