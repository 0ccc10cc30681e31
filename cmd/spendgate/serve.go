package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pario-ai/spendgate/pkg/admission"
	"github.com/pario-ai/spendgate/pkg/budget"
	"github.com/pario-ai/spendgate/pkg/config"
	"github.com/pario-ai/spendgate/pkg/forecast"
	"github.com/pario-ai/spendgate/pkg/metrics"
	"github.com/pario-ai/spendgate/pkg/models"
	"github.com/pario-ai/spendgate/pkg/savings"
	"github.com/pario-ai/spendgate/pkg/scheduler"
	"github.com/pario-ai/spendgate/pkg/server"
	"github.com/pario-ai/spendgate/pkg/store"
)

// reloadableTiers swaps the tier map when the config file changes.
type reloadableTiers struct {
	p atomic.Pointer[admission.StaticTiers]
}

func (r *reloadableTiers) set(cfg *config.Config) {
	t := admission.TiersFromConfig(cfg)
	r.p.Store(&t)
}

func (r *reloadableTiers) TierOf(ctx context.Context, userID string) (models.Tier, error) {
	return r.p.Load().TierOf(ctx, userID)
}

func newServeCmd(configPath *string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admission, ingest and reporting API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := openEnv(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			if err := store.Seed(ctx, e.store, e.cfg); err != nil {
				return err
			}

			var (
				m        *metrics.Metrics
				gatherer prometheus.Gatherer
			)
			if e.cfg.Metrics.Enabled {
				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				m = metrics.New(reg)
				gatherer = reg
			}

			checks := map[string]server.Pinger{}
			var counter admission.Counter = admission.NewMemoryCounter()
			if addr := e.cfg.Redis.Addr; addr != "" {
				client := redis.NewUniversalClient(&redis.UniversalOptions{
					Addrs:    []string{addr},
					Password: e.cfg.Redis.Password,
					DB:       e.cfg.Redis.DB,
				})
				defer func() { _ = client.Close() }()
				rc := admission.NewRedisCounter(client, admission.DefaultKeyPrefix)
				counter = rc
				checks["redis"] = rc
				e.logger.Info("using redis rate counter", "addr", addr)
			}

			tiers := &reloadableTiers{}
			tiers.set(e.cfg)

			engine := budget.New(e.store, e.ledger, budget.Options{
				ThrottleFactor: e.cfg.Budget.ThrottleFactor,
				Location:       e.loc,
				Logger:         e.logger,
				Metrics:        m,
			})
			ctrl := admission.New(e.store, e.ledger, counter, tiers, admission.Options{
				ThrottleFactor: e.cfg.Budget.ThrottleFactor,
				Location:       e.loc,
				Logger:         e.logger,
				Metrics:        m,
			})

			sched := scheduler.New(e.cfg.Budget.EvaluateSchedule, e.loc, func(ctx context.Context, now time.Time) error {
				_, err := engine.Evaluate(ctx, now)
				return err
			}, e.logger)
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			if watch {
				go func() {
					err := config.Watch(ctx, *configPath, config.DefaultDebounce, e.logger, func(cfg *config.Config) error {
						tiers.set(cfg)
						return store.Seed(ctx, e.store, cfg)
					})
					if err != nil {
						e.logger.Error("config watcher exited", "error", err)
					}
				}()
			}

			srv := server.New(e.cfg.Listen, server.Deps{
				Store:      e.store,
				Ledger:     e.ledger,
				Admission:  ctrl,
				Engine:     engine,
				Forecaster: forecast.NewForecaster(e.ledger, e.store, e.loc),
				Savings:    savings.NewAccountant(e.ledger, e.store),
				Metrics:    m,
				Gatherer:   gatherer,
				Checks:     checks,
				Location:   e.loc,
				Logger:     e.logger,
			})

			e.logger.Info("starting spendgate", "version", version, "config", *configPath, "timezone", e.loc.String())
			if err := srv.ListenAndServe(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "reload tiers and re-seed the store when the config file changes")
	return cmd
}
