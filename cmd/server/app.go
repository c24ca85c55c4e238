package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fenceit/trackit/internal/config"
	"github.com/fenceit/trackit/internal/events"
	"github.com/fenceit/trackit/internal/metrics"
	"github.com/fenceit/trackit/internal/migrate"
	"github.com/fenceit/trackit/internal/rates"
	"github.com/fenceit/trackit/internal/repository"
	"github.com/fenceit/trackit/internal/repository/memory"
	"github.com/fenceit/trackit/internal/repository/postgres"
	"github.com/fenceit/trackit/internal/service"
)

// app holds the store and the recompute pipeline shared by all subcommands.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	docs  repository.DocumentStore
	reg   *prometheus.Registry
	met   *metrics.Metrics
	agg   *service.Aggregator
	core  *service.Recomputer
	close func()
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, close: func() {}}

	switch cfg.Store {
	case config.StoreMemory:
		log.Warn("using in-memory store; data is lost on exit")
		a.docs = memory.New()
	default:
		if cfg.Database.AutoMigrate {
			if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
				return nil, fmt.Errorf("migrate up: %w", err)
			}
		}
		db, err := postgres.New(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.docs = postgres.NewDocRepo(db)
		a.close = db.Close
	}

	a.reg = metrics.NewRegistry()
	a.met = metrics.New(a.reg)

	resolver := rates.NewStoreResolver(a.docs)
	opts := []service.AggregatorOption{service.WithAggregatorMetrics(a.met)}
	if cfg.Recompute.Transactional {
		opts = append(opts, service.WithTransactional(cfg.Recompute.MaxRetries, cfg.Recompute.RetryBase))
	}
	a.agg = service.NewAggregator(a.docs, resolver, log, opts...)
	a.core = service.NewRecomputer(a.docs, resolver, a.agg, log, a.met)
	return a, nil
}

func (a *app) dispatcherOptions() events.Options {
	return events.Options{
		Workers:    a.cfg.Recompute.Workers,
		QueueSize:  a.cfg.Recompute.QueueSize,
		MaxRetries: a.cfg.Recompute.MaxRetries,
		RetryBase:  a.cfg.Recompute.RetryBase,
	}
}

func (a *app) backfiller() *service.Backfiller {
	return service.NewBackfiller(a.docs, a.core, a.agg, a.log, a.cfg.Recompute.Workers)
}

func (a *app) daily() *service.DailyAggregator {
	return service.NewDailyAggregator(a.docs, a.cfg.Daily.Location, a.cfg.Daily.BoundaryHour, a.log)
}
