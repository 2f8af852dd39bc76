// Package app assembles the store, coordination backends and services from
// configuration. It is shared by the API server and the CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"equiroute/internal/config"
	"equiroute/internal/events"
	"equiroute/internal/lock"
	"equiroute/internal/service"
	"equiroute/internal/store"
)

// App holds the wired components. Close releases the connections it opened.
type App struct {
	Store   store.Store
	Locker  lock.Locker
	Broker  events.Broker
	Scorer  *service.Scorer
	Models  *service.Models
	Catalog *service.Catalog
	Planner *service.Planner

	closers []func() error
}

// New connects to Postgres when DatabaseURL is set (memory otherwise) and
// to Redis when RedisURL is set for the optimize lock and plan events.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &App{}

	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if cfg.DBMigrate {
			mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := pg.Migrate(mctx)
			cancel()
			if err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		a.Store = pg
		log.Info("using postgres store")
	} else {
		a.Store = store.NewMemory()
		log.Info("using in-memory store")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		a.closers = append(a.closers, rdb.Close)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.Locker = lock.NewRedis(rdb)
		a.Broker = events.NewRedis(rdb, log)
		log.Info("using redis for plan locks and events")
	} else {
		a.Locker = lock.NewMemory()
		a.Broker = events.NewMemory()
	}

	a.Scorer = service.NewScorer(a.Store, log, cfg.ScoringParallelism, loc)
	a.Models = service.NewModels(a.Store, log)
	a.Catalog = service.NewCatalog(a.Store, log)
	a.Planner = service.NewPlanner(a.Store, a.Locker, a.Broker, log, service.PlannerOptions{
		SpeedKph:         cfg.SpeedKph,
		Core20Multiplier: cfg.Core20Multiplier,
		DefaultPriority:  cfg.DefaultPriority,
		LockTTL:          cfg.OptimizeLockTTL,
		Workers:          cfg.OptimizeWorkers,
		Location:         loc,
	})
	return a, nil
}

// Seed installs the first model configuration when configured to.
func (a *App) Seed(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	if !cfg.SeedDefaultModel && cfg.ModelConfigFile == "" {
		return nil
	}
	mc, err := a.Models.Seed(ctx, cfg.ModelConfigFile)
	if err != nil {
		return fmt.Errorf("seed model configuration: %w", err)
	}
	log.Info("active model configuration", zap.String("version", mc.Version))
	return nil
}

// Settings is the configuration shown on the debug endpoint, without secrets.
func Settings(cfg config.Config) map[string]any {
	return map[string]any{
		"port":                cfg.Port,
		"has_database_url":    cfg.DatabaseURL != "",
		"has_redis_url":       cfg.RedisURL != "",
		"rate_rps":            cfg.RateRPS,
		"rate_burst":          cfg.RateBurst,
		"task_workers":        cfg.TaskWorkers,
		"task_queue_size":     cfg.TaskQueueSize,
		"task_retention":      cfg.TaskRetention.String(),
		"scoring_parallelism": cfg.ScoringParallelism,
		"speed_kph":           cfg.SpeedKph,
		"core20_multiplier":   cfg.Core20Multiplier,
		"optimize_workers":    cfg.OptimizeWorkers,
		"timezone":            cfg.Timezone,
	}
}

func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
