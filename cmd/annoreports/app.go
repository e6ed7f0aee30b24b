package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/wesm/annoreports/internal/analytics"
	"github.com/wesm/annoreports/internal/config"
	"github.com/wesm/annoreports/internal/db"
	"github.com/wesm/annoreports/internal/events"
	"github.com/wesm/annoreports/internal/logger"
	"github.com/wesm/annoreports/internal/metrics"
	"github.com/wesm/annoreports/internal/queue"
)

// app holds the components shared by the long-running commands.
type app struct {
	cfg     config.Config
	log     logger.Logger
	db      *db.DB
	events  *events.Store
	queue   queue.Queue
	metrics *metrics.Metrics
	manager *analytics.Manager
}

func loadConfig(fs *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(fs)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return cfg, fmt.Errorf("creating data dir: %w", err)
	}
	return cfg, nil
}

func openQueue(cfg config.Config) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case config.QueueRedis:
		// A nil *Redis must not escape as a non-nil Queue.
		q, err := queue.NewRedis(queue.RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	case config.QueueMemory:
		return queue.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}

// openApp opens every store. The caller must Close the app.
func openApp(cfg config.Config) (*app, error) {
	log, err := logger.New(logger.Config{Level: cfg.LogLevel})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, metrics: metrics.New(nil)}

	if a.db, err = db.Open(cfg.DBPath); err != nil {
		return nil, errors.Join(
			fmt.Errorf("opening database: %w", err), a.Close(),
		)
	}
	if a.events, err = events.Open(cfg.EventsDriver, cfg.EventsDSN); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	if a.queue, err = openQueue(cfg); err != nil {
		return nil, errors.Join(
			fmt.Errorf("opening queue: %w", err), a.Close(),
		)
	}
	a.manager = analytics.NewManager(a.db, a.events, a.queue,
		analytics.WithParallelism(cfg.Workers),
		analytics.WithLogger(log),
	)
	return a, nil
}

func (a *app) ingester() *events.Ingester {
	return events.NewIngester(a.events, a.db.JobOwners, a.log,
		events.WithIngestMetrics(a.metrics),
	)
}

// Close releases everything openApp opened, in reverse order.
func (a *app) Close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	_ = a.log.Sync()
	return errors.Join(errs...)
}
