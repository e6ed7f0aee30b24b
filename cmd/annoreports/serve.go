package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/annoreports/internal/config"
	"github.com/wesm/annoreports/internal/events"
	"github.com/wesm/annoreports/internal/logger"
	"github.com/wesm/annoreports/internal/server"
	"github.com/wesm/annoreports/internal/worker"
)

const (
	watcherDebounce = 500 * time.Millisecond
	shutdownTimeout = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the report API and run workers",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	config.RegisterServeFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	noWorker, _ := cmd.Flags().GetBool("no-worker")
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	port := server.FindAvailablePort(cfg.Host, cfg.Port)
	if port != cfg.Port {
		a.log.Warn("port in use",
			logger.Int("requested", cfg.Port), logger.Int("using", port))
	}
	cfg.Port = port

	in := a.ingester()
	srv := server.New(cfg, a.manager, in,
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.log),
	)

	g, ctx := errgroup.WithContext(cmd.Context())
	if err := startBackground(ctx, g, a, !noWorker); err != nil {
		return err
	}
	stopWatcher := startEventWatcher(ctx, a, in)
	defer stopWatcher()

	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx), shutdownTimeout,
		)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// startBackground starts the auto-updater and then, if
// withPool, the worker pool. A bad schedule fails before any
// goroutine joins g.
func startBackground(
	ctx context.Context, g *errgroup.Group, a *app, withPool bool,
) error {
	if err := startAutoUpdater(ctx, a); err != nil {
		return err
	}
	if withPool {
		startPool(ctx, g, a)
	}
	return nil
}

func startPool(ctx context.Context, g *errgroup.Group, a *app) {
	pool := worker.NewPool(a.queue, a.manager,
		worker.Config{Concurrency: a.cfg.Workers}, a.log, a.metrics)
	g.Go(func() error { return pool.Run(ctx) })
}

func startAutoUpdater(ctx context.Context, a *app) error {
	if a.cfg.AutoUpdateSchedule == "" {
		return nil
	}
	u, err := worker.NewAutoUpdater(
		a.manager, a.cfg.AutoUpdateSchedule, a.cfg.AutoUpdateLookback,
		a.log, a.metrics,
	)
	if err != nil {
		return err
	}
	return u.Start(ctx)
}

// startEventWatcher ingests JSONL logs dropped in the events
// directory. Failures only disable the watcher.
func startEventWatcher(
	ctx context.Context, a *app, in *events.Ingester,
) func() {
	if a.cfg.EventsDir == "" {
		return func() {}
	}
	w, err := events.NewWatcher(in, watcherDebounce, a.log)
	if err != nil {
		a.log.Warn("event watcher unavailable", logger.Error(err))
		return func() {}
	}
	n, err := w.WatchDir(a.cfg.EventsDir)
	if err != nil {
		a.log.Warn("watching events dir",
			logger.String("dir", a.cfg.EventsDir), logger.Error(err))
	}
	a.log.Info("watching event logs",
		logger.String("dir", a.cfg.EventsDir), logger.Int("dirs", n))
	w.Start(ctx)
	return w.Stop
}
