package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wesm/annoreports/internal/logger"
	"github.com/wesm/annoreports/internal/metrics"
)

// StaleScheduler schedules checks for stale resources.
type StaleScheduler interface {
	ScheduleStale(ctx context.Context, since time.Time) (int, error)
}

// AutoUpdater periodically schedules checks for resources whose
// report went stale within the lookback period.
type AutoUpdater struct {
	target   StaleScheduler
	cron     *cron.Cron
	spec     string
	lookback time.Duration
	log      logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewAutoUpdater validates spec (standard 5-field cron or a
// descriptor such as "@every 15m") and returns an updater.
func NewAutoUpdater(
	target StaleScheduler, spec string, lookback time.Duration,
	log logger.Logger, m *metrics.Metrics,
) (*AutoUpdater, error) {
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("parsing auto-update schedule %q: %w", spec, err)
	}
	return &AutoUpdater{
		target:   target,
		cron:     cron.New(cron.WithParser(parser)),
		spec:     spec,
		lookback: lookback,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}, nil
}

// RunOnce schedules the currently stale resources.
func (a *AutoUpdater) RunOnce(ctx context.Context) (int, error) {
	since := a.now().Add(-a.lookback)
	n, err := a.target.ScheduleStale(ctx, since)
	if err != nil {
		return n, fmt.Errorf("scheduling stale reports: %w", err)
	}
	if a.metrics != nil {
		a.metrics.StaleScheduled.Add(float64(n))
	}
	if n > 0 {
		a.log.Info("stale reports scheduled", logger.Int("count", n))
	}
	return n, nil
}

// Start runs RunOnce on the schedule until ctx is done.
func (a *AutoUpdater) Start(ctx context.Context) error {
	_, err := a.cron.AddFunc(a.spec, func() {
		if _, err := a.RunOnce(ctx); err != nil {
			a.log.Error("auto-update failed", logger.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("adding auto-update job: %w", err)
	}
	a.cron.Start()
	a.log.Info("auto-updater started", logger.String("schedule", a.spec))
	go func() {
		<-ctx.Done()
		<-a.cron.Stop().Done()
	}()
	return nil
}
