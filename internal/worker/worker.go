// Package worker runs queued report computations and the
// periodic auto-updater that schedules them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/annoreports/internal/analytics"
	"github.com/wesm/annoreports/internal/db"
	"github.com/wesm/annoreports/internal/logger"
	"github.com/wesm/annoreports/internal/metrics"
	"github.com/wesm/annoreports/internal/queue"
)

// Computer runs one report computation.
type Computer interface {
	Compute(ctx context.Context, ref db.Ref) (analytics.Result, error)
}

// Config controls a Pool.
type Config struct {
	Concurrency int
	// PollWait is how long one Dequeue call blocks.
	PollWait time.Duration
	// Heartbeat is the lease renewal interval of a running
	// request. It must stay well under the queue's lease TTL.
	Heartbeat time.Duration
}

// Pool consumes the queue with a fixed number of workers.
type Pool struct {
	queue    queue.Queue
	computer Computer
	cfg      Config
	log      logger.Logger
	metrics  *metrics.Metrics
}

// NewPool creates a worker pool. m may be nil.
func NewPool(
	q queue.Queue, c Computer, cfg Config,
	log logger.Logger, m *metrics.Metrics,
) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 5 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	return &Pool{queue: q, computer: c, cfg: cfg, log: log, metrics: m}
}

// Run processes requests until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("workers started", logger.Int("concurrency", p.cfg.Concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Concurrency {
		g.Go(func() error {
			return p.loop(gctx, i)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, n int) error {
	log := p.log.With(logger.Int("worker", n))
	for {
		j, err := p.queue.Dequeue(ctx, p.cfg.PollWait)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Error("dequeue failed", logger.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollWait):
			}
			continue
		}
		p.Process(ctx, j, log)
	}
}

// Process runs one dequeued request and records its outcome on
// the queue.
func (p *Pool) Process(ctx context.Context, j queue.Job, log logger.Logger) {
	log = log.With(logger.String("rq_id", j.ID))
	ref, err := requestRef(j)
	if err != nil {
		log.Error("malformed request", logger.Error(err))
		p.finish(ctx, j.ID, err, log)
		return
	}

	if p.metrics != nil {
		p.metrics.WorkersBusy.Inc()
		defer p.metrics.WorkersBusy.Dec()
	}
	jctx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	beating := make(chan struct{})
	go func() {
		defer close(beating)
		p.heartbeat(jctx, j, cancel, &lost, log)
	}()

	start := time.Now()
	res, err := p.computer.Compute(jctx, ref)
	elapsed := time.Since(start)
	cancel()
	<-beating
	if lost.Load() {
		log.Warn("request was replaced while running; dropping outcome")
		return
	}
	if p.metrics != nil {
		p.metrics.ObserveCompute(string(ref.Kind), res.String(), elapsed)
	}
	if err != nil {
		log.Error("computation failed", logger.Error(err))
	} else {
		log.Info("computation finished",
			logger.String("result", res.String()),
			logger.Duration("elapsed", elapsed))
	}
	p.finish(ctx, j.ID, err, log)
}

// heartbeat renews j's lease until ctx is done. A lost lease
// cancels the computation.
func (p *Pool) heartbeat(
	ctx context.Context, j queue.Job, cancel context.CancelFunc,
	lost *atomic.Bool, log logger.Logger,
) {
	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.queue.Heartbeat(ctx, j)
		switch {
		case errors.Is(err, queue.ErrLeaseLost):
			lost.Store(true)
			cancel()
			return
		case err != nil && ctx.Err() == nil:
			log.Warn("renewing request lease", logger.Error(err))
		}
	}
}

func (p *Pool) finish(ctx context.Context, id string, failure error, log logger.Logger) {
	// The outcome is recorded even when ctx was cancelled
	// mid-computation.
	ctx = context.WithoutCancel(ctx)
	if err := p.queue.Finish(ctx, id, failure); err != nil {
		log.Error("recording request outcome", logger.Error(err))
	}
}

func requestRef(j queue.Job) (db.Ref, error) {
	if len(j.Payload) > 0 {
		var req analytics.Request
		if err := json.Unmarshal(j.Payload, &req); err != nil {
			return db.Ref{}, fmt.Errorf("decoding request: %w", err)
		}
		if !req.Ref.Kind.Valid() {
			return db.Ref{}, fmt.Errorf("request has unknown kind %q", req.Ref.Kind)
		}
		return req.Ref, nil
	}
	return analytics.ParseRequestID(j.ID)
}
