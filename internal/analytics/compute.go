package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/annoreports/internal/db"
	"github.com/wesm/annoreports/internal/events"
	"github.com/wesm/annoreports/internal/logger"
)

// versionedWrite collects the reports one computation touches,
// each with the version (created_date) captured at load.
// commit writes all of them or none.
type versionedWrite struct {
	writes []db.ReportWrite
}

func (v *versionedWrite) add(
	ref db.Ref, version *time.Time, stats Statistics,
) error {
	raw, err := encodeStatistics(stats)
	if err != nil {
		return fmt.Errorf("%s: %w", ref, err)
	}
	v.writes = append(v.writes, db.ReportWrite{
		Ref: ref, Expected: version, Statistics: raw,
	})
	return nil
}

func (v *versionedWrite) commit(
	ctx context.Context, store Store, at time.Time,
) error {
	err := store.SaveReports(ctx, v.writes, at)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, db.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConcurrentModification, err)
	}
	return err
}

// stale reports whether a report needs recomputation.
func stale(r db.Report, updated time.Time) bool {
	return r.CreatedDate == nil || r.CreatedDate.Before(updated)
}

func window(created, updated time.Time) events.Window {
	return events.Window{Start: created, End: updated.Add(time.Second)}
}

// Compute recomputes the stale reports of ref and its
// descendants and saves them in one versioned write. Reports
// are stamped with the time the annotations were loaded, so a
// change made while computing leaves them stale.
// A vanished resource or a lost race is reported through the
// Result, not as an error.
func (m *Manager) Compute(ctx context.Context, ref db.Ref) (Result, error) {
	log := m.log.With(logger.String("ref", ref.String()))
	now := m.now()
	var batch versionedWrite

	var err error
	switch ref.Kind {
	case db.KindJob:
		err = m.computeJobRef(ctx, ref.ID, now, &batch)
	case db.KindTask:
		err = m.computeTaskRef(ctx, ref.ID, now, &batch)
	case db.KindProject:
		err = m.computeProjectRef(ctx, ref.ID, now, &batch)
	default:
		return ResultFailed, fmt.Errorf("unknown resource kind %q", ref.Kind)
	}
	if err == nil && len(batch.writes) == 0 {
		log.Debug("reports up to date")
		return ResultUpToDate, nil
	}
	if err == nil {
		err = batch.commit(ctx, m.store, now)
	}

	switch {
	case err == nil:
		log.Info("reports updated", logger.Int("reports", len(batch.writes)))
		return ResultUpdated, nil
	case errors.Is(err, ErrNotFound):
		log.Info("resource vanished, computation dropped", logger.Error(err))
		return ResultNotFound, nil
	case errors.Is(err, ErrConcurrentModification):
		log.Warn("concurrent report update, write aborted", logger.Error(err))
		return ResultConflict, nil
	}
	return ResultFailed, fmt.Errorf("computing %s: %w", ref, err)
}

func notFound(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (m *Manager) computeJobRef(
	ctx context.Context, id int64, now time.Time, batch *versionedWrite,
) error {
	tree, err := m.store.LoadJobTree(ctx, id)
	if err != nil {
		return notFound(err)
	}
	ex := m.events.Extractors(
		events.JobScope(id), window(tree.Job.CreatedDate, tree.Job.UpdatedDate),
	)
	_, err = m.computeJobs(ctx, []db.JobTree{tree}, ex, now, batch)
	return err
}

func (m *Manager) computeTaskRef(
	ctx context.Context, id int64, now time.Time, batch *versionedWrite,
) error {
	tree, err := m.store.LoadTaskTree(ctx, id)
	if err != nil {
		return notFound(err)
	}
	ex := m.events.Extractors(
		events.TasksScope([]int64{id}),
		window(tree.Task.CreatedDate, tree.Task.UpdatedDate),
	)
	_, err = m.computeTask(ctx, tree, ex, now, batch)
	return err
}

func (m *Manager) computeProjectRef(
	ctx context.Context, id int64, now time.Time, batch *versionedWrite,
) error {
	tree, err := m.store.LoadProjectTree(ctx, id)
	if err != nil {
		return notFound(err)
	}
	ex := m.events.Extractors(
		events.TasksScope(taskIDs(tree.Tasks)), projectWindow(tree),
	)
	var jobStats []Statistics
	for _, task := range tree.Tasks {
		stats, err := m.computeTask(ctx, task, ex, now, batch)
		if err != nil {
			return err
		}
		jobStats = append(jobStats, stats...)
	}
	if stale(tree.Report, tree.Project.UpdatedDate) {
		ref := db.Ref{Kind: db.KindProject, ID: id}
		return batch.add(ref, tree.Report.CreatedDate,
			derive(db.KindProject, jobStats, now))
	}
	return nil
}

func taskIDs(tasks []db.TaskTree) []int64 {
	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.Task.ID
	}
	return ids
}

// projectWindow spans from the first task's creation to the
// last task update. A project without tasks uses its own
// dates.
func projectWindow(tree db.ProjectTree) events.Window {
	if len(tree.Tasks) == 0 {
		return window(tree.Project.CreatedDate, tree.Project.UpdatedDate)
	}
	start := tree.Tasks[0].Task.CreatedDate
	end := tree.Tasks[0].Task.UpdatedDate
	for _, t := range tree.Tasks[1:] {
		if t.Task.CreatedDate.Before(start) {
			start = t.Task.CreatedDate
		}
		if t.Task.UpdatedDate.After(end) {
			end = t.Task.UpdatedDate
		}
	}
	return window(start, end)
}

// computeTask computes the task's jobs and, if the task report
// is stale, its derived metrics. It returns the statistics of
// every job, recomputed or not.
func (m *Manager) computeTask(
	ctx context.Context, tree db.TaskTree, ex events.Extractors,
	now time.Time, batch *versionedWrite,
) ([]Statistics, error) {
	stats, err := m.computeJobs(ctx, tree.Jobs, ex, now, batch)
	if err != nil {
		return nil, err
	}
	if stale(tree.Report, tree.Task.UpdatedDate) {
		ref := db.Ref{Kind: db.KindTask, ID: tree.Task.ID}
		if err := batch.add(ref, tree.Report.CreatedDate,
			derive(db.KindTask, stats, now)); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// computeJobs computes the stale jobs concurrently and adds
// them to batch in input order.
func (m *Manager) computeJobs(
	ctx context.Context, trees []db.JobTree, ex events.Extractors,
	now time.Time, batch *versionedWrite,
) ([]Statistics, error) {
	stats := make([]Statistics, len(trees))
	changed := make([]bool, len(trees))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for i, tree := range trees {
		g.Go(func() error {
			s, ok, err := m.computeJob(gctx, tree, ex, now)
			if err != nil {
				return fmt.Errorf("job %d: %w", tree.Job.ID, err)
			}
			stats[i], changed[i] = s, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, tree := range trees {
		if !changed[i] {
			continue
		}
		ref := db.Ref{Kind: db.KindJob, ID: tree.Job.ID}
		if err := batch.add(ref, tree.Report.CreatedDate, stats[i]); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// computeJob returns the job's statistics and whether they
// were recomputed.
func (m *Manager) computeJob(
	ctx context.Context, tree db.JobTree, ex events.Extractors,
	now time.Time,
) (Statistics, bool, error) {
	previous, err := decodeStatistics(tree.Report.Statistics)
	if err != nil {
		return nil, false, err
	}
	if !stale(tree.Report, tree.Job.UpdatedDate) {
		return previous, false, nil
	}

	in := &jobInput{
		job:        tree.Job,
		previous:   previous,
		extractors: ex,
		store:      m.store,
		now:        now,
	}
	var stats Statistics
	for _, p := range jobPrimary {
		series, err := p.compute(ctx, in)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", p.Key, err)
		}
		stats = append(stats, p.entry(db.KindJob, series))
	}
	own := []Statistics{stats}
	for _, d := range jobDerived {
		stats = append(stats, d.entry(db.KindJob, d.Combine(own, now.Truncate(time.Second))))
	}
	return stats, true, nil
}

// derive computes the task or project metrics from job
// statistics.
func derive(kind db.Kind, children []Statistics, now time.Time) Statistics {
	at := now.Truncate(time.Second)
	var stats Statistics
	for _, d := range parentDerived {
		stats = append(stats, d.entry(kind, d.Combine(children, at)))
	}
	return stats
}
