package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/annoreports/internal/timeutil"
)

// Report is a stored analytics report. CreatedDate is nil when
// the report was never computed; it doubles as the version
// checked by SaveReports.
type Report struct {
	Ref         Ref
	CreatedDate *time.Time
	Statistics  []byte // JSON array of statistics entries
}

// JobTree is a job with its report.
type JobTree struct {
	Job    Job
	Report Report
}

// TaskTree is a task with its report and all of its jobs.
type TaskTree struct {
	Task   Task
	Report Report
	Jobs   []JobTree
}

// ProjectTree is a project with its report and all tasks.
type ProjectTree struct {
	Project Project
	Report  Report
	Tasks   []TaskTree
}

// ReportWrite replaces one report's statistics, provided the
// stored version still equals Expected.
type ReportWrite struct {
	Ref        Ref
	Expected   *time.Time
	Statistics []byte
}

func getReport(ctx context.Context, q querier, ref Ref) (Report, error) {
	_, column := ref.Kind.table()
	var created sql.NullString
	var stats string
	err := q.QueryRowContext(ctx,
		"SELECT created_date, statistics FROM analytics_reports"+
			" WHERE "+column+" = ?", ref.ID,
	).Scan(&created, &stats)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{Ref: ref}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("reading report of %s: %w", ref, err)
	}
	r := Report{Ref: ref, Statistics: []byte(stats)}
	if created.Valid {
		r.CreatedDate, err = timeutil.ParseNullable(&created.String)
		if err != nil {
			return Report{}, fmt.Errorf(
				"parsing report created_date of %s: %w", ref, err,
			)
		}
	}
	return r, nil
}

// GetReport returns the stored report for ref. A resource
// without a report row yields a Report with nil CreatedDate.
func (db *DB) GetReport(ctx context.Context, ref Ref) (Report, error) {
	if !ref.Kind.Valid() {
		return Report{}, fmt.Errorf("unknown resource kind %q", ref.Kind)
	}
	var r Report
	err := db.View(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, ref)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		r, err = getReport(ctx, tx, ref)
		return err
	})
	return r, err
}

func loadJobTree(ctx context.Context, q querier, job Job) (JobTree, error) {
	r, err := getReport(ctx, q, Ref{KindJob, job.ID})
	if err != nil {
		return JobTree{}, err
	}
	return JobTree{Job: job, Report: r}, nil
}

func loadTaskTree(ctx context.Context, q querier, task Task) (TaskTree, error) {
	r, err := getReport(ctx, q, Ref{KindTask, task.ID})
	if err != nil {
		return TaskTree{}, err
	}
	jobs, err := listTaskJobs(ctx, q, task.ID)
	if err != nil {
		return TaskTree{}, err
	}
	tree := TaskTree{Task: task, Report: r}
	for _, j := range jobs {
		jt, err := loadJobTree(ctx, q, j)
		if err != nil {
			return TaskTree{}, err
		}
		tree.Jobs = append(tree.Jobs, jt)
	}
	return tree, nil
}

// LoadJobTree reads a job and its report in one snapshot.
func (db *DB) LoadJobTree(ctx context.Context, id int64) (JobTree, error) {
	var tree JobTree
	err := db.View(ctx, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		tree, err = loadJobTree(ctx, tx, job)
		return err
	})
	return tree, err
}

// LoadTaskTree reads a task, its jobs, and all their reports in
// one snapshot.
func (db *DB) LoadTaskTree(ctx context.Context, id int64) (TaskTree, error) {
	var tree TaskTree
	err := db.View(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		tree, err = loadTaskTree(ctx, tx, task)
		return err
	})
	return tree, err
}

// LoadProjectTree reads a project with every task and job and
// all their reports in one snapshot.
func (db *DB) LoadProjectTree(
	ctx context.Context, id int64,
) (ProjectTree, error) {
	var tree ProjectTree
	err := db.View(ctx, func(tx *sql.Tx) error {
		project, err := getProject(ctx, tx, id)
		if err != nil {
			return err
		}
		r, err := getReport(ctx, tx, Ref{KindProject, id})
		if err != nil {
			return err
		}
		tree = ProjectTree{Project: project, Report: r}
		tasks, err := listProjectTasks(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			tt, err := loadTaskTree(ctx, tx, t)
			if err != nil {
				return err
			}
			tree.Tasks = append(tree.Tasks, tt)
		}
		return nil
	})
	return tree, err
}

// SaveReports writes every report in one transaction. For each
// write the owner must still exist (ErrNotFound otherwise) and
// the stored created_date must equal Expected (ErrConflict
// otherwise). On any failure nothing is written. Written
// reports get created_date = at.
func (db *DB) SaveReports(
	ctx context.Context, writes []ReportWrite, at time.Time,
) error {
	ts := timeutil.Format(at)
	return db.Update(ctx, func(tx *sql.Tx) error {
		for _, w := range writes {
			if !w.Ref.Kind.Valid() {
				return fmt.Errorf("unknown resource kind %q", w.Ref.Kind)
			}
			ok, err := exists(ctx, tx, w.Ref)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: %w", w.Ref, ErrNotFound)
			}
			current, err := getReport(ctx, tx, w.Ref)
			if err != nil {
				return err
			}
			if !timeutil.Equal(current.CreatedDate, w.Expected) {
				return fmt.Errorf("%s: %w", w.Ref, ErrConflict)
			}
		}
		for _, w := range writes {
			if err := upsertReport(ctx, tx, w.Ref, &ts, w.Statistics); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertReport(
	ctx context.Context, tx *sql.Tx, ref Ref,
	createdDate *string, statistics []byte,
) error {
	_, column := ref.Kind.table()
	if statistics == nil {
		statistics = []byte("[]")
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO analytics_reports ("+column+
			", created_date, statistics) VALUES (?, ?, ?)"+
			" ON CONFLICT("+column+") DO UPDATE SET"+
			" created_date = excluded.created_date,"+
			" statistics = excluded.statistics",
		ref.ID, createdDate, string(statistics),
	)
	if err != nil {
		return fmt.Errorf("writing report of %s: %w", ref, err)
	}
	return nil
}

func insertEmptyReport(ctx context.Context, tx *sql.Tx, ref Ref) error {
	return upsertReport(ctx, tx, ref, nil, nil)
}

// ListStale returns resources updated at or after since whose
// report is missing, never computed, or older than the
// resource. Projects come first, then tasks, then jobs.
func (db *DB) ListStale(
	ctx context.Context, since time.Time,
) ([]Ref, error) {
	var refs []Ref
	for _, kind := range []Kind{KindProject, KindTask, KindJob} {
		table, column := kind.table()
		rows, err := db.reader.QueryContext(ctx,
			"SELECT o.id FROM "+table+" o"+
				" LEFT JOIN analytics_reports r ON r."+column+" = o.id"+
				" WHERE o.updated_date >= ?"+
				" AND (r.created_date IS NULL"+
				" OR r.created_date < o.updated_date)"+
				" ORDER BY o.id",
			timeutil.Format(since),
		)
		if err != nil {
			return nil, fmt.Errorf("listing stale %ss: %w", kind, err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning stale %s: %w", kind, err)
			}
			refs = append(refs, Ref{Kind: kind, ID: id})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterating stale %ss: %w", kind, err)
		}
	}
	return refs, nil
}
