package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/annoreports/internal/timeutil"
)

// Kind identifies the resource a report belongs to.
type Kind string

const (
	KindJob     Kind = "job"
	KindTask    Kind = "task"
	KindProject Kind = "project"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindJob, KindTask, KindProject:
		return true
	}
	return false
}

// table returns the owning table and the analytics_reports
// owner column for k.
func (k Kind) table() (table, column string) {
	switch k {
	case KindJob:
		return "jobs", "job_id"
	case KindTask:
		return "tasks", "task_id"
	case KindProject:
		return "projects", "project_id"
	}
	panic(fmt.Sprintf("db: unknown resource kind %q", string(k)))
}

// Ref references one job, task, or project.
type Ref struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s-%d", r.Kind, r.ID)
}

// Job states.
const (
	StateNew        = "new"
	StateInProgress = "in progress"
	StateRejected   = "rejected"
	StateCompleted  = "completed"
)

// Annotation sources. Annotations imported from files are
// excluded from object counts.
const (
	SourceManual = "manual"
	SourceAuto   = "auto"
	SourceFile   = "file"
)

// Project is an annotation project.
type Project struct {
	ID          int64
	Name        string
	CreatedDate time.Time
	UpdatedDate time.Time
}

// Task is an annotation task, optionally inside a project.
type Task struct {
	ID          int64
	ProjectID   *int64
	Name        string
	CreatedDate time.Time
	UpdatedDate time.Time
}

// Job is one annotation job over a task segment.
type Job struct {
	ID          int64
	SegmentID   int64
	TaskID      int64
	State       string
	StartFrame  int
	StopFrame   int
	CreatedDate time.Time
	UpdatedDate time.Time
}

// CreateProject inserts a project with an empty report.
func (db *DB) CreateProject(
	ctx context.Context, name string, at time.Time,
) (int64, error) {
	var id int64
	err := db.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO projects (name, created_date, updated_date)
			 VALUES (?, ?, ?)`,
			name, timeutil.Format(at), timeutil.Format(at),
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return insertEmptyReport(ctx, tx, Ref{KindProject, id})
	})
	if err != nil {
		return 0, fmt.Errorf("creating project: %w", err)
	}
	return id, nil
}

// CreateTask inserts a task with an empty report. A nil
// projectID creates a standalone task.
func (db *DB) CreateTask(
	ctx context.Context, projectID *int64, name string,
	at time.Time,
) (int64, error) {
	var id int64
	err := db.Update(ctx, func(tx *sql.Tx) error {
		if projectID != nil {
			if err := touch(ctx, tx, Ref{KindProject, *projectID}, at); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tasks
			 (project_id, name, created_date, updated_date)
			 VALUES (?, ?, ?, ?)`,
			projectID, name,
			timeutil.Format(at), timeutil.Format(at),
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return insertEmptyReport(ctx, tx, Ref{KindTask, id})
	})
	if err != nil {
		return 0, fmt.Errorf("creating task: %w", err)
	}
	return id, nil
}

// CreateJob inserts a segment covering [startFrame, stopFrame]
// and one job on it, with an empty job report.
func (db *DB) CreateJob(
	ctx context.Context, taskID int64,
	startFrame, stopFrame int, at time.Time,
) (int64, error) {
	var id int64
	err := db.Update(ctx, func(tx *sql.Tx) error {
		if err := touch(ctx, tx, Ref{KindTask, taskID}, at); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO segments (task_id, start_frame, stop_frame)
			 VALUES (?, ?, ?)`,
			taskID, startFrame, stopFrame,
		)
		if err != nil {
			return err
		}
		segmentID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx,
			`INSERT INTO jobs
			 (segment_id, state, created_date, updated_date)
			 VALUES (?, ?, ?, ?)`,
			segmentID, StateNew,
			timeutil.Format(at), timeutil.Format(at),
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return insertEmptyReport(ctx, tx, Ref{KindJob, id})
	})
	if err != nil {
		return 0, fmt.Errorf("creating job: %w", err)
	}
	return id, nil
}

// SetJobState changes a job's state and touches its parents.
func (db *DB) SetJobState(
	ctx context.Context, jobID int64, state string,
	at time.Time,
) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE jobs SET state = ? WHERE id = ?",
			state, jobID,
		); err != nil {
			return fmt.Errorf("updating job state: %w", err)
		}
		return touch(ctx, tx, Ref{KindJob, jobID}, at)
	})
}

// Touch marks a resource and its ancestors as modified at at.
func (db *DB) Touch(
	ctx context.Context, ref Ref, at time.Time,
) error {
	return db.Update(ctx, func(tx *sql.Tx) error {
		return touch(ctx, tx, ref, at)
	})
}

// touch bumps updated_date on ref and every ancestor.
func touch(
	ctx context.Context, tx *sql.Tx, ref Ref, at time.Time,
) error {
	ts := timeutil.Format(at)
	switch ref.Kind {
	case KindJob:
		var taskID int64
		err := tx.QueryRowContext(ctx,
			`SELECT s.task_id FROM jobs j
			 JOIN segments s ON s.id = j.segment_id
			 WHERE j.id = ?`, ref.ID,
		).Scan(&taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %d: %w", ref.ID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("looking up job %d: %w", ref.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE jobs SET updated_date = ? WHERE id = ?",
			ts, ref.ID,
		); err != nil {
			return fmt.Errorf("touching job %d: %w", ref.ID, err)
		}
		return touch(ctx, tx, Ref{KindTask, taskID}, at)
	case KindTask:
		var projectID sql.NullInt64
		err := tx.QueryRowContext(ctx,
			"SELECT project_id FROM tasks WHERE id = ?", ref.ID,
		).Scan(&projectID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %d: %w", ref.ID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("looking up task %d: %w", ref.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET updated_date = ? WHERE id = ?",
			ts, ref.ID,
		); err != nil {
			return fmt.Errorf("touching task %d: %w", ref.ID, err)
		}
		if projectID.Valid {
			return touch(ctx, tx, Ref{KindProject, projectID.Int64}, at)
		}
		return nil
	case KindProject:
		res, err := tx.ExecContext(ctx,
			"UPDATE projects SET updated_date = ? WHERE id = ?",
			ts, ref.ID,
		)
		if err != nil {
			return fmt.Errorf("touching project %d: %w", ref.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("project %d: %w", ref.ID, ErrNotFound)
		}
		return nil
	}
	return fmt.Errorf("unknown resource kind %q", ref.Kind)
}

// Delete removes a resource. Reports, children, and
// annotations cascade.
func (db *DB) Delete(ctx context.Context, ref Ref) error {
	if !ref.Kind.Valid() {
		return fmt.Errorf("unknown resource kind %q", ref.Kind)
	}
	table, _ := ref.Kind.table()
	return db.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE id = ?", ref.ID,
		)
		if err != nil {
			return fmt.Errorf("deleting %s: %w", ref, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return nil
	})
}

const jobColumns = `j.id, j.segment_id, s.task_id, j.state,
	s.start_frame, s.stop_frame, j.created_date, j.updated_date`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var created, updated string
	if err := row.Scan(
		&j.ID, &j.SegmentID, &j.TaskID, &j.State,
		&j.StartFrame, &j.StopFrame, &created, &updated,
	); err != nil {
		return Job{}, err
	}
	var err error
	if j.CreatedDate, err = timeutil.Parse(created); err != nil {
		return Job{}, fmt.Errorf("parsing job created_date: %w", err)
	}
	if j.UpdatedDate, err = timeutil.Parse(updated); err != nil {
		return Job{}, fmt.Errorf("parsing job updated_date: %w", err)
	}
	return j, nil
}

// GetJob returns a job by id.
func (db *DB) GetJob(ctx context.Context, id int64) (Job, error) {
	return getJob(ctx, db.reader, id)
}

func getJob(ctx context.Context, q querier, id int64) (Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs j
		 JOIN segments s ON s.id = j.segment_id
		 WHERE j.id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("getting job %d: %w", id, err)
	}
	return j, nil
}

func listTaskJobs(
	ctx context.Context, q querier, taskID int64,
) ([]Job, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs j
		 JOIN segments s ON s.id = j.segment_id
		 WHERE s.task_id = ?
		 ORDER BY s.start_frame, j.id`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing jobs of task %d: %w", taskID, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var projectID sql.NullInt64
	var created, updated string
	if err := row.Scan(
		&t.ID, &projectID, &t.Name, &created, &updated,
	); err != nil {
		return Task{}, err
	}
	if projectID.Valid {
		t.ProjectID = &projectID.Int64
	}
	var err error
	if t.CreatedDate, err = timeutil.Parse(created); err != nil {
		return Task{}, fmt.Errorf("parsing task created_date: %w", err)
	}
	if t.UpdatedDate, err = timeutil.Parse(updated); err != nil {
		return Task{}, fmt.Errorf("parsing task updated_date: %w", err)
	}
	return t, nil
}

const taskColumns = "id, project_id, name, created_date, updated_date"

// GetTask returns a task by id.
func (db *DB) GetTask(ctx context.Context, id int64) (Task, error) {
	return getTask(ctx, db.reader, id)
}

func getTask(ctx context.Context, q querier, id int64) (Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("getting task %d: %w", id, err)
	}
	return t, nil
}

func listProjectTasks(
	ctx context.Context, q querier, projectID int64,
) ([]Task, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks"+
			" WHERE project_id = ? ORDER BY id", projectID,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"listing tasks of project %d: %w", projectID, err,
		)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetProject returns a project by id.
func (db *DB) GetProject(ctx context.Context, id int64) (Project, error) {
	return getProject(ctx, db.reader, id)
}

func getProject(
	ctx context.Context, q querier, id int64,
) (Project, error) {
	var p Project
	var created, updated string
	err := q.QueryRowContext(ctx,
		`SELECT id, name, created_date, updated_date
		 FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("getting project %d: %w", id, err)
	}
	if p.CreatedDate, err = timeutil.Parse(created); err != nil {
		return Project{}, fmt.Errorf("parsing project created_date: %w", err)
	}
	if p.UpdatedDate, err = timeutil.Parse(updated); err != nil {
		return Project{}, fmt.Errorf("parsing project updated_date: %w", err)
	}
	return p, nil
}

// exists reports whether the owner of ref is present.
func exists(ctx context.Context, q querier, ref Ref) (bool, error) {
	table, _ := ref.Kind.table()
	var one int
	err := q.QueryRowContext(ctx,
		"SELECT 1 FROM "+table+" WHERE id = ?", ref.ID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", ref, err)
	}
	return true, nil
}

// JobOwners returns the task and, if any, the project of a job.
func (db *DB) JobOwners(
	ctx context.Context, jobID int64,
) (taskID int64, projectID *int64, err error) {
	var project sql.NullInt64
	err = db.reader.QueryRowContext(ctx,
		`SELECT t.id, t.project_id FROM jobs j
		 JOIN segments s ON s.id = j.segment_id
		 JOIN tasks t ON t.id = s.task_id
		 WHERE j.id = ?`, jobID,
	).Scan(&taskID, &project)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("resolving owners of job %d: %w", jobID, err)
	}
	if project.Valid {
		projectID = &project.Int64
	}
	return taskID, projectID, nil
}
