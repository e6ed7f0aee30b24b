package events

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/tidwall/gjson"

	"github.com/wesm/annoreports/internal/timeutil"
)

// Object event scopes read by the objects metric.
var ObjectScopes = []string{
	"create:tags", "create:shapes", "create:tracks",
	"update:tags", "update:shapes", "update:tracks",
	"delete:tags", "delete:shapes", "delete:tracks",
}

// Scope selects whose events an extractor reads: a single job,
// or every job of a set of tasks.
type Scope struct {
	JobID   *int64
	TaskIDs []int64
}

// JobScope selects one job's events.
func JobScope(id int64) Scope {
	return Scope{JobID: &id}
}

// TasksScope selects the events of every job of the tasks.
func TasksScope(ids []int64) Scope {
	return Scope{TaskIDs: ids}
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside w.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Row is one extracted event. Value holds the numeric payload
// (working time in ms, or object count); Label holds the event
// scope for object events and the new state for job state
// events.
type Row struct {
	JobID     int64
	Label     string
	Value     float64
	Timestamp time.Time
}

type source int

const (
	sourceWorkingTime source = iota
	sourceObjects
	sourceJobStates
)

func (s source) String() string {
	switch s {
	case sourceWorkingTime:
		return "working time"
	case sourceObjects:
		return "object events"
	case sourceJobStates:
		return "job states"
	}
	return "unknown"
}

// Extractor reads one kind of event for a scope and window.
// Rows is lazy and restartable; ForJob materializes the scope
// once and serves every job of it from memory.
type Extractor struct {
	store  *Store
	source source
	scope  Scope
	window Window

	mu    sync.Mutex
	byJob map[int64][]Row
}

// Extractors bundles the extractors one computation needs.
type Extractors struct {
	WorkingTime *Extractor
	Objects     *Extractor
	JobStates   *Extractor
}

// Extractors returns a fresh set of extractors over scope and
// window. Each carries its own per-job cache.
func (s *Store) Extractors(scope Scope, window Window) Extractors {
	return Extractors{
		WorkingTime: s.extractor(sourceWorkingTime, scope, window),
		Objects:     s.extractor(sourceObjects, scope, window),
		JobStates:   s.extractor(sourceJobStates, scope, window),
	}
}

func (s *Store) extractor(src source, scope Scope, window Window) *Extractor {
	return &Extractor{store: s, source: src, scope: scope, window: window}
}

// Window returns the extractor's time window.
func (e *Extractor) Window() Window {
	return e.window
}

// buildQuery assembles the query shared by every scope shape.
func (e *Extractor) buildQuery() (string, []any, error) {
	var cols string
	var where []string
	var args []any

	switch e.source {
	case sourceWorkingTime:
		cols = "'' AS label, payload AS value"
		where = append(where, "payload != ''")
	case sourceObjects:
		cols = "scope AS label, COALESCE(count, 0) AS value"
		where = append(where, "scope IN (?)")
		args = append(args, ObjectScopes)
	case sourceJobStates:
		cols = "obj_val AS label, '' AS value"
		where = append(where, "scope = ?", "obj_name = ?")
		args = append(args, "update:job", "state")
	}

	switch {
	case e.scope.JobID != nil:
		where = append(where, "job_id = ?")
		args = append(args, *e.scope.JobID)
	default:
		where = append(where, "task_id IN (?)", "job_id IS NOT NULL")
		args = append(args, e.scope.TaskIDs)
	}

	where = append(where, "timestamp >= ?", "timestamp < ?")
	args = append(args,
		timeutil.Format(e.window.Start), timeutil.Format(e.window.End),
	)

	query := "SELECT job_id, " + cols + ", timestamp FROM events" +
		" WHERE " + strings.Join(where, " AND ") +
		" ORDER BY timestamp, id"
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return e.store.db.Rebind(query), args, nil
}

// Rows queries the event store and yields rows in timestamp
// order. Each call runs a new query. Store errors are yielded
// once and end the sequence.
func (e *Extractor) Rows(ctx context.Context) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		if e.scope.JobID == nil && len(e.scope.TaskIDs) == 0 {
			return
		}
		query, args, err := e.buildQuery()
		if err != nil {
			yield(Row{}, fmt.Errorf("building %s query: %w", e.source, err))
			return
		}
		rows, err := e.store.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(Row{}, fmt.Errorf("querying %s: %w", e.source, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				jobID int64
				label string
				raw   string
				ts    string
			)
			if err := rows.Scan(&jobID, &label, &raw, &ts); err != nil {
				yield(Row{}, fmt.Errorf("scanning %s: %w", e.source, err))
				return
			}
			row, ok, err := e.decode(jobID, label, raw, ts)
			if err != nil {
				yield(Row{}, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Row{}, fmt.Errorf("iterating %s: %w", e.source, err))
		}
	}
}

func (e *Extractor) decode(
	jobID int64, label, raw, ts string,
) (Row, bool, error) {
	t, err := timeutil.Parse(ts)
	if err != nil {
		return Row{}, false, fmt.Errorf(
			"parsing %s timestamp %q: %w", e.source, ts, err,
		)
	}
	row := Row{JobID: jobID, Label: label, Timestamp: t}
	switch e.source {
	case sourceWorkingTime:
		wt := gjson.Get(raw, "working_time")
		if !wt.Exists() || wt.Float() <= 0 {
			return Row{}, false, nil
		}
		row.Value = wt.Float()
	case sourceObjects:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Row{}, false, fmt.Errorf(
				"parsing object count %q: %w", raw, err,
			)
		}
		row.Value = v
	}
	return row, true, nil
}

// ForJob returns the rows of one job. The first call reads the
// whole scope; later calls are served from the cache.
func (e *Extractor) ForJob(ctx context.Context, jobID int64) ([]Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byJob == nil {
		byJob := make(map[int64][]Row)
		for row, err := range e.Rows(ctx) {
			if err != nil {
				return nil, err
			}
			byJob[row.JobID] = append(byJob[row.JobID], row)
		}
		e.byJob = byJob
	}
	return e.byJob[jobID], nil
}
