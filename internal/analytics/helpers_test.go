package analytics

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wesm/annoreports/internal/db"
	"github.com/wesm/annoreports/internal/events"
	"github.com/wesm/annoreports/internal/queue"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func Ptr[T any](v T) *T { return &v }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type testEnv struct {
	db     *db.DB
	events *events.Store
	queue  *queue.Memory
	clock  *fakeClock
	m      *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	d, err := db.Open(filepath.Join(dir, "annotations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	es, err := events.Open("sqlite3", filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })

	env := &testEnv{
		db:     d,
		events: es,
		queue:  queue.NewMemory(),
		clock:  &fakeClock{t: t0.Add(time.Minute)},
	}
	env.m = env.manager(d)
	return env
}

// manager returns a manager over store sharing the env's
// events, queue, and clock.
func (e *testEnv) manager(store Store) *Manager {
	return NewManager(store, e.events, e.queue, WithClock(e.clock.Now))
}

type taskFixture struct {
	project int64
	task    int64
	jobs    []int64
}

// newTask creates a project with one task of n jobs at t0.
func (e *testEnv) newTask(t *testing.T, n int) taskFixture {
	t.Helper()
	ctx := context.Background()
	var f taskFixture
	var err error
	f.project, err = e.db.CreateProject(ctx, "project", t0)
	require.NoError(t, err)
	f.task, err = e.db.CreateTask(ctx, &f.project, "task", t0)
	require.NoError(t, err)
	for i := range n {
		id, err := e.db.CreateJob(ctx, f.task, i*100, i*100+99, t0)
		require.NoError(t, err)
		f.jobs = append(f.jobs, id)
	}
	return f
}

func (e *testEnv) addShapes(t *testing.T, jobID int64, n int, at time.Time) {
	t.Helper()
	for i := range n {
		_, err := e.db.AddShape(context.Background(), jobID, i, db.SourceManual, nil, at)
		require.NoError(t, err)
	}
}

func (e *testEnv) compute(t *testing.T, ref db.Ref) Result {
	t.Helper()
	res, err := e.m.Compute(context.Background(), ref)
	require.NoError(t, err)
	return res
}

func (e *testEnv) report(t *testing.T, ref db.Ref) Report {
	t.Helper()
	r, err := e.m.Report(context.Background(), ref, DateFilter{})
	require.NoError(t, err)
	return r
}

func series(t *testing.T, r Report, metric, name string) []Point {
	t.Helper()
	e, ok := r.Statistics.Get(metric)
	require.True(t, ok, "metric %s missing", metric)
	points, ok := e.DataSeries[name]
	require.True(t, ok, "series %s.%s missing", metric, name)
	return points
}

func values(points []Point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Value
	}
	return out
}

func jobRef(id int64) db.Ref     { return db.Ref{Kind: db.KindJob, ID: id} }
func taskRef(id int64) db.Ref    { return db.Ref{Kind: db.KindTask, ID: id} }
func projectRef(id int64) db.Ref { return db.Ref{Kind: db.KindProject, ID: id} }

// hookStore runs beforeSave once, right before the first
// SaveReports.
type hookStore struct {
	*db.DB
	beforeSave func(ctx context.Context)
}

func (h *hookStore) SaveReports(
	ctx context.Context, writes []db.ReportWrite, at time.Time,
) error {
	if f := h.beforeSave; f != nil {
		h.beforeSave = nil
		f(ctx)
	}
	return h.DB.SaveReports(ctx, writes, at)
}
