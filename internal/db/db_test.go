package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var (
	t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// fixture creates a project with one task holding two jobs.
type fixture struct {
	project, task int64
	jobs          [2]int64
}

func newFixture(t *testing.T, d *DB) fixture {
	t.Helper()
	ctx := context.Background()
	var f fixture
	var err error
	if f.project, err = d.CreateProject(ctx, "p", t0); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if f.task, err = d.CreateTask(ctx, &f.project, "t", t0); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for i := range f.jobs {
		f.jobs[i], err = d.CreateJob(ctx, f.task, i*10, i*10+9, t0)
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	return f
}

func requireNotFound(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateAndLoadTaskTree(t *testing.T) {
	d := testDB(t)
	f := newFixture(t, d)

	tree, err := d.LoadTaskTree(context.Background(), f.task)
	if err != nil {
		t.Fatalf("LoadTaskTree: %v", err)
	}
	if tree.Task.ProjectID == nil || *tree.Task.ProjectID != f.project {
		t.Errorf("ProjectID = %v, want %d", tree.Task.ProjectID, f.project)
	}
	if len(tree.Jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(tree.Jobs))
	}
	j := tree.Jobs[1].Job
	want := Job{
		ID: f.jobs[1], SegmentID: j.SegmentID, TaskID: f.task,
		State: StateNew, StartFrame: 10, StopFrame: 19,
		CreatedDate: t0, UpdatedDate: t0,
	}
	if diff := cmp.Diff(want, j); diff != "" {
		t.Errorf("job mismatch (-want +got):\n%s", diff)
	}
	for _, jt := range tree.Jobs {
		if jt.Report.CreatedDate != nil {
			t.Errorf("new job report should have no created_date")
		}
		if string(jt.Report.Statistics) != "[]" {
			t.Errorf("statistics = %s, want []", jt.Report.Statistics)
		}
	}
}

func TestTouchPropagatesToAncestors(t *testing.T) {
	d := testDB(t)
	f := newFixture(t, d)
	ctx := context.Background()

	if err := d.Touch(ctx, Ref{KindJob, f.jobs[0]}, t1); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	job, _ := d.GetJob(ctx, f.jobs[0])
	task, _ := d.GetTask(ctx, f.task)
	project, _ := d.GetProject(ctx, f.project)
	other, _ := d.GetJob(ctx, f.jobs[1])

	for name, got := range map[string]time.Time{
		"job": job.UpdatedDate, "task": task.UpdatedDate,
		"project": project.UpdatedDate,
	} {
		if !got.Equal(t1) {
			t.Errorf("%s updated_date = %v, want %v", name, got, t1)
		}
	}
	if !other.UpdatedDate.Equal(t0) {
		t.Errorf("sibling job should not be touched")
	}

	requireNotFound(t, d.Touch(ctx, Ref{KindJob, 999}, t1))
}

func TestSetJobState(t *testing.T) {
	d := testDB(t)
	f := newFixture(t, d)
	ctx := context.Background()

	if err := d.SetJobState(ctx, f.jobs[0], StateCompleted, t1); err != nil {
		t.Fatalf("SetJobState: %v", err)
	}
	job, err := d.GetJob(ctx, f.jobs[0])
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != StateCompleted || !job.UpdatedDate.Equal(t1) {
		t.Errorf("job = %+v", job)
	}
}

func TestGetJobAnnotationsExcludesImportedAndChildren(t *testing.T) {
	d := testDB(t)
	f := newFixture(t, d)
	ctx := context.Background()
	job := f.jobs[0]

	mustAdd := func(_ int64, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("adding annotation: %v", err)
		}
	}
	mustAdd(d.AddTag(ctx, job, 0, SourceManual, t1))
	mustAdd(d.AddTag(ctx, job, 1, SourceFile, t1))
	parent, err := d.AddShape(ctx, job, 0, SourceManual, nil, t1)
	mustAdd(parent, err)
	mustAdd(d.AddShape(ctx, job, 0, SourceManual, &parent, t1))
	mustAdd(d.AddShape(ctx, job, 2, SourceAuto, nil, t1))
	mustAdd(d.AddShape(ctx, job, 3, SourceFile, nil, t1))
	mustAdd(d.AddTrack(ctx, job, SourceManual, nil, []TrackedShape{
		{Frame: 5, Outside: true}, {Frame: 1}, {Frame: 3},
	}, t2))
	mustAdd(d.AddTrack(ctx, job, SourceFile, nil, []TrackedShape{{Frame: 1}}, t2))

	got, err := d.GetJobAnnotations(ctx, job)
	if err != nil {
		t.Fatalf("GetJobAnnotations: %v", err)
	}
	if got.Tags != 1 {
		t.Errorf("Tags = %d, want 1", got.Tags)
	}
	if got.Shapes != 2 {
		t.Errorf("Shapes = %d, want 2", got.Shapes)
	}
	if len(got.Tracks) != 1 {
		t.Fatalf("got %d tracks, want 1", len(got.Tracks))
	}
	wantShapes := []TrackedShape{
		{Frame: 1}, {Frame: 3}, {Frame: 5, Outside: true},
	}
	if diff := cmp.Diff(wantShapes, got.Tracks[0].Shapes); diff != "" {
		t.Errorf("keyframes mismatch (-want +got):\n%s", diff)
	}

	other, err := d.GetJobAnnotations(ctx, f.jobs[1])
	if err != nil {
		t.Fatalf("GetJobAnnotations: %v", err)
	}
	if other.Tags+other.Shapes+len(other.Tracks) != 0 {
		t.Errorf("other job should be empty: %+v", other)
	}

	jobRow, _ := d.GetJob(ctx, job)
	if !jobRow.UpdatedDate.Equal(t2) {
		t.Errorf("adding annotations should touch the job")
	}
}

func TestSaveReportsWritesAll(t *testing.T) {
	d := testDB(t)
	f := newFixture(t, d)
	ctx := context.Background()

	writes := []ReportWrite{
		{Ref: Ref{KindTask, f.task}, Statistics: []byte(`[{"name":"t"}]`)},
		{Ref: Ref{KindJob, f.jobs[0]}, Statistics: []byte(`[{"name":"j"}]`)},
	}
	if err := d.SaveReports(ctx, writes, t1); err != nil {
		t.Fatalf("SaveReports: %v", err)
	}

	r, err := d.GetReport(ctx, Ref{KindTask, f.task})
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if r.CreatedDate == nil || !r.CreatedDate.Equal(t1) {
		t.Errorf("CreatedDate = %v, want %v", r.CreatedDate, t1)
	}
	if string(r.Statistics) != `[{"name":"t"}]` {
		t.Errorf("Statistics = %s", r.Statistics)
	}

	// A second write with the new version succeeds.
	writes[0].Expected = Ptr(t1)
	writes[1].Expected = Ptr(t1)
	if err := d.SaveReports(ctx, writes, t2); err != nil {
		t.Fatalf("SaveReports with current version: %v", err)
	}
}

func TestSaveReportsConflictWritesNothing(t *testing.T) {
	d := testDB(t)
	f := newFixture(t, d)
	ctx := context.Background()

	jobRef := Ref{KindJob, f.jobs[1]}
	if err := d.SaveReports(ctx, []ReportWrite{
		{Ref: jobRef, Statistics: []byte(`[{"name":"first"}]`)},
	}, t1); err != nil {
		t.Fatalf("SaveReports: %v", err)
	}

	// Captured before the write above: nil version for both.
	err := d.SaveReports(ctx, []ReportWrite{
		{Ref: Ref{KindJob, f.jobs[0]}, Statistics: []byte(`[{"name":"a"}]`)},
		{Ref: jobRef, Statistics: []byte(`[{"name":"b"}]`)},
	}, t2)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	untouched, _ := d.GetReport(ctx, Ref{KindJob, f.jobs[0]})
	if untouched.CreatedDate != nil {
		t.Errorf("first report must not be written on conflict")
	}
	kept, _ := d.GetReport(ctx, jobRef)
	if string(kept.Statistics) != `[{"name":"first"}]` {
		t.Errorf("conflicting report overwritten: %s", kept.Statistics)
	}
}

func TestSaveReportsMissingOwner(t *testing.T) {
	d := testDB(t)
	f := newFixture(t, d)
	ctx := context.Background()

	if err := d.Delete(ctx, Ref{KindJob, f.jobs[0]}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	err := d.SaveReports(ctx, []ReportWrite{
		{Ref: Ref{KindTask, f.task}, Statistics: []byte(`[]`)},
		{Ref: Ref{KindJob, f.jobs[0]}, Statistics: []byte(`[]`)},
	}, t1)
	requireNotFound(t, err)

	r, _ := d.GetReport(ctx, Ref{KindTask, f.task})
	if r.CreatedDate != nil {
		t.Errorf("task report must not be written")
	}
}

func TestDeleteCascades(t *testing.T) {
	d := testDB(t)
	f := newFixture(t, d)
	ctx := context.Background()

	if _, err := d.AddTag(ctx, f.jobs[0], 0, SourceManual, t1); err != nil {
		t.Fatalf("AddTag: %v", err)
	}
	if err := d.Delete(ctx, Ref{KindProject, f.project}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, err := d.GetReport(ctx, Ref{KindJob, f.jobs[0]})
	requireNotFound(t, err)
	_, err = d.LoadTaskTree(ctx, f.task)
	requireNotFound(t, err)

	var reports int
	if err := d.Reader().QueryRow(
		"SELECT count(*) FROM analytics_reports",
	).Scan(&reports); err != nil {
		t.Fatal(err)
	}
	if reports != 0 {
		t.Errorf("%d reports left after cascade", reports)
	}
	requireNotFound(t, d.Delete(ctx, Ref{KindProject, f.project}))
}

func TestLoadProjectTree(t *testing.T) {
	d := testDB(t)
	f := newFixture(t, d)
	ctx := context.Background()
	if _, err := d.CreateTask(ctx, &f.project, "empty", t1); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	tree, err := d.LoadProjectTree(ctx, f.project)
	if err != nil {
		t.Fatalf("LoadProjectTree: %v", err)
	}
	if len(tree.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tree.Tasks))
	}
	if len(tree.Tasks[0].Jobs) != 2 || len(tree.Tasks[1].Jobs) != 0 {
		t.Errorf("unexpected job layout")
	}
	if !tree.Project.UpdatedDate.Equal(t1) {
		t.Errorf("creating a task should touch the project")
	}

	_, err = d.LoadProjectTree(ctx, 404)
	requireNotFound(t, err)
}

func TestListStale(t *testing.T) {
	d := testDB(t)
	f := newFixture(t, d)
	ctx := context.Background()

	fresh := []ReportWrite{
		{Ref: Ref{KindProject, f.project}},
		{Ref: Ref{KindTask, f.task}},
		{Ref: Ref{KindJob, f.jobs[0]}},
		{Ref: Ref{KindJob, f.jobs[1]}},
	}
	if err := d.SaveReports(ctx, fresh, t1); err != nil {
		t.Fatalf("SaveReports: %v", err)
	}
	refs, err := d.ListStale(ctx, t0)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("fresh reports listed as stale: %v", refs)
	}

	if err := d.Touch(ctx, Ref{KindJob, f.jobs[1]}, t2); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	refs, err = d.ListStale(ctx, t0)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	want := []Ref{
		{KindProject, f.project},
		{KindTask, f.task},
		{KindJob, f.jobs[1]},
	}
	if diff := cmp.Diff(want, refs); diff != "" {
		t.Errorf("stale refs mismatch (-want +got):\n%s", diff)
	}

	refs, err = d.ListStale(ctx, t2.Add(time.Second))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("lookback should exclude older updates: %v", refs)
	}
}

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{KindJob, KindTask, KindProject} {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if Kind("segment").Valid() {
		t.Error("segment is not a report owner")
	}
	if got := (Ref{KindTask, 7}).String(); got != "task-7" {
		t.Errorf("Ref.String() = %q", got)
	}
}

func TestJobOwners(t *testing.T) {
	d := testDB(t)
	f := newFixture(t, d)
	ctx := context.Background()

	taskID, projectID, err := d.JobOwners(ctx, f.jobs[1])
	if err != nil {
		t.Fatalf("JobOwners: %v", err)
	}
	if taskID != f.task || projectID == nil || *projectID != f.project {
		t.Errorf("owners = %d, %v; want %d, %d",
			taskID, projectID, f.task, f.project)
	}

	_, _, err = d.JobOwners(ctx, 999)
	requireNotFound(t, err)
}
