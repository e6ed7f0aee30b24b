// Command fixture writes a demo annotation database and event
// store with a few days of activity.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/wesm/annoreports/internal/db"
	"github.com/wesm/annoreports/internal/events"
	"github.com/wesm/annoreports/internal/testjsonl"
)

type jobSpec struct {
	shapesPerDay []int
	tags         int
	trackFrames  int
	finalState   string
}

type taskSpec struct {
	name string
	jobs []jobSpec
}

var projectTasks = []taskSpec{
	{"street-scenes", []jobSpec{
		{[]int{12, 30, 8}, 4, 0, db.StateCompleted},
		{[]int{5, 0, 22}, 0, 6, db.StateInProgress},
	}},
	{"aerial", []jobSpec{
		{[]int{40}, 10, 3, db.StateRejected},
	}},
}

var standaloneTask = taskSpec{"scratch", []jobSpec{
	{[]int{1, 1, 1, 1}, 0, 0, db.StateNew},
}}

func main() {
	out := pflag.String("out", "", "output directory")
	pflag.Parse()
	if *out == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture --out <dir>")
		os.Exit(1)
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		log.Fatalf("creating output dir: %v", err)
	}

	dbPath := filepath.Join(*out, "annotations.db")
	eventsPath := filepath.Join(*out, "events.db")
	for _, p := range []string{dbPath, eventsPath} {
		if err := os.Remove(p); err != nil &&
			!errors.Is(err, os.ErrNotExist) {
			log.Fatalf("removing existing db: %v", err)
		}
	}

	database, err := db.Open(dbPath)
	if err != nil {
		log.Fatalf("opening db: %v", err)
	}
	defer database.Close()
	store, err := events.Open("sqlite3", eventsPath)
	if err != nil {
		log.Fatalf("opening events: %v", err)
	}
	defer store.Close()

	f := &fixture{db: database, events: store, ctx: context.Background()}
	base := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

	project, err := database.CreateProject(f.ctx, "demo", base)
	if err != nil {
		log.Fatalf("creating project: %v", err)
	}
	for _, ts := range projectTasks {
		if err := f.task(&project, ts, base); err != nil {
			log.Fatalf("creating task %s: %v", ts.name, err)
		}
	}
	if err := f.task(nil, standaloneTask, base); err != nil {
		log.Fatalf("creating task %s: %v", standaloneTask.name, err)
	}
	logPath := filepath.Join(*out, "events", "client.jsonl")
	if err := f.writeLog(logPath, base.AddDate(0, 0, 5)); err != nil {
		log.Fatalf("writing event log: %v", err)
	}
	fmt.Printf("Fixture written to %s\n", *out)
}

type fixture struct {
	db     *db.DB
	events *events.Store
	ctx    context.Context

	lastTask, lastJob int64
}

// writeLog writes a JSONL event log for the last created job,
// to be picked up by serve --events-dir.
func (f *fixture) writeLog(path string, at time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b := testjsonl.NewLogBuilder()
	for i := range 3 {
		b.AddWorkingTime(f.lastJob, f.lastTask, 5*60*1000,
			at.Add(time.Duration(i)*10*time.Minute))
	}
	b.AddJobState(f.lastJob, f.lastTask, db.StateInProgress, at)
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func (f *fixture) task(project *int64, spec taskSpec, base time.Time) error {
	task, err := f.db.CreateTask(f.ctx, project, spec.name, base)
	if err != nil {
		return err
	}
	for i, js := range spec.jobs {
		start := i * 100
		job, err := f.db.CreateJob(f.ctx, task, start, start+99, base)
		if err != nil {
			return err
		}
		if err := f.job(task, project, job, start, js, base); err != nil {
			return fmt.Errorf("job %d: %w", job, err)
		}
		f.lastTask, f.lastJob = task, job
		fmt.Printf("  %s job %d: %d days of activity\n",
			spec.name, job, len(js.shapesPerDay))
	}
	return nil
}

// job writes annotations and their events, one working session
// per day.
func (f *fixture) job(
	task int64, project *int64, job int64, startFrame int,
	spec jobSpec, base time.Time,
) error {
	var evs []events.Event
	ev := func(scope string, at time.Time) events.Event {
		return events.Event{
			Scope:     scope,
			JobID:     &job,
			TaskID:    &task,
			ProjectID: project,
			Timestamp: at,
		}
	}

	var last time.Time
	for day, n := range spec.shapesPerDay {
		at := base.AddDate(0, 0, day).Add(time.Hour)
		for i := range n {
			if _, err := f.db.AddShape(f.ctx, job, startFrame+i%100,
				db.SourceManual, nil, at); err != nil {
				return err
			}
		}
		if n > 0 {
			e := ev("create:shapes", at)
			e.Count = int64Ptr(int64(n))
			evs = append(evs, e)
		}
		wt := ev("send:working_time", at)
		wt.Payload = `{"working_time": ` +
			strconv.Itoa((10+n)*60*1000) + `}`
		evs = append(evs, wt)
		last = at
	}

	for range spec.tags {
		if _, err := f.db.AddTag(f.ctx, job, startFrame, db.SourceManual, last); err != nil {
			return err
		}
	}
	if spec.tags > 0 {
		e := ev("create:tags", last)
		e.Count = int64Ptr(int64(spec.tags))
		evs = append(evs, e)
	}
	if spec.trackFrames > 0 {
		shapes := []db.TrackedShape{
			{Frame: startFrame},
			{Frame: startFrame + spec.trackFrames, Outside: true},
		}
		if _, err := f.db.AddTrack(f.ctx, job, db.SourceManual, nil, shapes, last); err != nil {
			return err
		}
		e := ev("create:tracks", last)
		e.Count = int64Ptr(1)
		evs = append(evs, e)
	}

	if spec.finalState != db.StateNew {
		at := last.Add(30 * time.Minute)
		if err := f.db.SetJobState(f.ctx, job, spec.finalState, at); err != nil {
			return err
		}
		e := ev("update:job", at)
		e.ObjName = "state"
		e.ObjVal = spec.finalState
		evs = append(evs, e)
	}
	return f.events.Insert(f.ctx, evs)
}

func int64Ptr(n int64) *int64 { return &n }
