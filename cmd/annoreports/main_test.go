package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/annoreports/internal/config"
	"github.com/wesm/annoreports/internal/db"
	"github.com/wesm/annoreports/internal/queue"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		kind, id string
		want     db.Ref
		wantErr  bool
	}{
		{"job", "12", db.Ref{Kind: db.KindJob, ID: 12}, false},
		{"project", "3", db.Ref{Kind: db.KindProject, ID: 3}, false},
		{"segment", "3", db.Ref{}, true},
		{"task", "x", db.Ref{}, true},
		{"task", "0", db.Ref{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind+"-"+tt.id, func(t *testing.T) {
			got, err := parseRef(tt.kind, tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ref = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "annoreports dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestLoadConfigFlags(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ANNOREPORTS_DATA_DIR", dir)

	cmd := newServeCmd()
	if err := cmd.ParseFlags([]string{
		"--port", "9191", "--workers", "3", "--events-dir", "/tmp/ev",
	}); err != nil {
		t.Fatalf("parsing flags: %v", err)
	}
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.Port != 9191 || cfg.Workers != 3 {
		t.Errorf("port/workers = %d/%d", cfg.Port, cfg.Workers)
	}
	if cfg.EventsDir != "/tmp/ev" {
		t.Errorf("EventsDir = %q", cfg.EventsDir)
	}
	if want := filepath.Join(dir, "annotations.db"); cfg.DBPath != want {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, want)
	}
	if cfg.QueueBackend != config.QueueMemory {
		t.Errorf("QueueBackend = %q", cfg.QueueBackend)
	}
}

func TestComputeCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ANNOREPORTS_DATA_DIR", dir)

	// Create a job directly, then compute its report through
	// the CLI.
	d, err := db.Open(filepath.Join(dir, "annotations.db"))
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	task := seedTask(t, d)
	d.Close()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"compute", "task", task})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := out.String(); got != "task-"+task+": updated\n" {
		t.Errorf("output = %q", got)
	}
}

func TestComputeCommand_Missing(t *testing.T) {
	t.Setenv("ANNOREPORTS_DATA_DIR", t.TempDir())

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"compute", "job", "99"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for missing job")
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		DataDir:      dir,
		DBPath:       filepath.Join(dir, "annotations.db"),
		LogLevel:     "info",
		EventsDriver: "sqlite3",
		EventsDSN:    filepath.Join(dir, "events.db"),
		QueueBackend: config.QueueMemory,
	}
}

func TestOpenAppRedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueBackend = config.QueueRedis
	cfg.RedisAddress = ""

	a, err := openApp(cfg)
	if !errors.Is(err, queue.ErrEmptyAddress) {
		t.Fatalf("err = %v, want %v", err, queue.ErrEmptyAddress)
	}
	if a != nil {
		t.Errorf("app = %v, want nil", a)
	}
}

func TestStartBackgroundBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoUpdateSchedule = "every so often"
	a, err := openApp(cfg)
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	// ctx is never cancelled: g.Wait returns only if no worker
	// was started.
	g, ctx := errgroup.WithContext(context.Background())
	if err := startBackground(ctx, g, a, true); err == nil {
		t.Fatal("expected error for bad schedule")
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers started despite the failed auto-updater")
	}
}

func seedTask(t *testing.T, d *db.DB) string {
	t.Helper()
	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	task, err := d.CreateTask(ctx, nil, "t", at)
	if err != nil {
		t.Fatalf("creating task: %v", err)
	}
	if _, err := d.CreateJob(ctx, task, 0, 4, at); err != nil {
		t.Fatalf("creating job: %v", err)
	}
	return strconv.FormatInt(task, 10)
}
