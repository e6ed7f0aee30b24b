package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wesm/annoreports/internal/analytics"
	"github.com/wesm/annoreports/internal/config"
	"github.com/wesm/annoreports/internal/db"
	"github.com/wesm/annoreports/internal/events"
	"github.com/wesm/annoreports/internal/logger"
	"github.com/wesm/annoreports/internal/metrics"
	"github.com/wesm/annoreports/internal/queue"
	"github.com/wesm/annoreports/internal/server"
)

// --- Test helpers ---

// testEnv sets up a server over temporary databases.
type testEnv struct {
	srv     *server.Server
	handler http.Handler
	db      *db.DB
	events  *events.Store
	queue   *queue.Memory
	manager *analytics.Manager
	metrics *metrics.Metrics
}

// setupOption customizes the config used by setup.
type setupOption func(*config.Config)

func setup(t *testing.T, opts ...setupOption) *testEnv {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	store, err := events.Open("sqlite3", filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("opening events: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{
		Host:         "127.0.0.1",
		Port:         0,
		DataDir:      dir,
		DBPath:       dbPath,
		WriteTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	q := queue.NewMemory()
	m := analytics.NewManager(database, store, q)
	met := metrics.New(nil)
	in := events.NewIngester(store, database.JobOwners, logger.NewNop())
	srv := server.New(cfg, m, in,
		server.WithMetrics(met),
		server.WithVersion(server.VersionInfo{Version: "1.2.3", Commit: "abc"}),
	)
	return &testEnv{
		srv:     srv,
		handler: srv.Handler(),
		db:      database,
		events:  store,
		queue:   q,
		manager: m,
		metrics: met,
	}
}

// seedJob creates a project, a task in it, and one job.
func (te *testEnv) seedJob(t *testing.T) (project, task, job int64) {
	t.Helper()
	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	project, err := te.db.CreateProject(ctx, "p", at)
	if err != nil {
		t.Fatalf("creating project: %v", err)
	}
	task, err = te.db.CreateTask(ctx, &project, "t", at)
	if err != nil {
		t.Fatalf("creating task: %v", err)
	}
	job, err = te.db.CreateJob(ctx, task, 0, 9, at)
	if err != nil {
		t.Fatalf("creating job: %v", err)
	}
	return project, task, job
}

func (te *testEnv) do(
	t *testing.T, method, target, body string,
	header ...string,
) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	te.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func assertStatus(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("expected status %d, got %d: %s",
			code, w.Code, w.Body.String())
	}
}

// --- Report scheduling ---

func TestScheduleReport(t *testing.T) {
	t.Parallel()
	te := setup(t)
	_, _, job := te.seedJob(t)

	w := te.do(t, "POST", "/api/v1/analytics/reports",
		fmt.Sprintf(`{"job_id": %d}`, job), "X-User-ID", "7")
	assertStatus(t, w, http.StatusAccepted)

	got := decode[map[string]string](t, w)
	wantID := analytics.RequestID(db.Ref{Kind: db.KindJob, ID: job})
	if got["rq_id"] != wantID {
		t.Fatalf("rq_id = %q, want %q", got["rq_id"], wantID)
	}

	queued, err := te.queue.Fetch(context.Background(), wantID)
	if err != nil {
		t.Fatalf("fetching queued job: %v", err)
	}
	var req analytics.Request
	if err := json.Unmarshal(queued.Payload, &req); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if req.RequesterID != 7 {
		t.Errorf("requester = %d, want 7", req.RequesterID)
	}

	w = te.do(t, "GET", "/api/v1/analytics/reports/requests/"+wantID, "")
	assertStatus(t, w, http.StatusOK)
	st := decode[analytics.RequestStatus](t, w)
	if st.Status != analytics.StatusPending {
		t.Errorf("status = %q, want %q", st.Status, analytics.StatusPending)
	}

	if v := testutil.ToFloat64(
		te.metrics.ChecksScheduled.WithLabelValues("job"),
	); v != 1 {
		t.Errorf("checks scheduled = %v, want 1", v)
	}
}

func TestScheduleReport_SameRequestTwice(t *testing.T) {
	t.Parallel()
	te := setup(t)
	_, task, _ := te.seedJob(t)
	body := fmt.Sprintf(`{"task_id": %d}`, task)

	first := decode[map[string]string](t,
		te.do(t, "POST", "/api/v1/analytics/reports", body))
	second := decode[map[string]string](t,
		te.do(t, "POST", "/api/v1/analytics/reports", body))
	if first["rq_id"] != second["rq_id"] {
		t.Errorf("rq_id changed: %q then %q", first["rq_id"], second["rq_id"])
	}
}

func TestScheduleReport_NotFound(t *testing.T) {
	t.Parallel()
	te := setup(t)

	w := te.do(t, "POST", "/api/v1/analytics/reports", `{"task_id": 999}`)
	assertStatus(t, w, http.StatusNotFound)
}

func TestScheduleReport_BadRequest(t *testing.T) {
	t.Parallel()
	te := setup(t)
	_, _, job := te.seedJob(t)

	tests := []struct {
		name   string
		body   string
		header []string
	}{
		{"InvalidJSON", `{"job_id":`, nil},
		{"NoTarget", `{}`, nil},
		{"TwoTargets", `{"job_id": 1, "task_id": 1}`, nil},
		{
			"BadUser", fmt.Sprintf(`{"job_id": %d}`, job),
			[]string{"X-User-ID", "me"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := te.do(t, "POST", "/api/v1/analytics/reports",
				tt.body, tt.header...)
			assertStatus(t, w, http.StatusBadRequest)
		})
	}
}

func TestRequestStatus(t *testing.T) {
	t.Parallel()
	te := setup(t)

	w := te.do(t, "GET",
		"/api/v1/analytics/reports/requests/analytics:calculate-report-job-5", "")
	assertStatus(t, w, http.StatusOK)
	if st := decode[analytics.RequestStatus](t, w); st.Status != analytics.StatusAbsent {
		t.Errorf("status = %q, want %q", st.Status, analytics.StatusAbsent)
	}

	w = te.do(t, "GET", "/api/v1/analytics/reports/requests/bogus", "")
	assertStatus(t, w, http.StatusBadRequest)
}

// --- Report reads ---

func TestGetReport_BeforeCompute(t *testing.T) {
	t.Parallel()
	te := setup(t)
	_, task, _ := te.seedJob(t)

	w := te.do(t, "GET",
		fmt.Sprintf("/api/v1/analytics/reports?task_id=%d", task), "")
	assertStatus(t, w, http.StatusOK)

	r := decode[analytics.Report](t, w)
	if r.Target != db.KindTask || r.ID != task {
		t.Errorf("target = %s-%d, want task-%d", r.Target, r.ID, task)
	}
	if r.CreatedDate != nil {
		t.Errorf("created_date = %v, want nil", r.CreatedDate)
	}
	var names []string
	for _, e := range r.Statistics {
		names = append(names, e.Name)
	}
	want := "objects,annotation_speed,annotation_time," +
		"total_object_count,total_annotation_speed"
	if strings.Join(names, ",") != want {
		t.Errorf("entries = %v, want %s", names, want)
	}
}

func TestGetReport_AfterCompute(t *testing.T) {
	t.Parallel()
	te := setup(t)
	project, _, _ := te.seedJob(t)

	ref := db.Ref{Kind: db.KindProject, ID: project}
	res, err := te.manager.Compute(context.Background(), ref)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res != analytics.ResultUpdated {
		t.Fatalf("result = %s, want updated", res)
	}

	w := te.do(t, "GET", fmt.Sprintf(
		"/api/v1/analytics/reports?project_id=%d&start_date=2000-01-01", project,
	), "")
	assertStatus(t, w, http.StatusOK)
	r := decode[analytics.Report](t, w)
	if r.CreatedDate == nil {
		t.Fatal("created_date is nil after compute")
	}
	if len(r.Statistics) != 5 {
		t.Errorf("got %d entries, want 5", len(r.Statistics))
	}
}

func TestGetReport_BadRequest(t *testing.T) {
	t.Parallel()
	te := setup(t)

	tests := []struct {
		name  string
		query string
	}{
		{"NoTarget", ""},
		{"TwoTargets", "job_id=1&project_id=2"},
		{"BadID", "job_id=x"},
		{"BadDate", "job_id=1&start_date=yesterday"},
		{"Reversed", "job_id=1&start_date=2024-02-01&end_date=2024-01-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := te.do(t, "GET", "/api/v1/analytics/reports?"+tt.query, "")
			assertStatus(t, w, http.StatusBadRequest)
		})
	}
}

func TestGetReport_NotFound(t *testing.T) {
	t.Parallel()
	te := setup(t)

	w := te.do(t, "GET", "/api/v1/analytics/reports?job_id=42", "")
	assertStatus(t, w, http.StatusNotFound)
}

// --- Events ---

func TestIngestEvents(t *testing.T) {
	t.Parallel()
	te := setup(t)
	_, task, job := te.seedJob(t)

	body := fmt.Sprintf(`{"events": [
		{"scope": "send:working_time", "job_id": %d,
		 "payload": {"working_time": 60000},
		 "timestamp": "2024-06-01T09:00:00Z"},
		{"scope": "create:shapes", "job_id": %d, "count": 3,
		 "timestamp": "2024-06-01T09:01:00Z"}
	]}`, job, job)
	w := te.do(t, "POST", "/api/v1/events", body)
	assertStatus(t, w, http.StatusCreated)
	if got := decode[map[string]int](t, w); got["ingested"] != 2 {
		t.Errorf("ingested = %d, want 2", got["ingested"])
	}

	ctx := context.Background()
	n, err := te.events.CountBefore(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("counting events: %v", err)
	}
	if n != 2 {
		t.Errorf("stored %d events, want 2", n)
	}

	// Events sent with only a job id are found by task scope.
	window := events.Window{
		Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
	}
	ex := te.events.Extractors(events.TasksScope([]int64{task}), window)
	rows, err := ex.Objects.ForJob(ctx, job)
	if err != nil {
		t.Fatalf("reading objects: %v", err)
	}
	if len(rows) != 1 || rows[0].Value != 3 {
		t.Errorf("object rows = %+v, want one row of 3", rows)
	}

	if v := testutil.ToFloat64(
		te.metrics.EventsIngested.WithLabelValues("http"),
	); v != 2 {
		t.Errorf("events ingested metric = %v, want 2", v)
	}
}

func TestIngestEvents_BadRequest(t *testing.T) {
	t.Parallel()
	te := setup(t)

	tests := []struct {
		name string
		body string
	}{
		{"InvalidJSON", `{"events": [`},
		{"NoEvents", `{"items": []}`},
		{"MissingScope", `{"events": [{"timestamp": "2024-06-01T09:00:00Z"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := te.do(t, "POST", "/api/v1/events", tt.body)
			assertStatus(t, w, http.StatusBadRequest)
		})
	}
}

// --- Misc routes ---

func TestGetVersion(t *testing.T) {
	t.Parallel()
	te := setup(t)

	w := te.do(t, "GET", "/api/v1/version", "")
	assertStatus(t, w, http.StatusOK)
	v := decode[server.VersionInfo](t, w)
	if v.Version != "1.2.3" || v.Commit != "abc" {
		t.Errorf("version = %+v", v)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	te := setup(t)

	te.do(t, "GET", "/api/v1/version", "")
	w := te.do(t, "GET", "/metrics", "")
	assertStatus(t, w, http.StatusOK)

	want := `annoreports_http_requests_total{code="200",route="GET /api/v1/version"} 1`
	if !strings.Contains(w.Body.String(), want) {
		t.Errorf("metrics output missing %q", want)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	te := setup(t)

	w := te.do(t, "OPTIONS", "/api/v1/analytics/reports", "")
	assertStatus(t, w, http.StatusNoContent)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-User-ID") {
		t.Errorf("Access-Control-Allow-Headers = %q", got)
	}
}

func TestWriteTimeoutConfigured(t *testing.T) {
	t.Parallel()
	te := setup(t, func(c *config.Config) { c.WriteTimeout = time.Nanosecond })

	w := te.do(t, "GET", "/api/v1/version", "")
	// A nanosecond budget either times out or races a trivial
	// handler; both must produce JSON.
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

// listenAndServe starts the server on a real port and returns
// the base URL. The server is shut down when the test finishes.
func (te *testEnv) listenAndServe(t *testing.T) string {
	t.Helper()
	port := server.FindAvailablePort("127.0.0.1", 40000)
	te.srv.SetPort(port)

	var serveErr error
	done := make(chan struct{})
	go func() {
		serveErr = te.srv.ListenAndServe()
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ready := false
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			ready = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !ready {
		t.Fatalf("server not ready after 2s")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := te.srv.Shutdown(ctx); err != nil {
			t.Errorf("server shutdown error: %v", err)
		}
		select {
		case <-done:
			if serveErr != nil && serveErr != http.ErrServerClosed {
				t.Errorf("server exited with error: %v", serveErr)
			}
		case <-time.After(5 * time.Second):
			t.Error("timed out waiting for server goroutine")
		}
	})
	return "http://" + addr
}

func TestListenAndServe(t *testing.T) {
	te := setup(t)
	base := te.listenAndServe(t)

	resp, err := http.Get(base + "/api/v1/version")
	if err != nil {
		t.Fatalf("GET version: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"1.2.3"`) {
		t.Errorf("body = %s", body)
	}
}
