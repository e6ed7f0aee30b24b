// Package analytics computes hierarchical annotation reports:
// primary metrics per job, derived metrics per task and
// project, persisted with an optimistic version check.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/wesm/annoreports/internal/db"
	"github.com/wesm/annoreports/internal/events"
	"github.com/wesm/annoreports/internal/logger"
	"github.com/wesm/annoreports/internal/queue"
)

var (
	// ErrNotFound means the resource no longer exists.
	ErrNotFound = errors.New("resource not found")
	// ErrConcurrentModification means another computation
	// wrote a report between load and save.
	ErrConcurrentModification = errors.New("report modified concurrently")
)

// Result is the outcome of Compute.
type Result int

const (
	// ResultFailed accompanies a non-nil error.
	ResultFailed Result = iota
	// ResultUpdated: stale reports were recomputed and saved.
	ResultUpdated
	// ResultUpToDate: every report was fresh; nothing written.
	ResultUpToDate
	// ResultNotFound: the resource vanished; nothing written.
	ResultNotFound
	// ResultConflict: a concurrent write won; nothing written.
	ResultConflict
)

func (r Result) String() string {
	switch r {
	case ResultFailed:
		return "failed"
	case ResultUpdated:
		return "updated"
	case ResultUpToDate:
		return "up_to_date"
	case ResultNotFound:
		return "not_found"
	case ResultConflict:
		return "conflict"
	}
	return "unknown"
}

// Store is the annotation store the manager reads resources
// and reports from.
type Store interface {
	LoadJobTree(ctx context.Context, id int64) (db.JobTree, error)
	LoadTaskTree(ctx context.Context, id int64) (db.TaskTree, error)
	LoadProjectTree(ctx context.Context, id int64) (db.ProjectTree, error)
	GetJobAnnotations(ctx context.Context, jobID int64) (db.JobAnnotations, error)
	GetReport(ctx context.Context, ref db.Ref) (db.Report, error)
	SaveReports(ctx context.Context, writes []db.ReportWrite, at time.Time) error
	ListStale(ctx context.Context, since time.Time) ([]db.Ref, error)
}

// EventSource builds extractors over the event store.
type EventSource interface {
	Extractors(scope events.Scope, window events.Window) events.Extractors
}

// Manager schedules and runs report computations.
type Manager struct {
	store       Store
	events      EventSource
	queue       queue.Queue
	log         logger.Logger
	now         func() time.Time
	parallelism int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for "now".
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithParallelism bounds how many child jobs are computed at
// once.
func WithParallelism(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.parallelism = n
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a Manager.
func NewManager(
	store Store, src EventSource, q queue.Queue, opts ...Option,
) *Manager {
	m := &Manager{
		store:       store,
		events:      src,
		queue:       q,
		log:         logger.NewNop(),
		now:         time.Now,
		parallelism: 4,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

const requestPrefix = "analytics:calculate-report-"

// RequestID is the stable queue id for ref.
func RequestID(ref db.Ref) string {
	return requestPrefix + ref.String()
}

// ParseRequestID extracts the resource from a request id.
func ParseRequestID(id string) (db.Ref, error) {
	rest, ok := strings.CutPrefix(id, requestPrefix)
	if !ok {
		return db.Ref{}, fmt.Errorf("malformed request id %q", id)
	}
	kind, num, ok := strings.Cut(rest, "-")
	if !ok {
		return db.Ref{}, fmt.Errorf("malformed request id %q", id)
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || !db.Kind(kind).Valid() {
		return db.Ref{}, fmt.Errorf("malformed request id %q", id)
	}
	return db.Ref{Kind: db.Kind(kind), ID: n}, nil
}

// Request is the queued payload of a check.
type Request struct {
	Ref         db.Ref `json:"ref"`
	RequesterID int64  `json:"requester_id,omitempty"`
}

// ScheduleCheck enqueues a computation of ref. If one is
// already queued or running, its id is returned instead.
func (m *Manager) ScheduleCheck(
	ctx context.Context, ref db.Ref, requesterID int64,
) (string, error) {
	if !ref.Kind.Valid() {
		return "", fmt.Errorf("unknown resource kind %q", ref.Kind)
	}
	if _, err := m.store.GetReport(ctx, ref); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return "", err
	}
	payload, err := json.Marshal(Request{Ref: ref, RequesterID: requesterID})
	if err != nil {
		return "", err
	}
	id := RequestID(ref)
	_, created, err := m.queue.Enqueue(ctx, id, payload)
	if err != nil {
		return "", fmt.Errorf("scheduling %s: %w", ref, err)
	}
	m.log.Debug("report check scheduled",
		logger.String("rq_id", id), logger.Bool("created", created))
	return id, nil
}

// Request statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusAbsent  = "absent"
)

// RequestStatus is the externally visible state of a request.
type RequestStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RequestStatus reports the state of a scheduled request.
// Failed requests are done, with the failure in Error.
func (m *Manager) RequestStatus(
	ctx context.Context, id string,
) (RequestStatus, error) {
	j, err := m.queue.Fetch(ctx, id)
	if errors.Is(err, queue.ErrNoSuchJob) {
		return RequestStatus{Status: StatusAbsent}, nil
	}
	if err != nil {
		return RequestStatus{}, err
	}
	switch j.Status {
	case queue.StatusQueued:
		return RequestStatus{Status: StatusPending}, nil
	case queue.StatusStarted:
		return RequestStatus{Status: StatusRunning}, nil
	case queue.StatusFailed:
		return RequestStatus{Status: StatusDone, Error: j.Error}, nil
	default:
		return RequestStatus{Status: StatusDone}, nil
	}
}

// Report returns the stored report of ref. A report that was
// never computed is returned with every metric empty.
func (m *Manager) Report(
	ctx context.Context, ref db.Ref, filter DateFilter,
) (Report, error) {
	stored, err := m.store.GetReport(ctx, ref)
	if errors.Is(err, db.ErrNotFound) {
		return Report{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return Report{}, err
	}
	out := Report{Target: ref.Kind, ID: ref.ID, CreatedDate: stored.CreatedDate}
	stats, err := decodeStatistics(stored.Statistics)
	if err != nil {
		return Report{}, err
	}
	if stored.CreatedDate == nil || len(stats) == 0 {
		out.CreatedDate = nil
		stats = emptyStatistics(ref.Kind)
	}
	out.Statistics = filter.apply(stats)
	return out, nil
}

// ScheduleStale schedules a check for every resource updated
// since then whose report is stale. Returns how many were
// scheduled.
func (m *Manager) ScheduleStale(
	ctx context.Context, since time.Time,
) (int, error) {
	refs, err := m.store.ListStale(ctx, since)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ref := range refs {
		if _, err := m.ScheduleCheck(ctx, ref, 0); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
