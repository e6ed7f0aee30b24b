package events

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/wesm/annoreports/internal/logger"
	"github.com/wesm/annoreports/internal/metrics"
	"github.com/wesm/annoreports/internal/timeutil"
)

// maxLineSize bounds one JSONL event line.
const maxLineSize = 1 << 20

// JobOwners resolves the task and project of a job. Events that
// carry only a job id are enriched with them on ingest.
type JobOwners func(
	ctx context.Context, jobID int64,
) (taskID int64, projectID *int64, err error)

// Ingester parses raw events and stores them. Progress through
// each JSONL log is kept in the store, so a restarted process
// resumes where the previous one stopped.
type Ingester struct {
	store   *Store
	owners  JobOwners
	log     logger.Logger
	metrics *metrics.Metrics

	// mu serializes log reads so one log is never read twice
	// from the same offset.
	mu sync.Mutex
}

// IngesterOption configures an Ingester.
type IngesterOption func(*Ingester)

// WithIngestMetrics counts events read from logs on m under the
// "file" source.
func WithIngestMetrics(m *metrics.Metrics) IngesterOption {
	return func(in *Ingester) { in.metrics = m }
}

// NewIngester returns an ingester writing to store. owners may
// be nil.
func NewIngester(
	store *Store, owners JobOwners, log logger.Logger,
	opts ...IngesterOption,
) *Ingester {
	in := &Ingester{
		store:  store,
		owners: owners,
		log:    log,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// ParseEvent decodes one JSON event object. payload may be a
// JSON string or an embedded object.
func ParseEvent(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, fmt.Errorf("invalid event JSON")
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return Event{}, fmt.Errorf("event is not an object")
	}

	e := Event{
		Scope:     r.Get("scope").String(),
		ObjName:   r.Get("obj_name").String(),
		ObjVal:    r.Get("obj_val").String(),
		Count:     optInt(r.Get("count")),
		JobID:     optInt(r.Get("job_id")),
		TaskID:    optInt(r.Get("task_id")),
		ProjectID: optInt(r.Get("project_id")),
		UserID:    optInt(r.Get("user_id")),
	}
	if e.Scope == "" {
		return Event{}, fmt.Errorf("event has no scope")
	}
	switch p := r.Get("payload"); p.Type {
	case gjson.String:
		e.Payload = p.String()
	case gjson.JSON:
		e.Payload = p.Raw
	}

	ts := r.Get("timestamp").String()
	if ts == "" {
		return Event{}, fmt.Errorf("event %s has no timestamp", e.Scope)
	}
	t, err := timeutil.Parse(ts)
	if err != nil {
		return Event{}, fmt.Errorf("event %s timestamp: %w", e.Scope, err)
	}
	e.Timestamp = t
	return e, nil
}

func optInt(r gjson.Result) *int64 {
	if r.Type != gjson.Number {
		return nil
	}
	v := r.Int()
	return &v
}

// ParseEvents decodes a {"events": [...]} batch.
func ParseEvents(body []byte) ([]Event, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	list := gjson.GetBytes(body, "events")
	if !list.IsArray() {
		return nil, fmt.Errorf("body has no events array")
	}
	var out []Event
	var perr error
	list.ForEach(func(i, v gjson.Result) bool {
		e, err := ParseEvent([]byte(v.Raw))
		if err != nil {
			perr = fmt.Errorf("event %d: %w", i.Int(), err)
			return false
		}
		out = append(out, e)
		return true
	})
	if perr != nil {
		return nil, perr
	}
	return out, nil
}

// Ingest enriches and stores events.
func (in *Ingester) Ingest(ctx context.Context, events []Event) error {
	in.enrich(ctx, events)
	return in.store.Insert(ctx, events)
}

func (in *Ingester) enrich(ctx context.Context, events []Event) {
	if in.owners == nil {
		return
	}
	for i := range events {
		e := &events[i]
		if e.JobID == nil || e.TaskID != nil {
			continue
		}
		taskID, projectID, err := in.owners(ctx, *e.JobID)
		if err != nil {
			in.log.Warn("cannot resolve job owners",
				logger.Int64("job_id", *e.JobID),
				logger.Error(err),
			)
			continue
		}
		e.TaskID = &taskID
		if e.ProjectID == nil {
			e.ProjectID = projectID
		}
	}
}

// IngestFile stores the complete lines appended to a JSONL
// event log since it was last read. Malformed lines are logged
// and skipped. A log whose size and mtime match the stored
// progress is not opened again; a log that shrank is read again
// from the start.
func (in *Ingester) IngestFile(ctx context.Context, path string) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat event log: %w", err)
	}
	prev, seen, err := in.store.GetLogFile(ctx, path)
	if err != nil {
		return 0, err
	}
	size, mtime := info.Size(), info.ModTime().UnixNano()
	if seen && prev.Size == size && prev.MTime == mtime {
		return 0, nil
	}
	offset := prev.Offset
	if size < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seeking event log: %w", err)
	}

	events, consumed, err := in.readLines(f, path)
	if err != nil {
		return 0, err
	}
	in.enrich(ctx, events)
	err = in.store.InsertFromLog(ctx, events, LogFile{
		Path:   path,
		Offset: offset + consumed,
		Size:   size,
		MTime:  mtime,
	})
	if err != nil {
		return 0, err
	}
	if in.metrics != nil {
		in.metrics.EventsIngested.WithLabelValues("file").
			Add(float64(len(events)))
	}
	return len(events), nil
}

// readLines parses newline-terminated lines and returns the
// number of bytes consumed. A trailing partial line is left for
// the next call.
func (in *Ingester) readLines(
	r io.Reader, path string,
) ([]Event, int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		events   []Event
		consumed int64
		lineNo   int
	)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			lineNo++
			consumed += int64(len(line))
			if e, ok := in.parseLine(line, path, lineNo); ok {
				events = append(events, e)
			}
		}
		if errors.Is(err, io.EOF) {
			return events, consumed, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("reading event log: %w", err)
		}
	}
}

func (in *Ingester) parseLine(
	line []byte, path string, lineNo int,
) (Event, bool) {
	if len(line) > maxLineSize {
		in.log.Warn("skipping oversized event line",
			logger.String("path", path), logger.Int("line", lineNo))
		return Event{}, false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	e, err := ParseEvent(line)
	if err != nil {
		in.log.Warn("skipping malformed event line",
			logger.String("path", path),
			logger.Int("line", lineNo),
			logger.Error(err),
		)
		return Event{}, false
	}
	return e, true
}
