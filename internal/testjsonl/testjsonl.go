// Package testjsonl builds JSONL event logs in the format the
// event ingester reads. Used by the events tests and the demo
// fixture.
package testjsonl

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// EventJSON returns one client event as a JSON string. Zero ids
// are omitted; a non-nil payload is embedded as an object.
func EventJSON(
	scope string, jobID, taskID int64, at time.Time,
	fields map[string]any,
) string {
	m := map[string]any{
		"scope":     scope,
		"timestamp": at.UTC().Format(time.RFC3339Nano),
	}
	if jobID != 0 {
		m["job_id"] = jobID
	}
	if taskID != 0 {
		m["task_id"] = taskID
	}
	for k, v := range fields {
		m[k] = v
	}
	return mustMarshal(m)
}

// WorkingTimeJSON returns a send:working_time event.
func WorkingTimeJSON(jobID, taskID int64, ms int, at time.Time) string {
	return EventJSON("send:working_time", jobID, taskID, at,
		map[string]any{"payload": map[string]any{"working_time": ms}})
}

// ObjectsJSON returns an object event such as create:shapes.
func ObjectsJSON(
	scope string, jobID, taskID int64, count int, at time.Time,
) string {
	return EventJSON(scope, jobID, taskID, at,
		map[string]any{"count": count})
}

// JobStateJSON returns an update:job event changing the state.
func JobStateJSON(jobID, taskID int64, state string, at time.Time) string {
	return EventJSON("update:job", jobID, taskID, at,
		map[string]any{"obj_name": "state", "obj_val": state})
}

// JoinJSONL joins lines with newlines and appends a trailing
// newline.
func JoinJSONL(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

// LogBuilder constructs JSONL event log content using a
// fluent API.
type LogBuilder struct {
	lines []string
}

// NewLogBuilder returns a new empty LogBuilder.
func NewLogBuilder() *LogBuilder {
	return &LogBuilder{}
}

// AddWorkingTime appends a working time event.
func (b *LogBuilder) AddWorkingTime(
	jobID, taskID int64, ms int, at time.Time,
) *LogBuilder {
	b.lines = append(b.lines, WorkingTimeJSON(jobID, taskID, ms, at))
	return b
}

// AddObjects appends an object event.
func (b *LogBuilder) AddObjects(
	scope string, jobID, taskID int64, count int, at time.Time,
) *LogBuilder {
	b.lines = append(b.lines, ObjectsJSON(scope, jobID, taskID, count, at))
	return b
}

// AddJobState appends a job state change.
func (b *LogBuilder) AddJobState(
	jobID, taskID int64, state string, at time.Time,
) *LogBuilder {
	b.lines = append(b.lines, JobStateJSON(jobID, taskID, state, at))
	return b
}

// AddRaw appends an arbitrary line.
func (b *LogBuilder) AddRaw(line string) *LogBuilder {
	b.lines = append(b.lines, line)
	return b
}

// Len returns the number of lines added.
func (b *LogBuilder) Len() int {
	return len(b.lines)
}

// String returns the JSONL content with a trailing newline.
func (b *LogBuilder) String() string {
	return JoinJSONL(b.lines...)
}

// StringNoTrailingNewline returns the JSONL content without a
// trailing newline, leaving the last line incomplete for a
// reader that waits for line ends.
func (b *LogBuilder) StringNoTrailingNewline() string {
	return strings.Join(b.lines, "\n")
}

func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
