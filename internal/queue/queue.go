// Package queue holds recomputation requests until a worker
// picks them up. Requests are keyed by a stable id; a request
// with an id that is already queued or running is not added
// again.
package queue

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a queued request.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

var (
	// ErrNoSuchJob is returned by Fetch for unknown ids.
	ErrNoSuchJob = errors.New("no such job")
	// ErrEmpty is returned by Dequeue when nothing arrived
	// within the wait period.
	ErrEmpty = errors.New("queue empty")
	// ErrLeaseLost is returned by Heartbeat when the request was
	// replaced after its worker stopped renewing it.
	ErrLeaseLost = errors.New("request lease lost")
)

// Job is one request record.
type Job struct {
	ID         string
	AttemptID  string
	Payload    []byte
	Status     Status
	Error      string
	EnqueuedAt time.Time
	StartedAt  time.Time
	EndedAt    time.Time
}

// Active reports whether the request is waiting or running.
func (j Job) Active() bool {
	return j.Status == StatusQueued || j.Status == StatusStarted
}

// Queue is a deduplicating request queue.
type Queue interface {
	// Enqueue adds a request under id unless an active request
	// with that id exists. It returns the active record and
	// whether a new one was created. A finished or failed
	// record under id is replaced.
	Enqueue(ctx context.Context, id string, payload []byte) (Job, bool, error)
	// Fetch returns the record for id.
	Fetch(ctx context.Context, id string) (Job, error)
	// Dequeue takes the oldest queued request and marks it
	// started. It waits up to wait for one to arrive.
	Dequeue(ctx context.Context, wait time.Duration) (Job, error)
	// Finish marks a started request finished, or failed when
	// failure is non-nil.
	Finish(ctx context.Context, id string, failure error) error
	// Heartbeat renews the lease of a started request. A started
	// request whose lease expires counts as abandoned and is
	// replaced by the next Enqueue under its id.
	Heartbeat(ctx context.Context, j Job) error
	Close() error
}
