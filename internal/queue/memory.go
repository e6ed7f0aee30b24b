package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue for single-process mode and
// tests.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	pending []string
	notify  chan struct{}
	now     func() time.Time
}

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]*Job),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (m *Memory) Enqueue(
	_ context.Context, id string, payload []byte,
) (Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.Active() {
		return *j, false, nil
	}
	j := &Job{
		ID:         id,
		AttemptID:  uuid.NewString(),
		Payload:    append([]byte(nil), payload...),
		Status:     StatusQueued,
		EnqueuedAt: m.now(),
	}
	m.jobs[id] = j
	m.pending = append(m.pending, id)
	m.signal()
	return *j, true, nil
}

// signal wakes one waiting Dequeue.
func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) Fetch(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%s: %w", id, ErrNoSuchJob)
	}
	return *j, nil
}

// take pops the oldest queued request, if any.
func (m *Memory) take() (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.pending) > 0 {
		id := m.pending[0]
		m.pending = m.pending[1:]
		j, ok := m.jobs[id]
		if !ok || j.Status != StatusQueued {
			continue
		}
		j.Status = StatusStarted
		j.StartedAt = m.now()
		if len(m.pending) > 0 {
			m.signal()
		}
		return *j, true
	}
	return Job{}, false
}

func (m *Memory) Dequeue(ctx context.Context, wait time.Duration) (Job, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if j, ok := m.take(); ok {
			return j, nil
		}
		select {
		case <-m.notify:
		case <-timer.C:
			return Job{}, ErrEmpty
		case <-ctx.Done():
			return Job{}, ctx.Err()
		}
	}
}

func (m *Memory) Finish(_ context.Context, id string, failure error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNoSuchJob)
	}
	j.Status = StatusFinished
	j.Error = ""
	if failure != nil {
		j.Status = StatusFailed
		j.Error = failure.Error()
	}
	j.EndedAt = m.now()
	return nil
}

// Heartbeat reports whether j is still the running attempt.
// Memory requests die with the process, so no lease expires.
func (m *Memory) Heartbeat(_ context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok || cur.AttemptID != j.AttemptID || cur.Status != StatusStarted {
		return fmt.Errorf("%s: %w", j.ID, ErrLeaseLost)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
