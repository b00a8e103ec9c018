// Package jobs keeps the status of detached background jobs so callers
// that only got an acknowledgement can poll for the outcome.
package jobs

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown or evicted job ids.
var ErrNotFound = errors.New("job not found")

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Done reports whether the job has finished either way.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a snapshot of one tracked job. Result holds the job-specific
// outcome once it finishes.
type Job struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	Status      Status      `json:"status"`
	Params      interface{} `json:"params,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// DefaultHistory is how many jobs are kept when no limit is given.
const DefaultHistory = 100

// Tracker is an in-memory, bounded job registry. The oldest finished jobs
// are evicted first; running jobs are never evicted.
type Tracker struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	limit int
	now   func() time.Time
}

// NewTracker keeps up to limit jobs.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Tracker{
		jobs:  make(map[string]*Job),
		limit: limit,
		now:   time.Now,
	}
}

// Create registers a pending job and returns its id.
func (t *Tracker) Create(kind string, params interface{}) string {
	id := uuid.New().String()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[id] = &Job{
		ID:        id,
		Kind:      kind,
		Status:    StatusPending,
		Params:    params,
		CreatedAt: t.now().UTC(),
	}
	t.order = append(t.order, id)
	t.evictLocked()
	return id
}

// Start marks a job running.
func (t *Tracker) Start(id string) {
	t.update(id, func(j *Job) {
		now := t.now().UTC()
		j.Status = StatusRunning
		j.StartedAt = &now
	})
}

// Finish records the job outcome. A non-nil err marks it failed.
func (t *Tracker) Finish(id string, result interface{}, err error) {
	t.update(id, func(j *Job) {
		now := t.now().UTC()
		j.Result = result
		j.CompletedAt = &now
		if err != nil {
			j.Status = StatusFailed
			j.Error = err.Error()
			return
		}
		j.Status = StatusCompleted
	})
}

func (t *Tracker) update(id string, fn func(*Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[id]; ok {
		fn(j)
	}
}

// Get returns a copy of the job.
func (t *Tracker) Get(id string) (Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

// List returns jobs newest first.
func (t *Tracker) List() []Job {
	t.mu.RLock()
	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, *j)
	}
	t.mu.RUnlock()
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

func (t *Tracker) evictLocked() {
	for len(t.order) > t.limit {
		evicted := false
		for i, id := range t.order {
			if j := t.jobs[id]; j == nil || j.Status.Done() {
				delete(t.jobs, id)
				t.order = append(t.order[:i], t.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}
