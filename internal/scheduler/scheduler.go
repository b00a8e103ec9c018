// Package scheduler fires the engine's periodic jobs on timers. Each tick
// takes a distributed lock so only one worker replica runs it.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/adperf-engine/internal/pkg/distlock"
	"github.com/ignite/adperf-engine/internal/pkg/logger"
	"github.com/ignite/adperf-engine/internal/pkg/telemetry"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means the interval.
	Timeout    time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// LockFactory builds the lock guarding one job. The ttl is the job's
// timeout so a crashed holder cannot block later ticks forever.
type LockFactory func(name string, ttl time.Duration) distlock.DistLock

// RunInfo is the last observed outcome of a job.
type RunInfo struct {
	Name     string     `json:"name"`
	Interval string     `json:"interval"`
	Runs     int        `json:"runs"`
	Skipped  int        `json:"skipped"`
	Failures int        `json:"failures"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	LastErr  string     `json:"last_error,omitempty"`
	Duration string     `json:"last_duration,omitempty"`
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	lock LockFactory
	jobs []Job

	mu   sync.RWMutex
	info map[string]*RunInfo
}

// New creates a Scheduler. A nil factory runs every tick unguarded.
func New(lock LockFactory) *Scheduler {
	if lock == nil {
		lock = func(string, time.Duration) distlock.DistLock {
			return distlock.NewLock(nil, nil, "", 0)
		}
	}
	return &Scheduler{lock: lock, info: make(map[string]*RunInfo)}
}

// Add registers a job. Jobs with a non-positive interval are ignored so a
// zero in config disables them.
func (s *Scheduler) Add(job Job) {
	if job.Interval <= 0 || job.Run == nil {
		log.Printf("[Scheduler] Job %s disabled", job.Name)
		return
	}
	if job.Timeout <= 0 {
		job.Timeout = job.Interval
	}
	s.jobs = append(s.jobs, job)
	s.mu.Lock()
	s.info[job.Name] = &RunInfo{Name: job.Name, Interval: job.Interval.String()}
	s.mu.Unlock()
}

// Start runs every job on its own ticker and blocks until ctx is cancelled
// and all in-flight runs return.
func (s *Scheduler) Start(ctx context.Context) {
	log.Printf("[Scheduler] Starting %d jobs", len(s.jobs))
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
	log.Println("[Scheduler] Stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	if job.RunOnStart {
		s.tick(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

// RunNow executes the named job once under its lock, outside the timer.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.tick(ctx, job)
		}
	}
	return false, fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) tick(ctx context.Context, job Job) (ran bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()
	ctx, span := telemetry.Tracer().Start(ctx, "scheduler."+job.Name, trace.WithAttributes(
		attribute.String("job", job.Name),
	))
	defer span.End()

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			ran = true
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.ErrorContext(ctx, "scheduler: job failed", "job", job.Name, "error", err)
		}
		s.record(job.Name, ran, started, err)
	}()

	return distlock.Run(ctx, s.lock(job.Name, job.Timeout), job.Run)
}

func (s *Scheduler) record(name string, ran bool, started time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.info[name]
	if !ok {
		return
	}
	if !ran && err == nil {
		info.Skipped++
		return
	}
	at := started.UTC()
	info.Runs++
	info.LastRun = &at
	info.Duration = time.Since(started).Round(time.Millisecond).String()
	info.LastErr = ""
	if err != nil {
		info.Failures++
		info.LastErr = err.Error()
	}
}

// Status lists every job's last outcome ordered by name.
func (s *Scheduler) Status() []RunInfo {
	s.mu.RLock()
	out := make([]RunInfo, 0, len(s.info))
	for _, info := range s.info {
		out = append(out, *info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
