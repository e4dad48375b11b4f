// Package scheduler runs named recurring jobs on fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/polldata/crawlerd/internal/metrics"
)

// ErrDuplicateJob is returned when a job name is registered twice.
var ErrDuplicateJob = errors.New("job already registered")

// Body is the work a job performs each cycle. Errors are logged and discarded
// by the scheduler; they never stop the job's cycle or its siblings.
type Body func(ctx context.Context) error

// State tracks a job through its lifecycle.
type State string

// Job states.
const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCancelled State = "cancelled"
)

// Job is a named recurring unit of work bound to an interval. The first
// invocation happens immediately on start; subsequent invocations follow
// after Interval elapses.
type Job struct {
	Name     string
	Interval time.Duration
	Body     Body
}

type entry struct {
	job   Job
	state State
}

// Scheduler owns a set of registered jobs and drives their repeat cycles.
// One goroutine per running job; a job failure is isolated to that cycle.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	running bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// New constructs an empty Scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register adds a job in Idle state. Registering a name twice fails with
// ErrDuplicateJob and leaves the first registration in place.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("register job: name is required")
	}
	if job.Body == nil {
		return fmt.Errorf("register job %q: body is required", job.Name)
	}
	if job.Interval < 0 {
		return fmt.Errorf("register job %q: interval must be >= 0", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("register job %q: %w", job.Name, ErrDuplicateJob)
	}
	e := &entry{job: job, state: StateIdle}
	s.entries[job.Name] = e
	s.order = append(s.order, job.Name)
	if s.running {
		s.launch(e)
	}
	return nil
}

// StartAll transitions every Idle job to Running and begins its cycle.
// Calling StartAll while already running is a no-op.
func (s *Scheduler) StartAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ctx = ctx
	s.running = true
	for _, name := range s.order {
		if e := s.entries[name]; e.state == StateIdle {
			s.launch(e)
		}
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.order)))
}

// StopAll cancels every running job and waits for in-flight bodies to return.
// After it returns, all jobs are Cancelled and no job goroutines remain.
// Calling StopAll when not running is a no-op and never blocks.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// ActiveCount returns the number of jobs currently in Running state.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.state == StateRunning {
			n++
		}
	}
	return n
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// JobState reports the state of a registered job.
func (s *Scheduler) JobState(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return "", false
	}
	return e.state, true
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(e *entry) {
	e.state = StateRunning
	metrics.SetActiveJobs(s.activeLocked())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(s.ctx, e)
	}()
}

func (s *Scheduler) runLoop(ctx context.Context, e *entry) {
	defer s.setState(e, StateCancelled)
	for {
		if ctx.Err() != nil {
			return
		}
		s.invoke(ctx, e)

		timer := time.NewTimer(e.job.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// invoke runs one body, containing errors and panics so a single job's
// failure never halts the schedule.
func (s *Scheduler) invoke(ctx context.Context, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			metrics.JobRun(e.job.Name, "panic")
			s.logger.Error("job panicked",
				zap.String("job", e.job.Name),
				zap.Any("panic", r),
			)
		}
	}()

	if err := e.job.Body(ctx); err != nil {
		metrics.JobRun(e.job.Name, "error")
		s.logger.Error("job run failed",
			zap.String("job", e.job.Name),
			zap.Error(err),
		)
		return
	}
	metrics.JobRun(e.job.Name, "ok")
}

func (s *Scheduler) setState(e *entry, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.state = st
	metrics.SetActiveJobs(s.activeLocked())
}

// activeLocked must be called with s.mu held.
func (s *Scheduler) activeLocked() int {
	n := 0
	for _, e := range s.entries {
		if e.state == StateRunning {
			n++
		}
	}
	return n
}
