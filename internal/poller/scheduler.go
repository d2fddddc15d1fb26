package poller

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSchedulerStopped is returned by [Scheduler.Schedule] once the scheduler
// has been stopped or before it is started.
var ErrSchedulerStopped = errors.New("poller: scheduler not running")

const defaultWorkers = 4

// Scheduler is the timer and worker pool shared by every service session.
//
// Each scheduled task fires immediately and then once per period, measured
// from the previous firing rather than from completion of the work it
// triggered. Firings are executed by a fixed pool of workers.
//
// All lifecycle methods (Start, Stop) are safe for concurrent use.
type Scheduler struct {
	workers int
	logger  *slog.Logger
	jobs    chan job
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

type job struct {
	task *Task
	fn   func()
}

// Task is a scheduled, cancellable task.
type Task struct {
	cancel chan struct{}
	once   sync.Once
}

// Cancel stops further firings. A firing already handed to a worker still
// runs. Safe to call multiple times.
func (t *Task) Cancel() {
	t.once.Do(func() { close(t.cancel) })
}

func (t *Task) cancelled() bool {
	select {
	case <-t.cancel:
		return true
	default:
		return false
	}
}

// NewScheduler creates a scheduler with the given number of workers.
// Values <= 0 select a default of 4.
func NewScheduler(workers int, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		workers: workers,
		logger:  logger,
		jobs:    make(chan job),
		done:    make(chan struct{}),
	}
}

// Start launches the worker pool. Start is idempotent; if Stop was called
// before Start, Start is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
}

// Stop cancels every task and waits for workers and timers to exit.
// Stop is idempotent and safe to call before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Schedule arms fn. It fires immediately, then every period. A period <= 0
// fires fn exactly once.
func (s *Scheduler) Schedule(period time.Duration, fn func()) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return nil, ErrSchedulerStopped
	}

	t := &Task{cancel: make(chan struct{})}
	s.wg.Add(1)
	go s.run(t, period, fn)
	return t, nil
}

func (s *Scheduler) run(t *Task, period time.Duration, fn func()) {
	defer s.wg.Done()

	if !s.dispatch(t, fn) || period <= 0 {
		return
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-t.cancel:
			return
		case <-s.done:
			return
		case <-ticker.C:
			if !s.dispatch(t, fn) {
				return
			}
		}
	}
}

// dispatch hands one firing to a worker. It reports false if the task or
// the scheduler was stopped first.
func (s *Scheduler) dispatch(t *Task, fn func()) bool {
	select {
	case s.jobs <- job{task: t, fn: fn}:
		return true
	case <-t.cancel:
		return false
	case <-s.done:
		return false
	}
}

func (s *Scheduler) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			if !j.task.cancelled() {
				s.safeRun(j.fn)
			}
		}
	}
}

// safeRun calls fn with panic recovery, logging the stack trace with a
// correlation ID.
func (s *Scheduler) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panic",
				"correlation_id", uuid.NewString(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
