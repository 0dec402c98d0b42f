// Package scheduler implements the polling engine: keyed, cancellable, self-rearming fetch tasks.
//
// A task waits one interval (or none with Immediately), invokes fetch, hands a successful value
// to onResult and only then re-arms. A failed fetch is logged and skips onResult but the task
// still re-arms, so a key keeps exactly one fetch in flight at any time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/hiveproxy/internal/observability"
	"github.com/coachpo/hiveproxy/internal/telemetry"
)

var (
	// ErrStop ends a task without re-arming when returned from fetch or onResult.
	ErrStop = errors.New("scheduler: stop")
	// ErrDuplicateKey is returned by Every when the key is already scheduled.
	ErrDuplicateKey = errors.New("scheduler: duplicate key")
	// ErrClosed is returned once the scheduler has been closed.
	ErrClosed = errors.New("scheduler: closed")
)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type taskConfig struct {
	immediate bool
}

// TaskOption customises a single task.
type TaskOption func(*taskConfig)

// Immediately runs the first fetch without waiting for the interval.
func Immediately() TaskOption {
	return func(c *taskConfig) { c.immediate = true }
}

// Scheduler owns a table of keyed tasks.
type Scheduler struct {
	name    string
	log     observability.Logger
	metrics *telemetry.GatewayMetrics
	ctx     context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for fetch failures.
func WithLogger(l observability.Logger) Option {
	return func(s *Scheduler) { s.log = observability.OrDefault(l) }
}

// WithMetrics records poll cycle outcomes.
func WithMetrics(m *telemetry.GatewayMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler. name labels logs and metrics (for example "book" or "account").
func New(name string, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		name:  name,
		log:   observability.Log(),
		ctx:   ctx,
		stop:  cancel,
		tasks: make(map[string]*task),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Every schedules fetch(arg) under key every interval.
func Every[A, T any](s *Scheduler, key string, interval time.Duration, arg A,
	fetch func(context.Context, A) (T, error), onResult func(context.Context, T) error, opts ...TaskOption) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive, got %s", interval)
	}
	if fetch == nil {
		return fmt.Errorf("scheduler: nil fetch for %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.tasks[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	var cfg taskConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	s.startLocked(key, func(ctx context.Context) bool {
		return runCycle(ctx, s, key, arg, fetch, onResult)
	}, interval, cfg)
	return nil
}

// Replace stops any task registered under key, waits for it to exit and schedules the new one.
// It must not be called from inside the task being replaced.
func Replace[A, T any](s *Scheduler, key string, interval time.Duration, arg A,
	fetch func(context.Context, A) (T, error), onResult func(context.Context, T) error, opts ...TaskOption) error {
	if old := s.detach(key); old != nil {
		old.cancel()
		<-old.done
	}
	return Every(s, key, interval, arg, fetch, onResult, opts...)
}

// Stop cancels the task under key. It reports whether a task was registered.
func (s *Scheduler) Stop(key string) bool {
	t := s.detach(key)
	if t == nil {
		return false
	}
	t.cancel()
	return true
}

// Has reports whether key is scheduled.
func (s *Scheduler) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every task and waits for them to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
}

func (s *Scheduler) detach(key string) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return nil
	}
	delete(s.tasks, key)
	return t
}

func (s *Scheduler) startLocked(key string, cycle func(context.Context) bool, interval time.Duration, cfg taskConfig) {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[key] = t
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer cancel()
		defer s.release(key, t)

		first := interval
		if cfg.immediate {
			first = 0
		}
		timer := time.NewTimer(first)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if !cycle(ctx) {
				return
			}
			timer.Reset(interval)
		}
	}()
}

func (s *Scheduler) release(key string, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[key]; ok && cur == t {
		delete(s.tasks, key)
	}
}

// runCycle performs one fetch and reports whether the task should re-arm.
func runCycle[A, T any](ctx context.Context, s *Scheduler, key string, arg A,
	fetch func(context.Context, A) (T, error), onResult func(context.Context, T) error) bool {
	rearm := true
	var pc panics.Catcher
	pc.Try(func() {
		value, err := fetch(ctx, arg)
		if err != nil {
			if errors.Is(err, ErrStop) {
				s.metrics.PollCycle(ctx, s.name, telemetry.ResultSkipped)
				rearm = false
				return
			}
			if ctx.Err() != nil {
				rearm = false
				return
			}
			s.metrics.PollCycle(ctx, s.name, telemetry.ResultError)
			s.log.Error("poll fetch failed",
				observability.F("scheduler", s.name),
				observability.F("key", key),
				observability.Err(err))
			return
		}
		s.metrics.PollCycle(ctx, s.name, telemetry.ResultSuccess)
		if onResult == nil {
			return
		}
		if err := onResult(ctx, value); err != nil {
			if errors.Is(err, ErrStop) {
				rearm = false
				return
			}
			s.log.Error("poll result handler failed",
				observability.F("scheduler", s.name),
				observability.F("key", key),
				observability.Err(err))
		}
	})
	if r := pc.Recovered(); r != nil {
		s.log.Error("poll cycle panicked",
			observability.F("scheduler", s.name),
			observability.F("key", key),
			observability.Err(r.AsError()))
	}
	return rearm && ctx.Err() == nil
}
