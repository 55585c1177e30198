// Package scheduler runs named periodic tasks. A task never overlaps with
// itself: a tick that arrives while the previous run is still going is
// skipped and logged.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrDuplicateTask = errors.New("task already registered")
	ErrStarted       = errors.New("scheduler already started")
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// RunAtStart fires the task once immediately on Start.
	RunAtStart bool
	Fn         func(ctx context.Context) error
}

type entry struct {
	task    Task
	running atomic.Bool
	runs    atomic.Int64
	skips   atomic.Int64
}

// Scheduler owns a set of tasks and their goroutines.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  zerolog.Logger

	// OnError receives every task error. Optional.
	OnError func(name string, err error)
	// OnSkip is called when a tick is dropped because the task is still running.
	OnSkip func(name string)
}

// New creates an empty scheduler.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		entries: make(map[string]*entry),
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// Add registers a task. Tasks cannot be added after Start.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Fn == nil || t.Interval <= 0 {
		return fmt.Errorf("invalid task %q", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrStarted
	}
	if _, ok := s.entries[t.Name]; ok {
		return fmt.Errorf("%s: %w", t.Name, ErrDuplicateTask)
	}
	s.entries[t.Name] = &entry{task: t}
	s.order = append(s.order, t.Name)
	return nil
}

// Start launches every task. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		e := s.entries[name]
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	return nil
}

// Stop cancels all tasks and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Runs reports how many times name has run and how many ticks were skipped.
func (s *Scheduler) Runs(name string) (runs, skips int64) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return 0, 0
	}
	return e.runs.Load(), e.skips.Load()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	log := s.logger.With().Str("task", e.task.Name).Logger()
	log.Info().Dur("interval", e.task.Interval).Msg("task scheduled")

	if e.task.RunAtStart {
		s.fire(ctx, e, &inflight, log)
	}

	ticker := time.NewTicker(e.task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("task stopped")
			return
		case <-ticker.C:
			s.fire(ctx, e, &inflight, log)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, inflight *sync.WaitGroup, log zerolog.Logger) {
	if !e.running.CompareAndSwap(false, true) {
		e.skips.Add(1)
		log.Warn().Msg("previous run still in progress, tick skipped")
		if s.OnSkip != nil {
			s.OnSkip(e.task.Name)
		}
		return
	}
	inflight.Add(1)
	go func() {
		defer inflight.Done()
		defer e.running.Store(false)
		started := time.Now()
		err := e.task.Fn(ctx)
		e.runs.Add(1)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Dur("took", time.Since(started)).Msg("task failed")
			if s.OnError != nil {
				s.OnError(e.task.Name, err)
			}
			return
		}
		log.Debug().Dur("took", time.Since(started)).Msg("task ran")
	}()
}
