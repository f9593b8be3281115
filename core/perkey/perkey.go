// Package perkey provides a scheduler that serializes work per key while
// allowing work for different keys to execute concurrently.
//
// Typical use-case: event streams, where appends for one stream id must run
// sequentially but different streams may proceed in parallel. The command
// bus uses the same mechanism for idempotency keys. Workers are reaped
// after an idle period, so key cardinality does not pin goroutines forever.
package perkey

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSchedulerClosed is returned when Do is called on a closed scheduler.
var ErrSchedulerClosed = errors.New("perkey: scheduler is closed")

const (
	defaultBufferSize  = 64
	defaultIdleTimeout = time.Minute
)

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize  int
	idleTimeout time.Duration
}

// WithBufferSize sets the task buffer size per worker (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithIdleTimeout sets how long a worker may sit without tasks before its
// goroutine is retired (default: 1 minute). A retired key simply gets a
// fresh worker on its next task.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// Scheduler runs tasks such that for any given key, tasks execute
// sequentially in submission order. Tasks for different keys run in
// parallel.
type Scheduler[K comparable] struct {
	mu          sync.Mutex
	workers     map[K]*worker
	closed      bool
	wg          sync.WaitGroup // tracks in-flight Do operations
	bufferSize  int
	idleTimeout time.Duration
}

type worker struct {
	tasks   chan *task
	pending int // guarded by Scheduler.mu; keeps the worker from retiring
}

type task struct {
	fn   func() error
	done chan error
}

// New creates a new Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: defaultBufferSize, idleTimeout: defaultIdleTimeout}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		workers:     make(map[K]*worker),
		bufferSize:  cfg.bufferSize,
		idleTimeout: cfg.idleTimeout,
	}
}

// Do schedules fn to run for the given key and blocks until fn finishes.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but respects context cancellation while waiting.
// A task that was already enqueued still executes even if the caller's
// context is cancelled; the caller just stops waiting for it.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	w, ok := s.workers[key]
	if !ok {
		w = &worker{tasks: make(chan *task, s.bufferSize)}
		s.workers[key] = w
		go s.runWorker(key, w)
	}
	w.pending++
	s.mu.Unlock()

	t := &task{
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case w.tasks <- t:
	case <-ctx.Done():
		s.mu.Lock()
		w.pending--
		s.mu.Unlock()
		s.wg.Done()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		s.wg.Done()
		return err
	case <-ctx.Done():
		s.wg.Done()
		return ctx.Err()
	}
}

// Close stops accepting new tasks and shuts down all workers. Tasks already
// enqueued still run to completion.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// wait for in-flight Do operations to finish enqueueing, so no send
	// races a closed channel
	s.wg.Wait()

	s.mu.Lock()
	for _, w := range s.workers {
		close(w.tasks)
	}
	s.workers = nil
	s.mu.Unlock()
}

func (s *Scheduler[K]) runWorker(key K, w *worker) {
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case t, ok := <-w.tasks:
			if !ok {
				return
			}
			err := t.fn()
			s.mu.Lock()
			w.pending--
			s.mu.Unlock()
			t.done <- err

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleTimeout)
		case <-idle.C:
			s.mu.Lock()
			if w.pending > 0 {
				// a task was enqueued while the timer fired
				s.mu.Unlock()
				idle.Reset(s.idleTimeout)
				continue
			}
			if s.workers != nil {
				delete(s.workers, key)
			}
			s.mu.Unlock()
			return
		}
	}
}
