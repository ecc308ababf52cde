// Package scheduler runs application work handed over from transport goroutines.
//
// Network clients (the MQTT client, Kafka readers) never execute saga or auction
// logic themselves. They enqueue a Task and return; Run drains the queue and
// executes each task on its own goroutine, bounded by a semaphore.
//
// The bound counts running tasks, not waiting ones. A task that sleeps on a
// timer calls Suspend first so its slot goes to the messages it is waiting for.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrStopped is returned by Submit once Run has returned.
var ErrStopped = errors.New("scheduler stopped")

// Task is a unit of application work. ctx is cancelled when the scheduler shuts down.
type Task func(ctx context.Context)

type slotKey struct{}

// slot is the execution permit of one running task. It is only touched from
// that task's goroutine.
type slot struct {
	sem  *semaphore.Weighted
	held bool
}

// Suspend returns the calling task's slot to the scheduler and gives back a
// resume func that waits for a slot again. Call resume before doing more work.
// Outside a scheduler task, or when already suspended, both are no-ops.
func Suspend(ctx context.Context) (resume func() error) {
	sl, ok := ctx.Value(slotKey{}).(*slot)
	if !ok || !sl.held {
		return func() error { return nil }
	}
	sl.sem.Release(1)
	sl.held = false
	return func() error {
		if err := sl.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		sl.held = true
		return nil
	}
}

// Sleep waits for d with the task suspended. It reports false when ctx ended
// first or the slot could not be taken back.
func Sleep(ctx context.Context, d time.Duration) bool {
	resume := Suspend(ctx)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		_ = resume()
		return false
	}
	return resume() == nil
}

type Scheduler struct {
	queue   chan Task
	sem     *semaphore.Weighted
	log     zerolog.Logger
	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func New(queueSize, maxInFlight int, logger zerolog.Logger) *Scheduler {
	if queueSize <= 0 {
		queueSize = 1
	}
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Scheduler{
		queue: make(chan Task, queueSize),
		sem:   semaphore.NewWeighted(int64(maxInFlight)),
		log:   logger.With().Str("component", "scheduler").Logger(),
		done:  make(chan struct{}),
	}
}

// Submit blocks until the task is queued, ctx is done or the scheduler stopped.
func (s *Scheduler) Submit(ctx context.Context, t Task) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case s.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// TrySubmit queues the task without blocking. It reports false when the queue is
// full or the scheduler stopped; callers on network goroutines drop the work then.
func (s *Scheduler) TrySubmit(t Task) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- t:
		return true
	default:
		return false
	}
}

// Run executes queued tasks until ctx is cancelled, then waits for in-flight tasks.
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		s.stopped.Do(func() { close(s.done) })
		s.wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-s.queue:
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			sl := &slot{sem: s.sem, held: true}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() {
					if sl.held {
						s.sem.Release(1)
					}
				}()
				defer func() {
					if rec := recover(); rec != nil {
						s.log.Error().Interface("panic", rec).Msg("task panicked")
					}
				}()
				t(context.WithValue(ctx, slotKey{}, sl))
			}()
		}
	}
}

// Pending returns the number of queued tasks not yet started.
func (s *Scheduler) Pending() int { return len(s.queue) }
