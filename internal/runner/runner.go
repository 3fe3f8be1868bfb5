// Package runner implements the background task executor: a bounded worker
// pool whose completion callbacks are never invoked on worker goroutines.
// Results queue until the owner of the callback context drains them with
// Tick, so single-threaded front-ends can consume results safely.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crosswire-id/crosswire/internal/ioerr"
)

const (
	DefaultWorkers      = 5
	DefaultTickInterval = 100 * time.Millisecond

	// completionDepth bounds the undrained completion queue.
	completionDepth = 256
)

// Fn is the unit of background work. It must observe ctx between provider
// calls; an in-flight call is not interrupted, but no further calls follow
// a cancellation.
type Fn func(ctx context.Context) (any, error)

// Task is the handle returned by Submit.
type Task struct {
	cancel    context.CancelFunc
	cancelled chan struct{}
	once      sync.Once
}

// Cancel requests cancellation. Idempotent.
func (t *Task) Cancel() {
	t.once.Do(func() {
		close(t.cancelled)
		t.cancel()
	})
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	select {
	case <-t.cancelled:
		return true
	default:
		return false
	}
}

type completion struct {
	task      *Task
	result    any
	err       error
	onSuccess func(any)
	onError   func(error)
}

// Runner owns the worker pool and the completion queue.
type Runner struct {
	logger zerolog.Logger
	jobs   chan func()
	compls chan completion
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	senders sync.WaitGroup
}

// New starts a runner with the given pool size.
func New(workers int, logger zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	r := &Runner{
		logger: logger,
		jobs:   make(chan func(), workers*4),
		compls: make(chan completion, completionDepth),
		done:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for job := range r.jobs {
				job()
			}
		}()
	}
	return r
}

// Submit queues fn for execution. Exactly one of onSuccess or onError runs
// later, on the goroutine that calls Tick. A cancelled task delivers
// Cancelled to onError.
func (r *Runner) Submit(ctx context.Context, fn Fn, onSuccess func(any), onError func(error)) (*Task, error) {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{cancel: cancel, cancelled: make(chan struct{})}

	// Register as a sender under the same lock that Close uses to flip
	// closed, so Close cannot close the jobs channel out from under a
	// blocked send.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, errors.New("runner closed")
	}
	r.senders.Add(1)
	r.mu.Unlock()
	defer r.senders.Done()

	job := func() {
		defer cancel()
		result, err := fn(taskCtx)
		if task.Cancelled() {
			err = ioerr.Cancelled()
			result = nil
		} else if err != nil && errors.Is(err, context.Canceled) {
			err = ioerr.Cancelled()
		}
		r.compls <- completion{task: task, result: result, err: err, onSuccess: onSuccess, onError: onError}
	}

	select {
	case r.jobs <- job:
		return task, nil
	case <-r.done:
		cancel()
		return nil, errors.New("runner closed")
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// Tick drains the completion queue, invoking callbacks on the caller's
// goroutine. Returns how many completions were delivered.
func (r *Runner) Tick() int {
	delivered := 0
	for {
		select {
		case c := <-r.compls:
			r.deliver(c)
			delivered++
		default:
			return delivered
		}
	}
}

// Wait blocks until at least one completion arrives or ctx ends, then
// drains. Convenience for CLI callers without a UI loop.
func (r *Runner) Wait(ctx context.Context) int {
	select {
	case c := <-r.compls:
		r.deliver(c)
		return 1 + r.Tick()
	case <-ctx.Done():
		return 0
	}
}

// TickLoop drains the queue every interval until ctx ends. This is the
// generalized form of a UI toolkit's idle-timer pump.
func (r *Runner) TickLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

func (r *Runner) deliver(c completion) {
	if c.err != nil {
		if c.onError != nil {
			c.onError(c.err)
		}
		return
	}
	if c.onSuccess != nil {
		c.onSuccess(c.result)
	}
}

// Close stops accepting work and waits for in-flight tasks. Undrained
// completions remain available to Tick. Submits parked on a full job
// buffer are woken and either enqueue or fail; the channel closes only
// after the last sender has left.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.senders.Wait()
	close(r.jobs)
	r.wg.Wait()
}
