// Package taskrunner implements the Task Runner (C8): a bounded,
// cancellable supervisor generalized from the teacher's
// application/pipeline worker pool into a long-lived primitive that every
// module instance owns for both one-shot acquisition work and the
// streaming pipeline's periodic drain.
package taskrunner

import (
	"context"
	"sync"
	"time"

	"github.com/skryldev/speechmodelcore/pkg/logger"
	"go.uber.org/zap"
)

const reapInterval = 30 * time.Second

// Runner is a per-module supervisor: a semaphore bounds concurrent work, a
// global cancellation token links every task so disposal cancels
// everything in flight, and a periodic reaper sweeps the active-task set
// as a safety net against tasks that forget to self-remove.
type Runner struct {
	log *logger.Logger

	sem chan struct{}

	mu       sync.Mutex
	cancel   context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup
	disposed bool

	active   map[int64]context.CancelFunc
	nextID   int64
	reapStop chan struct{}
}

// New creates a Runner bounded to maxConcurrentTasks simultaneous
// in-flight work items (a non-positive value defaults to 4).
func New(maxConcurrentTasks int, log *logger.Logger) *Runner {
	if maxConcurrentTasks <= 0 {
		maxConcurrentTasks = 4
	}
	if log == nil {
		log, _ = logger.New(false)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		log:      log,
		sem:      make(chan struct{}, maxConcurrentTasks),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[int64]context.CancelFunc),
		reapStop: make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// RunAsync acquires one semaphore permit, derives a linked cancellation
// context from both the Runner's global token and callerCtx, and runs
// work in its own goroutine. onComplete (if non-nil) receives work's
// error (nil on success) once it returns.
func (r *Runner) RunAsync(callerCtx context.Context, work func(ctx context.Context) error, onComplete func(error)) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		if onComplete != nil {
			onComplete(context.Canceled)
		}
		return
	}
	taskCtx, taskCancel := context.WithCancel(r.ctx)
	id := r.nextID
	r.nextID++
	r.active[id] = taskCancel
	r.wg.Add(1)
	r.mu.Unlock()

	linked, linkedCancel := linkContexts(taskCtx, callerCtx)

	go func() {
		defer r.wg.Done()
		defer linkedCancel()
		defer r.remove(id)

		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-linked.Done():
			if onComplete != nil {
				onComplete(linked.Err())
			}
			return
		}

		err := work(linked)
		if onComplete != nil {
			onComplete(err)
		}
	}()
}

// LoopAsync runs work repeatedly with interval between iterations until
// cancelled. A non-cancellation error from one iteration is passed to
// onIteration (if non-nil) and does not stop the loop.
func (r *Runner) LoopAsync(callerCtx context.Context, work func(ctx context.Context) error, interval time.Duration, onIteration func(error)) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	taskCtx, taskCancel := context.WithCancel(r.ctx)
	id := r.nextID
	r.nextID++
	r.active[id] = taskCancel
	r.wg.Add(1)
	r.mu.Unlock()

	linked, linkedCancel := linkContexts(taskCtx, callerCtx)

	go func() {
		defer r.wg.Done()
		defer linkedCancel()
		defer r.remove(id)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-linked.Done():
				return
			case <-ticker.C:
				if err := work(linked); err != nil && err != context.Canceled {
					if onIteration != nil {
						onIteration(err)
					} else {
						r.log.Warn("loop iteration failed", zap.Error(err))
					}
				}
			}
		}
	}()
}

// CancelAll cancels every task linked to the Runner's global token,
// without disposing the Runner itself.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	cancel := r.cancel
	ctx := r.ctx
	r.mu.Unlock()
	cancel()
	// Re-arm a fresh token so the Runner stays usable after CancelAll,
	// matching "cancelAll" being a distinct operation from "dispose".
	r.mu.Lock()
	if r.ctx == ctx && !r.disposed {
		r.ctx, r.cancel = context.WithCancel(context.Background())
	}
	r.mu.Unlock()
}

// WaitForAll blocks until every active task completes or timeout elapses,
// returning false on timeout.
func (r *Runner) WaitForAll(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Dispose cancels the global token, stops the reaper, and drains active
// tasks up to ~2s before returning. Idempotent: a second call is a no-op.
func (r *Runner) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	close(r.reapStop)
	r.WaitForAll(2 * time.Second)
}

func (r *Runner) remove(id int64) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// reapLoop sweeps the active-task map every 30s. Tasks already remove
// themselves on completion; this is strictly a safety net against a task
// whose goroutine panicked before its deferred remove ran (the deferred
// recover boundary lives in the caller's work func, not here).
func (r *Runner) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.reapStop:
			return
		case <-ticker.C:
			r.mu.Lock()
			for id, cancel := range r.active {
				select {
				case <-r.ctx.Done():
					cancel()
					delete(r.active, id)
				default:
				}
			}
			r.mu.Unlock()
		}
	}
}

// linkContexts derives a context cancelled when either parent is done.
// The returned CancelFunc must be called to release the AfterFunc
// registration on b.
func linkContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	if b == nil {
		return context.WithCancel(a)
	}
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
