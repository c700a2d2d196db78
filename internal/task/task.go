// Package task runs store writes in the background with an explicit policy.
//
// Every write is either AWAITED or DETACHED:
//
//   - Go returns a *Future. The caller waits on it (or not) and owns the error.
//   - Detach returns nothing. Its failure cannot reach the caller, so the
//     Runner logs it, counts it in metrics and publishes it on Errors().
//
// Tasks run on the Runner's own context with a per-task timeout, not on the
// request context: a write started for a request finishes even when the
// client hangs up first.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/homework-helper/internal/metrics"
)

// Func is one unit of background work.
type Func func(ctx context.Context) error

// ErrShuttingDown is the result of tasks submitted after Shutdown began.
var ErrShuttingDown = errors.New("task: runner is shutting down")

// DefaultTimeout bounds a task when the Runner is created with timeout <= 0.
const DefaultTimeout = 5 * time.Second

// Failure describes a detached task that returned an error.
type Failure struct {
	Task string
	Err  error
	At   time.Time
}

func (f Failure) Error() string {
	return fmt.Sprintf("task %s: %v", f.Task, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Runner starts and tracks background tasks.
type Runner struct {
	logger  *slog.Logger
	timeout time.Duration
	errs    chan Failure

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	closing bool
}

// NewRunner creates a Runner. buffer is the capacity of the Errors channel;
// failures that do not fit are logged and dropped.
func NewRunner(logger *slog.Logger, timeout time.Duration, buffer int) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger:  logger,
		timeout: timeout,
		errs:    make(chan Failure, buffer),
		base:    ctx,
		cancel:  cancel,
	}
}

// Future is the eventual result of an awaited task.
type Future struct {
	name string
	done chan struct{}
	err  error
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the task's error. It is only meaningful once Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends. A ctx error means the
// wait was abandoned; the task itself keeps running.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolved returns a Future that is already finished with err.
func Resolved(name string, err error) *Future {
	f := &Future{name: name, done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// Go runs fn and returns its Future.
func (r *Runner) Go(name string, fn Func) *Future {
	if !r.begin() {
		return Resolved(name, ErrShuttingDown)
	}

	f := &Future{name: name, done: make(chan struct{})}
	go func() {
		defer r.wg.Done()
		f.err = r.run(name, fn)
		close(f.done)
	}()
	return f
}

// Detach runs fn without giving the caller a way to wait for it.
func (r *Runner) Detach(name string, fn Func) {
	if !r.begin() {
		r.logger.Warn("task submitted during shutdown, dropping", slog.String("task", name))
		r.fail(name, ErrShuttingDown)
		return
	}

	go func() {
		defer r.wg.Done()
		if err := r.run(name, fn); err != nil {
			r.logger.Error("detached task failed",
				slog.String("task", name),
				slog.String("error", err.Error()),
			)
			r.fail(name, err)
		}
	}()
}

// Errors delivers failures of detached tasks. The channel is never closed.
func (r *Runner) Errors() <-chan Failure {
	return r.errs
}

// Shutdown stops accepting tasks and waits for the running ones. When ctx
// ends first, running tasks have their context cancelled and ctx.Err() is
// returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

// begin registers a task unless shutdown has started. The read lock keeps
// wg.Add from racing with the wg.Wait in Shutdown.
func (r *Runner) begin() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closing {
		return false
	}
	r.wg.Add(1)
	return true
}

func (r *Runner) run(name string, fn Func) (err error) {
	ctx, cancel := context.WithTimeout(r.base, r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", name, p)
		}
	}()
	return fn(ctx)
}

func (r *Runner) fail(name string, err error) {
	metrics.TaskFailures.WithLabelValues(name).Inc()

	select {
	case r.errs <- Failure{Task: name, Err: err, At: time.Now()}:
	default:
		r.logger.Warn("task error channel full, dropping failure",
			slog.String("task", name),
			slog.String("error", err.Error()),
		)
	}
}
