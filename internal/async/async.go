// Package async runs best-effort side effects (push, payments, event
// publishing) off the connection's read loop.
package async

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultTimeout = 5 * time.Second

// Runner executes tasks on their own goroutine with a bounded lifetime.
// A nil *Runner runs tasks inline, which keeps tests deterministic.
type Runner struct {
	wg      sync.WaitGroup
	sem     chan struct{}
	timeout time.Duration
	logger  *slog.Logger
}

func NewRunner(maxInFlight int, timeout time.Duration, logger *slog.Logger) *Runner {
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{sem: make(chan struct{}, maxInFlight), timeout: timeout, logger: logger}
}

// Go runs fn detached from ctx's cancellation but keeping its values. When
// the runner is saturated the task is dropped and logged.
func (r *Runner) Go(ctx context.Context, name string, fn func(context.Context) error) {
	if r == nil {
		if err := fn(ctx); err != nil {
			slog.Default().Warn("background task failed", "task", name, "error", err)
		}
		return
	}
	select {
	case r.sem <- struct{}{}:
	default:
		r.logger.Warn("background task dropped", "task", name)
		return
	}
	r.wg.Add(1)
	go func() {
		defer func() {
			<-r.sem
			r.wg.Done()
		}()
		r.run(ctx, name, fn)
	}()
}

// Must is Go for tasks that may not be dropped, such as payment calls. When
// the runner is saturated the task runs on the caller's goroutine instead.
func (r *Runner) Must(ctx context.Context, name string, fn func(context.Context) error) {
	if r == nil {
		r.Go(ctx, name, fn)
		return
	}
	select {
	case r.sem <- struct{}{}:
		r.wg.Add(1)
		go func() {
			defer func() {
				<-r.sem
				r.wg.Done()
			}()
			r.run(ctx, name, fn)
		}()
	default:
		r.logger.Info("background task run inline", "task", name)
		r.wg.Add(1)
		defer r.wg.Done()
		r.run(ctx, name, fn)
	}
}

func (r *Runner) run(ctx context.Context, name string, fn func(context.Context) error) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := fn(tctx); err != nil {
		r.logger.Warn("background task failed", "task", name, "error", err)
	}
}

// Wait blocks until all started tasks finish.
func (r *Runner) Wait() {
	if r != nil {
		r.wg.Wait()
	}
}
