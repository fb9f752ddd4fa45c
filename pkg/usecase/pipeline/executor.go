package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/metrics"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTaskConcurrency = 16
	DefaultTaskTimeout     = 30 * time.Second
)

// Task is a unit of background work
type Task func(ctx context.Context) error

// Executor runs fire-and-forget tasks. Submit never blocks the caller;
// tasks wait for a free slot in their own goroutine.
type Executor struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

type ExecutorOption func(*Executor)

// WithConcurrency limits the number of tasks running at once
func WithConcurrency(n int64) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithTaskTimeout bounds each task, excluding the time waiting for a slot
func WithTaskTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

func WithExecutorMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		sem:     semaphore.NewWeighted(DefaultTaskConcurrency),
		timeout: DefaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit schedules task. The task keeps the values of ctx, including its
// logger, but not its cancellation: it outlives the request that submitted
// it. Errors are logged and counted.
func (e *Executor) Submit(ctx context.Context, name string, task Task) {
	detached := context.WithoutCancel(ctx)
	logger := logging.From(ctx).With("task", name)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		if err := e.sem.Acquire(detached, 1); err != nil {
			logger.Error("failed to acquire task slot", "error", err)
			return
		}
		defer e.sem.Release(1)

		e.metrics.TaskStarted()
		err := e.run(detached, task)
		e.metrics.TaskFinished(name, err)

		if err != nil {
			logger.Error("background task failed", "error", err)
			return
		}
		logger.Debug("background task done")
	}()
}

func (e *Executor) run(ctx context.Context, task Task) (err error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = goerr.New("background task panicked", goerr.V("panic", r))
		}
	}()

	return task(ctx)
}

// Wait blocks until every submitted task has finished
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Shutdown waits for submitted tasks until ctx is done
func (e *Executor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "background tasks did not finish")
	}
}
