package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
)

var (
	// ErrExecutorClosed is returned by Submit after Shutdown.
	ErrExecutorClosed = errors.New("executor is shut down")
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("executor queue is full")
)

type task struct {
	ctx context.Context
	fn  func(context.Context)
}

// Executor runs submitted jobs one at a time, in submission order, on a
// single background worker.
type Executor struct {
	mu      sync.Mutex
	closed  bool
	tasks   chan task
	done    chan struct{}
	running atomic.Bool
	pending atomic.Int64
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewExecutor starts the worker with a queue of queueSize jobs.
func NewExecutor(queueSize int, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Executor {
	if queueSize < 1 {
		queueSize = 1
	}
	e := &Executor{
		tasks:   make(chan task, queueSize),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metricsCollector,
	}
	go e.work()
	return e
}

func (e *Executor) work() {
	defer close(e.done)
	for t := range e.tasks {
		e.pending.Add(-1)
		e.setDepth()
		e.running.Store(true)
		e.run(t)
		e.running.Store(false)
	}
}

func (e *Executor) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(t.ctx, "[EXECUTOR_PANIC] Job panicked", logging.Fields{
				"panic": r,
				"stage": "EXECUTOR",
			}, nil)
		}
	}()
	t.fn(t.ctx)
}

func (e *Executor) setDepth() {
	if e.metrics != nil {
		e.metrics.ExecutorQueueDepth.Set(float64(e.pending.Load()))
	}
}

// Submit enqueues fn to run with ctx. It never blocks.
func (e *Executor) Submit(ctx context.Context, fn func(context.Context)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrExecutorClosed
	}
	e.pending.Add(1)
	select {
	case e.tasks <- task{ctx: ctx, fn: fn}:
		e.setDepth()
		return nil
	default:
		e.pending.Add(-1)
		return ErrQueueFull
	}
}

// Running reports whether a job is executing.
func (e *Executor) Running() bool {
	return e.running.Load()
}

// Pending returns the number of queued jobs not yet started.
func (e *Executor) Pending() int {
	return int(e.pending.Load())
}

// Shutdown stops accepting jobs and waits for queued ones to finish or for
// ctx to expire.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.tasks)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
