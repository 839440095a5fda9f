package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"artifact-scanner/v1/pkg/logger"
)

// Task represents a unit of work to be processed
type Task interface {
	// ID returns an identifier used in logs and results
	ID() string

	// Execute performs the task
	Execute(ctx context.Context) error
}

// WorkerPool runs submitted tasks on a fixed number of goroutines. Tasks
// receive the pool context, which is derived from the parent passed to
// NewWorkerPool; cancelling the parent stops workers from picking up new
// tasks.
type WorkerPool struct {
	workers       int
	taskQueue     chan Task
	wg            sync.WaitGroup
	pending       sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	running       atomic.Bool
	stopped       atomic.Bool
	tasksTotal    atomic.Int64
	tasksComplete atomic.Int64
	tasksFailed   atomic.Int64
	metrics       *Metrics
	log           *logger.NamedLogger
}

// PoolOption configures a WorkerPool
type PoolOption func(*WorkerPool)

// WithMetrics reports worker and queue gauges into m. Task counts are left to
// the caller, which knows what a task outcome means.
func WithMetrics(m *Metrics) PoolOption {
	return func(p *WorkerPool) {
		p.metrics = m
	}
}

// NewWorkerPool creates a new worker pool bound to parent
func NewWorkerPool(parent context.Context, workers int, opts ...PoolOption) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(parent)

	pool := &WorkerPool{
		workers:   workers,
		taskQueue: make(chan Task, workers*2),
		ctx:       ctx,
		cancel:    cancel,
		log:       logger.WithName("worker-pool"),
	}
	for _, opt := range opts {
		opt(pool)
	}
	return pool
}

// Start starts the worker pool
func (p *WorkerPool) Start() error {
	if p.stopped.Load() {
		return fmt.Errorf("worker pool has been stopped")
	}
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker pool is already running")
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.log.V(2).InfoS("Worker pool started", "workers", p.workers)
	return nil
}

// Submit queues a task, blocking while the queue is full. It fails when ctx
// or the pool context is done, or when the pool is not running. Submit must
// not race with Stop.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if !p.running.Load() {
		return fmt.Errorf("worker pool is not running")
	}
	for _, c := range []context.Context{ctx, p.ctx} {
		if err := c.Err(); err != nil {
			return fmt.Errorf("failed to submit task %s: %w", task.ID(), err)
		}
	}

	p.pending.Add(1)
	select {
	case p.taskQueue <- task:
		p.tasksTotal.Add(1)
		p.recordQueueDepth()
		p.log.V(4).InfoS("Task submitted", "taskID", task.ID())
		return nil
	case <-ctx.Done():
		p.pending.Done()
		return fmt.Errorf("failed to submit task %s: %w", task.ID(), ctx.Err())
	case <-p.ctx.Done():
		p.pending.Done()
		return fmt.Errorf("failed to submit task %s: %w", task.ID(), p.ctx.Err())
	}
}

// Wait blocks until every submitted task has finished
func (p *WorkerPool) Wait() {
	p.pending.Wait()
}

// Stop closes the queue and waits for workers to drain it. A pool cannot be
// restarted once stopped.
func (p *WorkerPool) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return fmt.Errorf("worker pool is not running")
	}
	p.stopped.Store(true)

	close(p.taskQueue)
	p.wg.Wait()
	p.cancel()

	p.log.V(2).InfoS("Worker pool stopped",
		"total", p.tasksTotal.Load(),
		"completed", p.tasksComplete.Load(),
		"failed", p.tasksFailed.Load())
	return nil
}

func (p *WorkerPool) worker(id int) {
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordWorkerStop()
		}
		p.wg.Done()
	}()

	p.log.V(4).InfoS("Worker started", "workerID", id)
	if p.metrics != nil {
		p.metrics.RecordWorkerStart()
	}

	for task := range p.taskQueue {
		p.processTask(id, task)
	}
	p.log.V(4).InfoS("Worker stopped", "workerID", id)
}

func (p *WorkerPool) processTask(workerID int, task Task) {
	defer p.pending.Done()

	start := time.Now()
	taskID := task.ID()

	p.log.V(4).InfoS("Processing task", "workerID", workerID, "taskID", taskID)

	err := p.execute(task)
	duration := time.Since(start)

	if err != nil {
		p.tasksFailed.Add(1)
		p.log.V(2).InfoS("Task failed", "taskID", taskID, "workerID", workerID, "error", err)
	} else {
		p.tasksComplete.Add(1)
		p.log.V(4).InfoS("Task completed", "workerID", workerID, "taskID", taskID, "duration", duration)
	}
	p.recordQueueDepth()
}

func (p *WorkerPool) recordQueueDepth() {
	if p.metrics != nil {
		p.metrics.RecordQueueDepth(int32(len(p.taskQueue)))
	}
}

// execute runs the task, turning a panic into an error
func (p *WorkerPool) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID(), r)
		}
	}()
	return task.Execute(p.ctx)
}
