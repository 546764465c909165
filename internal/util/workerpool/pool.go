package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work, such as an asynchronous flush
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Handle tracks a submitted task until it finishes
type Handle struct {
	id   string
	done chan struct{}
	err  error
}

// ID returns the task id
func (h *Handle) ID() string { return h.id }

// Done is closed when the task has finished
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx is cancelled
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queuedTask struct {
	task   Task
	handle *Handle
}

// WorkerPool runs tasks on a bounded set of goroutines. With one worker,
// tasks run strictly in submission order.
type WorkerPool struct {
	name       string
	maxWorkers int
	queueSize  int
	taskQueue  chan queuedTask
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}

	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates and starts a worker pool
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan queuedTask, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			// drain what was accepted before stop
			for {
				select {
				case qt := <-p.taskQueue:
					p.executeTask(id, qt)
				default:
					return
				}
			}
		case qt := <-p.taskQueue:
			p.executeTask(id, qt)
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, qt queuedTask) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.safeExecute(qt.task)
	duration := time.Since(start)

	qt.handle.err = err
	close(qt.handle.done)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", qt.task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completedTasks, 1)
	p.logger.Debug("Task completed",
		zap.String("pool", p.name),
		zap.Int("worker_id", workerID),
		zap.String("task_id", qt.task.ID),
		zap.Duration("duration", duration))
}

// safeExecute runs a task with panic recovery
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return task.Fn(p.ctx)
}

// Submit queues a task without blocking. It fails if the queue is full or
// the pool is stopped.
func (p *WorkerPool) Submit(task Task) (*Handle, error) {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return nil, fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}

	h := &Handle{id: task.ID, done: make(chan struct{})}
	select {
	case p.taskQueue <- queuedTask{task: task, handle: h}:
		atomic.AddUint64(&p.totalTasks, 1)
		return h, nil
	default:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return nil, fmt.Errorf("worker pool '%s' queue is full", p.name)
	}
}

// SubmitWithContext blocks until the task is accepted or ctx is cancelled
func (p *WorkerPool) SubmitWithContext(ctx context.Context, task Task) (*Handle, error) {
	h := &Handle{id: task.ID, done: make(chan struct{})}
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return nil, fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejectedTasks, 1)
		return nil, ctx.Err()
	case p.taskQueue <- queuedTask{task: task, handle: h}:
		atomic.AddUint64(&p.totalTasks, 1)
		return h, nil
	}
}

// Stop stops accepting tasks, runs the ones already queued and waits for
// the workers. Tasks still running after timeout see their context cancelled.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped gracefully", zap.String("name", p.name))
		case <-time.After(timeout):
			p.cancel()
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
		p.cancel()
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// Idle reports whether nothing is queued or running
func (s Stats) Idle() bool {
	return s.ActiveWorkers == 0 && s.QueuedTasks == 0
}
