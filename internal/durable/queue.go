package durable

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/metrics"
	"go.uber.org/zap"
)

// JobFunc processes one claimed task.
type JobFunc func(ctx context.Context, task *Task) error

// WorkerQueue polls the substrate for due tasks and dispatches them to
// a bounded pool of workers. Handlers are registered per task kind.
type WorkerQueue struct {
	store   Store
	logger  *logger.Logger
	workers int
	poll    time.Duration
	retry   RetryPolicy

	mu   sync.RWMutex
	jobs map[string]JobFunc

	tasks  chan *Task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorkerQueue creates a worker queue on the given substrate.
func NewWorkerQueue(store Store, log *logger.Logger, workers int) *WorkerQueue {
	if workers <= 0 {
		workers = 10
	}
	return &WorkerQueue{
		store:   store,
		logger:  log.WithFields(zap.String("component", "worker_queue")),
		workers: workers,
		poll:    250 * time.Millisecond,
		retry: RetryPolicy{
			MaxAttempts:        5,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
		},
		jobs:   make(map[string]JobFunc),
		tasks:  make(chan *Task, workers),
		stopCh: make(chan struct{}),
	}
}

// Register installs the handler for a task kind. Must be called before
// Start.
func (q *WorkerQueue) Register(kind string, fn JobFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[kind] = fn
}

// Submit enqueues a task for asynchronous processing.
func (q *WorkerQueue) Submit(ctx context.Context, task *Task) error {
	if err := q.store.Enqueue(ctx, task); err != nil {
		return err
	}
	metrics.ExecQueueDepth.Inc()
	return nil
}

// Start launches the poller and workers.
func (q *WorkerQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.wg.Add(1)
	go q.pollLoop(ctx)
	q.logger.Info("worker queue started", zap.Int("workers", q.workers))
}

// Stop halts polling and waits for in-flight work to finish.
func (q *WorkerQueue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
	q.logger.Info("worker queue stopped")
}

func (q *WorkerQueue) pollLoop(ctx context.Context) {
	defer q.wg.Done()
	defer close(q.tasks)

	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			claimed, err := q.store.Claim(ctx, q.workers)
			if err != nil {
				q.logger.Warn("failed to claim tasks", zap.Error(err))
				continue
			}
			for _, task := range claimed {
				select {
				case q.tasks <- task:
				case <-q.stopCh:
					// Unworked claims come back after the visibility timeout.
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (q *WorkerQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for task := range q.tasks {
		q.process(ctx, task)
	}
}

func (q *WorkerQueue) process(ctx context.Context, task *Task) {
	metrics.ExecQueueDepth.Dec()

	q.mu.RLock()
	fn, ok := q.jobs[task.Kind]
	q.mu.RUnlock()
	if !ok {
		q.logger.Error("no handler for task kind, dropping",
			zap.String("task_id", task.ID),
			zap.String("kind", task.Kind))
		q.ack(ctx, task)
		return
	}

	err := q.runJob(ctx, fn, task)
	if err == nil {
		q.ack(ctx, task)
		return
	}

	if task.Attempts+1 >= q.retry.MaxAttempts {
		q.logger.Error("task failed permanently",
			zap.String("task_id", task.ID),
			zap.String("kind", task.Kind),
			zap.Int("attempts", task.Attempts+1),
			zap.Error(err))
		q.ack(ctx, task)
		return
	}

	delay := q.retry.InitialInterval
	for i := 0; i < task.Attempts; i++ {
		delay = time.Duration(float64(delay) * q.retry.BackoffCoefficient)
	}
	q.logger.Warn("task failed, scheduling retry",
		zap.String("task_id", task.ID),
		zap.String("kind", task.Kind),
		zap.Int("attempt", task.Attempts+1),
		zap.Duration("delay", delay),
		zap.Error(err))

	if nackErr := q.store.Nack(ctx, task.ID, delay); nackErr != nil {
		q.logger.Error("failed to nack task", zap.String("task_id", task.ID), zap.Error(nackErr))
	} else {
		metrics.ExecQueueDepth.Inc()
	}
}

func (q *WorkerQueue) runJob(ctx context.Context, fn JobFunc, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			q.logger.Error("task handler panicked",
				zap.String("task_id", task.ID),
				zap.String("kind", task.Kind),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	return fn(ctx, task)
}

func (q *WorkerQueue) ack(ctx context.Context, task *Task) {
	if err := q.store.Ack(ctx, task.ID); err != nil {
		q.logger.Warn("failed to ack task", zap.String("task_id", task.ID), zap.Error(err))
	}
}
