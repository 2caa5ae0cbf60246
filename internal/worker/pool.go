package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is a unit of work. It returns an error to request a retry.
type Task func(ctx context.Context) error

// Pool runs tasks on a fixed set of worker goroutines with a bounded queue.
// A full queue rejects submissions instead of blocking the producer.
type Pool struct {
	workers    int
	maxRetries int
	retryDelay time.Duration
	tasks      chan Task
	logger     zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithQueueCapacity sets the size of the task queue.
func WithQueueCapacity(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.tasks = make(chan Task, n)
		}
	}
}

// WithMaxRetries sets how many times a failing task is retried before it is
// dropped.
func WithMaxRetries(n int) PoolOption {
	return func(p *Pool) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryDelay sets the pause between retries of a failing task.
func WithRetryDelay(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// NewPool creates a Pool with the given number of workers.
func NewPool(workers int, logger zerolog.Logger, opts ...PoolOption) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		workers:    workers,
		maxRetries: 3,
		retryDelay: time.Second,
		tasks:      make(chan Task, 16),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}
}

// Stop signals the workers to exit and waits for them to finish. Queued
// tasks that have not started are abandoned.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	close(p.tasks)
	p.wg.Wait()
}

// Submit queues a task. It returns false when the queue is full.
func (p *Pool) Submit(task Task) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// QueueLength returns the number of tasks waiting to run.
func (p *Pool) QueueLength() int {
	return len(p.tasks)
}

func (p *Pool) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runWithRetry(ctx, task)
		}
	}
}

func (p *Pool) runWithRetry(ctx context.Context, task Task) {
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retryDelay):
			}
		}
		if err = task(ctx); err == nil {
			return
		}
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("task failed")
	}
	p.logger.Error().Err(err).Msg("task dropped after max retries")
}
