package worker

import (
	"context"
	"fmt"
	"sync"

	"dvermarket/catalogworker/logger"
)

// Task is one unit of work executed by the pool. The context it receives
// is the pool's lifetime; tasks should stop when it is cancelled.
type Task func(ctx context.Context)

// Pool is a bounded worker pool. Jobs are queued and executed by a fixed
// number of workers, keeping scrape and import runs off the request path.
type Pool struct {
	tasks   chan Task
	size    int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.Mutex
	log     *logger.Logger
}

func NewPool(size, queueSize int) *Pool {
	if size <= 0 {
		size = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		tasks:  make(chan Task, queueSize),
		size:   size,
		ctx:    ctx,
		cancel: cancel,
		log:    logger.ForWorker(),
	}
}

// Start launches the workers. Starting an already running pool is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.running = true
	p.log.Info().Int("workers", p.size).Msg("worker pool started")
}

// Stop cancels the pool context and waits for the workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	close(p.tasks)
	p.wg.Wait()

	p.log.Info().Msg("worker pool stopped")
}

// Submit queues a task for execution. It fails when the pool is not
// running, shutting down, or the queue is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool is not running")
	}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	default:
		return fmt.Errorf("task queue is full")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.log.Debug().Int("worker_id", id).Msg("worker started")

	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				p.log.Debug().Int("worker_id", id).Msg("worker stopping")
				return
			}
			task(p.ctx)
		case <-p.ctx.Done():
			p.log.Debug().Int("worker_id", id).Msg("worker cancelled")
			return
		}
	}
}
