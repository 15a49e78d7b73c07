package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/andrej220/vwt/pkg/lg"
)

const TotalMaxWorkers = 10

var ErrPoolStopped = errors.New("worker pool is stopped")

type JobFunc[T any] func(ctx context.Context, payload T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs jobs on a fixed number of workers. Submit blocks while every worker is
// busy, so the number of jobs in flight never exceeds the pool size no matter how
// many callers share it.
type Pool[T any] struct {
	jobs          chan Job[T]
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	stopOnce      sync.Once
	maxWorkers    int
	logger        lg.Logger
}

func NewPool[T any](maxWorkers int, logger lg.Logger) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	pool := &Pool[T]{
		jobs:       make(chan Job[T]),
		quit:       make(chan struct{}),
		maxWorkers: maxWorkers,
		logger:     lg.OrDiscard(logger),
	}
	pool.wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go pool.worker()
	}
	return pool
}

// Stop lets running jobs finish and rejects new ones.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}

// Submit hands job to a free worker. When the job cannot be accepted, because the
// pool was stopped or job.Ctx ended first, its CleanupFunc still runs and the
// reason is returned.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	select {
	case <-p.quit:
		p.reject(job)
		return ErrPoolStopped
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	case <-p.quit:
		p.reject(job)
		return ErrPoolStopped
	case <-job.Ctx.Done():
		p.reject(job)
		return job.Ctx.Err()
	}
}

func (p *Pool[T]) reject(job Job[T]) {
	p.logger.Debug("job rejected", lg.Any("job", job.Payload))
	if job.CleanupFunc != nil {
		job.CleanupFunc()
	}
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.run(job)
		case <-p.quit:
			return
		}
	}
}

func (p *Pool[T]) run(job Job[T]) {
	active := atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()
	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))
	logger.Debug("worker started", lg.Int32("workers", active))

	if err := job.Fn(job.Ctx, job.Payload); err != nil {
		logger.Debug("worker finished with error", lg.Err(err))
		return
	}
	logger.Debug("worker finished")
}

// RunAll runs fn for every payload and waits for all of them. Payloads that could
// not be submitted are returned.
func (p *Pool[T]) RunAll(ctx context.Context, payloads []T, fn JobFunc[T]) []T {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var skipped []T
	for _, payload := range payloads {
		wg.Add(1)
		err := p.Submit(Job[T]{
			Payload:     payload,
			Fn:          fn,
			Ctx:         ctx,
			CleanupFunc: wg.Done,
		})
		if err != nil {
			mu.Lock()
			skipped = append(skipped, payload)
			mu.Unlock()
		}
	}
	wg.Wait()
	return skipped
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) Size() int {
	return p.maxWorkers
}
