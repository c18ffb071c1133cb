// Package jobs provides the bounded worker pools that run background work
// for each subsystem (sync, graph validation, clone batches).
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Job is one unit of background work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
	// Done receives the outcome, including a recovered panic as an error.
	Done func(err error)
}

// Executor accepts jobs. Submit reports false when the job was not queued.
type Executor interface {
	Submit(job Job) bool
}

// Config configures a pool.
type Config struct {
	Name      string
	Workers   int
	QueueSize int
}

// Pool is a fixed set of goroutines reading a buffered queue. Jobs are not
// cancellable; Close stops intake and waits for the queue to drain.
type Pool struct {
	name string
	log  zerolog.Logger
	jobs chan Job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Name        string `json:"name"`
	QueueLength int    `json:"queue_length"`
	Submitted   int64  `json:"submitted"`
	Completed   int64  `json:"completed"`
	Failed      int64  `json:"failed"`
}

// NewPool starts cfg.Workers goroutines.
func NewPool(cfg Config, log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	p := &Pool{
		name: cfg.Name,
		log:  log.With().Str("pool", cfg.Name).Logger(),
		jobs: make(chan Job, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues job, blocking while the queue is full. It returns false
// once the pool is closed.
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.jobs <- job
	p.submitted.Add(1)
	return true
}

// Close stops intake and waits for queued jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:        p.name,
		QueueLength: len(p.jobs),
		Submitted:   p.submitted.Load(),
		Completed:   p.completed.Load(),
		Failed:      p.failed.Load(),
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		err := p.run(job)
		if err != nil {
			p.failed.Add(1)
			p.log.Error().Err(err).Str("job", job.Name).Msg("job failed")
		} else {
			p.completed.Add(1)
		}
		if job.Done != nil {
			job.Done(err)
		}
	}
}

func (p *Pool) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("job", job.Name).Str("stack", string(debug.Stack())).Msg("job panicked")
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(context.Background())
}
