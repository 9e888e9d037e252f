// Package executor serialises all access to a single resource through one
// worker goroutine.
//
// Usage:
//
//	own := executor.NewOwner(q, executor.DefaultConfig())
//	job, err := own.Submit(func(q *pqueue.Queue[string, int64]) error {
//	    return q.Enqueue("deploy", 2)
//	})
//	...
//	err = job.Wait(ctx)
//
// After NewOwner returns, the worker holds the only reference that touches
// the resource. Jobs submitted from any goroutine run one at a time, in
// submission order. An accepted job always runs to completion: there is no
// cancellation surface, and Wait abandons the waiting, never the job.
//
// All methods are safe for concurrent use.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/prioq/internal/ids"
)

var (
	// ErrClosed is returned by Submit after Close has begun.
	ErrClosed = errors.New("executor: owner is closed")

	// ErrBacklog is returned by Submit when the job buffer is full.
	ErrBacklog = errors.New("executor: job backlog is full")

	// ErrThrottled is returned by Submit when the intake rate limit is hit.
	ErrThrottled = errors.New("executor: submission rate exceeded")
)

// Config controls an Owner's intake behaviour.
type Config struct {
	// QueueDepth is how many accepted jobs may wait for the worker before
	// Submit starts refusing with ErrBacklog.
	QueueDepth int

	// MaxRate caps accepted jobs per second. Zero disables the throttle.
	MaxRate float64

	// Burst allows temporary spikes above MaxRate. Ignored when MaxRate
	// is zero.
	Burst int
}

// DefaultConfig returns the config used when callers have no opinion.
func DefaultConfig() Config {
	return Config{QueueDepth: 256}
}

// Job is one unit of work accepted by an Owner.
type Job[R any] struct {
	id   string
	fn   func(R) error
	done chan struct{}
	err  error // written by the worker before done is closed
}

// ID returns the job's ULID.
func (j *Job[R]) ID() string { return j.id }

// Done is closed once the job has finished running.
func (j *Job[R]) Done() <-chan struct{} { return j.done }

// Err returns the job's result. It is meaningful only after Done is closed.
// A job whose fn panicked reports the panic as an error.
func (j *Job[R]) Err() error { return j.err }

// Wait blocks until the job finishes or ctx expires. An expired context
// abandons only the waiting; the job itself still runs to completion.
func (j *Job[R]) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Owner owns a resource of type R and executes submitted jobs against it.
type Owner[R any] struct {
	res     R
	jobs    chan *Job[R]
	limiter *rate.Limiter                 // nil when MaxRate is zero
	pending *xsync.MapOf[string, *Job[R]] // id → job until completion

	mu     sync.Mutex // guards closed and the send into jobs
	closed bool

	wg sync.WaitGroup
}

// NewOwner takes ownership of res and starts the worker goroutine.
// The caller must not touch res directly afterwards.
func NewOwner[R any](res R, cfg Config) *Owner[R] {
	depth := cfg.QueueDepth
	if depth < 1 {
		depth = DefaultConfig().QueueDepth
	}

	o := &Owner[R]{
		res:     res,
		jobs:    make(chan *Job[R], depth),
		pending: xsync.NewMapOf[string, *Job[R]](),
	}
	if cfg.MaxRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), cfg.Burst)
	}

	o.wg.Add(1)
	go o.run()
	return o
}

// Submit queues fn for execution and returns its handle. fn must not be nil.
func (o *Owner[R]) Submit(fn func(R) error) (*Job[R], error) {
	if fn == nil {
		panic("executor: Submit with nil fn")
	}
	if o.limiter != nil && !o.limiter.Allow() {
		return nil, ErrThrottled
	}

	id, err := ids.New()
	if err != nil {
		return nil, fmt.Errorf("executor: job id: %w", err)
	}
	job := &Job[R]{id: id, fn: fn, done: make(chan struct{})}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	// Register before handing over so a completed job is never missing from
	// a Lookup that raced the worker.
	o.pending.Store(id, job)
	select {
	case o.jobs <- job:
	default:
		o.pending.Delete(id)
		o.mu.Unlock()
		return nil, ErrBacklog
	}
	o.mu.Unlock()

	return job, nil
}

// Lookup returns the handle of a job that has not finished yet.
func (o *Owner[R]) Lookup(id string) (*Job[R], bool) {
	return o.pending.Load(id)
}

// Pending returns the number of accepted jobs that have not finished,
// including the one currently running.
func (o *Owner[R]) Pending() int {
	return o.pending.Size()
}

// Close stops intake, runs every already-accepted job to completion, and
// waits for the worker to exit. Close is idempotent.
func (o *Owner[R]) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.wg.Wait()
		return
	}
	o.closed = true
	close(o.jobs)
	o.mu.Unlock()

	o.wg.Wait()
}

// ─── worker goroutine ─────────────────────────────────────────────────────────

func (o *Owner[R]) run() {
	defer o.wg.Done()
	for job := range o.jobs {
		o.runJob(job)
	}
}

// runJob executes one job, converting a panic in fn into the job's error so
// a bad closure cannot take the worker (and every queued job) down with it.
func (o *Owner[R]) runJob(job *Job[R]) {
	defer func() {
		if r := recover(); r != nil {
			job.err = fmt.Errorf("executor: job %s panicked: %v", job.id, r)
		}
		o.pending.Delete(job.id)
		close(job.done)
	}()
	job.err = job.fn(o.res)
}
