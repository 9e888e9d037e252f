// Package engine is the top-level prioq runtime.
//
// An Engine manages a set of named priority queues. Each queue is an indexed
// min-heap owned by a single executor worker, so every operation on a queue —
// reads included — runs on that queue's own goroutine and the heap itself
// never needs a lock. Queues are persisted as snapshots through a pluggable
// store (bbolt or pebble) and rebuilt from those snapshots on Open.
//
// Data flow:
//
//	Client → Engine.Enqueue  → executor.Owner → pqueue.Queue → (snapshot) store
//	Client → Engine.Dequeue  → executor.Owner → pqueue.Queue
//	Monitor → Engine.Stats   → cached depth counters (no owner round-trip)
//
// All methods are safe for concurrent use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/prioq/internal/config"
	"github.com/snehjoshi/prioq/internal/executor"
	"github.com/snehjoshi/prioq/internal/ids"
	"github.com/snehjoshi/prioq/internal/metrics"
	"github.com/snehjoshi/prioq/internal/monitor"
	"github.com/snehjoshi/prioq/internal/store"
	"github.com/snehjoshi/prioq/internal/store/boltstore"
	"github.com/snehjoshi/prioq/internal/store/pebblestore"
	"github.com/snehjoshi/prioq/pkg/pqueue"
)

// Re-export the configuration types so engine callers don't have to import
// internal/config. Using Go type aliases (=) so engine.Config IS
// config.Config — no conversion needed.
type (
	Config        = config.Config
	MonitorConfig = config.MonitorConfig
	StorageConfig = config.StorageConfig
)

// Re-export the storage backend constants.
const (
	BackendBolt   = config.BackendBolt
	BackendPebble = config.BackendPebble
)

// DefaultConfig returns the canonical default configuration.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a YAML config file and overlays it on the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// ErrEmpty is returned by Dequeue and Peek on an empty queue. It is the
// same sentinel the queue itself uses, re-exported for engine callers.
var ErrEmpty = pqueue.ErrEmpty

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrQueueExists is returned by Create when the name is already taken.
	ErrQueueExists = errors.New("engine: queue already exists")

	// ErrQueueNotFound is returned when an operation names a queue that has
	// never been created (or was dropped).
	ErrQueueNotFound = errors.New("engine: queue not found")

	// ErrInvalidName is returned when a queue name fails validation.
	ErrInvalidName = errors.New("engine: invalid queue name")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("engine: closed")
)

// nameRe validates queue names: 1–64 chars, lowercase letters/digits/hyphens,
// must start with a letter or digit.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

// ValidName reports whether name is a valid queue name.
func ValidName(name string) bool { return nameRe.MatchString(name) }

// ─── Public types ─────────────────────────────────────────────────────────────

// Item is a value/priority pair as seen by engine clients. Lower priority
// dequeues first.
type Item struct {
	Value    string `json:"value"`
	Priority int64  `json:"priority"`
}

// prioQueue is the concrete queue instantiation the engine manages.
type prioQueue = pqueue.Queue[string, int64]

// BatchHandle tracks a batch submitted with Batch until it completes.
type BatchHandle struct {
	job *executor.Job[*prioQueue]
}

// ID returns the batch's job ULID.
func (h *BatchHandle) ID() string { return h.job.ID() }

// Done is closed once the batch has finished running.
func (h *BatchHandle) Done() <-chan struct{} { return h.job.Done() }

// Err returns the batch's result. It is meaningful only after Done is closed.
func (h *BatchHandle) Err() error { return h.job.Err() }

// Wait blocks until the batch finishes or ctx expires. An expired context
// abandons the wait, not the batch.
func (h *BatchHandle) Wait(ctx context.Context) error { return h.job.Wait(ctx) }

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Engine.
type Option func(*Engine)

// WithMetrics replaces the engine-built metrics.Registry, so a caller can
// share one registry across engines or scrape it from its own server.
func WithMetrics(reg *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = reg }
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// managedQueue pairs a queue's owner with cached depth counters so that
// Stats never has to round-trip through the worker goroutine.
type managedQueue struct {
	name  string
	owner *executor.Owner[*prioQueue]

	// Written by the owner goroutine after every job, read by Stats.
	depth    atomic.Int64
	capacity atomic.Int64
}

// Engine wires queues, their owners, the snapshot store, and the monitor
// into a single façade.
type Engine struct {
	cfg   *config.Config
	store store.Store

	// Optional integrations (set via functional options).
	metrics *metrics.Registry

	mu     sync.RWMutex
	queues map[string]*managedQueue // name → queue
	closed bool
}

var _ monitor.StatsSource = (*Engine)(nil)

// Open builds an Engine from cfg: it validates the config, opens the
// snapshot store for the configured backend, and rebuilds every queue that
// has a stored snapshot. Pass nil to run on defaults.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: config: %w", err)
	}
	if err := os.MkdirAll(cfg.Engine.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("engine: create data dir %s: %w", cfg.Engine.DataDir, err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: open %s store: %w", cfg.Storage.Backend, err)
	}

	e := &Engine{
		cfg:    cfg,
		store:  st,
		queues: make(map[string]*managedQueue),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = &metrics.Registry{}
	}

	if err := e.restore(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("engine: restore: %w", err)
	}

	slog.Info("engine open",
		"name", cfg.Engine.Name,
		"backend", string(cfg.Storage.Backend),
		"data_dir", cfg.Engine.DataDir,
		"queues", len(e.queues),
	)
	return e, nil
}

// openStore builds the snapshot store for the configured backend.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendPebble:
		return pebblestore.Open(filepath.Join(cfg.Engine.DataDir, "pebble"))
	default:
		return boltstore.Open(filepath.Join(cfg.Engine.DataDir, "prioq.db"))
	}
}

// restore rebuilds queues from stored snapshots. Queue names that fail
// validation (foreign or hand-edited databases) are skipped, not fatal.
func (e *Engine) restore() error {
	return e.store.ForEach(func(queue string, snap store.Snapshot) error {
		if !nameRe.MatchString(queue) {
			slog.Warn("skipping snapshot with invalid queue name", "queue", queue)
			return nil
		}
		if _, err := e.create(queue, snap.Records); err != nil {
			return fmt.Errorf("rebuild %s: %w", queue, err)
		}
		slog.Info("restored queue", "queue", queue, "entries", len(snap.Records))
		return nil
	})
}

// ─── Queue lifecycle ──────────────────────────────────────────────────────────

// Create explicitly creates an empty queue.
// Returns ErrQueueExists if the name is already taken.
func (e *Engine) Create(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	e.mu.RLock()
	_, exists := e.queues[name]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrQueueExists, name)
	}

	_, err := e.create(name, nil)
	return err
}

// Drop stops a queue's owner, discards its contents, and deletes its stored
// snapshot. Returns ErrQueueNotFound if the queue has never been created.
func (e *Engine) Drop(name string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	mq, ok := e.queues[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	delete(e.queues, name)
	e.mu.Unlock()

	// Release the heap through the owner so single-owner discipline holds,
	// then drain and stop the worker.
	_, _ = mq.owner.Submit(func(q *prioQueue) error { return q.Dispose() })
	mq.owner.Close()

	if err := e.store.Delete(name); err != nil {
		return fmt.Errorf("engine: drop %s: %w", name, err)
	}
	slog.Info("queue dropped", "queue", name)
	return nil
}

// Queues returns a sorted list of all live queue names.
func (e *Engine) Queues() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// get returns the live queue for name, or ErrQueueNotFound.
func (e *Engine) get(name string) (*managedQueue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	mq, ok := e.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return mq, nil
}

// getOrCreate returns the live queue for name, creating it first if needed.
func (e *Engine) getOrCreate(name string) (*managedQueue, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	e.mu.RLock()
	mq, ok := e.queues[name]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return mq, nil
	}
	return e.create(name, nil)
}

// create builds the queue and its owner under the write lock, seeding it
// with records when rebuilding from a snapshot.
func (e *Engine) create(name string, records []store.Record) (*managedQueue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	// Double-check under write lock (avoid TOCTOU between RLock check and WLock).
	if mq, ok := e.queues[name]; ok {
		return mq, nil
	}

	var qopts []pqueue.Option
	if e.cfg.Queue.Guard {
		qopts = append(qopts, pqueue.WithGuard())
	}
	q, err := pqueue.New[string, int64](e.cfg.Queue.InitialCapacity, qopts...)
	if err != nil {
		return nil, fmt.Errorf("engine: create queue %s: %w", name, err)
	}
	for _, r := range records {
		if err := q.Enqueue(r.Value, r.Priority); err != nil {
			_ = q.Dispose()
			return nil, fmt.Errorf("engine: seed queue %s: %w", name, err)
		}
	}

	mq := &managedQueue{
		name: name,
		owner: executor.NewOwner(q, executor.Config{
			QueueDepth: e.cfg.Executor.QueueDepth,
			MaxRate:    float64(e.cfg.Executor.MaxRate),
			Burst:      e.cfg.Executor.Burst,
		}),
	}
	mq.depth.Store(int64(q.Len()))
	mq.capacity.Store(int64(q.Cap()))
	e.queues[name] = mq

	return mq, nil
}

// ─── Queue operations ─────────────────────────────────────────────────────────

// wrap decorates fn to refresh the cached depth counters and count the job
// outcome. The decorated fn runs on the owner goroutine, so reads of q are
// race-free.
func (e *Engine) wrap(mq *managedQueue, fn func(q *prioQueue) error) func(q *prioQueue) error {
	return func(q *prioQueue) error {
		jobErr := fn(q)
		mq.depth.Store(int64(q.Len()))
		mq.capacity.Store(int64(q.Cap()))
		outcome := "ok"
		if jobErr != nil {
			outcome = "error"
		}
		e.metrics.Jobs.Inc(metrics.JobKey(mq.name, outcome))
		return jobErr
	}
}

// submit hands fn to the queue's owner and waits for the result.
func (e *Engine) submit(ctx context.Context, mq *managedQueue, fn func(q *prioQueue) error) error {
	job, err := mq.owner.Submit(e.wrap(mq, fn))
	if err != nil {
		return fmt.Errorf("engine: %s: %w", mq.name, err)
	}
	return job.Wait(ctx)
}

// Batch submits fn to the named queue's owner and returns without waiting,
// creating the queue on first use. fn runs with sole access to the queue;
// no other operation interleaves with it. Completion is observed through
// the returned handle.
func (e *Engine) Batch(queue string, fn func(q *pqueue.Queue[string, int64]) error) (*BatchHandle, error) {
	if fn == nil {
		panic("engine: Batch with nil fn")
	}
	mq, err := e.getOrCreate(queue)
	if err != nil {
		return nil, err
	}
	job, err := mq.owner.Submit(e.wrap(mq, fn))
	if err != nil {
		return nil, fmt.Errorf("engine: %s: %w", mq.name, err)
	}
	return &BatchHandle{job: job}, nil
}

// Enqueue adds value with the given priority to the named queue, creating
// the queue on first use.
func (e *Engine) Enqueue(ctx context.Context, queue, value string, priority int64) error {
	mq, err := e.getOrCreate(queue)
	if err != nil {
		return err
	}
	if err := e.submit(ctx, mq, func(q *prioQueue) error {
		return q.Enqueue(value, priority)
	}); err != nil {
		return err
	}
	e.metrics.Enqueued.Inc(queue)
	return nil
}

// EnqueueBatch adds all items to the named queue in a single owner job, so
// no other operation interleaves with the batch.
func (e *Engine) EnqueueBatch(ctx context.Context, queue string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	mq, err := e.getOrCreate(queue)
	if err != nil {
		return err
	}
	if err := e.submit(ctx, mq, func(q *prioQueue) error {
		if err := q.Reserve(q.Len() + len(items)); err != nil {
			return err
		}
		for _, it := range items {
			if err := q.Enqueue(it.Value, it.Priority); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	e.metrics.Enqueued.Add(queue, int64(len(items)))
	return nil
}

// Dequeue removes and returns the lowest-priority item.
// Returns ErrEmpty when the queue has no entries.
func (e *Engine) Dequeue(ctx context.Context, queue string) (Item, error) {
	mq, err := e.get(queue)
	if err != nil {
		return Item{}, err
	}
	var out Item
	if err := e.submit(ctx, mq, func(q *prioQueue) error {
		ent, err := q.Dequeue()
		if err != nil {
			return err
		}
		out = Item{Value: ent.Value, Priority: ent.Priority}
		return nil
	}); err != nil {
		return Item{}, err
	}
	e.metrics.Dequeued.Inc(queue)
	return out, nil
}

// Peek returns the lowest-priority item without removing it.
// Returns ErrEmpty when the queue has no entries.
func (e *Engine) Peek(ctx context.Context, queue string) (Item, error) {
	mq, err := e.get(queue)
	if err != nil {
		return Item{}, err
	}
	var out Item
	err = e.submit(ctx, mq, func(q *prioQueue) error {
		ent, err := q.Peek()
		if err != nil {
			return err
		}
		out = Item{Value: ent.Value, Priority: ent.Priority}
		return nil
	})
	return out, err
}

// RemoveByValue removes every entry whose value equals value and returns
// how many were removed. Zero removals is not an error.
func (e *Engine) RemoveByValue(ctx context.Context, queue, value string) (int, error) {
	mq, err := e.get(queue)
	if err != nil {
		return 0, err
	}
	var removed int
	if err := e.submit(ctx, mq, func(q *prioQueue) error {
		n, err := q.RemoveByValue(value)
		removed = n
		return err
	}); err != nil {
		return 0, err
	}
	if removed > 0 {
		e.metrics.Removed.Add(queue, int64(removed))
	}
	return removed, nil
}

// RemoveByPriority removes every entry whose priority equals priority and
// returns how many were removed. Zero removals is not an error.
func (e *Engine) RemoveByPriority(ctx context.Context, queue string, priority int64) (int, error) {
	mq, err := e.get(queue)
	if err != nil {
		return 0, err
	}
	var removed int
	if err := e.submit(ctx, mq, func(q *prioQueue) error {
		n, err := q.RemoveByPriority(priority)
		removed = n
		return err
	}); err != nil {
		return 0, err
	}
	if removed > 0 {
		e.metrics.Removed.Add(queue, int64(removed))
	}
	return removed, nil
}

// UpdatePriority repositions every entry whose value equals value to the
// new priority and returns how many entries moved.
func (e *Engine) UpdatePriority(ctx context.Context, queue, value string, priority int64) (int, error) {
	mq, err := e.get(queue)
	if err != nil {
		return 0, err
	}
	var changed int
	if err := e.submit(ctx, mq, func(q *prioQueue) error {
		n, err := q.UpdatePriorityByValue(value, priority)
		changed = n
		return err
	}); err != nil {
		return 0, err
	}
	if changed > 0 {
		e.metrics.Updated.Add(queue, int64(changed))
	}
	return changed, nil
}

// Len returns the number of entries in the named queue.
func (e *Engine) Len(ctx context.Context, queue string) (int, error) {
	mq, err := e.get(queue)
	if err != nil {
		return 0, err
	}
	var n int
	err = e.submit(ctx, mq, func(q *prioQueue) error {
		n = q.Len()
		return nil
	})
	return n, err
}

// Items returns a copy of the queue's contents in internal heap order. Only
// the first item is guaranteed to be the minimum.
func (e *Engine) Items(ctx context.Context, queue string) ([]Item, error) {
	mq, err := e.get(queue)
	if err != nil {
		return nil, err
	}
	var out []Item
	err = e.submit(ctx, mq, func(q *prioQueue) error {
		ents := q.Entries()
		out = make([]Item, len(ents))
		for i, ent := range ents {
			out[i] = Item{Value: ent.Value, Priority: ent.Priority}
		}
		return nil
	})
	return out, err
}

// Clear removes all entries from the named queue, keeping its capacity.
// Returns how many entries were dropped.
func (e *Engine) Clear(ctx context.Context, queue string) (int, error) {
	mq, err := e.get(queue)
	if err != nil {
		return 0, err
	}
	var dropped int
	if err := e.submit(ctx, mq, func(q *prioQueue) error {
		n, err := q.Clear()
		dropped = n
		return err
	}); err != nil {
		return 0, err
	}
	if dropped > 0 {
		e.metrics.Removed.Add(queue, int64(dropped))
	}
	return dropped, nil
}

// ─── Snapshots ────────────────────────────────────────────────────────────────

// Snapshot persists the named queue's current contents to the store.
func (e *Engine) Snapshot(ctx context.Context, queue string) error {
	mq, err := e.get(queue)
	if err != nil {
		return err
	}
	return e.snapshotQueue(ctx, mq)
}

// SnapshotAll persists every live queue. The first error is returned after
// all queues have been attempted.
func (e *Engine) SnapshotAll(ctx context.Context) error {
	e.mu.RLock()
	qs := make([]*managedQueue, 0, len(e.queues))
	for _, mq := range e.queues {
		qs = append(qs, mq)
	}
	e.mu.RUnlock()

	var firstErr error
	for _, mq := range qs {
		if err := e.snapshotQueue(ctx, mq); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// snapshotQueue captures and saves one queue's contents inside its owner
// job, so the snapshot is consistent without stopping other queues.
func (e *Engine) snapshotQueue(ctx context.Context, mq *managedQueue) error {
	err := e.submit(ctx, mq, func(q *prioQueue) error {
		id, err := ids.New()
		if err != nil {
			return err
		}
		ents := q.Entries()
		records := make([]store.Record, len(ents))
		for i, ent := range ents {
			records[i] = store.Record{Value: ent.Value, Priority: ent.Priority}
		}
		return e.store.Save(store.Snapshot{
			ID:      id,
			Queue:   mq.name,
			TakenAt: time.Now().UnixMilli(),
			Records: records,
		})
	})
	if err != nil {
		return fmt.Errorf("engine: snapshot %s: %w", mq.name, err)
	}
	e.metrics.Snapshots.Inc(mq.name)
	return nil
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// Stats returns a point-in-time view of every queue from the cached depth
// counters. It never blocks on queue owners, so the monitor can poll it
// every second without stealing worker time.
func (e *Engine) Stats() []monitor.QueueStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]monitor.QueueStats, 0, len(e.queues))
	for _, mq := range e.queues {
		out = append(out, monitor.QueueStats{
			Name: mq.name,
			Len:  int(mq.depth.Load()),
			Cap:  int(mq.capacity.Load()),
		})
	}
	return out
}

// ─── Run / Close ──────────────────────────────────────────────────────────────

// Run blocks until ctx is cancelled, supervising the periodic snapshot loop
// and, when enabled, the monitor HTTP server. It returns the first
// supervisor error, or nil on a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if every := e.cfg.Storage.SnapshotEvery(); every > 0 {
		g.Go(func() error { return e.snapshotLoop(ctx, every) })
	}

	if e.cfg.Monitor.Enabled {
		srv := monitor.New(e, e.metrics)
		addr := e.cfg.Monitor.Addr()
		g.Go(func() error {
			slog.Info("monitor listening", "addr", addr)
			if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// snapshotLoop persists all queues every interval until ctx is cancelled.
func (e *Engine) snapshotLoop(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.SnapshotAll(ctx); err != nil {
				slog.Warn("periodic snapshot failed", "err", err)
			}
		}
	}
}

// Close snapshots every queue, drains and stops all owners, and closes the
// store. It is idempotent; operations after Close return ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	qs := make([]*managedQueue, 0, len(e.queues))
	for _, mq := range e.queues {
		qs = append(qs, mq)
	}
	e.queues = make(map[string]*managedQueue)
	e.mu.Unlock()

	ctx := context.Background()
	var firstErr error
	for _, mq := range qs {
		if err := e.snapshotQueue(ctx, mq); err != nil && firstErr == nil {
			firstErr = err
		}
		mq.owner.Close()
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	slog.Info("engine closed", "name", e.cfg.Engine.Name, "queues", len(qs))
	return firstErr
}
