package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/prioq/internal/executor"
	"github.com/snehjoshi/prioq/internal/metrics"
	"github.com/snehjoshi/prioq/internal/monitor"
	"github.com/snehjoshi/prioq/pkg/engine"
	"github.com/snehjoshi/prioq/pkg/pqueue"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// testCfg returns a default config pointed at a temp dir with the periodic
// snapshot loop disabled, so tests control persistence explicitly.
func testCfg(t *testing.T) *engine.Config {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Engine.DataDir = t.TempDir()
	cfg.Storage.SnapshotInterval = ""
	return cfg
}

func openEngine(t *testing.T, cfg *engine.Config) *engine.Engine {
	t.Helper()
	e, err := engine.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func counters(c interface {
	Each(fn func(key string, val int64))
}) map[string]int64 {
	out := make(map[string]int64)
	c.Each(func(key string, val int64) { out[key] = val })
	return out
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := testCfg(t)
	cfg.Executor.QueueDepth = 0

	_, err := engine.Open(cfg)
	require.Error(t, err)
}

func TestCreate_DuplicateAndInvalidNames(t *testing.T) {
	e := openEngine(t, testCfg(t))

	require.NoError(t, e.Create("jobs"))
	require.ErrorIs(t, e.Create("jobs"), engine.ErrQueueExists)

	for _, bad := range []string{"", "UPPER", "has space", "-leading-hyphen", "a/b"} {
		assert.ErrorIs(t, e.Create(bad), engine.ErrInvalidName, "name %q", bad)
		assert.False(t, engine.ValidName(bad), "name %q", bad)
	}
	assert.True(t, engine.ValidName("ok-queue"))
}

func TestQueues_SortedNames(t *testing.T) {
	e := openEngine(t, testCfg(t))

	require.NoError(t, e.Create("zeta"))
	require.NoError(t, e.Create("alpha"))
	require.NoError(t, e.Create("mid"))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, e.Queues())
}

func TestClose_FailsFollowingOperations(t *testing.T) {
	cfg := testCfg(t)
	e, err := engine.Open(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Enqueue(ctx, "jobs", "a", 1))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close()) // idempotent

	assert.ErrorIs(t, e.Enqueue(ctx, "jobs", "b", 2), engine.ErrClosed)
	_, err = e.Dequeue(ctx, "jobs")
	assert.ErrorIs(t, err, engine.ErrClosed)
	assert.ErrorIs(t, e.Create("other"), engine.ErrClosed)
}

// ─── Queue operations ─────────────────────────────────────────────────────────

func TestEnqueueDequeue_OrdersByAscendingPriority(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	for _, p := range []int64{5, 1, 4, 0} {
		require.NoError(t, e.Enqueue(ctx, "jobs", fmt.Sprintf("task-%d", p), p))
	}

	for _, want := range []int64{0, 1, 4, 5} {
		it, err := e.Dequeue(ctx, "jobs")
		require.NoError(t, err)
		assert.Equal(t, want, it.Priority)
		assert.Equal(t, fmt.Sprintf("task-%d", want), it.Value)
	}

	_, err := e.Dequeue(ctx, "jobs")
	require.ErrorIs(t, err, engine.ErrEmpty)
}

func TestDequeue_UnknownQueue(t *testing.T) {
	e := openEngine(t, testCfg(t))

	_, err := e.Dequeue(context.Background(), "nosuch")
	require.ErrorIs(t, err, engine.ErrQueueNotFound)
}

func TestPeek_DoesNotRemove(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	require.NoError(t, e.Enqueue(ctx, "jobs", "deploy", 30))
	require.NoError(t, e.Enqueue(ctx, "jobs", "page-oncall", 10))

	it, err := e.Peek(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, engine.Item{Value: "page-oncall", Priority: 10}, it)

	n, err := e.Len(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEnqueueBatch_SingleOwnerJob(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	items := []engine.Item{
		{Value: "compact", Priority: 40},
		{Value: "backfill", Priority: 10},
		{Value: "reindex", Priority: 25},
	}
	require.NoError(t, e.EnqueueBatch(ctx, "jobs", items))
	require.NoError(t, e.EnqueueBatch(ctx, "jobs", nil)) // no-op

	n, err := e.Len(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	it, err := e.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "backfill", it.Value)
}

func TestBatch_RunsWithSoleAccess(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	h, err := e.Batch("jobs", func(q *pqueue.Queue[string, int64]) error {
		for i := 0; i < 10; i++ {
			if err := q.Enqueue(fmt.Sprintf("t%d", i), int64(10-i)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())
	require.NoError(t, h.Wait(ctx))

	n, err := e.Len(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestBatch_PropagatesError(t *testing.T) {
	e := openEngine(t, testCfg(t))

	boom := errors.New("boom")
	h, err := e.Batch("jobs", func(q *pqueue.Queue[string, int64]) error { return boom })
	require.NoError(t, err)

	require.ErrorIs(t, h.Wait(context.Background()), boom)
	<-h.Done()
	require.ErrorIs(t, h.Err(), boom)
}

func TestRemoveByValue_RemovesAllMatches(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	require.NoError(t, e.Enqueue(ctx, "jobs", "retry", 10))
	require.NoError(t, e.Enqueue(ctx, "jobs", "keep", 15))
	require.NoError(t, e.Enqueue(ctx, "jobs", "retry", 20))

	removed, err := e.RemoveByValue(ctx, "jobs", "retry")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	it, err := e.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "keep", it.Value)
}

func TestRemoveByPriority_ZeroMatchesIsNoOp(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	require.NoError(t, e.Enqueue(ctx, "jobs", "a", 1))

	removed, err := e.RemoveByPriority(ctx, "jobs", 99)
	require.NoError(t, err)
	assert.Zero(t, removed)

	n, err := e.Len(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdatePriority_MovesHead(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	require.NoError(t, e.Enqueue(ctx, "jobs", "deploy", 30))
	require.NoError(t, e.Enqueue(ctx, "jobs", "page-oncall", 10))
	require.NoError(t, e.Enqueue(ctx, "jobs", "audit", 50))

	changed, err := e.UpdatePriority(ctx, "jobs", "audit", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	it, err := e.Peek(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, engine.Item{Value: "audit", Priority: 5}, it)
}

func TestItems_HeapOrderHeadIsMin(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	require.NoError(t, e.Enqueue(ctx, "jobs", "a", 5))
	require.NoError(t, e.Enqueue(ctx, "jobs", "b", 1))
	require.NoError(t, e.Enqueue(ctx, "jobs", "c", 4))

	items, err := e.Items(ctx, "jobs")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, int64(1), items[0].Priority)
}

func TestClear_ReportsDropped(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Enqueue(ctx, "jobs", fmt.Sprintf("t%d", i), int64(i)))
	}

	dropped, err := e.Clear(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 5, dropped)

	n, err := e.Len(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueue_Throttled(t *testing.T) {
	cfg := testCfg(t)
	cfg.Executor.MaxRate = 1
	cfg.Executor.Burst = 1
	e := openEngine(t, cfg)
	ctx := context.Background()

	require.NoError(t, e.Enqueue(ctx, "jobs", "a", 1))
	err := e.Enqueue(ctx, "jobs", "b", 2)
	require.ErrorIs(t, err, executor.ErrThrottled)
}

func TestEnqueue_ConcurrentProducersDrainSorted(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		base := w * 25
		g.Go(func() error {
			for j := 0; j < 25; j++ {
				p := int64(base + j)
				if err := e.Enqueue(ctx, "jobs", fmt.Sprintf("task-%d", p), p); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	n, err := e.Len(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, 200, n)

	for want := int64(0); want < 200; want++ {
		it, err := e.Dequeue(ctx, "jobs")
		require.NoError(t, err)
		require.Equal(t, want, it.Priority)
	}
}

// ─── Persistence ──────────────────────────────────────────────────────────────

func TestClose_PersistsAndReopenRestores(t *testing.T) {
	cfg := testCfg(t)
	ctx := context.Background()

	e1, err := engine.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e1.Enqueue(ctx, "jobs", "compact", 40))
	require.NoError(t, e1.Enqueue(ctx, "jobs", "backfill", 10))
	require.NoError(t, e1.Enqueue(ctx, "jobs", "reindex", 25))
	require.NoError(t, e1.Close())

	e2 := openEngine(t, cfg)
	assert.Equal(t, []string{"jobs"}, e2.Queues())

	n, err := e2.Len(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	it, err := e2.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, engine.Item{Value: "backfill", Priority: 10}, it)
}

func TestClose_PersistsOnPebbleBackend(t *testing.T) {
	cfg := testCfg(t)
	cfg.Storage.Backend = engine.BackendPebble
	ctx := context.Background()

	e1, err := engine.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e1.Enqueue(ctx, "jobs", "only", 7))
	require.NoError(t, e1.Close())

	e2 := openEngine(t, cfg)
	it, err := e2.Dequeue(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, engine.Item{Value: "only", Priority: 7}, it)
}

func TestDrop_RemovesQueueAndItsSnapshot(t *testing.T) {
	cfg := testCfg(t)
	ctx := context.Background()

	e1, err := engine.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e1.Enqueue(ctx, "keep", "a", 1))
	require.NoError(t, e1.Enqueue(ctx, "gone", "b", 2))
	require.NoError(t, e1.SnapshotAll(ctx))

	require.NoError(t, e1.Drop("gone"))
	require.ErrorIs(t, e1.Drop("gone"), engine.ErrQueueNotFound)
	require.NoError(t, e1.Close())

	e2 := openEngine(t, cfg)
	assert.Equal(t, []string{"keep"}, e2.Queues())
}

func TestSnapshot_ExplicitSingleQueue(t *testing.T) {
	cfg := testCfg(t)
	ctx := context.Background()

	e1, err := engine.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e1.Enqueue(ctx, "jobs", "a", 3))
	require.NoError(t, e1.Snapshot(ctx, "jobs"))

	require.ErrorIs(t, e1.Snapshot(ctx, "nosuch"), engine.ErrQueueNotFound)
	require.NoError(t, e1.Close())

	e2 := openEngine(t, cfg)
	n, err := e2.Len(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// ─── Stats & monitor integration ─────────────────────────────────────────────

func TestStats_TracksDepths(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	require.NoError(t, e.Enqueue(ctx, "alpha", "a", 1))
	require.NoError(t, e.Enqueue(ctx, "alpha", "b", 2))
	require.NoError(t, e.Enqueue(ctx, "beta", "c", 3))

	stats := e.Stats()
	byName := make(map[string]monitor.QueueStats, len(stats))
	for _, s := range stats {
		byName[s.Name] = s
	}
	require.Len(t, byName, 2)
	assert.Equal(t, 2, byName["alpha"].Len)
	assert.Equal(t, 1, byName["beta"].Len)
	assert.GreaterOrEqual(t, byName["alpha"].Cap, byName["alpha"].Len)
}

func TestMonitor_ServesEngineStats(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	require.NoError(t, e.Enqueue(ctx, "alpha", "a", 1))
	require.NoError(t, e.Enqueue(ctx, "alpha", "b", 2))
	require.NoError(t, e.Enqueue(ctx, "beta", "c", 3))

	h := monitor.New(e, nil).Handler()
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Queues       []monitor.QueueStats `json:"queues"`
		TotalEntries int                  `json:"total_entries"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Queues, 2)
	assert.Equal(t, "alpha", resp.Queues[0].Name)
	assert.Equal(t, 2, resp.Queues[0].Len)
	assert.Equal(t, "beta", resp.Queues[1].Name)
	assert.Equal(t, 3, resp.TotalEntries)
}

func TestMetrics_CountsOperations(t *testing.T) {
	cfg := testCfg(t)
	reg := &metrics.Registry{}
	e, err := engine.Open(cfg, engine.WithMetrics(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	require.NoError(t, e.Enqueue(ctx, "jobs", "a", 1))
	require.NoError(t, e.Enqueue(ctx, "jobs", "b", 2))
	_, err = e.Dequeue(ctx, "jobs")
	require.NoError(t, err)

	assert.Equal(t, int64(2), counters(&reg.Enqueued)["jobs"])
	assert.Equal(t, int64(1), counters(&reg.Dequeued)["jobs"])
	assert.Equal(t, int64(3), counters(&reg.Jobs)[metrics.JobKey("jobs", "ok")])
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestRun_StopsOnCancel(t *testing.T) {
	e := openEngine(t, testCfg(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_TakesPeriodicSnapshots(t *testing.T) {
	cfg := testCfg(t)
	cfg.Storage.SnapshotInterval = "50ms"
	reg := &metrics.Registry{}
	e, err := engine.Open(cfg, engine.WithMetrics(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.Enqueue(context.Background(), "jobs", "a", 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return counters(&reg.Snapshots)["jobs"] > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// drain empties a queue and returns the dequeued priorities in order.
func drain(t *testing.T, e *engine.Engine, queue string) []int64 {
	t.Helper()
	ctx := context.Background()
	var out []int64
	for {
		it, err := e.Dequeue(ctx, queue)
		if errors.Is(err, engine.ErrEmpty) {
			return out
		}
		require.NoError(t, err)
		out = append(out, it.Priority)
	}
}

func TestDrain_RoundTripReuse(t *testing.T) {
	e := openEngine(t, testCfg(t))
	ctx := context.Background()

	for _, p := range []int64{9, 3, 7} {
		require.NoError(t, e.Enqueue(ctx, "jobs", fmt.Sprintf("t%d", p), p))
	}
	assert.Equal(t, []int64{3, 7, 9}, drain(t, e, "jobs"))

	// The queue stays usable after being emptied.
	require.NoError(t, e.Enqueue(ctx, "jobs", "again", 1))
	assert.Equal(t, []int64{1}, drain(t, e, "jobs"))
}
