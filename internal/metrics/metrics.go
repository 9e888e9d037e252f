// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for prioq. It deliberately avoids the prometheus/client_golang
// package so embedding the engine adds no metrics dependencies.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Enqueued / Dequeued / Removed / Updated / Snapshots  →  key = "queue"
//	Jobs                                                 →  key = "queue\toutcome"
//	HTTPReqs                                             →  key = "method\tpath\tstatus"
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all prioq engine metrics.
type Registry struct {
	// Entry-level counters.  key = "queue"
	Enqueued  labelCounter
	Dequeued  labelCounter
	Removed   labelCounter // entries dropped by RemoveByValue/RemoveByPriority
	Updated   labelCounter // entries whose priority changed
	Snapshots labelCounter // snapshots persisted

	// Executor counter.  key = "queue\toutcome" with outcome ok|error
	Jobs labelCounter

	// Monitor HTTP counter.  key = "method\tpath\tstatus"
	HTTPReqs labelCounter
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── entry counters ────────────────────────────────────────────────────
		writeFamily(&b, "prioq_entries_enqueued_total",
			"Total entries enqueued", "counter",
			func(fn func(labels, val string)) {
				r.Enqueued.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`queue=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "prioq_entries_dequeued_total",
			"Total entries dequeued", "counter",
			func(fn func(labels, val string)) {
				r.Dequeued.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`queue=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "prioq_entries_removed_total",
			"Total entries removed by value or priority match", "counter",
			func(fn func(labels, val string)) {
				r.Removed.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`queue=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "prioq_priority_updates_total",
			"Total entries whose priority was reassigned", "counter",
			func(fn func(labels, val string)) {
				r.Updated.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`queue=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "prioq_snapshots_total",
			"Total queue snapshots persisted", "counter",
			func(fn func(labels, val string)) {
				r.Snapshots.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`queue=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		// ── executor counter ──────────────────────────────────────────────────
		writeFamily(&b, "prioq_jobs_total",
			"Total owner jobs executed by queue and outcome", "counter",
			func(fn func(labels, val string)) {
				r.Jobs.Each(func(key string, val int64) {
					queue, outcome := splitTwo(key)
					fn(fmt.Sprintf(`queue=%q,outcome=%q`, queue, outcome),
						fmt.Sprintf("%d", val))
				})
			})

		// ── HTTP counter ──────────────────────────────────────────────────────
		writeFamily(&b, "prioq_http_requests_total",
			"Total monitor HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// JobKey builds the label key used by Jobs.
func JobKey(queue, outcome string) string {
	return queue + "\t" + outcome
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}
