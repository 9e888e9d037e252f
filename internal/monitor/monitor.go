// Package monitor exposes the read-only observability surface of a prioq
// engine: liveness, per-queue statistics, Prometheus metrics, and a
// WebSocket feed that pushes stats frames for dashboards.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET /healthz
//	GET /v1/stats
//	GET /v1/live
//	GET /metrics
//
// Live feed frame (server → client, one per second):
//
//	{"type":"stats","at":1724567890123,"queues":[{"name":"jobs","len":3,"cap":64}]}
//
// Clients never send data frames; the read side exists only to detect the
// close handshake.
package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/prioq/internal/metrics"
)

// ─── Stats types ─────────────────────────────────────────────────────────────

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Name string `json:"name"`
	Len  int    `json:"len"`
	Cap  int    `json:"cap"`
}

// StatsSource supplies queue statistics for /v1/stats and the live feed.
// The engine satisfies it; tests use stubs.
type StatsSource interface {
	Stats() []QueueStats
}

// statsResponse is the body of GET /v1/stats.
type statsResponse struct {
	Queues       []QueueStats `json:"queues"`
	TotalEntries int          `json:"total_entries"`
	At           int64        `json:"at"` // unix millis
}

// liveFrame is the JSON frame pushed to live-feed clients.
type liveFrame struct {
	Type   string       `json:"type"` // "stats"
	At     int64        `json:"at"`
	Queues []QueueStats `json:"queues"`
}

// ─── Server ──────────────────────────────────────────────────────────────────

// Server wraps the stdlib HTTP server with monitor route wiring.
type Server struct {
	inner *http.Server
}

// New builds a monitor Server over a stats source and a metrics registry.
// reg may be nil, in which case /metrics is not mounted and request
// counting is skipped. The caller owns ListenAndServe / Shutdown.
func New(src StatsSource, reg *metrics.Registry) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /v1/stats", func(w http.ResponseWriter, _ *http.Request) {
		queues := sortedStats(src)
		total := 0
		for _, q := range queues {
			total += q.Len
		}
		writeJSON(w, http.StatusOK, statsResponse{
			Queues:       queues,
			TotalEntries: total,
			At:           time.Now().UnixMilli(),
		})
	})

	mux.Handle("GET /v1/live", &liveHandler{src: src})

	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	var handler http.Handler = mux
	handler = chain(handler,
		loggingMiddleware,
		metricsMiddleware(reg),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. "127.0.0.1:9610").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

// sortedStats snapshots the source and orders queues by name so responses
// are stable across calls.
func sortedStats(src StatsSource) []QueueStats {
	queues := src.Stats()
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues
}

// ─── Live feed ───────────────────────────────────────────────────────────────

// liveInterval is how often the live feed pushes a stats frame.
const liveInterval = time.Second

// urlParse is an alias so the upgrader closure can call it without shadowing
// the url package import.
var urlParse = url.Parse

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic).  Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := urlParse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// liveHandler serves the WebSocket stats feed.
type liveHandler struct {
	src StatsSource
}

// ServeHTTP upgrades the connection and starts the push loop. A first frame
// is written immediately so dashboards render without waiting for a tick.
func (h *liveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("live feed upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Drain the client side so the close handshake is noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.push(conn); err != nil {
		return
	}

	ticker := time.NewTicker(liveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return // client disconnected
		case <-ticker.C:
			if err := h.push(conn); err != nil {
				return
			}
		}
	}
}

func (h *liveHandler) push(conn *gorillaws.Conn) error {
	frame := liveFrame{
		Type:   "stats",
		At:     time.Now().UnixMilli(),
		Queues: sortedStats(h.src),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(gorillaws.TextMessage, data)
}

// ─── Middleware ──────────────────────────────────────────────────────────────

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the wrapped writer; the live-feed WebSocket upgrade
// has to reach the underlying connection through the middleware chain.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("monitor: response writer does not support hijacking")
	}
	return h.Hijack()
}

// loggingMiddleware logs method, path, status, and duration for every request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Info("monitor",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// metricsMiddleware counts every request by method, path, and status.
// With a nil registry it is a pass-through.
func metricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if reg == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			reg.HTTPReqs.Inc(metrics.HTTPKey(r.Method, r.URL.Path, fmt.Sprintf("%d", wrapped.status)))
		})
	}
}

// chain composes a slice of middleware around the given handler (first = outermost).
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
