// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts fused decisions by category and band.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "decisions_total",
			Help:      "Total risk decisions by category and band.",
		},
		[]string{"category", "band"},
	)

	// DecisionDuration observes end-to-end scoring latency.
	DecisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "decision_duration_seconds",
		Help:      "Time to fan out, fuse and decide one request.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// SignalDuration observes per-source detection latency.
	SignalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "signal",
			Name:      "duration_seconds",
			Help:      "Signal source detection latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
		[]string{"source"},
	)

	// SignalFailuresTotal counts signals treated as absent.
	SignalFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "signal",
			Name:      "failures_total",
			Help:      "Signal sources that failed and were treated as absent, by kind.",
		},
		[]string{"source", "kind"}, // "error", "timeout", "panic"
	)

	// AuditWritesTotal counts audit writes by result.
	AuditWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "audit_writes_total",
			Help:      "Total audit record writes by result.",
		},
		[]string{"result"},
	)

	// CacheRequestsTotal counts cache lookups by layer and result.
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "cache_requests_total",
			Help:      "Cache lookups by layer (l1, l2) and result (hit, miss).",
		},
		[]string{"layer", "result"},
	)

	// BusMessagesTotal counts event bus publishes and deliveries.
	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "bus_messages_total",
			Help:      "Event bus messages by topic and outcome.",
		},
		[]string{"topic", "outcome"},
	)

	// TaxonomyReloadsTotal counts taxonomy reload attempts.
	TaxonomyReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "taxonomy_reloads_total",
			Help:      "Taxonomy reload attempts by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		DecisionDuration,
		SignalDuration,
		SignalFailuresTotal,
		AuditWritesTotal,
		CacheRequestsTotal,
		BusMessagesTotal,
		TaxonomyReloadsTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count into
// gauges until ctx is done. Call in a goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(ww.Status())).Inc()
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into classes.
func statusBucket(code int) string {
	if code == 0 {
		code = http.StatusOK
	}
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
