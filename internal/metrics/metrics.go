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
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ScreeningsTotal counts completed screenings by risk level.
	ScreeningsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "screening",
		Name:      "total",
		Help:      "Total screenings by risk level.",
	}, []string{"level"})

	// ScreeningsBlocked counts screenings that should be blocked.
	ScreeningsBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "screening",
		Name:      "blocked_total",
		Help:      "Total screenings with a block decision.",
	})

	// EvaluationDuration observes rule chain latency.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Subsystem: "rules",
		Name:      "evaluation_duration_seconds",
		Help:      "Rule chain evaluation latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// RuleTriggers counts triggered rules by kind.
	RuleTriggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "rules",
		Name:      "triggered_total",
		Help:      "Total triggered rules by kind.",
	}, []string{"kind"})

	// RuleIndeterminate counts rules that could not complete.
	RuleIndeterminate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "rules",
		Name:      "indeterminate_total",
		Help:      "Total rule evaluations that failed and were excluded from scoring.",
	}, []string{"kind"})

	// ResolverTier counts IP resolutions by source tier.
	ResolverTier = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "intel",
		Name:      "resolutions_total",
		Help:      "Total IP resolutions by source tier.",
	}, []string{"tier"})

	// LookupFailures counts failed external lookups by reason.
	LookupFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "intel",
		Name:      "lookup_failures_total",
		Help:      "Total failed external IP lookups by reason.",
	}, []string{"reason"}) // "timeout", "status", "decode", "network", "incomplete"

	// LookupDuration observes external lookup latency.
	LookupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Subsystem: "intel",
		Name:      "lookup_duration_seconds",
		Help:      "External IP lookup latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// CacheLookups counts cache reads by layer and result.
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Total cache reads by layer and result.",
	}, []string{"layer", "result"}) // layer: "memory", "redis"; result: "hit", "miss", "expired"

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
		ScreeningsTotal,
		ScreeningsBlocked,
		EvaluationDuration,
		RuleTriggers,
		RuleIndeterminate,
		ResolverTier,
		LookupFailures,
		LookupDuration,
		CacheLookups,
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

		// Route pattern, not the raw path, to bound label cardinality.
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, route, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into classes (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
