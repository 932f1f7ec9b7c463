// Package metrics provides Prometheus instrumentation for the Sentinel engine
// and its HTTP surface.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sentinel/internal/events"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts admission decisions by operation and outcome.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "decisions_total",
			Help:      "Admission decisions by operation type and outcome (ALLOWED or deny reason).",
		},
		[]string{"operation", "outcome"},
	)

	// AdmitDuration observes time spent inside Admit.
	AdmitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Name:      "admit_duration_seconds",
		Help:      "Latency of a single admission decision.",
		Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05, .25},
	})

	// BlockEventsTotal counts recorded block events by reason.
	BlockEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "block_events_total",
			Help:      "Recorded block events by reason.",
		},
		[]string{"reason"},
	)

	// AnomaliesTotal counts anomaly classifications by kind.
	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "anomalies_total",
			Help:      "Anomaly classifications by kind.",
		},
		[]string{"kind"},
	)

	// BansTotal counts bans created by origin (auto or manual).
	BansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "bans_total",
			Help:      "Permanent bans created.",
		},
		[]string{"origin"},
	)

	// StorageErrorsTotal counts failed or short-circuited durable calls.
	StorageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "engine",
			Name:      "storage_errors_total",
			Help:      "Durable store calls that failed, timed out or were rejected by an open circuit.",
		},
		[]string{"dependency"},
	)

	// AnalysisDroppedTotal counts background analyses skipped because every
	// worker slot was busy or the engine was closed.
	AnalysisDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "engine",
		Name:      "analysis_dropped_total",
		Help:      "Post-admission analyses skipped for lack of a free worker or after close.",
	})

	// TrackedCounters is the number of live window counters.
	TrackedCounters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Name:      "tracked_counters",
		Help:      "Live (identity, operation) window counters.",
	})

	// SweepEvictionsTotal counts idle state removed by the sweeper.
	SweepEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "sweep_evictions_total",
			Help:      "Idle in-memory or durable records removed by the sweeper.",
		},
		[]string{"kind"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// RedisTotalConns tracks connections in the Redis pool.
	RedisTotalConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "redis_pool_connections",
		Help: "Connections currently held by the Redis pool.",
	})
	// RedisPoolTimeouts tracks Redis pool wait timeouts.
	RedisPoolTimeouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "redis_pool_timeouts_total",
		Help: "Times a caller timed out waiting for a Redis connection.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		AdmitDuration,
		BlockEventsTotal,
		AnomaliesTotal,
		BansTotal,
		StorageErrorsTotal,
		AnalysisDroppedTotal,
		TrackedCounters,
		SweepEvictionsTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		RedisTotalConns,
		RedisPoolTimeouts,
		GoroutineCount,
	)
}

// BlockObserver counts block notifications by reason.
func BlockObserver() events.Observer {
	return events.ObserverFunc(func(_ context.Context, ev events.BlockObserved) {
		BlockEventsTotal.WithLabelValues(ev.Reason).Inc()
	})
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
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
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// StartRedisStatsCollector samples the Redis pool. Exits when ctx is done.
func StartRedisStatsCollector(ctx context.Context, rdb *redis.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps := rdb.PoolStats()
			RedisTotalConns.Set(float64(ps.TotalConns))
			RedisPoolTimeouts.Set(float64(ps.Timeouts))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
