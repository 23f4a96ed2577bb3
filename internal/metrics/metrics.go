// Package metrics provides Prometheus instrumentation for the settlement core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veilmarket",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "veilmarket",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LedgerEntriesTotal counts wallet ledger entries by type.
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veilmarket",
			Name:      "ledger_entries_total",
			Help:      "Total wallet ledger entries recorded by type.",
		},
		[]string{"type"},
	)

	// EscrowsTotal counts escrow transitions by final status.
	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veilmarket",
			Name:      "escrows_total",
			Help:      "Total escrow transitions by status.",
		},
		[]string{"status"},
	)

	// DisputesTotal counts dispute resolutions by resolution kind.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veilmarket",
			Name:      "disputes_total",
			Help:      "Total disputes resolved by resolution.",
		},
		[]string{"resolution"},
	)

	// CheckoutsTotal counts checkout sessions by outcome.
	CheckoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veilmarket",
			Name:      "checkouts_total",
			Help:      "Total checkout sessions by outcome.",
		},
		[]string{"outcome"},
	)

	// TokensRedeemedTotal counts browsing token redemptions by result.
	TokensRedeemedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veilmarket",
			Name:      "tokens_redeemed_total",
			Help:      "Total browsing token redemption attempts by result.",
		},
		[]string{"result"},
	)

	// PageViewsDebitedTotal counts page views charged against sessions.
	PageViewsDebitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "veilmarket",
			Name:      "page_views_debited_total",
			Help:      "Total page views charged against browsing balances.",
		},
	)

	// ActiveBrowsingSessions tracks currently valid browsing sessions.
	ActiveBrowsingSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "veilmarket",
			Name:      "active_browsing_sessions",
			Help:      "Number of currently valid browsing sessions.",
		},
	)

	// ActiveEventClients tracks connected event stream clients.
	ActiveEventClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "veilmarket",
			Name:      "active_event_clients",
			Help:      "Number of connected WebSocket event stream clients.",
		},
	)

	// FrozenAccounts tracks accounts frozen by reconciliation.
	FrozenAccounts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "veilmarket",
			Name:      "frozen_accounts",
			Help:      "Number of accounts frozen after a ledger replay divergence.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veilmarket", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veilmarket", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veilmarket", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veilmarket", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veilmarket", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veilmarket", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// --- Escrow metrics (extended) ---

	EscrowHeldTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veilmarket",
		Name:      "escrow_held_total",
		Help:      "Total escrows opened (funds moved into the escrow pool).",
	})

	EscrowReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veilmarket",
		Name:      "escrow_released_total",
		Help:      "Total escrows released to sellers.",
	})

	EscrowRefundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veilmarket",
		Name:      "escrow_refunded_total",
		Help:      "Total escrows refunded to buyers.",
	})

	EscrowAutoReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veilmarket",
		Name:      "escrow_auto_released_total",
		Help:      "Total escrows auto-released by the sweeper after the hold window.",
	})

	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veilmarket",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow hold to terminal status in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800, 1209600},
	})

	// --- Sweeper metrics ---

	SweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veilmarket",
		Name:      "sweep_runs_total",
		Help:      "Total background sweep passes completed.",
	})

	SweepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veilmarket",
		Name:      "sweep_errors_total",
		Help:      "Total errors encountered during background sweeps.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerEntriesTotal,
		EscrowsTotal,
		DisputesTotal,
		CheckoutsTotal,
		TokensRedeemedTotal,
		PageViewsDebitedTotal,
		ActiveBrowsingSessions,
		ActiveEventClients,
		FrozenAccounts,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		EscrowHeldTotal,
		EscrowReleasedTotal,
		EscrowRefundedTotal,
		EscrowAutoReleasedTotal,
		EscrowDuration,
		SweepRunsTotal,
		SweepErrorsTotal,
	)
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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
