package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// SyncRuns outcome: fresh | synced | failed
	SyncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Reconciler sync calls by unit kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of reconciler syncs that reached the remote store",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	RemoteFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_fetch_total",
			Help: "Remote store reads by collection",
		},
		[]string{"collection"},
	)

	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submissions_total",
			Help: "Result submissions by assessment kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	Propagations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propagation_total",
			Help: "Queued unit propagations by outcome",
		},
		[]string{"outcome"},
	)

	PendingWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_writes",
			Help: "Local writes not yet acknowledged by the remote store",
		},
	)

	ReadModelEmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readmodel_emissions_total",
			Help: "Read model snapshots emitted by view and state",
		},
		[]string{"view", "state"},
	)

	WSSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_subscriptions",
			Help: "Active websocket read model subscriptions",
		},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			SyncRuns,
			SyncDuration,
			RemoteFetches,
			Submissions,
			Propagations,
			PendingWrites,
			ReadModelEmissions,
			WSSubscriptions,
		)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
