// Package metrics provides Prometheus instrumentation for the Perch control
// plane.
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
			Namespace: "perch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "perch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ProvisionRunsTotal counts provisioning pipeline runs by result.
	ProvisionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perch",
			Name:      "provision_runs_total",
			Help:      "Total provisioning pipeline runs by result.",
		},
		[]string{"result"},
	)

	// ProvisionStepDuration observes per-step pipeline latency.
	ProvisionStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "perch",
			Name:      "provision_step_duration_seconds",
			Help:      "Provisioning step duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"step"},
	)

	// LifecycleTransitionsTotal counts tenant lifecycle transitions.
	LifecycleTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perch",
			Name:      "lifecycle_transitions_total",
			Help:      "Total tenant lifecycle transitions by kind.",
		},
		[]string{"transition"},
	)

	// WebhookEventsTotal counts billing webhook deliveries by result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perch",
			Name:      "billing_webhook_events_total",
			Help:      "Total billing webhook events by processing result.",
		},
		[]string{"result"},
	)

	// SupervisorCallsTotal counts supervisor agent calls by operation/result.
	SupervisorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perch",
			Name:      "supervisor_calls_total",
			Help:      "Total process supervisor calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// RoutingAttachTotal counts routing attachments by result.
	RoutingAttachTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perch",
			Name:      "routing_attach_total",
			Help:      "Total routing attach operations by result.",
		},
		[]string{"result"},
	)

	// PortsInUse tracks bound port slots.
	PortsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "perch", Name: "ports_in_use",
		Help: "Number of port slots currently bound to tenants.",
	})

	// TenantsByStatus tracks tenants per commercial status.
	TenantsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "perch",
			Name:      "tenants",
			Help:      "Number of tenants by commercial status.",
		},
		[]string{"status"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "perch", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "perch", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "perch", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "perch", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
	// ActiveWebSocketClients tracks connected event-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "perch", Name: "websocket_clients",
		Help: "Number of connected WebSocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProvisionRunsTotal,
		ProvisionStepDuration,
		LifecycleTransitionsTotal,
		WebhookEventsTotal,
		SupervisorCallsTotal,
		RoutingAttachTotal,
		PortsInUse,
		TenantsByStatus,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
		ActiveWebSocketClients,
	)
}

// ObserveSupervisorCall records one supervisor agent call.
func ObserveSupervisorCall(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SupervisorCallsTotal.WithLabelValues(op, result).Inc()
}

// ObserveRoutingAttach records one routing attach outcome.
func ObserveRoutingAttach(ok bool) {
	result := "ok"
	if !ok {
		result = "partial"
	}
	RoutingAttachTotal.WithLabelValues(result).Inc()
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime
// goroutine count into Prometheus gauges. Call in a goroutine; exits when ctx
// is done.
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
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// PortCounter reports bound port slots. Satisfied by fleet.Store.
type PortCounter interface {
	PortsInUse(ctx context.Context) (int, error)
}

// StatusCounter reports tenants per commercial status. Satisfied by
// tenant.Store.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// CollectPlatformStats samples the stores into the platform gauges once.
func CollectPlatformStats(ctx context.Context, ports PortCounter, tenants StatusCounter) error {
	inUse, err := ports.PortsInUse(ctx)
	if err != nil {
		return err
	}
	PortsInUse.Set(float64(inUse))

	counts, err := tenants.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for status, n := range counts {
		TenantsByStatus.WithLabelValues(status).Set(float64(n))
	}
	return nil
}

// StartPlatformStatsCollector periodically samples port usage and tenant
// status counts into Prometheus gauges. Call in a goroutine; exits when ctx
// is done. Sampling errors leave the gauges at their last value.
func StartPlatformStatsCollector(ctx context.Context, ports PortCounter, tenants StatusCounter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = CollectPlatformStats(ctx, ports, tenants)
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
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
