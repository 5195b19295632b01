package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Booking plane metrics
	BookingsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stint_bookings_total",
			Help: "Total number of bookings by status",
		},
		[]string{"status"},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stint_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stint_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ReconcileCyclesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stint_reconcile_cycles_skipped_total",
			Help: "Ticks skipped because the previous cycle was still running",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stint_reconcile_duration_seconds",
			Help:    "Duration of reconciliation cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stint_container_starts_total",
			Help: "Session containers started successfully",
		},
	)

	ContainerStartFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stint_container_start_failures_total",
			Help: "Failed session container start attempts",
		},
	)

	ContainerStopsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stint_container_stops_total",
			Help: "Session containers stopped after booking expiry",
		},
	)

	ContainerStopFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stint_container_stop_failures_total",
			Help: "Failed session container stop attempts",
		},
	)

	ReconcileSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stint_reconcile_skipped_total",
			Help: "Bookings skipped during a phase, by reason",
		},
		[]string{"reason"},
	)

	WolPacketsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stint_wol_packets_total",
			Help: "Wake-on-LAN magic packets sent",
		},
	)

	DriftRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stint_drift_repairs_total",
			Help: "Drift reconciliation repairs, by kind",
		},
		[]string{"kind"},
	)

	// Health monitor metrics
	HealthCheckFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stint_health_check_failures_total",
			Help: "Agent health checks that did not return 200",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stint_api_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stint_api_request_duration_seconds",
			Help:    "API request duration by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics with Prometheus
	prometheus.MustRegister(BookingsTotal)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileCyclesSkipped)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ContainerStartsTotal)
	prometheus.MustRegister(ContainerStartFailures)
	prometheus.MustRegister(ContainerStopsTotal)
	prometheus.MustRegister(ContainerStopFailures)
	prometheus.MustRegister(ReconcileSkippedTotal)
	prometheus.MustRegister(WolPacketsTotal)
	prometheus.MustRegister(DriftRepairsTotal)
	prometheus.MustRegister(HealthCheckFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
