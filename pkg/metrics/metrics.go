package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Orchestrator cycle metrics
	OrchestrationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_orchestration_cycles_total",
			Help: "Total number of orchestration passes by ring kind and outcome",
		},
		[]string{"ring_kind", "outcome"},
	)

	OrchestrationCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ringmaster_orchestration_cycle_duration_seconds",
			Help:    "Time taken for one orchestration pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"ring_kind"},
	)

	RebalancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_rebalances_total",
			Help: "Total number of builder rebalance operations by ring kind",
		},
		[]string{"ring_kind"},
	)

	PartsMovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_parts_moved_total",
			Help: "Total number of partitions moved by rebalance operations",
		},
		[]string{"ring_kind"},
	)

	RingBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ringmaster_ring_balance",
			Help: "Last observed builder balance percentage by ring kind",
		},
		[]string{"ring_kind"},
	)

	DeviceWeightShift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ringmaster_device_weight_shift",
			Help: "Weight shift applied to a device on the last adjust step",
		},
		[]string{"ring_kind", "device_id"},
	)

	DispersionPctFound = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ringmaster_dispersion_pct_found",
			Help: "Last observed dispersion report pct_found by ring kind",
		},
		[]string{"ring_kind"},
	)

	DispersionGateFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_dispersion_gate_failures_total",
			Help: "Total number of orchestration passes skipped by the dispersion gate",
		},
		[]string{"ring_kind"},
	)

	PublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_publishes_total",
			Help: "Total number of successful atomic ring/builder publishes",
		},
		[]string{"ring_kind", "artifact"},
	)

	PublishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_publish_failures_total",
			Help: "Total number of failed atomic ring/builder publishes",
		},
		[]string{"ring_kind", "artifact"},
	)

	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ringmaster_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire the parent directory lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"ring_kind"},
	)

	LockTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringmaster_lock_timeouts_total",
			Help: "Total number of parent directory lock acquisition timeouts",
		},
		[]string{"ring_kind"},
	)

	PausedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringmaster_paused",
			Help: "Whether the orchestrator is currently honoring a pause file (1 = paused, 0 = running)",
		},
	)

	// Distribution service metrics
	DistributorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringdist_requests_total",
			Help: "Total number of HTTP requests handled by the distribution service, by ring and status",
		},
		[]string{"ring_kind", "method", "status"},
	)

	DistributorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ringdist_request_duration_seconds",
			Help:    "Distribution service request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"ring_kind", "method"},
	)

	DistributorCacheRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringdist_cache_refresh_total",
			Help: "Total number of times the distribution service recomputed a ring digest after an mtime change",
		},
		[]string{"ring_kind"},
	)

	// Minion fetch metrics
	MinionFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringminion_fetches_total",
			Help: "Total number of minion fetch attempts by ring kind and outcome (updated, unchanged, failed)",
		},
		[]string{"ring_kind", "outcome"},
	)

	MinionFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ringminion_fetch_duration_seconds",
			Help:    "Time taken for a minion fetch round trip in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"ring_kind"},
	)

	MinionInstalledRingDigest = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ringminion_installed_ring_info",
			Help: "Always 1; labeled with the md5 digest of the currently installed ring file",
		},
		[]string{"ring_kind", "md5"},
	)
)

func init() {
	prometheus.MustRegister(OrchestrationCyclesTotal)
	prometheus.MustRegister(OrchestrationCycleDuration)
	prometheus.MustRegister(RebalancesTotal)
	prometheus.MustRegister(PartsMovedTotal)
	prometheus.MustRegister(RingBalance)
	prometheus.MustRegister(DeviceWeightShift)
	prometheus.MustRegister(DispersionPctFound)
	prometheus.MustRegister(DispersionGateFailuresTotal)
	prometheus.MustRegister(PublishesTotal)
	prometheus.MustRegister(PublishFailuresTotal)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockTimeoutsTotal)
	prometheus.MustRegister(PausedGauge)

	prometheus.MustRegister(DistributorRequestsTotal)
	prometheus.MustRegister(DistributorRequestDuration)
	prometheus.MustRegister(DistributorCacheRefreshTotal)

	prometheus.MustRegister(MinionFetchesTotal)
	prometheus.MustRegister(MinionFetchDuration)
	prometheus.MustRegister(MinionInstalledRingDigest)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
