// Package metrics exposes the prometheus counters and histograms the
// CRM and LRM loops emit, following the teacher's registration and
// Timer-helper pattern.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CRM metrics
	MasterElections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_crm_master_elections_total",
			Help: "Total number of times this node has acquired the manager lock",
		},
	)

	IsMaster = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_crm_is_master",
			Help: "Whether this node currently holds the manager lock (1 = master, 0 = not)",
		},
	)

	LoopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_crm_loop_duration_seconds",
			Help:    "Duration of one control-loop iteration (the CRM's in crmd, the LRM's in lrmd)",
			Buckets: prometheus.DefBuckets,
		},
	)

	ServiceStateTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_service_state_total",
			Help: "Number of services currently in each state",
		},
		[]string{"state"},
	)

	ServiceTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_service_transitions_total",
			Help: "Total per-service state transitions by resulting state",
		},
		[]string{"state"},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_recovery_duration_seconds",
			Help:    "Time spent by a service in the recovery state before placement succeeds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Node and fence metrics
	NodeStatusTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_node_status_total",
			Help: "Number of nodes currently in each node status",
		},
		[]string{"status"},
	)

	FenceAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_fence_attempts_total",
			Help: "Total fence attempts by outcome",
		},
		[]string{"outcome"},
	)

	FenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_fence_duration_seconds",
			Help:    "Time taken for a fence operation to succeed",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lock metrics
	LockRefreshFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_lock_refresh_failures_total",
			Help: "Total lock refresh failures by lock name",
		},
		[]string{"lock"},
	)

	// LRM metrics
	WorkerPoolActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_lrm_worker_pool_active",
			Help: "Number of LRM workers currently executing a resource operation",
		},
	)

	WorkItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_lrm_work_items_total",
			Help: "Total LRM work items executed by exit code",
		},
		[]string{"exit_code"},
	)

	WorkItemDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_lrm_work_item_duration_seconds",
			Help:    "Duration of one LRM resource driver invocation",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(MasterElections)
	prometheus.MustRegister(IsMaster)
	prometheus.MustRegister(LoopDuration)
	prometheus.MustRegister(ServiceStateTotal)
	prometheus.MustRegister(ServiceTransitionsTotal)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(NodeStatusTotal)
	prometheus.MustRegister(FenceAttemptsTotal)
	prometheus.MustRegister(FenceDuration)
	prometheus.MustRegister(LockRefreshFailuresTotal)
	prometheus.MustRegister(WorkerPoolActive)
	prometheus.MustRegister(WorkItemsTotal)
	prometheus.MustRegister(WorkItemDuration)
}

// Handler returns the HTTP handler serving the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and reports its duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
