// Package metrics exposes Prometheus instrumentation for the agent:
// resource-allocation pressure, lifecycle-queue depth, creation latency,
// and reconcile-cycle timing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AllocationAvailable tracks remaining capacity per device-name/slot,
	// sampled by the timer set's stats tick.
	AllocationAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_allocation_available",
			Help: "Remaining allocatable units by device family and slot",
		},
		[]string{"device", "slot"},
	)

	KernelsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_kernels_total",
			Help: "Total number of kernels currently in the registry",
		},
	)

	PortPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_port_pool_available",
			Help: "Number of free host ports remaining in the configured range",
		},
	)

	LifecycleQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_lifecycle_queue_depth",
			Help: "Number of pending lifecycle events awaiting dispatch",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_reconcile_duration_seconds",
			Help:    "Time taken by one reconcile pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_reconcile_cycles_total",
			Help: "Total number of completed reconcile passes",
		},
	)

	KernelCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_kernel_create_duration_seconds",
			Help:    "Time taken by the creation pipeline end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	KernelsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_kernels_created_total",
			Help: "Total number of kernels successfully created",
		},
	)

	KernelsCreateFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_kernels_create_failed_total",
			Help: "Total number of creation pipeline failures by stage",
		},
		[]string{"stage"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_events_published_total",
			Help: "Total number of events produced, by event name",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(AllocationAvailable)
	prometheus.MustRegister(KernelsTotal)
	prometheus.MustRegister(PortPoolAvailable)
	prometheus.MustRegister(LifecycleQueueDepth)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(KernelCreateDuration)
	prometheus.MustRegister(KernelsCreatedTotal)
	prometheus.MustRegister(KernelsCreateFailedTotal)
	prometheus.MustRegister(EventsPublishedTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
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
