// Package metrics wires Prometheus counters and histograms for the
// operations the Orchestrator performs, grounded on the teacher's
// pkg/metrics/metrics.go idiom (package-level prometheus.NewXxx vars,
// a single init() registering all of them, a Timer helper for
// histogram observation) — generalized from cluster-scheduling series
// to array/device-facing ones (spec.md §9 AMBIENT.6).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts orchestrator operations by name and result
	// ("ok", "error"), e.g. "alloc"/"free"/"snapshot"/"clone".
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pve_flasharray_operations_total",
			Help: "Total number of orchestrator operations by name and result",
		},
		[]string{"operation", "result"},
	)

	// OperationDuration records wall-clock time of each orchestrator
	// operation by name.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pve_flasharray_operation_duration_seconds",
			Help:    "Orchestrator operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// ArrayRequestDuration records array HTTP call latency by logical
	// operation and status class ("2xx", "4xx", "5xx", "error").
	ArrayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pve_flasharray_array_request_duration_seconds",
			Help:    "Array REST API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "status_class"},
	)

	// DeviceWaitDuration records how long WaitForDevice took to resolve
	// (or time out).
	DeviceWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pve_flasharray_device_wait_duration_seconds",
			Help:    "Time spent waiting for a WWID to resolve to a local block device",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	// DeviceWaitsInFlight gauges how many device-wait loops are currently
	// running in this process (normally 0 or 1, since the core is
	// process-per-request; useful when a long-running caller batches
	// several requests).
	DeviceWaitsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pve_flasharray_device_waits_in_flight",
			Help: "Number of in-flight device discovery waits",
		},
	)
)

func init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(ArrayRequestDuration)
	prometheus.MustRegister(DeviceWaitDuration)
	prometheus.MustRegister(DeviceWaitsInFlight)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing one operation.
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

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordOperation counts one finished operation by name and result and
// observes its duration on OperationDuration. Callers start a Timer
// first and pass it in once the operation's error is known:
//
//	timer := metrics.NewTimer()
//	defer func() { metrics.RecordOperation("alloc", err, timer) }()
func RecordOperation(operation string, err error, timer *Timer) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(operation, result).Inc()
	timer.ObserveDurationVec(OperationDuration, operation)
}

// StatusClass buckets an HTTP status code into "2xx".."5xx", or
// "error" for transport failures (status == 0).
func StatusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
