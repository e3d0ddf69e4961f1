// Package metrics provides Prometheus-based metrics collection for cidrsweep.
// Every collector lives on a private registry so tests and embedded servers
// never collide with the global default registry.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace for all cidrsweep metrics
	namespace = "cidrsweep"

	// Subsystems
	subsystemProbe = "probe"
	subsystemBatch = "batch"
	subsystemRange = "range"
	subsystemScan  = "scan"
	subsystemAPI   = "api"
	subsystemJob   = "job"
)

// Recorder receives scan events worth measuring. The engine and scan packages
// only depend on this interface.
type Recorder interface {
	ObserveProbe(outcome, reason string, latency time.Duration)
	ObserveBatch(size int, duration time.Duration)
	ObserveRange(status string, reachable int)
	ScanStarted()
	ScanFinished(reachable int)
	ObserveHTTP(method string, status int, duration time.Duration)
	ObserveJob(jobType, status string, duration time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveProbe(string, string, time.Duration) {}
func (Nop) ObserveBatch(int, time.Duration) {}
func (Nop) ObserveRange(string, int) {}
func (Nop) ScanStarted() {}
func (Nop) ScanFinished(int) {}
func (Nop) ObserveHTTP(string, int, time.Duration) {}
func (Nop) ObserveJob(string, string, time.Duration) {}

var (
	_ Recorder = Nop{}
	_ Recorder = (*PrometheusMetrics)(nil)
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	probesTotal   *prometheus.CounterVec
	probeLatency  *prometheus.HistogramVec
	batchesTotal  prometheus.Counter
	batchSize     prometheus.Histogram
	batchDuration prometheus.Histogram
	rangesTotal   *prometheus.CounterVec
	reachable     prometheus.Counter
	scansTotal    prometheus.Counter
	activeScans   prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{registry: prometheus.NewRegistry()}

	pm.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "total",
			Help:      "Total number of TCP probes by outcome and failure reason",
		},
		[]string{"outcome", "reason"},
	)
	pm.probeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "duration_seconds",
			Help:      "Time spent on a single probe",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"outcome"},
	)
	pm.batchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemBatch,
		Name:      "total",
		Help:      "Total number of probe batches completed",
	})
	pm.batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemBatch,
		Name:      "size",
		Help:      "Number of probes issued per batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
	pm.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemBatch,
		Name:      "duration_seconds",
		Help:      "Wall-clock time of one batch, barrier included",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
	})
	pm.rangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRange,
			Name:      "total",
			Help:      "Total number of ranges processed by status",
		},
		[]string{"status"},
	)
	pm.reachable = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemScan,
		Name:      "reachable_hosts_total",
		Help:      "Total number of reachable hosts found",
	})
	pm.scansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemScan,
		Name:      "total",
		Help:      "Total number of scan requests completed",
	})
	pm.activeScans = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemScan,
		Name:      "active",
		Help:      "Number of currently running scans",
	})
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)
	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	pm.jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "total",
			Help:      "Total number of background jobs by type and status",
		},
		[]string{"job_type", "status"},
	)
	pm.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "duration_seconds",
			Help:      "Background job duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800},
		},
		[]string{"job_type"},
	)

	pm.registry.MustRegister(
		pm.probesTotal, pm.probeLatency,
		pm.batchesTotal, pm.batchSize, pm.batchDuration,
		pm.rangesTotal, pm.reachable, pm.scansTotal, pm.activeScans,
		pm.httpRequests, pm.httpDuration,
		pm.jobsTotal, pm.jobDuration,
	)

	// Register standard Go and process collectors for runtime visibility
	pm.registry.MustRegister(collectors.NewGoCollector())
	pm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

// GetRegistry returns the underlying registry.
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// ObserveProbe records one probe outcome.
func (pm *PrometheusMetrics) ObserveProbe(outcome, reason string, latency time.Duration) {
	pm.probesTotal.WithLabelValues(outcome, reason).Inc()
	pm.probeLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

// ObserveBatch records a completed batch.
func (pm *PrometheusMetrics) ObserveBatch(size int, duration time.Duration) {
	pm.batchesTotal.Inc()
	pm.batchSize.Observe(float64(size))
	pm.batchDuration.Observe(duration.Seconds())
}

// ObserveRange records a finished range.
func (pm *PrometheusMetrics) ObserveRange(status string, reachable int) {
	pm.rangesTotal.WithLabelValues(status).Inc()
	pm.reachable.Add(float64(reachable))
}

// ScanStarted increments the active scan gauge.
func (pm *PrometheusMetrics) ScanStarted() {
	pm.activeScans.Inc()
}

// ScanFinished decrements the active scan gauge.
func (pm *PrometheusMetrics) ScanFinished(int) {
	pm.activeScans.Dec()
	pm.scansTotal.Inc()
}

// ObserveHTTP records one HTTP request.
func (pm *PrometheusMetrics) ObserveHTTP(method string, status int, duration time.Duration) {
	pm.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	pm.httpDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveJob records one finished background job.
func (pm *PrometheusMetrics) ObserveJob(jobType, status string, duration time.Duration) {
	pm.jobsTotal.WithLabelValues(jobType, status).Inc()
	pm.jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

var (
	globalMetrics *PrometheusMetrics
	globalOnce    sync.Once
)

// GetGlobalMetrics returns the process-wide metrics instance.
func GetGlobalMetrics() *PrometheusMetrics {
	globalOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
