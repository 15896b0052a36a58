// Package observability holds the Prometheus collectors of the finder and
// the property store.
package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	computeCalls   prometheus.Counter
	computeDropped prometheus.Counter
	storeMisses    prometheus.Counter
	decodeFailures prometheus.Counter
	staleServed    prometheus.Counter
	configErrors   prometheus.Counter
	merges         *prometheus.CounterVec

	storeOps      *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	beaconsRecorded *prometheus.CounterVec
	pendingPages    prometheus.Gauge
}

var current atomic.Pointer[metricSet]

func init() {
	current.Store(newMetricSet())
}

func newMetricSet() *metricSet {
	return &metricSet{
		computeCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "critical_images_compute_calls_total",
			Help: "ComputeCriticalImages invocations.",
		}),
		computeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "critical_images_compute_dropped_total",
			Help: "Background computations dropped because the queue was full.",
		}),
		storeMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "critical_images_store_misses_total",
			Help: "Driver population found no usable record in the property store.",
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "critical_images_decode_failures_total",
			Help: "Stored records that failed to decode and were treated as absent.",
		}),
		staleServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "critical_images_stale_served_total",
			Help: "Stale records served while a recomputation was scheduled.",
		}),
		configErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "critical_images_config_errors_total",
			Help: "Configuration errors such as an unregistered cohort.",
		}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "critical_images_merge_total",
			Help: "Merges of beacon batches into stored records by result.",
		}, []string{"result"}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "property_store_op_total",
			Help: "Property store operations by op and result.",
		}, []string{"op", "result"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "property_store_op_duration_seconds",
			Help:    "Latency of property store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		beaconsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_recorded_total",
			Help: "Beacons handed to the aggregator by result.",
		}, []string{"result"}),
		pendingPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_pending_pages",
			Help: "Pages with observations waiting to be merged.",
		}),
	}
}

func (m *metricSet) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.computeCalls, m.computeDropped, m.storeMisses, m.decodeFailures,
		m.staleServed, m.configErrors, m.merges, m.storeOps, m.storeDuration,
		m.httpRequests, m.httpDuration, m.beaconsRecorded, m.pendingPages,
	}
}

// Init swaps in a fresh collector set and registers it on reg when enabled.
// Collectors keep counting when unregistered.
func Init(reg prometheus.Registerer, enabled bool) {
	m := newMetricSet()
	if enabled && reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	current.Store(m)
}

func ObserveStoreOp(op string, err error, durationSeconds float64) {
	m := current.Load()
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeOps.WithLabelValues(op, result).Inc()
	m.storeDuration.WithLabelValues(op).Observe(durationSeconds)
}

// ObserveHTTP records one served request. route is the chi route pattern,
// never the raw path.
func ObserveHTTP(method, route string, code int, durationSeconds float64) {
	m := current.Load()
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

func ObserveMerge(result string) {
	current.Load().merges.WithLabelValues(result).Inc()
}

func ObserveBeaconRecorded(result string) {
	current.Load().beaconsRecorded.WithLabelValues(result).Inc()
}

func SetPendingPages(n int) { current.Load().pendingPages.Set(float64(n)) }

func IncComputeDropped() { current.Load().computeDropped.Inc() }

// FinderStats is the default statistics sink handed to drivers.
type FinderStats struct{}

func (FinderStats) IncComputeCalls()   { current.Load().computeCalls.Inc() }
func (FinderStats) IncStoreMisses()    { current.Load().storeMisses.Inc() }
func (FinderStats) IncDecodeFailures() { current.Load().decodeFailures.Inc() }
func (FinderStats) IncStaleServed()    { current.Load().staleServed.Inc() }
func (FinderStats) IncConfigErrors()   { current.Load().configErrors.Inc() }
