package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edge"

type prometheusMetrics struct {
	requestsTotal       prometheus.Counter
	requestsInFlight    prometheus.Gauge
	requestsDuration    *prometheus.HistogramVec
	responsesTotal      *prometheus.CounterVec
	failedRequestsTotal *prometheus.CounterVec
	originLatency       *prometheus.HistogramVec
	failoversTotal      *prometheus.CounterVec
	errorRemapsTotal    *prometheus.CounterVec
	cacheResultsTotal   *prometheus.CounterVec
}

// NewPrometheus creates collectors and registers them in reg.
func NewPrometheus(reg prometheus.Registerer) Metrics {
	m := &prometheusMetrics{
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests received by the edge router.",
		}),
		requestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Number of requests currently being routed.",
		}),
		requestsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration per behavior.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"behavior", "method"}),
		responsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses written to clients per behavior and status.",
		}, []string{"behavior", "status"}),
		failedRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_requests_total",
			Help:      "Requests answered with a gateway-generated error.",
		}, []string{"reason"}),
		originLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "origin_latency_seconds",
			Help:      "Origin invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"origin", "status"}),
		failoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Fallback origin invocations per origin group and primary status.",
		}, []string{"group", "primary_status"}),
		errorRemapsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_remaps_total",
			Help:      "Responses replaced by a configured error page.",
		}, []string{"status"}),
		cacheResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_results_total",
			Help:      "Cache outcomes per cache policy.",
		}, []string{"policy", "result"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsInFlight,
		m.requestsDuration,
		m.responsesTotal,
		m.failedRequestsTotal,
		m.originLatency,
		m.failoversTotal,
		m.errorRemapsTotal,
		m.cacheResultsTotal,
	)

	return m
}

func (m *prometheusMetrics) IncRequestsTotal() {
	m.requestsTotal.Inc()
}

func (m *prometheusMetrics) IncRequestsInFlight() {
	m.requestsInFlight.Inc()
}

func (m *prometheusMetrics) DecRequestsInFlight() {
	m.requestsInFlight.Dec()
}

func (m *prometheusMetrics) UpdateRequestsDuration(behavior, method string, start time.Time) {
	m.requestsDuration.WithLabelValues(behavior, method).Observe(time.Since(start).Seconds())
}

func (m *prometheusMetrics) IncResponsesTotal(behavior string, status int) {
	m.responsesTotal.WithLabelValues(behavior, strconv.Itoa(status)).Inc()
}

func (m *prometheusMetrics) IncFailedRequestsTotal(reason FailReason) {
	m.failedRequestsTotal.WithLabelValues(string(reason)).Inc()
}

func (m *prometheusMetrics) UpdateOriginLatency(origin string, status int, lat time.Duration) {
	m.originLatency.WithLabelValues(origin, strconv.Itoa(status)).Observe(lat.Seconds())
}

func (m *prometheusMetrics) IncFailoversTotal(group string, primaryStatus int) {
	m.failoversTotal.WithLabelValues(group, strconv.Itoa(primaryStatus)).Inc()
}

func (m *prometheusMetrics) IncErrorRemapsTotal(status int) {
	m.errorRemapsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *prometheusMetrics) IncCacheResultsTotal(policy string, result CacheResult) {
	m.cacheResultsTotal.WithLabelValues(policy, string(result)).Inc()
}
