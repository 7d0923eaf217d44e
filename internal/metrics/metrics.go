// Package metrics exposes Prometheus instrumentation for the HTTP API and
// post-commit side effects.
package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nextcrm"

var idSegment = regexp.MustCompile(`^[a-z]+_[0-9a-f]{32}$`)

type Metrics struct {
	gatherer prometheus.Gatherer

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	effectFailures  *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid duplicate registration on the default registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of API requests",
		}, []string{"method", "path"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Total number of API responses with status >= 400",
		}, []string{"method", "path", "status"}),
		effectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_failures_total",
			Help:      "Post-commit side effects that failed",
		}, []string{"effect"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter",
		}, []string{"scope"}),
	}
	reg.MustRegister(m.requests, m.requestDuration, m.errors, m.effectFailures, m.rateLimited)
	return m
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	route := RoutePattern(path)
	code := strconv.Itoa(status)
	m.requests.WithLabelValues(method, route).Inc()
	m.requestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	if status >= 400 {
		m.errors.WithLabelValues(method, route, code).Inc()
	}
}

func (m *Metrics) EffectFailed(name string) {
	if m == nil {
		return
	}
	m.effectFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RoutePattern replaces generated ids in a request path with ":id" so label
// cardinality stays bounded.
func RoutePattern(path string) string {
	out := make([]byte, 0, len(path))
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '/' {
			continue
		}
		segment := path[start:i]
		if idSegment.MatchString(segment) {
			segment = ":id"
		}
		out = append(out, segment...)
		if i < len(path) {
			out = append(out, '/')
		}
		start = i + 1
	}
	return string(out)
}
