// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_probe_total{endpoint,status}
	probeTotal *prometheus.CounterVec

	// gateway_probe_duration_seconds{endpoint}
	probeDuration *prometheus.HistogramVec

	// gateway_proxy_requests_total{endpoint,status}
	proxyTotal *prometheus.CounterVec

	// gateway_proxy_upstream_duration_seconds{endpoint}
	proxyDuration *prometheus.HistogramVec

	// gateway_detection_queue_depth{state}
	queueDepth *prometheus.GaugeVec

	// gateway_semaphore_holders{scope}
	semaphoreHolders *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates the private registry with all gateway metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		probeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_probe_total",
				Help: "Completed probes by endpoint type and outcome",
			},
			[]string{"endpoint", "status"},
		),

		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_probe_duration_seconds",
				Help:    "Probe wall-clock duration by endpoint type",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"endpoint"},
		),

		proxyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_proxy_requests_total",
				Help: "Forwarded proxy requests by inbound endpoint and upstream status",
			},
			[]string{"endpoint", "status"},
		),

		proxyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_proxy_upstream_duration_seconds",
				Help:    "Upstream call duration for proxied requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_detection_queue_depth",
				Help: "Detection queue depth by state (waiting, active, delayed)",
			},
			[]string{"state"},
		),

		semaphoreHolders: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_semaphore_holders",
				Help: "Current semaphore holders (global or channel:<id>)",
			},
			[]string{"scope"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.probeTotal,
		r.probeDuration,
		r.proxyTotal,
		r.proxyDuration,
		r.queueDepth,
		r.semaphoreHolders,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)
	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one handled inbound request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveProbe records one completed probe.
func (r *Registry) ObserveProbe(endpoint, status string, latencyMs int64) {
	r.probeTotal.WithLabelValues(endpoint, status).Inc()
	r.probeDuration.WithLabelValues(endpoint).Observe(float64(latencyMs) / 1000)
}

// ObserveProxy records one forwarded request.
func (r *Registry) ObserveProxy(endpoint string, upstreamStatus int, dur time.Duration) {
	r.proxyTotal.WithLabelValues(endpoint, strconv.Itoa(upstreamStatus)).Inc()
	r.proxyDuration.WithLabelValues(endpoint).Observe(dur.Seconds())
}

// SetQueueDepth publishes one queue-state gauge.
func (r *Registry) SetQueueDepth(state string, depth int64) {
	r.queueDepth.WithLabelValues(state).Set(float64(depth))
}

// SetSemaphoreHolders publishes one semaphore gauge.
func (r *Registry) SetSemaphoreHolders(scope string, holders int) {
	r.semaphoreHolders.WithLabelValues(scope).Set(float64(holders))
}

// SetBuildInfo pins the build-info gauge for the running version.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler returns the fasthttp /metrics handler.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
