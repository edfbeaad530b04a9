package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dynaproxy"

// Registry holds the gateway's collectors on a private Prometheus registry.
// All methods are safe on a nil *Registry, which records nothing.
type Registry struct {
	reg *prometheus.Registry

	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	activeConns    *prometheus.GaugeVec
	listenerUp     *prometheus.GaugeVec
	healthChecks   *prometheus.CounterVec
	backendHealthy *prometheus.GaugeVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests",
		}, []string{"service", "route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"service", "route"}),
		activeConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of active downstream connections",
		}, []string{"service", "protocol"}),
		listenerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_up",
			Help:      "1 while the service listener is accepting connections",
		}, []string{"service"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Active health check probes by outcome",
		}, []string{"service", "route", "result"}),
		backendHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_healthy",
			Help:      "Last active health check outcome per backend (1 healthy, 0 unhealthy)",
		}, []string{"service", "route", "backend"}),
	}
	r.reg.MustRegister(
		r.requests, r.latency, r.activeConns, r.listenerUp, r.healthChecks, r.backendHealthy,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) IncRequest(service, route, method, status string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(service, route, method, status).Inc()
}

func (r *Registry) ObserveLatency(service, route string, d time.Duration) {
	if r == nil {
		return
	}
	r.latency.WithLabelValues(service, route).Observe(d.Seconds())
}

func (r *Registry) IncActiveConns(service, protocol string) {
	if r == nil {
		return
	}
	r.activeConns.WithLabelValues(service, protocol).Inc()
}

func (r *Registry) DecActiveConns(service, protocol string) {
	if r == nil {
		return
	}
	r.activeConns.WithLabelValues(service, protocol).Dec()
}

func (r *Registry) SetListenerUp(service string, up bool) {
	if r == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	r.listenerUp.WithLabelValues(service).Set(v)
}

func (r *Registry) ObserveHealthCheck(service, route, backend string, healthy bool) {
	if r == nil {
		return
	}
	result, v := "unhealthy", 0.0
	if healthy {
		result, v = "healthy", 1
	}
	r.healthChecks.WithLabelValues(service, route, result).Inc()
	r.backendHealthy.WithLabelValues(service, route, backend).Set(v)
}

// ForgetService drops every series labelled with the service so removed services do not linger.
func (r *Registry) ForgetService(service string) {
	if r == nil {
		return
	}
	l := prometheus.Labels{"service": service}
	r.requests.DeletePartialMatch(l)
	r.latency.DeletePartialMatch(l)
	r.activeConns.DeletePartialMatch(l)
	r.listenerUp.DeletePartialMatch(l)
	r.healthChecks.DeletePartialMatch(l)
	r.backendHealthy.DeletePartialMatch(l)
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
