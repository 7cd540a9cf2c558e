package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace        = "ingrid"
	promRouteSubsystem   = "route"
	promProxySubsystem   = "backend"
	promServeSubsystem   = "serve"
	promRuleSetSubsystem = "ruleset"
)

// Prometheus implements the prometheus metrics backend.
type Prometheus struct {
	routeLookupM       *prometheus.HistogramVec
	routeErrorsM       *prometheus.CounterVec
	proxyBackendM      *prometheus.HistogramVec
	proxyBackendErrM   *prometheus.CounterVec
	proxyStreamingErrM *prometheus.CounterVec
	serveM             *prometheus.HistogramVec
	serveCounterM      *prometheus.CounterVec
	breakerOpenM       *prometheus.CounterVec
	ratelimitedM       *prometheus.CounterVec
	ruleSetChangesM    *prometheus.CounterVec

	registry *prometheus.Registry
	handler  http.Handler
}

// NewPrometheus returns a new Prometheus metrics backend.
func NewPrometheus(opts Options) *Prometheus {
	namespace := promNamespace
	if opts.Prefix != "" {
		namespace = opts.Prefix
	}

	buckets := opts.HistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	p := &Prometheus{
		routeLookupM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promRouteSubsystem,
			Name:      "lookup_duration_seconds",
			Help:      "Duration in seconds of a rule lookup.",
			Buckets:   buckets,
		}, []string{}),
		routeErrorsM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promRouteSubsystem,
			Name:      "error_total",
			Help:      "The total of rule lookup failures.",
		}, []string{}),
		proxyBackendM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promProxySubsystem,
			Name:      "duration_seconds",
			Help:      "Duration in seconds of a backend round trip.",
			Buckets:   buckets,
		}, []string{"rule"}),
		proxyBackendErrM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promProxySubsystem,
			Name:      "error_total",
			Help:      "The total of backend round trip errors.",
		}, []string{"rule"}),
		proxyStreamingErrM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promProxySubsystem,
			Name:      "streaming_error_total",
			Help:      "The total of errors during response streaming.",
		}, []string{"rule"}),
		serveM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promServeSubsystem,
			Name:      "duration_seconds",
			Help:      "Duration in seconds of serving a request.",
			Buckets:   buckets,
		}, []string{"rule", "host", "method", "code"}),
		serveCounterM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promServeSubsystem,
			Name:      "requests_total",
			Help:      "The total of served requests.",
		}, []string{"rule", "host", "method", "code"}),
		breakerOpenM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promProxySubsystem,
			Name:      "breaker_open_total",
			Help:      "The total of requests rejected by an open circuit breaker.",
		}, []string{"pool"}),
		ratelimitedM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promServeSubsystem,
			Name:      "ratelimited_total",
			Help:      "The total of requests rejected by a rule rate limit.",
		}, []string{"rule"}),
		ruleSetChangesM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promRuleSetSubsystem,
			Name:      "changes_total",
			Help:      "Rule set change events by kind.",
		}, []string{"kind"}),
	}

	p.registry = prometheus.NewRegistry()
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.routeLookupM,
		p.routeErrorsM,
		p.proxyBackendM,
		p.proxyBackendErrM,
		p.proxyStreamingErrM,
		p.serveM,
		p.serveCounterM,
		p.breakerOpenM,
		p.ratelimitedM,
		p.ruleSetChangesM,
	)

	p.handler = promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return p
}

// Handler returns the HTTP handler exposing the collected metrics.
func (p *Prometheus) Handler() http.Handler {
	return p.handler
}

func (p *Prometheus) MeasureRouteLookup(start time.Time) {
	p.routeLookupM.WithLabelValues().Observe(time.Since(start).Seconds())
}

func (p *Prometheus) MeasureBackend(ruleID string, start time.Time) {
	p.proxyBackendM.WithLabelValues(ruleID).Observe(time.Since(start).Seconds())
}

func (p *Prometheus) MeasureServe(ruleID, host, method string, code int, start time.Time) {
	codeStr := strconv.Itoa(code)
	p.serveM.WithLabelValues(ruleID, host, method, codeStr).Observe(time.Since(start).Seconds())
	p.serveCounterM.WithLabelValues(ruleID, host, method, codeStr).Inc()
}

func (p *Prometheus) IncRoutingFailures() {
	p.routeErrorsM.WithLabelValues().Inc()
}

func (p *Prometheus) IncErrorsBackend(ruleID string) {
	p.proxyBackendErrM.WithLabelValues(ruleID).Inc()
}

func (p *Prometheus) IncErrorsStreaming(ruleID string) {
	p.proxyStreamingErrM.WithLabelValues(ruleID).Inc()
}

func (p *Prometheus) IncBreakerOpen(poolName string) {
	p.breakerOpenM.WithLabelValues(poolName).Inc()
}

func (p *Prometheus) IncRatelimited(ruleID string) {
	p.ratelimitedM.WithLabelValues(ruleID).Inc()
}

func (p *Prometheus) UpdateRuleSet(version string, added, removed, modified int) {
	p.ruleSetChangesM.WithLabelValues("added").Add(float64(added))
	p.ruleSetChangesM.WithLabelValues("removed").Add(float64(removed))
	p.ruleSetChangesM.WithLabelValues("modified").Add(float64(modified))
}
