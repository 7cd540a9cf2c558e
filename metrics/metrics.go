// Package metrics implements collection of common performance and
// routing metrics, backed by Prometheus. The collected metrics include
// the rule lookup time, the backend round trip time, the total serve
// time, the error counters of the proxy and the rule set change events
// of the store.
package metrics

import (
	"net/http"
	"time"
)

// Metrics is the interface the other packages report through. The Void
// implementation makes reporting a no-op, used in tests and when the
// metrics listener is disabled.
type Metrics interface {
	MeasureRouteLookup(start time.Time)
	MeasureBackend(ruleID string, start time.Time)
	MeasureServe(ruleID, host, method string, code int, start time.Time)
	IncRoutingFailures()
	IncErrorsBackend(ruleID string)
	IncErrorsStreaming(ruleID string)
	IncBreakerOpen(poolName string)
	IncRatelimited(ruleID string)
	UpdateRuleSet(version string, added, removed, modified int)
}

// Default is the metrics instance the packages report to when no explicit
// one is configured.
var Default Metrics = Void

// Void is a no-op metrics backend.
var Void Metrics = &voidMetrics{}

type voidMetrics struct{}

func (voidMetrics) MeasureRouteLookup(time.Time)                          {}
func (voidMetrics) MeasureBackend(string, time.Time)                      {}
func (voidMetrics) MeasureServe(string, string, string, int, time.Time)   {}
func (voidMetrics) IncRoutingFailures()                                   {}
func (voidMetrics) IncErrorsBackend(string)                               {}
func (voidMetrics) IncErrorsStreaming(string)                             {}
func (voidMetrics) IncBreakerOpen(string)                                 {}
func (voidMetrics) IncRatelimited(string)                                 {}
func (voidMetrics) UpdateRuleSet(string, int, int, int)                   {}

// Options for initializing metrics collection.
type Options struct {

	// Common prefix for the keys of the collected metrics. When empty,
	// "ingrid" is used.
	Prefix string

	// Buckets used for the duration histograms.
	HistogramBuckets []float64
}

// Init initializes the default metrics backend and returns the handler
// serving the /metrics endpoint of the support listener.
func Init(o Options) http.Handler {
	p := NewPrometheus(o)
	Default = p
	return p.Handler()
}
