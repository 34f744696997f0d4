package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Requests     *prometheus.CounterVec
	Failures     *prometheus.CounterVec
	Fragments    *prometheus.CounterVec
	RateLimited  *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
	FilesScanned prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

// Global returns the process-wide metrics registered with the default registry.
func Global() *Metrics {
	once.Do(func() {
		global = New(prometheus.DefaultRegisterer)
	})
	return global
}

// New builds a fresh set of collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mycodehelper",
			Name:      "provider_requests_total",
			Help:      "Total generation requests sent to a provider",
		}, []string{"provider", "kind"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mycodehelper",
			Name:      "provider_failures_total",
			Help:      "Total generation requests that ended with an error fragment",
		}, []string{"provider"}),
		Fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mycodehelper",
			Name:      "provider_fragments_total",
			Help:      "Total text fragments received from providers",
		}, []string{"provider"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mycodehelper",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the hourly limiter",
		}, []string{"provider"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mycodehelper",
			Name:      "provider_request_duration_seconds",
			Help:      "Time from request start until the last fragment",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		FilesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mycodehelper",
			Name:      "scan_files_total",
			Help:      "Total source files loaded by project scans",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Failures, m.Fragments, m.RateLimited, m.Duration, m.FilesScanned)
	}
	return m
}
