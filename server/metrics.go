package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the server's Prometheus instrumentation. Cache counters are
// exported straight from the browser's stats snapshot instead of being
// counted twice.
type metrics struct {
	requestDuration *prometheus.HistogramVec
}

func newMetrics(reg *prometheus.Registry, browser Browser) *metrics {
	m := &metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pkgpeek",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route, method and status.",
		}, []string{"route", "method", "code"}),
	}
	reg.MustRegister(m.requestDuration)

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "pkgpeek",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache lookups served from a retained extraction.",
	}, func() float64 { return float64(browser.CacheStats().Hits) }))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "pkgpeek",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache lookups that triggered an extraction.",
	}, func() float64 { return float64(browser.CacheStats().Misses) }))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "pkgpeek",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Extractions evicted by the byte cap.",
	}, func() float64 { return float64(browser.CacheStats().Evictions) }))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "pkgpeek",
		Subsystem: "cache",
		Name:      "failures_total",
		Help:      "Extractions that failed and were retained as errors.",
	}, func() float64 { return float64(browser.CacheStats().Failures) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pkgpeek",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Extractions currently retained.",
	}, func() float64 { return float64(browser.CacheStats().Entries) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pkgpeek",
		Subsystem: "cache",
		Name:      "size_bytes",
		Help:      "Total extracted bytes currently retained.",
	}, func() float64 { return float64(browser.CacheStats().SizeBytes) }))

	return m
}

func (m *metrics) observeRequest(route, method string, status int, elapsed time.Duration) {
	m.requestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
