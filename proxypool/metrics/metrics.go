// Package metrics exposes pool health as Prometheus collectors.
//
// Metrics:
//   - geoproxy_pool_proxies: current records by status
//   - geoproxy_pool_probes_total: probe outcomes by result
//   - geoproxy_pool_evictions_total: records removed after repeated failures
//   - geoproxy_pool_scrapes_total: source fetches by source and result
//   - geoproxy_pool_classifications_total: classifications by result
//   - geoproxy_pool_cycles_total: refresh cycles by outcome
//   - geoproxy_pool_cycle_duration_seconds: refresh cycle wall time
//   - geoproxy_pool_sessions_total: session opens by result
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geoproxy_pool/proxypool/model"
)

const (
	namespace = "geoproxy"
	subsystem = "pool"
)

// Collector owns a private registry so tests and embedded pools do not clash
// on the process-wide default one.
type Collector struct {
	registry *prometheus.Registry

	proxies         *prometheus.GaugeVec
	probesTotal     *prometheus.CounterVec
	evictionsTotal  prometheus.Counter
	scrapesTotal    *prometheus.CounterVec
	classifications *prometheus.CounterVec
	cyclesTotal     *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	sessionsTotal   *prometheus.CounterVec
}

// NewCollector creates and registers all pool metrics. If registry is nil a
// fresh one is created.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		proxies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "proxies",
			Help: "Current number of proxy records by status",
		}, []string{"status"}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "probes_total",
			Help: "Total number of health probes by result",
		}, []string{"result"}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "evictions_total",
			Help: "Total number of records evicted after consecutive probe failures",
		}),
		scrapesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "scrapes_total",
			Help: "Total number of source fetches by source and result",
		}, []string{"source", "result"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "classifications_total",
			Help: "Total number of geo classifications by result",
		}, []string{"result"}),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "cycles_total",
			Help: "Total number of refresh cycles by outcome",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "cycle_duration_seconds",
			Help:    "Refresh cycle duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_total",
			Help: "Total number of session opens by result",
		}, []string{"result"}),
	}

	registry.MustRegister(
		c.proxies,
		c.probesTotal,
		c.evictionsTotal,
		c.scrapesTotal,
		c.classifications,
		c.cyclesTotal,
		c.cycleDuration,
		c.sessionsTotal,
	)
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObservePool sets the per-status gauges from a registry snapshot.
func (c *Collector) ObservePool(records []model.ProxyRecord) {
	if c == nil {
		return
	}
	counts := map[model.Status]int{
		model.StatusUnprobed:    0,
		model.StatusHealthy:     0,
		model.StatusUnreachable: 0,
	}
	for _, r := range records {
		counts[r.Status]++
	}
	for status, n := range counts {
		c.proxies.WithLabelValues(status.String()).Set(float64(n))
	}
}

// RecordProbe counts one probe; result is "healthy", "timeout" or "connection".
func (c *Collector) RecordProbe(result string) {
	if c == nil {
		return
	}
	c.probesTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordEviction() {
	if c == nil {
		return
	}
	c.evictionsTotal.Inc()
}

// RecordScrape counts one source fetch.
func (c *Collector) RecordScrape(source string, ok bool) {
	if c == nil {
		return
	}
	c.scrapesTotal.WithLabelValues(source, result(ok)).Inc()
}

// RecordClassification counts one classification; known is false for "unknown".
func (c *Collector) RecordClassification(known bool) {
	if c == nil {
		return
	}
	label := "known"
	if !known {
		label = "unknown"
	}
	c.classifications.WithLabelValues(label).Inc()
}

// RecordCycle counts a finished cycle; outcome is "completed" or "skipped".
func (c *Collector) RecordCycle(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.cyclesTotal.WithLabelValues(outcome).Inc()
	c.cycleDuration.Observe(d.Seconds())
}

func (c *Collector) RecordSession(ok bool) {
	if c == nil {
		return
	}
	c.sessionsTotal.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
