// Package metrics exposes the daemon's execution counters and breaker
// states as Prometheus metrics.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/refreshd/refreshd/internal/breaker"
	"github.com/refreshd/refreshd/internal/manager"
)

// Collector implements prometheus.Collector over a refresh manager.
type Collector struct {
	startTime time.Time
	version   string
	mgr       *manager.Manager

	infoDesc         *prometheus.Desc
	uptimeDesc       *prometheus.Desc
	sourcesDesc      *prometheus.Desc
	activeDesc       *prometheus.Desc
	refreshTotalDesc *prometheus.Desc
	avgDurationDesc  *prometheus.Desc
	onlineDesc       *prometheus.Desc
	breakerStateDesc *prometheus.Desc
}

// NewCollector creates a collector reading from the given manager.
func NewCollector(version string, mgr *manager.Manager) *Collector {
	return &Collector{
		startTime: time.Now(),
		version:   version,
		mgr:       mgr,

		infoDesc: prometheus.NewDesc(
			"refreshd_info",
			"Build information",
			[]string{"version", "go_version"},
			nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"refreshd_uptime_seconds",
			"Time since daemon start",
			nil,
			nil,
		),
		sourcesDesc: prometheus.NewDesc(
			"refreshd_sources_scheduled",
			"Number of scheduled sources",
			nil,
			nil,
		),
		activeDesc: prometheus.NewDesc(
			"refreshd_refreshes_active",
			"Number of refreshes currently in flight",
			nil,
			nil,
		),
		refreshTotalDesc: prometheus.NewDesc(
			"refreshd_refreshes_total",
			"Total number of refresh requests by outcome",
			[]string{"outcome"},
			nil,
		),
		avgDurationDesc: prometheus.NewDesc(
			"refreshd_refresh_duration_seconds_avg",
			"Rolling mean duration of completed refreshes",
			nil,
			nil,
		),
		onlineDesc: prometheus.NewDesc(
			"refreshd_network_online",
			"Whether the scheduler considers the network online",
			nil,
			nil,
		),
		breakerStateDesc: prometheus.NewDesc(
			"refreshd_breaker_state",
			"Circuit breaker state per source (0 closed, 1 open, 2 half-open)",
			[]string{"source"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.sourcesDesc
	ch <- c.activeDesc
	ch <- c.refreshTotalDesc
	ch <- c.avgDurationDesc
	ch <- c.onlineDesc
	ch <- c.breakerStateDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.infoDesc, prometheus.GaugeValue, 1, c.version, runtime.Version())
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())

	stats := c.mgr.GetStatistics()
	ch <- prometheus.MustNewConstMetric(
		c.sourcesDesc, prometheus.GaugeValue, float64(stats.Sources))
	ch <- prometheus.MustNewConstMetric(
		c.activeDesc, prometheus.GaugeValue, float64(stats.Active))
	ch <- prometheus.MustNewConstMetric(
		c.avgDurationDesc, prometheus.GaugeValue, stats.Execution.AverageDuration.Seconds())

	for outcome, count := range map[string]int64{
		"success":  stats.Execution.Successful,
		"failed":   stats.Execution.Failed,
		"skipped":  stats.Execution.Skipped,
		"dropped":  stats.Execution.Dropped,
		"canceled": stats.Execution.Canceled,
	} {
		ch <- prometheus.MustNewConstMetric(
			c.refreshTotalDesc, prometheus.CounterValue, float64(count), outcome)
	}

	online := 0.0
	if stats.NetworkState.IsOnline {
		online = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.onlineDesc, prometheus.GaugeValue, online)

	sched := c.mgr.Scheduler()
	for _, id := range sched.Sources() {
		status, ok := sched.BreakerStatus(id)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(
			c.breakerStateDesc, prometheus.GaugeValue, breakerStateValue(status.State), id)
	}
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// NewRegistry builds a registry with the collector plus the standard Go
// and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}
