package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector exports database/sql connection pool statistics.
type PoolCollector struct {
	stats func() sql.DBStats

	open         *prometheus.Desc
	inUse        *prometheus.Desc
	idle         *prometheus.Desc
	waitCount    *prometheus.Desc
	waitDuration *prometheus.Desc
}

// NewPoolCollector creates a collector reading stats on every scrape.
func NewPoolCollector(stats func() sql.DBStats) *PoolCollector {
	return &PoolCollector{
		stats: stats,

		open: prometheus.NewDesc(
			"bagua_pool_open_connections",
			"Established connections, in use and idle",
			nil, nil,
		),
		inUse: prometheus.NewDesc(
			"bagua_pool_in_use_connections",
			"Connections currently in use",
			nil, nil,
		),
		idle: prometheus.NewDesc(
			"bagua_pool_idle_connections",
			"Idle connections",
			nil, nil,
		),
		waitCount: prometheus.NewDesc(
			"bagua_pool_wait_count_total",
			"Total number of connections waited for",
			nil, nil,
		),
		waitDuration: prometheus.NewDesc(
			"bagua_pool_wait_duration_seconds_total",
			"Total time blocked waiting for a new connection",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (pc *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.open
	ch <- pc.inUse
	ch <- pc.idle
	ch <- pc.waitCount
	ch <- pc.waitDuration
}

// Collect implements prometheus.Collector.
func (pc *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := pc.stats()

	ch <- prometheus.MustNewConstMetric(pc.open, prometheus.GaugeValue, float64(s.OpenConnections))
	ch <- prometheus.MustNewConstMetric(pc.inUse, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(pc.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(pc.waitCount, prometheus.CounterValue, float64(s.WaitCount))
	ch <- prometheus.MustNewConstMetric(pc.waitDuration, prometheus.CounterValue, s.WaitDuration.Seconds())
}
