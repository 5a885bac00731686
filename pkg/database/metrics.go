package database

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector exports Registry pool statistics, labelled by identifier.
// Register it once: prometheus.MustRegister(NewPoolCollector(reg, "dal")).
type PoolCollector struct {
	registry *Registry

	maxOpen      *prometheus.Desc
	open         *prometheus.Desc
	inUse        *prometheus.Desc
	idle         *prometheus.Desc
	waitCount    *prometheus.Desc
	waitDuration *prometheus.Desc
}

func NewPoolCollector(registry *Registry, namespace string) *PoolCollector {
	labels := []string{"id"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db_pool", name), help, labels, nil)
	}
	return &PoolCollector{
		registry:     registry,
		maxOpen:      desc("max_open_connections", "Maximum number of open connections"),
		open:         desc("open_connections", "Number of established connections, in use and idle"),
		inUse:        desc("in_use_connections", "Number of connections currently leased"),
		idle:         desc("idle_connections", "Number of idle connections"),
		waitCount:    desc("wait_count_total", "Total number of acquisitions that waited for a free connection"),
		waitDuration: desc("wait_duration_seconds_total", "Total time spent waiting for a free connection"),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.maxOpen
	ch <- c.open
	ch <- c.inUse
	ch <- c.idle
	ch <- c.waitCount
	ch <- c.waitDuration
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for id, s := range c.registry.Stats() {
		label := string(id)
		ch <- prometheus.MustNewConstMetric(c.maxOpen, prometheus.GaugeValue, float64(s.MaxOpenConnections), label)
		ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(s.OpenConnections), label)
		ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse), label)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle), label)
		ch <- prometheus.MustNewConstMetric(c.waitCount, prometheus.CounterValue, float64(s.WaitCount), label)
		ch <- prometheus.MustNewConstMetric(c.waitDuration, prometheus.CounterValue, s.WaitDuration.Seconds(), label)
	}
}
