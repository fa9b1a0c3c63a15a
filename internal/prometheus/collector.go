package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/api"
)

// poolCollector reads the pool and its ledger on every scrape, so the
// exported values never lag the ledger.
type poolCollector struct {
	pool api.PoolView

	active        *prometheus.Desc
	idle          *prometheus.Desc
	waiting       *prometheus.Desc
	maxConns      *prometheus.Desc
	minBound      *prometheus.Desc
	maxBound      *prometheus.Desc
	utilization   *prometheus.Desc
	connsCreated  *prometheus.Desc
	queries       *prometheus.Desc
	slowQueries   *prometheus.Desc
	errors        *prometheus.Desc
	avgQueryTime  *prometheus.Desc
	errorRate     *prometheus.Desc
	up            *prometheus.Desc
	healthLatency *prometheus.Desc
}

func newPoolCollector(pool api.PoolView) *poolCollector {
	labels := []string{"pool"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &poolCollector{
		pool:          pool,
		active:        desc("connections_active", "Connections currently lent out"),
		idle:          desc("connections_idle", "Open connections waiting to be borrowed"),
		waiting:       desc("requests_waiting", "Callers waiting for a connection"),
		maxConns:      desc("connections_max", "Current maximum pool size"),
		minBound:      desc("connections_min_bound", "Configured lower bound for the maximum pool size"),
		maxBound:      desc("connections_max_bound", "Configured upper bound for the maximum pool size"),
		utilization:   desc("utilization_ratio", "Active connections over the current maximum"),
		connsCreated:  desc("connections_created_total", "Total connections opened by the pool"),
		queries:       desc("queries_total", "Total successful statements"),
		slowQueries:   desc("slow_queries_total", "Total statements slower than the slow query threshold"),
		errors:        desc("errors_total", "Total failed statements and acquisitions"),
		avgQueryTime:  desc("query_duration_avg_milliseconds", "Running average statement duration"),
		errorRate:     desc("error_ratio", "Errors over all recorded outcomes"),
		up:            desc("up", "Whether the last health check succeeded"),
		healthLatency: desc("health_check_duration_seconds", "Round-trip time of the last health check"),
	}
}

// Describe implements prometheus.Collector
func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.active, c.idle, c.waiting, c.maxConns, c.minBound, c.maxBound, c.utilization,
		c.connsCreated, c.queries, c.slowQueries, c.errors, c.avgQueryTime, c.errorRate,
		c.up, c.healthLatency,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	name := c.pool.Name()
	util := c.pool.Utilization()
	snap := c.pool.Ledger().Snapshot()
	minConns, maxConns := c.pool.Bounds()
	health := c.pool.LastHealthCheck()

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, name)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, name)
	}

	gauge(c.active, float64(util.Active))
	gauge(c.idle, float64(util.Idle))
	gauge(c.waiting, float64(util.Waiting))
	gauge(c.maxConns, float64(util.Max))
	gauge(c.minBound, float64(minConns))
	gauge(c.maxBound, float64(maxConns))
	gauge(c.utilization, util.Ratio())

	counter(c.connsCreated, float64(snap.TotalConnections))
	counter(c.queries, float64(snap.TotalQueries))
	counter(c.slowQueries, float64(snap.SlowQueries))
	counter(c.errors, float64(snap.Errors))
	gauge(c.avgQueryTime, snap.AvgQueryTimeMs)
	gauge(c.errorRate, snap.ErrorRate())

	up := 0.0
	if health.Healthy {
		up = 1
	}
	gauge(c.up, up)
	gauge(c.healthLatency, health.Latency.Seconds())
}
