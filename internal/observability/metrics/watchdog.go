package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// WatchdogMetrics contains all Prometheus metrics related to the health
// watchdog.
type WatchdogMetrics struct {
	ActiveWatchers  prometheus.Gauge
	UnhealthyChecks prometheus.Counter
	Recoveries      prometheus.Counter
	BroadcastResets prometheus.Counter
	registry        *prometheus.Registry
}

// NewWatchdogMetrics creates a new instance of WatchdogMetrics and
// registers it with the provided registry.
func NewWatchdogMetrics(registry *prometheus.Registry) (*WatchdogMetrics, error) {
	m := &WatchdogMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register watchdog metrics: %w", err)
	}
	return m, nil
}

func (m *WatchdogMetrics) initMetrics() {
	m.ActiveWatchers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watchdog_active_watchers",
		Help: "Number of (stream, destination) pairs under watch",
	})
	m.UnhealthyChecks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchdog_unhealthy_checks_total",
		Help: "Total number of health checks that judged a stream unhealthy",
	})
	m.Recoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchdog_recoveries_total",
		Help: "Total number of recovery actions triggered",
	})
	m.BroadcastResets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchdog_broadcast_resets_total",
		Help: "Total number of destination-side broadcast resets",
	})
}

// Collect implements the prometheus.Collector interface.
func (m *WatchdogMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.ActiveWatchers
	ch <- m.UnhealthyChecks
	ch <- m.Recoveries
	ch <- m.BroadcastResets
}

// Describe implements the prometheus.Collector interface.
func (m *WatchdogMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.ActiveWatchers.Desc()
	ch <- m.UnhealthyChecks.Desc()
	ch <- m.Recoveries.Desc()
	ch <- m.BroadcastResets.Desc()
}
