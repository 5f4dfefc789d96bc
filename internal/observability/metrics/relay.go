package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics contains all Prometheus metrics related to the camera
// relay pool.
type RelayMetrics struct {
	ActiveRelays prometheus.Gauge
	Restarts     prometheus.Counter
	registry     *prometheus.Registry
}

// NewRelayMetrics creates a new instance of RelayMetrics and registers
// it with the provided registry.
func NewRelayMetrics(registry *prometheus.Registry) (*RelayMetrics, error) {
	m := &RelayMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register relay metrics: %w", err)
	}
	return m, nil
}

func (m *RelayMetrics) initMetrics() {
	m.ActiveRelays = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_relays",
		Help: "Number of camera relay processes currently running",
	})
	m.Restarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_restarts_total",
		Help: "Total number of camera relay restarts after an exit",
	})
}

// Collect implements the prometheus.Collector interface.
func (m *RelayMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.ActiveRelays
	ch <- m.Restarts
}

// Describe implements the prometheus.Collector interface.
func (m *RelayMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.ActiveRelays.Desc()
	ch <- m.Restarts.Desc()
}
