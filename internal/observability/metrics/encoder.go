// Package metrics provides custom Prometheus metrics for the engine's
// components.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// EncoderMetrics contains all Prometheus metrics related to the
// transcoder supervisor.
type EncoderMetrics struct {
	ActiveStreams prometheus.Gauge
	StreamStarts  prometheus.Counter
	Restarts      prometheus.Counter
	Errors        prometheus.Counter
	Handoffs      prometheus.Counter
	registry      *prometheus.Registry
}

// NewEncoderMetrics creates a new instance of EncoderMetrics and
// registers it with the provided registry.
func NewEncoderMetrics(registry *prometheus.Registry) (*EncoderMetrics, error) {
	m := &EncoderMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register encoder metrics: %w", err)
	}
	return m, nil
}

func (m *EncoderMetrics) initMetrics() {
	m.ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "encoder_active_streams",
		Help: "Number of transcoder processes currently supervised",
	})
	m.StreamStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "encoder_stream_starts_total",
		Help: "Total number of transcoder launches",
	})
	m.Restarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "encoder_restarts_total",
		Help: "Total number of automatic transcoder restarts after a crash",
	})
	m.Errors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "encoder_errors_total",
		Help: "Total number of streams that entered the error state",
	})
	m.Handoffs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "encoder_handoffs_total",
		Help: "Total number of seamless start-before-stop transcoder handoffs",
	})
}

// Collect implements the prometheus.Collector interface.
func (m *EncoderMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.ActiveStreams
	ch <- m.StreamStarts
	ch <- m.Restarts
	ch <- m.Errors
	ch <- m.Handoffs
}

// Describe implements the prometheus.Collector interface.
func (m *EncoderMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.ActiveStreams.Desc()
	ch <- m.StreamStarts.Desc()
	ch <- m.Restarts.Desc()
	ch <- m.Errors.Desc()
	ch <- m.Handoffs.Desc()
}
