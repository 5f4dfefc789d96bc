// Package observability provides Prometheus metrics for the engine and
// the HTTP endpoint that serves them.
package observability

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vistter/vistterstream/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the engine.
type Metrics struct {
	registry *prometheus.Registry
	Encoder  *metrics.EncoderMetrics
	Relay    *metrics.RelayMetrics
	Timeline *metrics.TimelineMetrics
	Watchdog *metrics.WatchdogMetrics
	MQTT     *metrics.MQTTMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric
// collectors. It returns an error if any collector fails to register.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	encoderMetrics, err := metrics.NewEncoderMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder metrics: %w", err)
	}

	relayMetrics, err := metrics.NewRelayMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay metrics: %w", err)
	}

	timelineMetrics, err := metrics.NewTimelineMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeline metrics: %w", err)
	}

	watchdogMetrics, err := metrics.NewWatchdogMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create watchdog metrics: %w", err)
	}

	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		Encoder:  encoderMetrics,
		Relay:    relayMetrics,
		Timeline: timelineMetrics,
		Watchdog: watchdogMetrics,
		MQTT:     mqttMetrics,
	}, nil
}

// RegisterHandlers registers the metrics endpoint with the provided
// http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", m.metricsHandler)
}

// metricsHandler is the HTTP handler for the /metrics endpoint.
func (m *Metrics) metricsHandler(w http.ResponseWriter, r *http.Request) {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
	h.ServeHTTP(w, r)
}
