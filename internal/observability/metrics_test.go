package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.Encoder.ActiveStreams.Set(2)
	m.Encoder.StreamStarts.Inc()
	m.Relay.Restarts.Inc()
	m.Timeline.SegmentsCompleted.Inc()
	m.Watchdog.Recoveries.Inc()
	m.MQTT.UpdateConnectionStatus(true)

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, want := range []string{
		"encoder_active_streams 2",
		"encoder_stream_starts_total 1",
		"relay_restarts_total 1",
		"timeline_segments_completed_total 1",
		"watchdog_recoveries_total 1",
		"mqtt_connection_status 1",
	} {
		assert.True(t, strings.Contains(body, want), "missing %q in exposition", want)
	}
}

func TestNewMetricsIndependentRegistries(t *testing.T) {
	a, err := NewMetrics()
	require.NoError(t, err)
	b, err := NewMetrics()
	require.NoError(t, err)

	a.Encoder.StreamStarts.Inc()
	assert.NotSame(t, a.registry, b.registry)
}
