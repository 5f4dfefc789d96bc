package observability

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vistter/vistterstream/internal/conf"
	"github.com/vistter/vistterstream/internal/errors"
	"github.com/vistter/vistterstream/internal/logging"
	metricspkg "github.com/vistter/vistterstream/internal/observability/metrics"
)

var obsLogger *slog.Logger

func init() {
	obsLogger = logging.ForService("observability")
	if obsLogger == nil {
		obsLogger = slog.Default().With("service", "observability")
	}
}

// Endpoint serves /metrics and /healthz for the engine.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
}

// NewEndpoint creates the telemetry endpoint. It returns an error when
// metrics are disabled in the settings.
func NewEndpoint(settings *conf.Settings, m *Metrics) (*Endpoint, error) {
	if !settings.Metrics.Enabled {
		return nil, errors.Newf("metrics endpoint disabled in settings").
			Component("observability").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &Endpoint{
		listenAddress: settings.Metrics.Listen,
		metrics:       m,
	}, nil
}

// Start runs the HTTP server in its own goroutine and shuts it down
// when ctx is cancelled.
func (e *Endpoint) Start(ctx context.Context) {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	e.server = &http.Server{
		Addr:    e.listenAddress,
		Handler: mux,
	}

	go func() {
		obsLogger.Info("metrics endpoint starting", "address", e.listenAddress)
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obsLogger.Error("metrics server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		obsLogger.Info("stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
		defer cancel()
		if err := e.server.Shutdown(shutdownCtx); err != nil {
			obsLogger.Error("metrics server shutdown error", "error", err)
		}
	}()
}

// GetMetrics returns the Metrics instance associated with this
// Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
