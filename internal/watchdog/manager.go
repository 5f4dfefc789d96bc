// Package watchdog supervises the health of every active
// (destination, stream) pair and triggers tiered recovery when a stream
// goes quietly bad: local process kills first, then a destination-side
// broadcast reset through the platform's control plane.
package watchdog

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vistter/vistterstream/internal/encoder"
	"github.com/vistter/vistterstream/internal/logging"
	"github.com/vistter/vistterstream/internal/model"
)

const (
	// unhealthyThreshold is how many consecutive failed checks arm a
	// recovery.
	unhealthyThreshold = 3

	// recoveryCooldown is the minimum spacing between recoveries for
	// one watchdog.
	recoveryCooldown = 120 * time.Second

	// heartbeatStall marks the timeline driver as stalled.
	heartbeatStall = 300 * time.Second

	// localRecoveryAttempts is how many recoveries stay local before
	// the control plane is involved.
	localRecoveryAttempts = 2

	// probeTimeout bounds the live-page fetch.
	probeTimeout = 15 * time.Second
)

var wdLogger *slog.Logger

func init() {
	wdLogger = logging.ForService("watchdog")
	if wdLogger == nil {
		wdLogger = slog.Default().With("service", "watchdog")
	}
}

// Supervisor is the transcoder-state surface the watchdog reads; it
// never touches supervisor internals.
type Supervisor interface {
	GetState(streamID string) (encoder.StreamState, bool)
	KillForRecovery(streamID string) error
}

// HeartbeatSource exposes the timeline driver's progress.
type HeartbeatSource interface {
	LastSegmentCompletion(timelineID int) (time.Time, bool)
}

// DestinationResolver loads destination watchdog policies.
type DestinationResolver interface {
	GetDestination(id int) (*model.Destination, error)
}

// ControlPlane performs destination-side broadcast resets.
type ControlPlane interface {
	ResetBroadcast(ctx context.Context, token, broadcastID string) error
}

// RecoveryFunc observes every triggered recovery; wired to the notifier.
type RecoveryFunc func(streamID, destinationName string, attempt int)

// Config wires the manager.
type Config struct {
	Supervisor   Supervisor
	Heartbeats   HeartbeatSource
	Destinations DestinationResolver
	Clock        clock.Clock
	// HTTPClient serves the live-page probe; defaulted when nil.
	HTTPClient *http.Client
	// ControlPlane is the tier-3 recovery backend; defaulted when nil.
	ControlPlane ControlPlane
	// OnRecovery may be nil.
	OnRecovery RecoveryFunc
}

// watchKey identifies one watchdog.
type watchKey struct {
	streamID      string
	destinationID int
}

// WatcherStatus is one watchdog's externally visible state.
type WatcherStatus struct {
	StreamID             string    `json:"stream_id"`
	DestinationID        int       `json:"destination_id"`
	DestinationName      string    `json:"destination_name"`
	Healthy              bool      `json:"healthy"`
	ConsecutiveUnhealthy int       `json:"consecutive_unhealthy"`
	LastHealthyAt        time.Time `json:"last_healthy_at"`
	LastRecoveryAt       time.Time `json:"last_recovery_at"`
	RecoveryCount        int       `json:"recovery_count"`
}

// Manager owns all watchdog goroutines. C6/C7 notify it when streams
// start and stop; it never polls the database for active streams.
type Manager struct {
	supervisor   Supervisor
	heartbeats   HeartbeatSource
	destinations DestinationResolver
	clk          clock.Clock
	httpClient   *http.Client
	controlPlane ControlPlane
	onRecovery   RecoveryFunc

	mu       sync.Mutex
	watchers map[watchKey]*watcher
	wg       sync.WaitGroup
}

// NewManager builds the watchdog manager.
func NewManager(cfg Config) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: probeTimeout}
	}
	cp := cfg.ControlPlane
	if cp == nil {
		cp = newYouTubeControl(clk)
	}
	return &Manager{
		supervisor:   cfg.Supervisor,
		heartbeats:   cfg.Heartbeats,
		destinations: cfg.Destinations,
		clk:          clk,
		httpClient:   httpClient,
		controlPlane: cp,
		onRecovery:   cfg.OnRecovery,
		watchers:     make(map[watchKey]*watcher),
	}
}

// NotifyStreamStarted registers watchdogs for every destination of a
// newly started (or restarted) stream. Destinations without watchdog
// policy are skipped; existing watchdogs for the pair keep their state.
func (m *Manager) NotifyStreamStarted(streamID string, destinationIDs []int) {
	for _, destID := range destinationIDs {
		dest, err := m.destinations.GetDestination(destID)
		if err != nil {
			wdLogger.Warn("destination lookup failed", "destination_id", destID, "error", err)
			continue
		}
		if !dest.Watchdog.Enabled {
			continue
		}
		m.startWatcher(streamID, dest)
	}
}

// NotifyStreamStopped cancels every watchdog attached to the stream.
func (m *Manager) NotifyStreamStopped(streamID string) {
	m.mu.Lock()
	var stopped []*watcher
	for key, w := range m.watchers {
		if key.streamID == streamID {
			delete(m.watchers, key)
			stopped = append(stopped, w)
		}
	}
	m.mu.Unlock()

	for _, w := range stopped {
		w.cancel()
	}
	if len(stopped) > 0 {
		wdLogger.Info("watchdogs stopped", "stream_id", streamID, "count", len(stopped))
	}
}

// Restart cancels and recreates one watchdog with fresh state.
func (m *Manager) Restart(streamID string, destinationID int) error {
	dest, err := m.destinations.GetDestination(destinationID)
	if err != nil {
		return err
	}
	key := watchKey{streamID: streamID, destinationID: destinationID}
	m.mu.Lock()
	if w, exists := m.watchers[key]; exists {
		delete(m.watchers, key)
		defer w.cancel()
	}
	m.mu.Unlock()
	m.startWatcher(streamID, dest)
	return nil
}

// Reload re-resolves every watched destination's policy and restarts
// the watchdogs that reference it; used after destination edits.
func (m *Manager) Reload() error {
	m.mu.Lock()
	keys := make([]watchKey, 0, len(m.watchers))
	for key := range m.watchers {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		if err := m.Restart(key.streamID, key.destinationID); err != nil {
			return err
		}
	}
	wdLogger.Info("watchdogs reloaded", "count", len(keys))
	return nil
}

// Status snapshots every watchdog.
func (m *Manager) Status() []WatcherStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WatcherStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.status())
	}
	return out
}

// Shutdown cancels everything and waits for the goroutines.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for key, w := range m.watchers {
		delete(m.watchers, key)
		w.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// startWatcher spawns the goroutine for one (destination, stream) pair
// unless it is already watched.
func (m *Manager) startWatcher(streamID string, dest *model.Destination) {
	key := watchKey{streamID: streamID, destinationID: dest.ID}

	m.mu.Lock()
	if _, exists := m.watchers[key]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{
		manager:   m,
		streamID:  streamID,
		dest:      *dest,
		ctxCancel: cancel,
	}
	m.watchers[key] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run(ctx)
	}()

	wdLogger.Info("watchdog started",
		"stream_id", streamID,
		"destination", dest.Name,
		"interval", dest.Watchdog.Interval().String())
	log.Printf("🔍 Watchdog started for stream %s → %s", streamID, dest.Name)
}
