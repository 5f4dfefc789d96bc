package watchdog

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/k3a/html2text"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/vistter/vistterstream/internal/model"
)

// watcher is one (destination, stream) health loop.
type watcher struct {
	manager   *Manager
	streamID  string
	dest      model.Destination
	ctxCancel context.CancelFunc

	mu                   sync.Mutex
	consecutiveUnhealthy int
	lastHealthyAt        time.Time
	lastRecoveryAt       time.Time
	recoveryCount        int
}

func (w *watcher) cancel() {
	w.ctxCancel()
}

func (w *watcher) status() WatcherStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WatcherStatus{
		StreamID:             w.streamID,
		DestinationID:        w.dest.ID,
		DestinationName:      w.dest.Name,
		Healthy:              w.consecutiveUnhealthy == 0,
		ConsecutiveUnhealthy: w.consecutiveUnhealthy,
		LastHealthyAt:        w.lastHealthyAt,
		LastRecoveryAt:       w.lastRecoveryAt,
		RecoveryCount:        w.recoveryCount,
	}
}

// run checks at the destination's configured interval until cancelled.
func (w *watcher) run(ctx context.Context) {
	ticker := w.manager.clk.Ticker(w.dest.Watchdog.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick performs one health decision and, when armed and off cooldown,
// one recovery.
func (w *watcher) tick(ctx context.Context) {
	healthy := w.check(ctx)
	now := w.manager.clk.Now()

	w.mu.Lock()
	if healthy {
		w.consecutiveUnhealthy = 0
		w.lastHealthyAt = now
		w.mu.Unlock()
		return
	}
	w.consecutiveUnhealthy++
	consecutive := w.consecutiveUnhealthy
	sinceRecovery := now.Sub(w.lastRecoveryAt)
	hadRecovery := !w.lastRecoveryAt.IsZero()
	w.mu.Unlock()

	wdLogger.Warn("stream unhealthy",
		"stream_id", w.streamID,
		"destination", w.dest.Name,
		"consecutive", consecutive)

	if consecutive < unhealthyThreshold {
		return
	}
	if hadRecovery && sinceRecovery < recoveryCooldown {
		wdLogger.Info("recovery armed but cooling down",
			"stream_id", w.streamID,
			"destination", w.dest.Name,
			"since_last_recovery", sinceRecovery.Round(time.Second).String())
		return
	}
	w.recover(ctx)
}

// check runs the four-step health decision. Steps are ordered from
// cheapest to most expensive; the page probe can only override in
// either direction, a probe timeout never downgrades.
func (w *watcher) check(ctx context.Context) bool {
	state, ok := w.manager.supervisor.GetState(w.streamID)
	if !ok || state.Status != model.StatusRunning {
		return false
	}
	if !processAlive(state.PID) {
		return false
	}

	if verdict, conclusive := w.probeLivePage(ctx); conclusive {
		return verdict
	}

	return !w.heartbeatStalled()
}

// processAlive reports whether pid refers to a live, non-zombie OS
// process. A transcoder that crashed but was not yet reaped shows up
// as a zombie.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		// The pid exists but the status read failed; do not downgrade
		// on a procfs hiccup.
		return true
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// probeLivePage fetches the destination's public live indicator page
// and scans the normalized text for configured markers. Returns
// (verdict, true) only when a marker decided the outcome.
func (w *watcher) probeLivePage(ctx context.Context) (healthy, conclusive bool) {
	cfg := w.dest.Watchdog
	if cfg.PageURL == "" || (len(cfg.OfflineMarkers) == 0 && len(cfg.LiveMarkers) == 0) {
		return false, false
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.PageURL, nil)
	if err != nil {
		return false, false
	}
	resp, err := w.manager.httpClient.Do(req)
	if err != nil {
		// Network trouble on OUR side is not evidence about the
		// stream.
		wdLogger.Debug("live-page probe failed", "destination", w.dest.Name, "error", err)
		return false, false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return false, false
	}
	text := strings.ToLower(html2text.HTML2Text(string(body)))

	for _, marker := range cfg.OfflineMarkers {
		if marker != "" && strings.Contains(text, strings.ToLower(marker)) {
			wdLogger.Warn("offline marker on live page",
				"destination", w.dest.Name, "marker", marker)
			return false, true
		}
	}
	for _, marker := range cfg.LiveMarkers {
		if marker != "" && strings.Contains(text, strings.ToLower(marker)) {
			return true, true
		}
	}
	return false, false
}

// heartbeatStalled reports whether the timeline driver has stopped
// completing segments. A missing heartbeat (stream just started) is
// not a stall.
func (w *watcher) heartbeatStalled() bool {
	timelineID, err := strconv.Atoi(w.streamID)
	if err != nil {
		return false
	}
	hb, ok := w.manager.heartbeats.LastSegmentCompletion(timelineID)
	if !ok {
		return false
	}
	return time.Since(hb) >= heartbeatStall
}

// recover runs one tiered recovery: local transcoder kills first, then
// a destination-side broadcast reset once a control token is
// configured and the local tier has been exhausted.
func (w *watcher) recover(ctx context.Context) {
	w.mu.Lock()
	w.recoveryCount++
	attempt := w.recoveryCount
	w.lastRecoveryAt = w.manager.clk.Now()
	w.consecutiveUnhealthy = 0
	w.mu.Unlock()

	cfg := w.dest.Watchdog
	useControlPlane := attempt > localRecoveryAttempts && cfg.ControlToken != "" && cfg.BroadcastID != ""

	wdLogger.Warn("triggering recovery",
		"stream_id", w.streamID,
		"destination", w.dest.Name,
		"attempt", attempt,
		"control_plane", useControlPlane)
	log.Printf("⚠️ Watchdog recovery #%d for stream %s → %s", attempt, w.streamID, w.dest.Name)

	if useControlPlane {
		if err := w.manager.controlPlane.ResetBroadcast(ctx, cfg.ControlToken, cfg.BroadcastID); err != nil {
			wdLogger.Error("broadcast reset failed, falling back to local kill",
				"destination", w.dest.Name, "error", err)
			w.killLocal()
		}
	} else {
		w.killLocal()
	}

	if w.manager.onRecovery != nil {
		w.manager.onRecovery(w.streamID, w.dest.Name, attempt)
	}
}

func (w *watcher) killLocal() {
	if err := w.manager.supervisor.KillForRecovery(w.streamID); err != nil {
		wdLogger.Error("recovery kill failed", "stream_id", w.streamID, "error", err)
	}
}
