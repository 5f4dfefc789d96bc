package engine

import (
	"context"
	"time"

	"github.com/vistter/vistterstream/internal/encoder"
	"github.com/vistter/vistterstream/internal/hardware"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/router"
	"github.com/vistter/vistterstream/internal/timeline"
	"github.com/vistter/vistterstream/internal/watchdog"
)

// The engine's control surface. The HTTP/API layer in front of the
// appliance calls these; they delegate to the owning component.

// StartTimeline runs a timeline against explicit output URLs.
func (e *Engine) StartTimeline(ctx context.Context, timelineID int, outputURLs []string, opts timeline.StartOptions) (bool, error) {
	return e.executor.StartTimeline(ctx, timelineID, outputURLs, opts)
}

// StopTimeline stops a running timeline.
func (e *Engine) StopTimeline(ctx context.Context, timelineID int) (bool, error) {
	return e.executor.StopTimeline(ctx, timelineID)
}

// StartPreview sends a timeline to the local preview server.
func (e *Engine) StartPreview(ctx context.Context, timelineID int) error {
	return e.router.StartPreview(ctx, timelineID)
}

// GoLive promotes the previewed timeline to the given destinations.
func (e *Engine) GoLive(ctx context.Context, destinationIDs []int) error {
	return e.router.GoLive(ctx, destinationIDs)
}

// StopStreaming stops whatever the router has active.
func (e *Engine) StopStreaming(ctx context.Context) error {
	return e.router.Stop(ctx)
}

// StreamingStatus reports the router's state.
func (e *Engine) StreamingStatus() router.Status {
	return e.router.Status()
}

// WatchdogStatus reports every active watcher.
func (e *Engine) WatchdogStatus() []watchdog.WatcherStatus {
	return e.watchdog.Status()
}

// WatchdogRestart resets one watcher's recovery state.
func (e *Engine) WatchdogRestart(streamID string, destinationID int) error {
	return e.watchdog.Restart(streamID, destinationID)
}

// WatchdogReload re-reads destination watchdog policies.
func (e *Engine) WatchdogReload() error {
	return e.watchdog.Reload()
}

// ListSchedules returns the configured streaming windows.
func (e *Engine) ListSchedules() ([]*model.Schedule, error) {
	return e.store.ListSchedules()
}

// ReloadSchedules re-evaluates the schedule table immediately.
func (e *Engine) ReloadSchedules() {
	e.scheduler.Reload()
}

// Position returns a running timeline's playhead.
func (e *Engine) Position(timelineID int) (model.PlaybackPosition, bool) {
	return e.executor.Position(timelineID)
}

// ActiveTimelines lists the ids of currently driven timelines.
func (e *Engine) ActiveTimelines() []int {
	return e.executor.ActiveTimelines()
}

// LastSegmentCompletion is the timeline's heartbeat, read by status
// endpoints alongside the watchdog.
func (e *Engine) LastSegmentCompletion(timelineID int) (time.Time, bool) {
	return e.executor.LastSegmentCompletion(timelineID)
}

// StreamState returns the supervisor's view of one stream.
func (e *Engine) StreamState(streamID string) (encoder.StreamState, bool) {
	return e.supervisor.GetState(streamID)
}

// Capabilities returns the probed hardware capabilities.
func (e *Engine) Capabilities() hardware.Capabilities {
	return *e.caps
}
