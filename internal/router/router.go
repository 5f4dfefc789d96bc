// Package router owns the engine-wide streaming state machine:
// idle → preview → live → idle. One timeline is active at a time; every
// transition happens under the router's mutex.
package router

import (
	"context"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vistter/vistterstream/internal/errors"
	"github.com/vistter/vistterstream/internal/logging"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/timeline"
)

// liveRestartPause separates the preview stop from the live start so
// the transcoder's output sockets are fully released.
const liveRestartPause = time.Second

var routerLogger *slog.Logger

func init() {
	routerLogger = logging.ForService("router")
	if routerLogger == nil {
		routerLogger = slog.Default().With("service", "router")
	}
}

// State is the router's position in the streaming state machine.
type State string

const (
	StateIdle    State = "idle"
	StatePreview State = "preview"
	StateLive    State = "live"
)

// TimelineRunner is the executor surface the router drives.
type TimelineRunner interface {
	StartTimeline(ctx context.Context, timelineID int, outputURLs []string, opts timeline.StartOptions) (bool, error)
	StopTimeline(ctx context.Context, timelineID int) (bool, error)
}

// DestinationStore resolves destination ids to streamable endpoints.
type DestinationStore interface {
	GetDestinations(ids []int) ([]*model.Destination, error)
	TouchDestinationLastUsed(id int) error
}

// PreviewServer is the health/publish surface of the preview media
// server.
type PreviewServer interface {
	Healthy(ctx context.Context) error
	RTMPURL() string
}

// Status is the externally visible router state.
type Status struct {
	State            State    `json:"state"`
	TimelineID       int      `json:"timeline_id,omitempty"`
	DestinationIDs   []int    `json:"destination_ids,omitempty"`
	DestinationNames []string `json:"destination_names,omitempty"`
}

// Router coordinates preview and live streaming for the engine.
type Router struct {
	exec    TimelineRunner
	store   DestinationStore
	preview PreviewServer
	clk     clock.Clock

	mu             sync.Mutex
	state          State
	activeTimeline int
	destinationIDs []int
	destNames      []string
}

// New builds a router in the idle state.
func New(exec TimelineRunner, store DestinationStore, preview PreviewServer, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.New()
	}
	return &Router{
		exec:    exec,
		store:   store,
		preview: preview,
		clk:     clk,
		state:   StateIdle,
	}
}

// StartPreview sends the timeline to the local preview endpoint. The
// engine must be idle and the preview server reachable.
func (r *Router) StartPreview(ctx context.Context, timelineID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return errors.Newf("cannot start preview while %s (timeline %d)", r.state, r.activeTimeline).
			Component("router").
			Category(errors.CategoryConflict).
			Build()
	}
	if err := r.preview.Healthy(ctx); err != nil {
		return err
	}

	ok, err := r.exec.StartTimeline(ctx, timelineID, []string{r.preview.RTMPURL()}, timeline.StartOptions{})
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf("timeline %d already running", timelineID).
			Component("router").
			Category(errors.CategoryConflict).
			Build()
	}

	r.state = StatePreview
	r.activeTimeline = timelineID
	r.destinationIDs = nil
	r.destNames = nil

	routerLogger.Info("preview started", "timeline_id", timelineID)
	log.Printf("✅ Preview started for timeline %d", timelineID)
	return nil
}

// GoLive promotes the previewing timeline to the given destinations:
// the preview run is stopped and the same timeline restarts from zero
// against the live URLs.
func (r *Router) GoLive(ctx context.Context, destinationIDs []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePreview {
		return errors.Newf("go-live requires an active preview (state %s)", r.state).
			Component("router").
			Category(errors.CategoryConflict).
			Build()
	}
	urls, names, err := r.resolveDestinations(destinationIDs)
	if err != nil {
		return err
	}

	timelineID := r.activeTimeline
	if _, err := r.exec.StopTimeline(ctx, timelineID); err != nil {
		return err
	}
	r.pause(ctx, liveRestartPause)

	ok, err := r.exec.StartTimeline(ctx, timelineID, urls, timeline.StartOptions{
		DestinationIDs: destinationIDs,
	})
	if err != nil || !ok {
		r.state = StateIdle
		r.activeTimeline = 0
		if err != nil {
			return err
		}
		return errors.Newf("timeline %d failed to restart for live", timelineID).
			Component("router").
			Category(errors.CategoryConflict).
			Build()
	}

	r.state = StateLive
	r.destinationIDs = destinationIDs
	r.destNames = names

	routerLogger.Info("live started", "timeline_id", timelineID, "destinations", names)
	log.Printf("✅ Timeline %d is LIVE to %d destination(s)", timelineID, len(urls))
	return nil
}

// Stop returns the engine to idle from any state. Idempotent.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(ctx)
}

func (r *Router) stopLocked(ctx context.Context) error {
	if r.state == StateIdle {
		return nil
	}
	timelineID := r.activeTimeline
	if _, err := r.exec.StopTimeline(ctx, timelineID); err != nil {
		return err
	}
	r.state = StateIdle
	r.activeTimeline = 0
	r.destinationIDs = nil
	r.destNames = nil

	routerLogger.Info("streaming stopped", "timeline_id", timelineID)
	log.Printf("🛑 Streaming stopped (timeline %d)", timelineID)
	return nil
}

// StartScheduled is the scheduler's unattended entry point: whatever is
// active is stopped and the timeline goes straight to live, no preview
// precondition.
func (r *Router) StartScheduled(ctx context.Context, timelineID int, destinationIDs []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.stopLocked(ctx); err != nil {
		return err
	}
	urls, names, err := r.resolveDestinations(destinationIDs)
	if err != nil {
		return err
	}

	ok, err := r.exec.StartTimeline(ctx, timelineID, urls, timeline.StartOptions{
		DestinationIDs: destinationIDs,
	})
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf("timeline %d already running", timelineID).
			Component("router").
			Category(errors.CategoryConflict).
			Build()
	}

	r.state = StateLive
	r.activeTimeline = timelineID
	r.destinationIDs = destinationIDs
	r.destNames = names

	routerLogger.Info("scheduled stream started", "timeline_id", timelineID, "destinations", names)
	log.Printf("✅ Scheduled stream started: timeline %d → %d destination(s)", timelineID, len(urls))
	return nil
}

// Status reports the router's current state.
func (r *Router) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		State:            r.state,
		TimelineID:       r.activeTimeline,
		DestinationIDs:   append([]int(nil), r.destinationIDs...),
		DestinationNames: append([]string(nil), r.destNames...),
	}
}

// resolveDestinations maps ids to output URLs and display names,
// stamping each destination's last-used timestamp.
func (r *Router) resolveDestinations(ids []int) (urls, names []string, err error) {
	if len(ids) == 0 {
		return nil, nil, errors.Newf("at least one destination required").
			Component("router").
			Category(errors.CategoryValidation).
			Build()
	}
	dests, err := r.store.GetDestinations(ids)
	if err != nil {
		return nil, nil, err
	}
	for _, d := range dests {
		urls = append(urls, d.OutputURL())
		names = append(names, d.Name)
		if err := r.store.TouchDestinationLastUsed(d.ID); err != nil {
			routerLogger.Warn("last-used stamp failed", "destination", d.Name, "error", err)
		}
	}
	return urls, names, nil
}

// pause sleeps on the injected clock, returning early on cancellation.
func (r *Router) pause(ctx context.Context, d time.Duration) {
	select {
	case <-r.clk.After(d):
	case <-ctx.Done():
	}
}
