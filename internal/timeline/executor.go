package timeline

import (
	"context"
	"log"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vistter/vistterstream/internal/encoder"
	"github.com/vistter/vistterstream/internal/errors"
	"github.com/vistter/vistterstream/internal/logging"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/overlay"
)

const (
	// freshStartDeadline bounds a stop-then-start transcoder launch.
	freshStartDeadline = 60 * time.Second

	// driverStopWait is how long StopTimeline waits for the driver to
	// acknowledge cancellation.
	driverStopWait = 15 * time.Second
)

var execLogger *slog.Logger

func init() {
	execLogger = logging.ForService("timeline")
	if execLogger == nil {
		execLogger = slog.Default().With("service", "timeline")
	}
}

// StreamID maps a timeline id to its supervisor stream id.
func StreamID(timelineID int) string {
	return strconv.Itoa(timelineID)
}

// Store is the read-model slice the executor needs.
type Store interface {
	GetTimeline(id int) (*model.Timeline, error)
	GetCameras(ids []int) (map[int]*model.Camera, error)
	GetPreset(id int) (*model.Preset, error)
	GetAssets(ids []int) (map[int]*model.Asset, error)
	GetDestinations(ids []int) ([]*model.Destination, error)
}

// Transcoder is the supervisor surface the executor drives.
type Transcoder interface {
	Start(ctx context.Context, req encoder.StartRequest) (*encoder.StreamState, error)
	Stop(ctx context.Context, streamID string, graceful bool) error
	StopWithTimeout(ctx context.Context, streamID string, gracePeriod time.Duration) error
	Rekey(tempID, realID string) error
	OnDied(streamID string, cb encoder.DiedCallback)
	ClearOnDied(streamID string)
	GetState(streamID string) (encoder.StreamState, bool)
	SetDestinations(streamID string, destinationIDs []int)
}

// RelayPool supplies per-camera local relay feeds.
type RelayPool interface {
	EnsureStarted(ctx context.Context, camera model.Camera) error
	LocalURL(cameraID int) string
}

// PTZ pre-positions cameras between cuts.
type PTZ interface {
	MoveToPreset(ctx context.Context, camera model.Camera, preset model.Preset) error
}

// Prefetcher resolves a timeline's overlays to local files. One
// prefetcher instance per run owns that run's temp files.
type Prefetcher interface {
	Prefetch(ctx context.Context, timeline *model.Timeline, assets map[int]*model.Asset) ([]overlay.TimedOverlay, error)
	Cleanup()
}

// WatchdogNotifier is told when supervised streams come and go.
type WatchdogNotifier interface {
	StreamStarted(streamID string, destinationIDs []int)
	StreamStopped(streamID string)
}

// Config wires the executor.
type Config struct {
	Store      Store
	Transcoder Transcoder
	Relays     RelayPool
	PTZ        PTZ
	Watchdog   WatchdogNotifier // may be nil
	Clock      clock.Clock

	// Encoder is the probed encoder tag used when StartOptions carry
	// no explicit profile.
	Encoder string
	// DefaultBitrate in ffmpeg rate syntax.
	DefaultBitrate string
	// NewPrefetcher builds the per-run overlay prefetcher.
	NewPrefetcher func() Prefetcher
}

// StartOptions parameterize one timeline run.
type StartOptions struct {
	// Profile overrides the timeline-derived encoding profile.
	Profile *encoder.Profile
	// DestinationIDs are reported to the watchdog and recorded on the
	// stream.
	DestinationIDs []int
	// StartPosition fast-forwards the first pass to this timeline
	// second.
	StartPosition float64
}

// Executor runs timelines. One driver goroutine per active timeline;
// all cross-goroutine state lives behind the run's mutex.
type Executor struct {
	store      Store
	transcoder Transcoder
	relays     RelayPool
	ptz        PTZ
	watchdog   WatchdogNotifier
	clk        clock.Clock

	encoderTag     string
	defaultBitrate string
	newPrefetcher  func() Prefetcher

	mu   sync.Mutex
	runs map[int]*run
}

// run is one active timeline's shared state.
type run struct {
	timelineID int
	streamID   string
	cancel     context.CancelFunc
	done       chan struct{}
	prefetcher Prefetcher

	destinationIDs   []int
	destinationNames []string
	startPosition    float64

	mu              sync.Mutex
	position        *model.PlaybackPosition
	lastSegmentDone time.Time
	currentCameraID int
	currentPresetID int
}

// NewExecutor builds a timeline executor.
func NewExecutor(cfg Config) *Executor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Executor{
		store:          cfg.Store,
		transcoder:     cfg.Transcoder,
		relays:         cfg.Relays,
		ptz:            cfg.PTZ,
		watchdog:       cfg.Watchdog,
		clk:            clk,
		encoderTag:     cfg.Encoder,
		defaultBitrate: cfg.DefaultBitrate,
		newPrefetcher:  cfg.NewPrefetcher,
		runs:           make(map[int]*run),
	}
}

// StartTimeline loads, prepares, and starts driving the timeline
// against the output URLs. Returns false when the timeline is already
// running.
func (e *Executor) StartTimeline(ctx context.Context, timelineID int, outputURLs []string, opts StartOptions) (bool, error) {
	e.mu.Lock()
	if _, exists := e.runs[timelineID]; exists {
		e.mu.Unlock()
		return false, nil
	}
	// Reserve the slot before the (slow) preparation so concurrent
	// starts of the same timeline collapse to one.
	placeholder := &run{timelineID: timelineID, streamID: StreamID(timelineID), done: make(chan struct{})}
	e.runs[timelineID] = placeholder
	e.mu.Unlock()

	r, tl, cameras, overlays, err := e.prepare(ctx, placeholder, timelineID, opts)
	if err != nil {
		e.mu.Lock()
		if e.runs[timelineID] == placeholder {
			delete(e.runs, timelineID)
		}
		e.mu.Unlock()
		close(placeholder.done)
		return false, err
	}

	profile := e.profileFor(tl, opts)
	driverCtx, cancel := context.WithCancel(context.Background())

	// A concurrent StopTimeline may have claimed the slot while prepare
	// ran unlocked; launching the driver then would orphan it with no
	// stop path able to reach it. Same identity re-check the natural-
	// completion path makes before tearing down.
	e.mu.Lock()
	if e.runs[timelineID] != r {
		e.mu.Unlock()
		cancel()
		if r.prefetcher != nil {
			r.prefetcher.Cleanup()
		}
		close(r.done)
		execLogger.Info("timeline stopped during preparation", "timeline_id", timelineID)
		return false, nil
	}
	r.cancel = cancel
	e.mu.Unlock()

	go e.drive(driverCtx, r, tl, cameras, overlays, outputURLs, profile)

	execLogger.Info("timeline started",
		"timeline_id", timelineID,
		"name", tl.Name,
		"duration", tl.Duration,
		"loop", tl.Loop,
		"outputs", len(outputURLs),
		"start_position", opts.StartPosition)
	log.Printf("✅ Timeline %q started (%d output(s))", tl.Name, len(outputURLs))
	return true, nil
}

// prepare loads the snapshot, prefetches overlays, and warms the camera
// relays.
func (e *Executor) prepare(ctx context.Context, r *run, timelineID int, opts StartOptions) (*run, *model.Timeline, map[int]*model.Camera, []overlay.TimedOverlay, error) {
	tl, err := e.store.GetTimeline(timelineID)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	cameras, err := e.store.GetCameras(tl.ReferencedCameraIDs())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	for _, cam := range cameras {
		if err := e.relays.EnsureStarted(ctx, *cam); err != nil {
			return nil, nil, nil, nil, err
		}
	}

	assets, err := e.store.GetAssets(tl.ReferencedAssetIDs())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	r.prefetcher = e.newPrefetcher()
	overlays, err := r.prefetcher.Prefetch(ctx, tl, assets)
	if err != nil {
		r.prefetcher.Cleanup()
		return nil, nil, nil, nil, err
	}

	r.destinationIDs = opts.DestinationIDs
	if len(opts.DestinationIDs) > 0 {
		if dests, derr := e.store.GetDestinations(opts.DestinationIDs); derr == nil {
			names := make([]string, 0, len(dests))
			for _, d := range dests {
				names = append(names, d.Name)
			}
			r.destinationNames = names
		} else {
			execLogger.Warn("destination names unavailable", "timeline_id", timelineID, "error", derr)
		}
	}

	r.mu.Lock()
	r.currentCameraID = 0
	r.currentPresetID = 0
	r.mu.Unlock()

	// Stash the start position on the run for the driver.
	r.startPosition = opts.StartPosition
	return r, tl, cameras, overlays, nil
}

// StopTimeline cancels the driver and tears the stream down. Returns
// false when the timeline was not running. Idempotent.
func (e *Executor) StopTimeline(ctx context.Context, timelineID int) (bool, error) {
	e.mu.Lock()
	r, exists := e.runs[timelineID]
	if exists {
		delete(e.runs, timelineID)
	}
	e.mu.Unlock()
	if !exists {
		return false, nil
	}

	if r.cancel != nil {
		r.cancel()
	}
	select {
	case <-r.done:
	case <-time.After(driverStopWait):
		execLogger.Warn("driver did not stop in time", "timeline_id", timelineID)
	}

	e.teardown(ctx, r)
	execLogger.Info("timeline stopped", "timeline_id", timelineID)
	log.Printf("🛑 Timeline %d stopped", timelineID)
	return true, nil
}

// teardown releases everything a run holds: the transcoder, the overlay
// temp files, the watchdog registration, and the published position.
// Safe to call more than once.
func (e *Executor) teardown(ctx context.Context, r *run) {
	e.transcoder.ClearOnDied(r.streamID)
	if err := e.transcoder.Stop(ctx, r.streamID, true); err != nil {
		execLogger.Warn("transcoder stop failed", "timeline_id", r.timelineID, "error", err)
	}
	if r.prefetcher != nil {
		r.prefetcher.Cleanup()
	}
	if e.watchdog != nil {
		e.watchdog.StreamStopped(r.streamID)
	}

	r.mu.Lock()
	r.position = nil
	r.mu.Unlock()
}

// Position returns the timeline's current playhead.
func (e *Executor) Position(timelineID int) (model.PlaybackPosition, bool) {
	e.mu.Lock()
	r, exists := e.runs[timelineID]
	e.mu.Unlock()
	if !exists {
		return model.PlaybackPosition{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.position == nil {
		return model.PlaybackPosition{}, false
	}
	return *r.position, true
}

// ActiveTimelines lists running timeline ids.
func (e *Executor) ActiveTimelines() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

// DestinationNames returns the display names of the run's destinations.
func (e *Executor) DestinationNames(timelineID int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, exists := e.runs[timelineID]; exists {
		return r.destinationNames
	}
	return nil
}

// LastSegmentCompletion returns the run's heartbeat: when the driver
// last finished a segment. The watchdog treats a stale heartbeat as a
// stalled timeline.
func (e *Executor) LastSegmentCompletion(timelineID int) (time.Time, bool) {
	e.mu.Lock()
	r, exists := e.runs[timelineID]
	e.mu.Unlock()
	if !exists {
		return time.Time{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSegmentDone.IsZero() {
		return time.Time{}, false
	}
	return r.lastSegmentDone, true
}

// profileFor derives the encoding profile from the timeline unless the
// caller supplied one.
func (e *Executor) profileFor(tl *model.Timeline, opts StartOptions) encoder.Profile {
	if opts.Profile != nil {
		return *opts.Profile
	}
	return encoder.Profile{
		Encoder:      e.encoderTag,
		Width:        tl.ResolutionWidth,
		Height:       tl.ResolutionHeight,
		FPS:          tl.FPS,
		VideoBitrate: e.defaultBitrate,
	}
}

// drive is the timeline driver loop: one pass over the segments per
// loop iteration, camera cuts handled by fresh start or seamless
// handoff, gaps by holding the last frame.
func (e *Executor) drive(ctx context.Context, r *run, tl *model.Timeline, cameras map[int]*model.Camera, overlays []overlay.TimedOverlay, outputURLs []string, profile encoder.Profile) {
	defer close(r.done)

	segments := Segments(tl)
	totalCues := 0
	if vt := tl.VideoTrack(); vt != nil {
		totalCues = len(vt.Cues)
	}
	startPosition := r.startPosition
	wallStart := e.clk.Now()

	for loopCount := 1; ; loopCount++ {
		for segIdx, seg := range segments {
			if ctx.Err() != nil {
				return
			}

			segStart := seg.Start
			if startPosition > 0 {
				if seg.End <= startPosition {
					continue
				}
				if seg.Start < startPosition {
					segStart = startPosition
				}
				startPosition = 0
			}

			if err := e.runSegment(ctx, r, tl, cameras, overlays, outputURLs, profile, seg, segIdx, segStart, loopCount, totalCues, wallStart); err != nil {
				if ctx.Err() != nil {
					return
				}
				execLogger.Error("segment failed, continuing",
					"timeline_id", r.timelineID,
					"segment_start", seg.Start,
					"error", err)
			}

			// Heartbeat bumps even on segment error; the watchdog only
			// cares that the driver is making progress.
			r.mu.Lock()
			r.lastSegmentDone = time.Now()
			r.mu.Unlock()
		}
		if !tl.Loop {
			break
		}
	}

	// A non-looping timeline ran to completion; tear the stream down,
	// unless a concurrent StopTimeline already claimed the run.
	e.mu.Lock()
	claimed := e.runs[r.timelineID] == r
	if claimed {
		delete(e.runs, r.timelineID)
	}
	e.mu.Unlock()
	if claimed {
		execLogger.Info("timeline completed", "timeline_id", r.timelineID)
		log.Printf("✅ Timeline %d completed", r.timelineID)
		e.teardown(context.Background(), r)
	}
}

// runSegment executes one segment: camera cut decision, concurrent PTZ
// pre-move, transcoder (re)start, position publishing, and the wall-
// clock sleep to the segment boundary.
func (e *Executor) runSegment(ctx context.Context, r *run, tl *model.Timeline, cameras map[int]*model.Camera, overlays []overlay.TimedOverlay, outputURLs []string, profile encoder.Profile, seg Segment, segIdx int, segStart float64, loopCount, totalCues int, wallStart time.Time) error {
	segmentEnd := wallStart.
		Add(secondsToDuration(float64(loopCount-1) * tl.Duration)).
		Add(secondsToDuration(seg.End))

	videoCue := VideoCueAt(tl, segStart)
	if videoCue == nil {
		// Gap: hold the last frame if a transcoder is up, otherwise
		// there is nothing to show yet and the gap is skipped.
		if e.transcoderRunning(r.streamID) {
			stopPos := e.publishPosition(ctx, r, positionContext{
				timelineID:   r.timelineID,
				segmentIndex: segIdx,
				segmentStart: segStart,
				loopCount:    loopCount,
				totalCues:    totalCues,
			})
			defer stopPos()
			return e.sleepUntil(ctx, segmentEnd)
		}
		return nil
	}

	action := videoCue.Action
	camera, ok := cameras[action.CameraID]
	if !ok {
		return errors.Newf("timeline %d references unknown camera %d", tl.ID, action.CameraID).
			Component("timeline").
			Category(errors.CategoryValidation).
			Build()
	}

	r.mu.Lock()
	cameraChanged := action.CameraID != r.currentCameraID
	presetChanged := action.PresetID != nil && *action.PresetID != r.currentPresetID
	r.mu.Unlock()

	needsRestart := cameraChanged || !e.transcoderRunning(r.streamID)

	// The PTZ move runs concurrently with any restart; an on-stream pan
	// is the intended look, and PTZ failures never fail a segment.
	if presetChanged && camera.HasCredentials() {
		presetID := *action.PresetID
		r.mu.Lock()
		r.currentPresetID = presetID
		r.mu.Unlock()
		go e.movePTZ(ctx, *camera, presetID)
	}

	if needsRestart {
		req := encoder.StartRequest{
			StreamID:         r.streamID,
			InputURL:         e.relays.LocalURL(camera.ID),
			OutputURLs:       outputURLs,
			Profile:          profile,
			Overlays:         overlays,
			TimelineDuration: tl.Duration,
			Loop:             tl.Loop,
		}
		var err error
		if e.transcoderRunning(r.streamID) {
			err = e.handoff(ctx, r, req)
		} else {
			err = e.freshStart(ctx, r, req)
		}
		if err != nil {
			return err
		}

		r.mu.Lock()
		r.currentCameraID = action.CameraID
		r.mu.Unlock()

		e.transcoder.SetDestinations(r.streamID, r.destinationIDs)
		if e.watchdog != nil {
			e.watchdog.StreamStarted(r.streamID, r.destinationIDs)
		}
	}

	stopPos := e.publishPosition(ctx, r, positionContext{
		timelineID:   r.timelineID,
		segmentIndex: segIdx,
		segmentStart: segStart,
		cueID:        videoCue.ID,
		cueIndex:     cueIndex(tl, videoCue),
		loopCount:    loopCount,
		totalCues:    totalCues,
	})
	defer stopPos()

	return e.sleepUntil(ctx, segmentEnd)
}

// freshStart launches the transcoder with a hard start deadline and
// wires the died-callback.
func (e *Executor) freshStart(ctx context.Context, r *run, req encoder.StartRequest) error {
	startCtx, cancel := context.WithTimeout(ctx, freshStartDeadline)
	defer cancel()
	if _, err := e.transcoder.Start(startCtx, req); err != nil {
		return err
	}
	e.transcoder.OnDied(r.streamID, e.diedCallback(r))
	return nil
}

// movePTZ resolves and executes a preset move, swallowing all errors.
func (e *Executor) movePTZ(ctx context.Context, camera model.Camera, presetID int) {
	preset, err := e.store.GetPreset(presetID)
	if err != nil {
		execLogger.Warn("preset lookup failed", "camera", camera.Name, "preset_id", presetID, "error", err)
		return
	}
	if err := e.ptz.MoveToPreset(ctx, camera, *preset); err != nil {
		execLogger.Warn("PTZ move failed, continuing stream",
			"camera", camera.Name, "preset", preset.Name, "error", err)
	}
}

// diedCallback reacts to an unexpected transcoder death. The
// supervisor's restart ladder revives the child on its own; the
// executor records the event and leaves repeated deaths to the
// watchdog.
func (e *Executor) diedCallback(r *run) encoder.DiedCallback {
	return func(streamID, errMsg string) {
		execLogger.Error("transcoder died during timeline",
			"timeline_id", r.timelineID,
			"stream_id", streamID,
			"error", errMsg)
		log.Printf("⚠️ Stream %s died unexpectedly: %s", streamID, errMsg)
	}
}

// publishPosition starts the 2 Hz position updater for one segment and
// returns its stop function.
func (e *Executor) publishPosition(ctx context.Context, r *run, pc positionContext) func() {
	posCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runPositionUpdater(posCtx, e.clk, pc, func(p model.PlaybackPosition) {
			r.mu.Lock()
			r.position = &p
			r.mu.Unlock()
		})
	}()
	return func() {
		cancel()
		<-done
	}
}

// transcoderRunning reports whether a live transcoder is bound to the
// stream id.
func (e *Executor) transcoderRunning(streamID string) bool {
	state, ok := e.transcoder.GetState(streamID)
	return ok && !state.Status.Terminal()
}

// sleepUntil sleeps on the injected clock until target, returning early
// on cancellation.
func (e *Executor) sleepUntil(ctx context.Context, target time.Time) error {
	d := target.Sub(e.clk.Now())
	if d <= 0 {
		return nil
	}
	select {
	case <-e.clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cueIndex returns the cue's position within the video track.
func cueIndex(tl *model.Timeline, cue *model.Cue) int {
	vt := tl.VideoTrack()
	if vt == nil {
		return 0
	}
	for i := range vt.Cues {
		if vt.Cues[i].ID == cue.ID {
			return i
		}
	}
	return 0
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
