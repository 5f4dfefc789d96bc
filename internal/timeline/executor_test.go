package timeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/encoder"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/overlay"
)

// --- fakes -----------------------------------------------------------

type fakeStore struct {
	timeline *model.Timeline
	cameras  map[int]*model.Camera
	presets  map[int]*model.Preset

	// When set, GetTimeline announces itself on loadEntered and blocks
	// until loadRelease closes, so tests can hold a start mid-load.
	loadEntered chan struct{}
	loadRelease chan struct{}
}

func (s *fakeStore) GetTimeline(id int) (*model.Timeline, error) {
	if s.loadEntered != nil {
		s.loadEntered <- struct{}{}
		<-s.loadRelease
	}
	return s.timeline, nil
}
func (s *fakeStore) GetCameras(ids []int) (map[int]*model.Camera, error) {
	return s.cameras, nil
}
func (s *fakeStore) GetPreset(id int) (*model.Preset, error) { return s.presets[id], nil }
func (s *fakeStore) GetAssets(ids []int) (map[int]*model.Asset, error) {
	return map[int]*model.Asset{}, nil
}
func (s *fakeStore) GetDestinations(ids []int) ([]*model.Destination, error) {
	var out []*model.Destination
	for _, id := range ids {
		out = append(out, &model.Destination{ID: id, Name: "dest"})
	}
	return out, nil
}

type fakeTranscoder struct {
	mu     sync.Mutex
	calls  []string
	states map[string]encoder.StreamState
}

func newFakeTranscoder() *fakeTranscoder {
	return &fakeTranscoder{states: make(map[string]encoder.StreamState)}
}

func (f *fakeTranscoder) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeTranscoder) Start(ctx context.Context, req encoder.StartRequest) (*encoder.StreamState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start:" + req.StreamID + ":" + req.InputURL)
	state := encoder.StreamState{ID: req.StreamID, Status: model.StatusRunning}
	f.states[req.StreamID] = state
	return &state, nil
}

func (f *fakeTranscoder) Stop(ctx context.Context, id string, graceful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop:" + id)
	delete(f.states, id)
	return nil
}

func (f *fakeTranscoder) StopWithTimeout(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("quickstop:" + id)
	delete(f.states, id)
	return nil
}

func (f *fakeTranscoder) Rekey(tempID, realID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rekey:" + realID)
	state := f.states[tempID]
	state.ID = realID
	delete(f.states, tempID)
	f.states[realID] = state
	return nil
}

func (f *fakeTranscoder) OnDied(id string, cb encoder.DiedCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ondied:" + id)
}

func (f *fakeTranscoder) ClearOnDied(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("cleardied:" + id)
}

func (f *fakeTranscoder) GetState(id string) (encoder.StreamState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	return s, ok
}

func (f *fakeTranscoder) SetDestinations(id string, destinationIDs []int) {}

func (f *fakeTranscoder) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeRelays struct {
	mu      sync.Mutex
	started []int
}

func (f *fakeRelays) EnsureStarted(ctx context.Context, camera model.Camera) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, camera.ID)
	return nil
}

func (f *fakeRelays) LocalURL(cameraID int) string {
	return fmt.Sprintf("rtmp://127.0.0.1:1935/live/camera_%d", cameraID)
}

type fakePTZ struct {
	mu    sync.Mutex
	moves []int
}

func (f *fakePTZ) MoveToPreset(ctx context.Context, camera model.Camera, preset model.Preset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, preset.ID)
	return nil
}

type fakePrefetcher struct {
	mu      sync.Mutex
	cleaned bool
}

func (f *fakePrefetcher) Prefetch(ctx context.Context, tl *model.Timeline, assets map[int]*model.Asset) ([]overlay.TimedOverlay, error) {
	return nil, nil
}

func (f *fakePrefetcher) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = true
}

type fakeWatchdog struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeWatchdog) StreamStarted(id string, destinationIDs []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
}

func (f *fakeWatchdog) StreamStopped(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
}

// --- fixtures --------------------------------------------------------

func driverTimeline(loop bool) *model.Timeline {
	presetID := 3
	return &model.Timeline{
		ID: 7, Name: "harbor", Duration: 10, FPS: 30,
		ResolutionWidth: 1280, ResolutionHeight: 720, Loop: loop,
		Tracks: []model.Track{
			{
				ID: 1, Kind: model.TrackVideo, Enabled: true,
				Cues: []model.Cue{
					{ID: 10, Order: 0, Start: 0, Duration: 5, Action: model.ShowCamera(1, nil)},
					{ID: 11, Order: 1, Start: 5, Duration: 5, Action: model.ShowCamera(2, &presetID)},
				},
			},
		},
	}
}

type harness struct {
	exec       *Executor
	clk        *clock.Mock
	store      *fakeStore
	transcoder *fakeTranscoder
	relays     *fakeRelays
	ptz        *fakePTZ
	prefetcher *fakePrefetcher
	watchdog   *fakeWatchdog
}

func newHarness(t *testing.T, tl *model.Timeline) *harness {
	t.Helper()
	h := &harness{
		clk: clock.NewMock(),
		store: &fakeStore{
			timeline: tl,
			cameras: map[int]*model.Camera{
				1: {ID: 1, Name: "north", Address: "10.0.0.1", Credentials: model.Credentials{Username: "u", Password: "p"}},
				2: {ID: 2, Name: "south", Address: "10.0.0.2", Credentials: model.Credentials{Username: "u", Password: "p"}},
			},
			presets: map[int]*model.Preset{
				3: {ID: 3, CameraID: 2, Name: "dock", Coordinate: model.AbsoluteCoordinate(0.1, 0.1, 0)},
			},
		},
		transcoder: newFakeTranscoder(),
		relays:     &fakeRelays{},
		ptz:        &fakePTZ{},
		prefetcher: &fakePrefetcher{},
		watchdog:   &fakeWatchdog{},
	}
	h.exec = NewExecutor(Config{
		Store:          h.store,
		Transcoder:     h.transcoder,
		Relays:         h.relays,
		PTZ:            h.ptz,
		Watchdog:       h.watchdog,
		Clock:          h.clk,
		Encoder:        "libx264",
		DefaultBitrate: "4500k",
		NewPrefetcher:  func() Prefetcher { return h.prefetcher },
	})
	return h
}

// advance walks the mock clock forward in small steps, yielding between
// steps so the driver goroutine observes each timer.
func (h *harness) advance(total time.Duration) {
	step := 100 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		h.clk.Add(step)
		time.Sleep(time.Millisecond)
	}
}

func logContains(log []string, needle string) bool {
	for _, entry := range log {
		if strings.Contains(entry, needle) {
			return true
		}
	}
	return false
}

// --- tests -----------------------------------------------------------

func TestStartTimelineRejectsSecondStart(t *testing.T) {
	h := newHarness(t, driverTimeline(true))
	defer h.exec.StopTimeline(context.Background(), 7)

	ok, err := h.exec.StartTimeline(context.Background(), 7, []string{"rtmp://out/a"}, StartOptions{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.exec.StartTimeline(context.Background(), 7, []string{"rtmp://out/a"}, StartOptions{})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []int{7}, h.exec.ActiveTimelines())
}

func TestStopDuringPreparationDoesNotLaunchDriver(t *testing.T) {
	h := newHarness(t, driverTimeline(true))
	h.store.loadEntered = make(chan struct{})
	h.store.loadRelease = make(chan struct{})

	type startResult struct {
		ok  bool
		err error
	}
	startDone := make(chan startResult, 1)
	go func() {
		ok, err := h.exec.StartTimeline(context.Background(), 7, []string{"rtmp://out/a"}, StartOptions{})
		startDone <- startResult{ok, err}
	}()
	<-h.store.loadEntered // the slot is reserved, preparation in flight

	stopDone := make(chan bool, 1)
	go func() {
		stopped, _ := h.exec.StopTimeline(context.Background(), 7)
		stopDone <- stopped
	}()
	// The stop claims the run before preparation is released.
	require.Eventually(t, func() bool {
		return len(h.exec.ActiveTimelines()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	close(h.store.loadRelease)

	res := <-startDone
	require.NoError(t, res.err)
	assert.False(t, res.ok, "start must yield to the concurrent stop")
	assert.True(t, <-stopDone)

	assert.Empty(t, h.exec.ActiveTimelines())
	assert.False(t, logContains(h.transcoder.callLog(), "start:"),
		"no transcoder may start after the stop won the race: %v", h.transcoder.callLog())

	// The slot is free for a clean start afterwards.
	h.store.loadEntered = nil
	ok, err := h.exec.StartTimeline(context.Background(), 7, []string{"rtmp://out/a"}, StartOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
	stopped, err := h.exec.StopTimeline(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, stopped)
}

func TestDriverCameraCutUsesSeamlessHandoff(t *testing.T) {
	h := newHarness(t, driverTimeline(true))
	defer h.exec.StopTimeline(context.Background(), 7)

	ok, err := h.exec.StartTimeline(context.Background(), 7, []string{"rtmp://out/a"}, StartOptions{DestinationIDs: []int{4}})
	require.NoError(t, err)
	require.True(t, ok)

	// First segment: a fresh start against camera 1's relay.
	require.Eventually(t, func() bool {
		return logContains(h.transcoder.callLog(), "start:7:rtmp://127.0.0.1:1935/live/camera_1")
	}, 2*time.Second, 10*time.Millisecond)

	// Cross the 5s boundary: camera 2 arrives via handoff, not a plain
	// restart.
	h.advance(6 * time.Second)
	require.Eventually(t, func() bool {
		log := h.transcoder.callLog()
		return logContains(log, "_handoff_") && logContains(log, "rekey:7")
	}, 2*time.Second, 10*time.Millisecond)

	log := h.transcoder.callLog()
	assert.True(t, logContains(log, "quickstop:7"), "old transcoder gets the quick stop: %v", log)
	assert.True(t, logContains(log, "ondied:7"), "died callback re-registered after rekey")

	// The PTZ pre-move for camera 2's preset ran and was swallowed.
	require.Eventually(t, func() bool {
		h.ptz.mu.Lock()
		defer h.ptz.mu.Unlock()
		return len(h.ptz.moves) == 1 && h.ptz.moves[0] == 3
	}, 2*time.Second, 10*time.Millisecond)

	// Watchdog heard about both (re)starts.
	h.watchdog.mu.Lock()
	assert.GreaterOrEqual(t, len(h.watchdog.started), 2)
	h.watchdog.mu.Unlock()
}

func TestDriverStartPositionSkipsAndClamps(t *testing.T) {
	h := newHarness(t, driverTimeline(true))
	defer h.exec.StopTimeline(context.Background(), 7)

	ok, err := h.exec.StartTimeline(context.Background(), 7, []string{"rtmp://out/a"}, StartOptions{StartPosition: 7})
	require.NoError(t, err)
	require.True(t, ok)

	// The first segment [0,5) is skipped entirely; playback opens on
	// camera 2.
	require.Eventually(t, func() bool {
		return logContains(h.transcoder.callLog(), "start:7:rtmp://127.0.0.1:1935/live/camera_2")
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, logContains(h.transcoder.callLog(), "camera_1"))
}

func TestStopTimelineTearsDown(t *testing.T) {
	h := newHarness(t, driverTimeline(true))

	ok, err := h.exec.StartTimeline(context.Background(), 7, []string{"rtmp://out/a"}, StartOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return logContains(h.transcoder.callLog(), "start:7:")
	}, 2*time.Second, 10*time.Millisecond)

	stopped, err := h.exec.StopTimeline(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, stopped)

	log := h.transcoder.callLog()
	assert.True(t, logContains(log, "cleardied:7"), "died callback cleared before stop: %v", log)
	assert.True(t, logContains(log, "stop:7"))
	assert.True(t, h.prefetcher.cleaned)

	h.watchdog.mu.Lock()
	assert.Contains(t, h.watchdog.stopped, "7")
	h.watchdog.mu.Unlock()

	assert.Empty(t, h.exec.ActiveTimelines())
	_, hasPos := h.exec.Position(7)
	assert.False(t, hasPos)

	// Idempotent.
	stopped, err = h.exec.StopTimeline(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestNonLoopingTimelineStopsItself(t *testing.T) {
	h := newHarness(t, driverTimeline(false))

	ok, err := h.exec.StartTimeline(context.Background(), 7, []string{"rtmp://out/a"}, StartOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	h.advance(11 * time.Second)
	require.Eventually(t, func() bool {
		return len(h.exec.ActiveTimelines()) == 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, logContains(h.transcoder.callLog(), "stop:7"))
	assert.True(t, h.prefetcher.cleaned)
}

func TestPositionPublishing(t *testing.T) {
	h := newHarness(t, driverTimeline(true))
	defer h.exec.StopTimeline(context.Background(), 7)

	ok, err := h.exec.StartTimeline(context.Background(), 7, []string{"rtmp://out/a"}, StartOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		pos, has := h.exec.Position(7)
		return has && pos.TotalCues == 2 && pos.CurrentCueID == 10
	}, 2*time.Second, 10*time.Millisecond)

	h.advance(2 * time.Second)
	pos, has := h.exec.Position(7)
	require.True(t, has)
	assert.Greater(t, pos.CurrentTime, 0.0)
	assert.Equal(t, 1, pos.LoopCount)
}

func TestHeartbeatBumpsPerSegment(t *testing.T) {
	h := newHarness(t, driverTimeline(true))
	defer h.exec.StopTimeline(context.Background(), 7)

	_, err := h.exec.StartTimeline(context.Background(), 7, []string{"rtmp://out/a"}, StartOptions{})
	require.NoError(t, err)

	_, has := h.exec.LastSegmentCompletion(7)
	assert.False(t, has, "no heartbeat before the first segment completes")

	h.advance(6 * time.Second)
	require.Eventually(t, func() bool {
		_, has := h.exec.LastSegmentCompletion(7)
		return has
	}, 2*time.Second, 10*time.Millisecond)
}
