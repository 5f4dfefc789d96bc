package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/model"
)

// openTestStore creates a store on a throwaway database with the full
// external schema migrated and seeded.
func openTestStore(t *testing.T) *DataStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "snap.db")
	ds, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })

	require.NoError(t, ds.DB.AutoMigrate(
		&CameraRecord{}, &PresetRecord{}, &AssetRecord{},
		&TimelineRecord{}, &TrackRecord{}, &CueRecord{},
		&DestinationRecord{}, &ScheduleRecord{}, &ScheduleTimelineRecord{},
	))
	return ds
}

func seedTwoCameraTimeline(t *testing.T, ds *DataStore) {
	t.Helper()

	require.NoError(t, ds.DB.Create(&CameraRecord{
		ID: 1, Name: "dock", Address: "192.168.1.50", Port: 554,
		ONVIFPort: 80, StreamPath: "stream1", Username: "admin", Password: "pw", Kind: "ptz",
	}).Error)
	require.NoError(t, ds.DB.Create(&CameraRecord{
		ID: 2, Name: "harbor", Address: "192.168.1.51", Port: 554, StreamPath: "main", Kind: "stationary",
	}).Error)

	require.NoError(t, ds.DB.Create(&TimelineRecord{
		ID: 42, Name: "alternating", Duration: 120, FPS: 30, Resolution: "1920x1080", Loop: true,
	}).Error)
	require.NoError(t, ds.DB.Create(&TrackRecord{
		ID: 10, TimelineID: 42, TrackType: "video", Layer: 0, Enabled: true,
	}).Error)
	require.NoError(t, ds.DB.Create(&CueRecord{
		ID: 100, TrackID: 10, Order: 0, StartTime: 0, Duration: 60,
		ActionType: "show_camera", ActionParams: `{"camera_id": 1}`,
	}).Error)
	require.NoError(t, ds.DB.Create(&CueRecord{
		ID: 101, TrackID: 10, Order: 1, StartTime: 60, Duration: 60,
		ActionType: "show_camera", ActionParams: `{"camera_id": 2}`,
	}).Error)
}

func TestGetTimelineAssemblesSnapshot(t *testing.T) {
	ds := openTestStore(t)
	seedTwoCameraTimeline(t, ds)

	tl, err := ds.GetTimeline(42)
	require.NoError(t, err)

	assert.Equal(t, 42, tl.ID)
	assert.InDelta(t, 120.0, tl.Duration, 1e-9)
	assert.Equal(t, 1920, tl.ResolutionWidth)
	assert.Equal(t, 1080, tl.ResolutionHeight)
	assert.True(t, tl.Loop)

	vt := tl.VideoTrack()
	require.NotNil(t, vt)
	require.Len(t, vt.Cues, 2)
	assert.Equal(t, model.ActionShowCamera, vt.Cues[0].Action.Kind)
	assert.Equal(t, 1, vt.Cues[0].Action.CameraID)
	assert.Equal(t, 2, vt.Cues[1].Action.CameraID)
}

func TestGetTimelineRejectsOverlappingVideoCues(t *testing.T) {
	ds := openTestStore(t)
	seedTwoCameraTimeline(t, ds)

	// Overlaps cue 101 on the single video track.
	require.NoError(t, ds.DB.Create(&CueRecord{
		ID: 102, TrackID: 10, Order: 2, StartTime: 90, Duration: 20,
		ActionType: "show_camera", ActionParams: `{"camera_id": 1}`,
	}).Error)

	_, err := ds.GetTimeline(42)
	assert.Error(t, err)
}

func TestGetTimelineNotFound(t *testing.T) {
	ds := openTestStore(t)
	_, err := ds.GetTimeline(999)
	assert.Error(t, err)
}

func TestGetPresetDecodesSentinel(t *testing.T) {
	ds := openTestStore(t)

	require.NoError(t, ds.DB.Create(&PresetRecord{
		ID: 5, CameraID: 1, Name: "dock-wide", Pan: -1.0, Tilt: -1.0, Zoom: 0, Token: "preset-7",
	}).Error)
	require.NoError(t, ds.DB.Create(&PresetRecord{
		ID: 6, CameraID: 1, Name: "dock-close", Pan: 0.25, Tilt: -0.1, Zoom: 0.8, Token: "",
	}).Error)

	sentinel, err := ds.GetPreset(5)
	require.NoError(t, err)
	assert.Equal(t, model.CoordinateCameraToken, sentinel.Coordinate.Kind)
	assert.Equal(t, "preset-7", sentinel.Token)

	absolute, err := ds.GetPreset(6)
	require.NoError(t, err)
	assert.Equal(t, model.CoordinateAbsolute, absolute.Coordinate.Kind)
	assert.True(t, absolute.Coordinate.Valid())
	assert.InDelta(t, 0.25, absolute.Coordinate.Pan, 1e-9)
}

func TestGetCamerasMissingReference(t *testing.T) {
	ds := openTestStore(t)
	seedTwoCameraTimeline(t, ds)

	_, err := ds.GetCameras([]int{1, 2, 99})
	assert.Error(t, err)

	cams, err := ds.GetCameras([]int{1, 2})
	require.NoError(t, err)
	assert.Len(t, cams, 2)
	assert.Equal(t, "rtsp://admin:pw@192.168.1.50:554/stream1", cams[1].RTSPURL())
}

func TestDestinationDecoding(t *testing.T) {
	ds := openTestStore(t)

	require.NoError(t, ds.DB.Create(&DestinationRecord{
		ID: 11, Name: "yt-main", Platform: "youtube",
		BaseRTMPURL: "rtmp://a.rtmp.example/live2", StreamKey: "abcd",
		WatchdogEnabled: true, WatchdogInterval: 30,
		WatchdogPageURL: "https://example.com/live",
		WatchdogOffline: `["offline", "ended"]`,
		WatchdogLive:    `["watching now"]`,
	}).Error)

	dests, err := ds.GetDestinations([]int{11})
	require.NoError(t, err)
	require.Len(t, dests, 1)

	d := dests[0]
	assert.Equal(t, "rtmp://a.rtmp.example/live2/abcd", d.OutputURL())
	assert.True(t, d.Watchdog.Enabled)
	assert.Equal(t, []string{"offline", "ended"}, d.Watchdog.OfflineMarkers)
	assert.Equal(t, []string{"watching now"}, d.Watchdog.LiveMarkers)
}

func TestStreamStatusWriteback(t *testing.T) {
	ds := openTestStore(t)

	assert.False(t, ds.IsStreamStopped(42))

	require.NoError(t, ds.UpdateStreamStatus(42, model.StatusRunning, ""))
	assert.False(t, ds.IsStreamStopped(42))

	require.NoError(t, ds.UpdateStreamStatus(42, model.StatusStopped, ""))
	assert.True(t, ds.IsStreamStopped(42))

	// Upsert keeps a single row per stream.
	var count int64
	require.NoError(t, ds.DB.Model(&StreamRecord{}).Where("id = ?", 42).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestListSchedules(t *testing.T) {
	ds := openTestStore(t)

	require.NoError(t, ds.DB.Create(&ScheduleRecord{
		ID: 3, Name: "morning", Enabled: true, Timezone: "America/Los_Angeles",
		DaysOfWeek: `[1, 2, 3, 4, 5]`, WindowStart: "06:00", WindowEnd: "09:00",
		DestinationIDs: `[11]`,
	}).Error)
	require.NoError(t, ds.DB.Create(&ScheduleTimelineRecord{ScheduleID: 3, TimelineID: 42, OrderIndex: 0}).Error)
	require.NoError(t, ds.DB.Create(&ScheduleTimelineRecord{ScheduleID: 3, TimelineID: 43, OrderIndex: 1}).Error)

	scheds, err := ds.ListSchedules()
	require.NoError(t, err)
	require.Len(t, scheds, 1)

	s := scheds[0]
	assert.Equal(t, []int{42, 43}, s.TimelineIDs)
	assert.Equal(t, []int{11}, s.DestinationIDs)
	assert.Len(t, s.Days, 5)
	assert.Equal(t, "America/Los_Angeles", s.Location().String())
}

func TestParseResolution(t *testing.T) {
	w, h, err := parseResolution("1280x720")
	require.NoError(t, err)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	_, _, err = parseResolution("1080p")
	assert.Error(t, err)
}
