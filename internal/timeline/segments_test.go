package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/model"
)

func twoTrackTimeline() *model.Timeline {
	return &model.Timeline{
		ID:               1,
		Name:             "harbor",
		Duration:         120,
		FPS:              30,
		ResolutionWidth:  1920,
		ResolutionHeight: 1080,
		Tracks: []model.Track{
			{
				ID: 1, Kind: model.TrackVideo, Layer: 0, Enabled: true,
				Cues: []model.Cue{
					{ID: 10, Order: 0, Start: 0, Duration: 60, Action: model.ShowCamera(1, nil)},
					{ID: 11, Order: 1, Start: 60, Duration: 60, Action: model.ShowCamera(2, nil)},
				},
			},
			{
				ID: 2, Kind: model.TrackOverlay, Layer: 1, Enabled: true,
				Cues: []model.Cue{
					{ID: 20, Order: 0, Start: 30, Duration: 60, Action: model.ShowOverlay(5)},
				},
			},
		},
	}
}

func TestSegmentsBoundaryUnion(t *testing.T) {
	t.Parallel()

	segs := Segments(twoTrackTimeline())
	require.Equal(t, []Segment{
		{Start: 0, End: 30},
		{Start: 30, End: 60},
		{Start: 60, End: 90},
		{Start: 90, End: 120},
	}, segs)
}

func TestSegmentsArePartition(t *testing.T) {
	t.Parallel()

	tl := twoTrackTimeline()
	segs := Segments(tl)

	assert.Equal(t, 0.0, segs[0].Start)
	assert.Equal(t, tl.Duration, segs[len(segs)-1].End)
	for i := 1; i < len(segs); i++ {
		assert.Equal(t, segs[i-1].End, segs[i].Start, "segments must be contiguous")
	}
	for _, s := range segs {
		assert.Greater(t, s.Duration(), 0.0, "no zero-length segments")
	}
}

func TestSegmentsCollapseNearBoundaries(t *testing.T) {
	t.Parallel()

	tl := &model.Timeline{
		ID: 1, Duration: 60, FPS: 30, ResolutionWidth: 1280, ResolutionHeight: 720,
		Tracks: []model.Track{
			{
				ID: 1, Kind: model.TrackVideo, Enabled: true,
				Cues: []model.Cue{
					{ID: 1, Start: 0, Duration: 30.0004, Action: model.ShowCamera(1, nil)},
				},
			},
			{
				ID: 2, Kind: model.TrackOverlay, Enabled: true,
				Cues: []model.Cue{
					// Authored a hair apart from the video cue boundary.
					{ID: 2, Start: 30.0009, Duration: 29.9991, Action: model.ShowOverlay(1)},
				},
			},
		},
	}
	segs := Segments(tl)
	require.Len(t, segs, 2)
	assert.InDelta(t, 30.0004, segs[0].End, 0.0001)
	assert.Equal(t, 60.0, segs[1].End)
}

func TestSegmentsIgnoreDisabledTracks(t *testing.T) {
	t.Parallel()

	tl := twoTrackTimeline()
	tl.Tracks[1].Enabled = false
	segs := Segments(tl)
	assert.Equal(t, []Segment{
		{Start: 0, End: 60},
		{Start: 60, End: 120},
	}, segs)
}

func TestVideoCueAt(t *testing.T) {
	t.Parallel()

	tl := twoTrackTimeline()

	cue := VideoCueAt(tl, 0)
	require.NotNil(t, cue)
	assert.Equal(t, 10, cue.ID)

	cue = VideoCueAt(tl, 59.999)
	require.NotNil(t, cue)
	assert.Equal(t, 10, cue.ID)

	cue = VideoCueAt(tl, 60)
	require.NotNil(t, cue)
	assert.Equal(t, 11, cue.ID)

	assert.Nil(t, VideoCueAt(tl, 120))
}
