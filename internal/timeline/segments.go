// Package timeline executes a composed timeline: it partitions the
// composition into segments, drives camera cuts and PTZ pre-moves,
// hands the transcoder off seamlessly on camera changes, and publishes
// playback position while a timeline plays.
package timeline

import (
	"sort"

	"github.com/vistter/vistterstream/internal/model"
)

// boundaryEpsilon collapses cue boundaries closer than 1 ms; cues
// authored in a UI routinely disagree in the sub-millisecond digits.
const boundaryEpsilon = 0.001

// Segment is a half-open interval [Start, End) of the timeline during
// which the active video cue and the active overlay set are constant.
// Segments are the unit of "does the transcoder need to restart".
type Segment struct {
	Start float64
	End   float64
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Segments partitions [0, D) at every cue boundary of every enabled
// track. The result is a contiguous partition: the first segment starts
// at 0, the last ends at D, and no segment is empty.
func Segments(t *model.Timeline) []Segment {
	bounds := []float64{0, t.Duration}
	for i := range t.Tracks {
		track := &t.Tracks[i]
		if !track.Enabled {
			continue
		}
		for j := range track.Cues {
			cue := &track.Cues[j]
			bounds = append(bounds, clamp(cue.Start, 0, t.Duration))
			bounds = append(bounds, clamp(cue.End(), 0, t.Duration))
		}
	}
	sort.Float64s(bounds)

	// Dedupe with the epsilon collapse.
	unique := bounds[:1]
	for _, b := range bounds[1:] {
		if b-unique[len(unique)-1] >= boundaryEpsilon {
			unique = append(unique, b)
		}
	}
	// The collapse may have swallowed the final boundary; the partition
	// must still end exactly at D.
	if last := unique[len(unique)-1]; last < t.Duration {
		unique[len(unique)-1] = t.Duration
	}

	segments := make([]Segment, 0, len(unique)-1)
	for i := 1; i < len(unique); i++ {
		segments = append(segments, Segment{Start: unique[i-1], End: unique[i]})
	}
	return segments
}

// VideoCueAt returns the video cue active at instant at, or nil during
// a gap. Validation guarantees at most one.
func VideoCueAt(t *model.Timeline, at float64) *model.Cue {
	vt := t.VideoTrack()
	if vt == nil {
		return nil
	}
	for i := range vt.Cues {
		if vt.Cues[i].ActiveAt(at) {
			return &vt.Cues[i]
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
