package model

import (
	"fmt"
	"sort"
)

// boundaryEpsilon collapses cue boundaries that differ only by float
// noise from the persistence layer.
const boundaryEpsilon = 1e-3

// Validate checks the structural invariants a timeline must satisfy
// before the engine will run it. Violations here are configuration
// errors: the caller refuses to start and surfaces the reason.
//
// Checked invariants:
//   - duration > 0
//   - at most one enabled video track
//   - every cue has duration > 0 and ends within the timeline
//   - video cues never overlap (gaps are allowed)
//   - overlay cues never overlap within the same track
func (t *Timeline) Validate() error {
	if t.Duration <= 0 {
		return fmt.Errorf("timeline %d: duration must be positive, got %v", t.ID, t.Duration)
	}
	if t.FPS <= 0 {
		return fmt.Errorf("timeline %d: fps must be positive, got %d", t.ID, t.FPS)
	}
	if t.ResolutionWidth <= 0 || t.ResolutionHeight <= 0 {
		return fmt.Errorf("timeline %d: invalid resolution %dx%d", t.ID, t.ResolutionWidth, t.ResolutionHeight)
	}

	videoTracks := 0
	for i := range t.Tracks {
		tr := &t.Tracks[i]
		if !tr.Enabled {
			continue
		}
		if tr.Kind == TrackVideo {
			videoTracks++
			if videoTracks > 1 {
				return fmt.Errorf("timeline %d: more than one enabled video track", t.ID)
			}
		}
		if err := t.validateTrack(tr); err != nil {
			return err
		}
	}
	return nil
}

func (t *Timeline) validateTrack(tr *Track) error {
	for i := range tr.Cues {
		c := &tr.Cues[i]
		if c.Start < 0 {
			return fmt.Errorf("timeline %d track %d: cue %d starts before zero (%v)", t.ID, tr.ID, c.ID, c.Start)
		}
		if c.Duration <= 0 {
			return fmt.Errorf("timeline %d track %d: cue %d has non-positive duration %v", t.ID, tr.ID, c.ID, c.Duration)
		}
		if c.End() > t.Duration+boundaryEpsilon {
			return fmt.Errorf("timeline %d track %d: cue %d ends at %v past timeline duration %v",
				t.ID, tr.ID, c.ID, c.End(), t.Duration)
		}
		switch tr.Kind {
		case TrackVideo:
			if c.Action.Kind != ActionShowCamera {
				return fmt.Errorf("timeline %d track %d: cue %d is %s on a video track", t.ID, tr.ID, c.ID, c.Action.Kind)
			}
		case TrackOverlay:
			if c.Action.Kind != ActionShowOverlay {
				return fmt.Errorf("timeline %d track %d: cue %d is %s on an overlay track", t.ID, tr.ID, c.ID, c.Action.Kind)
			}
		}
	}

	// Overlap detection within one track. Different overlay tracks may
	// overlap each other; compositing order comes from the layer index.
	cues := make([]*Cue, 0, len(tr.Cues))
	for i := range tr.Cues {
		cues = append(cues, &tr.Cues[i])
	}
	sort.Slice(cues, func(i, j int) bool { return cues[i].Start < cues[j].Start })
	for i := 1; i < len(cues); i++ {
		prev, cur := cues[i-1], cues[i]
		if cur.Start < prev.End()-boundaryEpsilon {
			return fmt.Errorf("timeline %d track %d: cue %d [%v,%v) overlaps cue %d [%v,%v)",
				t.ID, tr.ID, prev.ID, prev.Start, prev.End(), cur.ID, cur.Start, cur.End())
		}
	}
	return nil
}
