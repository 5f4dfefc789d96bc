package timeline

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vistter/vistterstream/internal/model"
)

// positionInterval is the playback position publish rate (2 Hz).
const positionInterval = 500 * time.Millisecond

// positionContext is what one segment's updater needs to compute the
// playhead without touching the driver's state.
type positionContext struct {
	timelineID   int
	segmentIndex int
	segmentStart float64
	cueID        int
	cueIndex     int
	loopCount    int
	totalCues    int
}

// runPositionUpdater publishes the playhead at 2 Hz until cancelled.
// The driver recreates it per segment; write is the executor's
// position-map setter.
func runPositionUpdater(ctx context.Context, clk clock.Clock, pc positionContext, write func(model.PlaybackPosition)) {
	started := clk.Now()
	wallStarted := time.Now()
	publish := func() {
		elapsed := clk.Since(started).Seconds()
		write(model.PlaybackPosition{
			TimelineID:      pc.timelineID,
			LoopCount:       pc.loopCount,
			SegmentIndex:    pc.segmentIndex,
			SegmentStartAt:  wallStarted,
			CurrentTime:     pc.segmentStart + elapsed,
			CurrentCueID:    pc.cueID,
			CurrentCueIndex: pc.cueIndex,
			TotalCues:       pc.totalCues,
			UpdatedAt:       time.Now(),
		})
	}

	publish()
	ticker := clk.Ticker(positionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
