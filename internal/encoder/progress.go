package encoder

import (
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Metrics are the progress figures parsed from the transcoder's
// periodic stats lines.
type Metrics struct {
	FPS           float64
	BitrateKbps   float64
	DroppedFrames int64
	Speed         float64
	UpdatedAt     time.Time
}

// Stats lines look like:
//
//	frame= 1234 fps= 30 q=28.0 size= 4567KiB time=00:00:41.13 bitrate=4503.1kbits/s dup=0 drop=3 speed=1.01x
var (
	fpsPattern     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	bitratePattern = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*kbits/s`)
	dropPattern    = regexp.MustCompile(`drop=\s*(\d+)`)
	speedPattern   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// progressTracker accumulates parsed metrics for one process run.
type progressTracker struct {
	mu      sync.RWMutex
	metrics Metrics
}

// observe parses one diagnostic line and folds any progress fields into
// the current metrics. Lines without progress fields are ignored.
func (t *progressTracker) observe(line string) {
	fps, fpsOK := matchFloat(fpsPattern, line)
	bitrate, bitrateOK := matchFloat(bitratePattern, line)
	drop, dropOK := matchInt(dropPattern, line)
	speed, speedOK := matchFloat(speedPattern, line)
	if !fpsOK && !bitrateOK && !dropOK && !speedOK {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if fpsOK {
		t.metrics.FPS = fps
	}
	if bitrateOK {
		t.metrics.BitrateKbps = bitrate
	}
	if dropOK {
		t.metrics.DroppedFrames = drop
	}
	if speedOK {
		t.metrics.Speed = speed
	}
	t.metrics.UpdatedAt = time.Now()
}

// snapshot returns a copy of the current metrics.
func (t *progressTracker) snapshot() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.metrics
}

func matchFloat(re *regexp.Regexp, line string) (float64, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func matchInt(re *regexp.Regexp, line string) (int64, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
