package encoder

import (
	"fmt"
	"strconv"
	"strings"
)

// Profile is the encoding profile one transcoder process runs with.
// The encoder tag comes from the hardware probe; geometry and rate come
// from the timeline (or the configured output defaults).
type Profile struct {
	Encoder      string
	Width        int
	Height       int
	FPS          int
	VideoBitrate string // ffmpeg rate syntax, e.g. "4500k"
}

// Validate rejects profiles the command builder cannot express.
func (p *Profile) Validate() error {
	if p.Encoder == "" {
		return fmt.Errorf("profile: encoder must not be empty")
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("profile: invalid resolution %dx%d", p.Width, p.Height)
	}
	if p.FPS <= 0 {
		return fmt.Errorf("profile: invalid fps %d", p.FPS)
	}
	if _, err := parseBitrate(p.VideoBitrate); err != nil {
		return err
	}
	return nil
}

// BufferSize returns the rate-control buffer, fixed at twice the video
// bitrate.
func (p *Profile) BufferSize() string {
	kbps, err := parseBitrate(p.VideoBitrate)
	if err != nil {
		return p.VideoBitrate
	}
	return fmt.Sprintf("%dk", kbps*2)
}

// KeyframeInterval returns the GOP length: two seconds of frames.
func (p *Profile) KeyframeInterval() int {
	return p.FPS * 2
}

// parseBitrate parses ffmpeg rate syntax ("4500k", "4.5M", "450000")
// into kbps.
func parseBitrate(rate string) (int, error) {
	s := strings.TrimSpace(strings.ToLower(rate))
	if s == "" {
		return 0, fmt.Errorf("profile: video bitrate must not be empty")
	}
	mult := 1.0 / 1000.0
	switch {
	case strings.HasSuffix(s, "k"):
		s, mult = s[:len(s)-1], 1.0
	case strings.HasSuffix(s, "m"):
		s, mult = s[:len(s)-1], 1000.0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("profile: invalid video bitrate %q", rate)
	}
	kbps := int(v * mult)
	if kbps <= 0 {
		return 0, fmt.Errorf("profile: invalid video bitrate %q", rate)
	}
	return kbps, nil
}
