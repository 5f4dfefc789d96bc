package encoder

import (
	"fmt"
	"strings"

	"github.com/vistter/vistterstream/internal/overlay"
)

const (
	// rtspIOTimeoutMicros is the socket I/O deadline for RTSP inputs.
	rtspIOTimeoutMicros = "5000000"

	// silentAudioSource guarantees every output carries an audio track;
	// RTMP destinations reject audio-less streams.
	silentAudioSource = "anullsrc=channel_layout=stereo:sample_rate=44100"
)

// StartRequest describes one transcoder process.
type StartRequest struct {
	StreamID         string
	InputURL         string
	OutputURLs       []string
	Profile          Profile
	Overlays         []overlay.TimedOverlay
	TimelineDuration float64
	Loop             bool
}

// buildArgs constructs the full transcoder argv (without the binary).
//
// Input layout: index 0 is the camera (relay) stream, indices 1..N are
// the overlay stills looped as video, index N+1 is the silent audio
// source. The filter graph scales and pads the base video, then stacks
// each overlay in declared order behind a time-based enable expression
// so overlay visibility changes never restart the process.
func buildArgs(req *StartRequest) []string {
	p := &req.Profile
	args := []string{"-hide_banner", "-loglevel", "error", "-stats"}

	if strings.HasPrefix(req.InputURL, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp", "-timeout", rtspIOTimeoutMicros)
	}
	args = append(args, "-i", req.InputURL)

	for _, ov := range req.Overlays {
		args = append(args, "-loop", "1", "-i", ov.Path)
	}

	audioIdx := 1 + len(req.Overlays)
	args = append(args, "-f", "lavfi", "-i", silentAudioSource)

	graph, outLabel := buildFilterGraph(req)
	args = append(args, "-filter_complex", graph)
	args = append(args, "-map", outLabel, "-map", fmt.Sprintf("%d:a", audioIdx))

	args = append(args,
		"-c:v", p.Encoder,
		"-b:v", p.VideoBitrate,
		"-maxrate", p.VideoBitrate,
		"-bufsize", p.BufferSize(),
		"-g", fmt.Sprintf("%d", p.KeyframeInterval()),
		"-pix_fmt", "yuv420p",
	)
	if p.Encoder == "libx264" {
		args = append(args, "-preset", "veryfast", "-tune", "zerolatency")
	}

	args = append(args, "-c:a", "aac", "-b:a", "128k", "-ar", "44100")

	switch len(req.OutputURLs) {
	case 1:
		args = append(args, "-f", "flv", req.OutputURLs[0])
	default:
		// Fan-out through the tee muxer; onfail=ignore keeps the other
		// destinations alive when one rejects the stream.
		sinks := make([]string, 0, len(req.OutputURLs))
		for _, u := range req.OutputURLs {
			sinks = append(sinks, "[f=flv:onfail=ignore]"+u)
		}
		args = append(args, "-f", "tee", strings.Join(sinks, "|"))
	}
	return args
}

// buildFilterGraph returns the filter_complex expression and the label
// of the final video stream.
func buildFilterGraph(req *StartRequest) (graph, outLabel string) {
	p := &req.Profile
	var parts []string

	parts = append(parts, fmt.Sprintf(
		"[0:v]scale=%d:%d:force_original_aspect_ratio=decrease,"+
			"pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d[v0]",
		p.Width, p.Height, p.Width, p.Height, p.FPS))

	cur := "[v0]"
	for i, ov := range req.Overlays {
		inputIdx := 1 + i
		chain := fmt.Sprintf("[%d:v]format=rgba,colorchannelmixer=aa=%.2f", inputIdx, ov.Opacity)
		if ov.Width != nil && ov.Height != nil {
			chain += fmt.Sprintf(",scale=%d:%d", *ov.Width, *ov.Height)
		}
		ovLabel := fmt.Sprintf("[ov%d]", i)
		parts = append(parts, chain+ovLabel)

		next := fmt.Sprintf("[v%d]", i+1)
		parts = append(parts, fmt.Sprintf("%s%soverlay=%d:%d:enable='%s'%s",
			cur, ovLabel, ov.X, ov.Y, enableExpr(req, &ov), next))
		cur = next
	}
	return strings.Join(parts, ";"), cur
}

// enableExpr returns the overlay's enable window. The expression sits
// inside the quoted enable= option, so commas need no escaping. Looped
// timelines wrap the clock with mod(t, D) so overlays re-enable on
// every loop.
func enableExpr(req *StartRequest, ov *overlay.TimedOverlay) string {
	if req.Loop && req.TimelineDuration > 0 {
		return fmt.Sprintf("between(mod(t,%s),%s,%s)",
			formatSeconds(req.TimelineDuration), formatSeconds(ov.Start), formatSeconds(ov.End))
	}
	return fmt.Sprintf("between(t,%s,%s)", formatSeconds(ov.Start), formatSeconds(ov.End))
}

// formatSeconds renders a seconds value without a trailing ".000000".
func formatSeconds(v float64) string {
	return fmt.Sprintf("%g", v)
}
