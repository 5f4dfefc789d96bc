package encoder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/overlay"
)

func testProfile() Profile {
	return Profile{
		Encoder:      "libx264",
		Width:        1920,
		Height:       1080,
		FPS:          30,
		VideoBitrate: "4500k",
	}
}

func TestBuildArgs_RTSPInput(t *testing.T) {
	t.Parallel()

	req := StartRequest{
		StreamID:   "tl-1",
		InputURL:   "rtsp://127.0.0.1:8554/camera_3",
		OutputURLs: []string{"rtmp://a.rtmp.youtube.com/live2/key"},
		Profile:    testProfile(),
	}
	args := buildArgs(&req)
	joined := strings.Join(args, " ")

	// TCP transport and the socket deadline must precede the input.
	transportIdx := indexOf(args, "-rtsp_transport")
	inputIdx := indexOf(args, "-i")
	require.GreaterOrEqual(t, transportIdx, 0)
	require.Greater(t, inputIdx, transportIdx)
	assert.Equal(t, "tcp", args[transportIdx+1])
	assert.Contains(t, joined, "-timeout 5000000")

	// Silent audio source is always present and mapped.
	assert.Contains(t, joined, "anullsrc=channel_layout=stereo:sample_rate=44100")
	assert.Contains(t, joined, "-map 1:a")

	// Single output goes straight to flv, no tee.
	assert.Contains(t, joined, "-f flv rtmp://a.rtmp.youtube.com/live2/key")
	assert.NotContains(t, joined, "-f tee")

	// libx264 gets the latency tuning.
	assert.Contains(t, joined, "-preset veryfast")
	assert.Contains(t, joined, "-tune zerolatency")
	assert.Contains(t, joined, "-bufsize 9000k")
	assert.Contains(t, joined, "-g 60")
}

func TestBuildArgs_NonRTSPInputSkipsTransportFlags(t *testing.T) {
	t.Parallel()

	req := StartRequest{
		StreamID:   "tl-1",
		InputURL:   "rtmp://127.0.0.1:1935/live/camera_3",
		OutputURLs: []string{"rtmp://example.com/live/key"},
		Profile:    testProfile(),
	}
	args := buildArgs(&req)
	assert.Equal(t, -1, indexOf(args, "-rtsp_transport"))
}

func TestBuildArgs_TeeFanOut(t *testing.T) {
	t.Parallel()

	req := StartRequest{
		StreamID: "tl-1",
		InputURL: "rtmp://127.0.0.1:1935/live/camera_3",
		OutputURLs: []string{
			"rtmp://a.rtmp.youtube.com/live2/key1",
			"rtmp://live.twitch.tv/app/key2",
		},
		Profile: testProfile(),
	}
	args := buildArgs(&req)
	teeIdx := indexOf(args, "tee")
	require.Greater(t, teeIdx, 0)
	assert.Equal(t,
		"[f=flv:onfail=ignore]rtmp://a.rtmp.youtube.com/live2/key1|"+
			"[f=flv:onfail=ignore]rtmp://live.twitch.tv/app/key2",
		args[teeIdx+1])
}

func TestBuildFilterGraph_LoopedOverlayWindow(t *testing.T) {
	t.Parallel()

	req := StartRequest{
		StreamID:   "tl-1",
		InputURL:   "rtmp://127.0.0.1:1935/live/camera_3",
		OutputURLs: []string{"rtmp://example.com/live/key"},
		Profile:    testProfile(),
		Overlays: []overlay.TimedOverlay{
			{Path: "/data/overlays/logo.png", X: 10, Y: 20, Opacity: 1.0, Start: 10, End: 20},
		},
		TimelineDuration: 30,
		Loop:             true,
	}
	graph, out := buildFilterGraph(&req)

	assert.Equal(t, "[v1]", out)
	assert.Contains(t, graph,
		"[0:v]scale=1920:1080:force_original_aspect_ratio=decrease,"+
			"pad=1920:1080:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=30[v0]")
	assert.Contains(t, graph, "[1:v]format=rgba,colorchannelmixer=aa=1.00[ov0]")
	assert.Contains(t, graph, "[v0][ov0]overlay=10:20:enable='between(mod(t,30),10,20)'[v1]")
}

func TestBuildFilterGraph_NonLoopedAndScaled(t *testing.T) {
	t.Parallel()

	w, h := 400, 100
	req := StartRequest{
		StreamID:   "tl-1",
		InputURL:   "rtmp://127.0.0.1:1935/live/camera_3",
		OutputURLs: []string{"rtmp://example.com/live/key"},
		Profile:    testProfile(),
		Overlays: []overlay.TimedOverlay{
			{Path: "/data/overlays/banner.png", X: 0, Y: 980, Opacity: 0.8,
				Start: 5, End: 25, Width: &w, Height: &h},
			{Path: "/data/overlays/logo.png", X: 1700, Y: 20, Opacity: 1.0,
				Start: 0, End: 30},
		},
		TimelineDuration: 30,
		Loop:             false,
	}
	graph, out := buildFilterGraph(&req)

	assert.Equal(t, "[v2]", out)
	assert.Contains(t, graph, "colorchannelmixer=aa=0.80,scale=400:100[ov0]")
	assert.Contains(t, graph, "enable='between(t,5,25)'")
	// Later overlays stack on top of earlier ones.
	assert.Contains(t, graph, "[v1][ov1]overlay=1700:20:enable='between(t,0,30)'[v2]")
}

func TestProfileValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Profile)
		wantErr bool
	}{
		{"valid", func(*Profile) {}, false},
		{"empty encoder", func(p *Profile) { p.Encoder = "" }, true},
		{"zero width", func(p *Profile) { p.Width = 0 }, true},
		{"zero fps", func(p *Profile) { p.FPS = 0 }, true},
		{"bad bitrate", func(p *Profile) { p.VideoBitrate = "fast" }, true},
		{"megabit rate", func(p *Profile) { p.VideoBitrate = "4.5M" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := testProfile()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProfileBufferSize(t *testing.T) {
	t.Parallel()

	p := testProfile()
	assert.Equal(t, "9000k", p.BufferSize())

	p.VideoBitrate = "4.5M"
	assert.Equal(t, "9000k", p.BufferSize())
}

func TestProgressTracker(t *testing.T) {
	t.Parallel()

	tr := &progressTracker{}
	tr.observe("frame= 1234 fps= 30 q=28.0 size= 4567KiB time=00:00:41.13 bitrate=4503.1kbits/s dup=0 drop=3 speed=1.01x")
	m := tr.snapshot()
	assert.InDelta(t, 30.0, m.FPS, 0.001)
	assert.InDelta(t, 4503.1, m.BitrateKbps, 0.001)
	assert.Equal(t, int64(3), m.DroppedFrames)
	assert.InDelta(t, 1.01, m.Speed, 0.001)
	assert.False(t, m.UpdatedAt.IsZero())

	// Lines without progress fields leave the snapshot untouched.
	tr.observe("[flv @ 0x7f] muxing overhead: 0.5%")
	assert.Equal(t, m.FPS, tr.snapshot().FPS)
}

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}
