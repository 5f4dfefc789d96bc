// Package hardware detects the available video encoder and the
// concurrency ceiling the transcoder supervisor enforces. The probe
// runs once at engine start.
package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/vistter/vistterstream/internal/errors"
	"github.com/vistter/vistterstream/internal/logging"
)

const (
	// deviceTreeModelPath carries the board name on Raspberry Pi class
	// hardware.
	deviceTreeModelPath = "/proc/device-tree/model"

	encoderV4L2  = "h264_v4l2m2m"
	encoderVAAPI = "h264_vaapi"
	encoderX264  = "libx264"

	// hardwareMaxStreams is the policy ceiling when a hardware encoder
	// is present; the Pi's codec block handles three 1080p30 sessions.
	hardwareMaxStreams = 3
)

var probeLogger *slog.Logger

func init() {
	probeLogger = logging.ForService("hardware")
	if probeLogger == nil {
		probeLogger = slog.Default().With("service", "hardware")
	}
}

// Capabilities describes the selected encoder and the stream ceiling.
type Capabilities struct {
	Encoder              string
	Decoder              string
	Platform             string
	MaxConcurrentStreams int
	Hardware             bool
}

// Probe discovers the hardware encoder. The ffmpeg binary must exist;
// its absence is fatal for the engine.
func Probe(ctx context.Context, ffmpegPath string) (*Capabilities, error) {
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil, errors.New(fmt.Errorf("transcoder binary %q not found: %w", ffmpegPath, err)).
			Component("hardware").
			Category(errors.CategoryConfiguration).
			Build()
	}

	encoders, err := listEncoders(ctx, resolved)
	if err != nil {
		return nil, err
	}

	platform := platformLabel()
	caps := selectEncoder(platform, encoders)
	caps.Platform = platform

	probeLogger.Info("hardware probe complete",
		"platform", caps.Platform,
		"encoder", caps.Encoder,
		"decoder", caps.Decoder,
		"hardware", caps.Hardware,
		"max_concurrent_streams", caps.MaxConcurrentStreams)
	return caps, nil
}

// listEncoders asks ffmpeg for its compiled-in video encoders.
func listEncoders(ctx context.Context, ffmpegPath string) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.New(fmt.Errorf("listing transcoder encoders: %w", err)).
			Component("hardware").
			Category(errors.CategoryHardware).
			Build()
	}

	encoders := make(map[string]bool)
	for _, line := range strings.Split(string(out), "\n") {
		// Encoder lines look like " V..... libx264    H.264 ...".
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], "V") {
			encoders[fields[1]] = true
		}
	}
	return encoders, nil
}

// selectEncoder picks, in order: platform V4L2 encoder (Pi), VAAPI,
// software libx264.
func selectEncoder(platform string, available map[string]bool) *Capabilities {
	isPi := strings.Contains(strings.ToLower(platform), "raspberry pi")

	if isPi && available[encoderV4L2] {
		return &Capabilities{
			Encoder:              encoderV4L2,
			Decoder:              "h264",
			MaxConcurrentStreams: hardwareMaxStreams,
			Hardware:             true,
		}
	}
	if available[encoderVAAPI] && vaapiDeviceExists() {
		return &Capabilities{
			Encoder:              encoderVAAPI,
			Decoder:              "h264",
			MaxConcurrentStreams: hardwareMaxStreams,
			Hardware:             true,
		}
	}
	return &Capabilities{
		Encoder:              encoderX264,
		MaxConcurrentStreams: softwareCeiling(),
		Hardware:             false,
	}
}

// softwareCeiling derives the stream ceiling from physical core count:
// libx264 at 1080p30 wants roughly two cores per stream.
func softwareCeiling() int {
	cores := cpuid.CPU.PhysicalCores
	if cores <= 0 {
		if counted, err := cpu.Counts(false); err == nil {
			cores = counted
		}
	}
	ceiling := cores / 2
	if ceiling < 1 {
		ceiling = 1
	}
	return ceiling
}

// platformLabel reads the device-tree board name when present, falling
// back to the CPU brand string.
func platformLabel() string {
	if data, err := os.ReadFile(deviceTreeModelPath); err == nil {
		// Device-tree strings are NUL terminated.
		return strings.TrimRight(string(data), "\x00\n ")
	}
	if brand := cpuid.CPU.BrandName; brand != "" {
		return brand
	}
	return "unknown"
}

func vaapiDeviceExists() bool {
	_, err := os.Stat("/dev/dri/renderD128")
	return err == nil
}
