package conf

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/vistter/vistterstream/internal/errors"
)

// Validate checks the settings for values the engine cannot run with.
func (s *Settings) Validate() error {
	var problems []string

	if s.FFmpeg.Path == "" {
		problems = append(problems, "ffmpeg.path must not be empty")
	}
	if s.Database.Path == "" {
		problems = append(problems, "database.path must not be empty")
	}
	if !strings.HasPrefix(s.Relay.RTMPBase, "rtmp://") {
		problems = append(problems, fmt.Sprintf("relay.rtmpbase must be an rtmp:// URL, got %q", s.Relay.RTMPBase))
	}
	if !strings.HasPrefix(s.Preview.RTMPURL, "rtmp://") {
		problems = append(problems, fmt.Sprintf("preview.rtmpurl must be an rtmp:// URL, got %q", s.Preview.RTMPURL))
	}
	if s.Output.Width <= 0 || s.Output.Height <= 0 {
		problems = append(problems, fmt.Sprintf("output resolution must be positive, got %dx%d", s.Output.Width, s.Output.Height))
	}
	if s.Output.FPS <= 0 {
		problems = append(problems, fmt.Sprintf("output.fps must be positive, got %d", s.Output.FPS))
	}
	if s.FFmpeg.MaxStreams < 0 {
		problems = append(problems, fmt.Sprintf("ffmpeg.maxstreams must not be negative, got %d", s.FFmpeg.MaxStreams))
	}
	if s.MQTT.Enabled && s.MQTT.Broker == "" {
		problems = append(problems, "mqtt.enabled requires mqtt.broker")
	}
	if s.Notify.Enabled && len(s.Notify.URLs) == 0 {
		problems = append(problems, "notify.enabled requires at least one notify.urls entry")
	}
	if _, err := s.LogLevel(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return errors.Newf("invalid configuration: %s", strings.Join(problems, "; ")).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("problem_count", len(problems)).
			Build()
	}
	return nil
}

// LogLevel parses logging.level into a slog level.
func (s *Settings) LogLevel() (slog.Level, error) {
	switch strings.ToLower(s.Logging.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown logging.level %q", s.Logging.Level)
	}
}
