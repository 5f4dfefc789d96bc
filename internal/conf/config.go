// Package conf loads and validates the engine configuration. Settings
// come from a YAML file discovered through viper (working directory,
// $HOME/.config/vistterstream, /etc/vistterstream), with environment
// overrides under the VISTTER_ prefix and a default config written on
// first run.
package conf

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/vistter/vistterstream/internal/errors"
)

//go:embed config.yaml
var defaultConfig []byte

// Settings mirrors the configuration YAML.
type Settings struct {
	Debug bool `yaml:"debug" mapstructure:"debug"`

	Database DatabaseSettings `yaml:"database" mapstructure:"database"`
	FFmpeg   FFmpegSettings   `yaml:"ffmpeg" mapstructure:"ffmpeg"`
	Relay    RelaySettings    `yaml:"relay" mapstructure:"relay"`
	Preview  PreviewSettings  `yaml:"preview" mapstructure:"preview"`
	Output   OutputSettings   `yaml:"output" mapstructure:"output"`
	Overlay  OverlaySettings  `yaml:"overlay" mapstructure:"overlay"`
	Metrics  MetricsSettings  `yaml:"metrics" mapstructure:"metrics"`
	MQTT     MQTTSettings     `yaml:"mqtt" mapstructure:"mqtt"`
	Notify   NotifySettings   `yaml:"notify" mapstructure:"notify"`
	Logging  LoggingSettings  `yaml:"logging" mapstructure:"logging"`
}

// DatabaseSettings locates the SQLite snapshot database.
type DatabaseSettings struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// FFmpegSettings configures the external transcoder binary.
type FFmpegSettings struct {
	Path string `yaml:"path" mapstructure:"path"`
	// MaxStreams overrides the probed concurrency ceiling when > 0.
	MaxStreams int `yaml:"maxstreams" mapstructure:"maxstreams"`
}

// RelaySettings configures the local camera-relay RTMP bus.
type RelaySettings struct {
	// RTMPBase is the local RTMP application relays publish into;
	// camera N lands on <base>/camera_<N>.
	RTMPBase string `yaml:"rtmpbase" mapstructure:"rtmpbase"`
}

// PreviewSettings points at the local preview media server.
type PreviewSettings struct {
	RTMPURL    string `yaml:"rtmpurl" mapstructure:"rtmpurl"`
	APIBaseURL string `yaml:"apibaseurl" mapstructure:"apibaseurl"`
}

// OutputSettings are the encoding defaults applied when a timeline does
// not carry its own profile.
type OutputSettings struct {
	Width        int    `yaml:"width" mapstructure:"width"`
	Height       int    `yaml:"height" mapstructure:"height"`
	FPS          int    `yaml:"fps" mapstructure:"fps"`
	VideoBitrate string `yaml:"videobitrate" mapstructure:"videobitrate"`
}

// OverlaySettings configures overlay asset resolution.
type OverlaySettings struct {
	// DataDir is the root under which URL-style asset paths
	// (/uploads/...) are resolved.
	DataDir string `yaml:"datadir" mapstructure:"datadir"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// MQTTSettings configures optional stream-status publishing.
type MQTTSettings struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker    string `yaml:"broker" mapstructure:"broker"`
	TopicBase string `yaml:"topicbase" mapstructure:"topicbase"`
	Username  string `yaml:"username" mapstructure:"username"`
	Password  string `yaml:"password" mapstructure:"password"`
	Retain    bool   `yaml:"retain" mapstructure:"retain"`
}

// NotifySettings configures optional push notifications.
type NotifySettings struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	URLs    []string      `yaml:"urls" mapstructure:"urls"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// LoggingSettings controls log level and file rotation.
type LoggingSettings struct {
	Level      string `yaml:"level" mapstructure:"level"`
	MaxSizeMB  int    `yaml:"maxsizemb" mapstructure:"maxsizemb"`
	MaxBackups int    `yaml:"maxbackups" mapstructure:"maxbackups"`
	MaxAgeDays int    `yaml:"maxagedays" mapstructure:"maxagedays"`
}

var (
	settingsInstance *Settings
	settingsMu       sync.RWMutex
)

// Setting returns the most recently loaded settings, or a defaults-only
// Settings when Load has not run. Kept for packages that need config at
// init time; everything else receives Settings by injection.
func Setting() *Settings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	if settingsInstance == nil {
		v := viper.New()
		setDefaults(v)
		s := &Settings{}
		_ = v.Unmarshal(s)
		return s
	}
	return settingsInstance
}

// Load reads the configuration. An explicit configPath wins; otherwise
// the standard search paths are tried and a default config is written on
// first run.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VISTTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		for _, p := range configPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath == "" && errors.As(err, &notFound) {
			// First run: materialize the embedded defaults so the user
			// has a file to edit, then continue with defaults.
			if path, werr := writeDefaultConfig(); werr == nil {
				v.SetConfigFile(path)
				if rerr := v.ReadInConfig(); rerr != nil {
					return nil, errors.New(rerr).
						Component("conf").
						Category(errors.CategoryConfiguration).
						Context("config_file", path).
						Build()
				}
			}
		} else {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("unmarshaling config: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	settingsMu.Lock()
	settingsInstance = settings
	settingsMu.Unlock()

	return settings, nil
}

// configPaths returns the user and system config directories.
func configPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vistterstream"))
	}
	paths = append(paths, "/etc/vistterstream")
	return paths
}

// writeDefaultConfig writes the embedded config.yaml to the user config
// directory and returns its path.
func writeDefaultConfig() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".config", "vistterstream")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
