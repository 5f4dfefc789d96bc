package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults installs the default value for every setting. The embedded
// config.yaml mirrors these; keep the two in sync.
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("database.path", "data/vistterstream.db")

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("ffmpeg.maxstreams", 0)

	v.SetDefault("relay.rtmpbase", "rtmp://127.0.0.1:1935/live")

	v.SetDefault("preview.rtmpurl", "rtmp://localhost:1936/preview")
	v.SetDefault("preview.apibaseurl", "http://localhost:9997")

	v.SetDefault("output.width", 1920)
	v.SetDefault("output.height", 1080)
	v.SetDefault("output.fps", 30)
	v.SetDefault("output.videobitrate", "4500k")

	v.SetDefault("overlay.datadir", "data")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":8090")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topicbase", "vistterstream")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.urls", []string{})
	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.maxsizemb", 100)
	v.SetDefault("logging.maxbackups", 3)
	v.SetDefault("logging.maxagedays", 28)
}
