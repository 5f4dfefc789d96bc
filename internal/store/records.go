package store

import (
	"time"
)

// Row structs mirror the persisted schema. The schema is owned by the
// external persistence layer; the engine reads these tables and writes
// only stream status and destination last-used stamps.

// CameraRecord is a row in cameras.
type CameraRecord struct {
	ID         int    `gorm:"primaryKey"`
	Name       string `gorm:"column:name"`
	Address    string `gorm:"column:address"`
	Port       int    `gorm:"column:port"`
	ONVIFPort  int    `gorm:"column:onvif_port"`
	StreamPath string `gorm:"column:stream_path"`
	Username   string `gorm:"column:username"`
	Password   string `gorm:"column:password"`
	Kind       string `gorm:"column:kind"`
}

// TableName overrides the GORM default pluralization.
func (CameraRecord) TableName() string { return "cameras" }

// PresetRecord is a row in presets. Pan/tilt of -1.0 is the legacy
// sentinel meaning "use the camera-side token".
type PresetRecord struct {
	ID       int     `gorm:"primaryKey"`
	CameraID int     `gorm:"column:camera_id"`
	Name     string  `gorm:"column:name"`
	Pan      float64 `gorm:"column:pan"`
	Tilt     float64 `gorm:"column:tilt"`
	Zoom     float64 `gorm:"column:zoom"`
	Token    string  `gorm:"column:camera_side_token"`
}

func (PresetRecord) TableName() string { return "presets" }

// AssetRecord is a row in assets.
type AssetRecord struct {
	ID        int     `gorm:"primaryKey"`
	Name      string  `gorm:"column:name"`
	Kind      string  `gorm:"column:kind"`
	Source    string  `gorm:"column:source"`
	PositionX float64 `gorm:"column:position_x"`
	PositionY float64 `gorm:"column:position_y"`
	Width     *int    `gorm:"column:width"`
	Height    *int    `gorm:"column:height"`
	Opacity   float64 `gorm:"column:opacity"`
}

func (AssetRecord) TableName() string { return "assets" }

// TimelineRecord is a row in timelines.
type TimelineRecord struct {
	ID         int     `gorm:"primaryKey"`
	Name       string  `gorm:"column:name"`
	Duration   float64 `gorm:"column:duration"`
	FPS        int     `gorm:"column:fps"`
	Resolution string  `gorm:"column:resolution"` // "1920x1080"
	Loop       bool    `gorm:"column:loop"`
}

func (TimelineRecord) TableName() string { return "timelines" }

// TrackRecord is a row in tracks.
type TrackRecord struct {
	ID         int    `gorm:"primaryKey"`
	TimelineID int    `gorm:"column:timeline_id"`
	TrackType  string `gorm:"column:track_type"`
	Layer      int    `gorm:"column:layer"`
	Enabled    bool   `gorm:"column:enabled"`
}

func (TrackRecord) TableName() string { return "tracks" }

// CueRecord is a row in cues. ActionParams is the raw JSON document
// decoded exactly once by the loader.
type CueRecord struct {
	ID                 int     `gorm:"primaryKey"`
	TrackID            int     `gorm:"column:track_id"`
	Order              int     `gorm:"column:order_index"`
	StartTime          float64 `gorm:"column:start_time"`
	Duration           float64 `gorm:"column:duration"`
	ActionType         string  `gorm:"column:action_type"`
	ActionParams       string  `gorm:"column:action_params"`
	TransitionType     string  `gorm:"column:transition_type"`
	TransitionDuration float64 `gorm:"column:transition_duration"`
}

func (CueRecord) TableName() string { return "cues" }

// DestinationRecord is a row in destinations. The watchdog columns are
// opaque to everything but the health watchdog.
type DestinationRecord struct {
	ID                   int        `gorm:"primaryKey"`
	Name                 string     `gorm:"column:name"`
	Platform             string     `gorm:"column:platform"`
	BaseRTMPURL          string     `gorm:"column:base_rtmp_url"`
	StreamKey            string     `gorm:"column:stream_key"`
	LastUsedAt           *time.Time `gorm:"column:last_used_at"`
	WatchdogEnabled      bool       `gorm:"column:watchdog_enabled"`
	WatchdogInterval     int        `gorm:"column:watchdog_interval_seconds"`
	WatchdogPageURL      string     `gorm:"column:watchdog_page_url"`
	WatchdogOffline      string     `gorm:"column:watchdog_offline_markers"` // JSON array
	WatchdogLive         string     `gorm:"column:watchdog_live_markers"`    // JSON array
	WatchdogControlToken string     `gorm:"column:watchdog_control_token"`
	WatchdogBroadcastID  string     `gorm:"column:watchdog_broadcast_id"`
}

func (DestinationRecord) TableName() string { return "destinations" }

// ScheduleRecord is a row in schedules.
type ScheduleRecord struct {
	ID             int    `gorm:"primaryKey"`
	Name           string `gorm:"column:name"`
	Enabled        bool   `gorm:"column:enabled"`
	Timezone       string `gorm:"column:timezone"`
	DaysOfWeek     string `gorm:"column:days_of_week"` // JSON array of 0..6, Sunday = 0
	WindowStart    string `gorm:"column:window_start"` // "HH:MM"
	WindowEnd      string `gorm:"column:window_end"`
	DestinationIDs string `gorm:"column:destination_ids"` // JSON array
}

func (ScheduleRecord) TableName() string { return "schedules" }

// ScheduleTimelineRecord joins schedules to their ordered timelines.
type ScheduleTimelineRecord struct {
	ScheduleID int `gorm:"column:schedule_id"`
	TimelineID int `gorm:"column:timeline_id"`
	OrderIndex int `gorm:"column:order_index"`
}

func (ScheduleTimelineRecord) TableName() string { return "schedule_timelines" }

// StreamRecord is the engine's writeback row: one per stream the engine
// has ever started, keyed by timeline id.
type StreamRecord struct {
	ID        int       `gorm:"primaryKey"` // = timeline id
	Status    string    `gorm:"column:status"`
	LastError string    `gorm:"column:last_error"`
	StartedAt time.Time `gorm:"column:started_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (StreamRecord) TableName() string { return "streams" }
