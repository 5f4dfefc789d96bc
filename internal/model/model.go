// Package model defines the read-model snapshots the streaming engine
// consumes. Records are loaded from the persistence layer once per
// timeline run and never mutated by the engine; the engine only emits
// status updates back through the store's narrow writeback interface.
package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CameraKind distinguishes fixed cameras from PTZ-capable ones.
type CameraKind string

const (
	CameraStationary CameraKind = "stationary"
	CameraPTZ        CameraKind = "ptz"
)

// Credentials carries camera authentication. The engine treats the pair
// as opaque; it is only ever assembled into URLs or ONVIF logins.
type Credentials struct {
	Username string
	Password string
}

// IsZero reports whether no credentials are configured.
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// Camera is a snapshot of a camera record.
type Camera struct {
	ID          int
	Name        string
	Address     string
	Port        int
	StreamPath  string
	Credentials Credentials
	ONVIFPort   int
	Kind        CameraKind
}

// RTSPURL assembles the camera's ingest URL. Credentials are URL-escaped;
// a missing port defaults to 554.
func (c *Camera) RTSPURL() string {
	port := c.Port
	if port == 0 {
		port = 554
	}
	path := "/" + strings.TrimPrefix(c.StreamPath, "/")
	u := url.URL{
		Scheme: "rtsp",
		Host:   fmt.Sprintf("%s:%d", c.Address, port),
		Path:   path,
	}
	if !c.Credentials.IsZero() {
		u.User = url.UserPassword(c.Credentials.Username, c.Credentials.Password)
	}
	return u.String()
}

// HasCredentials reports whether the camera has a configured login,
// which is required for ONVIF PTZ control.
func (c *Camera) HasCredentials() bool {
	return !c.Credentials.IsZero()
}

// IsPTZ reports whether the camera supports PTZ control.
func (c *Camera) IsPTZ() bool {
	return c.Kind == CameraPTZ
}

// CoordinateKind selects between an absolute ONVIF position and a
// camera-side preset token.
type CoordinateKind int

const (
	// CoordinateAbsolute carries normalized pan/tilt/zoom values.
	CoordinateAbsolute CoordinateKind = iota
	// CoordinateCameraToken defers the position to a preset stored on
	// the camera itself.
	CoordinateCameraToken
)

// Coordinate is a PTZ target. The legacy persistence layer encodes
// "use the camera-side token" as pan/tilt sentinels of -1.0; the loader
// decodes that into CoordinateCameraToken so the rest of the engine never
// sees sentinel values.
type Coordinate struct {
	Kind CoordinateKind
	Pan  float64 // [-1, 1]
	Tilt float64 // [-1, 1]
	Zoom float64 // [0, 1]
}

// AbsoluteCoordinate builds an absolute PTZ coordinate.
func AbsoluteCoordinate(pan, tilt, zoom float64) Coordinate {
	return Coordinate{Kind: CoordinateAbsolute, Pan: pan, Tilt: tilt, Zoom: zoom}
}

// CameraTokenCoordinate builds a coordinate that resolves via the
// camera-side preset token.
func CameraTokenCoordinate() Coordinate {
	return Coordinate{Kind: CoordinateCameraToken}
}

// Valid reports whether the coordinate is an absolute position within
// the normalized ONVIF ranges.
func (c Coordinate) Valid() bool {
	if c.Kind != CoordinateAbsolute {
		return false
	}
	return c.Pan >= -1 && c.Pan <= 1 &&
		c.Tilt >= -1 && c.Tilt <= 1 &&
		c.Zoom >= 0 && c.Zoom <= 1
}

// Preset is a named PTZ position owned by exactly one camera.
type Preset struct {
	ID         int
	CameraID   int
	Name       string
	Coordinate Coordinate
	// Token is the opaque camera-side preset token used by GotoPreset.
	Token string
}

// AssetKind selects the overlay source resolution strategy.
type AssetKind string

const (
	AssetLocalFile  AssetKind = "local_file"
	AssetHTTPImage  AssetKind = "http_image"
	AssetDrawingURL AssetKind = "drawing_url"
)

// Asset is an overlay graphic referenced by timeline cues.
type Asset struct {
	ID        int
	Name      string
	Kind      AssetKind
	Source    string
	PositionX float64 // normalized [0, 1]
	PositionY float64 // normalized [0, 1]
	Width     *int    // pixels, optional
	Height    *int    // pixels, optional
	Opacity   float64 // [0, 1]
}

// DestinationWatchdogConfig is the per-destination watchdog policy. It is
// opaque to everything except the health watchdog.
type DestinationWatchdogConfig struct {
	Enabled         bool
	IntervalSeconds int
	PageURL         string
	OfflineMarkers  []string
	LiveMarkers     []string
	ControlToken    string
	BroadcastID     string
}

// Interval returns the check interval, defaulting to 30s.
func (c DestinationWatchdogConfig) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Destination is an external RTMP endpoint.
type Destination struct {
	ID          int
	Name        string
	Platform    string
	BaseRTMPURL string
	StreamKey   string
	Watchdog    DestinationWatchdogConfig
}

// OutputURL returns the full RTMP target: base joined with the stream key.
func (d *Destination) OutputURL() string {
	return strings.TrimRight(d.BaseRTMPURL, "/") + "/" + d.StreamKey
}

// TrackKind distinguishes the video track from overlay tracks.
type TrackKind string

const (
	TrackVideo   TrackKind = "video"
	TrackOverlay TrackKind = "overlay"
)

// Timeline is a composition of cues over a fixed duration.
type Timeline struct {
	ID               int
	Name             string
	Duration         float64 // seconds, > 0
	FPS              int
	ResolutionWidth  int
	ResolutionHeight int
	Loop             bool
	Tracks           []Track
}

// Track owns an ordered set of cues on a single layer.
type Track struct {
	ID      int
	Kind    TrackKind
	Layer   int
	Enabled bool
	Cues    []Cue
}

// Cue is an interval inside a track specifying an action.
type Cue struct {
	ID       int
	Order    int
	Start    float64 // seconds from timeline zero, >= 0
	Duration float64 // seconds, > 0
	Action   CueAction
}

// End returns the cue's end time in timeline seconds.
func (c *Cue) End() float64 {
	return c.Start + c.Duration
}

// ActiveAt reports whether the cue covers the instant t (half-open
// interval [start, end)).
func (c *Cue) ActiveAt(t float64) bool {
	return t >= c.Start && t < c.End()
}

// VideoTrack returns the enabled video track, or nil when the timeline
// has none. Validate guarantees there is at most one.
func (t *Timeline) VideoTrack() *Track {
	for i := range t.Tracks {
		if t.Tracks[i].Kind == TrackVideo && t.Tracks[i].Enabled {
			return &t.Tracks[i]
		}
	}
	return nil
}

// OverlayTracks returns enabled overlay tracks in ascending layer order.
func (t *Timeline) OverlayTracks() []*Track {
	var tracks []*Track
	for i := range t.Tracks {
		if t.Tracks[i].Kind == TrackOverlay && t.Tracks[i].Enabled {
			tracks = append(tracks, &t.Tracks[i])
		}
	}
	for i := 1; i < len(tracks); i++ {
		for j := i; j > 0 && tracks[j-1].Layer > tracks[j].Layer; j-- {
			tracks[j-1], tracks[j] = tracks[j], tracks[j-1]
		}
	}
	return tracks
}

// ReferencedCameraIDs returns the distinct camera ids used by video cues,
// in first-use order.
func (t *Timeline) ReferencedCameraIDs() []int {
	seen := make(map[int]bool)
	var ids []int
	vt := t.VideoTrack()
	if vt == nil {
		return ids
	}
	for i := range vt.Cues {
		a := vt.Cues[i].Action
		if a.Kind != ActionShowCamera {
			continue
		}
		if !seen[a.CameraID] {
			seen[a.CameraID] = true
			ids = append(ids, a.CameraID)
		}
	}
	return ids
}

// ReferencedAssetIDs returns the distinct asset ids used by overlay cues.
func (t *Timeline) ReferencedAssetIDs() []int {
	seen := make(map[int]bool)
	var ids []int
	for _, tr := range t.OverlayTracks() {
		for i := range tr.Cues {
			a := tr.Cues[i].Action
			if a.Kind != ActionShowOverlay {
				continue
			}
			if !seen[a.AssetID] {
				seen[a.AssetID] = true
				ids = append(ids, a.AssetID)
			}
		}
	}
	return ids
}

// StreamStatus is the engine-owned per-stream state machine value.
type StreamStatus string

const (
	StatusStarting   StreamStatus = "starting"
	StatusRunning    StreamStatus = "running"
	StatusDegraded   StreamStatus = "degraded"
	StatusRestarting StreamStatus = "restarting"
	StatusStopped    StreamStatus = "stopped"
	StatusError      StreamStatus = "error"
)

// Terminal reports whether the status ends a stream's lifecycle.
func (s StreamStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// PlaybackPosition is the engine-owned live position of a running
// timeline, updated at 2 Hz and cleared on stop.
type PlaybackPosition struct {
	TimelineID      int       `json:"timeline_id"`
	LoopCount       int       `json:"loop_count"`
	SegmentIndex    int       `json:"segment_index"`
	SegmentStartAt  time.Time `json:"segment_start_at"`
	CurrentTime     float64   `json:"current_time"`
	CurrentCueID    int       `json:"current_cue_id"`
	CurrentCueIndex int       `json:"current_cue_index"`
	TotalCues       int       `json:"total_cues"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Schedule is a recurring streaming window.
type Schedule struct {
	ID             int
	Name           string
	Enabled        bool
	Timezone       string
	Days           []time.Weekday
	WindowStart    string // "HH:MM" local to Timezone
	WindowEnd      string // "HH:MM"; end < start means the window crosses midnight
	DestinationIDs []int
	TimelineIDs    []int // ordered
}

// Location resolves the schedule's timezone, falling back to local time.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
