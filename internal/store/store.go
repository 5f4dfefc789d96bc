// Package store reads the engine's read-model snapshots from the SQLite
// database owned by the external persistence layer and provides the
// narrow status writeback interface.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vistter/vistterstream/internal/errors"
	"github.com/vistter/vistterstream/internal/logging"
	"github.com/vistter/vistterstream/internal/model"
)

// Interface is the store surface the engine consumes. Readers return
// snapshots; the three writeback methods are the only mutations the
// engine performs.
type Interface interface {
	GetCamera(id int) (*model.Camera, error)
	GetCameras(ids []int) (map[int]*model.Camera, error)
	GetPreset(id int) (*model.Preset, error)
	GetAsset(id int) (*model.Asset, error)
	GetAssets(ids []int) (map[int]*model.Asset, error)
	GetTimeline(id int) (*model.Timeline, error)
	GetDestination(id int) (*model.Destination, error)
	GetDestinations(ids []int) ([]*model.Destination, error)
	ListSchedules() ([]*model.Schedule, error)

	UpdateStreamStatus(id int, status model.StreamStatus, lastError string) error
	IsStreamStopped(id int) bool
	TouchDestinationLastUsed(id int) error

	Close() error
}

var storeLogger *slog.Logger

func init() {
	storeLogger = logging.ForService("store")
	if storeLogger == nil {
		storeLogger = slog.Default().With("service", "store")
	}
}

// DataStore implements Interface on a GORM SQLite handle.
type DataStore struct {
	DB *gorm.DB
}

// Open opens the snapshot database read-write (the engine writes only
// its own streams table).
func Open(path string) (*DataStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.New(err).
			Component("store").
			Category(errors.CategoryConfiguration).
			Context("path", path).
			Build()
	}

	gormLog := gormlogger.Default.LogMode(gormlogger.Silent)
	db, err := gorm.Open(sqlite.Open(absPath), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to open SQLite database: %w", err)).
			Component("store").
			Category(errors.CategoryDatabase).
			Context("path", absPath).
			Build()
	}

	// The streams table is engine-owned; make sure it exists even on a
	// fresh database.
	if err := db.AutoMigrate(&StreamRecord{}); err != nil {
		return nil, errors.New(err).
			Component("store").
			Category(errors.CategoryDatabase).
			Context("operation", "migrate_streams").
			Build()
	}

	storeLogger.Info("snapshot store opened", "path", absPath)
	return &DataStore{DB: db}, nil
}

// Close closes the underlying database connection.
func (s *DataStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetCamera loads one camera snapshot.
func (s *DataStore) GetCamera(id int) (*model.Camera, error) {
	var rec CameraRecord
	if err := s.DB.First(&rec, id).Error; err != nil {
		return nil, notFoundOr(err, "camera", id)
	}
	return cameraFromRecord(&rec), nil
}

// GetCameras loads the given cameras keyed by id. A missing id is an
// error: timelines must not reference cameras that do not exist.
func (s *DataStore) GetCameras(ids []int) (map[int]*model.Camera, error) {
	var recs []CameraRecord
	if err := s.DB.Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, dbError(err, "cameras")
	}
	out := make(map[int]*model.Camera, len(recs))
	for i := range recs {
		out[recs[i].ID] = cameraFromRecord(&recs[i])
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, errors.Newf("camera %d referenced but not found", id).
				Component("store").
				Category(errors.CategoryNotFound).
				Build()
		}
	}
	return out, nil
}

// GetPreset loads one preset snapshot, decoding legacy sentinels.
func (s *DataStore) GetPreset(id int) (*model.Preset, error) {
	var rec PresetRecord
	if err := s.DB.First(&rec, id).Error; err != nil {
		return nil, notFoundOr(err, "preset", id)
	}
	return presetFromRecord(&rec), nil
}

// GetAsset loads one asset snapshot.
func (s *DataStore) GetAsset(id int) (*model.Asset, error) {
	var rec AssetRecord
	if err := s.DB.First(&rec, id).Error; err != nil {
		return nil, notFoundOr(err, "asset", id)
	}
	return assetFromRecord(&rec), nil
}

// GetAssets loads the given assets keyed by id.
func (s *DataStore) GetAssets(ids []int) (map[int]*model.Asset, error) {
	var recs []AssetRecord
	if err := s.DB.Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, dbError(err, "assets")
	}
	out := make(map[int]*model.Asset, len(recs))
	for i := range recs {
		out[recs[i].ID] = assetFromRecord(&recs[i])
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, errors.Newf("asset %d referenced but not found", id).
				Component("store").
				Category(errors.CategoryNotFound).
				Build()
		}
	}
	return out, nil
}

// GetTimeline assembles a full timeline snapshot: tracks, cues, decoded
// actions. The snapshot is validated before it is returned so the
// driver never sees a corrupt timeline.
func (s *DataStore) GetTimeline(id int) (*model.Timeline, error) {
	var rec TimelineRecord
	if err := s.DB.First(&rec, id).Error; err != nil {
		return nil, notFoundOr(err, "timeline", id)
	}

	width, height, err := parseResolution(rec.Resolution)
	if err != nil {
		return nil, errors.New(err).
			Component("store").
			Category(errors.CategoryValidation).
			Context("timeline_id", id).
			Build()
	}

	timeline := &model.Timeline{
		ID:               rec.ID,
		Name:             rec.Name,
		Duration:         rec.Duration,
		FPS:              rec.FPS,
		ResolutionWidth:  width,
		ResolutionHeight: height,
		Loop:             rec.Loop,
	}

	var trackRecs []TrackRecord
	if err := s.DB.Where("timeline_id = ?", id).Order("layer").Find(&trackRecs).Error; err != nil {
		return nil, dbError(err, "tracks")
	}

	for i := range trackRecs {
		tr := &trackRecs[i]
		track := model.Track{
			ID:      tr.ID,
			Kind:    model.TrackKind(tr.TrackType),
			Layer:   tr.Layer,
			Enabled: tr.Enabled,
		}

		var cueRecs []CueRecord
		if err := s.DB.Where("track_id = ?", tr.ID).Order("order_index").Find(&cueRecs).Error; err != nil {
			return nil, dbError(err, "cues")
		}
		for j := range cueRecs {
			cr := &cueRecs[j]
			action, err := model.DecodeCueAction(cr.ActionType, []byte(cr.ActionParams))
			if err != nil {
				return nil, errors.New(err).
					Component("store").
					Category(errors.CategoryValidation).
					Context("timeline_id", id).
					Context("cue_id", cr.ID).
					Build()
			}
			track.Cues = append(track.Cues, model.Cue{
				ID:       cr.ID,
				Order:    cr.Order,
				Start:    cr.StartTime,
				Duration: cr.Duration,
				Action:   action,
			})
		}
		timeline.Tracks = append(timeline.Tracks, track)
	}

	if err := timeline.Validate(); err != nil {
		return nil, errors.New(err).
			Component("store").
			Category(errors.CategoryValidation).
			Context("timeline_id", id).
			Build()
	}
	return timeline, nil
}

// GetDestination loads one destination snapshot.
func (s *DataStore) GetDestination(id int) (*model.Destination, error) {
	var rec DestinationRecord
	if err := s.DB.First(&rec, id).Error; err != nil {
		return nil, notFoundOr(err, "destination", id)
	}
	return destinationFromRecord(&rec), nil
}

// GetDestinations loads destinations preserving the input order.
func (s *DataStore) GetDestinations(ids []int) ([]*model.Destination, error) {
	var recs []DestinationRecord
	if err := s.DB.Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, dbError(err, "destinations")
	}
	byID := make(map[int]*DestinationRecord, len(recs))
	for i := range recs {
		byID[recs[i].ID] = &recs[i]
	}
	out := make([]*model.Destination, 0, len(ids))
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			return nil, errors.Newf("destination %d referenced but not found", id).
				Component("store").
				Category(errors.CategoryNotFound).
				Build()
		}
		out = append(out, destinationFromRecord(rec))
	}
	return out, nil
}

// ListSchedules returns all schedules with their ordered timeline lists.
func (s *DataStore) ListSchedules() ([]*model.Schedule, error) {
	var recs []ScheduleRecord
	if err := s.DB.Find(&recs).Error; err != nil {
		return nil, dbError(err, "schedules")
	}

	out := make([]*model.Schedule, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		sched := &model.Schedule{
			ID:          rec.ID,
			Name:        rec.Name,
			Enabled:     rec.Enabled,
			Timezone:    rec.Timezone,
			WindowStart: rec.WindowStart,
			WindowEnd:   rec.WindowEnd,
		}
		for _, d := range decodeIntArray(rec.DaysOfWeek) {
			sched.Days = append(sched.Days, time.Weekday(d))
		}
		sched.DestinationIDs = decodeIntArray(rec.DestinationIDs)

		var joins []ScheduleTimelineRecord
		if err := s.DB.Where("schedule_id = ?", rec.ID).Order("order_index").Find(&joins).Error; err != nil {
			return nil, dbError(err, "schedule_timelines")
		}
		for _, j := range joins {
			sched.TimelineIDs = append(sched.TimelineIDs, j.TimelineID)
		}
		out = append(out, sched)
	}
	return out, nil
}

// UpdateStreamStatus upserts the engine's status row for a stream.
func (s *DataStore) UpdateStreamStatus(id int, status model.StreamStatus, lastError string) error {
	now := time.Now().UTC()
	rec := StreamRecord{
		ID:        id,
		Status:    string(status),
		LastError: lastError,
		UpdatedAt: now,
	}
	res := s.DB.Model(&StreamRecord{}).Where("id = ?", id).
		Updates(map[string]any{"status": rec.Status, "last_error": rec.LastError, "updated_at": now})
	if res.Error != nil {
		return dbError(res.Error, "streams")
	}
	if res.RowsAffected == 0 {
		rec.StartedAt = now
		if err := s.DB.Create(&rec).Error; err != nil {
			return dbError(err, "streams")
		}
	}
	return nil
}

// IsStreamStopped reports whether the persistence layer has marked the
// stream stopped. The encoder monitor consults this before auto-restart
// so an operator stop always wins over recovery.
func (s *DataStore) IsStreamStopped(id int) bool {
	var rec StreamRecord
	if err := s.DB.First(&rec, id).Error; err != nil {
		return false
	}
	return rec.Status == string(model.StatusStopped)
}

// TouchDestinationLastUsed stamps the destination's last-used time.
func (s *DataStore) TouchDestinationLastUsed(id int) error {
	now := time.Now().UTC()
	if err := s.DB.Model(&DestinationRecord{}).Where("id = ?", id).
		Update("last_used_at", now).Error; err != nil {
		return dbError(err, "destinations")
	}
	return nil
}

func cameraFromRecord(rec *CameraRecord) *model.Camera {
	kind := model.CameraStationary
	if rec.Kind == string(model.CameraPTZ) {
		kind = model.CameraPTZ
	}
	return &model.Camera{
		ID:         rec.ID,
		Name:       rec.Name,
		Address:    rec.Address,
		Port:       rec.Port,
		StreamPath: rec.StreamPath,
		Credentials: model.Credentials{
			Username: rec.Username,
			Password: rec.Password,
		},
		ONVIFPort: rec.ONVIFPort,
		Kind:      kind,
	}
}

func presetFromRecord(rec *PresetRecord) *model.Preset {
	coord := model.AbsoluteCoordinate(rec.Pan, rec.Tilt, rec.Zoom)
	// Legacy sentinel: pan/tilt of -1.0 means "use the camera-side
	// preset token".
	if rec.Pan == -1.0 || rec.Tilt == -1.0 {
		coord = model.CameraTokenCoordinate()
	}
	return &model.Preset{
		ID:         rec.ID,
		CameraID:   rec.CameraID,
		Name:       rec.Name,
		Coordinate: coord,
		Token:      rec.Token,
	}
}

func assetFromRecord(rec *AssetRecord) *model.Asset {
	kind := model.AssetKind(rec.Kind)
	switch kind {
	case model.AssetLocalFile, model.AssetHTTPImage, model.AssetDrawingURL:
	default:
		kind = model.AssetLocalFile
	}
	opacity := rec.Opacity
	if opacity <= 0 || opacity > 1 {
		opacity = 1
	}
	return &model.Asset{
		ID:        rec.ID,
		Name:      rec.Name,
		Kind:      kind,
		Source:    rec.Source,
		PositionX: rec.PositionX,
		PositionY: rec.PositionY,
		Width:     rec.Width,
		Height:    rec.Height,
		Opacity:   opacity,
	}
}

func destinationFromRecord(rec *DestinationRecord) *model.Destination {
	return &model.Destination{
		ID:          rec.ID,
		Name:        rec.Name,
		Platform:    rec.Platform,
		BaseRTMPURL: rec.BaseRTMPURL,
		StreamKey:   rec.StreamKey,
		Watchdog: model.DestinationWatchdogConfig{
			Enabled:         rec.WatchdogEnabled,
			IntervalSeconds: rec.WatchdogInterval,
			PageURL:         rec.WatchdogPageURL,
			OfflineMarkers:  decodeStringArray(rec.WatchdogOffline),
			LiveMarkers:     decodeStringArray(rec.WatchdogLive),
			ControlToken:    rec.WatchdogControlToken,
			BroadcastID:     rec.WatchdogBroadcastID,
		},
	}
}

// parseResolution parses "1920x1080".
func parseResolution(res string) (width, height int, err error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(res)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resolution %q", res)
	}
	width, err = strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution %q", res)
	}
	height, err = strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution %q", res)
	}
	return width, height, nil
}

func decodeIntArray(raw string) []int {
	if raw == "" {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		storeLogger.Warn("ignoring malformed JSON int array", "raw", raw, "error", err)
		return nil
	}
	return out
}

func decodeStringArray(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		storeLogger.Warn("ignoring malformed JSON string array", "raw", raw, "error", err)
		return nil
	}
	return out
}

func notFoundOr(err error, entity string, id int) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Newf("%s %d not found", entity, id).
			Component("store").
			Category(errors.CategoryNotFound).
			Build()
	}
	return dbError(err, entity)
}

func dbError(err error, entity string) error {
	return errors.New(err).
		Component("store").
		Category(errors.CategoryDatabase).
		Context("entity", entity).
		Build()
}
