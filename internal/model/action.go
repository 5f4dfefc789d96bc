package model

import (
	"encoding/json"
	"fmt"
)

// CueActionKind tags the CueAction variant.
type CueActionKind int

const (
	ActionShowCamera CueActionKind = iota
	ActionShowOverlay
)

// String returns the persisted action type name.
func (k CueActionKind) String() string {
	switch k {
	case ActionShowCamera:
		return "show_camera"
	case ActionShowOverlay:
		return "show_overlay"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// CueAction is the tagged variant decoded from the persisted
// action_params JSON. Exactly one arm is meaningful per Kind:
// ShowCamera carries CameraID and an optional PresetID, ShowOverlay
// carries AssetID. Decoding happens once at timeline load so the driver
// never touches raw JSON.
type CueAction struct {
	Kind     CueActionKind
	CameraID int
	PresetID *int
	AssetID  int
}

// ShowCamera builds a camera-cut action.
func ShowCamera(cameraID int, presetID *int) CueAction {
	return CueAction{Kind: ActionShowCamera, CameraID: cameraID, PresetID: presetID}
}

// ShowOverlay builds an overlay action.
func ShowOverlay(assetID int) CueAction {
	return CueAction{Kind: ActionShowOverlay, AssetID: assetID}
}

// cueActionParams mirrors the persisted action_params document.
type cueActionParams struct {
	CameraID *int `json:"camera_id"`
	PresetID *int `json:"preset_id"`
	AssetID  *int `json:"asset_id"`
	// Legacy rows store the asset reference as overlay_id.
	OverlayID *int `json:"overlay_id"`
}

// DecodeCueAction parses a persisted (action_type, action_params) pair
// into a CueAction. It is strict about required references: a
// show_camera without camera_id or a show_overlay without an asset
// reference is a validation error.
func DecodeCueAction(actionType string, params []byte) (CueAction, error) {
	var p cueActionParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return CueAction{}, fmt.Errorf("invalid action_params %q: %w", string(params), err)
		}
	}

	switch actionType {
	case "show_camera":
		if p.CameraID == nil {
			return CueAction{}, fmt.Errorf("show_camera cue missing camera_id")
		}
		return ShowCamera(*p.CameraID, p.PresetID), nil
	case "show_overlay":
		assetID := p.AssetID
		if assetID == nil {
			assetID = p.OverlayID
		}
		if assetID == nil {
			return CueAction{}, fmt.Errorf("show_overlay cue missing asset_id")
		}
		return ShowOverlay(*assetID), nil
	default:
		return CueAction{}, fmt.Errorf("unknown cue action type %q", actionType)
	}
}
