package ptz

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// The ONVIF client hands back raw SOAP responses; the envelope shapes
// vary by vendor, so parsing scans tokens by local element name instead
// of binding the full schema.

// checkSOAPStatus maps a non-2xx device reply to an error.
func checkSOAPStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("device returned %s", resp.Status)
}

// parseFirstProfileToken extracts the token attribute of the first
// Profiles element in a GetProfilesResponse.
func parseFirstProfileToken(body io.Reader) (string, error) {
	dec := xml.NewDecoder(body)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", fmt.Errorf("no media profiles in response")
		}
		if err != nil {
			return "", fmt.Errorf("parsing profiles response: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "Profiles" {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Local == "token" {
				return attr.Value, nil
			}
		}
		return "", fmt.Errorf("profile element missing token attribute")
	}
}

// parseSetPresetToken extracts the PresetToken element text from a
// SetPresetResponse.
func parseSetPresetToken(body io.Reader) (string, error) {
	dec := xml.NewDecoder(body)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", fmt.Errorf("no preset token in response")
		}
		if err != nil {
			return "", fmt.Errorf("parsing set-preset response: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "PresetToken" {
			continue
		}
		var value string
		if err := dec.DecodeElement(&value, &start); err != nil {
			return "", fmt.Errorf("parsing set-preset response: %w", err)
		}
		return strings.TrimSpace(value), nil
	}
}

// parseStatusPosition extracts the Position vector from a
// GetStatusResponse: PanTilt carries x/y attributes, Zoom carries x.
func parseStatusPosition(body io.Reader) (Position, error) {
	dec := xml.NewDecoder(body)
	var pos Position
	var inPosition, sawPanTilt bool
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if !sawPanTilt {
				return Position{}, fmt.Errorf("no position in status response")
			}
			return pos, nil
		}
		if err != nil {
			return Position{}, fmt.Errorf("parsing status response: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "Position":
				inPosition = true
			case "PanTilt":
				if !inPosition {
					continue
				}
				sawPanTilt = true
				pos.Pan = floatAttr(t, "x")
				pos.Tilt = floatAttr(t, "y")
			case "Zoom":
				if !inPosition {
					continue
				}
				pos.Zoom = floatAttr(t, "x")
			}
		case xml.EndElement:
			if t.Name.Local == "Position" {
				inPosition = false
			}
		}
	}
}

func floatAttr(el xml.StartElement, name string) float64 {
	for _, attr := range el.Attr {
		if strings.EqualFold(attr.Name.Local, name) {
			v, err := strconv.ParseFloat(attr.Value, 64)
			if err == nil {
				return v
			}
		}
	}
	return 0
}
