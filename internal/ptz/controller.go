// Package ptz drives ONVIF pan/tilt/zoom cameras: preset moves during
// timeline execution, position readback, and camera-side preset
// management. PTZ failures are reported but never fatal to a segment;
// callers log and keep streaming.
package ptz

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	goonvif "github.com/use-go/onvif"
	"github.com/use-go/onvif/media"
	"github.com/use-go/onvif/ptz"
	"github.com/use-go/onvif/xsd"
	onvifxsd "github.com/use-go/onvif/xsd/onvif"
	gocache "github.com/patrickmn/go-cache"

	"github.com/vistter/vistterstream/internal/errors"
	"github.com/vistter/vistterstream/internal/logging"
	"github.com/vistter/vistterstream/internal/model"
)

const (
	// settleDelay is how long a camera gets to physically reach a
	// position before the caller proceeds.
	settleDelay = 2 * time.Second

	// soapTimeout bounds each device round-trip.
	soapTimeout = 5 * time.Second

	// connectionTTL is how long a verified device connection stays
	// cached before it is re-probed.
	connectionTTL = 10 * time.Minute

	// envDeviceURL and envPTZURL override device resolution entirely;
	// used for port-forwarded or proxied cameras.
	envDeviceURL = "VISTTER_ONVIF_DEVICE_URL"
	envPTZURL    = "VISTTER_ONVIF_PTZ_URL"
)

// fallbackPorts are tried in order when the configured ONVIF port does
// not answer. Covers the common vendor defaults.
var fallbackPorts = []int{80, 8080, 8000, 2020}

var ptzLogger *slog.Logger

func init() {
	ptzLogger = logging.ForService("ptz")
	if ptzLogger == nil {
		ptzLogger = slog.Default().With("service", "ptz")
	}
}

// Position is a camera's current normalized PTZ position.
type Position struct {
	Pan  float64
	Tilt float64
	Zoom float64
}

// device is the slice of the ONVIF client the controller uses;
// narrowed for tests.
type device interface {
	CallMethod(method any) (*http.Response, error)
}

// connection is one verified camera connection plus its media profile.
type connection struct {
	dev          device
	profileToken string
}

// Controller executes PTZ operations against ONVIF cameras, caching
// verified connections per endpoint.
type Controller struct {
	cache     *gocache.Cache
	clk       clock.Clock
	settleDur time.Duration

	// dial is swapped out in tests.
	dial func(ctx context.Context, xaddr, username, password string) (device, error)
}

// NewController builds a PTZ controller.
func NewController(clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{
		cache:     gocache.New(connectionTTL, 2*connectionTTL),
		clk:       clk,
		settleDur: settleDelay,
		dial:      dialONVIF,
	}
}

func dialONVIF(ctx context.Context, xaddr, username, password string) (device, error) {
	dev, err := goonvif.NewDevice(goonvif.DeviceParams{
		Xaddr:      xaddr,
		Username:   username,
		Password:   password,
		HttpClient: &http.Client{Timeout: soapTimeout},
	})
	if err != nil {
		return nil, err
	}
	// A proxied PTZ service can live on a different URL than the
	// device service; honor the explicit override.
	if ptzURL := os.Getenv(envPTZURL); ptzURL != "" {
		dev.GetServices()["ptz"] = ptzURL
	}
	return dev, nil
}

// MoveToPreset points the camera at the preset. An absolute coordinate
// is tried first via AbsoluteMove; on failure, or when the preset
// defers to a camera-side token, GotoPreset runs with the stored token
// (falling back to the stringified preset id). Either path is followed
// by a settle delay so the caller's segment starts on a steady shot.
func (c *Controller) MoveToPreset(ctx context.Context, camera model.Camera, preset model.Preset) error {
	conn, err := c.connect(ctx, camera)
	if err != nil {
		return err
	}

	if preset.Coordinate.Valid() {
		if err := c.absoluteMove(ctx, conn, preset.Coordinate); err == nil {
			c.settle(ctx)
			return nil
		} else {
			ptzLogger.Warn("absolute move failed, falling back to camera preset",
				"camera", camera.Name, "preset", preset.Name, "error", err)
		}
	}

	token := preset.Token
	if token == "" {
		token = strconv.Itoa(preset.ID)
	}
	if err := c.gotoPreset(ctx, conn, token); err != nil {
		return errors.New(err).
			Component("ptz").
			Category(errors.CategoryNetwork).
			Context("camera", camera.Name).
			Context("preset", preset.Name).
			Build()
	}
	c.settle(ctx)
	return nil
}

// GetPosition reads the camera's current PTZ position.
func (c *Controller) GetPosition(ctx context.Context, camera model.Camera) (Position, error) {
	conn, err := c.connect(ctx, camera)
	if err != nil {
		return Position{}, err
	}
	resp, err := conn.dev.CallMethod(ptz.GetStatus{
		ProfileToken: onvifxsd.ReferenceToken(conn.profileToken),
	})
	if err != nil {
		return Position{}, errors.New(err).
			Component("ptz").
			Category(errors.CategoryNetwork).
			Context("camera", camera.Name).
			Build()
	}
	defer resp.Body.Close()
	pos, err := parseStatusPosition(resp.Body)
	if err != nil {
		return Position{}, errors.New(err).
			Component("ptz").
			Category(errors.CategoryValidation).
			Context("camera", camera.Name).
			Build()
	}
	return pos, nil
}

// SetPreset stores the camera's current position as a camera-side
// preset and returns the token the camera assigned.
func (c *Controller) SetPreset(ctx context.Context, camera model.Camera, name string) (string, error) {
	conn, err := c.connect(ctx, camera)
	if err != nil {
		return "", err
	}
	resp, err := conn.dev.CallMethod(ptz.SetPreset{
		ProfileToken: onvifxsd.ReferenceToken(conn.profileToken),
		PresetName:   xsd.String(name),
	})
	if err != nil {
		return "", errors.New(err).
			Component("ptz").
			Category(errors.CategoryNetwork).
			Context("camera", camera.Name).
			Build()
	}
	defer resp.Body.Close()
	token, err := parseSetPresetToken(resp.Body)
	if err != nil {
		return "", errors.New(err).
			Component("ptz").
			Category(errors.CategoryValidation).
			Context("camera", camera.Name).
			Build()
	}
	ptzLogger.Info("camera preset stored", "camera", camera.Name, "name", name, "token", token)
	return token, nil
}

func (c *Controller) absoluteMove(ctx context.Context, conn *connection, coord model.Coordinate) error {
	resp, err := conn.dev.CallMethod(ptz.AbsoluteMove{
		ProfileToken: onvifxsd.ReferenceToken(conn.profileToken),
		Position: onvifxsd.PTZVector{
			PanTilt: onvifxsd.Vector2D{X: coord.Pan, Y: coord.Tilt},
			Zoom:    onvifxsd.Vector1D{X: coord.Zoom},
		},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkSOAPStatus(resp)
}

func (c *Controller) gotoPreset(ctx context.Context, conn *connection, token string) error {
	resp, err := conn.dev.CallMethod(ptz.GotoPreset{
		ProfileToken: onvifxsd.ReferenceToken(conn.profileToken),
		PresetToken:  onvifxsd.ReferenceToken(token),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkSOAPStatus(resp)
}

// settle waits the fixed settle delay, bailing early on cancellation.
func (c *Controller) settle(ctx context.Context) {
	if c.settleDur <= 0 {
		return
	}
	select {
	case <-c.clk.After(c.settleDur):
	case <-ctx.Done():
	}
}

// connect resolves and verifies a device connection for the camera,
// reusing a cached one when available. Verified connections are cached
// under both "host:port" and bare "host" so later lookups hit without
// re-probing ports.
func (c *Controller) connect(ctx context.Context, camera model.Camera) (*connection, error) {
	if !camera.HasCredentials() {
		return nil, errors.Newf("camera %s: PTZ control requires credentials", camera.Name).
			Component("ptz").
			Category(errors.CategoryConfiguration).
			Build()
	}

	for _, key := range cacheKeys(camera) {
		if v, ok := c.cache.Get(key); ok {
			return v.(*connection), nil
		}
	}

	var lastErr error
	for _, xaddr := range candidateXAddrs(camera) {
		dev, err := c.dial(ctx, xaddr, camera.Credentials.Username, camera.Credentials.Password)
		if err != nil {
			lastErr = err
			continue
		}
		profileToken, err := fetchProfileToken(dev)
		if err != nil {
			lastErr = err
			continue
		}
		conn := &connection{dev: dev, profileToken: profileToken}
		c.cache.Set(xaddr, conn, gocache.DefaultExpiration)
		for _, key := range cacheKeys(camera) {
			c.cache.Set(key, conn, gocache.DefaultExpiration)
		}
		ptzLogger.Info("camera connected", "camera", camera.Name, "xaddr", xaddr)
		return conn, nil
	}

	return nil, errors.New(fmt.Errorf("no ONVIF endpoint answered: %w", lastErr)).
		Component("ptz").
		Category(errors.CategoryNetwork).
		Context("camera", camera.Name).
		Build()
}

// cacheKeys returns the camera's connection cache aliases.
func cacheKeys(camera model.Camera) []string {
	port := camera.ONVIFPort
	if port == 0 {
		port = 80
	}
	return []string{
		fmt.Sprintf("%s:%d", camera.Address, port),
		camera.Address,
	}
}

// candidateXAddrs lists the device endpoints to probe, most specific
// first: the env override, the configured port, then the vendor
// defaults.
func candidateXAddrs(camera model.Camera) []string {
	if override := os.Getenv(envDeviceURL); override != "" {
		return []string{override}
	}

	var addrs []string
	seen := make(map[int]bool)
	appendPort := func(port int) {
		if port <= 0 || seen[port] {
			return
		}
		seen[port] = true
		addrs = append(addrs, fmt.Sprintf("%s:%d", camera.Address, port))
	}

	appendPort(camera.ONVIFPort)
	for _, p := range fallbackPorts {
		appendPort(p)
	}
	return addrs
}

// fetchProfileToken verifies the connection by fetching the device's
// media profiles and returns the first profile token.
func fetchProfileToken(dev device) (string, error) {
	resp, err := dev.CallMethod(media.GetProfiles{})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkSOAPStatus(resp); err != nil {
		return "", err
	}
	return parseFirstProfileToken(resp.Body)
}
