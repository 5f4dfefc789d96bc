// Package preview talks to the local preview media server's control
// API. The server (MediaMTX) ingests the preview RTMP feed and serves
// it back to operator browsers; the engine only needs to know that it
// is up and which paths are active.
package preview

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/vistter/vistterstream/internal/errors"
	"github.com/vistter/vistterstream/internal/logging"
)

// healthTimeout bounds the control-API health round-trip.
const healthTimeout = 5 * time.Second

var previewLogger *slog.Logger

func init() {
	previewLogger = logging.ForService("preview")
	if previewLogger == nil {
		previewLogger = slog.Default().With("service", "preview")
	}
}

// PathInfo describes one active path on the preview server.
type PathInfo struct {
	Name    string
	Ready   bool
	Readers int
}

// Client is a thin MediaMTX control-API client.
type Client struct {
	apiBaseURL string
	rtmpURL    string
	httpClient *http.Client
}

// NewClient builds a preview client. apiBaseURL is the control API
// root (e.g. "http://localhost:9997"); rtmpURL is where the engine
// publishes the preview feed.
func NewClient(apiBaseURL, rtmpURL string) *Client {
	return &Client{
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		rtmpURL:    rtmpURL,
		httpClient: &http.Client{Timeout: healthTimeout},
	}
}

// RTMPURL returns the publish URL for the preview feed.
func (c *Client) RTMPURL() string {
	return c.rtmpURL
}

// Healthy reports whether the preview server answers its control API.
// A 401 still counts: the server is up, just configured with API auth
// the engine does not need.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+"/v1/config/get", nil)
	if err != nil {
		return errors.New(err).
			Component("preview").
			Category(errors.CategoryValidation).
			Build()
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.New(fmt.Errorf("preview server unreachable: %w", err)).
			Component("preview").
			Category(errors.CategoryNetwork).
			Build()
	}
	defer resp.Body.Close()

	if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusUnauthorized {
		return nil
	}
	return errors.Newf("preview server returned %s", resp.Status).
		Component("preview").
		Category(errors.CategoryNetwork).
		Build()
}

// ActivePaths enumerates the server's current paths. The payload shape
// drifts between server versions, so fields are read loosely.
func (c *Client) ActivePaths(ctx context.Context) ([]PathInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+"/v1/paths/list", nil)
	if err != nil {
		return nil, errors.New(err).
			Component("preview").
			Category(errors.CategoryValidation).
			Build()
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.New(fmt.Errorf("listing preview paths: %w", err)).
			Component("preview").
			Category(errors.CategoryNetwork).
			Build()
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Newf("preview server returned %s", resp.Status).
			Component("preview").
			Category(errors.CategoryNetwork).
			Build()
	}

	root, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return nil, errors.New(fmt.Errorf("parsing paths response: %w", err)).
			Component("preview").
			Category(errors.CategoryValidation).
			Build()
	}

	items, err := root.GetObjectArray("items")
	if err != nil {
		// Older servers key items by path name instead of an array.
		byName, mapErr := root.GetObject("items")
		if mapErr != nil {
			return nil, errors.New(fmt.Errorf("parsing paths response: %w", err)).
				Component("preview").
				Category(errors.CategoryValidation).
				Build()
		}
		var paths []PathInfo
		for name, v := range byName.Map() {
			obj, objErr := v.Object()
			if objErr != nil {
				continue
			}
			paths = append(paths, pathFromObject(name, obj))
		}
		return paths, nil
	}

	paths := make([]PathInfo, 0, len(items))
	for _, item := range items {
		name, _ := item.GetString("name")
		paths = append(paths, pathFromObject(name, item))
	}
	return paths, nil
}

// PathActive reports whether the named path is ready on the server.
func (c *Client) PathActive(ctx context.Context, name string) (bool, error) {
	paths, err := c.ActivePaths(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range paths {
		if p.Name == name && p.Ready {
			return true, nil
		}
	}
	return false, nil
}

func pathFromObject(name string, obj *jason.Object) PathInfo {
	info := PathInfo{Name: name}
	if ready, err := obj.GetBoolean("ready"); err == nil {
		info.Ready = ready
	} else if src, err := obj.GetObject("source"); err == nil && src != nil {
		// v0 API: presence of a source object means the path is live.
		info.Ready = true
	}
	if readers, err := obj.GetObjectArray("readers"); err == nil {
		info.Readers = len(readers)
	}
	return info
}
