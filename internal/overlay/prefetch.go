// Package overlay resolves every overlay asset a timeline references to
// a local image file before playback starts. Overlays are baked into
// the transcoder's filter graph with time-based enables, so resolving
// them up front means overlay changes never restart the encoder
// mid-run.
package overlay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vistter/vistterstream/internal/errors"
	"github.com/vistter/vistterstream/internal/logging"
	"github.com/vistter/vistterstream/internal/model"
)

const (
	// fetchTimeout bounds each remote asset download.
	fetchTimeout = 10 * time.Second

	// maxConcurrentFetches bounds parallel downloads during prefetch.
	maxConcurrentFetches = 4
)

var overlayLogger *slog.Logger

func init() {
	overlayLogger = logging.ForService("overlay")
	if overlayLogger == nil {
		overlayLogger = slog.Default().With("service", "overlay")
	}
}

// TimedOverlay is one overlay cue resolved to a local file and pixel
// coordinates, ready for the encoder's filter graph.
type TimedOverlay struct {
	Path    string
	X       int
	Y       int
	Opacity float64
	Start   float64 // timeline-global seconds
	End     float64
	Width   *int
	Height  *int
	AssetID int
}

// Prefetcher resolves assets and owns the temp files it downloads.
type Prefetcher struct {
	// DataDir is the root for URL-style local paths (/uploads/...).
	DataDir string
	// Client is the HTTP client for remote assets; a default client
	// with redirect-following is used when nil.
	Client *http.Client

	mu        sync.Mutex
	tempFiles []string
}

// NewPrefetcher builds a prefetcher rooted at dataDir.
func NewPrefetcher(dataDir string) *Prefetcher {
	return &Prefetcher{
		DataDir: dataDir,
		Client:  &http.Client{},
	}
}

// Prefetch walks the timeline's enabled overlay tracks in (layer, cue)
// order and resolves each referenced asset. A failed fetch is a
// transient error: the cue is logged and skipped, playback proceeds
// without it. Temp files accumulate on the prefetcher until Cleanup.
func (p *Prefetcher) Prefetch(ctx context.Context, timeline *model.Timeline, assets map[int]*model.Asset) ([]TimedOverlay, error) {
	type slot struct {
		cue   *model.Cue
		asset *model.Asset
	}

	var slots []slot
	for _, track := range timeline.OverlayTracks() {
		for i := range track.Cues {
			cue := &track.Cues[i]
			asset, ok := assets[cue.Action.AssetID]
			if !ok {
				return nil, errors.Newf("overlay cue %d references unknown asset %d", cue.ID, cue.Action.AssetID).
					Component("overlay").
					Category(errors.CategoryValidation).
					Build()
			}
			slots = append(slots, slot{cue: cue, asset: asset})
		}
	}
	if len(slots) == 0 {
		return nil, nil
	}

	resolved := make([]string, len(slots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i := range slots {
		g.Go(func() error {
			path, err := p.resolve(gctx, slots[i].asset)
			if err != nil {
				// Transient: skip this cue, keep the show running.
				overlayLogger.Warn("overlay asset resolution failed, skipping cue",
					"asset_id", slots[i].asset.ID,
					"cue_id", slots[i].cue.ID,
					"kind", slots[i].asset.Kind,
					"error", err)
				return nil
			}
			resolved[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]TimedOverlay, 0, len(slots))
	for i := range slots {
		if resolved[i] == "" {
			continue
		}
		cue, asset := slots[i].cue, slots[i].asset
		out = append(out, TimedOverlay{
			Path:    resolved[i],
			X:       int(asset.PositionX * float64(timeline.ResolutionWidth)),
			Y:       int(asset.PositionY * float64(timeline.ResolutionHeight)),
			Opacity: asset.Opacity,
			Start:   cue.Start,
			End:     cue.End(),
			Width:   asset.Width,
			Height:  asset.Height,
			AssetID: asset.ID,
		})
	}
	return out, nil
}

// resolve returns a local path for the asset, downloading it if needed.
func (p *Prefetcher) resolve(ctx context.Context, asset *model.Asset) (string, error) {
	switch asset.Kind {
	case model.AssetLocalFile:
		return p.localPath(asset.Source)
	case model.AssetHTTPImage, model.AssetDrawingURL:
		// Drawing URLs export PNG behind redirects, which the default
		// client follows.
		return p.download(ctx, asset)
	default:
		return "", errors.Newf("unknown asset kind %q", asset.Kind).
			Component("overlay").
			Category(errors.CategoryValidation).
			Build()
	}
}

// localPath translates URL-style upload paths to filesystem paths.
func (p *Prefetcher) localPath(source string) (string, error) {
	path := source
	if strings.HasPrefix(source, "/uploads/") || strings.HasPrefix(source, "uploads/") {
		path = filepath.Join(p.DataDir, strings.TrimPrefix(source, "/"))
	}
	if _, err := os.Stat(path); err != nil {
		return "", errors.New(fmt.Errorf("overlay file missing: %w", err)).
			Component("overlay").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return path, nil
}

// download fetches a remote asset to a temp file tracked for cleanup.
func (p *Prefetcher) download(ctx context.Context, asset *model.Asset) (string, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, asset.Source, http.NoBody)
	if err != nil {
		return "", errors.New(err).
			Component("overlay").
			Category(errors.CategoryValidation).
			Context("asset_id", asset.ID).
			Build()
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", errors.New(err).
			Component("overlay").
			Category(errors.CategoryHTTP).
			Context("asset_id", asset.ID).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("overlay fetch returned HTTP %d", resp.StatusCode).
			Component("overlay").
			Category(errors.CategoryHTTP).
			Context("asset_id", asset.ID).
			Build()
	}

	tmp, err := os.CreateTemp("", fmt.Sprintf("vistter_overlay_%d_*.png", asset.ID))
	if err != nil {
		return "", errors.New(err).
			Component("overlay").
			Category(errors.CategoryFileIO).
			Build()
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", errors.New(err).
			Component("overlay").
			Category(errors.CategoryFileIO).
			Context("asset_id", asset.ID).
			Build()
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}

	p.mu.Lock()
	p.tempFiles = append(p.tempFiles, tmp.Name())
	p.mu.Unlock()

	overlayLogger.Debug("overlay asset downloaded",
		"asset_id", asset.ID, "path", tmp.Name())
	return tmp.Name(), nil
}

// Cleanup deletes every temp file downloaded by this prefetcher. Called
// on stop, natural completion, and cancellation; idempotent.
func (p *Prefetcher) Cleanup() {
	p.mu.Lock()
	files := p.tempFiles
	p.tempFiles = nil
	p.mu.Unlock()

	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			overlayLogger.Warn("failed to remove overlay temp file", "path", f, "error", err)
		}
	}
	if len(files) > 0 {
		overlayLogger.Debug("overlay temp files removed", "count", len(files))
	}
}

// TempFileCount reports how many temp files are currently tracked.
func (p *Prefetcher) TempFileCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tempFiles)
}
