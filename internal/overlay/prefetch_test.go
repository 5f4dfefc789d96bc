package overlay

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/model"
)

func intPtr(v int) *int { return &v }

// testTimeline builds a 30s timeline with one overlay cue per asset id.
func testTimeline(assetIDs ...int) *model.Timeline {
	tl := &model.Timeline{
		ID:               7,
		Duration:         30,
		FPS:              30,
		ResolutionWidth:  1920,
		ResolutionHeight: 1080,
	}
	track := model.Track{ID: 1, Kind: model.TrackOverlay, Layer: 1, Enabled: true}
	for i, id := range assetIDs {
		track.Cues = append(track.Cues, model.Cue{
			ID:       100 + i,
			Order:    i,
			Start:    float64(i * 10),
			Duration: 10,
			Action:   model.ShowOverlay(id),
		})
	}
	tl.Tracks = []model.Track{track}
	return tl
}

func TestPrefetchLocalFile(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "uploads"), 0o755))
	imgPath := filepath.Join(dataDir, "uploads", "logo.png")
	require.NoError(t, os.WriteFile(imgPath, []byte("png"), 0o644))

	p := NewPrefetcher(dataDir)
	assets := map[int]*model.Asset{
		9: {ID: 9, Kind: model.AssetLocalFile, Source: "/uploads/logo.png",
			PositionX: 0.5, PositionY: 0.25, Opacity: 0.8},
	}

	overlays, err := p.Prefetch(context.Background(), testTimeline(9), assets)
	require.NoError(t, err)
	require.Len(t, overlays, 1)

	ov := overlays[0]
	assert.Equal(t, imgPath, ov.Path)
	assert.Equal(t, 960, ov.X)
	assert.Equal(t, 270, ov.Y)
	assert.InDelta(t, 0.8, ov.Opacity, 1e-9)
	assert.InDelta(t, 0.0, ov.Start, 1e-9)
	assert.InDelta(t, 10.0, ov.End, 1e-9)
	// Local files are not temp files; nothing to clean up.
	assert.Equal(t, 0, p.TempFileCount())
}

func TestPrefetchRemoteImage(t *testing.T) {
	p := NewPrefetcher(t.TempDir())
	p.Client = &http.Client{}
	httpmock.ActivateNonDefault(p.Client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet, "https://cdn.example/banner.png",
		httpmock.NewBytesResponder(http.StatusOK, []byte{0x89, 'P', 'N', 'G'}))

	assets := map[int]*model.Asset{
		3: {ID: 3, Kind: model.AssetHTTPImage, Source: "https://cdn.example/banner.png",
			PositionX: 0, PositionY: 0, Opacity: 1, Width: intPtr(400), Height: intPtr(100)},
	}

	overlays, err := p.Prefetch(context.Background(), testTimeline(3), assets)
	require.NoError(t, err)
	require.Len(t, overlays, 1)
	assert.FileExists(t, overlays[0].Path)
	assert.Equal(t, 400, *overlays[0].Width)
	assert.Equal(t, 1, p.TempFileCount())

	p.Cleanup()
	assert.Equal(t, 0, p.TempFileCount())
	assert.NoFileExists(t, overlays[0].Path)
}

func TestPrefetchFailedFetchSkipsCue(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "uploads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "uploads", "ok.png"), []byte("png"), 0o644))

	p := NewPrefetcher(dataDir)
	p.Client = &http.Client{}
	httpmock.ActivateNonDefault(p.Client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet, "https://cdn.example/gone.png",
		httpmock.NewStringResponder(http.StatusNotFound, "not found"))

	assets := map[int]*model.Asset{
		1: {ID: 1, Kind: model.AssetLocalFile, Source: "/uploads/ok.png", Opacity: 1},
		2: {ID: 2, Kind: model.AssetHTTPImage, Source: "https://cdn.example/gone.png", Opacity: 1},
	}

	overlays, err := p.Prefetch(context.Background(), testTimeline(1, 2), assets)
	require.NoError(t, err)
	// The failed fetch is transient: the good cue survives.
	require.Len(t, overlays, 1)
	assert.Equal(t, 1, overlays[0].AssetID)
}

func TestPrefetchUnknownAssetIsValidationError(t *testing.T) {
	p := NewPrefetcher(t.TempDir())
	_, err := p.Prefetch(context.Background(), testTimeline(5), map[int]*model.Asset{})
	assert.Error(t, err)
}

func TestCleanupIdempotent(t *testing.T) {
	p := NewPrefetcher(t.TempDir())
	p.Cleanup()
	p.Cleanup()
}
