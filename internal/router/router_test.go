package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/timeline"
)

type fakeExec struct {
	mu      sync.Mutex
	calls   []string
	running map[int]bool
	failOn  string
}

func newFakeExec() *fakeExec {
	return &fakeExec{running: make(map[int]bool)}
}

func (f *fakeExec) StartTimeline(ctx context.Context, id int, urls []string, opts timeline.StartOptions) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := fmt.Sprintf("start:%d:%v", id, urls)
	f.calls = append(f.calls, call)
	if f.failOn == "start" {
		return false, fmt.Errorf("start refused")
	}
	if f.running[id] {
		return false, nil
	}
	f.running[id] = true
	return true, nil
}

func (f *fakeExec) StopTimeline(ctx context.Context, id int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("stop:%d", id))
	was := f.running[id]
	delete(f.running, id)
	return was, nil
}

type fakeDestStore struct {
	mu      sync.Mutex
	touched []int
}

func (f *fakeDestStore) GetDestinations(ids []int) ([]*model.Destination, error) {
	var out []*model.Destination
	for _, id := range ids {
		out = append(out, &model.Destination{
			ID:          id,
			Name:        fmt.Sprintf("dest-%d", id),
			BaseRTMPURL: "rtmp://live.example.com/app",
			StreamKey:   fmt.Sprintf("key-%d", id),
		})
	}
	return out, nil
}

func (f *fakeDestStore) TouchDestinationLastUsed(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

type fakePreview struct {
	unhealthy bool
}

func (f *fakePreview) Healthy(ctx context.Context) error {
	if f.unhealthy {
		return fmt.Errorf("preview server down")
	}
	return nil
}

func (f *fakePreview) RTMPURL() string { return "rtmp://localhost:1936/preview" }

func newTestRouter() (*Router, *fakeExec, *fakeDestStore, *fakePreview, *clock.Mock) {
	exec := newFakeExec()
	store := &fakeDestStore{}
	preview := &fakePreview{}
	mock := clock.NewMock()
	r := New(exec, store, preview, mock)
	// The go-live pause runs on the mock clock; tick it forward in the
	// background so transitions complete.
	go func() {
		for i := 0; i < 100; i++ {
			mock.Add(time.Second)
			time.Sleep(time.Millisecond)
		}
	}()
	return r, exec, store, preview, mock
}

func TestPreviewGoLiveStopCycle(t *testing.T) {
	r, exec, store, _, _ := newTestRouter()
	ctx := context.Background()

	require.NoError(t, r.StartPreview(ctx, 7))
	assert.Equal(t, StatePreview, r.Status().State)
	assert.Equal(t, 7, r.Status().TimelineID)

	require.NoError(t, r.GoLive(ctx, []int{4, 5}))
	st := r.Status()
	assert.Equal(t, StateLive, st.State)
	assert.Equal(t, []int{4, 5}, st.DestinationIDs)
	assert.Equal(t, []string{"dest-4", "dest-5"}, st.DestinationNames)

	// Preview run stopped, then the same timeline restarted with the
	// resolved live URLs.
	assert.Equal(t, []string{
		"start:7:[rtmp://localhost:1936/preview]",
		"stop:7",
		"start:7:[rtmp://live.example.com/app/key-4 rtmp://live.example.com/app/key-5]",
	}, exec.calls)
	assert.Equal(t, []int{4, 5}, store.touched)

	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, StateIdle, r.Status().State)

	// Stop is idempotent.
	require.NoError(t, r.Stop(ctx))
}

func TestStartPreviewRequiresIdle(t *testing.T) {
	r, _, _, _, _ := newTestRouter()
	ctx := context.Background()

	require.NoError(t, r.StartPreview(ctx, 7))
	err := r.StartPreview(ctx, 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start preview")
}

func TestStartPreviewRequiresHealthyServer(t *testing.T) {
	r, exec, _, preview, _ := newTestRouter()
	preview.unhealthy = true

	err := r.StartPreview(context.Background(), 7)
	require.Error(t, err)
	assert.Empty(t, exec.calls, "no timeline start when the preview server is down")
	assert.Equal(t, StateIdle, r.Status().State)
}

func TestGoLiveRequiresPreview(t *testing.T) {
	r, _, _, _, _ := newTestRouter()

	err := r.GoLive(context.Background(), []int{4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an active preview")
}

func TestGoLiveRequiresDestinations(t *testing.T) {
	r, _, _, _, _ := newTestRouter()
	ctx := context.Background()

	require.NoError(t, r.StartPreview(ctx, 7))
	err := r.GoLive(ctx, nil)
	require.Error(t, err)
	// Still previewing; the preview run was not torn down.
	assert.Equal(t, StatePreview, r.Status().State)
}

func TestStartScheduledReplacesActiveStream(t *testing.T) {
	r, exec, _, _, _ := newTestRouter()
	ctx := context.Background()

	require.NoError(t, r.StartPreview(ctx, 7))
	require.NoError(t, r.StartScheduled(ctx, 9, []int{4}))

	st := r.Status()
	assert.Equal(t, StateLive, st.State)
	assert.Equal(t, 9, st.TimelineID)

	// The preview of timeline 7 was stopped before timeline 9 started.
	assert.Contains(t, exec.calls, "stop:7")
	assert.Contains(t, exec.calls, "start:9:[rtmp://live.example.com/app/key-4]")
}

func TestStartScheduledFromIdle(t *testing.T) {
	r, _, _, _, _ := newTestRouter()

	require.NoError(t, r.StartScheduled(context.Background(), 9, []int{4}))
	assert.Equal(t, StateLive, r.Status().State)
}
