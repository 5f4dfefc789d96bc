package watchdog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vistter/vistterstream/internal/encoder"
	"github.com/vistter/vistterstream/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSupervisor struct {
	mu     sync.Mutex
	states map[string]encoder.StreamState
	kills  int
}

func (f *fakeSupervisor) GetState(id string) (encoder.StreamState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	return s, ok
}

func (f *fakeSupervisor) KillForRecovery(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	return nil
}

func (f *fakeSupervisor) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kills
}

type fakeHeartbeats struct {
	mu sync.Mutex
	at time.Time
}

func (f *fakeHeartbeats) LastSegmentCompletion(id int) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.at.IsZero() {
		return time.Time{}, false
	}
	return f.at, true
}

type fakeDestinations struct {
	dest *model.Destination
}

func (f *fakeDestinations) GetDestination(id int) (*model.Destination, error) {
	if f.dest == nil || f.dest.ID != id {
		return nil, fmt.Errorf("destination %d not found", id)
	}
	return f.dest, nil
}

type fakeControlPlane struct {
	mu     sync.Mutex
	resets int
}

func (f *fakeControlPlane) ResetBroadcast(ctx context.Context, token, broadcastID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeControlPlane) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type wdHarness struct {
	mgr        *Manager
	clk        *clock.Mock
	supervisor *fakeSupervisor
	heartbeats *fakeHeartbeats
	control    *fakeControlPlane
	recoveries []string
	recMu      sync.Mutex
}

// selfPID is a pid that is guaranteed alive and not a zombie.
func selfPID() int { return os.Getpid() }

func watchedDestination(pageURL string) *model.Destination {
	return &model.Destination{
		ID:   4,
		Name: "youtube-main",
		Watchdog: model.DestinationWatchdogConfig{
			Enabled:         true,
			IntervalSeconds: 30,
			PageURL:         pageURL,
			OfflineMarkers:  []string{"stream offline", "video unavailable"},
			LiveMarkers:     []string{"watching now"},
			ControlToken:    "tok",
			BroadcastID:     "bcast-1",
		},
	}
}

func newWDHarness(t *testing.T, dest *model.Destination) *wdHarness {
	t.Helper()
	h := &wdHarness{
		clk:        clock.NewMock(),
		supervisor: &fakeSupervisor{states: map[string]encoder.StreamState{}},
		heartbeats: &fakeHeartbeats{at: time.Now()},
		control:    &fakeControlPlane{},
	}
	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)

	h.mgr = NewManager(Config{
		Supervisor:   h.supervisor,
		Heartbeats:   h.heartbeats,
		Destinations: &fakeDestinations{dest: dest},
		Clock:        h.clk,
		HTTPClient:   httpClient,
		ControlPlane: h.control,
		OnRecovery: func(streamID, destName string, attempt int) {
			h.recMu.Lock()
			h.recoveries = append(h.recoveries, fmt.Sprintf("%s:%s:%d", streamID, destName, attempt))
			h.recMu.Unlock()
		},
	})
	t.Cleanup(h.mgr.Shutdown)
	return h
}

// tickOnce advances the mock clock by one check interval and yields so
// the watcher goroutine runs. The leading yield lets a freshly started
// watcher register its ticker with the mock clock before the advance.
func (h *wdHarness) tickOnce() {
	time.Sleep(5 * time.Millisecond)
	h.clk.Add(30 * time.Second)
	time.Sleep(5 * time.Millisecond)
}

func (h *wdHarness) markRunning(streamID string) {
	h.supervisor.mu.Lock()
	h.supervisor.states[streamID] = encoder.StreamState{
		ID: streamID, Status: model.StatusRunning, PID: -1,
	}
	h.supervisor.mu.Unlock()
}

func (h *wdHarness) markDead(streamID string) {
	h.supervisor.mu.Lock()
	delete(h.supervisor.states, streamID)
	h.supervisor.mu.Unlock()
}

func TestWatcherHealthyStreamNeverRecovers(t *testing.T) {
	h := newWDHarness(t, watchedDestination(""))
	h.markRunning("7")
	// PID -1 would fail the liveness step; use our own pid, which is
	// definitely alive and not a zombie.
	h.supervisor.mu.Lock()
	s := h.supervisor.states["7"]
	s.PID = selfPID()
	h.supervisor.states["7"] = s
	h.supervisor.mu.Unlock()

	h.mgr.NotifyStreamStarted("7", []int{4})
	for i := 0; i < 5; i++ {
		h.tickOnce()
	}
	assert.Equal(t, 0, h.supervisor.killCount())

	status := h.mgr.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].Healthy)
	assert.Equal(t, 0, status[0].RecoveryCount)
}

func TestWatcherRecoversAfterThreeUnhealthyChecks(t *testing.T) {
	h := newWDHarness(t, watchedDestination(""))
	h.markDead("7") // no supervisor entry at all
	h.mgr.NotifyStreamStarted("7", []int{4})

	h.tickOnce()
	h.tickOnce()
	assert.Equal(t, 0, h.supervisor.killCount(), "two unhealthy checks must not trigger recovery")

	h.tickOnce()
	require.Eventually(t, func() bool { return h.supervisor.killCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	h.recMu.Lock()
	assert.Equal(t, []string{"7:youtube-main:1"}, h.recoveries)
	h.recMu.Unlock()
}

func TestWatcherCooldownSpacesRecoveries(t *testing.T) {
	h := newWDHarness(t, watchedDestination(""))
	h.markDead("7")
	h.mgr.NotifyStreamStarted("7", []int{4})

	// First recovery after 3 ticks (90s on the mock clock).
	h.tickOnce()
	h.tickOnce()
	h.tickOnce()
	require.Eventually(t, func() bool { return h.supervisor.killCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Three more unhealthy ticks re-arm the trigger, but only 90s have
	// passed since the recovery: still cooling down.
	h.tickOnce()
	h.tickOnce()
	h.tickOnce()
	assert.Equal(t, 1, h.supervisor.killCount(), "cooldown must space recoveries")

	// One more tick crosses the 120s cooldown.
	h.tickOnce()
	require.Eventually(t, func() bool { return h.supervisor.killCount() == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestWatcherEscalatesToControlPlane(t *testing.T) {
	h := newWDHarness(t, watchedDestination(""))
	h.markDead("7")
	h.mgr.NotifyStreamStarted("7", []int{4})

	// Recoveries 1 and 2 are local; recovery 3 goes to the control
	// plane. Each needs 3 unhealthy ticks and the cooldown to lapse
	// (ticks are 30s apart, so 4+ ticks between recoveries).
	deadline := time.Now().Add(10 * time.Second)
	for h.control.resetCount() == 0 && time.Now().Before(deadline) {
		h.tickOnce()
	}

	assert.Equal(t, 1, h.control.resetCount(), "third recovery uses the control plane")
	assert.Equal(t, 2, h.supervisor.killCount(), "first two recoveries stay local")
}

func TestWatcherOfflineMarkerOverridesProcessHealth(t *testing.T) {
	h := newWDHarness(t, watchedDestination("https://watch.example.com/live"))
	h.markRunning("7")
	h.supervisor.mu.Lock()
	s := h.supervisor.states["7"]
	s.PID = selfPID()
	h.supervisor.states["7"] = s
	h.supervisor.mu.Unlock()

	httpmock.RegisterResponder("GET", "https://watch.example.com/live",
		httpmock.NewStringResponder(200, `<html><body><h1>Stream Offline</h1></body></html>`))

	h.mgr.NotifyStreamStarted("7", []int{4})
	h.tickOnce()
	h.tickOnce()
	h.tickOnce()

	require.Eventually(t, func() bool { return h.supervisor.killCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestWatcherProbeTimeoutDoesNotDowngrade(t *testing.T) {
	h := newWDHarness(t, watchedDestination("https://watch.example.com/live"))
	h.markRunning("7")
	h.supervisor.mu.Lock()
	s := h.supervisor.states["7"]
	s.PID = selfPID()
	h.supervisor.states["7"] = s
	h.supervisor.mu.Unlock()

	httpmock.RegisterResponder("GET", "https://watch.example.com/live",
		httpmock.NewErrorResponder(fmt.Errorf("dial tcp: i/o timeout")))

	h.mgr.NotifyStreamStarted("7", []int{4})
	for i := 0; i < 4; i++ {
		h.tickOnce()
	}
	assert.Equal(t, 0, h.supervisor.killCount(), "probe failure alone must not trigger recovery")
}

func TestNotifyStreamStoppedRemovesWatchers(t *testing.T) {
	h := newWDHarness(t, watchedDestination(""))
	h.markRunning("7")
	h.mgr.NotifyStreamStarted("7", []int{4})
	require.Len(t, h.mgr.Status(), 1)

	h.mgr.NotifyStreamStopped("7")
	assert.Empty(t, h.mgr.Status())
}

func TestDisabledWatchdogIsSkipped(t *testing.T) {
	dest := watchedDestination("")
	dest.Watchdog.Enabled = false
	h := newWDHarness(t, dest)

	h.mgr.NotifyStreamStarted("7", []int{4})
	assert.Empty(t, h.mgr.Status())
}
