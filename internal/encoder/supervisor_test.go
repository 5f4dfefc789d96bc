package encoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/model"
)

// fakeTranscoder writes a shell script that stands in for the real
// binary: it ignores its argv, emits the given stderr line, sleeps, and
// exits with the given code.
func fakeTranscoder(t *testing.T, stderrLine string, sleep time.Duration, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fake transcoder requires a POSIX shell")
	}
	script := "#!/bin/sh\n"
	if stderrLine != "" {
		script += "echo '" + stderrLine + "' >&2\n"
	}
	if sleep > 0 {
		script += fmt.Sprintf("sleep %g\n", sleep.Seconds())
	}
	script += "exit " + strconv.Itoa(exitCode) + "\n"

	path := filepath.Join(t.TempDir(), "transcoder.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testRequest(id string) StartRequest {
	return StartRequest{
		StreamID:   id,
		InputURL:   "rtmp://127.0.0.1:1935/live/camera_1",
		OutputURLs: []string{"rtmp://example.com/live/" + id},
		Profile:    testProfile(),
	}
}

func TestSupervisorStartAndStop(t *testing.T) {
	s := NewSupervisor(Config{
		FFmpegPath: fakeTranscoder(t, "", 30*time.Second, 0),
		MaxStreams: 3,
	})
	t.Cleanup(func() { s.StopAll(context.Background()) })

	state, err := s.Start(context.Background(), testRequest("tl-1"))
	require.NoError(t, err)
	assert.Equal(t, "tl-1", state.ID)
	assert.Greater(t, state.PID, 0)
	assert.Equal(t, 1, s.RunningCount())

	require.NoError(t, s.Stop(context.Background(), "tl-1", true))
	assert.Equal(t, 0, s.RunningCount())

	// Stopping an unknown id is a no-op.
	assert.NoError(t, s.Stop(context.Background(), "tl-1", true))
}

func TestSupervisorRejectsDuplicateAndCeiling(t *testing.T) {
	s := NewSupervisor(Config{
		FFmpegPath: fakeTranscoder(t, "", 30*time.Second, 0),
		MaxStreams: 1,
	})
	t.Cleanup(func() { s.StopAll(context.Background()) })

	_, err := s.Start(context.Background(), testRequest("tl-1"))
	require.NoError(t, err)

	_, err = s.Start(context.Background(), testRequest("tl-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	_, err = s.Start(context.Background(), testRequest("tl-2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ceiling")
}

func TestSupervisorStartRevivesTerminalEntry(t *testing.T) {
	stopped := func(string) bool { return true } // park the exit instead of restarting
	s := NewSupervisor(Config{
		FFmpegPath:      fakeTranscoder(t, "", 150*time.Millisecond, 1),
		MaxStreams:      1,
		IsStreamStopped: stopped,
	})
	t.Cleanup(func() { s.StopAll(context.Background()) })

	_, err := s.Start(context.Background(), testRequest("tl-1"))
	require.NoError(t, err)

	// The child exits and the entry parks in a terminal state, still
	// occupying the map.
	require.Eventually(t, func() bool {
		state, ok := s.GetState("tl-1")
		return ok && state.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	// Error-parked is the other terminal flavor (restart ladder
	// exhausted); it must be revivable the same way.
	s.mu.Lock()
	entry := s.streams["tl-1"]
	s.mu.Unlock()
	entry.mu.Lock()
	entry.status = model.StatusError
	entry.retryCount = maxRestartAttempts + 1
	entry.mu.Unlock()

	// Reviving the id must succeed, with a fresh retry budget, even at
	// a ceiling of 1: the parked entry does not count against it.
	state, err := s.Start(context.Background(), testRequest("tl-1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, state.Status)
	assert.Equal(t, 0, state.RetryCount)
	assert.Equal(t, 1, s.RunningCount())
}

func TestSupervisorDiedCallbackFiresOnce(t *testing.T) {
	stopped := func(string) bool { return true } // suppress auto-restart
	s := NewSupervisor(Config{
		FFmpegPath:      fakeTranscoder(t, "rtmp://example.com: Connection refused", 300*time.Millisecond, 1),
		MaxStreams:      3,
		IsStreamStopped: stopped,
	})
	t.Cleanup(func() { s.StopAll(context.Background()) })

	_, err := s.Start(context.Background(), testRequest("tl-1"))
	require.NoError(t, err)

	var fired atomic.Int32
	var gotMsg atomic.Value
	s.OnDied("tl-1", func(id, msg string) {
		fired.Add(1)
		gotMsg.Store(id + "|" + msg)
	})

	require.Eventually(t, func() bool { return fired.Load() == 1 },
		5*time.Second, 20*time.Millisecond)

	// The diagnostic tail supplies the failure cause.
	msg, _ := gotMsg.Load().(string)
	assert.Contains(t, msg, "tl-1|")
	assert.Contains(t, msg, "Connection refused")

	// No second invocation for the same exit.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestSupervisorRekey(t *testing.T) {
	stopped := func(string) bool { return true }
	s := NewSupervisor(Config{
		FFmpegPath:      fakeTranscoder(t, "", 30*time.Second, 0),
		MaxStreams:      3,
		IsStreamStopped: stopped,
	})
	t.Cleanup(func() { s.StopAll(context.Background()) })

	_, err := s.Start(context.Background(), testRequest("tl-1_handoff_a1b2c3d4"))
	require.NoError(t, err)

	var gotID atomic.Value
	s.OnDied("tl-1_handoff_a1b2c3d4", func(id, msg string) { gotID.Store(id) })

	require.NoError(t, s.Rekey("tl-1_handoff_a1b2c3d4", "tl-1"))

	_, ok := s.GetState("tl-1_handoff_a1b2c3d4")
	assert.False(t, ok)
	state, ok := s.GetState("tl-1")
	require.True(t, ok)
	assert.Equal(t, "tl-1", state.ID)

	// A crash after the rekey reports the new id to the callback.
	require.NoError(t, s.KillForRecovery("tl-1"))
	require.Eventually(t, func() bool { return gotID.Load() != nil },
		5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "tl-1", gotID.Load())

	// Rekeying a missing id fails.
	assert.Error(t, s.Rekey("nope", "tl-9"))
}

func TestSupervisorFindStreamByOutputURL(t *testing.T) {
	s := NewSupervisor(Config{
		FFmpegPath: fakeTranscoder(t, "", 30*time.Second, 0),
		MaxStreams: 3,
	})
	t.Cleanup(func() { s.StopAll(context.Background()) })

	_, err := s.Start(context.Background(), testRequest("tl-1"))
	require.NoError(t, err)

	id, ok := s.FindStreamByOutputURL("rtmp://example.com/live/tl-1")
	require.True(t, ok)
	assert.Equal(t, "tl-1", id)

	_, ok = s.FindStreamByOutputURL("rtmp://example.com/live/other")
	assert.False(t, ok)
}

func TestSupervisorSetDestinations(t *testing.T) {
	s := NewSupervisor(Config{
		FFmpegPath: fakeTranscoder(t, "", 30*time.Second, 0),
		MaxStreams: 3,
	})
	t.Cleanup(func() { s.StopAll(context.Background()) })

	_, err := s.Start(context.Background(), testRequest("tl-1"))
	require.NoError(t, err)

	s.SetDestinations("tl-1", []int{4, 7})
	state, ok := s.GetState("tl-1")
	require.True(t, ok)
	assert.Equal(t, []int{4, 7}, state.DestinationIDs)
}

func TestBackoffDelayLadder(t *testing.T) {
	t.Parallel()

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second,
		60 * time.Second, 60 * time.Second, 60 * time.Second,
		60 * time.Second, 60 * time.Second,
	}
	for retry := 1; retry <= 10; retry++ {
		assert.Equal(t, want[retry-1], backoffDelay(retry), "retry %d", retry)
	}
}

func TestExitMessageScansTail(t *testing.T) {
	t.Parallel()

	tail := []string{
		"frame= 100 fps= 30 speed=1.0x",
		"[rtmp @ 0x1] Server returned 403 Forbidden",
		"frame= 130 fps= 30 speed=1.0x",
	}
	msg := exitMessage(nil, tail)
	assert.Contains(t, msg, "403 Forbidden")

	assert.Equal(t, "transcoder exited unexpectedly", exitMessage(nil, nil))
}

func TestProcessAlive(t *testing.T) {
	t.Parallel()

	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
	// Beyond any kernel's pid ceiling.
	assert.False(t, processAlive(1<<30))
}

func TestSplitDiagnosticLines(t *testing.T) {
	t.Parallel()

	lines := splitDiagnosticLines("frame= 1 fps= 30\rframe= 2 fps= 30\nerror line")
	require.Len(t, lines, 3)
	assert.Equal(t, "error line", lines[2])
}
