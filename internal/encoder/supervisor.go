// Package encoder supervises the external transcoder: one child
// process per stream id, with command construction, progress parsing,
// bounded exponential restart, and graceful shutdown.
package encoder

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/smallnest/ringbuffer"

	"github.com/vistter/vistterstream/internal/errors"
	"github.com/vistter/vistterstream/internal/logging"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/privacy"
	"github.com/vistter/vistterstream/internal/procgroup"
)

const (
	// maxRestartAttempts caps the supervisor's auto-restart ladder.
	maxRestartAttempts = 10

	// maxRestartBackoff caps the exponential restart delay.
	maxRestartBackoff = 60 * time.Second

	// gracefulStopTimeout is the default terminate-then-kill grace.
	gracefulStopTimeout = 5 * time.Second

	// stderrTailLines is how many diagnostic lines are kept for the
	// post-mortem error scan.
	stderrTailLines = 20

	// rawTailBytes bounds the raw diagnostic ring buffer.
	rawTailBytes = 64 * 1024
)

var supervisorLogger *slog.Logger

func init() {
	supervisorLogger = logging.ForService("encoder")
	if supervisorLogger == nil {
		supervisorLogger = slog.Default().With("service", "encoder")
	}
}

// Config wires the supervisor's collaborators.
type Config struct {
	// FFmpegPath is the transcoder binary.
	FFmpegPath string
	// MaxStreams is the concurrency ceiling from the hardware probe.
	MaxStreams int
	// Clock is injected for deterministic backoff in tests.
	Clock clock.Clock
	// IsStreamStopped consults the persistence layer before an
	// auto-restart; nil means "never externally stopped".
	IsStreamStopped func(streamID string) bool
	// OnStatus observes every status transition; may be nil.
	OnStatus StatusHook
}

// Supervisor manages at most one transcoder child per stream id.
type Supervisor struct {
	ffmpegPath string
	maxStreams int
	clk        clock.Clock
	isStopped  func(string) bool
	onStatus   StatusHook

	mu      sync.RWMutex
	streams map[string]*streamEntry
	wg      sync.WaitGroup
}

// streamEntry is the supervisor's per-stream record. It is accessed by
// the driver that started the stream and by the monitor goroutine; both
// go through entry.mu.
type streamEntry struct {
	mu sync.Mutex

	id   string // current id; Rekey updates it under the supervisor lock
	req  StartRequest
	args []string

	cmd            *exec.Cmd
	pid            int
	status         model.StreamStatus
	startedAt      time.Time
	retryCount     int
	lastError      string
	destinationIDs []int
	autoRestart    bool
	died           DiedCallback

	tail     []string
	partial  string
	raw      *ringbuffer.RingBuffer
	progress *progressTracker

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	waitCh        chan error
}

// NewSupervisor builds a supervisor from config, applying defaults.
func NewSupervisor(cfg Config) *Supervisor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	maxStreams := cfg.MaxStreams
	if maxStreams <= 0 {
		maxStreams = 1
	}
	return &Supervisor{
		ffmpegPath: cfg.FFmpegPath,
		maxStreams: maxStreams,
		clk:        clk,
		isStopped:  cfg.IsStreamStopped,
		onStatus:   cfg.OnStatus,
		streams:    make(map[string]*streamEntry),
	}
}

// Start spawns a transcoder for the request. It fails when the id is
// already running or the concurrency ceiling is reached. The stream is
// RUNNING as soon as the process handle exists; the monitor takes over
// from there.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*StreamState, error) {
	if err := req.Profile.Validate(); err != nil {
		return nil, errors.New(err).
			Component("encoder").
			Category(errors.CategoryValidation).
			Context("stream_id", req.StreamID).
			Build()
	}
	if len(req.OutputURLs) == 0 {
		return nil, errors.Newf("stream %s: no output URLs", req.StreamID).
			Component("encoder").
			Category(errors.CategoryValidation).
			Build()
	}

	s.mu.Lock()
	if existing, exists := s.streams[req.StreamID]; exists {
		existing.mu.Lock()
		terminal := existing.status.Terminal()
		existing.mu.Unlock()
		if !terminal {
			s.mu.Unlock()
			return nil, errors.Newf("stream %s already running", req.StreamID).
				Component("encoder").
				Category(errors.CategoryConflict).
				Build()
		}
		// The previous entry parked in a terminal state (restart ladder
		// exhausted, or stopped externally mid-exit): its child and
		// monitor are gone, so the id is free to revive with a fresh
		// retry budget.
		delete(s.streams, req.StreamID)
		supervisorLogger.Info("replacing parked terminal stream entry", "stream_id", req.StreamID)
	}
	if s.runningCountLocked() >= s.maxStreams {
		s.mu.Unlock()
		return nil, errors.Newf("concurrent stream ceiling reached (%d)", s.maxStreams).
			Component("encoder").
			Category(errors.CategoryLimit).
			Context("stream_id", req.StreamID).
			Build()
	}

	entry := &streamEntry{
		id:          req.StreamID,
		req:         req,
		args:        buildArgs(&req),
		status:      model.StatusStarting,
		autoRestart: true,
		raw:         ringbuffer.New(rawTailBytes),
		progress:    &progressTracker{},
	}
	s.streams[req.StreamID] = entry
	s.mu.Unlock()

	if err := s.spawn(ctx, entry); err != nil {
		s.mu.Lock()
		delete(s.streams, req.StreamID)
		s.mu.Unlock()
		return nil, err
	}

	s.notifyStatus(entry, model.StatusRunning, "")

	supervisorLogger.Info("transcoder started",
		"stream_id", req.StreamID,
		"input", privacy.SanitizeURL(req.InputURL),
		"outputs", len(req.OutputURLs),
		"overlays", len(req.Overlays),
		"encoder", req.Profile.Encoder)
	log.Printf("✅ Transcoder started for stream %s (%d output(s))", req.StreamID, len(req.OutputURLs))

	state := s.stateOf(entry)
	return &state, nil
}

// spawn launches the child process and its monitor for entry. Caller
// must not hold entry.mu.
func (s *Supervisor) spawn(ctx context.Context, entry *streamEntry) error {
	cmd := exec.Command(s.ffmpegPath, entry.args...) //nolint:gosec // argv built internally
	procgroup.Setup(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.New(err).
			Component("encoder").
			Category(errors.CategoryProcess).
			Context("stream_id", entry.id).
			Build()
	}
	if err := cmd.Start(); err != nil {
		return errors.New(fmt.Errorf("spawning transcoder: %w", err)).
			Component("encoder").
			Category(errors.CategoryProcess).
			Context("stream_id", entry.id).
			Build()
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	monitorDone := make(chan struct{})

	entry.mu.Lock()
	entry.cmd = cmd
	entry.pid = cmd.Process.Pid
	entry.startedAt = time.Now()
	entry.status = model.StatusRunning
	entry.waitCh = waitCh
	entry.monitorCancel = monitorCancel
	entry.monitorDone = monitorDone
	entry.partial = ""
	entry.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(monitorDone)
		s.monitor(monitorCtx, entry, stderr, waitCh)
	}()
	return nil
}

// Stop terminates the stream: auto-restart off, monitor cancelled,
// polite terminate, bounded wait, force kill. Stopping an unknown id is
// a no-op. graceful=false skips the terminate grace entirely.
func (s *Supervisor) Stop(ctx context.Context, streamID string, graceful bool) error {
	timeout := gracefulStopTimeout
	if !graceful {
		timeout = 0
	}
	return s.StopWithTimeout(ctx, streamID, timeout)
}

// StopWithTimeout is Stop with an explicit terminate grace; the
// seamless-handoff quick stop uses 10s.
func (s *Supervisor) StopWithTimeout(ctx context.Context, streamID string, gracePeriod time.Duration) error {
	s.mu.Lock()
	entry, exists := s.streams[streamID]
	if exists {
		delete(s.streams, streamID)
	}
	s.mu.Unlock()
	if !exists {
		return nil
	}

	entry.mu.Lock()
	entry.autoRestart = false
	entry.died = nil
	cancel := entry.monitorCancel
	done := entry.monitorDone
	cmd := entry.cmd
	waitCh := entry.waitCh
	entry.mu.Unlock()

	// The monitor must stand down before the exit is reaped, or it
	// would treat the stop as a crash.
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}

	if cmd != nil && cmd.Process != nil {
		if gracePeriod > 0 {
			if err := procgroup.Shutdown(cmd, waitCh, gracePeriod); err != nil {
				supervisorLogger.Debug("transcoder shutdown wait", "stream_id", streamID, "result", err)
			}
		} else {
			_ = procgroup.Kill(cmd)
			if waitCh != nil {
				<-waitCh
			}
		}
	}

	s.notifyStatus(entry, model.StatusStopped, "")
	supervisorLogger.Info("transcoder stopped", "stream_id", streamID)
	log.Printf("🛑 Transcoder stopped for stream %s", streamID)
	return nil
}

// StopAll stops every stream; used at engine shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, id := range s.ActiveStreamIDs() {
		if err := s.Stop(ctx, id, true); err != nil {
			supervisorLogger.Warn("stop during shutdown failed", "stream_id", id, "error", err)
		}
	}
	s.wg.Wait()
}

// Restart relaunches the stream with its original command after an
// exponential backoff of min(2^retry, 60) seconds. It refuses past the
// attempt cap; the stream then parks in ERROR for the watchdog.
func (s *Supervisor) Restart(ctx context.Context, streamID string) error {
	s.mu.RLock()
	entry, exists := s.streams[streamID]
	s.mu.RUnlock()
	if !exists {
		return errors.Newf("stream %s not found", streamID).
			Component("encoder").
			Category(errors.CategoryNotFound).
			Build()
	}

	entry.mu.Lock()
	entry.retryCount++
	retry := entry.retryCount
	entry.mu.Unlock()

	if retry > maxRestartAttempts {
		s.notifyStatus(entry, model.StatusError, fmt.Sprintf("restart limit reached (%d attempts)", maxRestartAttempts))
		return errors.Newf("stream %s: restart limit reached", streamID).
			Component("encoder").
			Category(errors.CategoryRetry).
			Context("retry_count", retry).
			Build()
	}

	backoff := backoffDelay(retry)
	s.notifyStatus(entry, model.StatusRestarting, "")
	supervisorLogger.Info("transcoder restart scheduled",
		"stream_id", streamID, "retry", retry, "backoff", backoff.String())
	log.Printf("🔄 Restarting transcoder for stream %s in %s (attempt %d/%d)",
		streamID, backoff, retry, maxRestartAttempts)

	select {
	case <-s.clk.After(backoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	// The id may have been stopped or re-keyed during the backoff.
	s.mu.RLock()
	current, stillThere := s.streams[streamID]
	s.mu.RUnlock()
	if !stillThere || current != entry {
		return nil
	}

	if err := s.spawn(ctx, entry); err != nil {
		s.notifyStatus(entry, model.StatusError, err.Error())
		return err
	}
	s.notifyStatus(entry, model.StatusRunning, "")
	return nil
}

// KillForRecovery hard-kills the child WITHOUT disabling auto-restart:
// the watchdog's tier-1 recovery, relying on the restart path to spin a
// fresh process.
func (s *Supervisor) KillForRecovery(streamID string) error {
	s.mu.RLock()
	entry, exists := s.streams[streamID]
	s.mu.RUnlock()
	if !exists {
		return errors.Newf("stream %s not found", streamID).
			Component("encoder").
			Category(errors.CategoryNotFound).
			Build()
	}

	entry.mu.Lock()
	cmd := entry.cmd
	entry.mu.Unlock()

	supervisorLogger.Warn("killing transcoder for recovery", "stream_id", streamID)
	log.Printf("⚠️ Killing transcoder for stream %s (watchdog recovery)", streamID)
	return procgroup.Kill(cmd)
}

// Rekey moves a supervisor entry from tempID to realID: the final step
// of a seamless handoff. The monitor and any died-callback follow the
// entry; the callback registered for the old id is discarded with it.
func (s *Supervisor) Rekey(tempID, realID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.streams[tempID]
	if !exists {
		return errors.Newf("stream %s not found", tempID).
			Component("encoder").
			Category(errors.CategoryNotFound).
			Build()
	}
	if _, taken := s.streams[realID]; taken {
		return errors.Newf("stream id %s still occupied", realID).
			Component("encoder").
			Category(errors.CategoryConflict).
			Build()
	}

	delete(s.streams, tempID)
	s.streams[realID] = entry

	entry.mu.Lock()
	entry.id = realID
	entry.req.StreamID = realID
	entry.mu.Unlock()

	supervisorLogger.Info("stream re-keyed", "from", tempID, "to", realID)
	return nil
}

// OnDied registers the per-stream died-callback, replacing any previous
// registration.
func (s *Supervisor) OnDied(streamID string, cb DiedCallback) {
	s.mu.RLock()
	entry, exists := s.streams[streamID]
	s.mu.RUnlock()
	if !exists {
		return
	}
	entry.mu.Lock()
	entry.died = cb
	entry.mu.Unlock()
}

// ClearOnDied unregisters the died-callback for the stream.
func (s *Supervisor) ClearOnDied(streamID string) {
	s.OnDied(streamID, nil)
}

// SetDestinations records which destinations the stream feeds; read by
// the router and watchdog through GetState.
func (s *Supervisor) SetDestinations(streamID string, destinationIDs []int) {
	s.mu.RLock()
	entry, exists := s.streams[streamID]
	s.mu.RUnlock()
	if !exists {
		return
	}
	entry.mu.Lock()
	entry.destinationIDs = slices.Clone(destinationIDs)
	entry.mu.Unlock()
}

// FindStreamByOutputURL scans running streams for one writing to url.
func (s *Supervisor) FindStreamByOutputURL(url string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, entry := range s.streams {
		entry.mu.Lock()
		found := slices.Contains(entry.req.OutputURLs, url)
		entry.mu.Unlock()
		if found {
			return id, true
		}
	}
	return "", false
}

// GetState returns a snapshot of the stream, or false if unknown.
func (s *Supervisor) GetState(streamID string) (StreamState, bool) {
	s.mu.RLock()
	entry, exists := s.streams[streamID]
	s.mu.RUnlock()
	if !exists {
		return StreamState{}, false
	}
	return s.stateOf(entry), true
}

// Metrics returns the stream's parsed progress metrics.
func (s *Supervisor) Metrics(streamID string) (Metrics, bool) {
	s.mu.RLock()
	entry, exists := s.streams[streamID]
	s.mu.RUnlock()
	if !exists {
		return Metrics{}, false
	}
	return entry.progress.snapshot(), true
}

// RunningCount returns how many streams are currently supervised.
func (s *Supervisor) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runningCountLocked()
}

// ActiveStreamIDs returns the supervised stream ids.
func (s *Supervisor) ActiveStreamIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	return ids
}

// MaxStreams returns the enforced concurrency ceiling.
func (s *Supervisor) MaxStreams() int {
	return s.maxStreams
}

func (s *Supervisor) runningCountLocked() int {
	return len(s.streams)
}

func (s *Supervisor) stateOf(entry *streamEntry) StreamState {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return StreamState{
		ID:             entry.id,
		Status:         entry.status,
		StartedAt:      entry.startedAt,
		RetryCount:     entry.retryCount,
		LastError:      entry.lastError,
		OutputURLs:     slices.Clone(entry.req.OutputURLs),
		DestinationIDs: slices.Clone(entry.destinationIDs),
		PID:            entry.pid,
	}
}

// notifyStatus updates the entry status and fires the status hook.
func (s *Supervisor) notifyStatus(entry *streamEntry, status model.StreamStatus, lastError string) {
	entry.mu.Lock()
	entry.status = status
	if lastError != "" {
		entry.lastError = lastError
	}
	id := entry.id
	entry.mu.Unlock()

	if s.onStatus != nil {
		s.onStatus(id, status, lastError)
	}
}

// backoffDelay returns min(2^retry, 60) seconds.
func backoffDelay(retry int) time.Duration {
	if retry >= 6 { // 2^6 = 64 > 60
		return maxRestartBackoff
	}
	d := time.Duration(1<<uint(retry)) * time.Second
	if d > maxRestartBackoff {
		return maxRestartBackoff
	}
	return d
}
