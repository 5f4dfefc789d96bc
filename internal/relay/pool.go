// Package relay maintains one always-on copy relay per camera: RTSP in,
// local RTMP out, no re-encode. Pulling each camera exactly once keeps
// the transcoders off the cameras' limited RTSP session budgets.
package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/vistter/vistterstream/internal/errors"
	"github.com/vistter/vistterstream/internal/logging"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/privacy"
	"github.com/vistter/vistterstream/internal/procgroup"
)

const (
	// restartDelay is the flat pause between a relay exit and its
	// respawn. Relays are cheap copy processes; no exponential ladder.
	restartDelay = 5 * time.Second

	// stopGracePeriod is the terminate-then-kill grace on Stop.
	stopGracePeriod = 5 * time.Second

	// stderrTail bounds the diagnostic lines kept per relay.
	stderrTail = 10
)

var poolLogger *slog.Logger

func init() {
	poolLogger = logging.ForService("relay")
	if poolLogger == nil {
		poolLogger = slog.Default().With("service", "relay")
	}
}

// Config wires the pool.
type Config struct {
	// FFmpegPath is the relay binary.
	FFmpegPath string
	// RTMPBase is the local ingest prefix, e.g.
	// "rtmp://127.0.0.1:1935/live".
	RTMPBase string
	// Clock is injected for deterministic restart timing in tests.
	Clock clock.Clock
}

// Pool manages at most one relay process per camera id.
type Pool struct {
	ffmpegPath string
	rtmpBase   string
	clk        clock.Clock

	mu     sync.Mutex
	relays map[int]*cameraRelay
	wg     sync.WaitGroup
}

// cameraRelay is one camera's relay slot. The slot outlives individual
// process runs; its monitor goroutine respawns the child until Stop.
type cameraRelay struct {
	mu sync.Mutex

	camera  model.Camera
	cmd     *exec.Cmd
	waitCh  chan error
	running bool
	stopped bool
	tail    []string
	partial string

	cancel context.CancelFunc
	done   chan struct{}

	// limiter gates restart storms beyond the flat delay: a camera
	// that dies instantly on every spawn settles at the limiter rate.
	limiter *rate.Limiter
}

// NewPool builds a relay pool.
func NewPool(cfg Config) *Pool {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Pool{
		ffmpegPath: cfg.FFmpegPath,
		rtmpBase:   strings.TrimRight(cfg.RTMPBase, "/"),
		clk:        clk,
		relays:     make(map[int]*cameraRelay),
	}
}

// LocalURL returns the local RTMP URL the camera's relay publishes to.
func (p *Pool) LocalURL(cameraID int) string {
	return fmt.Sprintf("%s/camera_%d", p.rtmpBase, cameraID)
}

// ActiveCount returns the number of relays currently supervised.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.relays {
		r.mu.Lock()
		if r.running {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

// EnsureStarted starts the camera's relay if it is not already running.
// Calls for the same camera are serialized on the slot; a running relay
// makes this a cheap no-op.
func (p *Pool) EnsureStarted(ctx context.Context, camera model.Camera) error {
	p.mu.Lock()
	r, exists := p.relays[camera.ID]
	if !exists {
		r = &cameraRelay{
			camera:  camera,
			limiter: rate.NewLimiter(rate.Every(10*time.Second), 3),
		}
		p.relays[camera.ID] = r
	}
	p.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.camera = camera
	r.stopped = false

	if err := p.spawnLocked(r); err != nil {
		return err
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(r.done)
		p.monitor(monitorCtx, r)
	}()

	poolLogger.Info("relay started",
		"camera_id", camera.ID,
		"camera", camera.Name,
		"source", privacy.SanitizeRTSPUrl(camera.RTSPURL()),
		"target", p.LocalURL(camera.ID))
	log.Printf("✅ Relay started for camera %s → %s", camera.Name, p.LocalURL(camera.ID))
	return nil
}

// spawnLocked launches one relay process. Caller holds r.mu.
func (p *Pool) spawnLocked(r *cameraRelay) error {
	args := buildRelayArgs(&r.camera, p.LocalURL(r.camera.ID))
	cmd := exec.Command(p.ffmpegPath, args...) //nolint:gosec // argv built internally
	procgroup.Setup(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.New(err).
			Component("relay").
			Category(errors.CategoryProcess).
			Context("camera_id", r.camera.ID).
			Build()
	}
	if err := cmd.Start(); err != nil {
		return errors.New(fmt.Errorf("spawning relay: %w", err)).
			Component("relay").
			Category(errors.CategoryProcess).
			Context("camera_id", r.camera.ID).
			Build()
	}

	waitCh := make(chan error, 1)
	go cmdWaiter(cmd, waitCh)
	go r.readStderr(stderr)

	r.cmd = cmd
	r.waitCh = waitCh
	r.running = true
	r.partial = ""
	return nil
}

func cmdWaiter(cmd *exec.Cmd, waitCh chan<- error) {
	waitCh <- cmd.Wait()
}

// readStderr keeps a short diagnostic tail; relays emit almost nothing
// when healthy.
func (r *cameraRelay) readStderr(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			r.mu.Lock()
			text := r.partial + string(buf[:n])
			lines := strings.FieldsFunc(text, func(c rune) bool { return c == '\n' || c == '\r' })
			if len(lines) > 0 && !strings.HasSuffix(text, "\n") && !strings.HasSuffix(text, "\r") {
				r.partial = lines[len(lines)-1]
				lines = lines[:len(lines)-1]
			} else {
				r.partial = ""
			}
			r.tail = append(r.tail, lines...)
			if len(r.tail) > stderrTail {
				r.tail = r.tail[len(r.tail)-stderrTail:]
			}
			r.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// monitor respawns the relay after every exit until cancelled. The
// restart pacing is a flat delay plus a token-bucket gate against
// cameras that reject the connection instantly.
func (p *Pool) monitor(ctx context.Context, r *cameraRelay) {
	for {
		r.mu.Lock()
		waitCh := r.waitCh
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case err := <-waitCh:
			r.mu.Lock()
			r.running = false
			cause := lastLine(r.tail)
			cameraID := r.camera.ID
			cameraName := r.camera.Name
			r.mu.Unlock()

			poolLogger.Warn("relay exited",
				"camera_id", cameraID,
				"error", err,
				"detail", privacy.ScrubMessage(cause))
			log.Printf("⚠️ Relay for camera %s exited, restarting in %s", cameraName, restartDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-p.clk.After(restartDelay):
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}

		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		err := p.spawnLocked(r)
		r.mu.Unlock()
		if err != nil {
			poolLogger.Error("relay respawn failed", "camera_id", r.camera.ID, "error", err)
			continue
		}
		log.Printf("🔄 Relay restarted for camera %s", r.camera.Name)
	}
}

// Stop shuts down the camera's relay. Unknown cameras are a no-op.
func (p *Pool) Stop(ctx context.Context, cameraID int) error {
	p.mu.Lock()
	r, exists := p.relays[cameraID]
	if exists {
		delete(p.relays, cameraID)
	}
	p.mu.Unlock()
	if !exists {
		return nil
	}

	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	done := r.done
	cmd := r.cmd
	waitCh := r.waitCh
	running := r.running
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	if running && cmd != nil && cmd.Process != nil {
		if err := procgroup.Shutdown(cmd, waitCh, stopGracePeriod); err != nil {
			poolLogger.Debug("relay shutdown wait", "camera_id", cameraID, "result", err)
		}
	}

	poolLogger.Info("relay stopped", "camera_id", cameraID)
	log.Printf("🛑 Relay stopped for camera %d", cameraID)
	return nil
}

// StopAll stops every relay; used at engine shutdown.
func (p *Pool) StopAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]int, 0, len(p.relays))
	for id := range p.relays {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.Stop(ctx, id); err != nil {
			poolLogger.Warn("relay stop during shutdown failed", "camera_id", id, "error", err)
		}
	}
	p.wg.Wait()
}

// buildRelayArgs constructs the copy-relay argv: video passthrough,
// audio normalized to AAC so the local RTMP server always accepts it.
func buildRelayArgs(camera *model.Camera, target string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp", "-timeout", "5000000",
		"-i", camera.RTSPURL(),
		"-c:v", "copy",
		"-c:a", "aac", "-b:a", "128k", "-ar", "44100",
		"-f", "flv", target,
	}
}

func lastLine(tail []string) string {
	if len(tail) == 0 {
		return ""
	}
	return tail[len(tail)-1]
}
