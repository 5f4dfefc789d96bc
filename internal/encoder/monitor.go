package encoder

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/privacy"
)

const (
	// stderrChunkSize is the read granularity for the child's
	// diagnostic output. The transcoder's stats lines end in carriage
	// returns rather than newlines, so line-oriented reads would block
	// for the lifetime of the process.
	stderrChunkSize = 8 * 1024

	// stderrChunkTimeout is how long the monitor tolerates silence on
	// stderr before logging a liveness warning. A healthy transcoder
	// emits stats every few seconds.
	stderrChunkTimeout = 60 * time.Second
)

// errorMarkers are substrings in diagnostic output that identify a
// failure cause worth surfacing over a bare exit status.
var errorMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"timed out",
	"401 unauthorized",
	"403 forbidden",
	"404 not found",
	"invalid data found",
	"server returned",
	"error opening input",
	"could not find codec",
	"unknown encoder",
	"conversion failed",
	"device or resource busy",
}

// monitor owns the child's stderr for one process run: it parses
// progress, keeps a diagnostic tail, and handles the exit. It returns
// when the process exits or the context is cancelled (a deliberate
// stop).
func (s *Supervisor) monitor(ctx context.Context, entry *streamEntry, stderr io.ReadCloser, waitCh <-chan error) {
	chunks := make(chan []byte, 8)
	go func() {
		defer close(chunks)
		buf := make([]byte, stderrChunkSize)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	silence := s.clk.Timer(stderrChunkTimeout)
	defer silence.Stop()

	stderrOpen := true
	for {
		select {
		case <-ctx.Done():
			return

		case chunk, ok := <-chunks:
			if !ok {
				// Child closed stderr; wait for the exit below.
				stderrOpen = false
				chunks = nil
				continue
			}
			s.consumeChunk(entry, chunk)
			silence.Stop()
			silence = s.clk.Timer(stderrChunkTimeout)

		case <-silence.C:
			entry.mu.Lock()
			id := entry.id
			pid := entry.pid
			entry.mu.Unlock()
			if !processAlive(pid) {
				// The exit lands on waitCh; keep selecting until it does.
				supervisorLogger.Warn("no transcoder output for 60s and process is gone, awaiting exit",
					"stream_id", id, "pid", pid)
			} else if stderrOpen {
				supervisorLogger.Warn("no transcoder output for 60s",
					"stream_id", id)
			}
			silence = s.clk.Timer(stderrChunkTimeout)

		case err := <-waitCh:
			// Give the reader a moment to drain buffered diagnostics.
			if chunks != nil {
				for chunk := range chunks {
					s.consumeChunk(entry, chunk)
				}
			}
			s.handleExit(ctx, entry, err)
			return
		}
	}
}

// consumeChunk folds one stderr chunk into the tail, the raw ring
// buffer, and the progress tracker.
func (s *Supervisor) consumeChunk(entry *streamEntry, chunk []byte) {
	entry.mu.Lock()
	appendRaw(entry, chunk)
	text := entry.partial + string(chunk)
	lines := splitDiagnosticLines(text)
	if len(lines) > 0 && !strings.HasSuffix(text, "\n") && !strings.HasSuffix(text, "\r") {
		entry.partial = lines[len(lines)-1]
		lines = lines[:len(lines)-1]
	} else {
		entry.partial = ""
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		entry.tail = append(entry.tail, line)
	}
	if len(entry.tail) > stderrTailLines {
		entry.tail = entry.tail[len(entry.tail)-stderrTailLines:]
	}
	progress := entry.progress
	entry.mu.Unlock()

	for _, line := range lines {
		progress.observe(line)
	}
}

// appendRaw writes to the bounded ring buffer, dropping the oldest
// bytes when full. Caller holds entry.mu.
func appendRaw(entry *streamEntry, chunk []byte) {
	if len(chunk) > rawTailBytes {
		chunk = chunk[len(chunk)-rawTailBytes:]
	}
	if free := entry.raw.Free(); free < len(chunk) {
		scratch := make([]byte, len(chunk)-free)
		_, _ = entry.raw.Read(scratch)
	}
	_, _ = entry.raw.Write(chunk)
}

// processAlive reports whether pid refers to a live, non-zombie OS
// process. A crashed child awaiting the reap shows up as a zombie.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		// The pid exists but the status read failed; treat it as alive
		// rather than flag a liveness problem on a procfs hiccup.
		return true
	}
	for _, st := range statuses {
		if st == process.Zombie {
			return false
		}
	}
	return true
}

// splitDiagnosticLines splits on both newline and carriage return; the
// transcoder rewrites its stats line with bare CRs.
func splitDiagnosticLines(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
}

// handleExit runs once per observed process exit: it derives an error
// message from the diagnostic tail, fires the died callback at most
// once, and auto-restarts unless the stream was deliberately stopped.
func (s *Supervisor) handleExit(ctx context.Context, entry *streamEntry, waitErr error) {
	entry.mu.Lock()
	id := entry.id
	tail := make([]string, len(entry.tail))
	copy(tail, entry.tail)
	autoRestart := entry.autoRestart
	died := entry.died
	entry.died = nil // at most once per exit
	entry.mu.Unlock()

	errMsg := exitMessage(waitErr, tail)

	entry.mu.Lock()
	entry.lastError = errMsg
	entry.mu.Unlock()

	supervisorLogger.Error("transcoder exited",
		"stream_id", id,
		"error", privacy.ScrubMessage(errMsg))
	log.Printf("❌ Transcoder for stream %s exited: %s", id, privacy.ScrubMessage(errMsg))

	if died != nil {
		// Resolve the current id at fire time; a handoff may have
		// re-keyed the entry since the exit was observed.
		entry.mu.Lock()
		currentID := entry.id
		entry.mu.Unlock()
		died(currentID, errMsg)
	}

	if !autoRestart {
		return
	}
	if s.isStopped != nil && s.isStopped(id) {
		supervisorLogger.Info("stream stopped externally, not restarting", "stream_id", id)
		s.notifyStatus(entry, model.StatusStopped, "")
		return
	}

	if err := s.Restart(ctx, id); err != nil {
		supervisorLogger.Error("auto-restart failed",
			"stream_id", id, "error", err)
	}
}

// exitMessage turns an exit status plus the diagnostic tail into a
// one-line failure description.
func exitMessage(waitErr error, tail []string) string {
	cause := scanTail(tail)
	switch {
	case waitErr == nil && cause == "":
		return "transcoder exited unexpectedly"
	case waitErr == nil:
		return cause
	case cause == "":
		return fmt.Sprintf("transcoder exited: %v", waitErr)
	default:
		return fmt.Sprintf("transcoder exited: %v: %s", waitErr, cause)
	}
}

// scanTail returns the last diagnostic line matching a known error
// marker, preferring the most recent evidence.
func scanTail(tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		lower := strings.ToLower(tail[i])
		for _, marker := range errorMarkers {
			if strings.Contains(lower, marker) {
				return strings.TrimSpace(tail[i])
			}
		}
	}
	return ""
}
