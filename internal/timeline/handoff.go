package timeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vistter/vistterstream/internal/encoder"
)

const (
	// handoffStartDeadline bounds the replacement transcoder's launch;
	// past it the executor falls back to stop-then-start.
	handoffStartDeadline = 30 * time.Second

	// handoffStopGrace is the old transcoder's quick-stop window. The
	// replacement is already feeding viewers, so the old child gets a
	// short terminate grace before the kill.
	handoffStopGrace = 10 * time.Second
)

// handoffID derives the temporary supervisor id a replacement
// transcoder runs under until the cut-over.
func handoffID(realID string) string {
	return fmt.Sprintf("%s_handoff_%s", realID, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// handoff switches the stream to a new camera without dropping viewers:
// the replacement transcoder starts under a temporary id while the old
// one still feeds the outputs, then the old one is quick-stopped and
// the replacement is re-keyed onto the real id. On any failure the
// executor falls back to a plain stop-then-start.
func (e *Executor) handoff(ctx context.Context, r *run, req encoder.StartRequest) error {
	realID := r.streamID
	tempID := handoffID(realID)

	tempReq := req
	tempReq.StreamID = tempID

	startCtx, cancel := context.WithTimeout(ctx, handoffStartDeadline)
	defer cancel()

	execLogger.Info("seamless handoff starting",
		"timeline_id", r.timelineID, "temp_id", tempID)

	if _, err := e.transcoder.Start(startCtx, tempReq); err != nil {
		execLogger.Warn("handoff start failed, falling back to stop-then-start",
			"timeline_id", r.timelineID, "error", err)
		log.Printf("⚠️ Seamless handoff failed for stream %s, restarting instead", realID)
		return e.fallbackRestart(ctx, r, req)
	}

	// Cut over: silence the old entry's callback before stopping it so
	// the deliberate stop is not reported as a death.
	e.transcoder.ClearOnDied(realID)
	if err := e.transcoder.StopWithTimeout(ctx, realID, handoffStopGrace); err != nil {
		execLogger.Warn("old transcoder stop during handoff", "timeline_id", r.timelineID, "error", err)
	}

	if err := e.transcoder.Rekey(tempID, realID); err != nil {
		// The replacement is alive but stranded under the temp id;
		// stop it and fall back.
		execLogger.Error("handoff rekey failed", "timeline_id", r.timelineID, "error", err)
		if stopErr := e.transcoder.Stop(ctx, tempID, false); stopErr != nil {
			execLogger.Warn("stranded handoff stream stop failed", "temp_id", tempID, "error", stopErr)
		}
		return e.fallbackRestart(ctx, r, req)
	}

	e.transcoder.OnDied(realID, e.diedCallback(r))
	execLogger.Info("seamless handoff complete", "timeline_id", r.timelineID)
	log.Printf("🔄 Camera switched seamlessly on stream %s", realID)
	return nil
}

// fallbackRestart is the non-seamless path: stop whatever is bound to
// the real id, then start fresh with the longer deadline. A failure
// here leaves the stream down with the watchdog responsible for it.
func (e *Executor) fallbackRestart(ctx context.Context, r *run, req encoder.StartRequest) error {
	e.transcoder.ClearOnDied(r.streamID)
	if err := e.transcoder.Stop(ctx, r.streamID, true); err != nil {
		execLogger.Warn("stop before fallback restart", "timeline_id", r.timelineID, "error", err)
	}
	if err := e.freshStart(ctx, r, req); err != nil {
		log.Printf("❌ Stream %s failed to restart after handoff fallback: %v", r.streamID, err)
		return err
	}
	return nil
}
