// Package procgroup provides platform helpers for supervising external
// encoder processes as whole process groups: a group-wide SIGTERM, a
// bounded wait, then a group-wide SIGKILL.
package procgroup

import (
	"os/exec"
	"time"
)

// Shutdown performs the engine's standard graceful stop: group
// terminate, wait up to gracePeriod for exit, then group kill. The
// caller must have a Wait pending on cmd (the returned channel drains
// through it); Shutdown only signals.
func Shutdown(cmd *exec.Cmd, done <-chan error, gracePeriod time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := Terminate(cmd); err != nil {
		// Terminate failing usually means the process is already gone;
		// fall through to the wait so the exit status is still reaped.
		_ = err
	}

	select {
	case err := <-done:
		return err
	case <-time.After(gracePeriod):
	}

	if err := Kill(cmd); err != nil {
		return err
	}
	return <-done
}
