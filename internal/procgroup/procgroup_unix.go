//go:build linux || darwin
// +build linux darwin

package procgroup

import (
	"os/exec"
	"syscall"
)

// Setup places the child in its own process group so Terminate and Kill
// reach ffmpeg's own children too.
func Setup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// Terminate sends SIGTERM to the whole process group. A vanished
// process is not an error.
func Terminate(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

// Kill sends SIGKILL to the whole process group. A vanished process is
// not an error.
func Kill(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
