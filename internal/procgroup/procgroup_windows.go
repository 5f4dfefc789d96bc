//go:build windows
// +build windows

package procgroup

import (
	"fmt"
	"os/exec"
	"syscall"
)

// Setup places the child in its own process group.
func Setup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// Terminate has no graceful signal on Windows; taskkill without /F asks
// the process to exit.
func Terminate(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := exec.Command("taskkill", "/T", "/PID", fmt.Sprint(cmd.Process.Pid)).Run(); err != nil {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// Kill forcefully terminates the process tree.
func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprint(cmd.Process.Pid)).Run(); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
