//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// killGroup sends SIGKILL to the process group led by pid. A PTY child leads
// its own session, so the group also holds anything it spawned.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// processExists reports whether pid is still a live process.
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil && !isZombieLinux(pid)
}

// Killed reports whether a wait error is the SIGKILL every Terminator sends.
func Killed(err error) bool {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL
}
