//go:build windows

package process

import (
	"errors"
	"os/exec"
)

// killGroup is unsupported on Windows; Child.Kill falls back to the
// process handle.
func killGroup(int) error { return errors.ErrUnsupported }

func processExists(int) bool { return false }

// Killed reports whether a wait error is the exit code 1 TerminateProcess
// leaves behind.
func Killed(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee) && ee.ExitCode() == 1
}
