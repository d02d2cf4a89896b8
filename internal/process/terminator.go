package process

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
)

// Terminator ends a running child. Implementations must treat an already
// exited child as success.
type Terminator interface {
	Terminate(h Handle) error
}

// DirectTerminator kills the child through its own handle.
type DirectTerminator struct{}

func (DirectTerminator) Terminate(h Handle) error { return h.Kill() }

// SudoTerminator kills a privileged child with "sudo --stdin kill -9". A child
// started through sudo cannot be signalled by an unprivileged parent on macOS.
type SudoTerminator struct {
	Password string
	// Command builds the sudo invocation; replaced in tests.
	Command func(args ...string) *exec.Cmd
}

func (t SudoTerminator) Terminate(h Handle) error {
	if done, _ := h.Exited(); done {
		return nil
	}
	build := t.Command
	if build == nil {
		// #nosec G204
		build = func(args ...string) *exec.Cmd { return exec.Command("sudo", args...) }
	}
	cmd := build("--stdin", "kill", "-9", strconv.Itoa(h.Pid()))
	cmd.Stdin = bytes.NewBufferString(t.Password + "\n")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo kill %d: %w: %w", h.Pid(), ErrCredentials, err)
	}
	return nil
}

// SelectTerminator picks the privileged path only where it is required:
// a sudo-launched child on darwin.
func SelectTerminator(spec Spec, goos string) Terminator {
	if spec.Privileged && goos == "darwin" {
		return SudoTerminator{Password: spec.SudoPassword}
	}
	return DirectTerminator{}
}
