package process

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Handle is the running-child contract the watchdog works against.
type Handle interface {
	Pid() int
	Output() io.Reader
	Stdin() io.Writer
	// Exited reports without blocking whether the child has exited, and its
	// exit error if so.
	Exited() (bool, error)
	// Wait blocks until exit. Safe to call any number of times.
	Wait() error
	// Kill terminates the child. Killing an exited child is a no-op.
	Kill() error
	Close() error
}

// Child is a daemon attached to a pseudo-terminal.
type Child struct {
	cmd      *exec.Cmd
	tty      *os.File
	waitDone chan struct{} // closed by the monitor when cmd.Wait returns
	waitErr  error
	mu       sync.Mutex
	closed   bool
}

func newChild(cmd *exec.Cmd, tty *os.File) *Child {
	c := &Child{cmd: cmd, tty: tty, waitDone: make(chan struct{})}
	go c.monitor()
	return c
}

func (c *Child) monitor() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.waitErr = err
	c.mu.Unlock()
	close(c.waitDone)
}

func (c *Child) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *Child) Output() io.Reader { return c.tty }
func (c *Child) Stdin() io.Writer  { return c.tty }

func (c *Child) Exited() (bool, error) {
	select {
	case <-c.waitDone:
		c.mu.Lock()
		defer c.mu.Unlock()
		return true, c.waitErr
	default:
	}
	// A child that exited but was not reaped yet shows up as a zombie.
	if isZombieLinux(c.Pid()) {
		return true, nil
	}
	return false, nil
}

func (c *Child) Wait() error {
	<-c.waitDone
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}

func (c *Child) Kill() error {
	if done, _ := c.Exited(); done || c.cmd.Process == nil {
		return nil
	}
	if err := killGroup(c.Pid()); err == nil {
		return nil
	}
	// the group may belong to another user, e.g. a sudo-launched child
	err := c.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Close releases the pseudo-terminal, which ends any pending read on Output.
func (c *Child) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.tty.Close()
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state.
func isZombieLinux(pid int) bool {
	if pid <= 0 {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
