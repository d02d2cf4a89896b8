package watchdog

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/hashvisor/internal/parser"
	"github.com/loykin/hashvisor/internal/process"
)

type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return "exit status" }
func (e exitCodeError) ExitCode() int { return e.code }

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeHandle is a child that takes killDelay to die after Kill.
type fakeHandle struct {
	pid       int
	out       *io.PipeReader
	outW      *io.PipeWriter
	stdin     lockedBuffer
	exitCh    chan struct{}
	exitOnce  sync.Once
	exitErr   error
	killDelay time.Duration
	killErr   error
	launcher  *fakeLauncher
}

func (h *fakeHandle) Pid() int          { return h.pid }
func (h *fakeHandle) Output() io.Reader { return h.out }
func (h *fakeHandle) Stdin() io.Writer  { return &h.stdin }

func (h *fakeHandle) Exited() (bool, error) {
	select {
	case <-h.exitCh:
		return true, h.exitErr
	default:
		return false, nil
	}
}

func (h *fakeHandle) Wait() error {
	<-h.exitCh
	return h.exitErr
}

func (h *fakeHandle) Kill() error {
	go func() {
		time.Sleep(h.killDelay)
		h.exit(h.killErr)
	}()
	return nil
}

func (h *fakeHandle) Close() error { return h.outW.Close() }

func (h *fakeHandle) exit(err error) {
	h.exitOnce.Do(func() {
		h.exitErr = err
		h.launcher.alive.Add(-1)
		close(h.exitCh)
	})
}

type fakeLauncher struct {
	mu        sync.Mutex
	handles   []*fakeHandle
	alive     atomic.Int32
	maxAlive  atomic.Int32
	killDelay time.Duration
	// killErr is what a killed child reports from Wait.
	killErr error
	err     error
}

func (l *fakeLauncher) Launch(spec process.Spec) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	r, w := io.Pipe()
	h := &fakeHandle{
		pid:       1000 + len(l.handles),
		out:       r,
		outW:      w,
		exitCh:    make(chan struct{}),
		killDelay: l.killDelay,
		killErr:   l.killErr,
		launcher:  l,
	}
	l.handles = append(l.handles, h)
	if n := l.alive.Add(1); n > l.maxAlive.Load() {
		l.maxAlive.Store(n)
	}
	return h, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[i]
}

// reapLagLauncher hands out children whose Exited sees the exit before the
// status is known, like a zombie that was not reaped yet.
type reapLagLauncher struct{ *fakeLauncher }

func (l reapLagLauncher) Launch(spec process.Spec) (process.Handle, error) {
	h, err := l.fakeLauncher.Launch(spec)
	if err != nil {
		return nil, err
	}
	return reapLagHandle{h.(*fakeHandle)}, nil
}

type reapLagHandle struct{ *fakeHandle }

func (h reapLagHandle) Exited() (bool, error) {
	done, _ := h.fakeHandle.Exited()
	return done, nil
}

type fakeOutput struct {
	mu sync.Mutex
	sb strings.Builder
}

func (o *fakeOutput) AppendOutput(text string) {
	o.mu.Lock()
	o.sb.WriteString(text)
	o.mu.Unlock()
}

func (o *fakeOutput) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sb.String()
}

type fakeDaemon struct {
	kind   process.Kind
	out    fakeOutput
	ticks  atomic.Int32
	resets atomic.Int32
	noProc bool
}

func (d *fakeDaemon) Kind() process.Kind { return d.kind }
func (d *fakeDaemon) Reset()             { d.resets.Add(1) }
func (d *fakeDaemon) Spec() (process.Spec, bool, error) {
	return process.Spec{Kind: d.kind, Binary: "/usr/bin/true"}, !d.noProc, nil
}
func (d *fakeDaemon) Protocol() parser.Protocol   { return parser.Passthrough{} }
func (d *fakeDaemon) Running() process.State      { return process.Syncing }
func (d *fakeDaemon) Output() Output              { return &d.out }
func (d *fakeDaemon) Tick(context.Context, *Tick) { d.ticks.Add(1) }

type fakeFleet map[process.Kind]process.State

func (f fakeFleet) State(k process.Kind) process.State { return f[k] }
