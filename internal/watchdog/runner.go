// Package watchdog runs the per-daemon supervision loops.
//
// A Runner owns one process.Record. Start launches the daemon and spawns two
// goroutines: the stream parser feeding the record's buffers and the tick
// loop that checks for exit and signals, drains stdin and hands the rest of
// the tick to the Daemon implementation.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/loykin/hashvisor/internal/metrics"
	"github.com/loykin/hashvisor/internal/parser"
	"github.com/loykin/hashvisor/internal/process"
)

const (
	DefaultInterval    = 900 * time.Millisecond
	DefaultRestartPoll = time.Second
)

var (
	// ErrBusy is returned by Start when the daemon is running or transitioning.
	ErrBusy = errors.New("daemon is already running or transitioning")
	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("daemon is not running")
)

// Launcher starts daemon binaries. process.PTYLauncher is the production one.
type Launcher interface {
	Launch(spec process.Spec) (process.Handle, error)
}

// Output receives the publishable console text drained from the record.
type Output interface {
	AppendOutput(text string)
}

// Daemon is the kind-specific part of a watchdog.
type Daemon interface {
	Kind() process.Kind
	// Reset clears the snapshots before a new run.
	Reset()
	// Spec returns how to launch the daemon. In-process daemons return false.
	Spec() (process.Spec, bool, error)
	// Protocol returns a fresh stream protocol for one run.
	Protocol() parser.Protocol
	// Running is the state entered once the launch succeeded.
	Running() process.State
	Output() Output
	Tick(ctx context.Context, t *Tick)
}

// Tick is what one loop iteration hands to the daemon.
type Tick struct {
	Record *process.Record
	// Stdin is nil for in-process daemons.
	Stdin io.Writer
	// Events are the stream events queued since the previous tick.
	Events []parser.Event
	// Text is the parse buffer drained this tick.
	Text   string
	First  bool
	Uptime time.Duration
}

// Exit describes how a run ended.
type Exit struct {
	Kind   process.Kind
	PID    int
	Uptime time.Duration
	Status string
	Signal process.Signal
}

type Runner struct {
	daemon   Daemon
	record   *process.Record
	launcher Launcher
	log      *slog.Logger

	Interval    time.Duration
	RestartPoll time.Duration
	// Console, when set, receives every visible console line.
	Console io.Writer
	// Terminator picks how a child is killed; defaults to process.SelectTerminator.
	Terminator func(process.Spec) process.Terminator
	OnStart    func(kind process.Kind, pid int)
	OnExit     func(Exit)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(d Daemon, rec *process.Record, l Launcher, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		daemon:      d,
		record:      rec,
		launcher:    l,
		log:         logger.With("daemon", d.Kind().Slug()),
		Interval:    DefaultInterval,
		RestartPoll: DefaultRestartPoll,
		Terminator: func(s process.Spec) process.Terminator {
			return process.SelectTerminator(s, runtime.GOOS)
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Runner) Record() *process.Record { return r.record }
func (r *Runner) Daemon() Daemon          { return r.daemon }

// Start launches the daemon. Only one caller wins when starts race.
func (r *Runner) Start() error {
	if r.ctx.Err() != nil {
		return context.Canceled
	}
	if !r.record.Begin() {
		return ErrBusy
	}
	return r.start()
}

// Stop asks the loop to terminate the daemon on its next tick.
func (r *Runner) Stop() error {
	if !r.record.RequestStop() {
		return ErrNotRunning
	}
	return nil
}

// Restart asks the loop to terminate the daemon and starts it again once the
// record is back to Waiting. Requests made while one is pending are merged. A
// Stop or a plain Start issued meanwhile supersedes the restart.
func (r *Runner) Restart() {
	gen, ok := r.record.RequestRestart()
	if !ok {
		r.log.Debug("restart already pending")
		return
	}
	metrics.IncRestart(r.daemon.Kind().Slug())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.record.EndRestart(gen)
		t := time.NewTicker(r.RestartPoll)
		defer t.Stop()
		for {
			begun, pending := r.record.BeginRestart(gen)
			if begun {
				break
			}
			if !pending {
				r.log.Debug("restart superseded")
				return
			}
			select {
			case <-r.ctx.Done():
				return
			case <-t.C:
			}
		}
		if err := r.start(); err != nil {
			r.log.Error("restart failed", "error", err)
		}
	}()
}

// Close stops the loop, terminating the daemon, and waits for every goroutine
// the runner started.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) start() error {
	kind := r.daemon.Kind()
	r.daemon.Reset()
	spec, hasProcess, err := r.daemon.Spec()
	if err != nil {
		return r.failStart(err)
	}

	var h process.Handle
	if hasProcess {
		h, err = r.launcher.Launch(spec)
		if err != nil {
			return r.failStart(err)
		}
	}
	pid := 0
	if h != nil {
		pid = h.Pid()
	}
	r.record.MarkStarted(pid, r.daemon.Running())
	metrics.IncStart(kind.Slug())
	r.log.Info("daemon started", "pid", pid)
	if r.OnStart != nil {
		r.OnStart(kind, pid)
	}

	queue := &parser.Queue{}
	streamDone := make(chan struct{})
	if h != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer close(streamDone)
			out := &tee{record: r.record, console: r.Console}
			if err := parser.Stream(r.ctx, h.Output(), out, r.daemon.Protocol(), queue.Push); err != nil {
				r.log.Warn("output stream ended", "error", err)
			}
		}()
	} else {
		close(streamDone)
	}

	r.wg.Add(1)
	go r.loop(spec, h, queue, streamDone)
	return nil
}

func (r *Runner) failStart(err error) error {
	r.log.Error("daemon failed to start", "error", err)
	r.record.SetState(process.Failed)
	r.record.Console(fmt.Sprintf("%s failed to start: %v", r.daemon.Kind(), err))
	r.flush()
	return err
}

func (r *Runner) loop(spec process.Spec, h process.Handle, queue *parser.Queue, streamDone <-chan struct{}) {
	defer r.wg.Done()
	term := r.Terminator(spec)
	first := true
	for {
		begin := time.Now()

		if h != nil {
			if exited, _ := h.Exited(); exited && r.record.Signal() == process.SignalNone {
				// Exited may report a zombie before the reaper has the status
				r.end(h, process.SignalNone, exitStatus(h.Wait()), false, streamDone)
				return
			}
		}
		sig := r.record.Signal()
		if sig == process.SignalNone && r.ctx.Err() != nil {
			sig = process.SignalStop
		}
		if sig != process.SignalNone {
			status, ok := r.terminate(h, term)
			r.end(h, sig, status, ok, streamDone)
			return
		}

		if h != nil {
			for _, line := range r.record.TakeInput() {
				if err := writeLine(h.Stdin(), line); err != nil {
					r.log.Warn("stdin write failed", "error", err)
				}
			}
		}

		t := &Tick{
			Record: r.record,
			Events: queue.Drain(),
			Text:   r.record.TakeParse(),
			First:  first,
			Uptime: r.record.Uptime(),
		}
		if h != nil {
			t.Stdin = h.Stdin()
		}
		r.daemon.Tick(r.ctx, t)
		r.flush()
		first = false

		wait := r.Interval - time.Since(begin)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
		}
	}
}

func (r *Runner) terminate(h process.Handle, term process.Terminator) (string, bool) {
	if h == nil {
		return "Successful", true
	}
	if err := term.Terminate(h); err != nil {
		r.log.Error("terminate failed", "error", err)
		r.record.Console(fmt.Sprintf("Failed to stop %s: %v", r.daemon.Kind(), err))
		return "Failed", false
	}
	return stopStatus(h.Wait())
}

// stopStatus classifies the wait result of a child we terminated. Our own
// SIGKILL counts as a clean stop.
func stopStatus(err error) (string, bool) {
	if err == nil || process.Killed(err) {
		return "Successful", true
	}
	return exitStatus(err), false
}

// end writes the stop banner, publishes it and moves the record to its
// terminal state for sig.
func (r *Runner) end(h process.Handle, sig process.Signal, status string, ok bool, streamDone <-chan struct{}) {
	kind := r.daemon.Kind()
	pid := r.record.PID()
	uptime := r.record.Uptime()
	if h != nil {
		_ = h.Close()
		<-streamDone
	}
	if sig == process.SignalNone {
		ok = false
		r.log.Warn("daemon exited unexpectedly", "pid", pid, "status", status)
	} else {
		r.log.Info("daemon stopped", "pid", pid, "signal", sig.String(), "status", status)
	}
	r.record.AppendPublish(Banner(kind, uptime, status))
	r.flush()
	metrics.IncStop(kind.Slug(), ok)
	if r.OnExit != nil {
		r.OnExit(Exit{Kind: kind, PID: pid, Uptime: uptime, Status: status, Signal: sig})
	}
	r.record.Finish(sig, ok)
}

func (r *Runner) flush() {
	if text := r.record.TakePublish(); text != "" {
		r.daemon.Output().AppendOutput(text)
	}
}

// Banner is the console block written when a daemon stops.
func Banner(kind process.Kind, uptime time.Duration, status string) string {
	return fmt.Sprintf("%s\n%s stopped | Uptime: [%s] | Exit status: [%s]\n%s\n\n\n\n",
		process.HorizontalRule, kind, uptime.Round(time.Second), status, process.HorizontalRule)
}

func exitStatus(err error) string {
	var ee interface{ ExitCode() int }
	switch {
	case err == nil:
		return "Successful"
	case errors.As(err, &ee):
		return "Failed"
	default:
		return "Unknown Error"
	}
}

func writeLine(w io.Writer, line string) error {
	end := "\n"
	if runtime.GOOS == "windows" {
		end = "\r\n"
	}
	_, err := io.WriteString(w, line+end)
	return err
}

// tee feeds visible lines to the record and, when set, the console log.
type tee struct {
	record  *process.Record
	console io.Writer
}

func (t *tee) AppendOutput(line string) {
	t.record.AppendOutput(line)
	if t.console != nil {
		_, _ = io.WriteString(t.console, line+"\n")
	}
}
