package process

import (
	"strings"
	"sync"
	"time"
)

// ConsoleTimeLayout is the timestamp prefix of supervisor-written console lines.
const ConsoleTimeLayout = "2006-01-02 15:04:05.000"

// HorizontalRule frames stop banners in console output.
const HorizontalRule = "---------------------------------------------------------------------------------------------------------------------------"

// Record is the per-daemon lifecycle record shared by the watchdog, the stream
// parser and signal senders. All access goes through its methods.
type Record struct {
	kind       Kind
	mu         sync.Mutex
	signal     Signal
	state      State
	start      time.Time
	parse      strings.Builder
	publish    strings.Builder
	input      []string
	restarting bool
	restartGen uint64
	pid        int
}

func NewRecord(k Kind) *Record { return &Record{kind: k, state: Waiting} }

func (r *Record) Kind() Kind { return r.kind }

// Begin moves a startable record to Middle and reports whether the caller
// now owns the start. Concurrent callers get exactly one true. The start
// satisfies a restart that was waiting for it.
func (r *Record) Begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Startable() {
		return false
	}
	r.state = Middle
	r.signal = SignalNone
	r.cancelRestart()
	return true
}

// MarkStarted records the start time and the first running state. A Stop or
// Restart requested while the launch was in flight stays pending, and the
// record stays in Middle for the loop to act on it.
func (r *Record) MarkStarted(pid int, s State) {
	r.mu.Lock()
	r.pid = pid
	r.start = time.Now()
	if r.signal == SignalNone {
		r.state = s
	}
	r.mu.Unlock()
}

// RequestStop asks the watchdog to terminate the daemon. It returns false when
// nothing is running. A pending restart is cancelled: Stop wins.
func (r *Record) RequestStop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancelled := r.cancelRestart()
	if r.state.Startable() {
		// a restart of a stopped daemon that did not begin yet
		return cancelled
	}
	r.signal = SignalStop
	r.state = Middle
	return true
}

// RequestRestart asks the watchdog to terminate the daemon so the restart
// supervisor can start it again. It returns the restart generation, and false
// when a restart is already pending. A record with nothing running goes
// straight to Waiting.
func (r *Record) RequestRestart() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.restarting {
		return r.restartGen, false
	}
	r.restarting = true
	r.restartGen++
	if r.state.Startable() {
		r.state = Waiting
		r.signal = SignalNone
		return r.restartGen, true
	}
	r.signal = SignalRestart
	r.state = Middle
	return r.restartGen, true
}

// BeginRestart is Begin for the restart supervisor of generation gen. It
// reports whether the caller now owns the start and whether the restart is
// still worth waiting for. A cancelled restart, or a record that ended up
// Dead or Failed, gives up.
func (r *Record) BeginRestart(gen uint64) (begun, pending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.restarting || r.restartGen != gen {
		return false, false
	}
	switch {
	case r.state == Waiting:
		r.state = Middle
		r.signal = SignalNone
		return true, false
	case r.state.Startable():
		return false, false
	}
	return false, true
}

// EndRestart clears the pending restart flag of generation gen once the new
// start resolved. Later generations are left alone.
func (r *Record) EndRestart(gen uint64) {
	r.mu.Lock()
	if r.restartGen == gen {
		r.restarting = false
	}
	r.mu.Unlock()
}

func (r *Record) cancelRestart() bool {
	if !r.restarting {
		return false
	}
	r.restarting = false
	r.restartGen++
	return true
}

func (r *Record) Restarting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarting
}

func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetState replaces the state and returns the previous one.
func (r *Record) SetState(s State) State {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	return prev
}

// CompareAndSetState sets next only when the current state equals cur.
func (r *Record) CompareAndSetState(cur, next State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != cur {
		return false
	}
	r.state = next
	return true
}

func (r *Record) Signal() Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signal
}

// Finish applies the outcome of a signal-driven termination: Stop ends in
// Dead or Failed and clears the signal, Restart ends in Waiting. A Stop that
// arrived during the termination overrides the signal the loop acted on.
func (r *Record) Finish(sig Signal, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pid = 0
	if r.signal == SignalStop {
		sig = SignalStop
	}
	switch sig {
	case SignalStop:
		if success {
			r.state = Dead
		} else {
			r.state = Failed
		}
		r.signal = SignalNone
	case SignalRestart:
		r.state = Waiting
	default:
		r.state = Failed
	}
}

// IsAlive reports whether the daemon is up for dependency checks.
func (r *Record) IsAlive() bool { return r.State().Running() }

func (r *Record) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

func (r *Record) Start() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.start
}

func (r *Record) Uptime() time.Duration {
	r.mu.Lock()
	start := r.start
	r.mu.Unlock()
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// AppendOutput adds one console line to both the parse and publish buffers.
func (r *Record) AppendOutput(line string) {
	r.mu.Lock()
	r.parse.WriteString(line)
	r.parse.WriteByte('\n')
	r.publish.WriteString(line)
	r.publish.WriteByte('\n')
	r.mu.Unlock()
}

// AppendPublish adds text to the publish buffer only.
func (r *Record) AppendPublish(text string) {
	r.mu.Lock()
	r.publish.WriteString(text)
	r.mu.Unlock()
}

// Console appends a timestamped supervisor message to the publish buffer.
func (r *Record) Console(msg string) {
	r.AppendPublish("[" + time.Now().Format(ConsoleTimeLayout) + "]  " + msg + "\n")
}

func (r *Record) TakeParse() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.parse.String()
	r.parse.Reset()
	return s
}

func (r *Record) TakePublish() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.publish.String()
	r.publish.Reset()
	return s
}

// QueueInput schedules a line for the daemon's stdin on the next tick.
func (r *Record) QueueInput(line string) {
	r.mu.Lock()
	r.input = append(r.input, line)
	r.mu.Unlock()
}

func (r *Record) TakeInput() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := r.input
	r.input = nil
	return in
}
