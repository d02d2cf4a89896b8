package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBuffer = 256
	sendTimeout   = 5 * time.Second
)

// Recorder sends events to a Sink from a single goroutine so that supervision
// loops never block on the database. When the buffer is full the event is
// dropped and logged. A nil *Recorder records nothing.
type Recorder struct {
	sink Sink
	log  *slog.Logger
	ch   chan Event
	done chan struct{}
	now  func() time.Time

	mu      sync.Mutex
	runs    map[string]string
	closed  bool
	dropped int
}

func NewRecorder(sink Sink, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sink: sink,
		log:  logger.With("component", "history"),
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
		now:  time.Now,
		runs: make(map[string]string),
	}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := r.sink.Send(ctx, e); err != nil {
			r.log.Warn("history send failed", "type", e.Type, "daemon", e.Daemon, "error", err)
		}
		cancel()
	}
}

// Record queues e, stamping OccurredAt when unset.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.dropped++
		r.log.Warn("history buffer full, event dropped", "type", e.Type, "daemon", e.Daemon, "dropped", r.dropped)
	}
}

// Start records a new run of daemon and remembers its run id.
func (r *Recorder) Start(daemon string, pid int) {
	if r == nil {
		return
	}
	id := uuid.NewString()
	r.mu.Lock()
	r.runs[daemon] = id
	r.mu.Unlock()
	r.Record(Event{Type: EventStart, RunID: id, Daemon: daemon, PID: pid})
}

// Stop records the end of the current run of daemon.
func (r *Recorder) Stop(daemon string, pid int, uptime time.Duration, status string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	id := r.runs[daemon]
	delete(r.runs, daemon)
	r.mu.Unlock()
	r.Record(Event{Type: EventStop, RunID: id, Daemon: daemon, PID: pid, Uptime: uptime, ExitStatus: status})
}

func (r *Recorder) Payout(daemon string, amount float64, block uint64) {
	if r == nil {
		return
	}
	r.Record(Event{Type: EventPayout, RunID: r.run(daemon), Daemon: daemon, AmountXMR: amount, Block: block})
}

// PoolSwitch records the engine moving from one pool to another.
func (r *Recorder) PoolSwitch(daemon, from, to string) {
	if r == nil {
		return
	}
	r.Record(Event{Type: EventPoolSwitch, RunID: r.run(daemon), Daemon: daemon, Pool: to})
	r.log.Debug("pool switch recorded", "from", from, "to", to)
}

func (r *Recorder) run(daemon string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[daemon]
}

// Dropped returns how many events were discarded on a full buffer.
func (r *Recorder) Dropped() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close flushes queued events and closes the sink when it is an io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
	if c, ok := r.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
