package parser

import "sync"

// Event is something a protocol extracted from a daemon's console stream.
type Event interface {
	event()
}

// Started is emitted once the mining engine printed its banner.
type Started struct{}

// Node is the upstream node a P2Pool instance reports it is using.
type Node struct {
	IP  string `json:"ip"`
	RPC int    `json:"rpc"`
	ZMQ int    `json:"zmq"`
}

// NodeChanged carries a node line parsed from P2Pool output.
type NodeChanged struct {
	Node Node
}

// StatusHashrate is the pool-side hashrate estimate from a status block, in H/s.
type StatusHashrate struct {
	HPS float64
}

// StatusShares is the number of shares currently in the PPLNS window.
type StatusShares struct {
	Shares uint32
}

// StatusWindow is the PPLNS window length in blocks.
type StatusWindow struct {
	Blocks uint64
}

// StatusDone closes a status block.
type StatusDone struct{}

func (Started) event()        {}
func (NodeChanged) event()    {}
func (StatusHashrate) event() {}
func (StatusShares) event()   {}
func (StatusWindow) event()   {}
func (StatusDone) event()     {}

// Queue collects events from a stream goroutine until the watchdog drains them.
type Queue struct {
	mu     sync.Mutex
	events []Event
}

func (q *Queue) Push(e Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()
}

// Drain returns the queued events in arrival order and empties the queue.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev := q.events
	q.events = nil
	return ev
}
