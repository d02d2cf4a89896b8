// Package history exports daemon lifecycle, payout and pool switch events to
// external systems.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of event.
type EventType string

const (
	EventStart      EventType = "start"
	EventStop       EventType = "stop"
	EventPayout     EventType = "payout"
	EventPoolSwitch EventType = "pool_switch"
)

// Event is one row of history. Fields that do not apply to Type stay zero.
type Event struct {
	Type       EventType     `json:"type"`
	OccurredAt time.Time     `json:"occurred_at"`
	RunID      string        `json:"run_id,omitempty"`
	Daemon     string        `json:"daemon"`
	PID        int           `json:"pid,omitempty"`
	Uptime     time.Duration `json:"uptime,omitempty"`
	ExitStatus string        `json:"exit_status,omitempty"`
	Pool       string        `json:"pool,omitempty"`
	AmountXMR  float64       `json:"amount_xmr,omitempty"`
	Block      uint64        `json:"block,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Ledger is implemented by sinks that can read payouts back.
type Ledger interface {
	Payouts(ctx context.Context, limit int) ([]Event, error)
}
