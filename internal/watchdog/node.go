package watchdog

import (
	"context"
	"log/slog"

	"github.com/loykin/hashvisor/internal/metrics"
	"github.com/loykin/hashvisor/internal/parser"
	"github.com/loykin/hashvisor/internal/poller"
	"github.com/loykin/hashvisor/internal/process"
	"github.com/loykin/hashvisor/internal/stats"
)

// Fleet is the view a daemon has of the others.
type Fleet interface {
	State(k process.Kind) process.State
}

// NodeInfoer is satisfied by *poller.NodeRPC.
type NodeInfoer interface {
	GetInfo(ctx context.Context) (poller.NodeInfo, error)
}

// Node supervises monerod. Health follows get_info: synchronized with status OK.
type Node struct {
	Board  *stats.Board[stats.Node]
	RPC    NodeInfoer
	Launch process.Spec
	Log    *slog.Logger
}

func (n *Node) Kind() process.Kind { return process.Node }

func (n *Node) Reset() { n.Board.Reset(nil) }

func (n *Node) Spec() (process.Spec, bool, error) { return n.Launch, true, nil }

func (n *Node) Protocol() parser.Protocol { return parser.Passthrough{} }

func (n *Node) Running() process.State { return process.Syncing }

func (n *Node) Output() Output { return n.Board }

func (n *Node) Tick(ctx context.Context, t *Tick) {
	info, err := n.RPC.GetInfo(ctx)
	if err != nil {
		logger(n.Log).Debug("get_info failed", "error", err)
		metrics.IncPollError(process.Node.Slug(), "rpc")
		n.Board.Update(func(s *stats.Node) { s.Uptime = t.Uptime })
		return
	}
	n.Board.Update(func(s *stats.Node) {
		s.Uptime = t.Uptime
		s.FoldInfo(info)
	})
	promote(t.Record, info.Healthy())
}

// promote applies a health verdict: Syncing becomes Alive when healthy and
// Alive drops back to Syncing on the first unhealthy tick.
func promote(rec *process.Record, healthy bool) {
	if healthy {
		rec.CompareAndSetState(process.Syncing, process.Alive)
		return
	}
	rec.CompareAndSetState(process.Alive, process.Syncing)
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
