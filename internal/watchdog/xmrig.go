package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/loykin/hashvisor/internal/metrics"
	"github.com/loykin/hashvisor/internal/parser"
	"github.com/loykin/hashvisor/internal/poller"
	"github.com/loykin/hashvisor/internal/pool"
	"github.com/loykin/hashvisor/internal/process"
	"github.com/loykin/hashvisor/internal/stats"
)

// RedirectInterval spaces out pool switches a watchdog pushes to XMRig.
const RedirectInterval = 5 * time.Second

// XmrigClient is satisfied by *poller.XmrigAPI.
type XmrigClient interface {
	Summary(ctx context.Context) (poller.XmrigSummary, error)
	SetPool(ctx context.Context, p pool.Pool) error
}

// Xmrig supervises the mining engine. It is Alive while a job is being mined
// and NotMining otherwise.
type Xmrig struct {
	Board  *stats.Board[stats.Xmrig]
	API    XmrigClient
	Launch process.Spec
	Fleet  Fleet
	// HideUntilAbout hides the sudo prompt printed before the banner.
	HideUntilAbout bool
	ProxyPort      int
	P2poolPort     int
	Log            *slog.Logger

	limiter *rate.Limiter
}

func (x *Xmrig) Kind() process.Kind { return process.Xmrig }

func (x *Xmrig) Reset() {
	x.Board.Reset(nil)
	x.limiter = rate.NewLimiter(rate.Every(RedirectInterval), 1)
}

func (x *Xmrig) Spec() (process.Spec, bool, error) { return x.Launch, true, nil }

func (x *Xmrig) Protocol() parser.Protocol {
	return &parser.XmrigProtocol{HideUntilAbout: x.HideUntilAbout}
}

// Running is Middle until the banner shows when the prompt is hidden.
func (x *Xmrig) Running() process.State {
	if x.HideUntilAbout {
		return process.Middle
	}
	return process.NotMining
}

func (x *Xmrig) Output() Output { return x.Board }

func (x *Xmrig) Tick(ctx context.Context, t *Tick) {
	for _, e := range t.Events {
		if _, ok := e.(parser.Started); ok {
			t.Record.CompareAndSetState(process.Middle, process.NotMining)
		}
	}
	scan := parser.ScanXmrig(t.Text, x.ProxyPort, x.P2poolPort)
	applyMining(t.Record, scan.Mining)

	st := t.Record.State()
	var summary poller.XmrigSummary
	var err error
	polled := false
	if st.Running() && x.API != nil {
		summary, err = x.API.Summary(ctx)
		if err != nil {
			logger(x.Log).Debug("summary request failed", "error", err)
			metrics.IncPollError(process.Xmrig.Slug(), "api")
		} else {
			polled = true
		}
	}

	var current pool.Pool
	var hr float64
	x.Board.Update(func(s *stats.Xmrig) {
		s.Uptime = t.Uptime
		if scan.Mining == parser.MiningStopped {
			s.Pool = pool.None
		}
		if scan.PoolFound {
			s.Pool = scan.Pool
		}
		if polled {
			s.FoldSummary(summary)
		}
		current = s.Pool
		hr = s.Hashrate10s
	})
	metrics.SetHashrate(process.Xmrig.Slug(), "10s", hr)

	x.fallback(ctx, t.Record, current)
}

// fallback points XMRig back at P2Pool when it mines through a proxy that
// is no longer running.
func (x *Xmrig) fallback(ctx context.Context, rec *process.Record, current pool.Pool) {
	if x.Fleet == nil || x.API == nil || !rec.State().Running() {
		return
	}
	if current.Type != pool.XmrigProxy && current != pool.None {
		return
	}
	if x.Fleet.State(process.XmrigProxy).Running() || !x.Fleet.State(process.P2pool).Running() {
		return
	}
	if x.limiter == nil || !x.limiter.Allow() {
		return
	}
	want := pool.NewP2pool(x.P2poolPort)
	if err := x.API.SetPool(ctx, want); err != nil {
		metrics.IncReconfiguration(want.String(), false)
		logger(x.Log).Warn("fallback to p2pool failed", "error", err)
		rec.Console(fmt.Sprintf("Failure to update xmrig config with HTTP API.\nError: %v", err))
		return
	}
	metrics.IncReconfiguration(want.String(), true)
	rec.Console("XMRig-Proxy is offline, XMRig is switched back to the local P2Pool")
	x.Board.Update(func(s *stats.Xmrig) { s.Pool = want })
}

// applyMining moves an engine between Alive and NotMining.
func applyMining(rec *process.Record, m parser.Mining) {
	switch m {
	case parser.MiningActive:
		rec.CompareAndSetState(process.NotMining, process.Alive)
	case parser.MiningStopped:
		rec.CompareAndSetState(process.Alive, process.NotMining)
	}
}
