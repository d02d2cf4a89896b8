package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/hashvisor/internal/arbiter"
	"github.com/loykin/hashvisor/internal/metrics"
	"github.com/loykin/hashvisor/internal/parser"
	"github.com/loykin/hashvisor/internal/poller"
	"github.com/loykin/hashvisor/internal/pool"
	"github.com/loykin/hashvisor/internal/process"
	"github.com/loykin/hashvisor/internal/stats"
)

// ProxyClient is satisfied by *poller.XmrigAPI pointed at the proxy.
type ProxyClient interface {
	ProxySummary(ctx context.Context) (poller.ProxySummary, error)
}

// Proxy supervises XMRig-Proxy and, when Redirect is set, keeps the local
// XMRig pointed at it.
type Proxy struct {
	Board  *stats.Board[stats.Proxy]
	API    ProxyClient
	Launch process.Spec
	Fleet  Fleet
	// Xmrig reconfigures the local XMRig for redirection.
	Xmrig arbiter.Reconfigurer
	// XmrigPool reports the pool the local XMRig currently mines on.
	XmrigPool  func() pool.Pool
	Redirect   bool
	BindPort   int
	P2poolPort int
	Log        *slog.Logger

	lastRedirect time.Time
}

func (p *Proxy) Kind() process.Kind { return process.XmrigProxy }

func (p *Proxy) Reset() {
	p.Board.Reset(nil)
	p.lastRedirect = time.Time{}
}

func (p *Proxy) Spec() (process.Spec, bool, error) { return p.Launch, true, nil }

func (p *Proxy) Protocol() parser.Protocol { return parser.Passthrough{} }

func (p *Proxy) Running() process.State { return process.NotMining }

func (p *Proxy) Output() Output { return p.Board }

func (p *Proxy) Tick(ctx context.Context, t *Tick) {
	log := logger(p.Log)
	if t.First && t.Stdin != nil {
		// verbose mode, then list the connections
		for _, cmd := range []string{"v", "c"} {
			if err := writeLine(t.Stdin, cmd); err != nil {
				log.Warn("stdin write failed", "command", cmd, "error", err)
			}
		}
	}

	scan := parser.ScanProxy(t.Text, p.BindPort, p.P2poolPort)
	switch scan.Mining {
	case parser.MiningActive:
		if st := t.Record.State(); st == process.NotMining || st == process.Syncing {
			t.Record.CompareAndSetState(st, process.Alive)
		}
	case parser.MiningStopped:
		t.Record.CompareAndSetState(process.Alive, process.NotMining)
	}

	summary, err := p.API.ProxySummary(ctx)
	if err != nil {
		log.Debug("summary request failed", "error", err)
		metrics.IncPollError(process.XmrigProxy.Slug(), "api")
	}
	var hr float64
	p.Board.Update(func(s *stats.Proxy) {
		s.Uptime = t.Uptime
		if scan.Mining == parser.MiningStopped {
			s.Pool = pool.None
		}
		if scan.PoolFound {
			s.Pool = scan.Pool
		}
		if err == nil {
			s.FoldSummary(summary)
		}
		hr = s.Hashrate1m
	})
	metrics.SetHashrate(process.XmrigProxy.Slug(), "1m", hr)

	p.redirect(ctx, t)
}

// redirect points the local XMRig at the proxy, at most once per
// RedirectInterval so XMRig has time to apply the change.
func (p *Proxy) redirect(ctx context.Context, t *Tick) {
	if !p.Redirect || p.Xmrig == nil || p.Fleet == nil || p.XmrigPool == nil {
		return
	}
	want := pool.NewProxy(p.BindPort)
	if st := p.Fleet.State(process.Xmrig); st != process.Alive && st != process.NotMining {
		return
	}
	if p.XmrigPool() == want {
		return
	}
	if !t.First && time.Since(p.lastRedirect) <= RedirectInterval {
		return
	}
	p.lastRedirect = time.Now()
	logger(p.Log).Info("redirecting local xmrig to the proxy")
	if err := p.Xmrig.SetPool(ctx, want); err != nil {
		metrics.IncReconfiguration(want.String(), false)
		t.Record.Console(fmt.Sprintf("Failure to update xmrig config with HTTP API.\nError: %v", err))
		return
	}
	metrics.IncReconfiguration(want.String(), true)
}
