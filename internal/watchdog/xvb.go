package watchdog

import (
	"context"
	"errors"
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

// XvbStatsInterval is how often the public and private statistics are fetched.
const XvbStatsInterval = 60 * time.Second

// XvbClient is satisfied by *poller.XvbAPI.
type XvbClient interface {
	Public(ctx context.Context) (poller.XvbPublic, error)
	Private(ctx context.Context, address string) (poller.XvbPrivate, error)
}

// Xvb is the in-process arbitration daemon. Every cycle it picks the
// arbitration pool and splits the cycle between it and the local P2Pool,
// then switches the mining engine at the slice boundary.
type Xvb struct {
	Board   *stats.Board[stats.Xvb]
	Engine  *arbiter.Engine
	API     XvbClient
	Address string
	Fleet   Fleet

	Mode         arbiter.Mode
	ManualAmount float64
	Level        arbiter.Level

	P2poolBoard *stats.Board[stats.P2pool]
	XmrigBoard  *stats.Board[stats.Xmrig]
	ProxyBoard  *stats.Board[stats.Proxy]
	Xmrig       arbiter.Reconfigurer
	Proxy       arbiter.Reconfigurer
	P2poolPort  int
	OnSwitch    func(from, to pool.Pool)
	Log         *slog.Logger

	lastStats  time.Time
	cycleStart time.Time
	plan       arbiter.Plan
	chosen     pool.Pool
}

func (x *Xvb) Kind() process.Kind { return process.Xvb }

func (x *Xvb) Reset() {
	x.Board.Reset(nil)
	x.lastStats = time.Time{}
	x.cycleStart = time.Time{}
	x.plan = arbiter.Plan{P2pool: arbiter.Cycle}
	x.chosen = pool.None
	x.Board.Update(func(s *stats.Xvb) { s.RuntimeMode = x.Mode.String() })
}

func (x *Xvb) Spec() (process.Spec, bool, error) {
	if x.Address == "" {
		return process.Spec{}, false, errors.New("no payout address configured")
	}
	return process.Spec{Kind: process.Xvb}, false, nil
}

func (x *Xvb) Protocol() parser.Protocol { return parser.Passthrough{} }

func (x *Xvb) Running() process.State { return process.Syncing }

func (x *Xvb) Output() Output { return x.Board }

func (x *Xvb) Tick(ctx context.Context, t *Tick) {
	x.Board.Update(func(s *stats.Xvb) { s.Uptime = t.Uptime })
	if t.First || time.Since(x.lastStats) >= XvbStatsInterval {
		x.refreshStats(ctx, t.Record)
		x.lastStats = time.Now()
	}

	engine, current, reconf, ok := x.engine()
	if !x.Fleet.State(process.P2pool).Running() || !ok {
		if st := t.Record.State(); st == process.Alive || st == process.OfflinePoolsAll {
			t.Record.CompareAndSetState(st, process.Syncing)
		}
		return
	}
	if t.Record.State() == process.Failed {
		return
	}

	if x.cycleStart.IsZero() || time.Since(x.cycleStart) >= arbiter.Cycle {
		x.newCycle(ctx, t.Record)
	}

	local := pool.NewP2pool(x.P2poolPort)
	offset := time.Since(x.cycleStart)
	want := local
	if x.chosen.IsXvb() {
		want = x.plan.Target(offset, x.chosen, local)
	}
	x.Board.Update(func(s *stats.Xvb) {
		s.TimeSwitchPool = remaining(x.plan, offset)
		s.Indicator = indicator(want, s.TimeSwitchPool)
	})
	sent, err := x.Engine.Apply(ctx, reconf, current, want)
	if sent && err == nil {
		x.Board.Update(func(s *stats.Xvb) { s.MiningOn = want })
		x.publishEnginePool(engine, want)
		if x.OnSwitch != nil {
			x.OnSwitch(current, want)
		}
	}
}

func (x *Xvb) newCycle(ctx context.Context, rec *process.Record) {
	x.cycleStart = time.Now()
	x.chosen = x.Engine.Decide(ctx)
	if !x.chosen.IsXvb() {
		x.plan = arbiter.Plan{P2pool: arbiter.Cycle}
		x.Board.Update(func(s *stats.Xvb) { s.XvbShare = 0 })
		return
	}
	in := arbiter.Inputs{
		Mode:         x.Mode,
		Hashrate:     x.hashrate(),
		ManualAmount: x.ManualAmount,
		Level:        x.Level,
	}
	if x.P2poolBoard != nil {
		p := x.P2poolBoard.Published().Stats
		in.SidechainDifficulty = p.P2poolDifficulty
		if p.WindowLengthBlocks != nil {
			in.WindowBlocks = *p.WindowLengthBlocks
		}
	}
	x.plan = arbiter.Split(in)
	logger(x.Log).Info("hashrate split decided", "mode", x.Mode.String(), "xvb", x.plan.Xvb, "p2pool", x.plan.P2pool)
	if x.plan.Xvb > 0 {
		rec.Console(fmt.Sprintf("Algorithm: mining on %s for %s, then on the local P2Pool for %s.", x.chosen, x.plan.Xvb, x.plan.P2pool))
	} else {
		rec.Console("Algorithm: mining on the local P2Pool for the whole cycle.")
	}
	x.Board.Update(func(s *stats.Xvb) { s.XvbShare = x.plan.Xvb })
	rec.CompareAndSetState(process.Syncing, process.Alive)
}

func (x *Xvb) refreshStats(ctx context.Context, rec *process.Record) {
	log := logger(x.Log)
	if x.API == nil {
		return
	}
	pub, err := x.API.Public(ctx)
	if err != nil {
		log.Warn("public stats request failed", "error", err)
		metrics.IncPollError(process.Xvb.Slug(), "public")
		rec.Console(fmt.Sprintf("Failure to retrieve public stats from %s\nWill retry shortly...", poller.XvbPublicURL))
		pub = poller.XvbPublic{}
	}
	x.Board.Update(func(s *stats.Xvb) { s.Public = pub })

	priv, err := x.API.Private(ctx, x.Address)
	if err != nil {
		log.Warn("private stats request failed", "error", err)
		metrics.IncPollError(process.Xvb.Slug(), "private")
		if rec.State() != process.Failed {
			if errors.Is(err, poller.ErrNotRegistered) {
				rec.Console("The payout address is not registered on the XvB side.")
			} else {
				rec.Console("Failure to retrieve private stats \nWill retry shortly...")
			}
		}
		rec.SetState(process.Failed)
		return
	}
	x.Board.Update(func(s *stats.Xvb) { s.FoldPrivate(priv) })
	if rec.CompareAndSetState(process.Failed, process.Syncing) {
		rec.Console("requests for private API are now working")
	}
}

// engine returns the running mining engine, the pool it mines on and how
// to reconfigure it. The proxy takes precedence over XMRig.
func (x *Xvb) engine() (process.Kind, pool.Pool, arbiter.Reconfigurer, bool) {
	if x.ProxyBoard != nil && x.Fleet.State(process.XmrigProxy).Running() {
		return process.XmrigProxy, x.ProxyBoard.Live().Stats.Pool, x.Proxy, true
	}
	if x.XmrigBoard != nil && x.Fleet.State(process.Xmrig).Running() {
		return process.Xmrig, x.XmrigBoard.Live().Stats.Pool, x.Xmrig, true
	}
	return 0, pool.None, nil, false
}

// hashrate is what the engine produces over its longest stable window.
func (x *Xvb) hashrate() float64 {
	if x.ProxyBoard != nil && x.Fleet.State(process.XmrigProxy).Running() {
		s := x.ProxyBoard.Live().Stats
		if s.Hashrate1h > 0 {
			return s.Hashrate1h
		}
		return s.Hashrate1m
	}
	if x.XmrigBoard == nil {
		return 0
	}
	s := x.XmrigBoard.Live().Stats
	if s.Hashrate15m > 0 {
		return s.Hashrate15m
	}
	return s.Hashrate10s
}

// publishEnginePool records the switch on the engine board so the next tick
// does not ask again before the engine reports its new job.
func (x *Xvb) publishEnginePool(k process.Kind, p pool.Pool) {
	switch k {
	case process.XmrigProxy:
		x.ProxyBoard.Update(func(s *stats.Proxy) { s.Pool = p })
	case process.Xmrig:
		x.XmrigBoard.Update(func(s *stats.Xmrig) { s.Pool = p })
	}
}

// remaining is the time left before the next pool switch.
func remaining(p arbiter.Plan, offset time.Duration) time.Duration {
	o := offset % arbiter.Cycle
	if o < p.Xvb {
		return p.Xvb - o
	}
	return arbiter.Cycle - o
}

func indicator(p pool.Pool, left time.Duration) string {
	return fmt.Sprintf("%s for %s", p, left.Round(time.Second))
}
