package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/loykin/hashvisor/internal/metrics"
	"github.com/loykin/hashvisor/internal/pool"
	"github.com/loykin/hashvisor/internal/process"
	"github.com/loykin/hashvisor/internal/stats"
)

// ReconfigureInterval is the minimum spacing between two reconfigurations.
const ReconfigureInterval = 5 * time.Second

// Reconfigurer switches a running engine to another pool without a restart.
type Reconfigurer interface {
	SetPool(ctx context.Context, p pool.Pool) error
}

// Engine runs one arbitration decision per call and pushes the result to
// the mining engine. It is driven by the XvB watchdog and is not safe for
// concurrent use.
type Engine struct {
	Dialer  Dialer
	Timeout time.Duration
	// Pin restricts probing to one arbitration pool when it is an XvB pool.
	Pin pool.Pool
	// Fallback is the local P2Pool the engine returns to when no pool answers.
	Fallback func() pool.Pool

	record  *process.Record
	board   *stats.Board[stats.Xvb]
	limiter *rate.Limiter
	now     func() time.Time
	log     *slog.Logger
}

func NewEngine(rec *process.Record, board *stats.Board[stats.Xvb], logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		record:  rec,
		board:   board,
		limiter: rate.NewLimiter(rate.Every(ReconfigureInterval), 1),
		now:     time.Now,
		log:     logger,
	}
	e.Fallback = func() pool.Pool { return pool.NewP2pool(3333) }
	return e
}

// Decide probes the candidates and publishes the chosen pool. When none
// answers the local P2Pool is chosen and the record enters OfflinePoolsAll.
func (e *Engine) Decide(ctx context.Context) pool.Pool {
	candidates := Candidates(e.Pin)
	results := Probe(ctx, e.Dialer, candidates, e.Timeout)
	for _, r := range results {
		metrics.ObserveProbe(r.Pool.String(), r.Latency, r.Err == nil)
	}

	chosen, ok := Fastest(results)
	if !ok {
		chosen = e.Fallback()
		for _, r := range results {
			e.log.Warn("pool ping failed", "pool", r.Pool.String(), "error", r.Err)
		}
		e.record.Console("XvB node ping, all offline or ping failed, switching back to local p2pool")
		if st := e.record.State(); st != process.Middle && !st.Startable() {
			e.record.SetState(process.OfflinePoolsAll)
		}
	} else {
		e.log.Info("arbitration pool selected", "pool", chosen.URL())
		if e.Pin.IsXvb() {
			e.record.Console(fmt.Sprintf("XvB Pool ping, %s has been manually selected and is online.", chosen))
		} else {
			e.record.Console(fmt.Sprintf("XvB Pool ping, %s is selected as the fastest.", chosen))
		}
		switch e.record.State() {
		case process.Alive, process.OfflinePoolsAll, process.Failed:
			e.record.SetState(process.Syncing)
		}
	}
	e.board.Update(func(x *stats.Xvb) { x.Pool = chosen })
	return chosen
}

// Apply reconfigures r to want when current differs, at most once per
// ReconfigureInterval. It reports whether a request was sent.
func (e *Engine) Apply(ctx context.Context, r Reconfigurer, current, want pool.Pool) (bool, error) {
	if current == want || r == nil {
		return false, nil
	}
	if !e.limiter.AllowN(e.now(), 1) {
		return false, nil
	}
	err := r.SetPool(ctx, want)
	metrics.IncReconfiguration(want.String(), err == nil)
	if err != nil {
		e.log.Warn("reconfiguration failed", "pool", want.String(), "error", err)
		e.record.Console(fmt.Sprintf("Failure to update xmrig config with HTTP API.\nError: %v", err))
		return true, err
	}
	e.log.Info("engine reconfigured", "from", current.String(), "to", want.String())
	return true, nil
}
