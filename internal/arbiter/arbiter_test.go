package arbiter

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hashvisor/internal/pool"
	"github.com/loykin/hashvisor/internal/process"
	"github.com/loykin/hashvisor/internal/stats"
)

// delayDialer answers each address after a fixed delay, or never when the
// address is unknown.
type delayDialer struct {
	delays map[string]time.Duration
	dials  atomic.Int32
	mu     sync.Mutex
	seen   []string
}

func (d *delayDialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	d.seen = append(d.seen, address)
	d.mu.Unlock()
	delay, ok := d.delays[address]
	if !ok {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case <-time.After(delay):
		c1, c2 := net.Pipe()
		_ = c2.Close()
		return c1, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestEngine(d Dialer) (*Engine, *process.Record, *stats.Board[stats.Xvb]) {
	rec := process.NewRecord(process.Xvb)
	board := stats.NewBoard(stats.NewXvb)
	e := NewEngine(rec, board, nil)
	e.Dialer = d
	e.Timeout = 300 * time.Millisecond
	return e, rec, board
}

func TestDecide_PicksFastest(t *testing.T) {
	d := &delayDialer{delays: map[string]time.Duration{
		pool.EU.Address(): 80 * time.Millisecond,
		pool.NA.Address(): 20 * time.Millisecond,
	}}
	e, rec, board := newTestEngine(d)
	rec.MarkStarted(0, process.Alive)

	chosen := e.Decide(context.Background())
	assert.Equal(t, pool.NA, chosen)
	assert.Equal(t, pool.NA, board.Live().Stats.Pool)
	assert.Equal(t, process.Syncing, rec.State())
	assert.Contains(t, rec.TakePublish(), "is selected as the fastest")
	assert.EqualValues(t, 2, d.dials.Load())
}

func TestDecide_AllOfflineFallsBack(t *testing.T) {
	d := &delayDialer{delays: map[string]time.Duration{}}
	e, rec, board := newTestEngine(d)
	e.Timeout = 50 * time.Millisecond
	rec.SetState(process.Syncing)

	chosen := e.Decide(context.Background())
	assert.Equal(t, pool.NewP2pool(3333), chosen)
	assert.Equal(t, pool.NewP2pool(3333), board.Live().Stats.Pool)
	assert.Equal(t, process.OfflinePoolsAll, rec.State())
	assert.Contains(t, rec.TakePublish(), "all offline or ping failed")
}

func TestDecide_AllOfflineKeepsMiddle(t *testing.T) {
	e, rec, _ := newTestEngine(&delayDialer{})
	e.Timeout = 20 * time.Millisecond
	rec.SetState(process.Middle)

	e.Decide(context.Background())
	assert.Equal(t, process.Middle, rec.State())
}

func TestDecide_PinnedProbesOnlyPin(t *testing.T) {
	d := &delayDialer{delays: map[string]time.Duration{
		pool.EU.Address(): 10 * time.Millisecond,
		pool.NA.Address(): time.Millisecond,
	}}
	e, rec, _ := newTestEngine(d)
	e.Pin = pool.EU

	for i := 0; i < 3; i++ {
		assert.Equal(t, pool.EU, e.Decide(context.Background()))
	}
	assert.EqualValues(t, 3, d.dials.Load())
	for _, addr := range d.seen {
		assert.Equal(t, pool.EU.Address(), addr)
	}
	assert.Contains(t, rec.TakePublish(), "has been manually selected and is online")
}

func TestCandidates(t *testing.T) {
	assert.Equal(t, []pool.Pool{pool.NA, pool.EU}, Candidates(pool.None))
	assert.Equal(t, []pool.Pool{pool.NA, pool.EU}, Candidates(pool.NewP2pool(3333)))
	assert.Equal(t, []pool.Pool{pool.NA}, Candidates(pool.NA))
}

func TestFastest(t *testing.T) {
	_, ok := Fastest(nil)
	assert.False(t, ok)

	p, ok := Fastest([]Result{
		{Pool: pool.NA, Latency: 30 * time.Millisecond},
		{Pool: pool.EU, Latency: 30 * time.Millisecond},
	})
	require.True(t, ok)
	assert.Equal(t, pool.NA, p, "ties keep the first result")

	p, ok = Fastest([]Result{
		{Pool: pool.NA, Err: errors.New("refused")},
		{Pool: pool.EU, Latency: time.Second},
	})
	require.True(t, ok)
	assert.Equal(t, pool.EU, p)
}

type fakeReconfigurer struct {
	calls []pool.Pool
	err   error
}

func (f *fakeReconfigurer) SetPool(_ context.Context, p pool.Pool) error {
	f.calls = append(f.calls, p)
	return f.err
}

func TestApply_RateLimited(t *testing.T) {
	e, _, _ := newTestEngine(nil)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	e.now = func() time.Time { return now }
	r := &fakeReconfigurer{}
	ctx := context.Background()
	p2pool := pool.NewP2pool(3333)

	sent, err := e.Apply(ctx, r, p2pool, pool.EU)
	require.NoError(t, err)
	assert.True(t, sent)

	now = t0.Add(4900 * time.Millisecond)
	sent, err = e.Apply(ctx, r, pool.EU, p2pool)
	require.NoError(t, err)
	assert.False(t, sent)

	now = t0.Add(5 * time.Second)
	sent, err = e.Apply(ctx, r, pool.EU, p2pool)
	require.NoError(t, err)
	assert.True(t, sent)

	assert.Equal(t, []pool.Pool{pool.EU, p2pool}, r.calls)
}

func TestApply_NoChange(t *testing.T) {
	e, _, _ := newTestEngine(nil)
	r := &fakeReconfigurer{}
	sent, err := e.Apply(context.Background(), r, pool.EU, pool.EU)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, r.calls)
}

func TestApply_FailureWritesConsole(t *testing.T) {
	e, rec, _ := newTestEngine(nil)
	r := &fakeReconfigurer{err: errors.New("connection refused")}
	sent, err := e.Apply(context.Background(), r, pool.NewP2pool(3333), pool.NA)
	require.Error(t, err)
	assert.True(t, sent)
	out := rec.TakePublish()
	assert.True(t, strings.Contains(out, "Failure to update xmrig config with HTTP API.\nError: connection refused"), out)
}

func TestSplit(t *testing.T) {
	// 21.6M difficulty over 2160 blocks of 10s needs 1000 H/s, 1200 with margin.
	base := Inputs{Hashrate: 10_000, SidechainDifficulty: 21_600_000, WindowBlocks: 2160}
	assert.InDelta(t, 1200, NeededP2poolHashrate(base.SidechainDifficulty, base.WindowBlocks), 1e-6)
	assert.InDelta(t, 1200, NeededP2poolHashrate(base.SidechainDifficulty, 0), 1e-6)

	tests := []struct {
		name   string
		mutate func(*Inputs)
		xvb    time.Duration
	}{
		{"auto picks donor", func(in *Inputs) { in.Mode = Auto }, 7200 * time.Millisecond},
		{"hero sends spare", func(in *Inputs) { in.Mode = Hero }, 52800 * time.Millisecond},
		{"manual xvb", func(in *Inputs) { in.Mode = ManualXvb; in.ManualAmount = 5000 }, 30 * time.Second},
		{"manual p2pool", func(in *Inputs) { in.Mode = ManualP2pool; in.ManualAmount = 9500 }, 3 * time.Second},
		{"manual level", func(in *Inputs) { in.Mode = ManualDonationLevel; in.Level = Donor }, 7200 * time.Millisecond},
		{"level above hashrate clamps", func(in *Inputs) { in.Mode = ManualDonationLevel; in.Level = DonorVIP }, Cycle},
		{"short slice dropped", func(in *Inputs) { in.Mode = ManualXvb; in.ManualAmount = 100 }, 0},
		{"short p2pool slice dropped", func(in *Inputs) { in.Mode = ManualXvb; in.ManualAmount = 9950 }, Cycle},
		{"no hashrate", func(in *Inputs) { in.Hashrate = 0 }, 0},
		{"not enough for p2pool", func(in *Inputs) { in.Hashrate = 1000 }, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			plan := Split(in)
			assert.Equal(t, tt.xvb, plan.Xvb)
			assert.Equal(t, Cycle, plan.Xvb+plan.P2pool)
		})
	}
}

func TestPlanTarget(t *testing.T) {
	plan := Plan{Xvb: 10 * time.Second, P2pool: 50 * time.Second}
	p2pool := pool.NewP2pool(3333)
	assert.Equal(t, pool.EU, plan.Target(0, pool.EU, p2pool))
	assert.Equal(t, pool.EU, plan.Target(9*time.Second, pool.EU, p2pool))
	assert.Equal(t, p2pool, plan.Target(10*time.Second, pool.EU, p2pool))
	assert.Equal(t, pool.EU, plan.Target(61*time.Second, pool.EU, p2pool))
}

func TestParseModeAndLevel(t *testing.T) {
	m, err := ParseMode("Hero")
	require.NoError(t, err)
	assert.Equal(t, Hero, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Auto, m)
	_, err = ParseMode("greedy")
	assert.Error(t, err)

	l, err := ParseLevel("donor_whale")
	require.NoError(t, err)
	assert.Equal(t, DonorWhale, l)
	assert.InDelta(t, 100_000, l.Hashrate(), 0)
	_, err = ParseLevel("donor_giga")
	assert.Error(t, err)
}
