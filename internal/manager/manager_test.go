package manager

import (
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hashvisor/internal/config"
	"github.com/loykin/hashvisor/internal/history"
	"github.com/loykin/hashvisor/internal/history/sqlite"
	"github.com/loykin/hashvisor/internal/poller"
	"github.com/loykin/hashvisor/internal/pool"
	"github.com/loykin/hashvisor/internal/process"
	"github.com/loykin/hashvisor/internal/stats"
	"github.com/loykin/hashvisor/internal/watchdog"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeHandle struct {
	pid      int
	out      *io.PipeReader
	outW     *io.PipeWriter
	stdin    lockedBuffer
	exitCh   chan struct{}
	exitOnce sync.Once
}

func (h *fakeHandle) Pid() int          { return h.pid }
func (h *fakeHandle) Output() io.Reader { return h.out }
func (h *fakeHandle) Stdin() io.Writer  { return &h.stdin }
func (h *fakeHandle) Close() error      { return h.outW.Close() }

func (h *fakeHandle) Exited() (bool, error) {
	select {
	case <-h.exitCh:
		return true, nil
	default:
		return false, nil
	}
}

func (h *fakeHandle) Wait() error {
	<-h.exitCh
	return nil
}

func (h *fakeHandle) Kill() error {
	h.exitOnce.Do(func() { close(h.exitCh) })
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	specs   []process.Spec
	handles []*fakeHandle
}

func (l *fakeLauncher) Launch(spec process.Spec) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, w := io.Pipe()
	h := &fakeHandle{pid: 2000 + len(l.handles), out: r, outW: w, exitCh: make(chan struct{})}
	l.specs = append(l.specs, spec)
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) launched(k process.Kind) []process.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []process.Spec
	for _, s := range l.specs {
		if s.Kind == k {
			out = append(out, s)
		}
	}
	return out
}

func (l *fakeLauncher) handleFor(k process.Kind) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.specs) - 1; i >= 0; i-- {
		if l.specs[i].Kind == k {
			return l.handles[i]
		}
	}
	return nil
}

type fakeRPC struct{ healthy atomic.Bool }

func (f *fakeRPC) GetInfo(context.Context) (poller.NodeInfo, error) {
	return poller.NodeInfo{Synchronized: f.healthy.Load(), Status: "OK", Height: 3200000}, nil
}

var errOffline = errors.New("offline")

type fakeEngineAPI struct{}

func (fakeEngineAPI) Summary(context.Context) (poller.XmrigSummary, error) {
	return poller.XmrigSummary{}, errOffline
}

func (fakeEngineAPI) ProxySummary(context.Context) (poller.ProxySummary, error) {
	return poller.ProxySummary{}, errOffline
}

func (fakeEngineAPI) SetPool(context.Context, pool.Pool) error { return nil }

type fakeXvbAPI struct{}

func (fakeXvbAPI) Public(context.Context) (poller.XvbPublic, error) {
	return poller.XvbPublic{}, errOffline
}

func (fakeXvbAPI) Private(context.Context, string) (poller.XvbPrivate, error) {
	return poller.XvbPrivate{}, errOffline
}

type refusingDialer struct{}

func (refusingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errOffline
}

type stubDetector struct{ alive bool }

func (d stubDetector) Alive(context.Context) (bool, error) { return d.alive, nil }
func (d stubDetector) Describe() string                    { return "stub" }

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.EventType
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	m        *Manager
	launcher *fakeLauncher
	rpc      *fakeRPC
	sink     *memSink
	cfg      *config.Config
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.UseOSEnv = false
	cfg.Tick = config.Duration(10 * time.Millisecond)
	cfg.Metrics.Process.Enabled = false
	cfg.P2pool.APIDir = t.TempDir()
	cfg.P2pool.Address = "4" + strings.Repeat("A", 94)
	cfg.P2pool.LocalNode = false
	cfg.P2pool.Host = "node.example"
	cfg.P2pool.RPCPort = 18089
	cfg.P2pool.ZMQPort = 18084
	return &cfg
}

func newFixture(t *testing.T, cfg *config.Config, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{launcher: &fakeLauncher{}, rpc: &fakeRPC{}, sink: &memSink{}, cfg: cfg}
	opts := Options{
		Launcher:          f.launcher,
		Sink:              f.sink,
		Dialer:            refusingDialer{},
		NodeRPC:           f.rpc,
		XmrigAPI:          fakeEngineAPI{},
		ProxyAPI:          fakeEngineAPI{},
		XvbAPI:            fakeXvbAPI{},
		Existing:          stubDetector{},
		PublishInterval:   10 * time.Millisecond,
		NodeWatchDelay:    20 * time.Millisecond,
		NodeWatchInterval: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := New(cfg, opts)
	require.NoError(t, err)
	f.m = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return f
}

func (f *fixture) waitState(t *testing.T, k process.Kind, st process.State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.m.State(k) == st }, 2*time.Second, 5*time.Millisecond,
		"%s never reached %s (now %s)", k, st, f.m.State(k))
}

func TestManager_NodeLifecycleAndHistory(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()

	require.NoError(t, f.m.Start(ctx, process.Node))
	f.waitState(t, process.Node, process.Syncing)
	assert.ErrorIs(t, f.m.Start(ctx, process.Node), watchdog.ErrBusy)

	f.rpc.healthy.Store(true)
	f.waitState(t, process.Node, process.Alive)

	specs := f.launcher.launched(process.Node)
	require.Len(t, specs, 1)
	assert.Equal(t, "monerod", specs[0].Binary)
	assert.Contains(t, specs[0].Env, "NO_COLOR=true")

	require.NoError(t, f.m.Stop(process.Node))
	f.waitState(t, process.Node, process.Dead)
	assert.ErrorIs(t, f.m.Stop(process.Node), watchdog.ErrNotRunning)

	f.m.PublishAll()
	st, err := f.m.Status(process.Node)
	require.NoError(t, err)
	assert.Equal(t, "dead", st.State)
	assert.Equal(t, "Node is offline", st.Message)
	assert.Contains(t, st.Output, "Node stopped | Uptime:")
	node, ok := st.Stats.(stats.Node)
	require.True(t, ok)
	assert.Equal(t, uint64(3200000), node.Height)

	require.NoError(t, f.m.recorder.Close())
	assert.Equal(t, []history.EventType{history.EventStart, history.EventStop}, f.sink.types())
}

func TestManager_ExistingNodeRefused(t *testing.T) {
	f := newFixture(t, testConfig(t), func(o *Options) { o.Existing = stubDetector{alive: true} })
	err := f.m.Start(context.Background(), process.Node)
	assert.ErrorIs(t, err, ErrExistingNode)
	assert.Empty(t, f.launcher.launched(process.Node))
	assert.Equal(t, process.Waiting, f.m.State(process.Node))

	cfg := testConfig(t)
	cfg.Node.DetectExisting = false
	g := newFixture(t, cfg, func(o *Options) { o.Existing = stubDetector{alive: true} })
	require.NoError(t, g.m.Start(context.Background(), process.Node))
}

func TestManager_Input(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	assert.ErrorIs(t, f.m.Input(process.Xvb, "status"), ErrNoStdin)
	assert.ErrorIs(t, f.m.Input(process.Node, "status"), watchdog.ErrNotRunning)

	require.NoError(t, f.m.Start(context.Background(), process.Node))
	f.waitState(t, process.Node, process.Syncing)
	require.NoError(t, f.m.Input(process.Node, "status"))
	h := f.launcher.handleFor(process.Node)
	require.Eventually(t, func() bool { return strings.Contains(h.stdin.String(), "status") },
		time.Second, 5*time.Millisecond)
}

func TestManager_RestartRelaunches(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	require.NoError(t, f.m.Start(context.Background(), process.Xmrig))
	f.waitState(t, process.Xmrig, process.NotMining)

	require.NoError(t, f.m.Restart(process.Xmrig))
	require.Eventually(t, func() bool { return len(f.launcher.launched(process.Xmrig)) == 2 },
		2*time.Second, 5*time.Millisecond)
	f.waitState(t, process.Xmrig, process.NotMining)
}

func TestManager_P2poolMovesToLocalNode(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()

	require.NoError(t, f.m.Start(ctx, process.Node))
	require.NoError(t, f.m.Start(ctx, process.P2pool))
	f.waitState(t, process.P2pool, process.Syncing)

	first := f.launcher.launched(process.P2pool)
	require.Len(t, first, 1)
	assert.True(t, hasArgs(first[0].Args, "--host", "node.example"))
	assert.True(t, hasArgs(first[0].Args, "--rpc-port", "18089"))

	f.rpc.healthy.Store(true)
	require.Eventually(t, func() bool { return len(f.launcher.launched(process.P2pool)) == 2 },
		2*time.Second, 5*time.Millisecond)
	second := f.launcher.launched(process.P2pool)[1]
	assert.True(t, hasArgs(second.Args, "--host", "127.0.0.1"))
	assert.True(t, hasArgs(second.Args, "--rpc-port", "18081"))
	assert.True(t, hasArgs(second.Args, "--zmq-port", "18083"))
	assert.Equal(t, f.cfg.LocalNode(), f.m.p2pool.CurrentNode())

	// no further restarts once on the local node
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.launcher.launched(process.P2pool), 2)
}

func TestManager_P2poolStartsOnHealthyLocalNode(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	f.rpc.healthy.Store(true)
	require.NoError(t, f.m.Start(ctx, process.Node))
	f.waitState(t, process.Node, process.Alive)

	require.NoError(t, f.m.Start(ctx, process.P2pool))
	specs := f.launcher.launched(process.P2pool)
	require.Len(t, specs, 1)
	assert.True(t, hasArgs(specs[0].Args, "--host", "127.0.0.1"))
}

func TestManager_P2poolRestartPicksNodeAgain(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	f.rpc.healthy.Store(true)
	require.NoError(t, f.m.Start(ctx, process.Node))
	f.waitState(t, process.Node, process.Alive)
	require.NoError(t, f.m.Start(ctx, process.P2pool))
	f.waitState(t, process.P2pool, process.Syncing)
	require.True(t, hasArgs(f.launcher.launched(process.P2pool)[0].Args, "--host", "127.0.0.1"))

	// the local node goes away: the restart falls back to the configured node
	require.NoError(t, f.m.Stop(process.Node))
	f.waitState(t, process.Node, process.Dead)
	require.NoError(t, f.m.Restart(process.P2pool))
	require.Eventually(t, func() bool { return len(f.launcher.launched(process.P2pool)) == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.True(t, hasArgs(f.launcher.launched(process.P2pool)[1].Args, "--host", "node.example"))
	f.waitState(t, process.P2pool, process.Syncing)

	// the restart re-armed the watcher, so P2Pool returns once the node is back
	require.NoError(t, f.m.Start(ctx, process.Node))
	require.Eventually(t, func() bool { return len(f.launcher.launched(process.P2pool)) == 3 },
		2*time.Second, 5*time.Millisecond)
	assert.True(t, hasArgs(f.launcher.launched(process.P2pool)[2].Args, "--host", "127.0.0.1"))
}

func TestManager_PreferLocalNodeOff(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	f.m.SetPreferLocalNode(false)

	require.NoError(t, f.m.Start(ctx, process.Node))
	require.NoError(t, f.m.Start(ctx, process.P2pool))
	f.rpc.healthy.Store(true)
	f.waitState(t, process.Node, process.Alive)
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, f.launcher.launched(process.P2pool), 1)
}

func TestManager_StatusAll(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	all := f.m.StatusAll()
	require.Len(t, all, len(process.Kinds))
	var names []string
	for _, s := range all {
		names = append(names, s.Daemon)
		assert.Equal(t, "waiting", s.State)
		assert.Zero(t, s.PID)
	}
	assert.Equal(t, []string{"node", "p2pool", "xmrig", "proxy", "xvb"}, names)

	p2, err := f.m.Status(process.P2pool)
	require.NoError(t, err)
	assert.True(t, p2.Stats.(stats.P2pool).PreferLocalNode)

	_, err = f.m.Status(process.Kind(42))
	assert.Error(t, err)
}

func TestManager_XvbRequiresP2pool(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	require.NoError(t, f.m.Start(context.Background(), process.Xvb))
	// private stats are offline, so the in-process daemon reports a failure
	f.waitState(t, process.Xvb, process.Failed)
	assert.Empty(t, f.launcher.launched(process.Xvb))
}

func TestManager_Payouts(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	_, err := f.m.Payouts(context.Background(), 10)
	assert.ErrorIs(t, err, ErrNoLedger)

	sink, err := sqlite.New(":memory:")
	require.NoError(t, err)
	g := newFixture(t, testConfig(t), func(o *Options) { o.Sink = sink })
	g.m.recorder.Payout("p2pool", 0.0042, 3100000)
	require.Eventually(t, func() bool {
		evs, err := g.m.Payouts(context.Background(), 10)
		return err == nil && len(evs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManager_RunAutostartsAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.Autostart = true
	f := newFixture(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.m.Run(ctx) }()
	f.waitState(t, process.Node, process.Syncing)
	assert.Empty(t, f.launcher.launched(process.P2pool))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	require.NoError(t, f.m.Shutdown(sctx))
	assert.True(t, f.m.State(process.Node).Startable())
	assert.Error(t, f.m.Start(context.Background(), process.Node))
	require.NoError(t, f.m.Shutdown(sctx))
}

func hasArgs(args []string, flag, value string) bool {
	i := slices.Index(args, flag)
	return i >= 0 && i+1 < len(args) && args[i+1] == value
}
