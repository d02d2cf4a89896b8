// Package manager wires the five watchdogs into one fleet. It owns the
// records, boards and runners, answers the cross-daemon questions the
// watchdogs ask, records history and runs the publish loop.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/hashvisor/internal/arbiter"
	"github.com/loykin/hashvisor/internal/config"
	"github.com/loykin/hashvisor/internal/detector"
	"github.com/loykin/hashvisor/internal/env"
	"github.com/loykin/hashvisor/internal/history"
	"github.com/loykin/hashvisor/internal/history/factory"
	"github.com/loykin/hashvisor/internal/metrics"
	"github.com/loykin/hashvisor/internal/parser"
	"github.com/loykin/hashvisor/internal/poller"
	"github.com/loykin/hashvisor/internal/pool"
	"github.com/loykin/hashvisor/internal/process"
	"github.com/loykin/hashvisor/internal/stats"
	"github.com/loykin/hashvisor/internal/watchdog"
)

const (
	DefaultPublishInterval   = time.Second
	DefaultNodeWatchDelay    = 10 * time.Second
	DefaultNodeWatchInterval = time.Second
)

var (
	// ErrExistingNode is returned when a node started elsewhere is detected.
	ErrExistingNode = errors.New("a node is already running outside the supervisor")
	// ErrNoStdin is returned by Input for in-process daemons.
	ErrNoStdin = errors.New("daemon does not accept console input")
	// ErrNoLedger is returned by Payouts when the history sink cannot read back.
	ErrNoLedger = errors.New("history sink does not keep a payout ledger")
)

// ProxyClient is the XMRig-Proxy API: summaries and pool reconfiguration.
type ProxyClient interface {
	watchdog.ProxyClient
	arbiter.Reconfigurer
}

// Options replaces the production collaborators. Zero fields get the real
// implementation built from the config.
type Options struct {
	Logger   *slog.Logger
	Launcher watchdog.Launcher
	Sink     history.Sink
	Dialer   arbiter.Dialer
	NodeRPC  watchdog.NodeInfoer
	XmrigAPI watchdog.XmrigClient
	ProxyAPI ProxyClient
	XvbAPI   watchdog.XvbClient
	// Existing detects a node started outside the supervisor.
	Existing detector.Detector

	PublishInterval   time.Duration
	NodeWatchDelay    time.Duration
	NodeWatchInterval time.Duration
}

type Manager struct {
	cfg *config.Config
	log *slog.Logger
	env *env.Env

	nodeBoard   *stats.Board[stats.Node]
	p2poolBoard *stats.Board[stats.P2pool]
	xmrigBoard  *stats.Board[stats.Xmrig]
	proxyBoard  *stats.Board[stats.Proxy]
	xvbBoard    *stats.Board[stats.Xvb]

	p2pool   *watchdog.P2pool
	runners  map[process.Kind]*watchdog.Runner
	files    *poller.Files
	recorder *history.Recorder
	ledger   history.Ledger
	procs    *metrics.ProcessMetricsCollector
	existing detector.Detector
	closers  []io.Closer

	publishInterval   time.Duration
	nodeWatchDelay    time.Duration
	nodeWatchInterval time.Duration

	mu         sync.Mutex
	stopWatch  context.CancelFunc
	lastStates map[process.Kind]process.State
	closed     bool
}

// New builds the fleet from cfg. Nothing is started until Start or Run.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	e, err := cfg.Environment()
	if err != nil {
		return nil, fmt.Errorf("build environment: %w", err)
	}
	mode, err := arbiter.ParseMode(cfg.Xvb.Mode)
	if err != nil {
		return nil, err
	}
	level, err := arbiter.ParseLevel(cfg.Xvb.Level)
	if err != nil {
		return nil, err
	}
	pin, err := cfg.XvbPin()
	if err != nil {
		return nil, fmt.Errorf("xvb.pin: %w", err)
	}

	m := &Manager{
		cfg:               cfg,
		log:               log,
		env:               e,
		nodeBoard:         stats.NewBoard(stats.NewNode),
		p2poolBoard:       stats.NewBoard(stats.NewP2pool),
		xmrigBoard:        stats.NewBoard(stats.NewXmrig),
		proxyBoard:        stats.NewBoard(stats.NewProxy),
		xvbBoard:          stats.NewBoard(stats.NewXvb),
		runners:           make(map[process.Kind]*watchdog.Runner, len(process.Kinds)),
		lastStates:        make(map[process.Kind]process.State, len(process.Kinds)),
		publishInterval:   valOr(opts.PublishInterval, DefaultPublishInterval),
		nodeWatchDelay:    valOr(opts.NodeWatchDelay, DefaultNodeWatchDelay),
		nodeWatchInterval: valOr(opts.NodeWatchInterval, DefaultNodeWatchInterval),
		existing:          opts.Existing,
	}
	prefer := cfg.P2pool.PreferLocalNode
	m.p2poolBoard.UpdatePublished(func(s *stats.P2pool) { s.PreferLocalNode = prefer })
	m.p2poolBoard.Update(func(s *stats.P2pool) { s.PreferLocalNode = prefer })

	if m.existing == nil {
		m.existing = detector.ExistingNode(cfg.Node.Binary, cfg.Node.RPCPort)
	}

	sink := opts.Sink
	if sink == nil && cfg.History.Enabled {
		if sink, err = factory.NewSinkFromDSN(cfg.History.DSN); err != nil {
			return nil, fmt.Errorf("open history sink: %w", err)
		}
	}
	if sink != nil {
		m.recorder = history.NewRecorder(sink, cfg.History.Buffer, log)
		m.ledger, _ = sink.(history.Ledger)
	}

	if cfg.Metrics.Process.Enabled {
		m.procs = metrics.NewProcessMetricsCollector(metrics.ProcessMetricsConfig{
			Enabled:    true,
			Interval:   cfg.Metrics.Process.Interval.Std(),
			MaxHistory: cfg.Metrics.Process.MaxHistory,
		})
	}

	m.build(opts, mode, level, pin)
	return m, nil
}

func (m *Manager) build(opts Options, mode arbiter.Mode, level arbiter.Level, pin pool.Pool) {
	cfg := m.cfg
	launcher := opts.Launcher
	if launcher == nil {
		launcher = process.PTYLauncher{}
	}
	nodeRPC := opts.NodeRPC
	if nodeRPC == nil {
		nodeRPC = poller.NewNodeRPC(cfg.NodeRPCURL())
	}
	xmrigAPI := opts.XmrigAPI
	if xmrigAPI == nil {
		xmrigAPI = poller.NewXmrigAPI(cfg.XmrigAPIURL(), cfg.Xmrig.Token, cfg.P2pool.Address)
	}
	proxyAPI := opts.ProxyAPI
	if proxyAPI == nil {
		proxyAPI = poller.NewXmrigAPI(cfg.ProxyAPIURL(), cfg.Proxy.Token, cfg.P2pool.Address)
	}
	xvbAPI := opts.XvbAPI
	if xvbAPI == nil {
		api := poller.NewXvbAPI()
		if cfg.Xvb.PublicURL != "" {
			api.PublicURL = cfg.Xvb.PublicURL
		}
		if cfg.Xvb.PrivateURL != "" {
			api.PrivateURL = cfg.Xvb.PrivateURL
		}
		xvbAPI = api
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	records := make(map[process.Kind]*process.Record, len(process.Kinds))
	for _, k := range process.Kinds {
		records[k] = process.NewRecord(k)
	}
	logFor := func(k process.Kind) *slog.Logger { return m.log.With("daemon", k.Slug()) }
	p2poolPort := cfg.P2pool.StratumPort

	node := &watchdog.Node{
		Board:  m.nodeBoard,
		RPC:    nodeRPC,
		Launch: cfg.NodeSpec(m.env),
		Log:    logFor(process.Node),
	}

	m.files = poller.NewFiles(logFor(process.P2pool))
	m.p2pool = &watchdog.P2pool{
		Board: m.p2poolBoard,
		Files: m.files,
		API:   watchdog.P2poolFiles{Dir: cfg.P2poolAPIDir()},
		Log:   logFor(process.P2pool),
		OnPayout: func(p parser.Payout) {
			m.recorder.Payout(process.P2pool.Slug(), p.Amount, p.Block)
		},
	}
	target := cfg.P2poolNode()
	m.p2pool.Use(target, cfg.P2poolSpec(m.env, target))

	xmrigSpec := cfg.XmrigSpec(m.env)
	xmrig := &watchdog.Xmrig{
		Board:          m.xmrigBoard,
		API:            xmrigAPI,
		Launch:         xmrigSpec,
		Fleet:          m,
		HideUntilAbout: xmrigSpec.Privileged,
		ProxyPort:      cfg.Proxy.BindPort,
		P2poolPort:     p2poolPort,
		Log:            logFor(process.Xmrig),
	}

	proxy := &watchdog.Proxy{
		Board:      m.proxyBoard,
		API:        proxyAPI,
		Launch:     cfg.ProxySpec(m.env),
		Fleet:      m,
		Xmrig:      xmrigAPI,
		XmrigPool:  func() pool.Pool { return m.xmrigBoard.Live().Stats.Pool },
		Redirect:   cfg.Proxy.Redirect,
		BindPort:   cfg.Proxy.BindPort,
		P2poolPort: p2poolPort,
		Log:        logFor(process.XmrigProxy),
	}

	engine := arbiter.NewEngine(records[process.Xvb], m.xvbBoard, logFor(process.Xvb))
	engine.Dialer = dialer
	engine.Timeout = cfg.Xvb.ProbeTimeout.Std()
	engine.Pin = pin
	engine.Fallback = func() pool.Pool { return pool.NewP2pool(p2poolPort) }

	xvb := &watchdog.Xvb{
		Board:        m.xvbBoard,
		Engine:       engine,
		API:          xvbAPI,
		Address:      cfg.P2pool.Address,
		Fleet:        m,
		Mode:         mode,
		ManualAmount: cfg.Xvb.ManualAmount,
		Level:        level,
		P2poolBoard:  m.p2poolBoard,
		XmrigBoard:   m.xmrigBoard,
		ProxyBoard:   m.proxyBoard,
		Xmrig:        xmrigAPI,
		Proxy:        proxyAPI,
		P2poolPort:   p2poolPort,
		OnSwitch: func(from, to pool.Pool) {
			m.recorder.PoolSwitch(process.Xvb.Slug(), from.String(), to.String())
		},
		Log: logFor(process.Xvb),
	}

	daemons := []watchdog.Daemon{node, m.p2pool, xmrig, proxy, xvb}
	for _, d := range daemons {
		k := d.Kind()
		r := watchdog.NewRunner(d, records[k], launcher, m.log)
		r.Interval = cfg.Tick.Std()
		r.RestartPoll = cfg.Tick.Std()
		if w := cfg.Log.ConsoleWriter(k.Slug()); w != nil {
			r.Console = w
			m.closers = append(m.closers, w)
		}
		r.OnStart = func(kind process.Kind, pid int) { m.recorder.Start(kind.Slug(), pid) }
		r.OnExit = func(e watchdog.Exit) {
			m.recorder.Stop(e.Kind.Slug(), e.PID, e.Uptime, e.Status)
		}
		m.runners[k] = r
		m.lastStates[k] = process.Waiting
	}
}

// State implements watchdog.Fleet.
func (m *Manager) State(k process.Kind) process.State {
	r, ok := m.runners[k]
	if !ok {
		return process.Waiting
	}
	return r.Record().State()
}

func (m *Manager) runner(k process.Kind) (*watchdog.Runner, error) {
	r, ok := m.runners[k]
	if !ok {
		return nil, fmt.Errorf("unknown daemon %d", int(k))
	}
	return r, nil
}

// Start launches one daemon. Starting the node is refused while another
// monerod is detected.
func (m *Manager) Start(ctx context.Context, k process.Kind) error {
	r, err := m.runner(k)
	if err != nil {
		return err
	}
	switch k {
	case process.Node:
		if err := m.checkExistingNode(ctx, r); err != nil {
			return err
		}
	case process.P2pool:
		target := m.p2poolTarget()
		m.p2pool.Use(target, m.cfg.P2poolSpec(m.env, target))
	}
	if err := r.Start(); err != nil {
		return err
	}
	if k == process.P2pool && !m.cfg.P2pool.LocalNode {
		m.watchLocalNode()
	}
	return nil
}

func (m *Manager) checkExistingNode(ctx context.Context, r *watchdog.Runner) error {
	if !m.cfg.Node.DetectExisting {
		return nil
	}
	if !r.Record().State().Startable() {
		return watchdog.ErrBusy
	}
	alive, err := m.existing.Alive(ctx)
	if err != nil {
		m.log.Warn("existing node detection failed", "error", err)
		return nil
	}
	if alive {
		r.Record().Console("A node is already running on this machine, it will not be started a second time")
		return fmt.Errorf("%w (%s)", ErrExistingNode, m.existing.Describe())
	}
	return nil
}

// p2poolTarget is the node P2Pool should start against: the local node when
// it is preferred and healthy, the configured one otherwise.
func (m *Manager) p2poolTarget() parser.Node {
	if m.preferLocal() && m.State(process.Node) == process.Alive {
		return m.cfg.LocalNode()
	}
	return m.cfg.P2poolNode()
}

func (m *Manager) preferLocal() bool {
	return m.p2poolBoard.Published().Stats.PreferLocalNode
}

// SetPreferLocalNode toggles whether P2Pool moves to the local node once it
// is synchronized.
func (m *Manager) SetPreferLocalNode(on bool) {
	m.p2poolBoard.UpdatePublished(func(s *stats.P2pool) { s.PreferLocalNode = on })
}

// Stop asks a daemon to terminate on its next tick.
func (m *Manager) Stop(k process.Kind) error {
	r, err := m.runner(k)
	if err != nil {
		return err
	}
	if k == process.P2pool {
		m.cancelWatch()
	}
	return r.Stop()
}

// Restart stops and starts a daemon again. Requests made while a restart is
// pending are merged into it. P2Pool picks its node again as on Start.
func (m *Manager) Restart(k process.Kind) error {
	r, err := m.runner(k)
	if err != nil {
		return err
	}
	if k == process.P2pool {
		target := m.p2poolTarget()
		m.p2pool.Use(target, m.cfg.P2poolSpec(m.env, target))
	}
	r.Restart()
	if k == process.P2pool && !m.cfg.P2pool.LocalNode {
		m.watchLocalNode()
	}
	return nil
}

// Input queues a console line for the daemon's stdin.
func (m *Manager) Input(k process.Kind, line string) error {
	r, err := m.runner(k)
	if err != nil {
		return err
	}
	if !k.HasProcess() {
		return ErrNoStdin
	}
	if !r.Record().IsAlive() {
		return watchdog.ErrNotRunning
	}
	r.Record().QueueInput(line)
	return nil
}

// Payouts reads the payout ledger of the history sink.
func (m *Manager) Payouts(ctx context.Context, limit int) ([]history.Event, error) {
	if m.ledger == nil {
		return nil, ErrNoLedger
	}
	return m.ledger.Payouts(ctx, limit)
}

// ProcessMetrics returns the CPU and memory collector, nil when disabled.
func (m *Manager) ProcessMetrics() *metrics.ProcessMetricsCollector { return m.procs }

// Run autostarts the configured daemons and publishes snapshots until ctx
// is done. It does not stop the daemons; call Shutdown for that.
func (m *Manager) Run(ctx context.Context) error {
	autostart := map[process.Kind]bool{
		process.Node:       m.cfg.Node.Autostart,
		process.P2pool:     m.cfg.P2pool.Autostart,
		process.Xmrig:      m.cfg.Xmrig.Autostart,
		process.XmrigProxy: m.cfg.Proxy.Autostart,
		process.Xvb:        m.cfg.Xvb.Autostart,
	}
	for _, k := range process.Kinds {
		if !autostart[k] {
			continue
		}
		if err := m.Start(ctx, k); err != nil {
			m.log.Error("autostart failed", "daemon", k.Slug(), "error", err)
		}
	}
	if m.procs != nil {
		m.procs.Start(ctx, m.pids)
	}

	t := time.NewTicker(m.publishInterval)
	defer t.Stop()
	for {
		m.PublishAll()
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// PublishAll copies every live snapshot into its published copy.
func (m *Manager) PublishAll() {
	m.nodeBoard.Publish()
	m.p2poolBoard.Publish()
	m.xmrigBoard.Publish()
	m.proxyBoard.Publish()
	m.xvbBoard.Publish()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range process.Kinds {
		cur := m.State(k)
		prev := m.lastStates[k]
		if cur == prev {
			continue
		}
		m.lastStates[k] = cur
		metrics.RecordStateTransition(k.Slug(), prev.String(), cur.String())
		metrics.SetCurrentState(k.Slug(), cur.String(), stateNames)
	}
}

func (m *Manager) pids() map[string]int32 {
	out := make(map[string]int32, len(m.runners))
	for k, r := range m.runners {
		rec := r.Record()
		if pid := rec.PID(); pid > 0 && rec.IsAlive() {
			out[k.Slug()] = int32(pid)
		}
	}
	return out
}

// Shutdown terminates every daemon and releases the history sink, the file
// watcher and the console logs. It returns ctx's error when the daemons did
// not all stop in time.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.cancelWatch()
	if m.procs != nil {
		m.procs.Stop()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		for _, r := range m.runners {
			g.Go(func() error {
				r.Close()
				return nil
			})
		}
		_ = g.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.PublishAll()

	var errs []error
	if err := m.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close history: %w", err))
	}
	if err := m.files.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close status watcher: %w", err))
	}
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var stateNames = func() []string {
	var out []string
	for s := process.Waiting; s <= process.OfflinePoolsAll; s++ {
		out = append(out, s.String())
	}
	return out
}()

func valOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
