// Package hashvisor embeds the mining stack supervisor: it launches and
// watches monerod, P2Pool, XMRig and XMRig-Proxy, and splits hashrate
// between P2Pool and XvB.
package hashvisor

import (
	"context"
	"net/http"

	"github.com/loykin/hashvisor/internal/config"
	"github.com/loykin/hashvisor/internal/history"
	"github.com/loykin/hashvisor/internal/manager"
	"github.com/loykin/hashvisor/internal/metrics"
	"github.com/loykin/hashvisor/internal/process"
	"github.com/loykin/hashvisor/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type ServerConfig = config.ServerConfig

type Status = manager.Status

type Options = manager.Options

type Kind = process.Kind

type Event = history.Event

type HistorySink = history.Sink

const (
	Node       = process.Node
	P2pool     = process.P2pool
	Xmrig      = process.Xmrig
	XmrigProxy = process.XmrigProxy
	Xvb        = process.Xvb
)

var (
	ErrExistingNode = manager.ErrExistingNode
	ErrNoStdin      = manager.ErrNoStdin
	ErrNoLedger     = manager.ErrNoLedger
)

// Manager is a thin facade over internal/manager.Manager.
type Manager struct{ inner *manager.Manager }

func New(cfg Config, opts Options) (*Manager, error) {
	inner, err := manager.New(&cfg, opts)
	if err != nil {
		return nil, err
	}
	return &Manager{inner: inner}, nil
}

func LoadConfig(path string) (Config, error) { return config.Load(path) }
func DefaultConfig() Config                  { return config.Default() }
func ParseKind(s string) (Kind, error)       { return process.ParseKind(s) }

func (m *Manager) Start(ctx context.Context, k Kind) error { return m.inner.Start(ctx, k) }
func (m *Manager) Stop(k Kind) error                       { return m.inner.Stop(k) }
func (m *Manager) Restart(k Kind) error                    { return m.inner.Restart(k) }
func (m *Manager) Input(k Kind, line string) error         { return m.inner.Input(k, line) }
func (m *Manager) Status(k Kind) (Status, error)           { return m.inner.Status(k) }
func (m *Manager) StatusAll() []Status                     { return m.inner.StatusAll() }
func (m *Manager) SetPreferLocalNode(on bool)              { m.inner.SetPreferLocalNode(on) }
func (m *Manager) Run(ctx context.Context) error           { return m.inner.Run(ctx) }
func (m *Manager) Shutdown(ctx context.Context) error      { return m.inner.Shutdown(ctx) }
func (m *Manager) Payouts(ctx context.Context, limit int) ([]Event, error) {
	return m.inner.Payouts(ctx, limit)
}

// Handler returns the HTTP API rooted at basePath, for mounting in an
// existing gin, echo or net/http server.
func (m *Manager) Handler(basePath string) http.Handler {
	return server.NewRouter(m.inner, basePath).Handler()
}

// NewHTTPServer starts a server exposing the API; TLS follows cfg.TLS.
func NewHTTPServer(cfg ServerConfig, m *Manager) (*http.Server, error) {
	return server.NewServer(cfg, m.inner, false)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
