package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/hashvisor/internal/metrics"
	"github.com/loykin/hashvisor/internal/parser"
	"github.com/loykin/hashvisor/internal/poller"
	"github.com/loykin/hashvisor/internal/process"
	"github.com/loykin/hashvisor/internal/stats"
)

// StatusInterval is how often P2Pool is asked to print its status block.
const StatusInterval = 60 * time.Second

// P2poolFiles locates the status files P2Pool writes under its data API dir.
type P2poolFiles struct {
	Dir string
}

func (f P2poolFiles) Local() string   { return filepath.Join(f.Dir, "local", "stratum") }
func (f P2poolFiles) P2P() string     { return filepath.Join(f.Dir, "local", "p2p") }
func (f P2poolFiles) Network() string { return filepath.Join(f.Dir, "network", "stats") }
func (f P2poolFiles) Pool() string    { return filepath.Join(f.Dir, "pool", "stats") }

// P2pool supervises the P2Pool relay. Its statistics come from three places:
// console text scanned each tick, the hidden status block parsed by the
// stream protocol, and the JSON files under the data API directory.
type P2pool struct {
	Board  *stats.Board[stats.P2pool]
	Files  *poller.Files
	API    P2poolFiles
	Launch process.Spec
	// Node is the node P2Pool was started against.
	Node     parser.Node
	OnPayout func(parser.Payout)
	Log      *slog.Logger

	mu          sync.Mutex
	lastNetwork time.Time
	lastStatus  time.Time
}

func (p *P2pool) Kind() process.Kind { return process.P2pool }

func (p *P2pool) Reset() {
	p.Board.Reset(stats.CarryPreference)
	node := p.CurrentNode()
	p.Board.UpdatePublished(func(s *stats.P2pool) { s.CurrentNode = &node })
	p.lastNetwork = time.Now()
	p.lastStatus = time.Time{}
	if p.Files == nil {
		return
	}
	for path, content := range map[string]string{
		p.API.Local(): poller.DefaultP2poolLocal,
		p.API.P2P():   poller.DefaultP2poolP2P,
	} {
		if err := p.Files.Reset(path, content); err != nil {
			logger(p.Log).Warn("cannot reset stale status file", "path", path, "error", err)
		}
	}
	for _, path := range []string{p.API.Local(), p.API.P2P(), p.API.Network(), p.API.Pool()} {
		p.Files.Watch(path)
	}
}

func (p *P2pool) Spec() (process.Spec, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Launch, true, nil
}

// Use points the next launch at node. The running P2Pool is unaffected until
// it restarts.
func (p *P2pool) Use(node parser.Node, launch process.Spec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Node = node
	p.Launch = launch
}

// CurrentNode is the node the latest launch was configured with.
func (p *P2pool) CurrentNode() parser.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Node
}

func (p *P2pool) Protocol() parser.Protocol { return &parser.P2poolProtocol{} }

func (p *P2pool) Running() process.State { return process.Syncing }

func (p *P2pool) Output() Output { return p.Board }

func (p *P2pool) Tick(_ context.Context, t *Tick) {
	log := logger(p.Log)
	p.applyEvents(t.Events)

	scan := parser.ScanP2pool(t.Text)
	local, okLocal := readStatus[poller.P2poolLocal](p, p.API.Local())
	p2p, okP2P := readStatus[poller.P2poolP2P](p, p.API.P2P())
	network, okNetwork := readStatus[poller.P2poolNetwork](p, p.API.Network())
	pl, okPool := readStatus[poller.P2poolPool](p, p.API.Pool())

	var healthy bool
	var hashrate uint64
	p.Board.Update(func(s *stats.P2pool) {
		s.TickFailure()
		if scan.ZMQFailure {
			s.MarkFailure()
		}
		s.FoldPayouts(len(scan.Payouts), scan.Total(), t.Uptime)
		if okLocal {
			s.FoldLocal(local)
		}
		if okP2P {
			s.FoldP2P(p2p)
		}
		if okNetwork && okPool {
			s.FoldNetworkPool(network, pl)
		}
		healthy = s.Healthy()
		hashrate = s.Hashrate15m
	})
	if okNetwork && okPool {
		p.lastNetwork = time.Now()
	}
	tick := uint8(int(time.Since(p.lastNetwork).Seconds()) % 60)
	p.Board.UpdatePublished(func(s *stats.P2pool) { s.Tick = tick })

	if scan.ZMQFailure {
		log.Warn("zmq failure reported by p2pool")
	}
	if n := len(scan.Payouts); n > 0 {
		log.Info("payout received", "count", n, "xmr", scan.Total())
		metrics.AddPayouts(n, scan.Total())
		if p.OnPayout != nil {
			for _, po := range scan.Payouts {
				p.OnPayout(po)
			}
		}
	}
	metrics.SetHashrate(process.P2pool.Slug(), "15m", float64(hashrate))

	promote(t.Record, healthy)

	if t.Record.State() == process.Alive && t.Stdin != nil &&
		(t.First || p.lastStatus.IsZero() || time.Since(p.lastStatus) >= StatusInterval) {
		if err := writeLine(t.Stdin, parser.StatusCommand); err != nil {
			log.Warn("status command write failed", "error", err)
		}
		p.lastStatus = time.Now()
	}
}

func (p *P2pool) applyEvents(events []parser.Event) {
	if len(events) == 0 {
		return
	}
	p.Board.UpdatePublished(func(s *stats.P2pool) {
		for _, e := range events {
			switch e := e.(type) {
			case parser.NodeChanged:
				node := e.Node
				s.CurrentNode = &node
			case parser.StatusHashrate:
				s.SidechainEHR = e.HPS
			case parser.StatusShares:
				s.SidechainShares = e.Shares
			case parser.StatusWindow:
				blocks := e.Blocks
				s.WindowLengthBlocks = &blocks
			}
		}
	})
}

// readStatus decodes one status file when it changed since the last read.
// Missing files are expected while P2Pool starts.
func readStatus[T any](p *P2pool, path string) (T, bool) {
	var out T
	if p.Files == nil || !p.Files.Changed(path) {
		return out, false
	}
	if err := p.Files.ReadJSON(path, &out); err != nil {
		if !errors.Is(err, poller.ErrMissing) {
			logger(p.Log).Debug("status file unreadable", "path", path, "error", err)
			metrics.IncPollError(process.P2pool.Slug(), "file")
		}
		return out, false
	}
	return out, true
}
