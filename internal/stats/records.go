package stats

import (
	"time"

	"github.com/loykin/hashvisor/internal/parser"
	"github.com/loykin/hashvisor/internal/poller"
	"github.com/loykin/hashvisor/internal/pool"
)

// MoneroBlockTime is the target block interval used for network hashrate.
const MoneroBlockTime = 120

type Node struct {
	Uptime       time.Duration `json:"uptime"`
	Height       uint64        `json:"height"`
	TargetHeight uint64        `json:"target_height"`
	Synchronized bool          `json:"synchronized"`
	Status       string        `json:"status"`
	Difficulty   uint64        `json:"difficulty"`
	DatabaseSize uint64        `json:"database_size"`
	FreeSpace    uint64        `json:"free_space"`
	Nettype      string        `json:"nettype"`
	Outgoing     uint32        `json:"outgoing_connections"`
	Incoming     uint32        `json:"incoming_connections"`
}

func NewNode() Node { return Node{} }

func (n *Node) FoldInfo(info poller.NodeInfo) {
	n.Height = info.Height
	n.TargetHeight = info.TargetHeight
	n.Synchronized = info.Synchronized
	n.Status = info.Status
	n.Difficulty = info.Difficulty
	n.DatabaseSize = info.DatabaseSize
	n.FreeSpace = info.FreeSpace
	n.Nettype = info.Nettype
	n.Outgoing = info.OutgoingConnectionsCount
	n.Incoming = info.IncomingConnectionsCount
}

// P2pool pointer fields are shared between the two copies after a Publish,
// so writers replace them and never mutate through them.
type P2pool struct {
	Uptime time.Duration `json:"uptime"`

	// parsed from console output
	Payouts      uint64  `json:"payouts"`
	PayoutsHour  float64 `json:"payouts_hour"`
	PayoutsDay   float64 `json:"payouts_day"`
	PayoutsMonth float64 `json:"payouts_month"`
	XMR          float64 `json:"xmr"`
	XMRHour      float64 `json:"xmr_hour"`
	XMRDay       float64 `json:"xmr_day"`
	XMRMonth     float64 `json:"xmr_month"`

	// local/stratum
	Hashrate15m   uint64  `json:"hashrate_15m"`
	Hashrate1h    uint64  `json:"hashrate_1h"`
	Hashrate24h   uint64  `json:"hashrate_24h"`
	SharesFound   *uint64 `json:"shares_found,omitempty"`
	AverageEffort float64 `json:"average_effort"`
	CurrentEffort float64 `json:"current_effort"`
	Connections   uint32  `json:"connections"`

	// network/stats and pool/stats
	MoneroDifficulty  uint64        `json:"monero_difficulty"`
	MoneroHashrate    uint64        `json:"monero_hashrate"`
	Hash              string        `json:"hash"`
	Height            uint32        `json:"height"`
	Reward            uint64        `json:"reward"`
	P2poolDifficulty  uint64        `json:"p2pool_difficulty"`
	P2poolHashrate    uint64        `json:"p2pool_hashrate"`
	Miners            uint32        `json:"miners"`
	SidechainHeight   uint32        `json:"sidechain_height"`
	SoloBlockMean     time.Duration `json:"solo_block_mean"`
	P2poolBlockMean   time.Duration `json:"p2pool_block_mean"`
	P2poolShareMean   time.Duration `json:"p2pool_share_mean"`
	P2poolPercent     float64       `json:"p2pool_percent"`
	UserP2poolPercent float64       `json:"user_p2pool_percent"`
	UserMoneroPercent float64       `json:"user_monero_percent"`

	// local/p2p
	P2PConnected  uint32 `json:"p2p_connected"`
	NodeConnected bool   `json:"node_connected"`

	// FailsZMQSince counts ticks since the last ZMQ failure; nil when clear.
	FailsZMQSince *uint32 `json:"fails_zmq_since,omitempty"`

	// Owned by the published copy.
	Tick               uint8        `json:"tick"`
	SidechainShares    uint32       `json:"sidechain_shares"`
	SidechainEHR       float64      `json:"sidechain_ehr"`
	PreferLocalNode    bool         `json:"prefer_local_node"`
	CurrentNode        *parser.Node `json:"current_node,omitempty"`
	WindowLengthBlocks *uint64      `json:"window_length_blocks,omitempty"`
}

func NewP2pool() P2pool { return P2pool{Hash: "???", PreferLocalNode: true} }

// KeepSticky returns p with the fields owned by the published copy taken from it.
func (p P2pool) KeepSticky(published P2pool) P2pool {
	p.Tick = published.Tick
	p.SidechainShares = published.SidechainShares
	p.SidechainEHR = published.SidechainEHR
	p.PreferLocalNode = published.PreferLocalNode
	p.CurrentNode = published.CurrentNode
	p.WindowLengthBlocks = published.WindowLengthBlocks
	return p
}

// CarryPreference keeps the user's prefer-local-node choice across a reset.
func CarryPreference(old P2pool, fresh *P2pool) { fresh.PreferLocalNode = old.PreferLocalNode }

// TickFailure advances the ZMQ failure counter; it clears after five ticks.
func (p *P2pool) TickFailure() {
	if p.FailsZMQSince == nil {
		return
	}
	next := *p.FailsZMQSince + 1
	if next >= 5 {
		p.FailsZMQSince = nil
		return
	}
	p.FailsZMQSince = &next
}

// MarkFailure records a ZMQ failure seen this tick.
func (p *P2pool) MarkFailure() {
	zero := uint32(0)
	p.FailsZMQSince = &zero
}

// FoldPayouts adds newly seen payouts and recomputes the per-period rates
// over the elapsed uptime.
func (p *P2pool) FoldPayouts(count int, xmr float64, elapsed time.Duration) {
	p.Payouts += uint64(count)
	p.XMR += xmr
	p.Uptime = elapsed
	secs := elapsed.Seconds()
	if secs <= 0 {
		return
	}
	p.PayoutsHour = float64(p.Payouts) / secs * 3600
	p.PayoutsDay = p.PayoutsHour * 24
	p.PayoutsMonth = p.PayoutsDay * 30
	p.XMRHour = p.XMR / secs * 3600
	p.XMRDay = p.XMRHour * 24
	p.XMRMonth = p.XMRDay * 30
}

func (p *P2pool) FoldLocal(l poller.P2poolLocal) {
	p.Hashrate15m = l.Hashrate15m
	p.Hashrate1h = l.Hashrate1h
	p.Hashrate24h = l.Hashrate24h
	shares := l.SharesFound
	p.SharesFound = &shares
	p.AverageEffort = l.AverageEffort
	p.CurrentEffort = l.CurrentEffort
	p.Connections = l.Connections
}

func (p *P2pool) FoldP2P(l poller.P2poolP2P) {
	p.P2PConnected = l.Connections
	p.NodeConnected = l.NodeConnected()
}

// FoldNetworkPool folds network/stats and pool/stats and derives the means
// and dominance figures from the user's 1h hashrate.
func (p *P2pool) FoldNetworkPool(net poller.P2poolNetwork, pl poller.P2poolPool) {
	user := p.Hashrate1h
	p.MoneroDifficulty = net.Difficulty
	p.MoneroHashrate = net.Difficulty / MoneroBlockTime
	p.Hash = net.Hash
	p.Height = net.Height
	p.Reward = net.Reward
	p.P2poolHashrate = pl.PoolStatistics.HashRate
	p.P2poolDifficulty = pl.PoolStatistics.SidechainDifficulty
	p.Miners = pl.PoolStatistics.Miners
	p.SidechainHeight = pl.PoolStatistics.SidechainHeight

	p.P2poolBlockMean, p.UserP2poolPercent = 0, 0
	if p.P2poolHashrate > 0 {
		p.P2poolBlockMean = time.Duration(p.MoneroDifficulty/p.P2poolHashrate) * time.Second
		p.UserP2poolPercent = float64(user) / float64(p.P2poolHashrate) * 100
	}
	p.P2poolPercent, p.UserMoneroPercent = 0, 0
	if p.MoneroHashrate > 0 {
		p.P2poolPercent = float64(p.P2poolHashrate) / float64(p.MoneroHashrate) * 100
		p.UserMoneroPercent = float64(user) / float64(p.MoneroHashrate) * 100
	}
	p.SoloBlockMean, p.P2poolShareMean = 0, 0
	if user > 0 {
		p.SoloBlockMean = time.Duration(p.MoneroDifficulty/user) * time.Second
		p.P2poolShareMean = time.Duration(p.P2poolDifficulty/user) * time.Second
	}
}

// Healthy is the promotion condition: every input must hold at once.
func (p P2pool) Healthy() bool {
	return p.NodeConnected && p.P2PConnected > 1 && p.SidechainHeight > 1000 && p.FailsZMQSince == nil
}

type Xmrig struct {
	Uptime      time.Duration `json:"uptime"`
	WorkerID    string        `json:"worker_id"`
	LoadAverage []float64     `json:"load_average"`
	Hashrate10s float64       `json:"hashrate_10s"`
	Hashrate1m  float64       `json:"hashrate_1m"`
	Hashrate15m float64       `json:"hashrate_15m"`
	Diff        uint64        `json:"diff"`
	Accepted    uint64        `json:"accepted"`
	Rejected    uint64        `json:"rejected"`
	Pool        pool.Pool     `json:"pool"`
}

func NewXmrig() Xmrig { return Xmrig{WorkerID: "???"} }

func (x *Xmrig) FoldSummary(s poller.XmrigSummary) {
	x.WorkerID = s.WorkerID
	load := make([]float64, len(s.Resources.LoadAverage))
	for i, v := range s.Resources.LoadAverage {
		if v != nil {
			load[i] = *v
		}
	}
	x.LoadAverage = load
	x.Hashrate10s = s.HashrateAt(0)
	x.Hashrate1m = s.HashrateAt(1)
	x.Hashrate15m = s.HashrateAt(len(s.Hashrate.Total) - 1)
	x.Diff = s.Connection.Diff
	x.Accepted = s.Connection.Accepted
	x.Rejected = s.Connection.Rejected
}

type Proxy struct {
	Uptime      time.Duration `json:"uptime"`
	Accepted    uint64        `json:"accepted"`
	Rejected    uint64        `json:"rejected"`
	Hashrate1m  float64       `json:"hashrate_1m"`
	Hashrate10m float64       `json:"hashrate_10m"`
	Hashrate1h  float64       `json:"hashrate_1h"`
	Hashrate12h float64       `json:"hashrate_12h"`
	Hashrate24h float64       `json:"hashrate_24h"`
	Miners      uint32        `json:"miners"`
	Pool        pool.Pool     `json:"pool"`
}

func NewProxy() Proxy { return Proxy{} }

func (x *Proxy) FoldSummary(s poller.ProxySummary) {
	x.Accepted = s.Results.Accepted
	x.Rejected = s.Results.Rejected
	x.Hashrate1m = s.HashrateAt(0)
	x.Hashrate10m = s.HashrateAt(1)
	x.Hashrate1h = s.HashrateAt(2)
	x.Hashrate12h = s.HashrateAt(3)
	x.Hashrate24h = s.HashrateAt(4)
	x.Miners = s.Miners.Now
}

type Xvb struct {
	Uptime       time.Duration    `json:"uptime"`
	Public       poller.XvbPublic `json:"public"`
	Fails        uint8            `json:"fails"`
	Donor1hrAvg  float64          `json:"donor_1hr_avg"`
	Donor24hrAvg float64          `json:"donor_24hr_avg"`
	// Pool is the arbitration pool chosen by the last decision.
	Pool pool.Pool `json:"pool"`
	// MiningOn is where the engine is sent in the current slice of the cycle.
	MiningOn       pool.Pool     `json:"mining_on"`
	XvbShare       time.Duration `json:"xvb_share"`
	TimeSwitchPool time.Duration `json:"time_switch_pool"`
	RuntimeMode    string        `json:"runtime_mode"`
	Indicator      string        `json:"indicator"`
}

func NewXvb() Xvb { return Xvb{Pool: pool.EU} }

func (x *Xvb) FoldPrivate(p poller.XvbPrivate) {
	x.Fails = p.Fails
	x.Donor1hrAvg = p.Donor1hrAvg
	x.Donor24hrAvg = p.Donor24hrAvg
}
