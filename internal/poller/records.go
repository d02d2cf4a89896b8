package poller

import (
	"fmt"
	"strconv"
	"strings"
)

// Default contents written over stale P2Pool local API files at start.
const (
	DefaultP2poolLocal = `{"hashrate_15m":0,"hashrate_1h":0,"hashrate_24h":0,"shares_found":0,"average_effort":0.0,"current_effort":0.0,"connections":0}`
	DefaultP2poolP2P   = `{"connections":0,"incoming_connections":0,"peer_list_size":0,"peers":[],"uptime":0}`
)

// P2poolLocal is local/stratum.
type P2poolLocal struct {
	Hashrate15m   uint64  `json:"hashrate_15m"`
	Hashrate1h    uint64  `json:"hashrate_1h"`
	Hashrate24h   uint64  `json:"hashrate_24h"`
	SharesFound   uint64  `json:"shares_found"`
	AverageEffort float64 `json:"average_effort"`
	CurrentEffort float64 `json:"current_effort"`
	Connections   uint32  `json:"connections"`
}

// P2poolP2P is local/p2p.
type P2poolP2P struct {
	Connections   uint32  `json:"connections"`
	ZMQLastActive *uint32 `json:"zmq_last_active"`
}

// NodeConnected is true when the node's ZMQ feed was active in the last two minutes.
func (p P2poolP2P) NodeConnected() bool {
	return p.ZMQLastActive != nil && *p.ZMQLastActive < 120
}

// P2poolNetwork is network/stats.
type P2poolNetwork struct {
	Difficulty uint64 `json:"difficulty"`
	Hash       string `json:"hash"`
	Height     uint32 `json:"height"`
	Reward     uint64 `json:"reward"`
	Timestamp  uint32 `json:"timestamp"`
}

// P2poolPool is pool/stats.
type P2poolPool struct {
	PoolStatistics struct {
		HashRate            uint64 `json:"hashRate"`
		Miners              uint32 `json:"miners"`
		SidechainHeight     uint32 `json:"sidechainHeight"`
		SidechainDifficulty uint64 `json:"sidechainDifficulty"`
	} `json:"pool_statistics"`
}

// XmrigSummary is the subset of /1/summary that is consumed. XMRig reports
// null for hashrate windows it has not filled yet.
type XmrigSummary struct {
	WorkerID  string `json:"worker_id"`
	Resources struct {
		LoadAverage []*float64 `json:"load_average"`
	} `json:"resources"`
	Connection struct {
		Pool     string `json:"pool"`
		Diff     uint64 `json:"diff"`
		Accepted uint64 `json:"accepted"`
		Rejected uint64 `json:"rejected"`
	} `json:"connection"`
	Hashrate struct {
		Total []*float64 `json:"total"`
	} `json:"hashrate"`
}

// HashrateAt returns the i-th hashrate window (10s, 60s, 15m) or 0.
func (s XmrigSummary) HashrateAt(i int) float64 {
	if i < 0 || i >= len(s.Hashrate.Total) || s.Hashrate.Total[i] == nil {
		return 0
	}
	return *s.Hashrate.Total[i]
}

// ProxySummary is XMRig-Proxy's /1/summary with hashrates already in H/s.
type ProxySummary struct {
	Hashrate struct {
		Total []float64 `json:"total"`
	} `json:"hashrate"`
	Miners struct {
		Now uint32 `json:"now"`
		Max uint32 `json:"max"`
	} `json:"miners"`
	Results struct {
		Accepted uint64 `json:"accepted"`
		Rejected uint64 `json:"rejected"`
	} `json:"results"`
}

// HashrateAt returns the i-th window (1m, 10m, 1h, 12h, 24h) or 0.
func (s ProxySummary) HashrateAt(i int) float64 {
	if i < 0 || i >= len(s.Hashrate.Total) {
		return 0
	}
	return s.Hashrate.Total[i]
}

func (s *ProxySummary) normalize() {
	for i := range s.Hashrate.Total {
		s.Hashrate.Total[i] *= 1000
	}
}

// NodeInfo is the get_info JSON-RPC result.
type NodeInfo struct {
	Height                   uint64 `json:"height"`
	TargetHeight             uint64 `json:"target_height"`
	Synchronized             bool   `json:"synchronized"`
	Status                   string `json:"status"`
	Difficulty               uint64 `json:"difficulty"`
	DatabaseSize             uint64 `json:"database_size"`
	FreeSpace                uint64 `json:"free_space"`
	Nettype                  string `json:"nettype"`
	OutgoingConnectionsCount uint32 `json:"outgoing_connections_count"`
	IncomingConnectionsCount uint32 `json:"incoming_connections_count"`
}

// Healthy is the node's readiness condition.
func (n NodeInfo) Healthy() bool { return n.Synchronized && n.Status == "OK" }

// Uint64 accepts a JSON number or a numeric string.
type Uint64 uint64

func (u *Uint64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*u = 0
		return nil
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		*u = Uint64(v)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return fmt.Errorf("not an unsigned number: %s", b)
	}
	*u = Uint64(f)
	return nil
}

// XvbPublic is the public round statistics.
type XvbPublic struct {
	TimeRemain    int       `json:"time_remain"`
	BonusHR       float64   `json:"bonus_hr"`
	DonateHR      float64   `json:"donate_hr"`
	DonateMiners  uint32    `json:"donate_miners"`
	DonateWorkers uint32    `json:"donate_workers"`
	Players       uint32    `json:"players"`
	PlayersRound  uint32    `json:"players_round"`
	Winner        string    `json:"winner"`
	ShareEffort   string    `json:"share_effort"`
	BlockReward   string    `json:"block_reward"`
	RoundType     string    `json:"round_type"`
	BlockHeight   Uint64    `json:"block_height"`
	BlockHash     string    `json:"block_hash"`
	RollWinner    Uint64    `json:"roll_winner"`
	RollRound     Uint64    `json:"roll_round"`
	RewardYearly  []float64 `json:"reward_yearly"`
}

// XvbPrivate is the per-address bonus history.
type XvbPrivate struct {
	Fails        uint8   `json:"fails"`
	Donor1hrAvg  float64 `json:"donor_1hr_avg"`
	Donor24hrAvg float64 `json:"donor_24hr_avg"`
}
