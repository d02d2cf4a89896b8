package arbiter

import (
	"fmt"
	"strings"
	"time"

	"github.com/loykin/hashvisor/internal/pool"
)

const (
	// Cycle is the period over which hashrate is split between pools.
	Cycle = 60 * time.Second
	// SideMargin is added on top of every hashrate target.
	SideMargin = 0.2
	// MinSlice is the shortest slice worth switching pools for.
	MinSlice = time.Second
	// DefaultWindowBlocks is used until P2Pool reports its PPLNS window.
	DefaultWindowBlocks = 2160
	// SidechainBlockTime is the P2Pool main chain share interval.
	SidechainBlockTime = 10 * time.Second
)

// Mode is the arbitration policy.
type Mode int

const (
	Auto Mode = iota
	Hero
	ManualXvb
	ManualP2pool
	ManualDonationLevel
)

var modeNames = map[Mode]string{
	Auto:                "auto",
	Hero:                "hero",
	ManualXvb:           "manual_xvb",
	ManualP2pool:        "manual_p2pool",
	ManualDonationLevel: "manual_donation_level",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Auto, nil
	}
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return Auto, fmt.Errorf("unknown arbitration mode %q", s)
}

// Level is a donation tier of the arbitration pools.
type Level int

const (
	Donor Level = iota
	DonorVIP
	DonorWhale
	DonorMega
)

// Hashrate is the tier's minimum hashrate in H/s.
func (l Level) Hashrate() float64 {
	switch l {
	case DonorVIP:
		return 10_000
	case DonorWhale:
		return 100_000
	case DonorMega:
		return 1_000_000
	default:
		return 1_000
	}
}

func (l Level) String() string {
	switch l {
	case DonorVIP:
		return "donor_vip"
	case DonorWhale:
		return "donor_whale"
	case DonorMega:
		return "donor_mega"
	default:
		return "donor"
	}
}

func ParseLevel(s string) (Level, error) {
	for _, l := range []Level{Donor, DonorVIP, DonorWhale, DonorMega} {
		if l.String() == strings.ToLower(strings.TrimSpace(s)) {
			return l, nil
		}
	}
	if strings.TrimSpace(s) == "" {
		return Donor, nil
	}
	return Donor, fmt.Errorf("unknown donation level %q", s)
}

// Inputs are the figures one split decision is made from.
type Inputs struct {
	Mode Mode
	// Hashrate is what the engine currently produces, in H/s.
	Hashrate            float64
	SidechainDifficulty uint64
	WindowBlocks        uint64
	// ManualAmount is the H/s sent to XvB (ManualXvb) or kept on P2Pool
	// (ManualP2pool).
	ManualAmount float64
	Level        Level
}

// Plan is how one cycle is divided.
type Plan struct {
	Xvb         time.Duration
	P2pool      time.Duration
	XvbHashrate float64
}

// NeededP2poolHashrate is the hashrate that keeps one share in the PPLNS
// window, margin included.
func NeededP2poolHashrate(difficulty, windowBlocks uint64) float64 {
	if windowBlocks == 0 {
		windowBlocks = DefaultWindowBlocks
	}
	return float64(difficulty) / (float64(windowBlocks) * SidechainBlockTime.Seconds()) * (1 + SideMargin)
}

// Split computes how long to mine on XvB in the next cycle.
func Split(in Inputs) Plan {
	if in.Hashrate <= 0 {
		return Plan{P2pool: Cycle}
	}
	needed := NeededP2poolHashrate(in.SidechainDifficulty, in.WindowBlocks)
	var xvb float64
	switch in.Mode {
	case ManualXvb:
		xvb = in.ManualAmount
	case ManualP2pool:
		xvb = in.Hashrate - in.ManualAmount
	case ManualDonationLevel:
		xvb = in.Level.Hashrate() * (1 + SideMargin)
	case Hero:
		xvb = in.Hashrate - needed
	default:
		spare := in.Hashrate - needed
		for _, l := range []Level{DonorMega, DonorWhale, DonorVIP, Donor} {
			if target := l.Hashrate() * (1 + SideMargin); spare >= target {
				xvb = target
				break
			}
		}
	}
	xvb = min(max(xvb, 0), in.Hashrate)

	slice := time.Duration(float64(Cycle) * xvb / in.Hashrate).Round(time.Millisecond)
	switch {
	case slice < MinSlice:
		slice = 0
	case Cycle-slice < MinSlice:
		slice = Cycle
	}
	return Plan{Xvb: slice, P2pool: Cycle - slice, XvbHashrate: xvb}
}

// Target returns the pool to mine on at offset into the current cycle.
func (p Plan) Target(offset time.Duration, xvb, p2pool pool.Pool) pool.Pool {
	if offset%Cycle < p.Xvb {
		return xvb
	}
	return p2pool
}
