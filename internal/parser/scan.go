package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/loykin/hashvisor/internal/pool"
)

var (
	payoutRe      = regexp.MustCompile(`payout of [0-9].[0-9]+ XMR`)
	payoutFloatRe = regexp.MustCompile(`[0-9].[0-9]{12}`)
	payoutDateRe  = regexp.MustCompile(`[0-9]+-[0-9]+-[0-9]+ [0-9]+:[0-9]+:[0-9]+.[0-9]+`)
	blockRe       = regexp.MustCompile(`block [0-9]{7}`)
	blockCommaRe  = regexp.MustCompile(`[0-9],[0-9]{3},[0-9]{3}`)
	zmqFailureRe  = regexp.MustCompile(`(p2pool with offline node: failed: error Error \(empty response\)|ZMQReader failed to connect to|P2Pool Couldn't restart ZMQ reader: exception Operation cannot be accomplished in current state)`)

	notMiningRe   = regexp.MustCompile(`no active pools, stop mining`)
	newJobRe      = regexp.MustCompile(`new job`)
	timeoutRe     = regexp.MustCompile(`timeout`)
	validConnRe   = regexp.MustCompile(`upstreams active: 1`)
	invalidConnRe = regexp.MustCompile(`error: 1`)
	proxyErrorRe  = regexp.MustCompile(`error: \D`)
)

// Payout is one reward line found in P2Pool output.
type Payout struct {
	Date   string
	Amount float64
	Block  uint64
	Line   string
}

// P2poolScan is what one tick's worth of P2Pool output reported.
type P2poolScan struct {
	Payouts    []Payout
	ZMQFailure bool
}

// Total sums the payout amounts in XMR.
func (s P2poolScan) Total() float64 {
	var sum float64
	for _, p := range s.Payouts {
		sum += p.Amount
	}
	return sum
}

// ScanP2pool classifies the parse buffer drained for one tick.
func ScanP2pool(text string) P2poolScan {
	var s P2poolScan
	for _, line := range strings.Split(text, "\n") {
		if zmqFailureRe.MatchString(line) {
			s.ZMQFailure = true
		}
		if p, ok := parsePayout(line); ok {
			s.Payouts = append(s.Payouts, p)
		}
	}
	return s
}

func parsePayout(line string) (Payout, bool) {
	m := payoutRe.FindString(line)
	if m == "" {
		return Payout{}, false
	}
	amount, err := strconv.ParseFloat(payoutFloatRe.FindString(m), 64)
	if err != nil {
		return Payout{}, false
	}
	p := Payout{Amount: amount, Date: payoutDateRe.FindString(line), Line: line}
	if b := blockRe.FindString(line); b != "" {
		p.Block, _ = strconv.ParseUint(strings.TrimPrefix(b, "block "), 10, 64)
	} else if b := blockCommaRe.FindString(line); b != "" {
		p.Block, _ = strconv.ParseUint(strings.ReplaceAll(b, ",", ""), 10, 64)
	}
	return p, true
}

// Mining is the engine condition a tick's output points to.
type Mining int

const (
	MiningUnchanged Mining = iota
	MiningActive
	MiningStopped
)

// EngineScan is the result of classifying XMRig or XMRig-Proxy output.
type EngineScan struct {
	Mining Mining
	Pool   pool.Pool
	// PoolFound is set when a pool line was seen; the last one wins.
	PoolFound bool
}

// ScanXmrig looks for "new job" and "no active pools" markers. When both
// appear in the same tick the later line decides.
func ScanXmrig(text string, proxyPort, p2poolPort int) EngineScan {
	var s EngineScan
	for _, line := range strings.Split(text, "\n") {
		switch {
		case newJobRe.MatchString(line):
			s.Mining = MiningActive
		case notMiningRe.MatchString(line):
			s.Mining = MiningStopped
			s.Pool, s.PoolFound = pool.None, false
			continue
		}
		if p, ok := pool.Detect(line, proxyPort, p2poolPort); ok {
			s.Pool, s.PoolFound = p, true
		}
	}
	return s
}

// ScanProxy is ScanXmrig for the proxy: an active upstream is signalled by
// "new job" or "upstreams active: 1", loss by timeouts and errors.
func ScanProxy(text string, bindPort, p2poolPort int) EngineScan {
	var s EngineScan
	for _, line := range strings.Split(text, "\n") {
		switch {
		case newJobRe.MatchString(line) || validConnRe.MatchString(line):
			s.Mining = MiningActive
		case timeoutRe.MatchString(line) || invalidConnRe.MatchString(line) || proxyErrorRe.MatchString(line):
			s.Mining = MiningStopped
			s.Pool, s.PoolFound = pool.None, false
			continue
		}
		if p, ok := pool.Detect(line, bindPort, p2poolPort); ok {
			s.Pool, s.PoolFound = p, true
		}
	}
	return s
}
