package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// StatusCommand is written to P2Pool's stdin to request a status dump. The
// echoed block it produces is parsed and never shown.
const StatusCommand = "statusfromgupax"

// Protocol decides, line by line, what is shown to the user and which events
// a line carries. Implementations are stateful and belong to one stream.
type Protocol interface {
	Line(line string, emit func(Event)) (visible bool)
}

// Passthrough shows every line and extracts nothing.
type Passthrough struct{}

func (Passthrough) Line(string, func(Event)) bool { return true }

const p2poolStartupLines = 20

var (
	nodeLineRe   = regexp.MustCompile(`(Monero node|host )`)
	nodeRe       = regexp.MustCompile(`(?P<ip>\S+):RPC (?P<rpc>\d+):ZMQ (?P<zmq>\d+)`)
	hashrateRe   = regexp.MustCompile(`^Your hashrate \(pool-side\) = (?P<nb>[-+]?[0-9]*\.?[0-9]+([eE][-+]?[0-9]+)?) (?P<unit>[KkMmGg]?)H/s`)
	sharesRe     = regexp.MustCompile(`^Your shares               = (?P<nb>\d+) blocks`)
	windowRe     = regexp.MustCompile(`^PPLNS window              = (?P<nb>\d+) blocks`)
	statusEndRe  = regexp.MustCompile(`^Uptime         `)
	statusOpenRe = regexp.MustCompile(`^` + StatusCommand)
)

// P2poolProtocol hides the status block requested by the watchdog and turns
// its fields into events. Node lines are reported once startup noise is over.
type P2poolProtocol struct {
	seen     int
	inStatus bool
}

func (p *P2poolProtocol) Line(line string, emit func(Event)) bool {
	startup := p.seen <= p2poolStartupLines
	if !startup && nodeLineRe.MatchString(line) {
		if n, ok := parseNode(line); ok {
			emit(NodeChanged{Node: n})
		}
	}
	if statusOpenRe.MatchString(line) {
		p.inStatus = true
		return false
	}
	if p.inStatus {
		p.statusField(line, emit)
		if statusEndRe.MatchString(line) {
			p.inStatus = false
			emit(StatusDone{})
		}
		return false
	}
	if startup {
		p.seen++
	}
	return true
}

func (p *P2poolProtocol) statusField(line string, emit func(Event)) {
	if m := hashrateRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[hashrateRe.SubexpIndex("nb")], 64); err == nil {
			emit(StatusHashrate{HPS: v * unitScale(m[hashrateRe.SubexpIndex("unit")])})
		}
		return
	}
	if m := sharesRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseUint(m[1], 10, 32); err == nil {
			emit(StatusShares{Shares: uint32(v)})
		}
		return
	}
	if m := windowRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseUint(m[1], 10, 64); err == nil {
			emit(StatusWindow{Blocks: v})
		}
	}
}

func unitScale(unit string) float64 {
	switch strings.ToUpper(unit) {
	case "K":
		return 1e3
	case "M":
		return 1e6
	case "G":
		return 1e9
	default:
		return 1
	}
}

func parseNode(line string) (Node, bool) {
	m := nodeRe.FindStringSubmatch(line)
	if m == nil {
		return Node{}, false
	}
	rpc, err := strconv.Atoi(m[nodeRe.SubexpIndex("rpc")])
	if err != nil {
		return Node{}, false
	}
	zmq, err := strconv.Atoi(m[nodeRe.SubexpIndex("zmq")])
	if err != nil {
		return Node{}, false
	}
	return Node{IP: m[nodeRe.SubexpIndex("ip")], RPC: rpc, ZMQ: zmq}, true
}

// XmrigProtocol waits for the ABOUT banner. When HideUntilAbout is set (unix,
// where the engine runs under sudo) everything before it is hidden so the
// password prompt never reaches the console.
type XmrigProtocol struct {
	HideUntilAbout bool
	started        bool
}

func (p *XmrigProtocol) Line(line string, emit func(Event)) bool {
	if p.started {
		return true
	}
	if strings.Contains(line, "ABOUT") {
		p.started = true
		emit(Started{})
		return true
	}
	return !p.HideUntilAbout
}
