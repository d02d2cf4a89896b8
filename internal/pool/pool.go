// Package pool models the upstream a mining engine is pointed at.
package pool

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

const (
	XvbPort   = 4247
	XvbHostEU = "eu.xmrvsbeast.com"
	XvbHostNA = "na.xmrvsbeast.com"
	localhost = "127.0.0.1"

	// Tag identifies this supervisor as the worker name on non-XvB pools.
	// P2Pool truncates everything after a dot, hence the underscores.
	Tag = "Hashvisor_v0_1_0"
)

// Type is the discriminant of a Pool.
type Type int

const (
	Unknown Type = iota
	XvBEurope
	XvBNorthAmerica
	P2pool
	XmrigProxy
	Custom
)

// Pool is a comparable tagged value: two pools are interchangeable when ==.
type Pool struct {
	Type Type   `json:"type"`
	Host string `json:"host,omitempty"` // Custom only
	Port int    `json:"port,omitempty"` // P2pool, XmrigProxy and Custom
}

var (
	EU   = Pool{Type: XvBEurope}
	NA   = Pool{Type: XvBNorthAmerica}
	None = Pool{}
)

func NewP2pool(port int) Pool              { return Pool{Type: P2pool, Port: port} }
func NewProxy(port int) Pool               { return Pool{Type: XmrigProxy, Port: port} }
func NewCustom(host string, port int) Pool { return Pool{Type: Custom, Host: host, Port: port} }

func (p Pool) String() string {
	switch p.Type {
	case XvBNorthAmerica:
		return "XvB North America Pool"
	case XvBEurope:
		return "XvB European Pool"
	case P2pool:
		return "Local P2pool"
	case XmrigProxy:
		return "Xmrig Proxy"
	case Custom:
		return "Custom Pool"
	default:
		return "Not connected to any pool"
	}
}

// IsXvb reports whether p is one of the arbitration pools.
func (p Pool) IsXvb() bool { return p.Type == XvBEurope || p.Type == XvBNorthAmerica }

func (p Pool) URL() string {
	switch p.Type {
	case XvBNorthAmerica:
		return XvbHostNA
	case XvBEurope:
		return XvbHostEU
	case P2pool, XmrigProxy:
		return localhost
	case Custom:
		return p.Host
	default:
		return "???"
	}
}

func (p Pool) PortString() string {
	switch p.Type {
	case XvBNorthAmerica, XvBEurope:
		return strconv.Itoa(XvbPort)
	case P2pool, XmrigProxy, Custom:
		return strconv.Itoa(p.Port)
	default:
		return "???"
	}
}

// Address is host:port, suitable for dialing and for an engine's pool url.
func (p Pool) Address() string { return net.JoinHostPort(p.URL(), p.PortString()) }

// User is the stratum login: the address prefix for XvB, the tag elsewhere.
func (p Pool) User(address string) string {
	if p.IsXvb() {
		if len(address) > 8 {
			return address[:8]
		}
		return address
	}
	return Tag
}

func (p Pool) TLS() bool       { return p.IsXvb() }
func (p Pool) Keepalive() bool { return p.IsXvb() }

var detectRe = regexp.MustCompile(`(use pool|new job from) (?P<pool>.*:\d{1,5})(| diff)`)

// Detect extracts the pool an engine reports in a "use pool" or "new job from"
// line. Local endpoints are resolved against the known proxy and P2Pool ports.
func Detect(line string, proxyPort, p2poolPort int) (Pool, bool) {
	m := detectRe.FindStringSubmatch(line)
	if m == nil {
		return None, false
	}
	raw := m[detectRe.SubexpIndex("pool")]
	if i := strings.IndexByte(raw, ' '); i >= 0 {
		raw = raw[:i]
	}
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return None, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return None, false
	}
	switch {
	case host == localhost && port == proxyPort:
		return NewProxy(port), true
	case host == localhost && port == p2poolPort:
		return NewP2pool(port), true
	case host == XvbHostEU && port == XvbPort:
		return EU, true
	case host == XvbHostNA && port == XvbPort:
		return NA, true
	default:
		return NewCustom(host, port), true
	}
}
