package process

import (
	"fmt"
	"strings"
)

// Kind identifies one of the supervised daemons.
type Kind int

const (
	Node Kind = iota
	P2pool
	Xmrig
	XmrigProxy
	Xvb
)

// Kinds lists every supervised daemon in start order.
var Kinds = []Kind{Node, P2pool, Xmrig, XmrigProxy, Xvb}

// String returns the display name used in console banners and logs.
func (k Kind) String() string {
	switch k {
	case Node:
		return "Node"
	case P2pool:
		return "P2Pool"
	case Xmrig:
		return "XMRig"
	case XmrigProxy:
		return "XMRig-Proxy"
	case Xvb:
		return "XvB"
	default:
		return "Unknown"
	}
}

// Slug is the lower-case identifier used in URLs, config keys and file names.
func (k Kind) Slug() string {
	switch k {
	case Node:
		return "node"
	case P2pool:
		return "p2pool"
	case Xmrig:
		return "xmrig"
	case XmrigProxy:
		return "proxy"
	case Xvb:
		return "xvb"
	default:
		return "unknown"
	}
}

// HasProcess reports whether the kind is backed by an external binary.
// XvB runs in-process and never owns a child.
func (k Kind) HasProcess() bool { return k != Xvb }

// ParseKind accepts a slug or display name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds {
		if v == k.Slug() || v == strings.ToLower(k.String()) {
			return k, nil
		}
	}
	if v == "xmrig-proxy" || v == "xmrig_proxy" {
		return XmrigProxy, nil
	}
	return 0, fmt.Errorf("unknown daemon %q", s)
}
