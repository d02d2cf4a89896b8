package process

// State is the lifecycle state of a supervised daemon.
type State int32

const (
	Waiting State = iota
	Middle
	Syncing
	Alive
	NotMining
	Dead
	Failed
	OfflinePoolsAll
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Middle:
		return "middle"
	case Syncing:
		return "syncing"
	case Alive:
		return "alive"
	case NotMining:
		return "not_mining"
	case Dead:
		return "dead"
	case Failed:
		return "failed"
	case OfflinePoolsAll:
		return "offline_pools_all"
	default:
		return "unknown"
	}
}

// Startable reports whether a fresh start may begin from this state.
func (s State) Startable() bool {
	return s == Waiting || s == Dead || s == Failed
}

// Running reports whether a daemon in this state is up for dependency purposes.
func (s State) Running() bool {
	return s == Alive || s == Syncing || s == NotMining || s == OfflinePoolsAll
}

// Signal is the pending user request observed by the watchdog once per tick.
type Signal int32

const (
	SignalNone Signal = iota
	SignalStop
	SignalRestart
)

func (s Signal) String() string {
	switch s {
	case SignalStop:
		return "stop"
	case SignalRestart:
		return "restart"
	default:
		return "none"
	}
}

// Message returns the operator-facing description of a daemon in a state.
func Message(k Kind, s State) string {
	name := k.String()
	switch s {
	case Alive:
		switch k {
		case Xmrig, XmrigProxy:
			return name + " is online and mining"
		case Xvb:
			return "XvB process is configured and distributing hashrate, XvB pool is online"
		default:
			return name + " is online and fully synchronized"
		}
	case Dead:
		if k == Xvb {
			return "XvB process is offline"
		}
		return name + " is offline"
	case Failed:
		if k == Xvb {
			return "XvB process is misconfigured or the XvB pool is offline"
		}
		return name + " is offline and failed when exiting"
	case Middle:
		return name + " is in the middle of (re)starting/stopping"
	case Syncing:
		if k == Xvb {
			return "XvB is waiting for P2Pool and XMRig to be online"
		}
		return name + " is still syncing. This indicator will turn GREEN when " + name + " is ready"
	case NotMining:
		return name + " is online, but not mining to any pool"
	case OfflinePoolsAll:
		return "XvB pools are unreachable, mining on the local P2Pool"
	case Waiting:
		return name + " is waiting to (re)start"
	}
	return "???"
}
