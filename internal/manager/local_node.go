package manager

import (
	"context"
	"time"

	"github.com/loykin/hashvisor/internal/process"
)

// watchLocalNode replaces any running watcher. After a grace delay it checks
// every interval whether P2Pool should move to the local node, and restarts
// it there once.
func (m *Manager) watchLocalNode() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.stopWatch != nil {
		m.stopWatch()
	}
	m.stopWatch = cancel
	m.mu.Unlock()

	go func() {
		timer := time.NewTimer(m.nodeWatchDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		t := time.NewTicker(m.nodeWatchInterval)
		defer t.Stop()
		for {
			if m.switchToLocalNode() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}

func (m *Manager) cancelWatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
}

// switchToLocalNode restarts P2Pool against the local node when that is
// preferred, the node is synchronized and P2Pool runs elsewhere.
func (m *Manager) switchToLocalNode() bool {
	if !m.preferLocal() || m.State(process.Node) != process.Alive {
		return false
	}
	if !m.State(process.P2pool).Running() {
		return false
	}
	local := m.cfg.LocalNode()
	if m.p2pool.CurrentNode() == local {
		return true
	}
	m.log.Info("local node is synchronized, restarting p2pool against it", "rpc", local.RPC, "zmq", local.ZMQ)
	m.p2pool.Use(local, m.cfg.P2poolSpec(m.env, local))
	m.runners[process.P2pool].Record().Console("The local node is synchronized, P2Pool is restarted to use it")
	m.runners[process.P2pool].Restart()
	return true
}
