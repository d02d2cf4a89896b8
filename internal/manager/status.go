package manager

import (
	"time"

	"github.com/loykin/hashvisor/internal/metrics"
	"github.com/loykin/hashvisor/internal/process"
)

// Status is the published view of one daemon.
type Status struct {
	Daemon  string        `json:"daemon"`
	Name    string        `json:"name"`
	State   string        `json:"state"`
	Message string        `json:"message"`
	PID     int           `json:"pid,omitempty"`
	Uptime  time.Duration `json:"uptime"`
	// Stats is the daemon's published snapshot (stats.Node, stats.P2pool, ...).
	Stats   any                     `json:"stats"`
	Output  string                  `json:"output,omitempty"`
	Process *metrics.ProcessMetrics `json:"process,omitempty"`
}

// Status returns the published snapshot of k with its state and message.
func (m *Manager) Status(k process.Kind) (Status, error) {
	r, err := m.runner(k)
	if err != nil {
		return Status{}, err
	}
	rec := r.Record()
	st := rec.State()
	s := Status{
		Daemon:  k.Slug(),
		Name:    k.String(),
		State:   st.String(),
		Message: process.Message(k, st),
	}
	if st.Running() {
		s.PID = rec.PID()
		s.Uptime = rec.Uptime()
	}
	switch k {
	case process.Node:
		v := m.nodeBoard.Published()
		s.Stats, s.Output = v.Stats, v.Output
	case process.P2pool:
		v := m.p2poolBoard.Published()
		s.Stats, s.Output = v.Stats, v.Output
	case process.Xmrig:
		v := m.xmrigBoard.Published()
		s.Stats, s.Output = v.Stats, v.Output
	case process.XmrigProxy:
		v := m.proxyBoard.Published()
		s.Stats, s.Output = v.Stats, v.Output
	case process.Xvb:
		v := m.xvbBoard.Published()
		s.Stats, s.Output = v.Stats, v.Output
	}
	if m.procs != nil && st.Running() {
		if pm, ok := m.procs.Latest(k.Slug()); ok {
			s.Process = &pm
		}
	}
	return s, nil
}

// StatusAll returns every daemon's status in start order.
func (m *Manager) StatusAll() []Status {
	out := make([]Status, 0, len(process.Kinds))
	for _, k := range process.Kinds {
		if s, err := m.Status(k); err == nil {
			out = append(out, s)
		}
	}
	return out
}
