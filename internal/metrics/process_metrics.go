package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory metrics for a single daemon process
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Daemon     string    `json:"daemon"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	Timestamp  time.Time `json:"timestamp"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
}

// ProcessMetricsConfig holds configuration for process metrics collection
type ProcessMetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// history is a fixed-size ring of samples.
type history struct {
	samples []ProcessMetrics
	start   int
	count   int
}

func (h *history) add(m ProcessMetrics) {
	if h.count < len(h.samples) {
		h.samples[(h.start+h.count)%len(h.samples)] = m
		h.count++
		return
	}
	h.samples[h.start] = m
	h.start = (h.start + 1) % len(h.samples)
}

func (h *history) list() []ProcessMetrics {
	out := make([]ProcessMetrics, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.samples[(h.start+i)%len(h.samples)]
	}
	return out
}

// ProcessMetricsCollector samples CPU and memory of the supervised daemons.
type ProcessMetricsCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history map[string]*history

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewProcessMetricsCollector(config ProcessMetricsConfig) *ProcessMetricsCollector {
	maxHistory := config.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	interval := config.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      name,
			Help:      help,
		}, []string{"daemon"})
	}
	return &ProcessMetricsCollector{
		enabled:    config.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		history:    make(map[string]*history),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of supervised daemons."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of supervised daemons."),
		numThreads: gauge("num_threads", "Number of threads of supervised daemons."),
		numFDs:     gauge("num_fds", "Number of file descriptors of supervised daemons (Unix only)."),
	}
}

// RegisterMetrics registers the process gauges with the provided registerer
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the pids returned by pids every interval until ctx is done
// or Stop is called.
func (c *ProcessMetricsCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pids())
			}
		}
	}()
}

func (c *ProcessMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every daemon with a positive pid and drops
// gauges of daemons that are gone.
func (c *ProcessMetricsCollector) Collect(pids map[string]int32) {
	now := time.Now()
	for daemon, pid := range pids {
		if pid <= 0 {
			c.forget(daemon)
			continue
		}
		m, err := sample(daemon, pid, now)
		if err != nil {
			slog.Debug("failed to sample daemon process", "daemon", daemon, "pid", pid, "error", err)
			c.forget(daemon)
			continue
		}
		c.cpuPercent.WithLabelValues(daemon).Set(m.CPUPercent)
		c.memoryMB.WithLabelValues(daemon).Set(m.MemoryMB)
		c.numThreads.WithLabelValues(daemon).Set(float64(m.NumThreads))
		if runtime.GOOS != "windows" && m.NumFDs > 0 {
			c.numFDs.WithLabelValues(daemon).Set(float64(m.NumFDs))
		}
		c.add(daemon, m)
	}
}

func sample(daemon string, pid int32, ts time.Time) (ProcessMetrics, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("open process: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, _ := proc.NumThreads()
	m := ProcessMetrics{
		PID:        pid,
		Daemon:     daemon,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		Timestamp:  ts,
		NumThreads: threads,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			m.NumFDs = fds
		}
	}
	return m, nil
}

func (c *ProcessMetricsCollector) add(daemon string, m ProcessMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.history[daemon]
	if !ok {
		h = &history{samples: make([]ProcessMetrics, c.maxHistory)}
		c.history[daemon] = h
	}
	h.add(m)
}

func (c *ProcessMetricsCollector) forget(daemon string) {
	c.cpuPercent.DeleteLabelValues(daemon)
	c.memoryMB.DeleteLabelValues(daemon)
	c.numThreads.DeleteLabelValues(daemon)
	c.numFDs.DeleteLabelValues(daemon)
}

// Latest returns the most recent sample of daemon.
func (c *ProcessMetricsCollector) Latest(daemon string) (ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.history[daemon]
	if !ok || h.count == 0 {
		return ProcessMetrics{}, false
	}
	return h.samples[(h.start+h.count-1)%len(h.samples)], true
}

// History returns the retained samples of daemon, oldest first.
func (c *ProcessMetricsCollector) History(daemon string) ([]ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.history[daemon]
	if !ok {
		return nil, false
	}
	return h.list(), true
}

func (c *ProcessMetricsCollector) IsEnabled() bool { return c.enabled }
