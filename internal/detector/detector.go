// Package detector finds daemons that were started outside the supervisor.
package detector

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const DefaultDialTimeout = 500 * time.Millisecond

// Detector is a strategy that determines if a daemon is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the daemon is detected as running.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PortDetector reports a daemon as alive when something accepts TCP
// connections on Host:Port.
type PortDetector struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func (d PortDetector) Alive(ctx context.Context) (bool, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr())
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

func (d PortDetector) Describe() string { return "port:" + d.addr() }

func (d PortDetector) addr() string {
	host := d.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(d.Port))
}

// NameDetector looks for a running process whose name matches Name, ignoring
// case and a trailing .exe.
type NameDetector struct {
	Name string
	// Ignore skips pids owned by the caller.
	Ignore func(pid int32) bool
}

func (d NameDetector) Alive(ctx context.Context) (bool, error) {
	want := normalize(d.Name)
	if want == "" {
		return false, nil
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		if d.Ignore != nil && d.Ignore(p.Pid) {
			continue
		}
		// processes may exit while we iterate
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if normalize(name) == want {
			return true, nil
		}
	}
	return false, nil
}

func (d NameDetector) Describe() string { return "name:" + d.Name }

func normalize(name string) string {
	name = strings.ToLower(filepath.Base(strings.TrimSpace(name)))
	if runtime.GOOS == "windows" || strings.HasSuffix(name, ".exe") {
		name = strings.TrimSuffix(name, ".exe")
	}
	if name == "." {
		return ""
	}
	return name
}

// Any is alive as soon as one of its detectors is. Errors from one detector
// do not stop the others; the first error is returned only when none is alive.
type Any []Detector

func (a Any) Alive(ctx context.Context) (bool, error) {
	var first error
	for _, d := range a {
		ok, err := d.Alive(ctx)
		if ok {
			return true, nil
		}
		if err != nil && first == nil {
			first = fmt.Errorf("%s: %w", d.Describe(), err)
		}
	}
	return false, first
}

func (a Any) Describe() string {
	parts := make([]string, len(a))
	for i, d := range a {
		parts[i] = d.Describe()
	}
	return "any(" + strings.Join(parts, ", ") + ")"
}

// ExistingNode detects a monerod that holds the RPC port or runs under the
// binary's name.
func ExistingNode(binary string, rpcPort int) Detector {
	ds := Any{PortDetector{Port: rpcPort}}
	if binary != "" {
		ds = append(ds, NameDetector{Name: binary})
	}
	return ds
}
