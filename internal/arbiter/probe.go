// Package arbiter decides which upstream pool the mining engine should use.
package arbiter

import (
	"context"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/hashvisor/internal/pool"
)

// DefaultProbeTimeout bounds a single TCP connect probe.
const DefaultProbeTimeout = 5 * time.Second

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Result is one probe outcome. Err is set when the pool did not answer.
type Result struct {
	Pool    pool.Pool
	Latency time.Duration
	Err     error
}

// Candidates returns the pools to probe: the pinned pool alone when one is
// set, otherwise both arbitration pools.
func Candidates(pin pool.Pool) []pool.Pool {
	if pin.IsXvb() {
		return []pool.Pool{pin}
	}
	return []pool.Pool{pool.NA, pool.EU}
}

// Probe connects to every pool concurrently and measures connect latency.
// Results keep the order of pools.
func Probe(ctx context.Context, d Dialer, pools []pool.Pool, timeout time.Duration) []Result {
	if d == nil {
		d = &net.Dialer{}
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	results := make([]Result, len(pools))
	var g errgroup.Group
	for i, p := range pools {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			conn, err := d.DialContext(pctx, "tcp", p.Address())
			if err != nil {
				results[i] = Result{Pool: p, Err: err}
				return nil
			}
			results[i] = Result{Pool: p, Latency: time.Since(start)}
			_ = conn.Close()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Fastest returns the responding pool with the strictly lowest latency. On
// equal latency the earlier result wins.
func Fastest(results []Result) (pool.Pool, bool) {
	best := -1
	for i, r := range results {
		if r.Err != nil {
			continue
		}
		if best < 0 || r.Latency < results[best].Latency {
			best = i
		}
	}
	if best < 0 {
		return pool.None, false
	}
	return results[best].Pool, true
}
