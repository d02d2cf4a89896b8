package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/loykin/hashvisor/internal/arbiter"
	"github.com/loykin/hashvisor/internal/logger"
	"github.com/loykin/hashvisor/internal/pool"
)

// AddressLength is the length of a Monero primary address.
const AddressLength = 95

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks ports, modes and the payout address.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.Tick.Std() <= 0 {
		add("tick must be positive")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	ports := map[string]int{
		"node.rpc_port":       c.Node.RPCPort,
		"node.zmq_port":       c.Node.ZMQPort,
		"p2pool.stratum_port": c.P2pool.StratumPort,
		"p2pool.rpc_port":     c.P2pool.RPCPort,
		"p2pool.zmq_port":     c.P2pool.ZMQPort,
		"xmrig.api_port":      c.Xmrig.APIPort,
		"proxy.bind_port":     c.Proxy.BindPort,
		"proxy.api_port":      c.Proxy.APIPort,
	}
	for _, key := range slices.Sorted(maps.Keys(ports)) {
		if p := ports[key]; p < 1 || p > 65535 {
			add("%s: port %d out of range", key, p)
		}
	}
	// ports the supervised daemons listen on locally must not collide
	listen := []string{"node.rpc_port", "node.zmq_port", "p2pool.stratum_port", "xmrig.api_port", "proxy.bind_port", "proxy.api_port"}
	seen := map[int]string{}
	for _, key := range listen {
		p := ports[key]
		if other, ok := seen[p]; ok {
			add("%s and %s both use port %d", other, key, p)
			continue
		}
		seen[p] = key
	}
	switch c.P2pool.Chain {
	case "main", "mini", "nano":
	default:
		add("p2pool.chain: unknown chain %q", c.P2pool.Chain)
	}
	if a := c.P2pool.Address; a != "" && !ValidAddress(a) {
		add("p2pool.address: not a Monero primary address")
	}
	if _, err := arbiter.ParseMode(c.Xvb.Mode); err != nil {
		add("xvb.mode: %v", err)
	}
	if _, err := arbiter.ParseLevel(c.Xvb.Level); err != nil {
		add("xvb.level: %v", err)
	}
	if _, err := c.XvbPin(); err != nil {
		add("xvb.pin: %v", err)
	}
	if c.Xvb.ManualAmount < 0 {
		add("xvb.manual_amount must not be negative")
	}
	if a := c.Server.Auth; a.Enabled {
		if len(a.Users) == 0 {
			add("server.auth: at least one user is required")
		}
		for i, u := range a.Users {
			if u.Username == "" || u.PasswordHash == "" {
				add("server.auth.users[%d]: username and password_hash are required", i)
			}
			if u.Role != "viewer" && u.Role != "operator" {
				add("server.auth.users[%d]: role must be viewer or operator", i)
			}
		}
		if a.JWTSecret != "" && len(a.JWTSecret) < 16 {
			add("server.auth.jwt_secret must be at least 16 characters")
		}
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		add("history.dsn is required when history is enabled")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidAddress reports whether s looks like a Monero primary address.
func ValidAddress(s string) bool {
	if len(s) != AddressLength || (s[0] != '4' && s[0] != '8') {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(base58, r) {
			return false
		}
	}
	return true
}

const base58 = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// XvbPin resolves the pinned arbitration pool; empty means no pin.
func (c *Config) XvbPin() (pool.Pool, error) {
	switch strings.ToLower(strings.TrimSpace(c.Xvb.Pin)) {
	case "":
		return pool.None, nil
	case "eu":
		return pool.EU, nil
	case "na":
		return pool.NA, nil
	default:
		return pool.None, errors.New("must be eu, na or empty")
	}
}
