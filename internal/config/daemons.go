package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/loykin/hashvisor/internal/env"
	"github.com/loykin/hashvisor/internal/parser"
	"github.com/loykin/hashvisor/internal/process"
)

const localhost = "127.0.0.1"

// Environment builds the base environment: the OS environment when enabled,
// then env_files in order, then the top-level env list.
func (c *Config) Environment() (*env.Env, error) {
	e := env.Isolated()
	if c.UseOSEnv {
		e = env.New()
	}
	for _, p := range c.EnvFiles {
		vars, err := env.LoadFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range vars {
			e.Set(k, v)
		}
	}
	e.Apply(c.Env)
	return e, nil
}

// NodeSpec builds the monerod launch.
func (c *Config) NodeSpec(e *env.Env) process.Spec {
	n := c.Node
	args := []string{
		"--rpc-bind-ip", localhost,
		"--rpc-bind-port", strconv.Itoa(n.RPCPort),
		"--zmq-pub", fmt.Sprintf("tcp://%s:%d", localhost, n.ZMQPort),
		"--non-interactive",
	}
	if n.DataDir != "" {
		args = append(args, "--data-dir", n.DataDir)
	}
	if n.Pruned {
		args = append(args, "--prune-blockchain")
	}
	args = append(args, n.Args...)
	return process.Spec{Kind: process.Node, Binary: n.Binary, Args: args, Env: e.Daemon(n.Env)}
}

// LocalNode is the node P2Pool uses when it runs against the local monerod.
func (c *Config) LocalNode() parser.Node {
	return parser.Node{IP: localhost, RPC: c.Node.RPCPort, ZMQ: c.Node.ZMQPort}
}

// P2poolNode is the node P2Pool is configured to use.
func (c *Config) P2poolNode() parser.Node {
	if c.P2pool.LocalNode {
		return c.LocalNode()
	}
	host := c.P2pool.Host
	if host == "localhost" || host == "" {
		host = localhost
	}
	return parser.Node{IP: host, RPC: c.P2pool.RPCPort, ZMQ: c.P2pool.ZMQPort}
}

// P2poolAPIDir is the directory P2Pool writes its status files under.
func (c *Config) P2poolAPIDir() string {
	if c.P2pool.APIDir != "" {
		return c.P2pool.APIDir
	}
	if dir := filepath.Dir(c.P2pool.Binary); dir != "." {
		return dir
	}
	return filepath.Join(os.TempDir(), "hashvisor-p2pool")
}

// P2poolSpec builds the P2Pool launch against node.
func (c *Config) P2poolSpec(e *env.Env, node parser.Node) process.Spec {
	p := c.P2pool
	args := []string{
		"--wallet", p.Address,
		"--data-api", c.P2poolAPIDir(),
		"--local-api",
		"--no-color",
		"--light-mode",
	}
	switch p.Chain {
	case "mini":
		args = append(args, "--mini")
	case "nano":
		args = append(args, "--nano")
	}
	args = append(args,
		"--stratum", fmt.Sprintf("0.0.0.0:%d", p.StratumPort),
		"--loglevel", strconv.Itoa(p.LogLevel),
		"--out-peers", strconv.Itoa(p.OutPeers),
		"--in-peers", strconv.Itoa(p.InPeers),
		"--host", node.IP,
		"--rpc-port", strconv.Itoa(node.RPC),
		"--zmq-port", strconv.Itoa(node.ZMQ),
	)
	args = append(args, p.Args...)
	return process.Spec{Kind: process.P2pool, Binary: p.Binary, Args: args, Env: e.Daemon(p.Env)}
}

// XmrigAPIURL is the base URL of XMRig's HTTP API.
func (c *Config) XmrigAPIURL() string {
	return fmt.Sprintf("http://%s:%d", hostOr(c.Xmrig.APIHost), c.Xmrig.APIPort)
}

// ProxyAPIURL is the base URL of XMRig-Proxy's HTTP API.
func (c *Config) ProxyAPIURL() string {
	return fmt.Sprintf("http://%s:%d", hostOr(c.Proxy.APIHost), c.Proxy.APIPort)
}

// NodeRPCURL is the base URL of the local node's RPC.
func (c *Config) NodeRPCURL() string {
	return fmt.Sprintf("http://%s:%d", localhost, c.Node.RPCPort)
}

// XmrigSpec builds the XMRig launch. It mines on the local P2Pool first.
// Privileged launches only apply off windows.
func (c *Config) XmrigSpec(e *env.Env) process.Spec {
	x := c.Xmrig
	args := []string{
		"--no-color",
		"--http-access-token=" + x.Token,
		"--http-no-restricted",
	}
	if x.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(x.Threads))
	}
	if x.Pause > 0 {
		args = append(args, "--pause-on-active", strconv.Itoa(x.Pause))
	}
	args = append(args,
		"--url", fmt.Sprintf("%s:%d", localhost, c.P2pool.StratumPort),
		"--user", x.Rig,
		"--http-host", hostOr(x.APIHost),
		"--http-port", strconv.Itoa(x.APIPort),
	)
	args = append(args, x.Args...)
	s := process.Spec{Kind: process.Xmrig, Binary: x.Binary, Args: args, Env: e.Daemon(x.Env)}
	if x.Privileged && runtime.GOOS != "windows" {
		s.Privileged = true
		s.SudoPassword = os.Getenv(c.SudoPasswordEnv)
	}
	return s
}

// ProxySpec builds the XMRig-Proxy launch.
func (c *Config) ProxySpec(e *env.Env) process.Spec {
	p := c.Proxy
	args := []string{
		"--http-access-token=" + p.Token,
		"--http-no-restricted",
		"--no-color",
		"-o", fmt.Sprintf("%s:%d", localhost, c.P2pool.StratumPort),
		"-b", fmt.Sprintf("%s:%d", p.BindHost, p.BindPort),
		"--user", p.Rig,
		"--http-host", hostOr(p.APIHost),
		"--http-port", strconv.Itoa(p.APIPort),
	}
	args = append(args, p.Args...)
	return process.Spec{Kind: process.XmrigProxy, Binary: p.Binary, Args: args, Env: e.Daemon(p.Env)}
}

func hostOr(h string) string {
	if h == "" || h == "localhost" {
		return localhost
	}
	return h
}
