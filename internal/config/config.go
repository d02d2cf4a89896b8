// Package config loads the supervisor configuration from TOML through viper.
// Every key has a default, and HASHVISOR_<SECTION>_<KEY> environment
// variables override both the defaults and the file.
package config

import (
	"bytes"
	"encoding"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/loykin/hashvisor/internal/logger"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "HASHVISOR"

// Duration is a time.Duration written as "900ms" in TOML.
type Duration time.Duration

var (
	_ encoding.TextMarshaler   = Duration(0)
	_ encoding.TextUnmarshaler = (*Duration)(nil)
)

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`
	// SudoPasswordEnv names the variable holding the password for privileged XMRig.
	SudoPasswordEnv string   `toml:"sudo_password_env" mapstructure:"sudo_password_env"`
	Tick            Duration `toml:"tick" mapstructure:"tick"`
	LockFile        string   `toml:"lock_file" mapstructure:"lock_file"`

	Log     logger.Config `toml:"log" mapstructure:"log"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History HistoryConfig `toml:"history" mapstructure:"history"`

	Node   NodeConfig   `toml:"node" mapstructure:"node"`
	P2pool P2poolConfig `toml:"p2pool" mapstructure:"p2pool"`
	Xmrig  XmrigConfig  `toml:"xmrig" mapstructure:"xmrig"`
	Proxy  ProxyConfig  `toml:"proxy" mapstructure:"proxy"`
	Xvb    XvbConfig    `toml:"xvb" mapstructure:"xvb"`
}

type ServerConfig struct {
	Enabled       bool       `toml:"enabled" mapstructure:"enabled"`
	Listen        string     `toml:"listen" mapstructure:"listen"`
	BasePath      string     `toml:"base_path" mapstructure:"base_path"`
	TLSMinVersion string     `toml:"tls_min_version" mapstructure:"tls_min_version"`
	TLSMaxVersion string     `toml:"tls_max_version" mapstructure:"tls_max_version"`
	TLS           *TLSConfig `toml:"tls,omitempty" mapstructure:"tls"`
	Auth          AuthConfig `toml:"auth" mapstructure:"auth"`
}

// AuthConfig protects the API. Viewers may only read; operators may also
// control daemons.
type AuthConfig struct {
	Enabled   bool       `toml:"enabled" mapstructure:"enabled"`
	JWTSecret string     `toml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL  Duration   `toml:"token_ttl" mapstructure:"token_ttl"`
	Users     []AuthUser `toml:"users" mapstructure:"users"`
}

type AuthUser struct {
	Username     string `toml:"username" mapstructure:"username"`
	PasswordHash string `toml:"password_hash" mapstructure:"password_hash"`
	Role         string `toml:"role" mapstructure:"role"`
}

type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `toml:"auto_gen,omitempty" mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool                 `toml:"enabled" mapstructure:"enabled"`
	Process ProcessMetricsConfig `toml:"process" mapstructure:"process"`
}

type ProcessMetricsConfig struct {
	Enabled    bool     `toml:"enabled" mapstructure:"enabled"`
	Interval   Duration `toml:"interval" mapstructure:"interval"`
	MaxHistory int      `toml:"max_history" mapstructure:"max_history"`
}

// HistoryConfig selects where start, stop, payout and pool switch events go.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
	Buffer  int    `toml:"buffer" mapstructure:"buffer"`
}

type NodeConfig struct {
	Binary    string   `toml:"binary" mapstructure:"binary"`
	Args      []string `toml:"args" mapstructure:"args"`
	Env       []string `toml:"env" mapstructure:"env"`
	Autostart bool     `toml:"autostart" mapstructure:"autostart"`
	DataDir   string   `toml:"data_dir" mapstructure:"data_dir"`
	RPCPort   int      `toml:"rpc_port" mapstructure:"rpc_port"`
	ZMQPort   int      `toml:"zmq_port" mapstructure:"zmq_port"`
	Pruned    bool     `toml:"pruned" mapstructure:"pruned"`
	// DetectExisting refuses a start while another monerod holds the RPC port.
	DetectExisting bool `toml:"detect_existing" mapstructure:"detect_existing"`
}

type P2poolConfig struct {
	Binary    string   `toml:"binary" mapstructure:"binary"`
	Args      []string `toml:"args" mapstructure:"args"`
	Env       []string `toml:"env" mapstructure:"env"`
	Autostart bool     `toml:"autostart" mapstructure:"autostart"`
	Address   string   `toml:"address" mapstructure:"address"`
	// Chain is main, mini or nano.
	Chain       string `toml:"chain" mapstructure:"chain"`
	StratumPort int    `toml:"stratum_port" mapstructure:"stratum_port"`
	// Host, RPCPort and ZMQPort select a remote node when LocalNode is off.
	Host            string `toml:"host" mapstructure:"host"`
	RPCPort         int    `toml:"rpc_port" mapstructure:"rpc_port"`
	ZMQPort         int    `toml:"zmq_port" mapstructure:"zmq_port"`
	LocalNode       bool   `toml:"local_node" mapstructure:"local_node"`
	PreferLocalNode bool   `toml:"prefer_local_node" mapstructure:"prefer_local_node"`
	// APIDir is the --data-api directory; defaults to the binary's directory.
	APIDir   string `toml:"api_dir" mapstructure:"api_dir"`
	LogLevel int    `toml:"log_level" mapstructure:"log_level"`
	OutPeers int    `toml:"out_peers" mapstructure:"out_peers"`
	InPeers  int    `toml:"in_peers" mapstructure:"in_peers"`
}

type XmrigConfig struct {
	Binary    string   `toml:"binary" mapstructure:"binary"`
	Args      []string `toml:"args" mapstructure:"args"`
	Env       []string `toml:"env" mapstructure:"env"`
	Autostart bool     `toml:"autostart" mapstructure:"autostart"`
	Threads   int      `toml:"threads" mapstructure:"threads"`
	Pause     int      `toml:"pause" mapstructure:"pause"`
	Rig       string   `toml:"rig" mapstructure:"rig"`
	APIHost   string   `toml:"api_host" mapstructure:"api_host"`
	APIPort   int      `toml:"api_port" mapstructure:"api_port"`
	Token     string   `toml:"token" mapstructure:"token"`
	// Privileged runs XMRig through sudo so it can apply MSR mods.
	Privileged bool `toml:"privileged" mapstructure:"privileged"`
}

type ProxyConfig struct {
	Binary    string   `toml:"binary" mapstructure:"binary"`
	Args      []string `toml:"args" mapstructure:"args"`
	Env       []string `toml:"env" mapstructure:"env"`
	Autostart bool     `toml:"autostart" mapstructure:"autostart"`
	Rig       string   `toml:"rig" mapstructure:"rig"`
	BindHost  string   `toml:"bind_host" mapstructure:"bind_host"`
	BindPort  int      `toml:"bind_port" mapstructure:"bind_port"`
	APIHost   string   `toml:"api_host" mapstructure:"api_host"`
	APIPort   int      `toml:"api_port" mapstructure:"api_port"`
	Token     string   `toml:"token" mapstructure:"token"`
	// Redirect keeps the local XMRig mining through the proxy.
	Redirect bool `toml:"redirect" mapstructure:"redirect"`
}

type XvbConfig struct {
	Autostart bool `toml:"autostart" mapstructure:"autostart"`
	// Mode is auto, hero, manual_xvb, manual_p2pool or manual_donation_level.
	Mode         string   `toml:"mode" mapstructure:"mode"`
	ManualAmount float64  `toml:"manual_amount" mapstructure:"manual_amount"`
	Level        string   `toml:"level" mapstructure:"level"`
	Pin          string   `toml:"pin" mapstructure:"pin"`
	ProbeTimeout Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
	PublicURL    string   `toml:"public_url" mapstructure:"public_url"`
	PrivateURL   string   `toml:"private_url" mapstructure:"private_url"`
}

// Default returns the configuration used when a key is absent.
func Default() Config {
	return Config{
		UseOSEnv:        true,
		SudoPasswordEnv: EnvPrefix + "_SUDO_PASSWORD",
		Tick:            Duration(900 * time.Millisecond),
		LockFile:        filepath.Join(os.TempDir(), "hashvisor.lock"),
		Log:             logger.Config{Level: "info", Format: "text", Color: true},
		Server: ServerConfig{
			Enabled:  true,
			Listen:   "127.0.0.1:8090",
			BasePath: "/api",
			Auth:     AuthConfig{TokenTTL: Duration(12 * time.Hour)},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Process: ProcessMetricsConfig{Enabled: true, Interval: Duration(5 * time.Second), MaxHistory: 120},
		},
		History: HistoryConfig{Buffer: 256},
		Node: NodeConfig{
			Binary:         "monerod",
			RPCPort:        18081,
			ZMQPort:        18083,
			DetectExisting: true,
		},
		P2pool: P2poolConfig{
			Binary:          "p2pool",
			Chain:           "nano",
			StratumPort:     3333,
			Host:            "127.0.0.1",
			RPCPort:         18081,
			ZMQPort:         18083,
			LocalNode:       true,
			PreferLocalNode: true,
			LogLevel:        3,
			OutPeers:        10,
			InPeers:         10,
		},
		Xmrig: XmrigConfig{
			Binary:  "xmrig",
			Rig:     "hashvisor",
			APIHost: "127.0.0.1",
			APIPort: 18088,
		},
		Proxy: ProxyConfig{
			Binary:   "xmrig-proxy",
			Rig:      "hashvisor",
			BindHost: "0.0.0.0",
			BindPort: 3355,
			APIHost:  "127.0.0.1",
			APIPort:  18089,
			Redirect: true,
		},
		Xvb: XvbConfig{
			Mode:         "auto",
			Level:        "donor",
			ProbeTimeout: Duration(5 * time.Second),
			PublicURL:    "https://xmrvsbeast.com/p2pool/stats",
			PrivateURL:   "https://xmrvsbeast.com/cgi-bin/p2pool_bonus_history_gupaxx_api.cgi",
		},
	}
}

// Encode writes c as TOML.
func Encode(c Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Load reads path over the defaults and applies environment overrides. An
// empty path loads the defaults and the environment only.
func Load(path string) (Config, error) {
	defaults, err := Encode(Default())
	if err != nil {
		return Config{}, err
	}
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("read defaults: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// WriteDefault writes the default configuration to path, refusing to
// overwrite an existing file.
func WriteDefault(path string) error {
	b, err := Encode(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
