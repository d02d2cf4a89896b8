// Package tls builds the API server's TLS configuration from certificate
// files or from a directory, generating a self-signed pair when asked.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/hashvisor/internal/config"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// versions resolves the version bounds; both default to TLS 1.3.
func versions(cfg config.ServerConfig) (minVer, maxVer uint16) {
	minVer, maxVer = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseTLSVersion(cfg.TLSMinVersion); ok {
		minVer = v
	}
	if v, ok := parseTLSVersion(cfg.TLSMaxVersion); ok {
		maxVer = v
	}
	if maxVer < minVer {
		maxVer = minVer
	}
	return minVer, maxVer
}

// Setup returns the server TLS config, or nil when TLS is disabled. Explicit
// cert and key files win over a certificate directory.
func Setup(server config.ServerConfig) (*tls.Config, error) {
	if server.TLS == nil || !server.TLS.Enabled {
		return nil, nil
	}
	minVer, maxVer := versions(server)
	t := server.TLS

	if t.CertFile != "" && t.KeyFile != "" {
		return load(t.CertFile, t.KeyFile, minVer, maxVer)
	}
	if t.Dir != "" {
		certPath := filepath.Join(t.Dir, tlsCrt)
		keyPath := filepath.Join(t.Dir, tlsKey)
		if t.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(t, certPath, keyPath); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return load(certPath, keyPath, minVer, maxVer)
	}
	return nil, errors.New("TLS enabled but no certificate configured")
}

// SelfSigned is a TLS section that generates its pair under dir.
func SelfSigned(dir string) *config.TLSConfig {
	return &config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true}
}

// load reads the pair once; the server is restarted to rotate certificates.
func load(certPath, keyPath string, minVer, maxVer uint16) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVer,
		MaxVersion:   maxVer,
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(t *config.TLSConfig, certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	auto := config.AutoGenTLS{}
	if t.AutoGen != nil {
		auto = *t.AutoGen
	}
	days := auto.ValidDays
	if days <= 0 {
		days = 365 * 5
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(auto.CommonName, "localhost"),
		Organization: orDefault(auto.Organization, "hashvisor"),
		DNSNames:     orDefaultSlice(auto.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefaultSlice(auto.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     certPath,
		KeyPath:      keyPath,
	})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultSlice(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
