// Package tls builds the HTTPS configuration of the API listener.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

// Config selects certificates for the API. Explicit files win over Dir.
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	// MinVersion is "1.2" or "1.3" (default).
	MinVersion string   `mapstructure:"min_version"`
	Hosts      []string `mapstructure:"hosts"`
}

// Validate reports configuration that can never produce a certificate.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("tls: enabled without cert_file/key_file or dir")
	}
	if _, ok := parseVersion(c.MinVersion); !ok {
		return fmt.Errorf("tls: unknown min_version %q", c.MinVersion)
	}
	return nil
}

func parseVersion(v string) (uint16, bool) {
	switch v {
	case "", "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	default:
		return 0, false
	}
}

// Setup returns nil when TLS is disabled. With AutoGenerate a self-signed
// pair is written to Dir on first use.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseVersion(c.MinVersion)

	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		certPath = filepath.Join(c.Dir, certName)
		keyPath = filepath.Join(c.Dir, keyName)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := os.MkdirAll(c.Dir, 0o750); err != nil {
				return nil, fmt.Errorf("tls dir: %w", err)
			}
			hosts := c.Hosts
			if len(hosts) == 0 {
				hosts = []string{"localhost", "127.0.0.1"}
			}
			err := GenerateSelfSigned(CertConfig{
				CommonName: hosts[0],
				Hosts:      hosts,
				NotAfter:   time.Now().AddDate(5, 0, 0),
				CertPath:   certPath,
				KeyPath:    keyPath,
			})
			if err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
	}
	// Load once up front so a broken pair fails at startup, not per handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	// #nosec G402 min version is configurable down to 1.2
	return &tls.Config{
		MinVersion:     minVer,
		GetCertificate: reloading(certPath, keyPath),
	}, nil
}

// reloading re-reads the pair on each handshake so renewed certificates
// are picked up without a restart.
func reloading(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
