package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Enabled: true}.Validate())
	assert.Error(t, Config{Enabled: true, CertFile: "a.crt"}.Validate())
	assert.Error(t, Config{Enabled: true, Dir: "x", MinVersion: "1.0"}.Validate())
	assert.NoError(t, Config{Enabled: true, Dir: "x", MinVersion: "1.2"}.Validate())
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2", Hosts: []string{"mc.example.com", "10.0.0.5"}})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"mc.example.com"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "10.0.0.5", leaf.IPAddresses[0].String())

	info, err := os.Stat(filepath.Join(dir, keyName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Existing pair is reused.
	before, err := os.ReadFile(filepath.Join(dir, certName))
	require.NoError(t, err)
	_, err = Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, certName))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	cp, kp := filepath.Join(dir, "api.crt"), filepath.Join(dir, "api.key")
	require.NoError(t, GenerateSelfSigned(CertConfig{CommonName: "localhost", Hosts: []string{"localhost"}, NotAfter: time.Now().Add(time.Hour), CertPath: cp, KeyPath: kp}))

	c, err := Setup(Config{Enabled: true, CertFile: cp, KeyFile: kp})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)

	data, err := os.ReadFile(cp)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)
}

func TestSetupMissingFiles(t *testing.T) {
	_, err := Setup(Config{Enabled: true, Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load certificate")
}
