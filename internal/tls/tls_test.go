package tls

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTLSConfig_SelfSigned(t *testing.T) {
	cfg, err := LoadTLSConfig(Config{})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)

	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "localhost")
	assert.NoError(t, leaf.VerifyHostname("127.0.0.1"))
}

func TestLoadTLSConfig_FromFiles(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSigned([]string{"rewards.internal"}, time.Hour)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	cfg, err := LoadTLSConfig(Config{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
}

func TestLoadTLSConfig_HalfConfigured(t *testing.T) {
	_, err := LoadTLSConfig(Config{CertFile: "cert.pem"})
	assert.Error(t, err)
}
