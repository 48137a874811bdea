package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataplane/pkg/security"
)

// writeCert writes a self-signed certificate for cn and returns cert and key paths
func writeCert(t *testing.T, cn string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, cn+".pem")
	keyFile = filepath.Join(dir, cn+".key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadServerTLSConfig(t *testing.T) {
	certFile, keyFile := writeCert(t, "localhost")

	cfg, err := LoadServerTLSConfig(security.ServerTLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg, "disabled TLS yields no config")

	cfg, err = LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3",
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	_, err = LoadServerTLSConfig(security.ServerTLSConfig{Enabled: true, CertFile: "missing.pem", KeyFile: keyFile})
	assert.Error(t, err)
}

func TestLoadServerTLSConfig_MTLS(t *testing.T) {
	certFile, keyFile := writeCert(t, "localhost")
	caFile, _ := writeCert(t, "client-ca")

	cfg, err := LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: certFile, KeyFile: keyFile,
		MTLS: security.ServerMTLSConfig{
			Enabled:           true,
			ClientCAFiles:     []string{caFile},
			RequireClientCert: true,
			AllowedClientCNs:  []string{"connector-a"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)
	assert.NotNil(t, cfg.VerifyPeerCertificate)

	_, err = LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: certFile, KeyFile: keyFile,
		MTLS: security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{"missing.pem"}},
	})
	assert.Error(t, err)
}

func TestVerifyAllowedClientCN(t *testing.T) {
	chain := [][]*x509.Certificate{{{Subject: pkix.Name{CommonName: "connector-a"}}}}

	assert.NoError(t, verifyAllowedClientCN(chain, []string{"connector-a"}))
	assert.Error(t, verifyAllowedClientCN(chain, []string{"connector-b"}))
	assert.Error(t, verifyAllowedClientCN(nil, []string{"connector-a"}))
}

func TestLoadClientTLSConfig(t *testing.T) {
	caFile, _ := writeCert(t, "private-ca")
	certFile, keyFile := writeCert(t, "client")

	cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{
		CAFiles: []string{caFile},
		MTLS:    security.ClientMTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
	})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.False(t, cfg.InsecureSkipVerify)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o644))
	_, err = LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{bad}})
	assert.Error(t, err)

	_, err = LoadClientTLSConfig(security.ClientTLSConfig{
		MTLS: security.ClientMTLSConfig{Enabled: true, CertFile: certFile},
	})
	assert.Error(t, err)
}
