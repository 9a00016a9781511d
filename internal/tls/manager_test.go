package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevCertGeneratorReusesCoveringCertificate(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"localhost", "127.0.0.1"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.NoError(t, leaf.VerifyHostname("localhost"))
	assert.NoError(t, leaf.VerifyHostname("127.0.0.1"))

	again, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], again.Certificate[0])

	widened, err := gen.GenerateCert([]string{"localhost", "identity.test"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], widened.Certificate[0])
}

func TestManagerFallsBackToDevCertificateOutsideProduction(t *testing.T) {
	m, err := NewManager(Options{Domain: "identity.test", AutoCertDir: t.TempDir()})
	require.NoError(t, err)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "identity.test"})
	require.NoError(t, err)
	require.NotNil(t, cert)

	cached, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, cached)
}

func TestManagerRefusesSelfSignedInProduction(t *testing.T) {
	m, err := NewManager(Options{Domain: "identity.test", AutoCertDir: t.TempDir(), Production: true})
	require.NoError(t, err)

	_, err = m.GetCertificate(&tls.ClientHelloInfo{ServerName: "identity.test"})
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestNewManagerRejectsUnreadableKeyPair(t *testing.T) {
	_, err := NewManager(Options{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"})
	assert.Error(t, err)
}

func TestChallengeHandlerOnlyWithACME(t *testing.T) {
	m, err := NewManager(Options{Domain: "identity.test", AutoCertDir: t.TempDir()})
	require.NoError(t, err)
	assert.Nil(t, m.ChallengeHandler())
	assert.NotContains(t, m.ServerConfig().NextProtos, "acme-tls/1")

	m, err = NewManager(Options{AutoCert: true, Domain: "identity.test", AutoCertDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, m.ChallengeHandler())
	assert.Contains(t, m.ServerConfig().NextProtos, "acme-tls/1")
}
