package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"identity-service/internal/util"
)

var ErrNoCertificate = errors.New("no TLS certificate available")

type Options struct {
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
	Production  bool
}

// Manager selects the serving certificate: ACME when enabled, then the
// configured key pair, then a self-signed development certificate. The last
// is never used in production.
type Manager struct {
	opts     Options
	autoCert *autocert.Manager

	mu       sync.Mutex
	fallback *tls.Certificate
}

// NewManager loads the configured key pair up front so a bad path fails at
// startup rather than on the first handshake.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{opts: opts}

	if opts.CertFile != "" && opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair %s: %w", opts.CertFile, err)
		}
		m.fallback = &cert
	}

	if opts.AutoCert {
		if err := os.MkdirAll(opts.AutoCertDir, 0o700); err != nil {
			return nil, fmt.Errorf("autocert cache dir: %w", err)
		}
		m.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(opts.Domain),
			Cache:      autocert.DirCache(opts.AutoCertDir),
			Email:      opts.Email,
		}
		util.Info("ACME certificates enabled",
			zap.String("domain", opts.Domain),
			zap.String("cache_dir", opts.AutoCertDir))
	}
	return m, nil
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("ACME certificate unavailable", zap.String("server_name", hello.ServerName), zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fallback != nil {
		return m.fallback, nil
	}
	if m.opts.Production {
		return nil, ErrNoCertificate
	}

	hosts := []string{m.opts.Domain, "localhost", "127.0.0.1", "::1"}
	cert, err := NewDevCertGenerator(m.opts.AutoCertDir).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	util.Warn("Serving self-signed development certificate", zap.Strings("hosts", hosts))
	m.fallback = &cert
	return m.fallback, nil
}

// ServerConfig is the TLS configuration for the API listener. TLS 1.3 suites
// are not configurable in Go; the list below only restricts TLS 1.2.
func (m *Manager) ServerConfig() *tls.Config {
	protos := []string{"h2", "http/1.1"}
	if m.autoCert != nil {
		protos = append(protos, acme.ALPNProto)
	}
	return &tls.Config{
		GetCertificate:   m.GetCertificate,
		NextProtos:       protos,
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// ChallengeHandler answers ACME HTTP-01 challenges and redirects everything
// else to HTTPS. It is nil unless ACME is enabled.
func (m *Manager) ChallengeHandler() http.Handler {
	if m.autoCert == nil {
		return nil
	}
	return m.autoCert.HTTPHandler(nil)
}
