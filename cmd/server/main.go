package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/factory"
	"identity-service/internal/handler"
	"identity-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Loads config, opens the configured backends and starts the anchor,
	// audit and sweep workers.
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := setupRouter(f)

	servers, err := buildServers(f, cfg, router)
	if err != nil {
		util.Fatal("Failed to configure servers", util.ErrorField(err))
	}

	serveErr := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *managedServer) {
			util.Info("Starting server",
				util.String("name", s.name),
				util.String("address", s.Addr),
				util.Bool("tls", s.tls))
			if err := s.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("%s server: %w", s.name, err)
			}
		}(s)
	}

	util.Info("Identity service started",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("auto_cert", cfg.Server.AutoCert),
	)

	waitForShutdown(f, serveErr, servers)
}

// setupRouter mounts the identity, attestation, verification and attester
// endpoints on the Chi router
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	services := f.ServiceFactory()
	logger := util.Get()

	identities := services.IdentityService()
	attestations := services.AttestationService()

	return handler.NewRouter(
		handler.RouterConfig{
			RequireTLS:     cfg.Server.EnableTLS,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		f.Health,
		logger,
		handler.NewIdentityHandler(identities, attestations, logger.Named("identity_handler")),
		handler.NewAttestationHandler(attestations, identities, logger.Named("attestation_handler")),
		handler.NewVerificationHandler(services.VerificationService(), logger.Named("verification_handler")),
		handler.NewAttesterHandler(f.AttesterRegistry(), logger.Named("attester_handler")),
	)
}

type managedServer struct {
	*http.Server
	name string
	tls  bool
}

func (s *managedServer) serve() error {
	if s.tls {
		return s.ListenAndServeTLS("", "")
	}
	return s.ListenAndServe()
}

// buildServers returns the API server and, for autocert in production, the
// plain HTTP listener that answers ACME challenges and redirects to HTTPS.
func buildServers(f *factory.Factory, cfg *config.Config, router http.Handler) ([]*managedServer, error) {
	api := &managedServer{
		Server: &http.Server{
			Addr:         cfg.GetServerAddress(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		name: "api",
	}

	if !cfg.Server.EnableTLS {
		util.Warn("TLS is disabled - serving plain HTTP",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port))
		return []*managedServer{api}, nil
	}

	tlsManager := f.TLSManager()
	api.Addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.TLSPort)
	// Certificates come from TLSConfig.GetCertificate, so the file arguments
	// to ListenAndServeTLS stay empty.
	api.TLSConfig = tlsManager.ServerConfig()
	api.tls = true

	if !(cfg.IsProduction() && cfg.Server.AutoCert) {
		return []*managedServer{api}, nil
	}

	challengeHandler := tlsManager.ChallengeHandler()
	if challengeHandler == nil {
		return nil, errors.New("ACME is not available in production")
	}
	api.Addr = ":443"
	challenge := &managedServer{
		Server: &http.Server{
			Addr:              ":80",
			Handler:           challengeHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		name: "acme",
	}
	return []*managedServer{api, challenge}, nil
}

func waitForShutdown(f *factory.Factory, serveErr <-chan error, servers []*managedServer) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case sig := <-signalChan:
		util.Info("Received shutdown signal", util.String("signal", sig.String()))
	case err := <-serveErr:
		util.Error("Server stopped unexpectedly", util.ErrorField(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.String("name", s.name), util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("name", s.name))
		}
	}
	f.Close()
}
