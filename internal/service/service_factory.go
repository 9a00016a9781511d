package service

import (
	"time"

	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/authz"
	"identity-service/internal/clock"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/locking"
	"identity-service/internal/proof"
	"identity-service/internal/repository"
	"identity-service/internal/tier"
)

// Settings holds the engine timings shared by the services.
type Settings struct {
	AttestationValidity time.Duration
	ConsentWindow       time.Duration
	ChallengeValidity   time.Duration
	MaxConflictRetries  int
	LockWait            time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		AttestationValidity: cfg.Engine.AttestationValidity,
		ConsentWindow:       cfg.Engine.ConsentWindow,
		ChallengeValidity:   cfg.Engine.ChallengeValidity,
		MaxConflictRetries:  cfg.Engine.MaxConflictRetries,
		LockWait:            cfg.Engine.LockWait,
	}
}

func (s Settings) withDefaults() Settings {
	if s.AttestationValidity <= 0 {
		s.AttestationValidity = 365 * 24 * time.Hour
	}
	if s.ConsentWindow <= 0 {
		s.ConsentWindow = 7 * 24 * time.Hour
	}
	if s.ChallengeValidity <= 0 {
		s.ChallengeValidity = 24 * time.Hour
	}
	if s.MaxConflictRetries <= 0 {
		s.MaxConflictRetries = 3
	}
	if s.LockWait <= 0 {
		s.LockWait = 5 * time.Second
	}
	return s
}

// Dependencies are the collaborators the services are built from. Identity
// and verification work lock on separate lockers so a verification decision
// never waits behind an identity mutation.
type Dependencies struct {
	Store            *repository.Store
	Oracle           authz.Oracle
	Tiers            *tier.Table
	Proofs           *proof.Generator
	Hasher           *hashing.Hasher
	IdentityLocker   locking.Locker
	VerificationLock locking.Locker
	Anchors          AnchorQueue
	Audit            audit.Emitter
	Clock            clock.Clock
	Settings         Settings
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps   Dependencies
	logger *zap.Logger

	attestationService  *AttestationService
	identityService     *IdentityService
	verificationService *VerificationService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(deps Dependencies, logger *zap.Logger) *ServiceFactory {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	return &ServiceFactory{deps: deps, logger: logger}
}

// AttestationService returns the attestation ledger (singleton)
func (f *ServiceFactory) AttestationService() *AttestationService {
	if f.attestationService == nil {
		f.attestationService = NewAttestationService(
			f.deps.Store,
			f.deps.Oracle,
			f.deps.Tiers,
			f.deps.Proofs,
			f.deps.IdentityLocker,
			f.deps.Anchors,
			f.deps.Audit,
			f.deps.Clock,
			f.deps.Settings,
			f.logger.Named("attestations"),
		)
	}
	return f.attestationService
}

// IdentityService returns the identity service instance (singleton)
func (f *ServiceFactory) IdentityService() *IdentityService {
	if f.identityService == nil {
		f.identityService = NewIdentityService(
			f.deps.Store,
			f.deps.Tiers,
			f.deps.Hasher,
			f.deps.IdentityLocker,
			f.deps.Audit,
			f.deps.Clock,
			f.deps.Settings,
			f.logger.Named("identities"),
		)
	}
	return f.identityService
}

// VerificationService returns the disclosure engine (singleton)
func (f *ServiceFactory) VerificationService() *VerificationService {
	if f.verificationService == nil {
		f.verificationService = NewVerificationService(
			f.deps.Store,
			f.AttestationService(),
			f.deps.Oracle,
			f.deps.Proofs,
			f.deps.VerificationLock,
			f.deps.Audit,
			f.deps.Clock,
			f.deps.Settings,
			f.logger.Named("verifications"),
		)
	}
	return f.verificationService
}
