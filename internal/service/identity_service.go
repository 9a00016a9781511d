package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/clock"
	"identity-service/internal/hashing"
	"identity-service/internal/locking"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/tier"
	"identity-service/internal/util"
)

const (
	challengeBytes     = 32
	maxProfileEntries  = 64
	maxProfileValueLen = 1024
)

type CreateIdentityRequest struct {
	OwnerID       string
	LedgerAddress string
	PersonalInfo  map[string]string
	ContactInfo   map[string]string
}

// IdentityService manages the identity record itself. Tier and live fields
// are owned by AttestationService; here they are only re-evaluated on read.
type IdentityService struct {
	identities   repository.IdentityRepository
	attestations repository.AttestationRepository
	tiers        *tier.Table
	hasher       *hashing.Hasher
	locker       locking.Locker
	audit        audit.Emitter
	clock        clock.Clock
	settings     Settings
	logger       *zap.Logger
}

func NewIdentityService(
	store *repository.Store,
	tiers *tier.Table,
	hasher *hashing.Hasher,
	locker locking.Locker,
	emitter audit.Emitter,
	clk clock.Clock,
	settings Settings,
	logger *zap.Logger,
) *IdentityService {
	if emitter == nil {
		emitter = audit.Discard{}
	}
	return &IdentityService{
		identities:   store.Identities,
		attestations: store.Attestations,
		tiers:        tiers,
		hasher:       hasher,
		locker:       locker,
		audit:        emitter,
		clock:        clk,
		settings:     settings.withDefaults(),
		logger:       logger,
	}
}

// Create registers the owner's identity at tier 0 and returns it with a
// one-time control challenge. Only the challenge's hash is stored.
func (s *IdentityService) Create(ctx context.Context, req CreateIdentityRequest) (*models.Identity, string, error) {
	if req.OwnerID == "" {
		return nil, "", invalidArgument("owner id is required")
	}
	if req.LedgerAddress == "" {
		return nil, "", invalidArgument("ledger address is required")
	}
	if util.ContainsSuspicious(req.LedgerAddress) {
		return nil, "", invalidArgument("ledger address contains disallowed characters")
	}
	if err := validateProfile(req.PersonalInfo); err != nil {
		return nil, "", err
	}
	if err := validateProfile(req.ContactInfo); err != nil {
		return nil, "", err
	}

	challenge, err := newChallenge()
	if err != nil {
		return nil, "", err
	}
	hashed, err := s.hasher.Hash(challenge, hashing.PurposeChallenge)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash challenge: %w", err)
	}

	now := s.clock.Now()
	identity := &models.Identity{
		ID:                 uuid.NewString(),
		OwnerID:            req.OwnerID,
		LedgerAddress:      req.LedgerAddress,
		LiveVerifiedFields: models.FieldSet{},
		PersonalInfo:       sanitizeProfile(req.PersonalInfo),
		ContactInfo:        sanitizeProfile(req.ContactInfo),
		AttestationIDs:     []string{},
		Active:             true,
		ChallengeHash:      hashed,
		ChallengeExpiresAt: now.Add(s.settings.ChallengeValidity),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.identities.Create(ctx, identity); err != nil {
		return nil, "", translate(err, "identity for owner "+req.OwnerID)
	}

	s.logger.Info("Identity created",
		zap.String("identity_id", identity.ID),
		zap.String("owner_id", identity.OwnerID))
	s.audit.Emit(audit.Event{
		Type:       audit.IdentityCreated,
		OccurredAt: now,
		ActorID:    req.OwnerID,
		IdentityID: identity.ID,
	})

	return identity.Clone(), challenge, nil
}

func newChallenge() (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// VerifyChallenge checks the owner's answer to the control challenge. A
// correct answer is remembered and the stored hash discarded.
func (s *IdentityService) VerifyChallenge(ctx context.Context, identityID, ownerID, response string) (bool, error) {
	identity, err := s.identities.Get(ctx, identityID)
	if err != nil {
		return false, translate(err, "identity "+identityID)
	}
	if identity.OwnerID != ownerID {
		return false, fmt.Errorf("%w: identity %s belongs to another owner", ErrForbidden, identityID)
	}
	if identity.ChallengeVerified {
		return true, nil
	}
	if !s.clock.Now().Before(identity.ChallengeExpiresAt) {
		return false, fmt.Errorf("%w: challenge for identity %s", ErrExpired, identityID)
	}

	ok, err := s.hasher.Verify(response, identity.ChallengeHash, hashing.PurposeChallenge)
	if err != nil {
		return false, fmt.Errorf("failed to verify challenge: %w", err)
	}
	if !ok {
		return false, nil
	}

	err = s.update(ctx, identityID, func(current *models.Identity) error {
		current.ChallengeVerified = true
		current.ChallengeHash = ""
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateProfile merges the given entries into the free-form profile maps. An
// empty value removes the key.
func (s *IdentityService) UpdateProfile(ctx context.Context, identityID, ownerID string, personal, contact map[string]string) (*models.Identity, error) {
	if err := validateProfile(personal); err != nil {
		return nil, err
	}
	if err := validateProfile(contact); err != nil {
		return nil, err
	}

	var updated *models.Identity
	err := s.update(ctx, identityID, func(current *models.Identity) error {
		if current.OwnerID != ownerID {
			return fmt.Errorf("%w: identity %s belongs to another owner", ErrForbidden, identityID)
		}
		if !current.Active {
			return fmt.Errorf("%w: identity %s is deactivated", ErrNotFound, identityID)
		}
		current.PersonalInfo = mergeProfile(current.PersonalInfo, personal)
		current.ContactInfo = mergeProfile(current.ContactInfo, contact)
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Deactivate soft-deletes the identity. Attestations and verifications are
// kept; no new attestation can be issued against it. Repeated calls are
// no-ops.
func (s *IdentityService) Deactivate(ctx context.Context, identityID, ownerID string) (*models.Identity, error) {
	var (
		updated *models.Identity
		changed bool
		now     time.Time
	)
	err := s.update(ctx, identityID, func(current *models.Identity) error {
		if current.OwnerID != ownerID {
			return fmt.Errorf("%w: identity %s belongs to another owner", ErrForbidden, identityID)
		}
		updated = current
		if !current.Active {
			return errUnchanged
		}
		now = s.clock.Now()
		current.Active = false
		current.DeactivatedAt = &now
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info("Identity deactivated", zap.String("identity_id", identityID))
		s.audit.Emit(audit.Event{
			Type:       audit.IdentityDeactivated,
			OccurredAt: now,
			ActorID:    ownerID,
			IdentityID: identityID,
		})
	}
	return updated.Clone(), nil
}

// update applies mutate to the freshest copy of the identity under the
// identity lock and stores it. mutate may return errUnchanged to skip the
// write.
func (s *IdentityService) update(ctx context.Context, identityID string, mutate func(*models.Identity) error) error {
	unlock, err := lockKey(ctx, s.locker, identityLockKey(identityID), s.settings.LockWait)
	if err != nil {
		return err
	}
	defer unlock()

	err = retryOnConflict(ctx, s.settings.MaxConflictRetries, func() error {
		current, err := s.identities.Get(ctx, identityID)
		if err != nil {
			return err
		}
		if err := mutate(current); err != nil {
			return err
		}
		current.UpdatedAt = s.clock.Now()
		return s.identities.CompareAndSwap(ctx, current, current.Version)
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return translate(err, "identity "+identityID)
}

// Get returns the identity with live fields and tier evaluated at read time,
// so expiries the sweep has not reached yet are already reflected.
func (s *IdentityService) Get(ctx context.Context, identityID string) (*models.Identity, error) {
	identity, err := s.identities.Get(ctx, identityID)
	if err != nil {
		return nil, translate(err, "identity "+identityID)
	}
	return s.evaluate(ctx, identity)
}

func (s *IdentityService) GetByOwner(ctx context.Context, ownerID string) (*models.Identity, error) {
	identity, err := s.identities.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, translate(err, "identity for owner "+ownerID)
	}
	return s.evaluate(ctx, identity)
}

func (s *IdentityService) evaluate(ctx context.Context, identity *models.Identity) (*models.Identity, error) {
	attestations, err := s.attestations.ListByIdentity(ctx, identity.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attestations: %w", err)
	}
	identity.Tier, identity.LiveVerifiedFields = s.tiers.ComputeFor(attestations, s.clock.Now())
	return identity, nil
}

func validateProfile(m map[string]string) error {
	if len(m) > maxProfileEntries {
		return invalidArgument("profile has more than %d entries", maxProfileEntries)
	}
	for k, v := range m {
		if !models.ValidFieldName(k) {
			return invalidArgument("profile key %q is not a valid field name", k)
		}
		if len(v) > maxProfileValueLen {
			return invalidArgument("profile value for %q is too long", k)
		}
	}
	return nil
}

func sanitizeProfile(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v = util.SanitizeInput(v); v != "" {
			out[k] = v
		}
	}
	return out
}

func mergeProfile(current, changes map[string]string) map[string]string {
	out := make(map[string]string, len(current)+len(changes))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range changes {
		if v = util.SanitizeInput(v); v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
