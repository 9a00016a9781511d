package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/anchor"
	"identity-service/internal/audit"
	"identity-service/internal/authz"
	"identity-service/internal/clock"
	"identity-service/internal/locking"
	"identity-service/internal/models"
	"identity-service/internal/proof"
	"identity-service/internal/repository"
	"identity-service/internal/tier"
	"identity-service/internal/util"
)

const (
	minConfidence = 0
	maxConfidence = 100

	maxReasonLength = 500
)

// AnchorQueue accepts attestations for best-effort notarization.
type AnchorQueue interface {
	Enqueue(req anchor.Request) bool
}

// IssueRequest carries the attester's claim. A nil ExpiresAt means the
// default validity window applies.
type IssueRequest struct {
	IdentityID string
	AttesterID string
	Type       string
	Fields     models.Claims
	Metadata   models.Claims
	Confidence int
	ExpiresAt  *time.Time
}

// AttestationView is an attestation together with its liveness at read time.
type AttestationView struct {
	*models.Attestation
	Live bool `json:"live"`
}

// AttestationService is the attestation ledger. It owns issuance and
// revocation and keeps each identity's live fields and tier in step with its
// attestations. Every mutation of an identity's derived state runs under the
// identity lock.
type AttestationService struct {
	identities   repository.IdentityRepository
	attestations repository.AttestationRepository
	oracle       authz.Oracle
	tiers        *tier.Table
	proofs       *proof.Generator
	locker       locking.Locker
	anchors      AnchorQueue
	audit        audit.Emitter
	clock        clock.Clock
	settings     Settings
	logger       *zap.Logger

	sweepMu    sync.Mutex
	sweptUntil time.Time
}

func NewAttestationService(
	store *repository.Store,
	oracle authz.Oracle,
	tiers *tier.Table,
	proofs *proof.Generator,
	locker locking.Locker,
	anchors AnchorQueue,
	emitter audit.Emitter,
	clk clock.Clock,
	settings Settings,
	logger *zap.Logger,
) *AttestationService {
	if emitter == nil {
		emitter = audit.Discard{}
	}
	return &AttestationService{
		identities:   store.Identities,
		attestations: store.Attestations,
		oracle:       oracle,
		tiers:        tiers,
		proofs:       proofs,
		locker:       locker,
		anchors:      anchors,
		audit:        emitter,
		clock:        clk,
		settings:     settings.withDefaults(),
		logger:       logger,
	}
}

// Issue records a new attestation and folds its fields into the identity's
// live fields and tier before returning. Anchoring happens afterwards and
// never affects the outcome.
func (s *AttestationService) Issue(ctx context.Context, req IssueRequest) (*models.Attestation, error) {
	now := s.clock.Now()

	attestationType, err := s.validateIssue(req, now)
	if err != nil {
		return nil, err
	}

	identity, err := s.identities.Get(ctx, req.IdentityID)
	if err != nil {
		return nil, translate(err, "identity "+req.IdentityID)
	}
	if !identity.Active {
		return nil, fmt.Errorf("%w: identity %s is deactivated", ErrNotFound, req.IdentityID)
	}

	allowed, err := s.oracle.CanIssue(ctx, req.AttesterID, attestationType)
	if err != nil {
		return nil, fmt.Errorf("failed to check attester authority: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: attester %s may not issue %s attestations", ErrUnauthorized, req.AttesterID, attestationType)
	}

	unlock, err := lockKey(ctx, s.locker, identityLockKey(req.IdentityID), s.settings.LockWait)
	if err != nil {
		return nil, err
	}
	defer unlock()

	expiresAt := req.ExpiresAt
	if expiresAt == nil {
		t := now.Add(s.settings.AttestationValidity)
		expiresAt = &t
	}
	attestation := &models.Attestation{
		ID:         uuid.NewString(),
		IdentityID: req.IdentityID,
		AttesterID: req.AttesterID,
		Type:       attestationType,
		Fields:     append(models.Claims{}, req.Fields...),
		Metadata:   req.Metadata,
		Confidence: req.Confidence,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
	}

	// A deactivation that raced ahead of the lock wins.
	current, err := s.identities.Get(ctx, req.IdentityID)
	if err != nil {
		return nil, translate(err, "identity "+req.IdentityID)
	}
	if !current.Active {
		return nil, fmt.Errorf("%w: identity %s is deactivated", ErrNotFound, req.IdentityID)
	}

	if err := s.attestations.Create(ctx, attestation); err != nil {
		return nil, translate(err, "attestation")
	}

	before, after, err := s.refreshLocked(ctx, req.IdentityID, attestation.ID)
	if err != nil {
		// The attestation exists; the next refresh or sweep reconciles the
		// identity.
		s.logger.Error("Failed to update identity after issuance",
			zap.String("identity_id", req.IdentityID),
			zap.String("attestation_id", attestation.ID),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Attestation issued",
		zap.String("attestation_id", attestation.ID),
		zap.String("identity_id", attestation.IdentityID),
		zap.String("attester_id", attestation.AttesterID),
		zap.String("type", string(attestation.Type)),
		zap.Int("tier", after.Tier))

	s.audit.Emit(audit.Event{
		Type:          audit.AttestationIssued,
		OccurredAt:    now,
		ActorID:       attestation.AttesterID,
		IdentityID:    attestation.IdentityID,
		AttestationID: attestation.ID,
		Details: map[string]string{
			"type":       string(attestation.Type),
			"confidence": strconv.Itoa(attestation.Confidence),
		},
	})
	s.emitTierChange(before, after, attestation.AttesterID, now)
	s.enqueueAnchor(attestation)

	return attestation.Clone(), nil
}

func (s *AttestationService) validateIssue(req IssueRequest, now time.Time) (models.AttestationType, error) {
	if req.IdentityID == "" {
		return "", invalidArgument("identity id is required")
	}
	if req.AttesterID == "" {
		return "", invalidArgument("attester id is required")
	}
	attestationType, err := models.ParseAttestationType(req.Type)
	if err != nil {
		return "", invalidArgument("%v", err)
	}
	if err := req.Fields.Validate(); err != nil {
		return "", invalidArgument("fields: %v", err)
	}
	if len(req.Metadata) > 0 {
		if err := req.Metadata.Validate(); err != nil {
			return "", invalidArgument("metadata: %v", err)
		}
	}
	if req.Confidence < minConfidence || req.Confidence > maxConfidence {
		return "", invalidArgument("confidence %d outside [%d, %d]", req.Confidence, minConfidence, maxConfidence)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return "", invalidArgument("expiresAt must be in the future")
	}
	return attestationType, nil
}

// Revoke marks the attestation revoked and drops whatever only it was
// vouching for from the identity's live fields, lowering the tier if needed.
func (s *AttestationService) Revoke(ctx context.Context, attestationID, attesterID, reason string) (*models.Attestation, error) {
	if len(reason) > maxReasonLength {
		return nil, invalidArgument("reason longer than %d characters", maxReasonLength)
	}
	if util.ContainsSuspicious(reason) {
		return nil, invalidArgument("reason contains disallowed characters")
	}

	attestation, err := s.attestations.Get(ctx, attestationID)
	if err != nil {
		return nil, translate(err, "attestation "+attestationID)
	}
	if err := checkRevocable(attestation, attesterID); err != nil {
		return nil, err
	}

	unlock, err := lockKey(ctx, s.locker, identityLockKey(attestation.IdentityID), s.settings.LockWait)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock.Now()
	err = retryOnConflict(ctx, s.settings.MaxConflictRetries, func() error {
		current, err := s.attestations.Get(ctx, attestationID)
		if err != nil {
			return err
		}
		if err := checkRevocable(current, attesterID); err != nil {
			return err
		}
		current.Revoked = true
		current.RevokedAt = &now
		current.RevocationReason = reason
		if err := s.attestations.CompareAndSwap(ctx, current, current.Version); err != nil {
			return err
		}
		attestation = current
		return nil
	})
	if err != nil {
		return nil, translate(err, "attestation "+attestationID)
	}

	before, after, err := s.refreshLocked(ctx, attestation.IdentityID, "")
	if err != nil {
		s.logger.Error("Failed to update identity after revocation",
			zap.String("identity_id", attestation.IdentityID),
			zap.String("attestation_id", attestationID),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Attestation revoked",
		zap.String("attestation_id", attestationID),
		zap.String("identity_id", attestation.IdentityID),
		zap.Int("tier", after.Tier))

	s.audit.Emit(audit.Event{
		Type:          audit.AttestationRevoked,
		OccurredAt:    now,
		ActorID:       attesterID,
		IdentityID:    attestation.IdentityID,
		AttestationID: attestationID,
		Details:       map[string]string{"reason": reason},
	})
	s.emitTierChange(before, after, attesterID, now)

	return attestation.Clone(), nil
}

func checkRevocable(a *models.Attestation, attesterID string) error {
	if a.AttesterID != attesterID {
		return fmt.Errorf("%w: attestation %s was issued by another attester", ErrForbidden, a.ID)
	}
	if a.Revoked {
		return fmt.Errorf("%w: attestation %s is already revoked", ErrConflict, a.ID)
	}
	return nil
}

// Refresh recomputes the identity's live fields and tier from its
// attestations as of now and stores the result.
func (s *AttestationService) Refresh(ctx context.Context, identityID string) (*models.Identity, error) {
	unlock, err := lockKey(ctx, s.locker, identityLockKey(identityID), s.settings.LockWait)
	if err != nil {
		return nil, err
	}
	defer unlock()

	before, after, err := s.refreshLocked(ctx, identityID, "")
	if err != nil {
		return nil, err
	}
	s.emitTierChange(before, after, "", s.clock.Now())
	return after, nil
}

// refreshLocked rebuilds the materialized view. appendID, when set, is added
// to the identity's attestation list. The caller holds the identity lock.
func (s *AttestationService) refreshLocked(ctx context.Context, identityID, appendID string) (before, after *models.Identity, err error) {
	err = retryOnConflict(ctx, s.settings.MaxConflictRetries, func() error {
		identity, err := s.identities.Get(ctx, identityID)
		if err != nil {
			return err
		}
		attestations, err := s.attestations.ListByIdentity(ctx, identityID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		level, live := s.tiers.ComputeFor(attestations, now)

		before = identity.Clone()
		changed := identity.Tier != level || !identity.LiveVerifiedFields.Equal(live)
		identity.Tier = level
		identity.LiveVerifiedFields = live
		if appendID != "" && !identity.HasAttestation(appendID) {
			identity.AttestationIDs = append(identity.AttestationIDs, appendID)
			changed = true
		}
		if !changed {
			after = identity
			return nil
		}
		identity.UpdatedAt = now
		if err := s.identities.CompareAndSwap(ctx, identity, identity.Version); err != nil {
			return err
		}
		after = identity
		return nil
	})
	if err != nil {
		return nil, nil, translate(err, "identity "+identityID)
	}
	return before, after, nil
}

func (s *AttestationService) emitTierChange(before, after *models.Identity, actorID string, now time.Time) {
	if before == nil || after == nil || before.Tier == after.Tier {
		return
	}
	s.logger.Info("Identity tier changed",
		zap.String("identity_id", after.ID),
		zap.Int("from", before.Tier),
		zap.Int("to", after.Tier))
	s.audit.Emit(audit.Event{
		Type:       audit.TierChanged,
		OccurredAt: now,
		ActorID:    actorID,
		IdentityID: after.ID,
		Details: map[string]string{
			"from": strconv.Itoa(before.Tier),
			"to":   strconv.Itoa(after.Tier),
		},
	})
}

// Sweep refreshes every identity holding an attestation that expired since
// the previous sweep. Reads evaluate expiry on their own; the sweep only keeps
// the stored view current. It returns how many identities were refreshed.
func (s *AttestationService) Sweep(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	now := s.clock.Now()
	from := s.sweptUntil
	if from.IsZero() {
		from = now.Add(-s.settings.AttestationValidity)
	}

	expired, err := s.attestations.ListExpiringBetween(ctx, from, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expiring attestations: %w", err)
	}

	seen := make(map[string]struct{})
	var errs []error
	refreshed := 0
	for _, a := range expired {
		if _, ok := seen[a.IdentityID]; ok {
			continue
		}
		seen[a.IdentityID] = struct{}{}
		if _, err := s.Refresh(ctx, a.IdentityID); err != nil {
			errs = append(errs, fmt.Errorf("identity %s: %w", a.IdentityID, err))
			continue
		}
		refreshed++
	}

	if len(errs) == 0 {
		s.sweptUntil = now
	}
	if refreshed > 0 || len(errs) > 0 {
		s.logger.Info("Expiry sweep finished",
			zap.Int("expired", len(expired)),
			zap.Int("identities", refreshed),
			zap.Int("failures", len(errs)))
	}
	return refreshed, errors.Join(errs...)
}

// LiveFields returns the union of fields over the identity's live
// attestations, evaluated now.
func (s *AttestationService) LiveFields(ctx context.Context, identityID string) (models.FieldSet, error) {
	attestations, err := s.attestations.ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, translate(err, "identity "+identityID)
	}
	live, _ := models.LiveFields(attestations, s.clock.Now())
	return live, nil
}

func (s *AttestationService) Get(ctx context.Context, attestationID string) (*AttestationView, error) {
	attestation, err := s.attestations.Get(ctx, attestationID)
	if err != nil {
		return nil, translate(err, "attestation "+attestationID)
	}
	return &AttestationView{Attestation: attestation, Live: attestation.IsLive(s.clock.Now())}, nil
}

// List returns the identity's attestations in issuance order.
func (s *AttestationService) List(ctx context.Context, identityID string) ([]AttestationView, error) {
	if _, err := s.identities.Get(ctx, identityID); err != nil {
		return nil, translate(err, "identity "+identityID)
	}
	attestations, err := s.attestations.ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, translate(err, "identity "+identityID)
	}
	now := s.clock.Now()
	out := make([]AttestationView, 0, len(attestations))
	for _, a := range attestations {
		out = append(out, AttestationView{Attestation: a, Live: a.IsLive(now)})
	}
	return out, nil
}

// RecordAnchor stores the notarization reference. The first reference wins;
// later calls are no-ops.
func (s *AttestationService) RecordAnchor(ctx context.Context, attestationID, ref string) error {
	recorded := false
	now := s.clock.Now()
	err := retryOnConflict(ctx, s.settings.MaxConflictRetries, func() error {
		attestation, err := s.attestations.Get(ctx, attestationID)
		if err != nil {
			return err
		}
		if attestation.LedgerAnchor != nil {
			return nil
		}
		attestation.LedgerAnchor = &ref
		if err := s.attestations.CompareAndSwap(ctx, attestation, attestation.Version); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		return translate(err, "attestation "+attestationID)
	}
	if recorded {
		s.audit.Emit(audit.Event{
			Type:          audit.AttestationAnchored,
			OccurredAt:    now,
			AttestationID: attestationID,
			Details:       map[string]string{"ref": ref},
		})
	}
	return nil
}

// ReanchorPending resubmits attestations issued before cutoff that still have
// no anchor. It returns how many were queued.
func (s *AttestationService) ReanchorPending(ctx context.Context, issuedBefore time.Time, limit int) (int, error) {
	if s.anchors == nil {
		return 0, nil
	}
	pending, err := s.attestations.ListUnanchored(ctx, issuedBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unanchored attestations: %w", err)
	}
	queued := 0
	for _, a := range pending {
		if s.enqueueAnchor(a) {
			queued++
		}
	}
	return queued, nil
}

func (s *AttestationService) enqueueAnchor(a *models.Attestation) bool {
	if s.anchors == nil {
		return false
	}
	return s.anchors.Enqueue(anchor.Request{
		AttestationID: a.ID,
		PayloadHash:   s.proofs.AttestationDigest(a),
	})
}

func identityLockKey(id string) string {
	return "identity:" + id
}
