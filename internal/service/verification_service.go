package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/authz"
	"identity-service/internal/clock"
	"identity-service/internal/locking"
	"identity-service/internal/models"
	"identity-service/internal/proof"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const (
	maxPurposeLength = 500

	defaultPageSize = 20
	maxPageSize     = 100

	lapsedMessage = "consent window expired"
)

// LiveFieldReader supplies the live-attested fields of an identity at the
// moment of a disclosure decision.
type LiveFieldReader interface {
	LiveFields(ctx context.Context, identityID string) (models.FieldSet, error)
}

type RequestVerificationRequest struct {
	RequestorID     string
	IdentityID      string
	RequestedFields []string
	Purpose         string
	ExpiresAt       *time.Time
}

// RequestLimiter caps how many verifications a requestor may open per
// window.
type RequestLimiter interface {
	Allow(ctx context.Context, requestorID string) (bool, error)
}

type ListFilter struct {
	Status models.VerificationStatus
	Limit  int
	Skip   int
}

type VerificationPage struct {
	Verifications []*models.Verification `json:"verifications"`
	Total         int                    `json:"total"`
	HasMore       bool                   `json:"hasMore"`
}

// VerificationService is the disclosure engine. A verifier's request is
// answered only with fields the owner selected that are also backed by a
// live attestation when consent is given. Decisions on one verification are
// serialized; they read identity state but never write it.
type VerificationService struct {
	verifications repository.VerificationRepository
	identities    repository.IdentityRepository
	live          LiveFieldReader
	oracle        authz.Oracle
	proofs        *proof.Generator
	locker        locking.Locker
	limiter       RequestLimiter
	audit         audit.Emitter
	clock         clock.Clock
	settings      Settings
	logger        *zap.Logger
}

func NewVerificationService(
	store *repository.Store,
	live LiveFieldReader,
	oracle authz.Oracle,
	proofs *proof.Generator,
	locker locking.Locker,
	emitter audit.Emitter,
	clk clock.Clock,
	settings Settings,
	logger *zap.Logger,
) *VerificationService {
	if emitter == nil {
		emitter = audit.Discard{}
	}
	return &VerificationService{
		verifications: store.Verifications,
		identities:    store.Identities,
		live:          live,
		oracle:        oracle,
		proofs:        proofs,
		locker:        locker,
		audit:         emitter,
		clock:         clk,
		settings:      settings.withDefaults(),
		logger:        logger,
	}
}

// WithRequestLimiter enables per-requestor throttling of Request.
func (s *VerificationService) WithRequestLimiter(limiter RequestLimiter) *VerificationService {
	s.limiter = limiter
	return s
}

// Request opens a pending verification. Requested fields are not checked
// against what the identity has attested; that happens at consent time.
func (s *VerificationService) Request(ctx context.Context, req RequestVerificationRequest) (*models.Verification, error) {
	if req.RequestorID == "" {
		return nil, invalidArgument("requestor id is required")
	}
	requested, err := parseFieldNames(req.RequestedFields)
	if err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		return nil, invalidArgument("at least one field must be requested")
	}
	if len(req.Purpose) > maxPurposeLength {
		return nil, invalidArgument("purpose longer than %d characters", maxPurposeLength)
	}
	if util.ContainsSuspicious(req.Purpose) {
		return nil, invalidArgument("purpose contains disallowed characters")
	}

	identity, err := s.identities.Get(ctx, req.IdentityID)
	if err != nil {
		return nil, translate(err, "identity "+req.IdentityID)
	}
	if !identity.Active {
		return nil, fmt.Errorf("%w: identity %s is deactivated", ErrNotFound, req.IdentityID)
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, req.RequestorID)
		if err != nil {
			s.logger.Warn("Request limiter unavailable, allowing request",
				zap.String("requestor_id", req.RequestorID), zap.Error(err))
		} else if !allowed {
			return nil, fmt.Errorf("%w: too many verification requests from %s", ErrRateLimited, req.RequestorID)
		}
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.settings.ConsentWindow)
	if req.ExpiresAt != nil {
		expiresAt = req.ExpiresAt.UTC()
	}

	verification := &models.Verification{
		ID:              uuid.NewString(),
		RequestorID:     req.RequestorID,
		IdentityID:      identity.ID,
		OwnerID:         identity.OwnerID,
		RequestedFields: requested,
		Purpose:         req.Purpose,
		Consent:         models.Consent{ExpiresAt: expiresAt},
		Result: models.Result{
			Status:          models.StatusPending,
			DisclosedFields: models.FieldSet{},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.verifications.Create(ctx, verification); err != nil {
		return nil, translate(err, "verification")
	}

	s.logger.Info("Verification requested",
		zap.String("verification_id", verification.ID),
		zap.String("requestor_id", verification.RequestorID),
		zap.String("identity_id", verification.IdentityID),
		zap.Strings("fields", verification.RequestedFields))
	s.audit.Emit(audit.Event{
		Type:           audit.VerificationRequest,
		OccurredAt:     now,
		ActorID:        req.RequestorID,
		IdentityID:     verification.IdentityID,
		VerificationID: verification.ID,
	})

	return verification.Clone(), nil
}

// GrantConsent approves the request. The owner may narrow the requested
// fields with selected; an empty selection means all requested fields. The
// disclosed set is requested ∩ selected ∩ live-attested. Consent after the
// window closes revokes the request and fails with ErrExpired.
func (s *VerificationService) GrantConsent(ctx context.Context, verificationID, ownerID string, selected []string) (*models.Verification, error) {
	selection, err := parseFieldNames(selected)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeOwner(ctx, verificationID, ownerID); err != nil {
		return nil, err
	}

	verification, err := s.update(ctx, verificationID, func(v *models.Verification, now time.Time) error {
		if v.Result.Status != models.StatusPending {
			return fmt.Errorf("%w: verification %s is already %s", ErrConflict, v.ID, v.Result.Status)
		}
		if v.ConsentLapsed(now) {
			expire(v, now)
			return afterWrite{fmt.Errorf("%w: consent window for verification %s closed at %s",
				ErrExpired, v.ID, v.Consent.ExpiresAt.Format(time.RFC3339))}
		}

		live, err := s.live.LiveFields(ctx, v.IdentityID)
		if err != nil {
			return err
		}

		base := selection
		if len(base) == 0 {
			base = v.RequestedFields
		}
		candidate := base.Intersect(v.RequestedFields)
		disclosed := candidate.Intersect(live)

		v.Consent.Granted = true
		v.Consent.GrantedAt = &now
		v.Consent.SelectedFields = candidate
		v.Result = models.Result{
			Status:          models.StatusApproved,
			DisclosedFields: disclosed,
			VerifiedAt:      &now,
		}
		p := s.proofs.Generate(v.IdentityID, v.RequestorID, disclosed, now)
		v.Proof = &p
		return nil
	})
	if errors.Is(err, ErrExpired) && verification != nil {
		s.logger.Warn("Consent granted after window closed",
			zap.String("verification_id", verificationID),
			zap.Time("expires_at", verification.Consent.ExpiresAt))
		s.audit.Emit(audit.Event{
			Type:           audit.ConsentExpired,
			OccurredAt:     verification.UpdatedAt,
			ActorID:        ownerID,
			IdentityID:     verification.IdentityID,
			VerificationID: verificationID,
		})
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Consent granted",
		zap.String("verification_id", verification.ID),
		zap.Strings("disclosed", verification.Result.DisclosedFields),
		zap.Int("withheld", len(verification.Consent.SelectedFields)-len(verification.Result.DisclosedFields)))
	s.audit.Emit(audit.Event{
		Type:           audit.ConsentGranted,
		OccurredAt:     *verification.Result.VerifiedAt,
		ActorID:        ownerID,
		IdentityID:     verification.IdentityID,
		VerificationID: verification.ID,
		Details: map[string]string{
			"proofMethod": verification.Proof.Method,
			"proofHash":   verification.Proof.Hash,
		},
	})
	return verification, nil
}

// RevokeConsent moves a pending or approved verification to revoked. The
// owner may revoke either; the requestor may only withdraw a pending request.
// Revoking an already revoked verification returns it unchanged.
func (s *VerificationService) RevokeConsent(ctx context.Context, verificationID, callerID string) (*models.Verification, error) {
	existing, err := s.verifications.Get(ctx, verificationID)
	if err != nil {
		return nil, translate(err, "verification "+verificationID)
	}
	isOwner, err := s.oracle.Owns(ctx, callerID, existing.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("failed to check ownership: %w", err)
	}
	isRequestor := existing.RequestorID == callerID
	if !isOwner && !isRequestor {
		return nil, fmt.Errorf("%w: caller is neither owner nor requestor of verification %s", ErrForbidden, verificationID)
	}

	changed := false
	verification, err := s.update(ctx, verificationID, func(v *models.Verification, now time.Time) error {
		switch v.EffectiveStatus(now) {
		case models.StatusRevoked:
			return errUnchanged
		case models.StatusRejected:
			return fmt.Errorf("%w: verification %s was rejected", ErrConflict, v.ID)
		case models.StatusApproved:
			if !isOwner {
				return fmt.Errorf("%w: only the owner may revoke an approved disclosure", ErrForbidden)
			}
		}
		v.Consent.RevokedAt = &now
		v.Result.Status = models.StatusRevoked
		if isOwner {
			v.Result.Message = "revoked by owner"
		} else {
			v.Result.Message = "withdrawn by requestor"
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.Info("Consent revoked",
			zap.String("verification_id", verificationID),
			zap.Bool("by_owner", isOwner))
		s.audit.Emit(audit.Event{
			Type:           audit.ConsentRevoked,
			OccurredAt:     verification.UpdatedAt,
			ActorID:        callerID,
			IdentityID:     verification.IdentityID,
			VerificationID: verificationID,
		})
	}
	return verification, nil
}

// Reject declines a pending request.
func (s *VerificationService) Reject(ctx context.Context, verificationID, ownerID, reason string) (*models.Verification, error) {
	if len(reason) > maxReasonLength {
		return nil, invalidArgument("reason longer than %d characters", maxReasonLength)
	}
	if util.ContainsSuspicious(reason) {
		return nil, invalidArgument("reason contains disallowed characters")
	}
	if _, err := s.authorizeOwner(ctx, verificationID, ownerID); err != nil {
		return nil, err
	}

	verification, err := s.update(ctx, verificationID, func(v *models.Verification, now time.Time) error {
		if v.Result.Status != models.StatusPending {
			return fmt.Errorf("%w: verification %s is already %s", ErrConflict, v.ID, v.Result.Status)
		}
		v.Result.Status = models.StatusRejected
		v.Result.Message = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Verification rejected", zap.String("verification_id", verificationID))
	s.audit.Emit(audit.Event{
		Type:           audit.VerificationRejected,
		OccurredAt:     verification.UpdatedAt,
		ActorID:        ownerID,
		IdentityID:     verification.IdentityID,
		VerificationID: verificationID,
	})
	return verification, nil
}

// Get returns the verification as it reads now. Only the owner, the
// requestor or an admin may see it.
func (s *VerificationService) Get(ctx context.Context, verificationID, callerID string, isAdmin bool) (*models.Verification, error) {
	v, err := s.verifications.Get(ctx, verificationID)
	if err != nil {
		return nil, translate(err, "verification "+verificationID)
	}
	if !isAdmin && v.RequestorID != callerID {
		owns, err := s.oracle.Owns(ctx, callerID, v.IdentityID)
		if err != nil {
			return nil, fmt.Errorf("failed to check ownership: %w", err)
		}
		if !owns {
			return nil, fmt.Errorf("%w: verification %s", ErrForbidden, verificationID)
		}
	}
	return view(v, s.clock.Now()), nil
}

// ListRequested pages through the verifications a requestor opened, newest
// first.
func (s *VerificationService) ListRequested(ctx context.Context, requestorID string, filter ListFilter) (*VerificationPage, error) {
	all, err := s.verifications.ListByRequestor(ctx, requestorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list verifications: %w", err)
	}
	return s.page(all, filter)
}

// ListReceived pages through the verifications addressed to an owner's
// identity, newest first.
func (s *VerificationService) ListReceived(ctx context.Context, ownerID string, filter ListFilter) (*VerificationPage, error) {
	all, err := s.verifications.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list verifications: %w", err)
	}
	return s.page(all, filter)
}

func (s *VerificationService) page(all []*models.Verification, filter ListFilter) (*VerificationPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalidArgument("unknown status %q", filter.Status)
	}
	if filter.Skip < 0 {
		return nil, invalidArgument("skip must not be negative")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	now := s.clock.Now()
	matched := make([]*models.Verification, 0, len(all))
	for _, v := range all {
		v = view(v, now)
		if filter.Status == "" || v.Result.Status == filter.Status {
			matched = append(matched, v)
		}
	}

	out := &VerificationPage{Verifications: []*models.Verification{}, Total: len(matched)}
	if filter.Skip < len(matched) {
		end := filter.Skip + limit
		if end > len(matched) {
			end = len(matched)
		}
		out.Verifications = matched[filter.Skip:end]
		out.HasMore = end < len(matched)
	}
	return out, nil
}

// VerifyProof recomputes the proof from the verification's stored inputs.
func (s *VerificationService) VerifyProof(v *models.Verification) (bool, error) {
	if v.Proof == nil || v.Result.VerifiedAt == nil {
		return false, nil
	}
	ok, err := proof.Verify(*v.Proof, v.IdentityID, v.RequestorID, v.Result.DisclosedFields, *v.Result.VerifiedAt)
	if err != nil {
		return false, invalidArgument("%v", err)
	}
	return ok, nil
}

func (s *VerificationService) authorizeOwner(ctx context.Context, verificationID, ownerID string) (*models.Verification, error) {
	v, err := s.verifications.Get(ctx, verificationID)
	if err != nil {
		return nil, translate(err, "verification "+verificationID)
	}
	owns, err := s.oracle.Owns(ctx, ownerID, v.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("failed to check ownership: %w", err)
	}
	if !owns {
		return nil, fmt.Errorf("%w: caller does not own identity %s", ErrForbidden, v.IdentityID)
	}
	return v, nil
}

// update applies mutate to the freshest copy under the verification lock.
// mutate may return errUnchanged to skip the write, or wrap an error in
// afterWrite to store the mutation and still fail.
func (s *VerificationService) update(ctx context.Context, verificationID string, mutate func(*models.Verification, time.Time) error) (*models.Verification, error) {
	unlock, err := lockKey(ctx, s.locker, verificationLockKey(verificationID), s.settings.LockWait)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		updated  *models.Verification
		deferred error
	)
	err = retryOnConflict(ctx, s.settings.MaxConflictRetries, func() error {
		deferred = nil
		v, err := s.verifications.Get(ctx, verificationID)
		if err != nil {
			return err
		}
		now := s.clock.Now()

		var aw afterWrite
		switch err := mutate(v, now); {
		case errors.Is(err, errUnchanged):
			updated = v
			return nil
		case errors.As(err, &aw):
			deferred = aw.err
		case err != nil:
			return err
		}

		v.UpdatedAt = now
		if err := s.verifications.CompareAndSwap(ctx, v, v.Version); err != nil {
			return err
		}
		updated = v
		return nil
	})
	if err != nil {
		return nil, translate(err, "verification "+verificationID)
	}
	return updated, deferred
}

// afterWrite carries an error that is returned only once the mutation that
// produced it has been stored.
type afterWrite struct{ err error }

func (e afterWrite) Error() string { return e.err.Error() }
func (e afterWrite) Unwrap() error { return e.err }

func expire(v *models.Verification, now time.Time) {
	v.Consent.RevokedAt = &now
	v.Result.Status = models.StatusRevoked
	v.Result.Message = lapsedMessage
}

// view applies lazy expiry: a pending request past its window reads as
// rejected without being rewritten.
func view(v *models.Verification, now time.Time) *models.Verification {
	out := v.Clone()
	if out.ConsentLapsed(now) {
		out.Result.Status = models.StatusRejected
		out.Result.Message = lapsedMessage
	}
	return out
}

func parseFieldNames(names []string) (models.FieldSet, error) {
	for _, name := range names {
		if !models.ValidFieldName(name) {
			return nil, invalidArgument("invalid field name %q", name)
		}
	}
	return models.NewFieldSet(names...), nil
}

func verificationLockKey(id string) string {
	return "verification:" + id
}
