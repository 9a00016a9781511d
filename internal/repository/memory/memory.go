// Package memory is an in-process store used in development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"identity-service/internal/models"
	"identity-service/internal/repository"
)

func NewStore() *repository.Store {
	return &repository.Store{
		Identities:    NewIdentityRepository(),
		Attestations:  NewAttestationRepository(),
		Verifications: NewVerificationRepository(),
	}
}

type IdentityRepository struct {
	mu      sync.RWMutex
	byID    map[string]*models.Identity
	byOwner map[string]string
}

func NewIdentityRepository() *IdentityRepository {
	return &IdentityRepository{
		byID:    make(map[string]*models.Identity),
		byOwner: make(map[string]string),
	}
}

func (r *IdentityRepository) Create(_ context.Context, identity *models.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[identity.ID]; ok {
		return repository.ErrAlreadyExists
	}
	if _, ok := r.byOwner[identity.OwnerID]; ok {
		return repository.ErrAlreadyExists
	}
	identity.Version = 1
	r.byID[identity.ID] = identity.Clone()
	r.byOwner[identity.OwnerID] = identity.ID
	return nil
}

func (r *IdentityRepository) Get(_ context.Context, id string) (*models.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return identity.Clone(), nil
}

func (r *IdentityRepository) GetByOwner(ctx context.Context, ownerID string) (*models.Identity, error) {
	r.mu.RLock()
	id, ok := r.byOwner[ownerID]
	r.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *IdentityRepository) CompareAndSwap(_ context.Context, identity *models.Identity, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[identity.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expected {
		return repository.ErrVersionConflict
	}
	identity.Version = expected + 1
	r.byID[identity.ID] = identity.Clone()
	return nil
}

type AttestationRepository struct {
	mu         sync.RWMutex
	byID       map[string]*models.Attestation
	byIdentity map[string][]string
}

func NewAttestationRepository() *AttestationRepository {
	return &AttestationRepository{
		byID:       make(map[string]*models.Attestation),
		byIdentity: make(map[string][]string),
	}
}

func (r *AttestationRepository) Create(_ context.Context, attestation *models.Attestation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[attestation.ID]; ok {
		return repository.ErrAlreadyExists
	}
	attestation.Version = 1
	r.byID[attestation.ID] = attestation.Clone()
	r.byIdentity[attestation.IdentityID] = append(r.byIdentity[attestation.IdentityID], attestation.ID)
	return nil
}

func (r *AttestationRepository) Get(_ context.Context, id string) (*models.Attestation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a.Clone(), nil
}

func (r *AttestationRepository) ListByIdentity(_ context.Context, identityID string) ([]*models.Attestation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byIdentity[identityID]
	out := make([]*models.Attestation, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id].Clone())
	}
	return out, nil
}

func (r *AttestationRepository) CompareAndSwap(_ context.Context, attestation *models.Attestation, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[attestation.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expected {
		return repository.ErrVersionConflict
	}
	attestation.Version = expected + 1
	r.byID[attestation.ID] = attestation.Clone()
	return nil
}

func (r *AttestationRepository) ListExpiringBetween(_ context.Context, from, to time.Time) ([]*models.Attestation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Attestation
	for _, a := range r.byID {
		if a.Revoked || a.ExpiresAt == nil {
			continue
		}
		if a.ExpiresAt.After(from) && !a.ExpiresAt.After(to) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

func (r *AttestationRepository) ListUnanchored(_ context.Context, issuedBefore time.Time, limit int) ([]*models.Attestation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Attestation
	for _, a := range r.byID {
		if a.LedgerAnchor == nil && a.IssuedAt.Before(issuedBefore) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type VerificationRepository struct {
	mu   sync.RWMutex
	byID map[string]*models.Verification
	seq  map[string]int
	next int
}

func NewVerificationRepository() *VerificationRepository {
	return &VerificationRepository{
		byID: make(map[string]*models.Verification),
		seq:  make(map[string]int),
	}
}

func (r *VerificationRepository) Create(_ context.Context, verification *models.Verification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[verification.ID]; ok {
		return repository.ErrAlreadyExists
	}
	verification.Version = 1
	r.byID[verification.ID] = verification.Clone()
	r.next++
	r.seq[verification.ID] = r.next
	return nil
}

func (r *VerificationRepository) Get(_ context.Context, id string) (*models.Verification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return v.Clone(), nil
}

func (r *VerificationRepository) CompareAndSwap(_ context.Context, verification *models.Verification, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[verification.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expected {
		return repository.ErrVersionConflict
	}
	verification.Version = expected + 1
	r.byID[verification.ID] = verification.Clone()
	return nil
}

func (r *VerificationRepository) ListByRequestor(_ context.Context, requestorID string) ([]*models.Verification, error) {
	return r.list(func(v *models.Verification) bool { return v.RequestorID == requestorID }), nil
}

func (r *VerificationRepository) ListByOwner(_ context.Context, ownerID string) ([]*models.Verification, error) {
	return r.list(func(v *models.Verification) bool { return v.OwnerID == ownerID }), nil
}

// list orders newest first, breaking CreatedAt ties by insertion order.
func (r *VerificationRepository) list(match func(*models.Verification) bool) []*models.Verification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Verification
	for _, v := range r.byID {
		if match(v) {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return r.seq[out[i].ID] > r.seq[out[j].ID]
	})
	return out
}
