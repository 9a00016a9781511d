// Package repository defines the stores behind identities, attestations and
// verifications. Every mutable record carries a version; updates go through
// CompareAndSwap so concurrent writers detect each other instead of
// overwriting.
package repository

import (
	"context"
	"errors"
	"time"

	"identity-service/internal/models"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrAlreadyExists   = errors.New("record already exists")
	ErrVersionConflict = errors.New("version conflict")
)

type IdentityRepository interface {
	// Create stores a new identity at version 1. It fails with
	// ErrAlreadyExists when the owner already holds an identity.
	Create(ctx context.Context, identity *models.Identity) error
	Get(ctx context.Context, id string) (*models.Identity, error)
	GetByOwner(ctx context.Context, ownerID string) (*models.Identity, error)
	// CompareAndSwap replaces the stored identity if its version still equals
	// expected. On success identity.Version is bumped to expected+1.
	CompareAndSwap(ctx context.Context, identity *models.Identity, expected int64) error
}

type AttestationRepository interface {
	Create(ctx context.Context, attestation *models.Attestation) error
	Get(ctx context.Context, id string) (*models.Attestation, error)
	// ListByIdentity returns every attestation of the identity in issuance order.
	ListByIdentity(ctx context.Context, identityID string) ([]*models.Attestation, error)
	CompareAndSwap(ctx context.Context, attestation *models.Attestation, expected int64) error
	// ListExpiringBetween returns unrevoked attestations with from < expiresAt <= to,
	// so every one returned has expired as of to.
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.Attestation, error)
	// ListUnanchored returns attestations issued before the cutoff that have
	// no ledger anchor yet, oldest first.
	ListUnanchored(ctx context.Context, issuedBefore time.Time, limit int) ([]*models.Attestation, error)
}

type VerificationRepository interface {
	Create(ctx context.Context, verification *models.Verification) error
	Get(ctx context.Context, id string) (*models.Verification, error)
	CompareAndSwap(ctx context.Context, verification *models.Verification, expected int64) error
	// ListByRequestor and ListByOwner return newest first.
	ListByRequestor(ctx context.Context, requestorID string) ([]*models.Verification, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Verification, error)
}

// Store groups the repositories a backend provides.
type Store struct {
	Identities    IdentityRepository
	Attestations  AttestationRepository
	Verifications VerificationRepository
}
