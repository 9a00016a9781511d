package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/models"
	"identity-service/internal/repository"
)

func TestIdentityCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository()

	id := &models.Identity{ID: "i1", OwnerID: "u1", Active: true}
	require.NoError(t, repo.Create(ctx, id))
	assert.Equal(t, int64(1), id.Version)

	assert.ErrorIs(t, repo.Create(ctx, &models.Identity{ID: "i2", OwnerID: "u1"}), repository.ErrAlreadyExists)

	a, err := repo.Get(ctx, "i1")
	require.NoError(t, err)
	b, err := repo.Get(ctx, "i1")
	require.NoError(t, err)

	a.Tier = 1
	require.NoError(t, repo.CompareAndSwap(ctx, a, 1))
	assert.Equal(t, int64(2), a.Version)

	b.Tier = 2
	assert.ErrorIs(t, repo.CompareAndSwap(ctx, b, 1), repository.ErrVersionConflict)

	got, err := repo.GetByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Tier)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, repo.CompareAndSwap(ctx, &models.Identity{ID: "missing"}, 1), repository.ErrNotFound)
}

func TestStoredValuesAreIsolated(t *testing.T) {
	ctx := context.Background()
	repo := NewAttestationRepository()

	a := &models.Attestation{ID: "a1", IdentityID: "i1", Fields: models.Claims{{Name: "email", Value: "x"}}}
	require.NoError(t, repo.Create(ctx, a))
	a.Fields[0].Value = "mutated"

	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Fields[0].Value)
}

func TestAttestationQueries(t *testing.T) {
	ctx := context.Background()
	repo := NewAttestationRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exp1 := base.Add(time.Hour)
	exp2 := base.Add(3 * time.Hour)
	ref := "anchor-1"

	require.NoError(t, repo.Create(ctx, &models.Attestation{ID: "a1", IdentityID: "i1", IssuedAt: base, ExpiresAt: &exp1}))
	require.NoError(t, repo.Create(ctx, &models.Attestation{ID: "a2", IdentityID: "i1", IssuedAt: base.Add(time.Minute), ExpiresAt: &exp2}))
	require.NoError(t, repo.Create(ctx, &models.Attestation{ID: "a3", IdentityID: "i2", IssuedAt: base.Add(2 * time.Minute), LedgerAnchor: &ref}))
	require.NoError(t, repo.Create(ctx, &models.Attestation{ID: "a4", IdentityID: "i2", IssuedAt: base, ExpiresAt: &exp1, Revoked: true}))

	list, err := repo.ListByIdentity(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a1", list[0].ID)
	assert.Equal(t, "a2", list[1].ID)

	expiring, err := repo.ListExpiringBetween(ctx, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "a1", expiring[0].ID)

	atExpiry, err := repo.ListExpiringBetween(ctx, base, exp1)
	require.NoError(t, err)
	require.Len(t, atExpiry, 1, "upper bound is inclusive")
	afterExpiry, err := repo.ListExpiringBetween(ctx, exp1, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, afterExpiry, "lower bound is exclusive")

	unanchored, err := repo.ListUnanchored(ctx, base.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, unanchored, 2)
	for _, a := range unanchored {
		assert.Nil(t, a.LedgerAnchor)
	}
}

func TestVerificationListsNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewVerificationRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, &models.Verification{ID: "v1", RequestorID: "r1", OwnerID: "o1", CreatedAt: base}))
	require.NoError(t, repo.Create(ctx, &models.Verification{ID: "v2", RequestorID: "r1", OwnerID: "o2", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, repo.Create(ctx, &models.Verification{ID: "v3", RequestorID: "r2", OwnerID: "o1", CreatedAt: base.Add(time.Minute)}))

	byRequestor, err := repo.ListByRequestor(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, byRequestor, 2)
	assert.Equal(t, "v2", byRequestor[0].ID)

	byOwner, err := repo.ListByOwner(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, byOwner, 2)
	assert.Equal(t, "v3", byOwner[0].ID)
}
