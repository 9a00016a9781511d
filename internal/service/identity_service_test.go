package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/models"
)

func TestCreateIdentity(t *testing.T) {
	h := newHarness(t)

	identity, challenge, err := h.identities.Create(h.ctx, CreateIdentityRequest{
		OwnerID:       "owner-1",
		LedgerAddress: "0xabc",
		PersonalInfo:  map[string]string{"nickname": " Ada "},
	})
	require.NoError(t, err)
	assert.Len(t, challenge, 64)
	assert.Equal(t, 0, identity.Tier)
	assert.Empty(t, identity.LiveVerifiedFields)
	assert.True(t, identity.Active)
	assert.Equal(t, "Ada", identity.PersonalInfo["nickname"])
	assert.NotContains(t, identity.ChallengeHash, challenge)

	_, _, err = h.identities.Create(h.ctx, CreateIdentityRequest{OwnerID: "owner-1", LedgerAddress: "0xdef"})
	require.ErrorIs(t, err, ErrConflict)

	_, _, err = h.identities.Create(h.ctx, CreateIdentityRequest{OwnerID: "owner-2"})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, _, err = h.identities.Create(h.ctx, CreateIdentityRequest{
		OwnerID: "owner-2", LedgerAddress: "0x1", ContactInfo: map[string]string{"bad key": "x"},
	})
	require.ErrorIs(t, err, ErrInvalidArgument)

	byOwner, err := h.identities.GetByOwner(h.ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, identity.ID, byOwner.ID)

	_, err = h.identities.Get(h.ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyChallenge(t *testing.T) {
	h := newHarness(t)
	identity, challenge, err := h.identities.Create(h.ctx, CreateIdentityRequest{OwnerID: "owner-1", LedgerAddress: "0xabc"})
	require.NoError(t, err)

	_, err = h.identities.VerifyChallenge(h.ctx, identity.ID, "owner-2", challenge)
	require.ErrorIs(t, err, ErrForbidden)

	ok, err := h.identities.VerifyChallenge(h.ctx, identity.ID, "owner-1", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.identities.VerifyChallenge(h.ctx, identity.ID, "owner-1", challenge)
	require.NoError(t, err)
	assert.True(t, ok)

	stored := h.stored(identity.ID)
	assert.True(t, stored.ChallengeVerified)
	assert.Empty(t, stored.ChallengeHash)

	// Once verified the answer is remembered even after the window.
	h.clock.Advance(48 * time.Hour)
	ok, err = h.identities.VerifyChallenge(h.ctx, identity.ID, "owner-1", "anything")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyChallenge_Expired(t *testing.T) {
	h := newHarness(t)
	identity, challenge, err := h.identities.Create(h.ctx, CreateIdentityRequest{OwnerID: "owner-1", LedgerAddress: "0xabc"})
	require.NoError(t, err)

	h.clock.Advance(24 * time.Hour)
	_, err = h.identities.VerifyChallenge(h.ctx, identity.ID, "owner-1", challenge)
	require.ErrorIs(t, err, ErrExpired)
}

func TestUpdateProfile(t *testing.T) {
	h := newHarness(t)
	identity, _, err := h.identities.Create(h.ctx, CreateIdentityRequest{
		OwnerID:       "owner-1",
		LedgerAddress: "0xabc",
		ContactInfo:   map[string]string{"email": "a@example.com", "phone": "123"},
	})
	require.NoError(t, err)
	h.issue(identity.ID, "attester-x", "firstName", "lastName")

	updated, err := h.identities.UpdateProfile(h.ctx, identity.ID, "owner-1",
		map[string]string{"nickname": "ada"},
		map[string]string{"phone": "", "email": "b@example.com"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"nickname": "ada"}, updated.PersonalInfo)
	assert.Equal(t, map[string]string{"email": "b@example.com"}, updated.ContactInfo)

	// Profile edits never touch derived state.
	assert.Equal(t, 1, updated.Tier)
	assert.Equal(t, models.FieldSet{"firstName", "lastName"}, updated.LiveVerifiedFields)

	_, err = h.identities.UpdateProfile(h.ctx, identity.ID, "owner-2", nil, nil)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestDeactivate(t *testing.T) {
	h := newHarness(t)
	identity := h.newIdentity("owner-1")
	h.issue(identity.ID, "attester-x", "firstName")

	_, err := h.identities.Deactivate(h.ctx, identity.ID, "owner-2")
	require.ErrorIs(t, err, ErrForbidden)

	deactivated, err := h.identities.Deactivate(h.ctx, identity.ID, "owner-1")
	require.NoError(t, err)
	assert.False(t, deactivated.Active)
	require.NotNil(t, deactivated.DeactivatedAt)

	again, err := h.identities.Deactivate(h.ctx, identity.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, deactivated.Version, again.Version)

	// Data is retained.
	got, err := h.identities.Get(h.ctx, identity.ID)
	require.NoError(t, err)
	assert.Len(t, got.AttestationIDs, 1)

	_, err = h.identities.UpdateProfile(h.ctx, identity.ID, "owner-1", map[string]string{"a": "b"}, nil)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = h.verify.Request(h.ctx, RequestVerificationRequest{RequestorID: "v", IdentityID: identity.ID, RequestedFields: []string{"firstName"}})
	require.ErrorIs(t, err, ErrNotFound)
}
