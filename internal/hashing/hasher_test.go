package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
)

func testHasher(pepper string, memory int) *Hasher {
	cfg := &config.Config{}
	cfg.Hashing = config.HashingConfig{
		Argon2MemoryCost:  memory,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Pepper:            pepper,
	}
	return NewHasher(cfg)
}

func TestHashAndVerify(t *testing.T) {
	h := testHasher("pepper", 1024)

	encoded, err := h.Hash("challenge-response", PurposeChallenge)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$k=1$"), encoded)

	ok, err := h.Verify("challenge-response", encoded, PurposeChallenge)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("wrong", encoded, PurposeChallenge)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.Verify("challenge-response", encoded, "other-purpose")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfiguredPepperSurvivesRestart(t *testing.T) {
	encoded, err := testHasher("shared", 1024).Hash("s3cret", PurposeChallenge)
	require.NoError(t, err)

	ok, err := testHasher("shared", 1024).Verify("s3cret", encoded, PurposeChallenge)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testHasher("different", 1024).Verify("s3cret", encoded, PurposeChallenge)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyUsesEncodedCost(t *testing.T) {
	encoded, err := testHasher("shared", 1024).Hash("s3cret", PurposeChallenge)
	require.NoError(t, err)

	ok, err := testHasher("shared", 2048).Verify("s3cret", encoded, PurposeChallenge)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	h := testHasher("pepper", 1024)

	for _, encoded := range []string{
		"garbage",
		"$argon2id$v=19$m=1024,t=1,p=1$k=1$!!$aGFzaA",
		"$argon2id$v=19$m=x,t=1,p=1$k=1$c2FsdA$aGFzaA",
	} {
		_, err := h.Verify("value", encoded, PurposeChallenge)
		assert.ErrorIs(t, err, ErrInvalidHash, encoded)
	}

	_, err := h.Verify("value", "$bcrypt$v=19$m=1024,t=1,p=1$k=1$c2FsdA$aGFzaA", PurposeChallenge)
	assert.ErrorIs(t, err, ErrUnsupportedHash)
}

func TestRotationRetainsRecentPeppers(t *testing.T) {
	h := testHasher("", 1024)
	encoded, err := h.Hash("value", PurposeChallenge)
	require.NoError(t, err)

	h.rotatePepper()
	h.rotatePepper()
	ok, err := h.Verify("value", encoded, PurposeChallenge)
	require.NoError(t, err)
	assert.True(t, ok)

	h.rotatePepper()
	_, err = h.Verify("value", encoded, PurposeChallenge)
	assert.ErrorIs(t, err, ErrPepperNotFound)
}
