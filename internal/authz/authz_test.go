package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/models"
	"identity-service/internal/repository/memory"
)

type fakeSets struct {
	sets map[string]map[string]struct{}
}

func (f *fakeSets) SAdd(_ context.Context, key string, members ...interface{}) error {
	if f.sets[key] == nil {
		f.sets[key] = map[string]struct{}{}
	}
	for _, m := range members {
		f.sets[key][m.(string)] = struct{}{}
	}
	return nil
}

func (f *fakeSets) SMembers(_ context.Context, key string) ([]string, error) {
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeSets) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.sets, k)
	}
	return nil
}

func TestParseAttesters(t *testing.T) {
	got, err := ParseAttesters("kyc=personal|address; bank=* ;")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"kyc":  {"personal", "address"},
		"bank": {"*"},
	}, got)

	for _, bad := range []string{"kyc", "=personal", "kyc=unknown", "kyc="} {
		_, err := ParseAttesters(bad)
		assert.ErrorIs(t, err, ErrInvalidAttesterSpec, bad)
	}
}

func TestAuthorizer(t *testing.T) {
	for name, registry := range map[string]Registry{
		"memory": NewMemoryRegistry(),
		"redis":  NewRedisRegistry(&fakeSets{sets: map[string]map[string]struct{}{}}),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			identities := memory.NewIdentityRepository()
			require.NoError(t, identities.Create(ctx, &models.Identity{ID: "i1", OwnerID: "alice"}))
			require.NoError(t, Seed(ctx, registry, "kyc=personal;bank=*"))

			auth := NewAuthorizer(registry, identities)

			ok, err := auth.CanIssue(ctx, "kyc", models.AttestationPersonal)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = auth.CanIssue(ctx, "kyc", models.AttestationFinancial)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = auth.CanIssue(ctx, "bank", models.AttestationFinancial)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = auth.CanIssue(ctx, "stranger", models.AttestationPersonal)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, registry.Unregister(ctx, "bank"))
			ok, err = auth.CanIssue(ctx, "bank", models.AttestationFinancial)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = auth.Owns(ctx, "alice", "i1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = auth.Owns(ctx, "bob", "i1")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = auth.Owns(ctx, "alice", "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
