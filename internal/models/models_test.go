package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttestationIsLive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		a    Attestation
		want bool
	}{
		{"no expiry", Attestation{}, true},
		{"future expiry", Attestation{ExpiresAt: &future}, true},
		{"expires exactly now", Attestation{ExpiresAt: &now}, false},
		{"expired", Attestation{ExpiresAt: &past}, false},
		{"revoked", Attestation{Revoked: true}, false},
		{"revoked with future expiry", Attestation{Revoked: true, ExpiresAt: &future}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.IsLive(now))
		})
	}
}

func TestLiveFields(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	atts := []*Attestation{
		{Fields: Claims{{Name: "lastName"}, {Name: "firstName"}}},
		{Fields: Claims{{Name: "firstName"}}, Revoked: true},
		{Fields: Claims{{Name: "email"}}, ExpiresAt: &past},
		{Fields: Claims{{Name: "firstName"}, {Name: "dateOfBirth"}}},
	}

	fields, count := LiveFields(atts, now)
	assert.Equal(t, FieldSet{"dateOfBirth", "firstName", "lastName"}, fields)
	assert.Equal(t, 2, count)
}

func TestClaimsValidate(t *testing.T) {
	require.NoError(t, Claims{{Name: "firstName", Value: "Ada"}, {Name: "address.city", Value: "London"}}.Validate())

	assert.ErrorIs(t, Claims{}.Validate(), ErrEmptyClaims)
	assert.ErrorIs(t, Claims{{Name: "1st"}}.Validate(), ErrInvalidFieldName)
	assert.ErrorIs(t, Claims{{Name: "a..b"}}.Validate(), ErrInvalidFieldName)
	assert.ErrorIs(t, Claims{{Name: "email"}, {Name: "email"}}.Validate(), ErrDuplicateFieldName)
}

func TestFieldSetOperations(t *testing.T) {
	a := NewFieldSet("ssn", "firstName", "firstName", "")
	b := NewFieldSet("firstName", "lastName")

	assert.Equal(t, FieldSet{"firstName", "ssn"}, a)
	assert.Equal(t, FieldSet{"firstName"}, a.Intersect(b))
	assert.Equal(t, FieldSet{"firstName", "lastName", "ssn"}, a.Union(b))
	assert.True(t, FieldSet{"firstName"}.SubsetOf(b))
	assert.False(t, a.SubsetOf(b))
	assert.True(t, FieldSet{}.SubsetOf(b))
}

func TestVerificationEffectiveStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := &Verification{
		Consent: Consent{ExpiresAt: now.Add(time.Hour)},
		Result:  Result{Status: StatusPending},
	}
	assert.Equal(t, StatusPending, v.EffectiveStatus(now))
	assert.Equal(t, StatusRejected, v.EffectiveStatus(now.Add(time.Hour)))

	v.Result.Status = StatusApproved
	assert.Equal(t, StatusApproved, v.EffectiveStatus(now.Add(48*time.Hour)))
}

func TestCloneIsDeep(t *testing.T) {
	exp := time.Now()
	a := &Attestation{Fields: Claims{{Name: "email", Value: "a@b.c"}}, ExpiresAt: &exp}
	c := a.Clone()
	c.Fields[0].Value = "changed"
	*c.ExpiresAt = exp.Add(time.Hour)
	assert.Equal(t, "a@b.c", a.Fields[0].Value)
	assert.Equal(t, exp, *a.ExpiresAt)

	i := &Identity{AttestationIDs: []string{"x"}, PersonalInfo: map[string]string{"k": "v"}}
	ic := i.Clone()
	ic.AttestationIDs[0] = "y"
	ic.PersonalInfo["k"] = "w"
	assert.Equal(t, "x", i.AttestationIDs[0])
	assert.Equal(t, "v", i.PersonalInfo["k"])
}
