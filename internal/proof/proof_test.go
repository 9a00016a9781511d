package proof

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/models"
)

var verifiedAt = time.Date(2026, 4, 2, 10, 30, 15, 123456789, time.UTC)

func TestGenerateIsReproducible(t *testing.T) {
	g, err := NewGenerator("")
	require.NoError(t, err)
	assert.Equal(t, MethodSHA256, g.Method())

	p1 := g.Generate("id-1", "req-1", []string{"lastName", "firstName"}, verifiedAt)
	p2 := g.Generate("id-1", "req-1", []string{"firstName", "lastName", "firstName"}, verifiedAt)

	assert.Equal(t, p1, p2)
	assert.Equal(t, MethodSHA256, p1.Method)
	assert.Len(t, p1.Hash, 64)
}

func TestGenerateChangesWithEachInput(t *testing.T) {
	g, err := NewGenerator(MethodSHA256)
	require.NoError(t, err)
	base := g.Generate("id-1", "req-1", []string{"firstName"}, verifiedAt).Hash

	variants := map[string]string{
		"identity":  g.Generate("id-2", "req-1", []string{"firstName"}, verifiedAt).Hash,
		"requestor": g.Generate("id-1", "req-2", []string{"firstName"}, verifiedAt).Hash,
		"fields":    g.Generate("id-1", "req-1", []string{"lastName"}, verifiedAt).Hash,
		"no fields": g.Generate("id-1", "req-1", nil, verifiedAt).Hash,
		"time":      g.Generate("id-1", "req-1", []string{"firstName"}, verifiedAt.Add(time.Millisecond)).Hash,
	}
	for name, h := range variants {
		assert.NotEqual(t, base, h, name)
	}
}

func TestGenerateIsUnambiguous(t *testing.T) {
	g, err := NewGenerator(MethodSHA256)
	require.NoError(t, err)

	a := g.Generate("ab", "c", nil, verifiedAt).Hash
	b := g.Generate("a", "bc", nil, verifiedAt).Hash
	assert.NotEqual(t, a, b)

	c := g.Generate("id", "req", []string{"a,b"}, verifiedAt).Hash
	d := g.Generate("id", "req", []string{"a", "b"}, verifiedAt).Hash
	assert.NotEqual(t, c, d)
}

func TestSubMillisecondIgnored(t *testing.T) {
	g, err := NewGenerator(MethodSHA256)
	require.NoError(t, err)

	local := verifiedAt.In(time.FixedZone("X", 3*3600))
	a := g.Generate("id", "req", nil, verifiedAt).Hash
	b := g.Generate("id", "req", nil, local.Add(100*time.Microsecond)).Hash
	assert.Equal(t, a, b)
	assert.Equal(t, "2026-04-02T10:30:15.123Z", FormatTimestamp(local))
}

func TestMethods(t *testing.T) {
	for method, size := range map[string]int{MethodSHA256: 64, MethodSHA512: 128, MethodSHA3256: 64} {
		g, err := NewGenerator(method)
		require.NoError(t, err)
		p := g.Generate("id", "req", []string{"email"}, verifiedAt)
		assert.Equal(t, method, p.Method)
		assert.Len(t, p.Hash, size)

		ok, err := Verify(p, "id", "req", []string{"email"}, verifiedAt)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = Verify(p, "id", "req", []string{"phone"}, verifiedAt)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	_, err := NewGenerator("MD5")
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
	_, err = Verify(models.Proof{Method: "MD5"}, "id", "req", nil, verifiedAt)
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestAttestationDigest(t *testing.T) {
	g, err := NewGenerator(MethodSHA256)
	require.NoError(t, err)

	a := &models.Attestation{
		ID:         "att-1",
		IdentityID: "id-1",
		AttesterID: "kyc",
		Type:       models.AttestationPersonal,
		Fields:     models.Claims{{Name: "firstName", Value: "Ada"}},
		Confidence: 90,
		IssuedAt:   verifiedAt,
	}
	d1 := g.AttestationDigest(a)
	assert.Equal(t, d1, g.AttestationDigest(a.Clone()))

	b := a.Clone()
	b.Fields[0].Value = "Grace"
	assert.NotEqual(t, d1, g.AttestationDigest(b))

	// revocation state is not part of the anchored payload
	c := a.Clone()
	c.Revoked = true
	assert.Equal(t, d1, g.AttestationDigest(c))
}
