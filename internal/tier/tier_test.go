package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/models"
)

func attestation(fields ...string) *models.Attestation {
	claims := make(models.Claims, 0, len(fields))
	for _, f := range fields {
		claims = append(claims, models.Claim{Name: f, Value: "v"})
	}
	return &models.Attestation{Fields: claims}
}

func TestComputeDefaultTable(t *testing.T) {
	table := DefaultTable()

	tests := []struct {
		name   string
		fields models.FieldSet
		count  int
		want   int
	}{
		{"empty", models.NewFieldSet(), 0, 0},
		{"names one attestation", models.NewFieldSet("firstName", "lastName"), 1, 1},
		{"names without attestation count", models.NewFieldSet("firstName", "lastName"), 0, 0},
		{"only first name", models.NewFieldSet("firstName"), 4, 0},
		{"tier 2 fields but too few attestations", models.NewFieldSet("firstName", "lastName", "dateOfBirth", "nationality"), 2, 1},
		{"tier 2", models.NewFieldSet("firstName", "lastName", "dateOfBirth", "nationality"), 3, 2},
		{"tier 3", models.NewFieldSet("firstName", "lastName", "dateOfBirth", "nationality", "address", "email", "phone"), 5, 3},
		{"tier 3 fields, tier 2 count", models.NewFieldSet("firstName", "lastName", "dateOfBirth", "nationality", "address", "email", "phone"), 4, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Compute(tt.fields, tt.count))
		})
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	table := DefaultTable()
	fields := models.NewFieldSet("firstName", "lastName")
	first := table.Compute(fields, 1)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, table.Compute(fields, 1))
	}
}

func TestRevocationMatchesNeverIssued(t *testing.T) {
	table := DefaultTable()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	a := attestation("firstName", "lastName")
	b := attestation("firstName")

	withBoth, _ := table.ComputeFor([]*models.Attestation{a, b}, now)
	assert.Equal(t, 1, withBoth)

	a.Revoked = true
	afterRevoke, fields := table.ComputeFor([]*models.Attestation{a, b}, now)
	onlyB, _ := table.ComputeFor([]*models.Attestation{b}, now)
	assert.Equal(t, onlyB, afterRevoke)
	assert.Equal(t, 0, afterRevoke)
	assert.Equal(t, models.FieldSet{"firstName"}, fields)
}

func TestComputeForDropsExpired(t *testing.T) {
	table := DefaultTable()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)
	a := attestation("firstName", "lastName")
	a.ExpiresAt = &exp

	level, _ := table.ComputeFor([]*models.Attestation{a}, now)
	assert.Equal(t, 1, level)

	level, fields := table.ComputeFor([]*models.Attestation{a}, now.Add(2*time.Hour))
	assert.Equal(t, 0, level)
	assert.Empty(t, fields)
}

func TestParseTable(t *testing.T) {
	table, err := ParseTable("2:email,phone:2; 1:email:1")
	require.NoError(t, err)

	defs := table.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, 2, defs[0].Level)
	assert.Equal(t, models.FieldSet{"email", "phone"}, defs[0].RequiredFields)
	assert.Equal(t, 1, table.Compute(models.NewFieldSet("email"), 1))
	assert.Equal(t, 2, table.Compute(models.NewFieldSet("email", "phone"), 2))

	def, err := ParseTable("")
	require.NoError(t, err)
	assert.Len(t, def.Definitions(), 3)

	for _, bad := range []string{"1:email", "x:email:1", "1:email:y", "0:email:1", "1:a:1;1:b:1", "1:9bad:1"} {
		_, err := ParseTable(bad)
		assert.ErrorIs(t, err, ErrInvalidTable, bad)
	}
}

func TestZeroRequirementLevel(t *testing.T) {
	table, err := NewTable(Definition{Level: 1, MinimumAttestations: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, table.Compute(models.FieldSet{}, 0))
}
