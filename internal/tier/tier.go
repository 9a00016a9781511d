// Package tier derives an identity's trust tier from its live attestations.
//
// Tiers are recomputed from scratch on every change. There is no stored
// "highest tier reached", so revoking or expiring an attestation can lower a
// tier as readily as issuing one raises it.
package tier

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"identity-service/internal/models"
)

var ErrInvalidTable = errors.New("invalid tier table")

// Definition is one row of the tier table. Level 0 is implicit and has no
// requirements.
type Definition struct {
	Level               int             `json:"level"`
	Name                string          `json:"name,omitempty"`
	RequiredFields      models.FieldSet `json:"requiredFields"`
	MinimumAttestations int             `json:"minimumAttestations"`
}

func (d Definition) SatisfiedBy(liveFields models.FieldSet, liveCount int) bool {
	return liveCount >= d.MinimumAttestations && d.RequiredFields.SubsetOf(liveFields)
}

// Table holds definitions sorted by descending level.
type Table struct {
	defs []Definition
}

func NewTable(defs ...Definition) (*Table, error) {
	sorted := make([]Definition, 0, len(defs))
	seen := make(map[int]struct{}, len(defs))
	for _, d := range defs {
		if d.Level <= 0 {
			return nil, fmt.Errorf("%w: level must be positive, got %d", ErrInvalidTable, d.Level)
		}
		if d.MinimumAttestations < 0 {
			return nil, fmt.Errorf("%w: level %d has negative minimum attestations", ErrInvalidTable, d.Level)
		}
		if _, dup := seen[d.Level]; dup {
			return nil, fmt.Errorf("%w: duplicate level %d", ErrInvalidTable, d.Level)
		}
		seen[d.Level] = struct{}{}
		d.RequiredFields = models.NewFieldSet(d.RequiredFields...)
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Level > sorted[j].Level })
	return &Table{defs: sorted}, nil
}

// DefaultTable mirrors the progression used by the identity product:
// names first, then date of birth and nationality, then contact details.
func DefaultTable() *Table {
	t, _ := NewTable(
		Definition{
			Level:               1,
			Name:                "basic",
			RequiredFields:      models.NewFieldSet("firstName", "lastName"),
			MinimumAttestations: 1,
		},
		Definition{
			Level:               2,
			Name:                "standard",
			RequiredFields:      models.NewFieldSet("firstName", "lastName", "dateOfBirth", "nationality"),
			MinimumAttestations: 3,
		},
		Definition{
			Level:               3,
			Name:                "full",
			RequiredFields:      models.NewFieldSet("firstName", "lastName", "dateOfBirth", "nationality", "address", "email", "phone"),
			MinimumAttestations: 5,
		},
	)
	return t
}

// ParseTable reads the TIER_TABLE format: rows separated by ';', each row
// "level:field1,field2:minimumAttestations". An empty string yields the
// default table.
func ParseTable(s string) (*Table, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultTable(), nil
	}
	var defs []Definition
	for _, row := range strings.Split(s, ";") {
		row = strings.TrimSpace(row)
		if row == "" {
			continue
		}
		parts := strings.Split(row, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: row %q needs level:fields:minimum", ErrInvalidTable, row)
		}
		level, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: bad level in %q", ErrInvalidTable, row)
		}
		minimum, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("%w: bad minimum in %q", ErrInvalidTable, row)
		}
		var fields []string
		for _, f := range strings.Split(parts[1], ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if !models.ValidFieldName(f) {
				return nil, fmt.Errorf("%w: bad field %q", ErrInvalidTable, f)
			}
			fields = append(fields, f)
		}
		defs = append(defs, Definition{
			Level:               level,
			RequiredFields:      models.NewFieldSet(fields...),
			MinimumAttestations: minimum,
		})
	}
	return NewTable(defs...)
}

// Definitions returns the rows in descending level order.
func (t *Table) Definitions() []Definition {
	out := make([]Definition, len(t.defs))
	copy(out, t.defs)
	return out
}

// Compute returns the highest level whose requirements hold, or 0.
func (t *Table) Compute(liveFields models.FieldSet, liveCount int) int {
	for _, d := range t.defs {
		if d.SatisfiedBy(liveFields, liveCount) {
			return d.Level
		}
	}
	return 0
}

// ComputeFor evaluates the tier from an identity's attestations at now.
func (t *Table) ComputeFor(attestations []*models.Attestation, now time.Time) (int, models.FieldSet) {
	fields, count := models.LiveFields(attestations, now)
	return t.Compute(fields, count), fields
}
