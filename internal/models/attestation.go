package models

import (
	"fmt"
	"time"
)

type AttestationType string

const (
	AttestationPersonal   AttestationType = "personal"
	AttestationAddress    AttestationType = "address"
	AttestationFinancial  AttestationType = "financial"
	AttestationEmployment AttestationType = "employment"
	AttestationEducation  AttestationType = "education"
	AttestationSocial     AttestationType = "social"
	AttestationOther      AttestationType = "other"
)

var AttestationTypes = []AttestationType{
	AttestationPersonal,
	AttestationAddress,
	AttestationFinancial,
	AttestationEmployment,
	AttestationEducation,
	AttestationSocial,
	AttestationOther,
}

func ParseAttestationType(s string) (AttestationType, error) {
	for _, t := range AttestationTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown attestation type %q", s)
}

type Attestation struct {
	ID               string          `json:"id" db:"attestation_id"`
	IdentityID       string          `json:"identityId" db:"identity_id"`
	AttesterID       string          `json:"attesterId" db:"attester_id"`
	Type             AttestationType `json:"type" db:"type"`
	Fields           Claims          `json:"fields" db:"fields"`
	Metadata         Claims          `json:"metadata,omitempty" db:"metadata"`
	Confidence       int             `json:"confidence" db:"confidence"`
	IssuedAt         time.Time       `json:"issuedAt" db:"issued_at"`
	ExpiresAt        *time.Time      `json:"expiresAt,omitempty" db:"expires_at"`
	Revoked          bool            `json:"revoked" db:"revoked"`
	RevokedAt        *time.Time      `json:"revokedAt,omitempty" db:"revoked_at"`
	RevocationReason string          `json:"revocationReason,omitempty" db:"revocation_reason"`
	LedgerAnchor     *string         `json:"ledgerAnchor" db:"ledger_anchor"`
	Version          int64           `json:"version" db:"version"`
}

// IsLive reports whether the attestation is neither revoked nor expired at now.
func (a *Attestation) IsLive(now time.Time) bool {
	if a.Revoked {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

func (a *Attestation) FieldNames() FieldSet {
	return a.Fields.Names()
}

func (a *Attestation) Clone() *Attestation {
	if a == nil {
		return nil
	}
	out := *a
	out.Fields = append(Claims{}, a.Fields...)
	if a.Metadata != nil {
		out.Metadata = append(Claims{}, a.Metadata...)
	}
	out.ExpiresAt = cloneTime(a.ExpiresAt)
	out.RevokedAt = cloneTime(a.RevokedAt)
	if a.LedgerAnchor != nil {
		ref := *a.LedgerAnchor
		out.LedgerAnchor = &ref
	}
	return &out
}

// LiveFields returns the union of field names over the attestations that are
// live at now, together with how many of them are live.
func LiveFields(attestations []*Attestation, now time.Time) (FieldSet, int) {
	var names []string
	count := 0
	for _, a := range attestations {
		if !a.IsLive(now) {
			continue
		}
		count++
		for _, claim := range a.Fields {
			names = append(names, claim.Name)
		}
	}
	return NewFieldSet(names...), count
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
