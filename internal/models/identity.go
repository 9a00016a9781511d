package models

import "time"

type Identity struct {
	ID                 string            `json:"id" db:"identity_id"`
	OwnerID            string            `json:"ownerId" db:"owner_id"`
	LedgerAddress      string            `json:"ledgerAddress" db:"ledger_address"`
	Tier               int               `json:"tier" db:"tier"`
	LiveVerifiedFields FieldSet          `json:"liveVerifiedFields" db:"live_verified_fields"`
	PersonalInfo       map[string]string `json:"personalInfo,omitempty" db:"personal_info"`
	ContactInfo        map[string]string `json:"contactInfo,omitempty" db:"contact_info"`
	AttestationIDs     []string          `json:"attestationIds" db:"attestation_ids"`
	Active             bool              `json:"active" db:"active"`
	Version            int64             `json:"version" db:"version"`

	ChallengeHash      string    `json:"-" db:"challenge_hash"`
	ChallengeExpiresAt time.Time `json:"-" db:"challenge_expires_at"`
	ChallengeVerified  bool      `json:"challengeVerified" db:"challenge_verified"`

	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty" db:"deactivated_at"`
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	out.LiveVerifiedFields = append(FieldSet{}, i.LiveVerifiedFields...)
	out.AttestationIDs = append([]string{}, i.AttestationIDs...)
	out.PersonalInfo = cloneMap(i.PersonalInfo)
	out.ContactInfo = cloneMap(i.ContactInfo)
	if i.DeactivatedAt != nil {
		t := *i.DeactivatedAt
		out.DeactivatedAt = &t
	}
	return &out
}

func (i *Identity) HasAttestation(id string) bool {
	for _, existing := range i.AttestationIDs {
		if existing == id {
			return true
		}
	}
	return false
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
