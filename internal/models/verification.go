package models

import "time"

type VerificationStatus string

const (
	StatusPending  VerificationStatus = "pending"
	StatusApproved VerificationStatus = "approved"
	StatusRejected VerificationStatus = "rejected"
	StatusRevoked  VerificationStatus = "revoked"
)

func (s VerificationStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusRevoked
}

func (s VerificationStatus) Valid() bool {
	return s == StatusPending || s.Terminal()
}

type Consent struct {
	Granted        bool       `json:"granted"`
	GrantedAt      *time.Time `json:"grantedAt,omitempty"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	SelectedFields FieldSet   `json:"selectedFields,omitempty"`
}

type Result struct {
	Status          VerificationStatus `json:"status"`
	DisclosedFields FieldSet           `json:"disclosedFields"`
	VerifiedAt      *time.Time         `json:"verifiedAt,omitempty"`
	Message         string             `json:"message,omitempty"`
}

type Proof struct {
	Method string `json:"method"`
	Hash   string `json:"hash"`
}

type Verification struct {
	ID              string   `json:"id" db:"verification_id"`
	RequestorID     string   `json:"requestorId" db:"requestor_id"`
	IdentityID      string   `json:"identityId" db:"identity_id"`
	OwnerID         string   `json:"ownerId" db:"owner_id"`
	RequestedFields FieldSet `json:"requestedFields" db:"requested_fields"`
	Purpose         string   `json:"purpose,omitempty" db:"purpose"`
	Consent         Consent  `json:"consent" db:"consent"`
	Result          Result   `json:"result" db:"result"`
	Proof           *Proof   `json:"proof,omitempty" db:"proof"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
	Version   int64     `json:"version" db:"version"`
}

// ConsentLapsed reports whether the request is still pending past its consent
// window.
func (v *Verification) ConsentLapsed(now time.Time) bool {
	return v.Result.Status == StatusPending && !now.Before(v.Consent.ExpiresAt)
}

// EffectiveStatus is the status as seen at now. A pending request whose
// consent window has lapsed reads as rejected.
func (v *Verification) EffectiveStatus(now time.Time) VerificationStatus {
	if v.ConsentLapsed(now) {
		return StatusRejected
	}
	return v.Result.Status
}

func (v *Verification) Clone() *Verification {
	if v == nil {
		return nil
	}
	out := *v
	out.RequestedFields = append(FieldSet{}, v.RequestedFields...)
	out.Consent.GrantedAt = cloneTime(v.Consent.GrantedAt)
	out.Consent.RevokedAt = cloneTime(v.Consent.RevokedAt)
	if v.Consent.SelectedFields != nil {
		out.Consent.SelectedFields = append(FieldSet{}, v.Consent.SelectedFields...)
	}
	out.Result.DisclosedFields = append(FieldSet{}, v.Result.DisclosedFields...)
	out.Result.VerifiedAt = cloneTime(v.Result.VerifiedAt)
	if v.Proof != nil {
		p := *v.Proof
		out.Proof = &p
	}
	return &out
}
