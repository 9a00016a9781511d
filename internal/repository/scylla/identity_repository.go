package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/encryption"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const (
	insertIdentity = `
        INSERT INTO identities (
            bucket, identity_id, owner_id, ledger_address, tier, live_verified_fields,
            personal_info, contact_info, attestation_ids, active, version,
            challenge_hash, challenge_expires_at, challenge_verified,
            created_at, updated_at, deactivated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	insertIdentityByOwner = `
        INSERT INTO identity_by_owner (owner_id, identity_id) VALUES (?, ?) IF NOT EXISTS`

	deleteIdentityByOwner = `
        DELETE FROM identity_by_owner WHERE owner_id = ?`

	selectIdentity = `
        SELECT identity_id, owner_id, ledger_address, tier, live_verified_fields,
            personal_info, contact_info, attestation_ids, active, version,
            challenge_hash, challenge_expires_at, challenge_verified,
            created_at, updated_at, deactivated_at
        FROM identities WHERE bucket = ? AND identity_id = ?`

	selectIdentityByOwner = `
        SELECT identity_id FROM identity_by_owner WHERE owner_id = ?`

	updateIdentity = `
        UPDATE identities SET ledger_address = ?, tier = ?, live_verified_fields = ?,
            personal_info = ?, contact_info = ?, attestation_ids = ?, active = ?, version = ?,
            challenge_hash = ?, challenge_expires_at = ?, challenge_verified = ?,
            updated_at = ?, deactivated_at = ?
        WHERE bucket = ? AND identity_id = ? IF version = ?`
)

type IdentityRepository struct {
	client *ScyllaClient
}

func NewIdentityRepository(client *ScyllaClient) *IdentityRepository {
	return &IdentityRepository{client: client}
}

func (r *IdentityRepository) Create(ctx context.Context, identity *models.Identity) error {
	claimed, err := r.client.Query(ctx, insertIdentityByOwner, identity.OwnerID, identity.ID).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to reserve owner: %w", err)
	}
	if !claimed {
		return repository.ErrAlreadyExists
	}

	personal, contact, err := r.sealProfile(ctx, identity)
	if err != nil {
		r.releaseOwner(ctx, identity.OwnerID)
		return err
	}

	identity.Version = 1
	applied, err := r.client.Query(ctx, insertIdentity,
		r.client.bucket(identity.ID), identity.ID, identity.OwnerID, identity.LedgerAddress,
		identity.Tier, []string(identity.LiveVerifiedFields), personal, contact,
		identity.AttestationIDs, identity.Active, identity.Version,
		identity.ChallengeHash, identity.ChallengeExpiresAt, identity.ChallengeVerified,
		identity.CreatedAt, identity.UpdatedAt, nullableTime(identity.DeactivatedAt),
	).MapScanCAS(map[string]interface{}{})
	if err != nil || !applied {
		r.releaseOwner(ctx, identity.OwnerID)
		if err != nil {
			util.Error("Failed to create identity",
				zap.String("identity_id", identity.ID),
				zap.Error(err))
			return fmt.Errorf("failed to create identity: %w", err)
		}
		return repository.ErrAlreadyExists
	}

	util.Debug("Identity stored", zap.String("identity_id", identity.ID))
	return nil
}

func (r *IdentityRepository) releaseOwner(ctx context.Context, ownerID string) {
	if err := r.client.execIdempotent(r.client.Query(ctx, deleteIdentityByOwner, ownerID)); err != nil {
		util.Warn("Failed to release owner reservation", zap.String("owner_id", ownerID), zap.Error(err))
	}
}

func (r *IdentityRepository) Get(ctx context.Context, id string) (*models.Identity, error) {
	var (
		identity                   models.Identity
		live                       []string
		personal, contact          string
		challengeExpires, deactive time.Time
	)

	err := r.client.scan(r.client.Query(ctx, selectIdentity, r.client.bucket(id), id),
		&identity.ID, &identity.OwnerID, &identity.LedgerAddress, &identity.Tier, &live,
		&personal, &contact, &identity.AttestationIDs, &identity.Active, &identity.Version,
		&identity.ChallengeHash, &challengeExpires, &identity.ChallengeVerified,
		&identity.CreatedAt, &identity.UpdatedAt, &deactive)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get identity", zap.String("identity_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	identity.LiveVerifiedFields = models.NewFieldSet(live...)
	identity.ChallengeExpiresAt = challengeExpires
	identity.DeactivatedAt = timePtr(deactive)
	if identity.AttestationIDs == nil {
		identity.AttestationIDs = []string{}
	}

	if identity.PersonalInfo, err = r.openProfile(ctx, personal); err != nil {
		return nil, err
	}
	if identity.ContactInfo, err = r.openProfile(ctx, contact); err != nil {
		return nil, err
	}
	return &identity, nil
}

func (r *IdentityRepository) GetByOwner(ctx context.Context, ownerID string) (*models.Identity, error) {
	var id string
	if err := r.client.scan(r.client.Query(ctx, selectIdentityByOwner, ownerID), &id); err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up identity by owner: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *IdentityRepository) CompareAndSwap(ctx context.Context, identity *models.Identity, expected int64) error {
	personal, contact, err := r.sealProfile(ctx, identity)
	if err != nil {
		return err
	}

	next := expected + 1
	err = r.client.compareAndSet(r.client.Query(ctx, updateIdentity,
		identity.LedgerAddress, identity.Tier, []string(identity.LiveVerifiedFields),
		personal, contact, identity.AttestationIDs, identity.Active, next,
		identity.ChallengeHash, identity.ChallengeExpiresAt, identity.ChallengeVerified,
		identity.UpdatedAt, nullableTime(identity.DeactivatedAt),
		r.client.bucket(identity.ID), identity.ID, expected,
	), repository.ErrVersionConflict)
	if err != nil {
		return err
	}
	identity.Version = next
	return nil
}

func (r *IdentityRepository) sealProfile(ctx context.Context, identity *models.Identity) (string, string, error) {
	personal, err := r.sealMap(ctx, identity.PersonalInfo)
	if err != nil {
		return "", "", err
	}
	contact, err := r.sealMap(ctx, identity.ContactInfo)
	if err != nil {
		return "", "", err
	}
	return personal, contact, nil
}

func (r *IdentityRepository) sealMap(ctx context.Context, m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode profile: %w", err)
	}
	return r.client.encryption.Seal(ctx, raw, encryption.PurposeProfile)
}

func (r *IdentityRepository) openProfile(ctx context.Context, sealed string) (map[string]string, error) {
	if sealed == "" {
		return nil, nil
	}
	raw, err := r.client.encryption.Open(ctx, sealed, encryption.PurposeProfile)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return m, nil
}
