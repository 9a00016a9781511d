package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const (
	insertVerification = `
        INSERT INTO verifications (
            bucket, verification_id, requestor_id, identity_id, owner_id, requested_fields, purpose,
            consent_granted, consent_granted_at, consent_revoked_at, consent_expires_at, selected_fields,
            status, disclosed_fields, verified_at, result_message, proof_method, proof_hash,
            created_at, updated_at, version
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	insertVerificationByRequestor = `
        INSERT INTO verifications_by_requestor (requestor_id, created_at, verification_id) VALUES (?, ?, ?)`

	insertVerificationByOwner = `
        INSERT INTO verifications_by_owner (owner_id, created_at, verification_id) VALUES (?, ?, ?)`

	selectVerification = `
        SELECT verification_id, requestor_id, identity_id, owner_id, requested_fields, purpose,
            consent_granted, consent_granted_at, consent_revoked_at, consent_expires_at, selected_fields,
            status, disclosed_fields, verified_at, result_message, proof_method, proof_hash,
            created_at, updated_at, version
        FROM verifications WHERE bucket = ? AND verification_id = ?`

	selectVerificationsByRequestor = `
        SELECT verification_id FROM verifications_by_requestor WHERE requestor_id = ?`

	selectVerificationsByOwner = `
        SELECT verification_id FROM verifications_by_owner WHERE owner_id = ?`

	updateVerification = `
        UPDATE verifications SET consent_granted = ?, consent_granted_at = ?, consent_revoked_at = ?,
            selected_fields = ?, status = ?, disclosed_fields = ?, verified_at = ?, result_message = ?,
            proof_method = ?, proof_hash = ?, updated_at = ?, version = ?
        WHERE bucket = ? AND verification_id = ? IF version = ?`
)

type VerificationRepository struct {
	client *ScyllaClient
}

func NewVerificationRepository(client *ScyllaClient) *VerificationRepository {
	return &VerificationRepository{client: client}
}

func (r *VerificationRepository) Create(ctx context.Context, v *models.Verification) error {
	method, hash := proofColumns(v.Proof)

	v.Version = 1
	applied, err := r.client.Query(ctx, insertVerification,
		r.client.bucket(v.ID), v.ID, v.RequestorID, v.IdentityID, v.OwnerID,
		[]string(v.RequestedFields), v.Purpose,
		v.Consent.Granted, nullableTime(v.Consent.GrantedAt), nullableTime(v.Consent.RevokedAt),
		v.Consent.ExpiresAt, []string(v.Consent.SelectedFields),
		string(v.Result.Status), []string(v.Result.DisclosedFields), nullableTime(v.Result.VerifiedAt),
		v.Result.Message, method, hash, v.CreatedAt, v.UpdatedAt, v.Version,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to create verification", zap.String("verification_id", v.ID), zap.Error(err))
		return fmt.Errorf("failed to create verification: %w", err)
	}
	if !applied {
		return repository.ErrAlreadyExists
	}

	batch := r.client.newBatch(ctx)
	batch.Query(insertVerificationByRequestor, v.RequestorID, v.CreatedAt, v.ID)
	batch.Query(insertVerificationByOwner, v.OwnerID, v.CreatedAt, v.ID)
	if err := r.client.executeBatch(batch); err != nil {
		util.Error("Failed to index verification", zap.String("verification_id", v.ID), zap.Error(err))
		return fmt.Errorf("failed to index verification: %w", err)
	}
	return nil
}

func (r *VerificationRepository) Get(ctx context.Context, id string) (*models.Verification, error) {
	var (
		v                                models.Verification
		requested, selected, disclosed   []string
		grantedAt, revokedAt, verifiedAt time.Time
		status, proofMethod, proofHash   string
	)

	err := r.client.scan(r.client.Query(ctx, selectVerification, r.client.bucket(id), id),
		&v.ID, &v.RequestorID, &v.IdentityID, &v.OwnerID, &requested, &v.Purpose,
		&v.Consent.Granted, &grantedAt, &revokedAt, &v.Consent.ExpiresAt, &selected,
		&status, &disclosed, &verifiedAt, &v.Result.Message, &proofMethod, &proofHash,
		&v.CreatedAt, &v.UpdatedAt, &v.Version)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get verification", zap.String("verification_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get verification: %w", err)
	}

	v.RequestedFields = models.NewFieldSet(requested...)
	if selected != nil {
		v.Consent.SelectedFields = models.NewFieldSet(selected...)
	}
	v.Consent.GrantedAt = timePtr(grantedAt)
	v.Consent.RevokedAt = timePtr(revokedAt)
	v.Result.Status = models.VerificationStatus(status)
	v.Result.DisclosedFields = models.NewFieldSet(disclosed...)
	v.Result.VerifiedAt = timePtr(verifiedAt)
	if proofMethod != "" {
		v.Proof = &models.Proof{Method: proofMethod, Hash: proofHash}
	}
	return &v, nil
}

func (r *VerificationRepository) CompareAndSwap(ctx context.Context, v *models.Verification, expected int64) error {
	method, hash := proofColumns(v.Proof)
	next := expected + 1

	err := r.client.compareAndSet(r.client.Query(ctx, updateVerification,
		v.Consent.Granted, nullableTime(v.Consent.GrantedAt), nullableTime(v.Consent.RevokedAt),
		[]string(v.Consent.SelectedFields), string(v.Result.Status), []string(v.Result.DisclosedFields),
		nullableTime(v.Result.VerifiedAt), v.Result.Message, method, hash, v.UpdatedAt, next,
		r.client.bucket(v.ID), v.ID, expected,
	), repository.ErrVersionConflict)
	if err != nil {
		return err
	}
	v.Version = next
	return nil
}

func (r *VerificationRepository) ListByRequestor(ctx context.Context, requestorID string) ([]*models.Verification, error) {
	return r.list(ctx, selectVerificationsByRequestor, requestorID)
}

func (r *VerificationRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.Verification, error) {
	return r.list(ctx, selectVerificationsByOwner, ownerID)
}

func (r *VerificationRepository) list(ctx context.Context, stmt, key string) ([]*models.Verification, error) {
	iter := r.client.Query(ctx, stmt, key).Iter()
	var (
		ids []string
		id  string
	)
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list verifications: %w", err)
	}

	results := make([]*models.Verification, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			v, err := r.Get(gctx, id)
			if err == repository.ErrNotFound {
				return nil
			}
			results[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*models.Verification, 0, len(results))
	for _, v := range results {
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

func proofColumns(p *models.Proof) (string, string) {
	if p == nil {
		return "", ""
	}
	return p.Method, p.Hash
}
