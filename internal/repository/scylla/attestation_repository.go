package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/encryption"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

const (
	insertAttestation = `
        INSERT INTO attestations (
            bucket, attestation_id, identity_id, attester_id, type, fields, field_names,
            metadata, confidence, issued_at, expires_at, revoked, revoked_at,
            revocation_reason, ledger_anchor, version
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	insertAttestationByIdentity = `
        INSERT INTO attestations_by_identity (identity_id, issued_at, attestation_id) VALUES (?, ?, ?)`

	insertAttestationByExpiry = `
        INSERT INTO attestations_by_expiry (expiry_day, expires_at, attestation_id, identity_id)
        VALUES (?, ?, ?, ?)`

	insertUnanchored = `
        INSERT INTO unanchored_attestations (bucket, attestation_id, issued_at) VALUES (?, ?, ?)`

	deleteUnanchored = `
        DELETE FROM unanchored_attestations WHERE bucket = ? AND attestation_id = ?`

	selectAttestation = `
        SELECT attestation_id, identity_id, attester_id, type, fields, metadata, confidence,
            issued_at, expires_at, revoked, revoked_at, revocation_reason, ledger_anchor, version
        FROM attestations WHERE bucket = ? AND attestation_id = ?`

	selectAttestationsByIdentity = `
        SELECT attestation_id FROM attestations_by_identity WHERE identity_id = ?`

	selectAttestationsByExpiry = `
        SELECT attestation_id FROM attestations_by_expiry
        WHERE expiry_day = ? AND expires_at > ? AND expires_at <= ?`

	selectUnanchored = `
        SELECT attestation_id, issued_at FROM unanchored_attestations WHERE bucket = ?`

	updateAttestation = `
        UPDATE attestations SET revoked = ?, revoked_at = ?, revocation_reason = ?,
            ledger_anchor = ?, version = ?
        WHERE bucket = ? AND attestation_id = ? IF version = ?`
)

const (
	dayLayout = "2006-01-02"
	// maxExpiryScanDays bounds one ListExpiringBetween call.
	maxExpiryScanDays = 400
	fetchConcurrency  = 8
)

type AttestationRepository struct {
	client *ScyllaClient
}

func NewAttestationRepository(client *ScyllaClient) *AttestationRepository {
	return &AttestationRepository{client: client}
}

func (r *AttestationRepository) Create(ctx context.Context, a *models.Attestation) error {
	fields, err := r.sealClaims(ctx, a.Fields)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	a.Version = 1
	applied, err := r.client.Query(ctx, insertAttestation,
		r.client.bucket(a.ID), a.ID, a.IdentityID, a.AttesterID, string(a.Type),
		fields, []string(a.FieldNames()), string(metadata), a.Confidence,
		a.IssuedAt, nullableTime(a.ExpiresAt), a.Revoked, nullableTime(a.RevokedAt),
		a.RevocationReason, anchorValue(a.LedgerAnchor), a.Version,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to create attestation", zap.String("attestation_id", a.ID), zap.Error(err))
		return fmt.Errorf("failed to create attestation: %w", err)
	}
	if !applied {
		return repository.ErrAlreadyExists
	}

	batch := r.client.newBatch(ctx)
	batch.Query(insertAttestationByIdentity, a.IdentityID, a.IssuedAt, a.ID)
	if a.ExpiresAt != nil {
		batch.Query(insertAttestationByExpiry, a.ExpiresAt.UTC().Format(dayLayout), *a.ExpiresAt, a.ID, a.IdentityID)
	}
	if a.LedgerAnchor == nil {
		batch.Query(insertUnanchored, r.anchorBucket(a.ID), a.ID, a.IssuedAt)
	}
	if err := r.client.executeBatch(batch); err != nil {
		util.Error("Failed to index attestation", zap.String("attestation_id", a.ID), zap.Error(err))
		return fmt.Errorf("failed to index attestation: %w", err)
	}
	return nil
}

func (r *AttestationRepository) Get(ctx context.Context, id string) (*models.Attestation, error) {
	var (
		a                  models.Attestation
		typ, fields, meta  string
		expires, revokedAt time.Time
		anchor             string
	)

	err := r.client.scan(r.client.Query(ctx, selectAttestation, r.client.bucket(id), id),
		&a.ID, &a.IdentityID, &a.AttesterID, &typ, &fields, &meta, &a.Confidence,
		&a.IssuedAt, &expires, &a.Revoked, &revokedAt, &a.RevocationReason, &anchor, &a.Version)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get attestation", zap.String("attestation_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get attestation: %w", err)
	}

	a.Type = models.AttestationType(typ)
	a.ExpiresAt = timePtr(expires)
	a.RevokedAt = timePtr(revokedAt)
	if anchor != "" {
		a.LedgerAnchor = &anchor
	}
	if a.Fields, err = r.openClaims(ctx, fields); err != nil {
		return nil, err
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &a, nil
}

func (r *AttestationRepository) ListByIdentity(ctx context.Context, identityID string) ([]*models.Attestation, error) {
	ids, err := r.scanIDs(r.client.Query(ctx, selectAttestationsByIdentity, identityID))
	if err != nil {
		return nil, fmt.Errorf("failed to list attestations: %w", err)
	}
	return r.getMany(ctx, ids)
}

func (r *AttestationRepository) CompareAndSwap(ctx context.Context, a *models.Attestation, expected int64) error {
	next := expected + 1
	err := r.client.compareAndSet(r.client.Query(ctx, updateAttestation,
		a.Revoked, nullableTime(a.RevokedAt), a.RevocationReason, anchorValue(a.LedgerAnchor), next,
		r.client.bucket(a.ID), a.ID, expected,
	), repository.ErrVersionConflict)
	if err != nil {
		return err
	}
	a.Version = next

	if a.LedgerAnchor != nil {
		if err := r.client.execIdempotent(r.client.Query(ctx, deleteUnanchored, r.anchorBucket(a.ID), a.ID)); err != nil {
			util.Warn("Failed to clear unanchored marker", zap.String("attestation_id", a.ID), zap.Error(err))
		}
	}
	return nil
}

func (r *AttestationRepository) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.Attestation, error) {
	from, to = from.UTC(), to.UTC()
	if !from.Before(to) {
		return nil, nil
	}
	if to.Sub(from) > maxExpiryScanDays*24*time.Hour {
		from = to.Add(-maxExpiryScanDays * 24 * time.Hour)
	}

	var ids []string
	for day := from.Truncate(24 * time.Hour); !day.After(to); day = day.Add(24 * time.Hour) {
		dayIDs, err := r.scanIDs(r.client.Query(ctx, selectAttestationsByExpiry, day.Format(dayLayout), from, to))
		if err != nil {
			return nil, fmt.Errorf("failed to scan expiry index: %w", err)
		}
		ids = append(ids, dayIDs...)
	}

	all, err := r.getMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if !a.Revoked {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *AttestationRepository) ListUnanchored(ctx context.Context, issuedBefore time.Time, limit int) ([]*models.Attestation, error) {
	type entry struct {
		id       string
		issuedAt time.Time
	}
	var entries []entry
	for b := 0; b < anchorBuckets; b++ {
		iter := r.client.Query(ctx, selectUnanchored, b).Iter()
		var (
			id       string
			issuedAt time.Time
		)
		for iter.Scan(&id, &issuedAt) {
			if issuedAt.Before(issuedBefore) {
				entries = append(entries, entry{id: id, issuedAt: issuedAt})
			}
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to scan unanchored attestations: %w", err)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].issuedAt.Before(entries[j].issuedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return r.getMany(ctx, ids)
}

// getMany fetches records concurrently and preserves the order of ids.
// Dangling index entries are skipped.
func (r *AttestationRepository) getMany(ctx context.Context, ids []string) ([]*models.Attestation, error) {
	results := make([]*models.Attestation, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			a, err := r.Get(gctx, id)
			if err == repository.ErrNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*models.Attestation, 0, len(results))
	for _, a := range results {
		if a != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *AttestationRepository) scanIDs(query *gocql.Query) ([]string, error) {
	iter := query.Iter()
	var (
		ids []string
		id  string
	)
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	return ids, iter.Close()
}

func (r *AttestationRepository) anchorBucket(id string) int {
	return r.client.bucket(id) % anchorBuckets
}

func (r *AttestationRepository) sealClaims(ctx context.Context, claims models.Claims) (string, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}
	return r.client.encryption.Seal(ctx, raw, encryption.PurposeClaims)
}

func (r *AttestationRepository) openClaims(ctx context.Context, sealed string) (models.Claims, error) {
	raw, err := r.client.encryption.Open(ctx, sealed, encryption.PurposeClaims)
	if err != nil {
		return nil, err
	}
	var claims models.Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("failed to decode claims: %w", err)
	}
	return claims, nil
}

func anchorValue(ref *string) interface{} {
	if ref == nil {
		return nil
	}
	return *ref
}
