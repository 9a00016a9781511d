package scylla

var schema = []string{
	`CREATE TABLE IF NOT EXISTS identities (
        bucket int, identity_id text, owner_id text, ledger_address text,
        tier int, live_verified_fields list<text>,
        personal_info text, contact_info text,
        attestation_ids list<text>, active boolean, version bigint,
        challenge_hash text, challenge_expires_at timestamp, challenge_verified boolean,
        created_at timestamp, updated_at timestamp, deactivated_at timestamp,
        PRIMARY KEY ((bucket), identity_id))`,

	`CREATE TABLE IF NOT EXISTS identity_by_owner (
        owner_id text PRIMARY KEY, identity_id text)`,

	`CREATE TABLE IF NOT EXISTS attestations (
        bucket int, attestation_id text, identity_id text, attester_id text,
        type text, fields text, field_names list<text>, metadata text,
        confidence int, issued_at timestamp, expires_at timestamp,
        revoked boolean, revoked_at timestamp, revocation_reason text,
        ledger_anchor text, version bigint,
        PRIMARY KEY ((bucket), attestation_id))`,

	`CREATE TABLE IF NOT EXISTS attestations_by_identity (
        identity_id text, issued_at timestamp, attestation_id text,
        PRIMARY KEY ((identity_id), issued_at, attestation_id))`,

	`CREATE TABLE IF NOT EXISTS attestations_by_expiry (
        expiry_day text, expires_at timestamp, attestation_id text, identity_id text,
        PRIMARY KEY ((expiry_day), expires_at, attestation_id))`,

	`CREATE TABLE IF NOT EXISTS unanchored_attestations (
        bucket int, attestation_id text, issued_at timestamp,
        PRIMARY KEY ((bucket), attestation_id))`,

	`CREATE TABLE IF NOT EXISTS verifications (
        bucket int, verification_id text, requestor_id text, identity_id text, owner_id text,
        requested_fields list<text>, purpose text,
        consent_granted boolean, consent_granted_at timestamp, consent_revoked_at timestamp,
        consent_expires_at timestamp, selected_fields list<text>,
        status text, disclosed_fields list<text>, verified_at timestamp, result_message text,
        proof_method text, proof_hash text,
        created_at timestamp, updated_at timestamp, version bigint,
        PRIMARY KEY ((bucket), verification_id))`,

	`CREATE TABLE IF NOT EXISTS verifications_by_requestor (
        requestor_id text, created_at timestamp, verification_id text,
        PRIMARY KEY ((requestor_id), created_at, verification_id))
        WITH CLUSTERING ORDER BY (created_at DESC, verification_id DESC)`,

	`CREATE TABLE IF NOT EXISTS verifications_by_owner (
        owner_id text, created_at timestamp, verification_id text,
        PRIMARY KEY ((owner_id), created_at, verification_id))
        WITH CLUSTERING ORDER BY (created_at DESC, verification_id DESC)`,
}
