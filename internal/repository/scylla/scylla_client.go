package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

// anchorBuckets spreads the unanchored attestation queue over a few
// partitions small enough to scan in full.
const anchorBuckets = 16

// Reads and idempotent writes are retried on transient errors. LWTs never
// are: a timed-out CAS may have applied.
const transientRetries = 2

type ScyllaClient struct {
	session    *gocql.Session
	keyspace   string
	buckets    *bucketing.BucketingManager
	encryption *encryption.EncryptionManager
}

func NewScyllaClient(cfg *config.Config, buckets *bucketing.BucketingManager, enc *encryption.EncryptionManager) (*ScyllaClient, error) {
	sc := cfg.Scylla

	cluster := gocql.NewCluster(sc.Nodes...)
	cluster.Keyspace = sc.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 2
	cluster.PageSize = 500
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{Min: 100 * time.Millisecond, Max: 2 * time.Second, NumRetries: 3}
	if sc.LocalDC != "" {
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.DCAwareRoundRobinPolicy(sc.LocalDC))
	} else {
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	}

	if sc.CAFile != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 sc.CAFile,
			CertPath:               sc.CertFile,
			KeyPath:                sc.KeyFile,
			EnableHostVerification: true,
		}
	} else if cfg.IsProduction() {
		util.Warn("SCYLLA_CA_FILE not set, connecting to ScyllaDB without TLS")
	}

	if sc.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: sc.Username, Password: sc.Password}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", sc.Nodes),
		zap.String("keyspace", sc.Keyspace),
		zap.String("local_dc", sc.LocalDC),
		zap.Bool("tls", cluster.SslOpts != nil))

	return &ScyllaClient{session: session, keyspace: sc.Keyspace, buckets: buckets, encryption: enc}, nil
}

// NewStore returns repositories backed by this client.
func (s *ScyllaClient) NewStore() *repository.Store {
	return &repository.Store{
		Identities:    NewIdentityRepository(s),
		Attestations:  NewAttestationRepository(s),
		Verifications: NewVerificationRepository(s),
	}
}

// EnsureSchema creates the tables when missing. The keyspace must exist.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schema {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.String("keyspace", s.keyspace), zap.Int("statements", len(schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.session == nil || s.session.Closed() {
		return
	}
	s.session.Close()
	util.Info("ScyllaDB client closed", zap.String("keyspace", s.keyspace))
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var release string
	if err := s.Query(ctx, `SELECT release_version FROM system.local`).Scan(&release); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	util.Debug("ScyllaDB health check passed", zap.String("release_version", release))
	return nil
}

func (s *ScyllaClient) newBatch(ctx context.Context) *gocql.Batch {
	return s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
}

func (s *ScyllaClient) executeBatch(batch *gocql.Batch) error {
	return s.session.ExecuteBatch(batch)
}

// execIdempotent runs a write that is safe to repeat, such as a delete.
func (s *ScyllaClient) execIdempotent(query *gocql.Query) error {
	return s.retry(query.Context(), query.Exec)
}

// scan reads one row. ErrNotFound is returned immediately.
func (s *ScyllaClient) scan(query *gocql.Query, dest ...interface{}) error {
	return s.retry(query.Context(), func() error {
		err := query.Scan(dest...)
		if errors.Is(err, gocql.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
}

func (s *ScyllaClient) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, transientRetries), ctx))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// compareAndSet runs a lightweight transaction and maps a rejected condition
// onto ErrNotFound (no row) or the supplied conflict error.
func (s *ScyllaClient) compareAndSet(query *gocql.Query, conflict error) error {
	previous := map[string]interface{}{}
	applied, err := query.MapScanCAS(previous)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	if len(previous) == 0 {
		return repository.ErrNotFound
	}
	return conflict
}

func (s *ScyllaClient) bucket(id string) int {
	return s.buckets.EntityBucket(id)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
