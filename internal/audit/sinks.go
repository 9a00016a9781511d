package audit

import (
	"context"
	"encoding/json"
	"fmt"
)

// BatchInserter is the subset of the ClickHouse client used by the sink.
type BatchInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

const clickhouseTableDDL = `
CREATE TABLE IF NOT EXISTS audit_events (
    event_id        String,
    event_type      LowCardinality(String),
    occurred_at     DateTime64(3, 'UTC'),
    actor_id        String,
    identity_id     String,
    attestation_id  String,
    verification_id String,
    details         String
) ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMM(occurred_at)
ORDER BY (event_type, occurred_at, event_id)`

const clickhouseInsert = `INSERT INTO audit_events
    (event_id, event_type, occurred_at, actor_id, identity_id, attestation_id, verification_id, details)`

// ClickHouseSink stores events for analytics. ReplacingMergeTree keyed by
// event id collapses duplicates from retried batches.
type ClickHouseSink struct {
	client BatchInserter
}

func NewClickHouseSink(client BatchInserter) *ClickHouseSink {
	return &ClickHouseSink{client: client}
}

func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	if err := s.client.Exec(ctx, clickhouseTableDDL); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		rows = append(rows, []interface{}{
			e.ID, string(e.Type), e.OccurredAt, e.ActorID,
			e.IdentityID, e.AttestationID, e.VerificationID, string(details),
		})
	}
	return s.client.BatchInsert(ctx, clickhouseInsert, rows)
}

// DocumentIndexer is the subset of the Elasticsearch client used by the sink.
type DocumentIndexer interface {
	EnsureIndex(ctx context.Context, index string, mapping []byte) error
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// Details stay a flattened object so arbitrary keys never grow the mapping.
const elasticsearchMapping = `{
  "mappings": {
    "dynamic": "strict",
    "properties": {
      "id":             {"type": "keyword"},
      "type":           {"type": "keyword"},
      "occurredAt":     {"type": "date"},
      "actorId":        {"type": "keyword"},
      "identityId":     {"type": "keyword"},
      "attestationId":  {"type": "keyword"},
      "verificationId": {"type": "keyword"},
      "details":        {"type": "flattened"}
    }
  }
}`

// ElasticsearchSink makes events searchable, e.g. by proof hash in details.
type ElasticsearchSink struct {
	client DocumentIndexer
	index  string
}

func NewElasticsearchSink(client DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{client: client, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) EnsureIndex(ctx context.Context) error {
	return s.client.EnsureIndex(ctx, s.index, []byte(elasticsearchMapping))
}

func (s *ElasticsearchSink) Write(ctx context.Context, events []Event) error {
	var firstErr error
	failed := 0
	for _, e := range events {
		if err := s.client.IndexDocument(ctx, s.index, e.ID, e); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("%d of %d events not indexed: %w", failed, len(events), firstErr)
	}
	return nil
}
