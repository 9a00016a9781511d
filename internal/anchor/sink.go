// Package anchor submits attestation digests to an external notarization
// ledger. Anchoring is advisory: it runs off the request path, is retried at
// least once per attestation, and its failures never affect the attestation.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrDisabled = errors.New("anchoring disabled")

// Sink notarizes a payload hash. Submitting the same attestation twice must
// be harmless.
type Sink interface {
	Anchor(ctx context.Context, attestationID, payloadHash string) (string, error)
}

// Producer is the subset of the Kafka producer the sink uses.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type Record struct {
	AttestationID string    `json:"attestationId"`
	PayloadHash   string    `json:"payloadHash"`
	Method        string    `json:"method"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// KafkaSink publishes anchor records keyed by attestation id, so a compacted
// topic or an idempotent consumer sees at most one record per attestation.
type KafkaSink struct {
	producer Producer
	topic    string
	method   string
	now      func() time.Time
}

func NewKafkaSink(producer Producer, topic, method string) *KafkaSink {
	return &KafkaSink{
		producer: producer,
		topic:    topic,
		method:   method,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *KafkaSink) Anchor(ctx context.Context, attestationID, payloadHash string) (string, error) {
	value, err := json.Marshal(Record{
		AttestationID: attestationID,
		PayloadHash:   payloadHash,
		Method:        s.method,
		SubmittedAt:   s.now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode anchor record: %w", err)
	}

	headers := map[string]string{"content-type": "application/json", "hash-method": s.method}
	if err := s.producer.ProduceMessage(ctx, s.topic, []byte(attestationID), value, headers); err != nil {
		return "", err
	}
	return Reference(s.topic, payloadHash), nil
}

// Reference derives the stored anchor reference. It depends only on the
// topic and payload, so a retried submission yields the same reference.
func Reference(topic, payloadHash string) string {
	return "kafka://" + topic + "/" + payloadHash
}

// LocalSink anchors nothing externally and returns a reference derived from
// the payload. Used in development.
type LocalSink struct{}

func (LocalSink) Anchor(_ context.Context, _ string, payloadHash string) (string, error) {
	return "local://" + payloadHash, nil
}

// DisabledSink always fails with ErrDisabled.
type DisabledSink struct{}

func (DisabledSink) Anchor(context.Context, string, string) (string, error) {
	return "", ErrDisabled
}
