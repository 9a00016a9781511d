package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// KafkaProducer publishes anchor records. Writes are synchronous and require
// acknowledgement from all in-sync replicas so a nil error means the record
// is durable.
type KafkaProducer struct {
	writer  *kafka.Writer
	brokers []string
}

func NewKafkaProducer(cfg *config.Config) (*KafkaProducer, error) {
	kafkaConfig := cfg.Kafka
	if len(kafkaConfig.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	p := &KafkaProducer{
		brokers: kafkaConfig.Brokers,
		writer: &kafka.Writer{
			Addr: kafka.TCP(kafkaConfig.Brokers...),
			// Records are keyed by attestation id; hashing keeps retries on
			// one partition.
			Balancer:     &kafka.Hash{},
			MaxAttempts:  3,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireAll,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.HealthCheck(ctx); err != nil {
		p.writer.Close()
		return nil, err
	}

	util.Info("Kafka producer initialized",
		zap.Strings("brokers", kafkaConfig.Brokers),
		zap.String("anchor_topic", kafkaConfig.AnchorTopic),
	)
	return p, nil
}

func (p *KafkaProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to %s: %w", topic, err)
	}
	util.Debug("Produced kafka message",
		zap.String("topic", topic),
		zap.ByteString("key", key),
		zap.Int("value_size", len(value)),
	)
	return nil
}

// HealthCheck succeeds if any configured broker answers a metadata request.
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: 5 * time.Second, DualStack: true}

	var lastErr error
	for _, broker := range p.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}

	var netErr net.Error
	if errors.As(lastErr, &netErr) && netErr.Timeout() {
		return fmt.Errorf("kafka brokers timed out: %w", lastErr)
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

func (p *KafkaProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		util.Error("Failed to close Kafka producer", zap.Error(err))
		return err
	}
	p.writer = nil
	util.Info("Kafka producer closed")
	return nil
}
