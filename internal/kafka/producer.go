package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-momo/internal/logger"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	Writer MessageWriter
	log    *logger.Logger
}

// NewProducer creates a producer that picks the topic per message.
func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Producer{Writer: writer, log: log}
}

// Publish writes value to topic. Messages with the same key land on the same partition.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		p.log.LogKafka("PUBLISH_FAILED", topic, fmt.Sprintf("key=%s: %v", key, err))
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	p.log.LogKafka("PUBLISHED", topic, fmt.Sprintf("key=%s", key))
	return nil
}

// PublishJSON encodes v as JSON and publishes it.
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v interface{}) error {
	msgBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", topic, err)
	}
	return p.Publish(ctx, topic, key, msgBytes)
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
