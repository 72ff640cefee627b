// Package messaging wraps the Kafka event transport: an order-preserving
// producer keyed by symbol and an at-least-once consumer that only commits
// offsets after the handler succeeds.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Topic names a Kafka topic.
type Topic string

// Producer publishes messages to the event transport.
type Producer interface {
	Publish(ctx context.Context, topic Topic, key string, message interface{}) error
	Close() error
}

// MessageHandler processes one received record. Returning an error leaves
// the offset uncommitted so the transport redelivers the record.
type MessageHandler func(ctx context.Context, msg *ReceivedMessage) error

// ReceivedMessage is a consumed record with transport metadata.
type ReceivedMessage struct {
	Topic     string
	Key       string
	Value     []byte
	Offset    int64
	Partition int
	Timestamp time.Time
}

// KafkaProducer implements Producer with one writer per topic. Messages use
// a hash balancer over the key, so records sharing a partition key keep
// their publish order.
type KafkaProducer struct {
	brokers []string
	writers map[Topic]*kafka.Writer
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewKafkaProducer creates a producer for the given brokers.
func NewKafkaProducer(brokers []string, logger *zap.Logger) *KafkaProducer {
	return &KafkaProducer{
		brokers: brokers,
		writers: make(map[Topic]*kafka.Writer),
		logger:  logger,
	}
}

func (p *KafkaProducer) getWriter(topic Topic) *kafka.Writer {
	p.mu.RLock()
	writer, exists := p.writers[topic]
	p.mu.RUnlock()
	if exists {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        string(topic),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 5 * time.Second,
		MaxAttempts:  3,
		Compression:  kafka.Snappy,
	}
	p.writers[topic] = writer
	return writer
}

// Publish marshals message as JSON and writes it keyed by key.
func (p *KafkaProducer) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = p.getWriter(topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		p.logger.Error("failed to publish message",
			zap.Error(err),
			zap.String("topic", string(topic)),
			zap.String("key", key))
		return err
	}
	return nil
}

// Close closes all writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
			p.logger.Error("failed to close writer", zap.Error(err))
		}
	}
	return lastErr
}

// KafkaConsumer consumes one topic within a consumer group. Offsets are
// committed only after the handler returns nil, so a failing record is
// redelivered rather than dropped.
type KafkaConsumer struct {
	reader *kafka.Reader
	logger *zap.Logger
}

// NewKafkaConsumer creates a consumer for topic in the given group.
func NewKafkaConsumer(brokers []string, topic Topic, groupID string, logger *zap.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       string(topic),
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	})
	return &KafkaConsumer{reader: reader, logger: logger}
}

// Run fetches and dispatches records until ctx is cancelled. A handler error
// is logged and the record is retried after a backoff; the offset stays
// uncommitted throughout, preserving at-least-once semantics across restarts.
func (c *KafkaConsumer) Run(ctx context.Context, handler MessageHandler) error {
	topic := c.reader.Config().Topic
	c.logger.Info("started consuming", zap.String("topic", topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to fetch message", zap.Error(err), zap.String("topic", topic))
			time.Sleep(time.Second)
			continue
		}

		received := &ReceivedMessage{
			Topic:     msg.Topic,
			Key:       string(msg.Key),
			Value:     msg.Value,
			Offset:    msg.Offset,
			Partition: msg.Partition,
			Timestamp: msg.Time,
		}

		if err := handler(ctx, received); err != nil {
			c.logger.Error("handler failed, leaving offset uncommitted",
				zap.Error(err),
				zap.String("topic", topic),
				zap.Int64("offset", msg.Offset))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to commit offset", zap.Error(err), zap.String("topic", topic))
		}
	}
}

// Close closes the underlying reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
