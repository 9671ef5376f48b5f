// Package queue moves ingestion jobs between the API and the worker over
// Kafka. Offsets are committed manually after a job's handler returns, which
// gives at-least-once delivery; the worker's content-hash dedup makes
// redelivery idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// Message is one ingestion job on the wire.
type Message struct {
	Path  string `json:"path"`
	Batch string `json:"batch"`
	Hash  string `json:"hash"`
}

// Validate rejects messages missing required fields before any work starts.
func (m Message) Validate() error {
	if m.Path == "" || m.Batch == "" || m.Hash == "" {
		return fmt.Errorf("incomplete job message: path=%q batch=%q hash=%q",
			m.Path, m.Batch, m.Hash)
	}
	return nil
}

// Producer enqueues ingestion jobs.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer builds a producer for the given brokers and topic.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Enqueue publishes one job message, keyed by batch so a batch's files stay
// on one partition in submission order.
func (p *Producer) Enqueue(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Batch),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("enqueue job for %s: %w", msg.Path, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Handler processes one decoded job message.
type Handler func(ctx context.Context, msg Message) error

// fetcher is the slice of kafka.Reader the consumer loop needs.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer runs a sequential consumption loop: one job is fully processed
// before the next is fetched.
type Consumer struct {
	reader fetcher
	logger *slog.Logger
}

// NewConsumer builds a consumer group member for the given brokers and topic.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	return newConsumer(reader, logger)
}

func newConsumer(reader fetcher, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: reader, logger: logger}
}

// Run fetches, decodes and handles messages until ctx is cancelled. An
// undecodable payload is logged and committed past (dropped); a handler
// error is logged but the offset is still committed, since terminal job
// failures are recorded in the ledger, not retried by redelivery.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		raw, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(raw.Value, &msg); err != nil {
			c.logger.Error("dropping undecodable job message",
				"offset", raw.Offset, "error", err)
		} else if err := msg.Validate(); err != nil {
			c.logger.Error("dropping invalid job message",
				"offset", raw.Offset, "error", err)
		} else if err := handle(ctx, msg); err != nil {
			c.logger.Error("job handler failed",
				"path", msg.Path, "batch", msg.Batch, "error", err)
		}

		if err := c.reader.CommitMessages(ctx, raw); err != nil {
			return fmt.Errorf("commit offset %d: %w", raw.Offset, err)
		}
	}
}
