package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"beacon/internal/config"
	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
	"beacon/internal/pipeline"
)

// Sink errors
var (
	ErrSinkClosed      = errors.New("kafka sink is closed")
	ErrSerializeFailed = errors.New("failed to serialize event")
)

// KafkaSink publishes event batches to a Kafka topic. It implements the
// pipeline Handler contract, so it can serve as the default handler for
// event types with no dedicated processing.
type KafkaSink struct {
	topic  string
	writer *kafka.Writer
	closed atomic.Bool

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
}

// NewKafkaSink creates a Kafka sink from the given configuration.
func NewKafkaSink(cfg config.KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // Partition by key
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  getCompression(cfg.Compression),
		Async:        false, // Sync for reliability
	}

	log := logger.WithComponent("kafka_sink")
	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("compression", cfg.Compression).
		Msg("kafka sink initialized")

	return &KafkaSink{
		topic:  cfg.Topic,
		writer: writer,
	}, nil
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None // no compression
	}
}

// Handle publishes one type group of events as a single Kafka batch. The
// write is all-or-nothing per the sync writer, so the result reports
// either every event processed or every event failed.
func (s *KafkaSink) Handle(ctx context.Context, events []models.Event) (pipeline.HandlerResult, error) {
	if s.closed.Load() {
		return pipeline.HandlerResult{}, ErrSinkClosed
	}

	if len(events) == 0 {
		return pipeline.HandlerResult{Succeeded: true}, nil
	}

	log := logger.WithComponent("kafka_sink")
	start := time.Now()

	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			// Serialization failures are not transient; retrying the
			// batch will not help
			return pipeline.HandlerResult{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
		}

		messages = append(messages, kafka.Message{
			Key:   []byte(event.UserID), // Partition by user for ordering
			Value: data,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(event.ID)},
				{Key: "event_type", Value: []byte(event.Type)},
				{Key: "session_id", Value: []byte(event.SessionID)},
			},
			Time: event.Timestamp,
		})
	}

	err := s.writer.WriteMessages(ctx, messages...)
	duration := time.Since(start)
	metrics.KafkaPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(messages)).
			Dur("duration", duration).
			Msg("failed to publish batch to kafka")
		s.messagesFailed.Add(uint64(len(messages)))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(messages)))
		return pipeline.HandlerResult{}, err
	}

	log.Debug().
		Int("batch_size", len(messages)).
		Dur("duration", duration).
		Msg("batch published to kafka")

	s.messagesSent.Add(uint64(len(messages)))
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(messages)))

	return pipeline.HandlerResult{
		Succeeded:      true,
		ProcessedCount: len(events),
	}, nil
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.writer.Close()
}

// Stats returns publish counters.
func (s *KafkaSink) Stats() (sent, failed uint64) {
	return s.messagesSent.Load(), s.messagesFailed.Load()
}
