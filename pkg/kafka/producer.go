package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/info-baruzotech/posthog/pkg/metrics"
	"github.com/info-baruzotech/posthog/pkg/models"
	"github.com/info-baruzotech/posthog/pkg/tracing"
)

// messageWriter is the part of kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes change records. Each record carries its own topic.
type Producer struct {
	writer messageWriter
	logger ectologger.Logger
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return newProducer(writer, logger)
}

func newProducer(writer messageWriter, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Queue publishes records in one batch. Records are keyed so that all versions of a row land
// on the same partition.
func (p *Producer) Queue(ctx context.Context, records []models.ChangeRecord) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.Queue")
	defer span.End()

	if len(records) == 0 {
		return nil
	}

	messages := make([]kafka.Message, len(records))
	for i, record := range records {
		if record.Topic == "" {
			return fmt.Errorf("change record %q has no topic", record.Key)
		}
		messages[i] = toMessage(record)
	}

	start := time.Now()
	err := p.writer.WriteMessages(ctx, messages...)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	for _, record := range records {
		metrics.KafkaMessagesPublished.WithLabelValues(record.Topic, status).Inc()
	}

	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_size": len(records),
		}).Error("Failed to publish change records")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(records),
	}).Debug("Published change records")

	return nil
}

// Publish marshals value as JSON and publishes it to topic under key.
func (p *Producer) Publish(ctx context.Context, topic, key string, value any, headers map[string]string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", topic, err)
	}
	return p.Queue(ctx, []models.ChangeRecord{{
		Topic:   topic,
		Key:     key,
		Value:   data,
		Headers: headers,
	}})
}

func toMessage(record models.ChangeRecord) kafka.Message {
	msg := kafka.Message{
		Topic: record.Topic,
		Value: record.Value,
	}
	if record.Key != "" {
		msg.Key = []byte(record.Key)
	}
	for key, value := range record.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	return msg
}
