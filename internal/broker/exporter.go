package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"waflow/internal/config"
	"waflow/internal/constants"
	"waflow/internal/event"
	"waflow/internal/logger"
	"waflow/pkg/metrics"
	"waflow/pkg/tracing"
)

// Exporter publishes accepted normalized messages to downstream consumers.
type Exporter interface {
	Publish(ctx context.Context, msg *event.NormalizedMessage) error
	Close() error
}

// KafkaExporter is the firehose of normalized messages. Best effort: a
// publish failure is counted and logged but never fails ingestion.
type KafkaExporter struct {
	writer *kafka.Writer
	topic  string
	logger logger.Logger
}

func NewKafkaExporter(cfg config.ExportConfig, log logger.Logger) *KafkaExporter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		Async:        false,
	}
	return &KafkaExporter{writer: w, topic: cfg.Topic, logger: log}
}

func (e *KafkaExporter) Publish(ctx context.Context, msg *event.NormalizedMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := tracing.InjectTraceContext(ctx, []kafka.Header{})

	err = e.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   e.topic,
			Key:     []byte(msg.ID),
			Value:   body,
			Headers: headers,
			Time:    time.Now(),
		},
	)
	if err != nil {
		metrics.ExportMessagesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.ExportMessagesTotal.WithLabelValues("published").Inc()
	return nil
}

func (e *KafkaExporter) Close() error {
	return e.writer.Close()
}
