// Package alert publishes detected anomalies to Kafka for downstream
// notification systems.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/fluwatch/flutracker/internal/config"
	"github.com/fluwatch/flutracker/internal/domain"
)

// Publisher produces anomaly alerts to a Kafka topic.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured alert topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaAlertTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger}
}

// Publish serializes and sends the anomalies in one WriteMessages call.
// Messages are keyed by country code so alerts for the same country land in
// order on one partition.
func (p *Publisher) Publish(ctx context.Context, anomalies []domain.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(anomalies))
	for i := range anomalies {
		msg, err := serializeToMessage(anomalies[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish anomaly alerts: %w", err)
	}
	p.logger.Info("anomaly alerts published", "count", len(anomalies))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals an anomaly into a Kafka message.
func serializeToMessage(a domain.Anomaly) (kafkago.Message, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize anomaly: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(a.CountryCode),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "severity", Value: []byte(a.Severity)},
			{Key: "detected_at", Value: []byte(a.DetectedAt.Format(time.RFC3339))},
		},
	}, nil
}
