package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher mirrors every fired alert event onto a Kafka topic for
// downstream consumers. Publishing is best effort and independent of the
// per-rule transport dispatch.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaPublisher constructs a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{
		writer: writer,
		logger: logger.With().Str("component", "alert_kafka").Logger(),
	}
}

type alertEventPayload struct {
	RuleID         int64  `json:"rule_id"`
	ObservationID  int64  `json:"observation_id"`
	ProductName    string `json:"product_name"`
	Price          string `json:"price"`
	Currency       string `json:"currency"`
	Classification string `json:"classification"`
	FiredAt        string `json:"fired_at"`
}

// Publish writes one alert event as a JSON message keyed by rule id.
func (p *KafkaPublisher) Publish(ctx context.Context, ruleID, observationID int64, msg Message) error {
	payload := alertEventPayload{
		RuleID:         ruleID,
		ObservationID:  observationID,
		ProductName:    msg.ProductName,
		Price:          msg.Price.String(),
		Currency:       msg.Currency,
		Classification: msg.Classification,
		FiredAt:        msg.ObservedAt.UTC().Format(time.RFC3339),
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ruleID, 10)),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publish alert event: %w", err)
	}

	p.logger.Debug().Int64("rule_id", ruleID).Msg("alert event published")
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
