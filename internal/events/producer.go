package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/tourney-link/internal/config"
	"github.com/tourney-link/internal/domain"
)

// message is the wire format for the event topic. Payload shape depends on
// Type.
type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Producer publishes player events to Kafka. Events are keyed by chat
// identity so all events for one participant land on the same partition in
// order.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewProducer creates a Kafka event producer
func NewProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay
	saramaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		topic:    cfg.EventTopic,
		logger:   logger,
	}, nil
}

// Close closes the underlying producer
func (p *Producer) Close() error {
	return p.producer.Close()
}

// PublishUsernameChanged publishes a username change to the event topic.
func (p *Producer) PublishUsernameChanged(_ context.Context, event domain.UsernameChangedEvent) error {
	return p.publish(event.ChatIdentity, domain.EventTypeUsernameChanged, event)
}

// PublishPlayerRefreshed publishes a stats refresh to the event topic.
func (p *Producer) PublishPlayerRefreshed(_ context.Context, event domain.PlayerRefreshedEvent) error {
	return p.publish(event.ChatIdentity, domain.EventTypePlayerRefreshed, event)
}

func (p *Producer) publish(key, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}
	value, err := json.Marshal(message{Type: eventType, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	p.logger.Debug("published event",
		"type", eventType,
		"key", key,
		"partition", partition,
		"offset", offset,
	)
	return nil
}
