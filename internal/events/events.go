// Package events publishes credential lifecycle changes for downstream
// consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/teresa-solution/tenant-client-manager/internal/model"
)

const (
	TypeSubmitted     = "credentials.submitted"
	TypeStatusChanged = "credentials.status_changed"
	TypeRemoved       = "credentials.removed"
)

var ErrPublisherClosed = errors.New("publisher is closed")

// Event describes one change to a tenant's credential record. It never
// carries secret material.
type Event struct {
	Type     string       `json:"type"`
	TenantID string       `json:"tenant_id"`
	From     model.Status `json:"from,omitempty"`
	To       model.Status `json:"to,omitempty"`
	ActorID  string       `json:"actor_id,omitempty"`
	Admin    bool         `json:"admin"`
	Reason   string       `json:"reason,omitempty"`
	At       time.Time    `json:"at"`
}

// Publisher delivers events
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher drops every event. It is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (NopPublisher) Close() error                                   { return nil }

// KafkaConfig holds the producer settings
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	Logger   zerolog.Logger
}

// KafkaPublisher writes events to a single topic, keyed by tenant ID so that
// one tenant's events stay ordered within a partition
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewKafkaPublisher connects a synchronous producer to the brokers
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers specified")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "tenant-client-manager"
	}

	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	config.Version = sarama.V2_6_0_0
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, cfg.Topic, cfg.Logger), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "event_publisher").Str("topic", topic).Logger(),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPublisherClosed
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.TenantID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Error().Err(err).Str("tenant_id", event.TenantID).Str("event_type", event.Type).Msg("Failed to publish event")
		return fmt.Errorf("failed to publish %s for tenant %s: %w", event.Type, event.TenantID, err)
	}

	p.logger.Debug().
		Str("tenant_id", event.TenantID).
		Str("event_type", event.Type).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("Event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}
