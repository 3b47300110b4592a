// Package events carries audit records and alert events over Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

// NewSaramaConfig returns the client configuration shared by the producer
// and the audit sink consumer group.
func NewSaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0

	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 3
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	return config
}

// Connect retries fn until it succeeds or attempts run out.
func Connect[T any](attempts int, wait time.Duration, what string, fn func() (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	for i := 0; i < attempts; i++ {
		v, err = fn()
		if err == nil {
			return v, nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Msgf("Failed to connect %s, retrying...", what)
		time.Sleep(wait)
	}
	return v, fmt.Errorf("failed to connect %s after %d attempts: %w", what, attempts, err)
}

// Producer publishes JSON messages keyed for per-entity ordering
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer connects to the configured brokers.
func NewProducer(cfg configs.KafkaConfig) (*Producer, error) {
	sp, err := Connect(10, 3*time.Second, "Kafka producer", func() (sarama.SyncProducer, error) {
		return sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig())
	})
	if err != nil {
		return nil, err
	}
	log.Info().Strs("brokers", cfg.Brokers).Msg("Connected to Kafka")
	return &Producer{producer: sp}, nil
}

// NewProducerFrom wraps an existing producer.
func NewProducerFrom(sp sarama.SyncProducer) *Producer {
	return &Producer{producer: sp}
}

// PublishJSON marshals v and sends it to topic.
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	log.Debug().
		Str("topic", topic).
		Str("key", key).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("Message published")
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}

// AlertSink publishes alert events keyed by alert id
type AlertSink struct {
	producer *Producer
	topic    string
}

func NewAlertSink(p *Producer, topic string) *AlertSink {
	return &AlertSink{producer: p, topic: topic}
}

func (s *AlertSink) Publish(ctx context.Context, event models.AlertEvent) error {
	return s.producer.PublishJSON(ctx, s.topic, event.Alert.ID, event)
}
