package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

// Connect opens a Redis client from a redis:// URL and checks it responds.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// StreamClient handles the ingress, manual-review and dead letter streams
type StreamClient struct {
	client           redis.UniversalClient
	streamName       string
	reviewStream     string
	consumerGroup    string
	deadLetterStream string
	claimIdle        time.Duration
}

// NewStreamClient wraps client and creates the consumer group if needed.
func NewStreamClient(ctx context.Context, client redis.UniversalClient, cfg configs.RedisConfig, deadLetterStream string) (*StreamClient, error) {
	if deadLetterStream == "" {
		deadLetterStream = "transactions-dlq"
	}
	sc := &StreamClient{
		client:           client,
		streamName:       cfg.StreamName,
		reviewStream:     cfg.ReviewStream,
		consumerGroup:    cfg.ConsumerGroup,
		deadLetterStream: deadLetterStream,
		claimIdle:        30 * time.Second,
	}

	if err := sc.createConsumerGroup(ctx); err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	log.Info().
		Str("stream", sc.streamName).
		Str("group", sc.consumerGroup).
		Msg("Redis Stream client initialized")
	return sc, nil
}

// SetClaimIdle changes how long a pending message must sit before another
// consumer may claim it.
func (s *StreamClient) SetClaimIdle(d time.Duration) {
	s.claimIdle = d
}

func (s *StreamClient) createConsumerGroup(ctx context.Context) error {
	// MKSTREAM creates the stream if it doesn't exist
	err := s.client.XGroupCreateMkStream(ctx, s.streamName, s.consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Publish appends a transaction event to the ingress stream
func (s *StreamClient) Publish(ctx context.Context, event *models.TransactionEvent) (string, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	msgID, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamName,
		Values: map[string]interface{}{
			"data": string(eventJSON),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("message_id", msgID).
		Str("transaction_id", event.Transaction.ID).
		Msg("Event published to stream")

	return msgID, nil
}

// PublishBatch appends several events in one round trip
func (s *StreamClient) PublishBatch(ctx context.Context, events []*models.TransactionEvent) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(events))

	for i, event := range events {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %d: %w", i, err)
		}

		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.streamName,
			Values: map[string]interface{}{
				"data": string(eventJSON),
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	msgIDs := make([]string, len(events))
	for i, cmd := range cmds {
		msgIDs[i] = cmd.Val()
	}
	return msgIDs, nil
}

// PublishReview hands a fail-closed transaction to the manual-review stream
func (s *StreamClient) PublishReview(ctx context.Context, event *models.TransactionEvent, d *models.Decision) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.reviewStream,
		Values: map[string]interface{}{
			"data":        string(eventJSON),
			"decision_id": d.ID,
			"reason":      d.Reason,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish review: %w", err)
	}

	log.Info().
		Str("transaction_id", event.Transaction.ID).
		Str("decision_id", d.ID).
		Msg("Transaction queued for manual review")
	return nil
}

// Consume returns abandoned pending messages first, then new ones
func (s *StreamClient) Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]StreamMessage, error) {
	pendingMessages, err := s.claimPendingMessages(ctx, consumerName, count)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to claim pending messages")
	}

	if len(pendingMessages) > 0 {
		return pendingMessages, nil
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.consumerGroup,
		Consumer: consumerName,
		Streams:  []string{s.streamName, ">"},
		Count:    count,
		Block:    blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []StreamMessage
	for _, stream := range streams {
		messages = append(messages, s.parseAll(ctx, stream.Messages)...)
	}
	return messages, nil
}

// claimPendingMessages takes over messages another consumer left unacked
func (s *StreamClient) claimPendingMessages(ctx context.Context, consumerName string, count int64) ([]StreamMessage, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.streamName,
		Group:  s.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}

	var messageIDs []string
	for _, p := range pending {
		if p.Idle >= s.claimIdle {
			messageIDs = append(messageIDs, p.ID)
		}
	}
	if len(messageIDs) == 0 {
		return nil, nil
	}

	claimed, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.streamName,
		Group:    s.consumerGroup,
		Consumer: consumerName,
		MinIdle:  s.claimIdle,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, err
	}

	return s.parseAll(ctx, claimed), nil
}

// parseAll decodes messages; undecodable ones go to the dead letter
// stream and are acked so they are not redelivered forever.
func (s *StreamClient) parseAll(ctx context.Context, msgs []redis.XMessage) []StreamMessage {
	var out []StreamMessage
	for _, msg := range msgs {
		event, err := parseMessage(msg)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse message")
			s.deadLetterRaw(ctx, msg, err)
			continue
		}
		out = append(out, StreamMessage{ID: msg.ID, Event: event})
	}
	return out
}

func (s *StreamClient) deadLetterRaw(ctx context.Context, msg redis.XMessage, cause error) {
	values := map[string]interface{}{"error": cause.Error(), "message_id": msg.ID}
	if data, ok := msg.Values["data"].(string); ok {
		values["data"] = data
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: s.deadLetterStream, Values: values}).Err(); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to send to dead letter queue")
		return
	}
	if err := s.AcknowledgeBatch(ctx, []string{msg.ID}); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to acknowledge malformed message")
	}
}

func parseMessage(msg redis.XMessage) (*models.TransactionEvent, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid message format")
	}

	var event models.TransactionEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}

// AcknowledgeBatch marks several messages processed
func (s *StreamClient) AcknowledgeBatch(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	if err := s.client.XAck(ctx, s.streamName, s.consumerGroup, messageIDs...).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge messages: %w", err)
	}

	log.Debug().Int("count", len(messageIDs)).Msg("Messages acknowledged")
	return nil
}

// Requeue appends the event again with its retry count incremented
func (s *StreamClient) Requeue(ctx context.Context, event *models.TransactionEvent) error {
	retry := *event
	retry.RetryCount++
	_, err := s.Publish(ctx, &retry)
	return err
}

// SendToDeadLetter parks an event that exhausted its retries
func (s *StreamClient) SendToDeadLetter(ctx context.Context, event *models.TransactionEvent, cause error) error {
	eventJSON, _ := json.Marshal(event)

	_, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.deadLetterStream,
		Values: map[string]interface{}{
			"data":  string(eventJSON),
			"error": cause.Error(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to send to dead letter: %w", err)
	}

	log.Warn().
		Str("transaction_id", event.Transaction.ID).
		Err(cause).
		Msg("Message sent to dead letter queue")
	return nil
}

// GetStreamInfo returns ingress stream statistics
func (s *StreamClient) GetStreamInfo(ctx context.Context) (*StreamInfo, error) {
	length, err := s.client.XLen(ctx, s.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream length: %w", err)
	}

	pending, err := s.client.XPending(ctx, s.streamName, s.consumerGroup).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending count: %w", err)
	}

	review, err := s.client.XLen(ctx, s.reviewStream).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get review stream length: %w", err)
	}

	dead, err := s.client.XLen(ctx, s.deadLetterStream).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter length: %w", err)
	}

	return &StreamInfo{
		Length:       length,
		PendingCount: pending.Count,
		ReviewLength: review,
		DeadLetters:  dead,
	}, nil
}

// StreamMessage is one decoded ingress message
type StreamMessage struct {
	ID    string
	Event *models.TransactionEvent
}

// StreamInfo contains stream statistics
type StreamInfo struct {
	Length       int64 `json:"length"`
	PendingCount int64 `json:"pending"`
	ReviewLength int64 `json:"review_length"`
	DeadLetters  int64 `json:"dead_letters"`
}
