package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/models"
)

// ErrMalformed marks a message that can never be stored
var ErrMalformed = errors.New("malformed message")

// AuditStore persists audit records
type AuditStore interface {
	SaveAudit(ctx context.Context, rec *models.AuditRecord) error
}

// AlertStore persists the latest known state of an alert
type AlertStore interface {
	UpsertAlert(ctx context.Context, alert *models.Alert) error
}

// SinkHandler is the consumer group handler of the audit sink. It routes
// messages by topic and marks them only after they are stored. A store
// failure ends the claim without marking, so the message is consumed again
// when the session restarts.
type SinkHandler struct {
	AuditTopic  string
	AlertsTopic string
	Audits      AuditStore
	Alerts      AlertStore
	// RetryBackoff delays the release of a claim after a store failure.
	RetryBackoff time.Duration
}

func (h *SinkHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Audit sink session started")
	return nil
}

func (h *SinkHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Audit sink session ended")
	return nil
}

func (h *SinkHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.Handle(session.Context(), message); err != nil {
				logger := log.With().
					Err(err).
					Str("topic", message.Topic).
					Int32("partition", message.Partition).
					Int64("offset", message.Offset).
					Logger()
				if !errors.Is(err, ErrMalformed) {
					logger.Error().Msg("Failed to store message, claim released for redelivery")
					h.backoff(session.Context())
					return err
				}
				// a malformed message can never succeed; skip it
				logger.Warn().Msg("Skipping malformed message")
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *SinkHandler) backoff(ctx context.Context) {
	if h.RetryBackoff <= 0 {
		return
	}
	timer := time.NewTimer(h.RetryBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Handle stores one message.
func (h *SinkHandler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	switch message.Topic {
	case h.AuditTopic:
		var rec models.AuditRecord
		if err := json.Unmarshal(message.Value, &rec); err != nil {
			return fmt.Errorf("%w: audit record: %v", ErrMalformed, err)
		}
		return h.Audits.SaveAudit(ctx, &rec)

	case h.AlertsTopic:
		var event models.AlertEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return fmt.Errorf("%w: alert event: %v", ErrMalformed, err)
		}
		if event.Alert == nil {
			return fmt.Errorf("%w: alert event without alert", ErrMalformed)
		}
		return h.Alerts.UpsertAlert(ctx, event.Alert)

	default:
		return fmt.Errorf("%w: unexpected topic %s", ErrMalformed, message.Topic)
	}
}
