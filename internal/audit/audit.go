// Package audit builds and emits the compliance record written for every
// decision.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/events"
	"github.com/enterprise/fraud-engine/internal/models"
)

// Emitter ships audit records to durable storage
type Emitter interface {
	Emit(ctx context.Context, rec *models.AuditRecord) error
}

// NewRecord captures the decision together with the transaction it was
// made for.
func NewRecord(d *models.Decision, tx *models.Transaction, alert *models.Alert, requestID string, latency time.Duration) *models.AuditRecord {
	rec := &models.AuditRecord{
		ID:          uuid.New().String(),
		Decision:    *d,
		Transaction: *tx,
		Degraded:    len(d.Degraded) > 0,
		LatencyMs:   float64(latency.Microseconds()) / 1000,
		RequestID:   requestID,
		CreatedAt:   time.Now().UTC(),
	}
	if alert != nil {
		rec.AlertID = alert.ID
	}
	return rec
}

// LogEmitter writes records to the structured log
type LogEmitter struct{}

func (LogEmitter) Emit(ctx context.Context, rec *models.AuditRecord) error {
	log.Info().
		Str("audit_id", rec.ID).
		Str("decision_id", rec.Decision.ID).
		Str("transaction_id", rec.Transaction.ID).
		Str("entity_id", rec.Transaction.EntityID).
		Str("action", string(rec.Decision.Action)).
		Float64("risk_score", rec.Decision.RiskScore).
		Bool("degraded", rec.Degraded).
		Bool("fail_closed", rec.Decision.FailClosed).
		Str("alert_id", rec.AlertID).
		Float64("latency_ms", rec.LatencyMs).
		Msg("Decision audit")
	return nil
}

// KafkaEmitter publishes records to the audit topic keyed by entity so one
// entity's records stay ordered.
type KafkaEmitter struct {
	producer *events.Producer
	topic    string
}

func NewKafkaEmitter(p *events.Producer, topic string) *KafkaEmitter {
	return &KafkaEmitter{producer: p, topic: topic}
}

func (e *KafkaEmitter) Emit(ctx context.Context, rec *models.AuditRecord) error {
	return e.producer.PublishJSON(ctx, e.topic, rec.Transaction.EntityID, rec)
}

// StoreEmitter writes records straight to a store, for deployments
// without Kafka.
type StoreEmitter struct {
	Store events.AuditStore
}

func (e StoreEmitter) Emit(ctx context.Context, rec *models.AuditRecord) error {
	return e.Store.SaveAudit(ctx, rec)
}

// Multi emits to every emitter and joins the errors
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, rec *models.AuditRecord) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
