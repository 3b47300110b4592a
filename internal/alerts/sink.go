package alerts

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/models"
)

// Sink receives every alert create and update
type Sink interface {
	Publish(ctx context.Context, event models.AlertEvent) error
}

// LogSink writes events to the structured log
type LogSink struct{}

func (LogSink) Publish(ctx context.Context, event models.AlertEvent) error {
	log.Debug().
		Str("event_type", event.EventType).
		Str("alert_id", event.Alert.ID).
		Str("status", string(event.Alert.Status)).
		Int("occurrences", event.Alert.Occurrences).
		Msg("Alert event")
	return nil
}

// MultiSink fans an event out to several sinks
type MultiSink []Sink

func (ms MultiSink) Publish(ctx context.Context, event models.AlertEvent) error {
	var errs []error
	for _, s := range ms {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
