package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"

	"github.com/enterprise/fraud-engine/internal/events"
	"github.com/enterprise/fraud-engine/internal/models"
)

func sample() (*models.Decision, *models.Transaction) {
	tx := &models.Transaction{ID: "tx-1", EntityID: "cust-1", Amount: decimal.RequireFromString("9999.99"), Currency: "USD"}
	d := &models.Decision{ID: "d-1", TransactionID: tx.ID, EntityID: tx.EntityID, RiskScore: 60, Action: models.ActionReview}
	return d, tx
}

func TestNewRecord(t *testing.T) {
	d, tx := sample()

	t.Run("WithoutAlert", func(t *testing.T) {
		rec := NewRecord(d, tx, nil, "req-1", 1500*time.Microsecond)
		if rec.ID == "" || rec.AlertID != "" || rec.Degraded {
			t.Errorf("unexpected record %+v", rec)
		}
		if rec.LatencyMs != 1.5 {
			t.Errorf("expected 1.5ms, got %v", rec.LatencyMs)
		}
		if rec.Decision.ID != "d-1" || !rec.Transaction.Amount.Equal(tx.Amount) || rec.RequestID != "req-1" {
			t.Errorf("record must carry the decision and transaction, got %+v", rec)
		}
	})

	t.Run("DegradedWithAlert", func(t *testing.T) {
		dd := *d
		dd.Degraded = []string{models.SignalModel}
		rec := NewRecord(&dd, tx, &models.Alert{ID: "a-1"}, "", time.Millisecond)
		if !rec.Degraded || rec.AlertID != "a-1" {
			t.Errorf("unexpected record %+v", rec)
		}
	})

	t.Run("Snapshot", func(t *testing.T) {
		dd := *d
		rec := NewRecord(&dd, tx, nil, "", 0)
		dd.Action = models.ActionAllow
		if rec.Decision.Action != models.ActionReview {
			t.Error("record must not change with the decision after creation")
		}
	})
}

func TestKafkaEmitter(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	defer sp.Close()

	var got models.AuditRecord
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "audit" {
			t.Errorf("expected audit topic, got %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "cust-1" {
			t.Errorf("expected entity key, got %s", key)
		}
		value, _ := msg.Value.Encode()
		return json.Unmarshal(value, &got)
	})

	d, tx := sample()
	rec := NewRecord(d, tx, nil, "", time.Millisecond)
	e := NewKafkaEmitter(events.NewProducerFrom(sp), "audit")
	if err := e.Emit(context.Background(), rec); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if got.ID != rec.ID || got.Decision.Action != models.ActionReview {
		t.Errorf("unexpected published record %+v", got)
	}
}

type memStore struct{ recs []*models.AuditRecord }

func (s *memStore) SaveAudit(ctx context.Context, rec *models.AuditRecord) error {
	s.recs = append(s.recs, rec)
	return nil
}

type failing struct{}

func (failing) Emit(context.Context, *models.AuditRecord) error { return errors.New("down") }

func TestMulti(t *testing.T) {
	store := &memStore{}
	m := Multi{LogEmitter{}, failing{}, StoreEmitter{Store: store}}

	d, tx := sample()
	err := m.Emit(context.Background(), NewRecord(d, tx, nil, "", 0))
	if err == nil {
		t.Error("expected the failing emitter's error")
	}
	if len(store.recs) != 1 {
		t.Errorf("other emitters must still run, got %d records", len(store.recs))
	}
}
