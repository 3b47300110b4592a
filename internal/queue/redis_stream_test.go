package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

func newStream(t *testing.T) (*StreamClient, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := configs.RedisConfig{StreamName: "transactions", ReviewStream: "transactions-review", ConsumerGroup: "workers"}
	sc, err := NewStreamClient(context.Background(), client, cfg, "transactions-dlq")
	if err != nil {
		t.Fatalf("NewStreamClient failed: %v", err)
	}
	return sc, mr, client
}

func event(id string) *models.TransactionEvent {
	return &models.TransactionEvent{
		Transaction: models.Transaction{
			ID:        id,
			EntityID:  "cust-1",
			Amount:    decimal.RequireFromString("125.50"),
			Currency:  "USD",
			Timestamp: time.Date(2026, 5, 6, 10, 0, 0, 0, time.UTC),
			Channel:   models.ChannelOnline,
		},
		RequestID: "req-" + id,
	}
}

func TestStreamRoundTrip(t *testing.T) {
	ctx := context.Background()
	sc, _, _ := newStream(t)

	if _, err := sc.Publish(ctx, event("tx-1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := sc.PublishBatch(ctx, []*models.TransactionEvent{event("tx-2"), event("tx-3")}); err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}

	msgs, err := sc.Consume(ctx, "c1", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	got := msgs[0].Event.Transaction
	if got.ID != "tx-1" || !got.Amount.Equal(decimal.RequireFromString("125.50")) {
		t.Errorf("unexpected transaction %+v", got)
	}

	info, err := sc.GetStreamInfo(ctx)
	if err != nil {
		t.Fatalf("GetStreamInfo failed: %v", err)
	}
	if info.Length != 3 || info.PendingCount != 3 {
		t.Errorf("expected 3 pending, got %+v", info)
	}

	ids := []string{msgs[0].ID, msgs[1].ID, msgs[2].ID}
	if err := sc.AcknowledgeBatch(ctx, ids); err != nil {
		t.Fatalf("AcknowledgeBatch failed: %v", err)
	}
	info, _ = sc.GetStreamInfo(ctx)
	if info.PendingCount != 0 {
		t.Errorf("expected nothing pending after ack, got %d", info.PendingCount)
	}

	msgs, err = sc.Consume(ctx, "c1", 10, 10*time.Millisecond)
	if err != nil || len(msgs) != 0 {
		t.Errorf("expected empty read, got %d %v", len(msgs), err)
	}
}

func TestClaimPending(t *testing.T) {
	ctx := context.Background()
	sc, _, _ := newStream(t)
	sc.SetClaimIdle(0)

	sc.Publish(ctx, event("tx-1"))
	first, err := sc.Consume(ctx, "dead-consumer", 10, 10*time.Millisecond)
	if err != nil || len(first) != 1 {
		t.Fatalf("expected one message, got %d %v", len(first), err)
	}

	claimed, err := sc.Consume(ctx, "c2", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != first[0].ID {
		t.Errorf("expected the abandoned message to be claimed, got %+v", claimed)
	}
}

func TestRetryAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	sc, _, client := newStream(t)

	ev := event("tx-1")
	if err := sc.Requeue(ctx, ev); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if ev.RetryCount != 0 {
		t.Error("Requeue must not mutate the caller's event")
	}
	msgs, _ := sc.Consume(ctx, "c1", 10, 10*time.Millisecond)
	if len(msgs) != 1 || msgs[0].Event.RetryCount != 1 {
		t.Fatalf("expected requeued event with retry 1, got %+v", msgs)
	}

	if err := sc.SendToDeadLetter(ctx, ev, errors.New("boom")); err != nil {
		t.Fatalf("SendToDeadLetter failed: %v", err)
	}
	dead, err := client.XRange(ctx, "transactions-dlq", "-", "+").Result()
	if err != nil || len(dead) != 1 || dead[0].Values["error"] != "boom" {
		t.Errorf("unexpected dead letters %+v %v", dead, err)
	}
}

func TestMalformedMessage(t *testing.T) {
	ctx := context.Background()
	sc, _, client := newStream(t)

	client.XAdd(ctx, &redis.XAddArgs{Stream: "transactions", Values: map[string]interface{}{"data": "{not json"}})
	sc.Publish(ctx, event("tx-ok"))

	msgs, err := sc.Consume(ctx, "c1", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Event.Transaction.ID != "tx-ok" {
		t.Fatalf("expected only the valid message, got %+v", msgs)
	}

	info, _ := sc.GetStreamInfo(ctx)
	if info.DeadLetters != 1 || info.PendingCount != 1 {
		t.Errorf("malformed message must be dead-lettered and acked, got %+v", info)
	}
}

func TestPublishReview(t *testing.T) {
	ctx := context.Background()
	sc, _, client := newStream(t)

	d := &models.Decision{ID: "d-1", FailClosed: true, Reason: "rule evaluation failed"}
	if err := sc.PublishReview(ctx, event("tx-1"), d); err != nil {
		t.Fatalf("PublishReview failed: %v", err)
	}
	msgs, err := client.XRange(ctx, "transactions-review", "-", "+").Result()
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one review message, got %d %v", len(msgs), err)
	}
	if msgs[0].Values["decision_id"] != "d-1" || msgs[0].Values["reason"] != "rule evaluation failed" {
		t.Errorf("unexpected review message %+v", msgs[0].Values)
	}
}

func TestDecisionCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	dc := NewDecisionCache(NewCacheClient(client, "fraud"), time.Minute)

	if _, err := dc.Get(ctx, "tx-1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}

	if err := dc.Put(ctx, &models.Decision{ID: "d-1", TransactionID: "tx-1", Action: models.ActionBlock}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	d, err := dc.Get(ctx, "tx-1")
	if err != nil || d.Action != models.ActionBlock {
		t.Errorf("unexpected cached decision %+v %v", d, err)
	}
	if !mr.Exists("fraud:decision:tx-1") {
		t.Error("expected prefixed key")
	}

	first, _ := dc.Claim(ctx, "tx-1")
	second, _ := dc.Claim(ctx, "tx-1")
	if !first || second {
		t.Errorf("only the first claim may win, got %v %v", first, second)
	}
	dc.Release(ctx, "tx-1")
	if again, _ := dc.Claim(ctx, "tx-1"); !again {
		t.Error("released claim should be available")
	}

	mr.FastForward(2 * time.Minute)
	if _, err := dc.Get(ctx, "tx-1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected expiry, got %v", err)
	}
}
