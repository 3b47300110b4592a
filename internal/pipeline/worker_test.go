package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/queue"
)

type scriptedProcessor struct {
	mu    sync.Mutex
	calls map[string]int
}

func (s *scriptedProcessor) ProcessEvent(ctx context.Context, ev *models.TransactionEvent) (*Outcome, error) {
	s.mu.Lock()
	s.calls[ev.Transaction.ID]++
	s.mu.Unlock()
	if ev.Transaction.ID == "tx-bad" {
		return nil, errors.New("transient failure")
	}
	return &Outcome{Decision: &models.Decision{ID: "d-" + ev.Transaction.ID, TransactionID: ev.Transaction.ID, Action: models.ActionAlert}}, nil
}

func (s *scriptedProcessor) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func TestStreamWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	stream, err := queue.NewStreamClient(ctx, client, configs.RedisConfig{
		StreamName:    "transactions",
		ReviewStream:  "transactions-review",
		ConsumerGroup: "workers",
	}, "transactions-dlq")
	if err != nil {
		t.Fatalf("NewStreamClient failed: %v", err)
	}
	decisions := queue.NewDecisionCache(queue.NewCacheClient(client, "test"), time.Minute)

	publish := func(id string) {
		ev := &models.TransactionEvent{Transaction: models.Transaction{ID: id, EntityID: "cust-1"}}
		if _, err := stream.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	publish("tx-1")
	publish("tx-1")
	publish("tx-bad")

	proc := &scriptedProcessor{calls: map[string]int{}}
	w := NewWorker("w", proc, stream, decisions, configs.WorkerConfig{
		Concurrency:   2,
		BatchSize:     10,
		PollInterval:  10 * time.Millisecond,
		RetryAttempts: 1,
	}, nil)
	w.Start(ctx)

	waitFor(t, func() bool {
		info, err := stream.GetStreamInfo(ctx)
		return err == nil && info.DeadLetters == 1 && info.PendingCount == 0
	})
	w.Stop()

	if n := proc.count("tx-1"); n != 1 {
		t.Errorf("redelivered transaction must be decided once, got %d", n)
	}
	if n := proc.count("tx-bad"); n != 2 {
		t.Errorf("expected one retry before dead letter, got %d calls", n)
	}

	d, err := decisions.Get(ctx, "tx-1")
	if err != nil || d.Action != models.ActionAlert {
		t.Errorf("expected stored decision, got %+v %v", d, err)
	}

	processed, failed := w.Stats()
	if processed != 1 || failed != 2 {
		t.Errorf("unexpected stats processed=%d failed=%d", processed, failed)
	}
}
