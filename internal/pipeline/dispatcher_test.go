package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

type gatedProcessor struct {
	started chan string
	release chan struct{}
}

func (g *gatedProcessor) ProcessEvent(ctx context.Context, ev *models.TransactionEvent) (*Outcome, error) {
	g.started <- ev.Transaction.ID
	<-g.release
	return &Outcome{Decision: &models.Decision{TransactionID: ev.Transaction.ID, Action: models.ActionAllow}}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDispatcherBackpressure(t *testing.T) {
	ctx := context.Background()
	proc := &gatedProcessor{started: make(chan string, 4), release: make(chan struct{})}
	d := NewDispatcher(proc, configs.PipelineConfig{Workers: 1, QueueSize: 1}, nil)
	d.Start()
	defer d.Stop()

	ev := func(id string) *models.TransactionEvent {
		return &models.TransactionEvent{Transaction: models.Transaction{ID: id, EntityID: "cust-1"}}
	}

	results := make(chan error, 2)
	go func() {
		_, err := d.TrySubmit(ctx, ev("tx-1"))
		results <- err
	}()
	if id := <-proc.started; id != "tx-1" {
		t.Fatalf("expected tx-1 to start, got %s", id)
	}

	go func() {
		_, err := d.TrySubmit(ctx, ev("tx-2"))
		results <- err
	}()
	waitFor(t, func() bool { return d.QueueDepth() == 1 })

	if _, err := d.TrySubmit(ctx, ev("tx-3")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := d.Submit(tctx, ev("tx-4")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("blocking submit must wait for capacity until ctx is done, got %v", err)
	}

	close(proc.release)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("queued transaction failed: %v", err)
		}
	}
}

func TestDispatcherStop(t *testing.T) {
	proc := &gatedProcessor{started: make(chan string, 1), release: make(chan struct{})}
	close(proc.release)
	d := NewDispatcher(proc, configs.PipelineConfig{Workers: 2, QueueSize: 4}, nil)
	d.Start()

	out, err := d.Submit(context.Background(), &models.TransactionEvent{Transaction: models.Transaction{ID: "tx-1"}})
	if err != nil || out.Decision.TransactionID != "tx-1" {
		t.Fatalf("Submit failed: %v", err)
	}

	d.Stop()
	d.Stop()
	if _, err := d.TrySubmit(context.Background(), &models.TransactionEvent{}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after Stop, got %v", err)
	}
}
