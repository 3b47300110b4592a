package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/features"
	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/queue"
)

// Stream is the ingress stream consumed by workers
type Stream interface {
	Consume(ctx context.Context, consumerName string, count int64, block time.Duration) ([]queue.StreamMessage, error)
	AcknowledgeBatch(ctx context.Context, ids []string) error
	Requeue(ctx context.Context, event *models.TransactionEvent) error
	SendToDeadLetter(ctx context.Context, event *models.TransactionEvent, cause error) error
}

// DecisionStore remembers decided transactions so redelivered messages
// are not decided twice
type DecisionStore interface {
	Claim(ctx context.Context, transactionID string) (bool, error)
	Release(ctx context.Context, transactionID string) error
	Put(ctx context.Context, d *models.Decision) error
}

// Worker consumes transaction events from the ingress stream
type Worker struct {
	id        string
	proc      Processor
	stream    Stream
	decisions DecisionStore
	config    configs.WorkerConfig
	metrics   *metrics.Metrics

	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a stream worker. decisions may be nil.
func NewWorker(id string, proc Processor, stream Stream, decisions DecisionStore, config configs.WorkerConfig, m *metrics.Metrics) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	return &Worker{
		id:        id,
		proc:      proc,
		stream:    stream,
		decisions: decisions,
		config:    config,
		metrics:   m,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the consumer goroutines and returns immediately
func (w *Worker) Start(ctx context.Context) {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting stream worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}
}

// Stop waits for in-flight batches to finish
func (w *Worker) Stop() {
	w.once.Do(func() {
		log.Info().Str("worker_id", w.id).Msg("Stopping worker...")
		close(w.stopCh)
		w.wg.Wait()
		log.Info().
			Str("worker_id", w.id).
			Int64("processed", w.processed.Load()).
			Int64("failed", w.failed.Load()).
			Msg("Worker stopped")
	})
}

func (w *Worker) processLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			w.processBatch(ctx, consumerName)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, consumerName string) {
	messages, err := w.stream.Consume(ctx, consumerName, int64(w.config.BatchSize), w.config.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume messages")
		select {
		case <-time.After(time.Second):
		case <-w.stopCh:
		case <-ctx.Done():
		}
		return
	}

	if len(messages) == 0 {
		return
	}

	ackIDs := make([]string, 0, len(messages))
	for _, msg := range messages {
		w.handle(ctx, msg)
		ackIDs = append(ackIDs, msg.ID)
	}

	// processed messages are acked even on shutdown
	if err := w.stream.AcknowledgeBatch(context.WithoutCancel(ctx), ackIDs); err != nil {
		log.Error().Err(err).Msg("Failed to acknowledge messages")
	}
}

func (w *Worker) handle(ctx context.Context, msg queue.StreamMessage) {
	tx := &msg.Event.Transaction

	if w.decisions != nil && tx.ID != "" {
		first, err := w.decisions.Claim(ctx, tx.ID)
		if err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to claim transaction, deciding anyway")
		} else if !first {
			log.Debug().Str("transaction_id", tx.ID).Msg("Transaction already decided, skipping")
			w.metrics.StreamMessage("duplicate")
			return
		}
	}

	out, err := w.proc.ProcessEvent(ctx, msg.Event)
	if err != nil {
		w.failed.Add(1)
		w.fail(ctx, msg, err)
		return
	}

	w.processed.Add(1)
	w.metrics.StreamMessage("processed")
	if w.decisions != nil {
		if err := w.decisions.Put(ctx, out.Decision); err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to store decision")
		}
	}
}

// fail retries transient errors and dead-letters the rest
func (w *Worker) fail(ctx context.Context, msg queue.StreamMessage, cause error) {
	tx := &msg.Event.Transaction
	log.Error().
		Err(cause).
		Str("message_id", msg.ID).
		Str("transaction_id", tx.ID).
		Msg("Failed to process message")

	ctx = context.WithoutCancel(ctx)
	if w.decisions != nil && tx.ID != "" {
		if err := w.decisions.Release(ctx, tx.ID); err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to release claim")
		}
	}

	permanent := errors.Is(cause, features.ErrMissingEntity)
	if !permanent && msg.Event.RetryCount < w.config.RetryAttempts {
		if err := w.stream.Requeue(ctx, msg.Event); err != nil {
			log.Error().Err(err).Msg("Failed to requeue message")
		}
		w.metrics.StreamMessage("retried")
		return
	}

	if err := w.stream.SendToDeadLetter(ctx, msg.Event, cause); err != nil {
		log.Error().Err(err).Msg("Failed to send to dead letter queue")
	}
	w.metrics.StreamMessage("dead_letter")
}

// Stats returns processed and failed counts
func (w *Worker) Stats() (processed, failed int64) {
	return w.processed.Load(), w.failed.Load()
}
