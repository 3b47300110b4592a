package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/models"
)

var (
	// ErrQueueFull is returned by TrySubmit when every slot is taken
	ErrQueueFull = errors.New("dispatcher queue is full")
	// ErrStopped is returned once the dispatcher is shutting down
	ErrStopped = errors.New("dispatcher stopped")
)

// Processor decides one transaction event
type Processor interface {
	ProcessEvent(ctx context.Context, ev *models.TransactionEvent) (*Outcome, error)
}

type result struct {
	out *Outcome
	err error
}

type job struct {
	ctx   context.Context
	event *models.TransactionEvent
	reply chan result
}

// Dispatcher runs transactions on a fixed pool of workers fed by a bounded
// queue.
type Dispatcher struct {
	proc    Processor
	jobs    chan job
	workers int
	metrics *metrics.Metrics

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(proc Processor, cfg configs.PipelineConfig, m *metrics.Metrics) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	size := cfg.QueueSize
	if size < 0 {
		size = 0
	}
	return &Dispatcher{
		proc:    proc,
		jobs:    make(chan job, size),
		workers: workers,
		metrics: m,
		quit:    make(chan struct{}),
	}
}

// Start launches the workers
func (d *Dispatcher) Start() {
	log.Info().
		Int("workers", d.workers).
		Int("queue_size", cap(d.jobs)).
		Msg("Starting dispatcher")

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
}

// Stop stops accepting work, waits for in-flight transactions and fails
// anything still queued with ErrStopped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.wg.Wait()
		for {
			select {
			case j := <-d.jobs:
				j.reply <- result{err: ErrStopped}
			default:
				d.metrics.SetQueueDepth(0)
				log.Info().Msg("Dispatcher stopped")
				return
			}
		}
	})
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case j := <-d.jobs:
			d.metrics.SetQueueDepth(len(d.jobs))
			if err := j.ctx.Err(); err != nil {
				j.reply <- result{err: err}
				continue
			}
			out, err := d.proc.ProcessEvent(j.ctx, j.event)
			j.reply <- result{out: out, err: err}
		}
	}
}

// Submit waits for queue capacity, then for the decision.
func (d *Dispatcher) Submit(ctx context.Context, ev *models.TransactionEvent) (*Outcome, error) {
	j := job{ctx: ctx, event: ev, reply: make(chan result, 1)}
	select {
	case <-d.quit:
		return nil, ErrStopped
	default:
	}
	select {
	case d.jobs <- j:
	case <-d.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	d.metrics.SetQueueDepth(len(d.jobs))
	return d.wait(ctx, j)
}

// TrySubmit enqueues without waiting and returns ErrQueueFull when the
// queue has no free slot.
func (d *Dispatcher) TrySubmit(ctx context.Context, ev *models.TransactionEvent) (*Outcome, error) {
	j := job{ctx: ctx, event: ev, reply: make(chan result, 1)}
	select {
	case <-d.quit:
		return nil, ErrStopped
	default:
	}
	select {
	case d.jobs <- j:
	default:
		d.metrics.Rejected()
		return nil, ErrQueueFull
	}
	d.metrics.SetQueueDepth(len(d.jobs))
	return d.wait(ctx, j)
}

// ProcessEvent lets stream workers share the dispatcher's bound.
func (d *Dispatcher) ProcessEvent(ctx context.Context, ev *models.TransactionEvent) (*Outcome, error) {
	return d.Submit(ctx, ev)
}

func (d *Dispatcher) wait(ctx context.Context, j job) (*Outcome, error) {
	select {
	case r := <-j.reply:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueDepth returns the number of transactions waiting for a worker
func (d *Dispatcher) QueueDepth() int {
	return len(d.jobs)
}
