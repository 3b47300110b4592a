// Package pipeline runs one transaction through every signal stage under a
// hard deadline and turns the result into a decision, an alert and an
// audit record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/alerts"
	"github.com/enterprise/fraud-engine/internal/audit"
	"github.com/enterprise/fraud-engine/internal/decision"
	"github.com/enterprise/fraud-engine/internal/features"
	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/rules"
)

var tracer = otel.Tracer("fraud-engine/pipeline")

// RuleEvaluator is the deterministic rule layer
type RuleEvaluator interface {
	Current() *rules.RuleSet
	Evaluate(ctx context.Context, fv *features.Vector, rs *rules.RuleSet) ([]models.RuleHit, error)
}

// ModelScorer produces the ML signal; it reports unavailability in the
// score instead of failing.
type ModelScorer interface {
	Score(ctx context.Context, fv *features.Vector) models.MLScore
}

// BehaviorScorer scores deviation and learns from processed transactions
type BehaviorScorer interface {
	Deviation(ctx context.Context, entityID string, fv *features.Vector) (float64, error)
	Observe(ctx context.Context, fv *features.Vector) error
}

// NetworkScorer reads graph risk
type NetworkScorer interface {
	NetworkRisk(ctx context.Context, entityID string, related []string) (float64, error)
}

// AlertSubmitter hands decisions to the alert manager
type AlertSubmitter interface {
	Submit(ctx context.Context, d *models.Decision, tx *models.Transaction) (*alerts.Handle, error)
}

// ReviewQueue receives fail-closed transactions for manual review
type ReviewQueue interface {
	PublishReview(ctx context.Context, event *models.TransactionEvent, d *models.Decision) error
}

// Deps are the collaborators of a Pipeline. Behavior, Network, Review and
// Audit are optional.
type Deps struct {
	Extractor *features.Extractor
	Rules     RuleEvaluator
	Models    ModelScorer
	Behavior  BehaviorScorer
	Network   NetworkScorer
	Policy    *decision.Policy
	Alerts    AlertSubmitter
	Review    ReviewQueue
	Audit     audit.Emitter
	Metrics   *metrics.Metrics
}

// Outcome is the result of processing one transaction
type Outcome struct {
	Decision *models.Decision    `json:"decision"`
	Alert    *models.Alert       `json:"alert,omitempty"`
	Audit    *models.AuditRecord `json:"-"`
	Latency  time.Duration       `json:"-"`
}

// Pipeline is safe for concurrent use
type Pipeline struct {
	deps Deps
	cfg  configs.PipelineConfig
}

func New(cfg configs.PipelineConfig, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Extractor == nil:
		return nil, errors.New("pipeline requires a feature extractor")
	case deps.Rules == nil:
		return nil, errors.New("pipeline requires a rule engine")
	case deps.Models == nil:
		return nil, errors.New("pipeline requires a model scorer")
	case deps.Policy == nil:
		return nil, errors.New("pipeline requires a decision policy")
	case deps.Alerts == nil:
		return nil, errors.New("pipeline requires an alert manager")
	}
	if deps.Audit == nil {
		deps.Audit = audit.LogEmitter{}
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 100 * time.Millisecond
	}
	return &Pipeline{deps: deps, cfg: cfg}, nil
}

// Process decides a transaction with no envelope metadata.
func (p *Pipeline) Process(ctx context.Context, tx *models.Transaction, txCtx *models.TransactionContext) (*Outcome, error) {
	if tx == nil {
		return nil, errors.New("nil transaction")
	}
	return p.ProcessEvent(ctx, &models.TransactionEvent{
		Transaction: *tx,
		Context:     txCtx,
		ReceivedAt:  time.Now().UTC(),
	})
}

// signals collects the parallel stage results
type signals struct {
	hits      []models.RuleHit
	ml        models.MLScore
	deviation float64
	network   float64

	mu       sync.Mutex
	degraded []string
}

func (s *signals) degrade(signal string) {
	s.mu.Lock()
	s.degraded = append(s.degraded, signal)
	s.mu.Unlock()
}

// ProcessEvent runs the full decision path. Invalid input is returned as
// an error; every other failure of the deterministic layer produces a
// fail-closed REVIEW decision instead.
func (p *Pipeline) ProcessEvent(ctx context.Context, ev *models.TransactionEvent) (*Outcome, error) {
	start := time.Now()
	tx := &ev.Transaction

	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("transaction.id", tx.ID),
		attribute.String("entity.id", tx.EntityID),
	))
	defer span.End()

	fv, err := p.deps.Extractor.Extract(tx, ev.Context)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	rs := p.deps.Rules.Current()
	if rs == nil {
		rs = &rules.RuleSet{}
	}
	sig := &signals{}

	g, gctx := errgroup.WithContext(dctx)
	g.Go(func() error {
		defer p.stage("rules", time.Now())
		hits, err := p.deps.Rules.Evaluate(gctx, fv, rs)
		if err != nil {
			return fmt.Errorf("rule evaluation failed: %w", err)
		}
		sig.hits = hits
		return nil
	})
	g.Go(func() error {
		defer p.stage("model", time.Now())
		sig.ml = p.deps.Models.Score(gctx, fv)
		return nil
	})
	g.Go(func() error {
		defer p.stage("behavior", time.Now())
		sig.deviation = p.optional(gctx, models.SignalBehavior, p.cfg.BehaviorTimeout, sig, func(c context.Context) (float64, error) {
			if p.deps.Behavior == nil {
				return 0, nil
			}
			return p.deps.Behavior.Deviation(c, tx.EntityID, fv)
		})
		return nil
	})
	g.Go(func() error {
		defer p.stage("graph", time.Now())
		sig.network = p.optional(gctx, models.SignalGraph, p.cfg.GraphTimeout, sig, func(c context.Context) (float64, error) {
			if p.deps.Network == nil {
				return 0, nil
			}
			return p.deps.Network.NetworkRisk(c, tx.EntityID, fv.RelatedIDs)
		})
		return nil
	})

	// the group is abandoned at the deadline; its results are not read
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err = <-done:
		if err == nil && dctx.Err() != nil {
			err = dctx.Err()
		}
	case <-dctx.Done():
		err = fmt.Errorf("decision deadline exceeded: %w", dctx.Err())
	}

	if err != nil {
		return p.failClosed(ctx, ev, rs, models.SignalRules, err, start), nil
	}

	sig.mu.Lock()
	degraded := append([]string(nil), sig.degraded...)
	sig.mu.Unlock()

	d, err := p.deps.Policy.Decide(decision.Inputs{
		Transaction:    tx,
		Hits:           sig.hits,
		ML:             sig.ml,
		Deviation:      sig.deviation,
		Network:        sig.network,
		Degraded:       degraded,
		RuleSetVersion: rs.Version,
	})
	if err != nil {
		return p.failClosed(ctx, ev, rs, models.SignalPolicy, err, start), nil
	}
	for _, h := range d.RuleHits {
		p.deps.Metrics.RuleHit(h.RuleID)
	}

	out := p.finish(ctx, ev, d, start)

	if p.deps.Behavior != nil {
		octx, ocancel := context.WithTimeout(context.WithoutCancel(ctx), p.observeTimeout())
		if err := p.deps.Behavior.Observe(octx, fv); err != nil {
			log.Warn().Err(err).Str("entity_id", tx.EntityID).Msg("Failed to update behavior profile")
		}
		ocancel()
	}

	span.SetAttributes(
		attribute.String("decision.action", string(d.Action)),
		attribute.Float64("decision.risk_score", d.RiskScore),
	)
	return out, nil
}

func (p *Pipeline) observeTimeout() time.Duration {
	if p.cfg.BehaviorTimeout > 0 {
		return p.cfg.BehaviorTimeout
	}
	return 20 * time.Millisecond
}

// optional runs a fail-open stage. Errors and timeouts yield 0 and mark
// the signal degraded.
func (p *Pipeline) optional(ctx context.Context, signal string, timeout time.Duration, sig *signals, fn func(context.Context) (float64, error)) float64 {
	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	_, span := tracer.Start(sctx, "pipeline."+signal)
	defer span.End()

	type result struct {
		v   float64
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(sctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			span.RecordError(r.err)
			log.Warn().Err(r.err).Str("signal", signal).Msg("Signal unavailable, continuing without it")
			sig.degrade(signal)
			return 0
		}
		return r.v
	case <-sctx.Done():
		span.SetStatus(codes.Error, "timeout")
		log.Warn().Str("signal", signal).Msg("Signal timed out, continuing without it")
		sig.degrade(signal)
		return 0
	}
}

func (p *Pipeline) stage(name string, start time.Time) {
	p.deps.Metrics.ObserveStage(name, time.Since(start))
}

// failClosed routes the transaction to manual review with a REVIEW
// decision and a PENDING_REVIEW alert.
func (p *Pipeline) failClosed(ctx context.Context, ev *models.TransactionEvent, rs *rules.RuleSet, signal string, cause error, start time.Time) *Outcome {
	tx := &ev.Transaction
	d := &models.Decision{
		ID:             uuid.New().String(),
		TransactionID:  tx.ID,
		EntityID:       tx.EntityID,
		Action:         models.ActionReview,
		ScoreAction:    models.ActionReview,
		Severity:       models.SeverityMedium,
		Degraded:       []string{signal},
		FailClosed:     true,
		Reason:         cause.Error(),
		RuleSetVersion: rs.Version,
		DecidedAt:      time.Now().UTC(),
	}

	log.Error().
		Err(cause).
		Str("transaction_id", tx.ID).
		Str("entity_id", tx.EntityID).
		Msg("Decision failed closed, routing to manual review")

	// the caller's ctx may already be past its deadline
	rctx := context.WithoutCancel(ctx)
	if p.deps.Review != nil {
		if err := p.deps.Review.PublishReview(rctx, ev, d); err != nil {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to enqueue transaction for manual review")
		}
	}
	return p.finish(rctx, ev, d, start)
}

// finish submits the alert and emits the audit record.
func (p *Pipeline) finish(ctx context.Context, ev *models.TransactionEvent, d *models.Decision, start time.Time) *Outcome {
	tx := &ev.Transaction
	out := &Outcome{Decision: d}

	handle, err := p.deps.Alerts.Submit(ctx, d, tx)
	if err != nil {
		log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to submit alert")
	} else if handle != nil {
		out.Alert = handle.Alert
	}

	out.Latency = time.Since(start)
	rec := audit.NewRecord(d, tx, out.Alert, ev.RequestID, out.Latency)
	rec.Context = ev.Context
	if err := p.deps.Audit.Emit(ctx, rec); err != nil {
		log.Error().Err(err).Str("decision_id", d.ID).Msg("Failed to emit audit record")
	}
	out.Audit = rec

	p.deps.Metrics.ObserveDecision(string(d.Action), d.FailClosed, d.Degraded, out.Latency)

	log.Debug().
		Str("transaction_id", tx.ID).
		Str("action", string(d.Action)).
		Float64("risk_score", d.RiskScore).
		Dur("latency", out.Latency).
		Msg("Transaction decided")

	return out
}
