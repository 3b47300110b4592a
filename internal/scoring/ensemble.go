package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/features"
	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/models"
)

// Scorer produces the ML signal for a feature vector. It never fails: an
// unavailable ensemble reports Available=false.
type Scorer interface {
	Score(ctx context.Context, fv *features.Vector) models.MLScore
}

type member struct {
	model       Model
	weight      float64
	calibration *Calibration
	breaker     *gobreaker.CircuitBreaker
}

// Ensemble scores with every member concurrently and averages the
// available results by weight
type Ensemble struct {
	members []*member
	timeout time.Duration
	metrics *metrics.Metrics
}

// Option configures an Ensemble
type Option func(*Ensemble)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Ensemble) { e.metrics = m }
}

// NewEnsemble builds the members described by specs. Specs that fail to
// build are logged and skipped; ErrNoModels is returned when none remain.
func NewEnsemble(cfg configs.ModelsConfig, specs []ModelSpec, opts ...Option) (*Ensemble, error) {
	e := &Ensemble{timeout: cfg.Timeout}
	for _, opt := range opts {
		opt(e)
	}

	for _, spec := range buildMembers(specs) {
		model, err := BuildModel(spec)
		if err != nil {
			log.Error().Err(err).Str("model", spec.Name).Msg("Model configuration error, skipping")
			continue
		}
		e.members = append(e.members, &member{
			model:       model,
			weight:      spec.Weight,
			calibration: spec.Calibration,
			breaker:     newBreaker(model.Name(), cfg),
		})
	}

	if len(e.members) == 0 {
		return nil, ErrNoModels
	}
	return e, nil
}

// NewEnsembleFromModels wraps already constructed models with equal weight.
func NewEnsembleFromModels(cfg configs.ModelsConfig, ms ...Model) (*Ensemble, error) {
	if len(ms) == 0 {
		return nil, ErrNoModels
	}
	e := &Ensemble{timeout: cfg.Timeout}
	for _, m := range ms {
		e.members = append(e.members, &member{model: m, weight: 1, breaker: newBreaker(m.Name(), cfg)})
	}
	return e, nil
}

// errCallerDone wraps failures caused by the caller's context ending
var errCallerDone = errors.New("caller context done")

func newBreaker(name string, cfg configs.ModelsConfig) *gobreaker.CircuitBreaker {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A call abandoned by the caller says nothing about the model.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerDone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("model", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Model circuit breaker state changed")
		},
	})
}

type memberResult struct {
	prob    float64
	err     error
	latency time.Duration
}

// Score calls every member with its own deadline. Members that fail, time
// out or have an open breaker are excluded and the remaining weights
// renormalized.
func (e *Ensemble) Score(ctx context.Context, fv *features.Vector) models.MLScore {
	results := make([]memberResult, len(e.members))

	var wg sync.WaitGroup
	for i, m := range e.members {
		wg.Add(1)
		go func(i int, m *member) {
			defer wg.Done()
			results[i] = e.call(ctx, m, fv)
		}(i, m)
	}
	wg.Wait()

	out := models.MLScore{Models: make([]models.ModelScore, len(e.members))}
	var weighted, total float64

	for i, m := range e.members {
		r := results[i]
		ms := models.ModelScore{
			Model:     m.model.Name(),
			Version:   m.model.Version(),
			LatencyMs: float64(r.latency.Microseconds()) / 1000,
		}
		if r.err != nil {
			ms.Error = r.err.Error()
			e.metrics.ModelCall(ms.Model, outcome(r.err))
			log.Debug().Err(r.err).Str("model", ms.Model).Msg("Model unavailable for this transaction")
		} else {
			ms.Available = true
			ms.Probability = r.prob
			ms.Weight = m.weight
			weighted += m.weight * r.prob
			total += m.weight
			e.metrics.ModelCall(ms.Model, "ok")
		}
		out.Models[i] = ms
	}

	if total > 0 {
		out.Available = true
		out.Probability = clamp01(weighted / total)
		for i := range out.Models {
			out.Models[i].Weight /= total
		}
	}
	return out
}

// call runs one member under its timeout and breaker. The model goroutine
// is abandoned if it ignores ctx; its result is discarded.
func (e *Ensemble) call(ctx context.Context, m *member, fv *features.Vector) memberResult {
	start := time.Now()

	mctx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	v, err := m.breaker.Execute(func() (interface{}, error) {
		done := make(chan memberResult, 1)
		go func() {
			p, err := m.model.Score(mctx, fv)
			done <- memberResult{prob: p, err: err}
		}()
		select {
		case r := <-done:
			if r.err != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("%w: %w", errCallerDone, ctx.Err())
				}
				return nil, r.err
			}
			if math.IsNaN(r.prob) || r.prob < 0 || r.prob > 1 {
				return nil, fmt.Errorf("probability %v out of range", r.prob)
			}
			return r.prob, nil
		case <-mctx.Done():
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", errCallerDone, ctx.Err())
			}
			return nil, mctx.Err()
		}
	})
	if err != nil {
		return memberResult{err: err, latency: time.Since(start)}
	}
	return memberResult{prob: m.calibration.apply(v.(float64)), latency: time.Since(start)}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, errCallerDone):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
