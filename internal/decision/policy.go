// Package decision fuses the pipeline's signals into a risk score and maps
// it, together with rule hits, to a final action.
package decision

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

var ErrInvalidPolicy = errors.New("invalid policy")

// severityFactor is the rule signal contributed by the most severe hit
var severityFactor = map[models.Severity]float64{
	models.SeverityLow:      0.25,
	models.SeverityMedium:   0.5,
	models.SeverityHigh:     0.75,
	models.SeverityCritical: 1.0,
}

// Inputs is everything the policy needs for one transaction
type Inputs struct {
	Transaction    *models.Transaction
	Hits           []models.RuleHit
	ML             models.MLScore
	Deviation      float64
	Network        float64
	Degraded       []string
	RuleSetVersion int64
	Now            time.Time
}

func (in Inputs) degraded(signal string) bool {
	for _, s := range in.Degraded {
		if s == signal {
			return true
		}
	}
	return false
}

// Policy is an immutable, validated fusion policy
type Policy struct {
	cfg configs.PolicyConfig
}

// NewPolicy validates cfg. Weights must be non-negative with a positive
// sum; action and severity thresholds must be positive and non-decreasing.
func NewPolicy(cfg configs.PolicyConfig) (*Policy, error) {
	weights := []float64{cfg.RuleWeight, cfg.MLWeight, cfg.DeviationWeight, cfg.NetworkWeight}
	var sum float64
	for _, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: weight %v", ErrInvalidPolicy, w)
		}
		sum += w
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: all weights are zero", ErrInvalidPolicy)
	}

	if err := ascending("action thresholds",
		cfg.AlertThreshold, cfg.ReviewThreshold, cfg.BlockThreshold, cfg.DeclineThreshold); err != nil {
		return nil, err
	}
	if err := ascending("severity thresholds",
		cfg.MediumSeverityThreshold, cfg.HighSeverityThreshold, cfg.CriticalSeverityThreshold); err != nil {
		return nil, err
	}
	return &Policy{cfg: cfg}, nil
}

func ascending(name string, vals ...float64) error {
	prev := 0.0
	for _, v := range vals {
		if math.IsNaN(v) || v <= 0 || v < prev {
			return fmt.Errorf("%w: %s must be positive and non-decreasing, got %v", ErrInvalidPolicy, name, vals)
		}
		prev = v
	}
	return nil
}

// Config returns the policy configuration.
func (p *Policy) Config() configs.PolicyConfig { return p.cfg }

// Fuse computes the risk score over the signals that are available.
// Degraded signals are dropped and the remaining weights renormalized.
func (p *Policy) Fuse(in Inputs) float64 {
	var weighted, total float64
	add := func(w, s float64) {
		weighted += w * clamp(s, 0, 1)
		total += w
	}

	add(p.cfg.RuleWeight, ruleSignal(in.Hits))
	if in.ML.Available && !in.degraded(models.SignalModel) {
		add(p.cfg.MLWeight, in.ML.Probability)
	}
	if !in.degraded(models.SignalBehavior) {
		add(p.cfg.DeviationWeight, in.Deviation)
	}
	if !in.degraded(models.SignalGraph) {
		add(p.cfg.NetworkWeight, in.Network)
	}

	if total == 0 {
		return 0
	}
	return round2(clamp(100*weighted/total, 0, 100))
}

// BandAction maps a risk score to the action of its band.
func (p *Policy) BandAction(risk float64) models.Action {
	switch {
	case risk >= p.cfg.DeclineThreshold:
		return models.ActionDecline
	case risk >= p.cfg.BlockThreshold:
		return models.ActionBlock
	case risk >= p.cfg.ReviewThreshold:
		return models.ActionReview
	case risk >= p.cfg.AlertThreshold:
		return models.ActionAlert
	default:
		return models.ActionAllow
	}
}

// BandSeverity maps a risk score to a severity.
func (p *Policy) BandSeverity(risk float64) models.Severity {
	switch {
	case risk >= p.cfg.CriticalSeverityThreshold:
		return models.SeverityCritical
	case risk >= p.cfg.HighSeverityThreshold:
		return models.SeverityHigh
	case risk >= p.cfg.MediumSeverityThreshold:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Decide produces the final decision. A hit that is CRITICAL or carries
// BLOCK/DECLINE makes the winning rule's action final whatever the score.
// Otherwise the more severe of the band action and the winner's action
// applies.
func (p *Policy) Decide(in Inputs) (*models.Decision, error) {
	if in.Transaction == nil {
		return nil, fmt.Errorf("decision requires a transaction")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	risk := p.Fuse(in)
	band := p.BandAction(risk)

	d := &models.Decision{
		ID:             uuid.New().String(),
		TransactionID:  in.Transaction.ID,
		EntityID:       in.Transaction.EntityID,
		RiskScore:      risk,
		ScoreAction:    band,
		Action:         band,
		Severity:       p.BandSeverity(risk),
		RuleHits:       append([]models.RuleHit(nil), in.Hits...),
		ML:             in.ML,
		Deviation:      in.Deviation,
		Network:        in.Network,
		Degraded:       append([]string(nil), in.Degraded...),
		RuleSetVersion: in.RuleSetVersion,
		DecidedAt:      now,
	}
	if !in.ML.Available && !d.IsDegraded(models.SignalModel) {
		d.Degraded = append(d.Degraded, models.SignalModel)
	}

	winner := Winner(in.Hits)
	if winner == nil {
		return d, nil
	}
	d.WinningRule = winner

	for _, h := range in.Hits {
		d.Severity = models.MaxSeverity(d.Severity, h.Severity)
	}

	if overrides(in.Hits) {
		d.Action = winner.Action
		d.Overridden = true
		d.Reason = fmt.Sprintf("rule %s overrides score action %s", winner.RuleID, band)
	} else {
		d.Action = models.MaxAction(band, winner.Action)
	}
	return d, nil
}

// Winner picks the hit with the most severe action, then the lowest
// priority number, then the lowest rule id.
func Winner(hits []models.RuleHit) *models.RuleHit {
	if len(hits) == 0 {
		return nil
	}
	sorted := append([]models.RuleHit(nil), hits...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Action.Rank() != b.Action.Rank() {
			return a.Action.Rank() > b.Action.Rank()
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.RuleID < b.RuleID
	})
	w := sorted[0]
	return &w
}

func overrides(hits []models.RuleHit) bool {
	for _, h := range hits {
		if h.Severity == models.SeverityCritical ||
			h.Action == models.ActionBlock || h.Action == models.ActionDecline {
			return true
		}
	}
	return false
}

func ruleSignal(hits []models.RuleHit) float64 {
	var s float64
	for _, h := range hits {
		s = math.Max(s, severityFactor[h.Severity])
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
