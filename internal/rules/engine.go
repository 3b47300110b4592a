// Package rules compiles administrator-defined rules into condition trees
// and evaluates them against feature vectors.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/enterprise/fraud-engine/internal/features"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/velocity"
)

var ErrInvalidRule = errors.New("invalid rule")

// CompiledRule is a validated rule ready for the hot path
type CompiledRule struct {
	models.Rule

	cond       node
	comparator Comparator
	threshold  decimal.Decimal
	window     time.Duration
}

// Windowed reports whether the rule is backed by a velocity counter.
func (r *CompiledRule) Windowed() bool { return r.window > 0 }

// RejectedRule records a definition skipped at load
type RejectedRule struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// RuleSet is an immutable, priority-ordered snapshot of active rules
type RuleSet struct {
	Version  int64           `json:"version"`
	Rules    []*CompiledRule `json:"-"`
	Rejected []RejectedRule  `json:"rejected,omitempty"`
	LoadedAt time.Time       `json:"loaded_at"`
}

// Definitions returns the source definitions of the loaded rules.
func (rs *RuleSet) Definitions() []models.Rule {
	out := make([]models.Rule, len(rs.Rules))
	for i, r := range rs.Rules {
		out[i] = r.Rule
	}
	return out
}

// Engine evaluates the current rule set. The set is swapped atomically on
// reload so evaluation never takes a lock.
type Engine struct {
	compiler *compiler
	counter  velocity.Counter
	current  atomic.Pointer[RuleSet]
	version  atomic.Int64
}

// NewEngine creates an engine with an empty rule set. counter may be nil
// when no windowed rules are configured; such rules are then rejected.
func NewEngine(counter velocity.Counter) (*Engine, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		compiler: &compiler{env: env},
		counter:  counter,
	}
	e.current.Store(&RuleSet{LoadedAt: time.Now()})
	return e, nil
}

// Compile validates a single definition without loading it.
func (e *Engine) Compile(rule models.Rule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	if rule.Name == "" {
		return nil, fmt.Errorf("%w: rule %s: missing name", ErrInvalidRule, rule.ID)
	}
	if !rule.Type.Valid() {
		return nil, fmt.Errorf("%w: rule %s: unknown type %q", ErrInvalidRule, rule.ID, rule.Type)
	}
	if !rule.Severity.Valid() {
		return nil, fmt.Errorf("%w: rule %s: unknown severity %q", ErrInvalidRule, rule.ID, rule.Severity)
	}
	if !rule.Action.Valid() || rule.Action == models.ActionAllow {
		return nil, fmt.Errorf("%w: rule %s: invalid action %q", ErrInvalidRule, rule.ID, rule.Action)
	}

	cr := &CompiledRule{Rule: rule, window: rule.Window.Std()}

	if len(rule.Condition) > 0 && string(rule.Condition) != "null" {
		cond, err := e.compiler.parse(rule.Condition)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, rule.ID, err)
		}
		cr.cond = cond
	}

	hasThreshold := rule.Comparator != "" || rule.Threshold != nil
	if hasThreshold {
		if rule.Comparator == "" || rule.Threshold == nil {
			return nil, fmt.Errorf("%w: rule %s: comparator and threshold must be set together", ErrInvalidRule, rule.ID)
		}
		op, err := ParseComparator(rule.Comparator)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, rule.ID, err)
		}
		cr.comparator = op
		cr.threshold = decimal.NewFromFloat(*rule.Threshold)
	}

	switch {
	case rule.Window < 0:
		return nil, fmt.Errorf("%w: rule %s: negative window", ErrInvalidRule, rule.ID)
	case cr.window > 0:
		if !hasThreshold {
			return nil, fmt.Errorf("%w: rule %s: windowed rule requires comparator and threshold", ErrInvalidRule, rule.ID)
		}
		if e.counter == nil {
			return nil, fmt.Errorf("%w: rule %s: no velocity counter configured", ErrInvalidRule, rule.ID)
		}
	case rule.Type == models.RuleTypeVelocity:
		return nil, fmt.Errorf("%w: rule %s: velocity rule requires a window", ErrInvalidRule, rule.ID)
	case hasThreshold && cr.cond == nil && rule.Type != models.RuleTypeAmount:
		return nil, fmt.Errorf("%w: rule %s: threshold without window applies only to AMOUNT rules", ErrInvalidRule, rule.ID)
	case hasThreshold && cr.cond != nil:
		return nil, fmt.Errorf("%w: rule %s: threshold without window cannot be combined with a condition", ErrInvalidRule, rule.ID)
	case !hasThreshold && cr.cond == nil:
		return nil, fmt.Errorf("%w: rule %s: no condition", ErrInvalidRule, rule.ID)
	}

	return cr, nil
}

// Load compiles rules and atomically replaces the current set. Inactive
// rules are ignored; malformed ones are logged and skipped.
func (e *Engine) Load(rules []models.Rule) *RuleSet {
	rs := &RuleSet{
		Version:  e.version.Add(1),
		LoadedAt: time.Now(),
	}

	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if _, dup := seen[rule.ID]; dup {
			rs.Rejected = append(rs.Rejected, RejectedRule{RuleID: rule.ID, Reason: "duplicate rule id"})
			log.Error().Str("rule_id", rule.ID).Msg("Duplicate rule id skipped")
			continue
		}

		compiled, err := e.Compile(rule)
		if err != nil {
			rs.Rejected = append(rs.Rejected, RejectedRule{RuleID: rule.ID, Reason: err.Error()})
			log.Error().Err(err).Str("rule_id", rule.ID).Msg("Rule configuration error, skipping")
			continue
		}
		seen[rule.ID] = struct{}{}
		rs.Rules = append(rs.Rules, compiled)
	}

	sort.SliceStable(rs.Rules, func(i, j int) bool {
		if rs.Rules[i].Priority != rs.Rules[j].Priority {
			return rs.Rules[i].Priority < rs.Rules[j].Priority
		}
		return rs.Rules[i].ID < rs.Rules[j].ID
	})

	e.current.Store(rs)

	log.Info().
		Int64("version", rs.Version).
		Int("rule_count", len(rs.Rules)).
		Int("rejected", len(rs.Rejected)).
		Msg("Rules loaded")

	return rs
}

// Current returns the active rule set.
func (e *Engine) Current() *RuleSet {
	return e.current.Load()
}

// Evaluate runs every rule in rs against fv in ascending priority. Windowed
// rules increment their counter when their filter condition matches. Any
// error is returned since rule evaluation must not be silently partial.
func (e *Engine) Evaluate(ctx context.Context, fv *features.Vector, rs *RuleSet) ([]models.RuleHit, error) {
	if fv == nil {
		return nil, fmt.Errorf("nil feature vector")
	}
	if rs == nil {
		rs = e.Current()
	}

	ec := &evalContext{fv: fv}
	var hits []models.RuleHit

	for _, rule := range rs.Rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hit, observed, err := e.evaluateRule(ctx, rule, ec)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if !hit {
			continue
		}

		hits = append(hits, models.RuleHit{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Type:     rule.Type,
			Severity: rule.Severity,
			Action:   rule.Action,
			Priority: rule.Priority,
			Observed: observed,
		})
	}

	return hits, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule *CompiledRule, ec *evalContext) (bool, float64, error) {
	if rule.cond != nil {
		ok, err := rule.cond.Eval(ec)
		if err != nil || !ok {
			return false, 0, err
		}
	}

	switch {
	case rule.Windowed():
		count, err := e.counter.Increment(ctx,
			velocity.Key{EntityID: ec.fv.EntityID, RuleID: rule.ID},
			ec.fv.Timestamp, rule.window)
		if err != nil {
			return false, 0, err
		}
		return rule.comparator.compare(decimal.NewFromInt(count).Cmp(rule.threshold)), float64(count), nil

	case rule.comparator != "":
		observed, _ := ec.fv.Amount.Float64()
		return rule.comparator.compare(ec.fv.Amount.Cmp(rule.threshold)), observed, nil

	default:
		return true, 0, nil
	}
}
