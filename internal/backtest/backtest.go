// Package backtest replays recorded decisions through a candidate rule set
// and reports how the outcomes would change.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/decision"
	"github.com/enterprise/fraud-engine/internal/features"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/rules"
	"github.com/enterprise/fraud-engine/internal/velocity"
)

const (
	defaultSampleSize = 1000
	maxSampleSize     = 10000
	maxDetailed       = 100
)

// History reads recorded decisions
type History interface {
	GetRecentByEntity(ctx context.Context, entityID string, limit int) ([]*models.AuditRecord, error)
}

// Service runs backtests. Replays never touch live velocity counters,
// alerts or the audit trail.
type Service struct {
	history   History
	extractor *features.Extractor
	policy    *decision.Policy
}

func NewService(history History, extractor *features.Extractor, policy *decision.Policy) *Service {
	return &Service{history: history, extractor: extractor, policy: policy}
}

// Request selects the candidate rules and the records to replay
type Request struct {
	Rules      []models.Rule `json:"rules"`
	EntityID   string        `json:"entity_id,omitempty"`
	SampleSize int           `json:"sample_size,omitempty"`
}

// Result summarizes a backtest
type Result struct {
	TotalRecords       int                   `json:"total_records"`
	ProcessedCount     int                   `json:"processed_count"`
	FailedCount        int                   `json:"failed_count"`
	RuleSetVersion     int64                 `json:"rule_set_version"`
	Rejected           []rules.RejectedRule  `json:"rejected,omitempty"`
	ActionDistribution map[models.Action]int `json:"action_distribution"`
	TopTriggeredRules  []RuleCount           `json:"top_triggered_rules"`
	Comparison         Comparison            `json:"comparison"`
	Transactions       []TransactionResult   `json:"transactions"`
	ProcessingTimeMs   int64                 `json:"processing_time_ms"`
}

// RuleCount is how often a rule fired during the replay
type RuleCount struct {
	RuleID string `json:"rule_id"`
	Count  int    `json:"count"`
}

// TransactionResult compares one recorded decision with its replay
type TransactionResult struct {
	TransactionID  string        `json:"transaction_id"`
	OriginalScore  float64       `json:"original_score"`
	OriginalAction models.Action `json:"original_action"`
	BacktestScore  float64       `json:"backtest_score"`
	BacktestAction models.Action `json:"backtest_action"`
	ScoreDiff      float64       `json:"score_diff"`
	RulesTriggered []string      `json:"rules_triggered"`
}

// Comparison aggregates the differences against the recorded decisions
type Comparison struct {
	MatchingActions    int     `json:"matching_actions"`
	DifferentActions   int     `json:"different_actions"`
	AvgScoreDifference float64 `json:"avg_score_difference"`
	Escalated          int     `json:"escalated"`
	Relaxed            int     `json:"relaxed"`
}

// Run replays the selected records oldest first, so windowed rules see
// the same ordering they saw live. Model, behavior and network signals are
// taken from the recorded decision.
func (s *Service) Run(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Rules) == 0 {
		return nil, errors.New("backtest requires at least one rule")
	}
	size := req.SampleSize
	if size <= 0 {
		size = defaultSampleSize
	}
	if size > maxSampleSize {
		size = maxSampleSize
	}

	records, err := s.history.GetRecentByEntity(ctx, req.EntityID, size)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audit records: %w", err)
	}
	return s.Replay(ctx, req.Rules, records)
}

// Replay runs records through rules on a private counter.
func (s *Service) Replay(ctx context.Context, defs []models.Rule, records []*models.AuditRecord) (*Result, error) {
	start := time.Now()

	counter := velocity.NewMemoryCounter(0)
	defer counter.Close()

	engine, err := rules.NewEngine(counter)
	if err != nil {
		return nil, err
	}
	rs := engine.Load(defs)

	sorted := append([]*models.AuditRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Transaction.Timestamp.Before(sorted[j].Transaction.Timestamp)
	})

	result := &Result{
		TotalRecords:       len(sorted),
		RuleSetVersion:     rs.Version,
		Rejected:           rs.Rejected,
		ActionDistribution: make(map[models.Action]int),
		TopTriggeredRules:  make([]RuleCount, 0),
		Transactions:       make([]TransactionResult, 0),
	}

	triggers := make(map[string]int)
	var diffSum float64

	for _, rec := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, err := s.replayOne(ctx, engine, rs, rec)
		if err != nil {
			result.FailedCount++
			log.Warn().Err(err).Str("transaction_id", rec.Transaction.ID).Msg("Failed to backtest transaction")
			continue
		}

		result.ProcessedCount++
		result.ActionDistribution[d.Action]++

		tr := TransactionResult{
			TransactionID:  rec.Transaction.ID,
			OriginalScore:  rec.Decision.RiskScore,
			OriginalAction: rec.Decision.Action,
			BacktestScore:  d.RiskScore,
			BacktestAction: d.Action,
			ScoreDiff:      d.RiskScore - rec.Decision.RiskScore,
			RulesTriggered: make([]string, 0, len(d.RuleHits)),
		}
		for _, h := range d.RuleHits {
			triggers[h.RuleID]++
			tr.RulesTriggered = append(tr.RulesTriggered, h.RuleID)
		}

		switch {
		case d.Action == rec.Decision.Action:
			result.Comparison.MatchingActions++
		case d.Action.Rank() > rec.Decision.Action.Rank():
			result.Comparison.DifferentActions++
			result.Comparison.Escalated++
		default:
			result.Comparison.DifferentActions++
			result.Comparison.Relaxed++
		}
		diffSum += math.Abs(tr.ScoreDiff)

		if len(result.Transactions) < maxDetailed {
			result.Transactions = append(result.Transactions, tr)
		}
	}

	if result.ProcessedCount > 0 {
		result.Comparison.AvgScoreDifference = math.Round(diffSum/float64(result.ProcessedCount)*100) / 100
	}

	for id, n := range triggers {
		result.TopTriggeredRules = append(result.TopTriggeredRules, RuleCount{RuleID: id, Count: n})
	}
	sort.Slice(result.TopTriggeredRules, func(i, j int) bool {
		a, b := result.TopTriggeredRules[i], result.TopTriggeredRules[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.RuleID < b.RuleID
	})
	if len(result.TopTriggeredRules) > 10 {
		result.TopTriggeredRules = result.TopTriggeredRules[:10]
	}

	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	log.Info().
		Int("total", result.TotalRecords).
		Int("processed", result.ProcessedCount).
		Int("escalated", result.Comparison.Escalated).
		Int("relaxed", result.Comparison.Relaxed).
		Int64("processing_ms", result.ProcessingTimeMs).
		Msg("Backtest completed")

	return result, nil
}

func (s *Service) replayOne(ctx context.Context, engine *rules.Engine, rs *rules.RuleSet, rec *models.AuditRecord) (*models.Decision, error) {
	tx := rec.Transaction
	fv, err := s.extractor.Extract(&tx, rec.Context)
	if err != nil {
		return nil, err
	}
	hits, err := engine.Evaluate(ctx, fv, rs)
	if err != nil {
		return nil, err
	}

	var degraded []string
	for _, sig := range rec.Decision.Degraded {
		if sig != models.SignalRules {
			degraded = append(degraded, sig)
		}
	}

	return s.policy.Decide(decision.Inputs{
		Transaction:    &tx,
		Hits:           hits,
		ML:             rec.Decision.ML,
		Deviation:      rec.Decision.Deviation,
		Network:        rec.Decision.Network,
		Degraded:       degraded,
		RuleSetVersion: rs.Version,
		Now:            rec.Decision.DecidedAt,
	})
}
