package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/alerts"
	"github.com/enterprise/fraud-engine/internal/decision"
	"github.com/enterprise/fraud-engine/internal/features"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/rules"
	"github.com/enterprise/fraud-engine/internal/velocity"
)

var testTime = time.Date(2026, 5, 6, 10, 15, 0, 0, time.UTC)

type fixedModel struct {
	p         float64
	available bool
}

func (m fixedModel) Score(ctx context.Context, fv *features.Vector) models.MLScore {
	return models.MLScore{Probability: m.p, Available: m.available}
}

type slowNetwork struct{ delay time.Duration }

func (n slowNetwork) NetworkRisk(ctx context.Context, entityID string, related []string) (float64, error) {
	time.Sleep(n.delay)
	return 1, nil
}

type failingBehavior struct{}

func (failingBehavior) Deviation(ctx context.Context, entityID string, fv *features.Vector) (float64, error) {
	return 0, errors.New("profile store down")
}

func (failingBehavior) Observe(ctx context.Context, fv *features.Vector) error { return nil }

type brokenRules struct {
	err   error
	block bool
}

func (r brokenRules) Current() *rules.RuleSet { return &rules.RuleSet{Version: 7} }

func (r brokenRules) Evaluate(ctx context.Context, fv *features.Vector, rs *rules.RuleSet) ([]models.RuleHit, error) {
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, r.err
}

type recordingAudit struct {
	mu   sync.Mutex
	recs []*models.AuditRecord
}

func (a *recordingAudit) Emit(ctx context.Context, rec *models.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *recordingAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.recs)
}

type recordingReview struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingReview) PublishReview(ctx context.Context, ev *models.TransactionEvent, d *models.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ev.Transaction.ID)
	return nil
}

func defaultPolicy(t *testing.T) *decision.Policy {
	t.Helper()
	p, err := decision.NewPolicy(configs.PolicyConfig{
		RuleWeight:                0.2,
		MLWeight:                  0.5,
		DeviationWeight:           0.2,
		NetworkWeight:             0.1,
		AlertThreshold:            40,
		ReviewThreshold:           60,
		BlockThreshold:            85,
		DeclineThreshold:          101,
		MediumSeverityThreshold:   40,
		HighSeverityThreshold:     70,
		CriticalSeverityThreshold: 90,
	})
	if err != nil {
		t.Fatalf("NewPolicy failed: %v", err)
	}
	return p
}

func ruleEngine(t *testing.T, defs []models.Rule) *rules.Engine {
	t.Helper()
	counter := velocity.NewMemoryCounter(0)
	t.Cleanup(func() { counter.Close() })
	e, err := rules.NewEngine(counter)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	e.Load(defs)
	return e
}

type harness struct {
	p      *Pipeline
	alerts *alerts.Manager
	audit  *recordingAudit
	review *recordingReview
}

func newHarness(t *testing.T, deps Deps) *harness {
	t.Helper()
	h := &harness{
		alerts: alerts.NewManager(time.Hour),
		audit:  &recordingAudit{},
		review: &recordingReview{},
	}
	deps.Extractor = features.NewExtractor(configs.FeaturesConfig{HighRiskCountries: []string{"IR"}}, nil)
	if deps.Rules == nil {
		deps.Rules = ruleEngine(t, rules.DefaultRules())
	}
	if deps.Models == nil {
		deps.Models = fixedModel{p: 0.1, available: true}
	}
	deps.Policy = defaultPolicy(t)
	deps.Alerts = h.alerts
	deps.Audit = h.audit
	deps.Review = h.review

	p, err := New(configs.PipelineConfig{
		Deadline:        100 * time.Millisecond,
		BehaviorTimeout: 20 * time.Millisecond,
		GraphTimeout:    20 * time.Millisecond,
	}, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.p = p
	return h
}

func tx(id, amount string) *models.Transaction {
	return &models.Transaction{
		ID:        id,
		EntityID:  "cust-1",
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USD",
		Timestamp: testTime,
		Channel:   models.ChannelOnline,
		Country:   "US",
	}
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("NoHitsLowScoreAllows", func(t *testing.T) {
		h := newHarness(t, Deps{})
		out, err := h.p.Process(ctx, tx("tx-1", "42.10"), nil)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if out.Decision.Action != models.ActionAllow || out.Alert != nil {
			t.Errorf("expected ALLOW without alert, got %s %+v", out.Decision.Action, out.Alert)
		}
		if len(out.Decision.RuleHits) != 0 || out.Decision.RiskScore != 5 {
			t.Errorf("unexpected decision %+v", out.Decision)
		}
		if h.audit.count() != 1 || out.Audit == nil || out.Audit.AlertID != "" {
			t.Errorf("expected one audit record, got %d", h.audit.count())
		}
	})

	t.Run("HighValueScenario", func(t *testing.T) {
		h := newHarness(t, Deps{})
		out, err := h.p.Process(ctx, tx("tx-1", "15000"), nil)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		d := out.Decision
		if d.Action.Rank() < models.ActionAlert.Rank() || d.RiskScore != 15 {
			t.Errorf("expected at least ALERT at risk 15, got %s %v", d.Action, d.RiskScore)
		}
		if out.Alert == nil || out.Alert.Severity != models.SeverityMedium || out.Alert.RuleID != "AMT_HIGH_VALUE" {
			t.Fatalf("expected one MEDIUM alert for AMT_HIGH_VALUE, got %+v", out.Alert)
		}
		if out.Audit.AlertID != out.Alert.ID {
			t.Error("audit record must reference the alert")
		}
	})

	t.Run("StructuringScenario", func(t *testing.T) {
		h := newHarness(t, Deps{Models: fixedModel{p: 0.9, available: true}})
		out, err := h.p.Process(ctx, tx("tx-1", "9999.99"), nil)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		d := out.Decision
		if d.Action != models.ActionReview || d.RiskScore != 60 {
			t.Errorf("expected REVIEW at 60, got %s %v", d.Action, d.RiskScore)
		}
		if d.WinningRule == nil || d.WinningRule.RuleID != "PAT_STRUCTURING" {
			t.Errorf("expected structuring to win, got %+v", d.WinningRule)
		}
		if out.Alert == nil || out.Alert.Severity != models.SeverityHigh {
			t.Errorf("expected a HIGH alert, got %+v", out.Alert)
		}
	})

	t.Run("SameRuleTwiceMerges", func(t *testing.T) {
		h := newHarness(t, Deps{})
		first, _ := h.p.Process(ctx, tx("tx-1", "15000"), nil)
		later := tx("tx-2", "16000")
		later.Timestamp = testTime.Add(10 * time.Minute)
		second, _ := h.p.Process(ctx, later, nil)
		if first.Alert == nil || second.Alert == nil || first.Alert.ID != second.Alert.ID {
			t.Fatalf("expected the same alert id, got %+v %+v", first.Alert, second.Alert)
		}
		if second.Alert.Occurrences != 2 {
			t.Errorf("expected 2 occurrences, got %d", second.Alert.Occurrences)
		}
	})

	t.Run("DeclineRuleOverridesScore", func(t *testing.T) {
		zero := 0.0
		h := newHarness(t, Deps{
			Rules: ruleEngine(t, []models.Rule{{
				ID: "DENY_LIST", Name: "Deny list", Type: models.RuleTypeAmount,
				Comparator: ">", Threshold: &zero,
				Severity: models.SeverityCritical, Action: models.ActionDecline, Priority: 1, Active: true,
			}}),
			Models: fixedModel{p: 0, available: true},
		})
		out, err := h.p.Process(ctx, tx("tx-1", "10"), nil)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if out.Decision.Action != models.ActionDecline || !out.Decision.Overridden {
			t.Errorf("expected overriding DECLINE, got %+v", out.Decision)
		}
	})

	t.Run("ModelUnavailableDegrades", func(t *testing.T) {
		h := newHarness(t, Deps{Models: fixedModel{available: false}})
		start := time.Now()
		out, err := h.p.Process(ctx, tx("tx-1", "15000"), nil)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if time.Since(start) > 100*time.Millisecond {
			t.Error("decision exceeded the deadline")
		}
		d := out.Decision
		if !d.IsDegraded(models.SignalModel) || !out.Audit.Degraded {
			t.Errorf("expected model degradation recorded, got %+v", d.Degraded)
		}
		// rule .5 weighted .2 over the remaining .5 of weight
		if d.RiskScore != 20 {
			t.Errorf("expected renormalized risk 20, got %v", d.RiskScore)
		}
	})

	t.Run("GraphTimeoutNoHang", func(t *testing.T) {
		h := newHarness(t, Deps{Network: slowNetwork{delay: 500 * time.Millisecond}})
		start := time.Now()
		out, err := h.p.Process(ctx, tx("tx-1", "42.10"), nil)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
			t.Errorf("graph timeout must not hang the decision, took %v", elapsed)
		}
		if out.Decision.Network != 0 || !out.Decision.IsDegraded(models.SignalGraph) || out.Decision.FailClosed {
			t.Errorf("expected neutral degraded graph signal, got %+v", out.Decision)
		}
	})

	t.Run("BehaviorFailureFailsOpen", func(t *testing.T) {
		h := newHarness(t, Deps{Behavior: failingBehavior{}})
		out, err := h.p.Process(ctx, tx("tx-1", "42.10"), nil)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if out.Decision.FailClosed || !out.Decision.IsDegraded(models.SignalBehavior) {
			t.Errorf("expected fail-open behavior signal, got %+v", out.Decision)
		}
	})

	t.Run("RuleFailureFailsClosed", func(t *testing.T) {
		h := newHarness(t, Deps{Rules: brokenRules{err: errors.New("counter store down")}})
		out, err := h.p.Process(ctx, tx("tx-1", "42.10"), nil)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		d := out.Decision
		if d.Action != models.ActionReview || !d.FailClosed || d.RuleSetVersion != 7 {
			t.Errorf("expected fail-closed REVIEW, got %+v", d)
		}
		if out.Alert == nil || out.Alert.Type != models.AlertTypePendingReview {
			t.Errorf("expected PENDING_REVIEW alert, got %+v", out.Alert)
		}
		if len(h.review.ids) != 1 || h.review.ids[0] != "tx-1" {
			t.Errorf("expected transaction on the review queue, got %v", h.review.ids)
		}
		if h.audit.count() != 1 {
			t.Error("fail-closed decisions must be audited")
		}
	})

	t.Run("DeadlineFailsClosed", func(t *testing.T) {
		h := newHarness(t, Deps{Rules: brokenRules{block: true}})
		start := time.Now()
		out, err := h.p.Process(ctx, tx("tx-1", "42.10"), nil)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
			t.Errorf("expected return at the deadline, took %v", elapsed)
		}
		if !out.Decision.FailClosed || out.Decision.Action != models.ActionReview {
			t.Errorf("expected fail-closed decision, got %+v", out.Decision)
		}
	})

	t.Run("MissingEntityIsInvalid", func(t *testing.T) {
		h := newHarness(t, Deps{})
		bad := tx("tx-1", "10")
		bad.EntityID = ""
		if _, err := h.p.Process(ctx, bad, nil); !errors.Is(err, features.ErrMissingEntity) {
			t.Errorf("expected ErrMissingEntity, got %v", err)
		}
		if h.audit.count() != 0 {
			t.Error("invalid input produces no decision")
		}
	})
}

func TestNew(t *testing.T) {
	if _, err := New(configs.PipelineConfig{}, Deps{}); err == nil {
		t.Error("expected missing dependency error")
	}
}
