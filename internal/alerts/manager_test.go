package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/enterprise/fraud-engine/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.AlertEvent
}

func (s *recordingSink) Publish(ctx context.Context, e models.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventType
	}
	return out
}

var base = time.Date(2026, 5, 6, 10, 15, 0, 0, time.UTC)

func txAt(id string, ts time.Time) *models.Transaction {
	return &models.Transaction{ID: id, EntityID: "cust-1", Amount: decimal.NewFromInt(15000), Timestamp: ts}
}

func ruleDecision(ruleID string, risk float64, sev models.Severity) *models.Decision {
	return &models.Decision{
		ID:          "d-" + ruleID,
		RiskScore:   risk,
		Action:      models.ActionAlert,
		Severity:    sev,
		WinningRule: &models.RuleHit{RuleID: ruleID, Severity: sev, Action: models.ActionAlert},
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("AllowCreatesNothing", func(t *testing.T) {
		m := NewManager(time.Hour)
		h, err := m.Submit(ctx, &models.Decision{Action: models.ActionAllow}, txAt("t1", base))
		if err != nil || h != nil {
			t.Fatalf("expected no alert, got %+v %v", h, err)
		}
		if _, total := m.List(ctx, Filter{}); total != 0 {
			t.Errorf("expected no alerts, got %d", total)
		}
	})

	t.Run("MergeWithinWindow", func(t *testing.T) {
		sink := &recordingSink{}
		m := NewManager(time.Hour, WithSink(sink))

		first, err := m.Submit(ctx, ruleDecision("AMT_HIGH_VALUE", 15, models.SeverityMedium), txAt("t1", base))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if !first.Created || first.Alert.Severity != models.SeverityMedium || first.Alert.Type != models.AlertTypeRuleHit {
			t.Fatalf("unexpected first alert %+v", first.Alert)
		}

		second, err := m.Submit(ctx, ruleDecision("AMT_HIGH_VALUE", 55, models.SeverityHigh), txAt("t2", base.Add(20*time.Minute)))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if second.Created || second.Alert.ID != first.Alert.ID {
			t.Fatalf("expected merge into %s, got %+v", first.Alert.ID, second)
		}
		a := second.Alert
		if a.Occurrences != 2 || a.RiskScore != 55 || a.Severity != models.SeverityHigh || a.Version != 2 {
			t.Errorf("unexpected merged alert %+v", a)
		}
		if len(a.TransactionIDs) != 2 {
			t.Errorf("expected both transactions, got %v", a.TransactionIDs)
		}

		lower, _ := m.Submit(ctx, ruleDecision("AMT_HIGH_VALUE", 5, models.SeverityLow), txAt("t3", base.Add(30*time.Minute)))
		if lower.Alert.RiskScore != 55 || lower.Alert.Severity != models.SeverityHigh {
			t.Errorf("merge must keep the maximum risk and severity, got %+v", lower.Alert)
		}

		if got := sink.types(); fmt.Sprint(got) != "[created merged merged]" {
			t.Errorf("unexpected events %v", got)
		}
	})

	t.Run("SeparateKeys", func(t *testing.T) {
		m := NewManager(time.Hour)
		a, _ := m.Submit(ctx, ruleDecision("R1", 50, models.SeverityMedium), txAt("t1", base))
		b, _ := m.Submit(ctx, ruleDecision("R2", 50, models.SeverityMedium), txAt("t2", base))
		c, _ := m.Submit(ctx, ruleDecision("R1", 50, models.SeverityMedium), txAt("t3", base.Add(time.Hour)))
		if a.Alert.ID == b.Alert.ID || a.Alert.ID == c.Alert.ID {
			t.Error("different rules or buckets must not merge")
		}
	})

	t.Run("Types", func(t *testing.T) {
		m := NewManager(time.Hour)
		score, _ := m.Submit(ctx, &models.Decision{Action: models.ActionReview, Severity: models.SeverityMedium, RiskScore: 62}, txAt("t1", base))
		if score.Alert.Type != models.AlertTypeRiskScore || score.Alert.RuleID != "" {
			t.Errorf("expected RISK_SCORE alert, got %+v", score.Alert)
		}
		pending, _ := m.Submit(ctx, &models.Decision{Action: models.ActionReview, FailClosed: true}, txAt("t2", base))
		if pending.Alert.Type != models.AlertTypePendingReview {
			t.Errorf("expected PENDING_REVIEW alert, got %+v", pending.Alert)
		}
	})

	t.Run("ConcurrentSameKey", func(t *testing.T) {
		m := NewManager(time.Hour)
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := m.Submit(ctx, ruleDecision("VEL", 70, models.SeverityHigh), txAt(fmt.Sprintf("t%d", i), base)); err != nil {
					t.Errorf("Submit failed: %v", err)
				}
			}(i)
		}
		wg.Wait()

		alerts, total := m.List(ctx, Filter{})
		if total != 1 {
			t.Fatalf("expected one alert, got %d", total)
		}
		if alerts[0].Occurrences != 100 || len(alerts[0].TransactionIDs) != 100 {
			t.Errorf("expected 100 occurrences, got %d", alerts[0].Occurrences)
		}
	})
}

func TestDedupKeyWindow(t *testing.T) {
	t.Run("SubMillisecondClamped", func(t *testing.T) {
		m := NewManager(time.Microsecond)
		a := m.DedupKey("cust-1", "R1", base)
		b := m.DedupKey("cust-1", "R1", base.Add(time.Millisecond))
		if a == b {
			t.Errorf("expected 1ms buckets, got %s twice", a)
		}
	})

	t.Run("DefaultWindow", func(t *testing.T) {
		m := NewManager(0)
		if m.DedupKey("cust-1", "R1", base) != m.DedupKey("cust-1", "R1", base.Add(30*time.Minute)) {
			t.Error("expected one hour buckets by default")
		}
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	m := NewManager(time.Hour, WithSink(sink))

	h, _ := m.Submit(ctx, ruleDecision("PAT_STRUCTURING", 60, models.SeverityHigh), txAt("t1", base))
	id := h.Alert.ID

	if _, err := m.Resolve(ctx, id, true, "fraud", "", 1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resolving an OPEN alert must fail, got %v", err)
	}
	if _, err := m.Close(ctx, id, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("closing an OPEN alert must fail, got %v", err)
	}

	a, err := m.Assign(ctx, id, "analyst-1", 1)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if a.Status != models.AlertStatusInvestigating || a.Version != 2 {
		t.Fatalf("unexpected alert after assign %+v", a)
	}

	if _, err := m.Assign(ctx, id, "analyst-2", 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale version must conflict, got %v", err)
	}

	a, err = m.Assign(ctx, id, "analyst-2", 2)
	if err != nil || a.Assignee != "analyst-2" {
		t.Fatalf("reassign failed: %v", err)
	}

	if _, err := m.Close(ctx, id, a.Version); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("closing without resolution must fail, got %v", err)
	}

	a, err = m.Resolve(ctx, id, false, "customer confirmed purchase", "called customer", a.Version)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if a.Status != models.AlertStatusFalsePositive || !a.FalsePositive || a.ResolvedAt == nil {
		t.Errorf("unexpected resolved alert %+v", a)
	}

	next, _ := m.Submit(ctx, ruleDecision("PAT_STRUCTURING", 60, models.SeverityHigh), txAt("t2", base.Add(time.Minute)))
	if !next.Created || next.Alert.ID == id {
		t.Error("a resolved alert must release its dedup key")
	}

	a, err = m.Close(ctx, id, a.Version)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if a.Status != models.AlertStatusClosed || a.ClosedAt == nil {
		t.Errorf("unexpected closed alert %+v", a)
	}

	if _, err := m.Assign(ctx, id, "analyst-1", a.Version); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("closed alerts cannot reopen, got %v", err)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}

	closed, total := m.List(ctx, Filter{Status: models.AlertStatusClosed})
	if total != 1 || closed[0].ID != id {
		t.Errorf("expected the closed alert in the filtered list, got %d", total)
	}

	if removed := m.Prune(time.Now().Add(time.Hour)); removed != 1 {
		t.Errorf("expected one pruned alert, got %d", removed)
	}
	if _, err := m.Get(ctx, id); !errors.Is(err, ErrAlertNotFound) {
		t.Error("pruned alert should be gone")
	}
}

func TestConcurrentTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewManager(time.Hour)
	h, _ := m.Submit(ctx, ruleDecision("R", 50, models.SeverityMedium), txAt("t1", base))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Assign(ctx, h.Alert.ID, fmt.Sprintf("analyst-%d", i), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != 19 {
		t.Errorf("expected exactly one winner, got %d wins %d conflicts", wins, conflicts)
	}
}
