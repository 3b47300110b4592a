package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/features"
	"github.com/enterprise/fraud-engine/internal/models"
)

type stubModel struct {
	name  string
	prob  float64
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (m *stubModel) Name() string    { return m.name }
func (m *stubModel) Version() string { return "test" }

func (m *stubModel) Score(ctx context.Context, fv *features.Vector) (float64, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return m.prob, m.err
}

func testVector(t *testing.T, amount string, country string) *features.Vector {
	t.Helper()
	ex := features.NewExtractor(configs.FeaturesConfig{HighRiskCountries: []string{"IR"}}, nil)
	fv, err := ex.Extract(&models.Transaction{
		ID:        "tx-1",
		EntityID:  "cust-1",
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USD",
		Timestamp: time.Date(2026, 5, 6, 14, 0, 0, 0, time.UTC),
		Channel:   "online",
		Country:   country,
	}, nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	return fv
}

var testCfg = configs.ModelsConfig{
	Timeout:         30 * time.Millisecond,
	BreakerFailures: 3,
	BreakerCooldown: time.Minute,
}

func TestEnsembleScore(t *testing.T) {
	fv := testVector(t, "100", "US")

	t.Run("WeightedAverage", func(t *testing.T) {
		e := &Ensemble{timeout: testCfg.Timeout}
		e.members = []*member{
			{model: &stubModel{name: "a", prob: 0.8}, weight: 3, breaker: newBreaker("a", testCfg)},
			{model: &stubModel{name: "b", prob: 0.4}, weight: 1, breaker: newBreaker("b", testCfg)},
		}
		score := e.Score(context.Background(), fv)
		if !score.Available {
			t.Fatal("expected score to be available")
		}
		if math.Abs(score.Probability-0.7) > 1e-9 {
			t.Errorf("expected 0.7, got %f", score.Probability)
		}
		if math.Abs(score.Models[0].Weight-0.75) > 1e-9 {
			t.Errorf("expected normalized weight 0.75, got %f", score.Models[0].Weight)
		}
	})

	t.Run("RenormalizesAroundFailures", func(t *testing.T) {
		e, err := NewEnsembleFromModels(testCfg,
			&stubModel{name: "ok", prob: 0.9},
			&stubModel{name: "broken", err: errors.New("boom")},
		)
		if err != nil {
			t.Fatalf("NewEnsembleFromModels failed: %v", err)
		}
		score := e.Score(context.Background(), fv)
		if !score.Available || math.Abs(score.Probability-0.9) > 1e-9 {
			t.Errorf("expected 0.9 from the healthy model, got %+v", score)
		}
		if score.Models[1].Available || score.Models[1].Error == "" {
			t.Errorf("broken model should be reported unavailable: %+v", score.Models[1])
		}
	})

	t.Run("SlowModelTimesOut", func(t *testing.T) {
		e, _ := NewEnsembleFromModels(testCfg,
			&stubModel{name: "fast", prob: 0.2},
			&stubModel{name: "slow", prob: 0.99, delay: time.Second},
		)
		start := time.Now()
		score := e.Score(context.Background(), fv)
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Fatalf("ensemble waited %v for a slow model", elapsed)
		}
		if math.Abs(score.Probability-0.2) > 1e-9 {
			t.Errorf("expected slow model excluded, got %f", score.Probability)
		}
		if !strings.Contains(score.Models[1].Error, "deadline") {
			t.Errorf("expected deadline error, got %q", score.Models[1].Error)
		}
	})

	t.Run("AllUnavailable", func(t *testing.T) {
		e, _ := NewEnsembleFromModels(testCfg, &stubModel{name: "x", err: errors.New("down")})
		score := e.Score(context.Background(), fv)
		if score.Available || score.Probability != 0 {
			t.Errorf("expected unavailable score, got %+v", score)
		}
	})

	t.Run("OutOfRangeRejected", func(t *testing.T) {
		e, _ := NewEnsembleFromModels(testCfg, &stubModel{name: "x", prob: 1.7})
		if score := e.Score(context.Background(), fv); score.Available {
			t.Errorf("probability above 1 must be rejected, got %+v", score)
		}
	})

	t.Run("Calibration", func(t *testing.T) {
		e := &Ensemble{timeout: testCfg.Timeout}
		e.members = []*member{{
			model:       &stubModel{name: "c", prob: 0.5},
			weight:      1,
			calibration: &Calibration{A: -4, B: 2},
			breaker:     newBreaker("c", testCfg),
		}}
		score := e.Score(context.Background(), fv)
		// 1/(1+exp(-4*0.5+2)) = 0.5
		if math.Abs(score.Probability-0.5) > 1e-9 {
			t.Errorf("expected calibrated 0.5, got %f", score.Probability)
		}
	})
}

func TestCircuitBreaker(t *testing.T) {
	fv := testVector(t, "100", "US")
	broken := &stubModel{name: "flaky", err: errors.New("502")}
	e, _ := NewEnsembleFromModels(testCfg, broken)

	for i := 0; i < 5; i++ {
		e.Score(context.Background(), fv)
	}
	if got := broken.calls.Load(); got != 3 {
		t.Errorf("expected breaker to stop calls after 3 failures, model called %d times", got)
	}

	res := e.call(context.Background(), e.members[0], fv)
	if !errors.Is(res.err, gobreaker.ErrOpenState) {
		t.Errorf("expected open breaker error, got %v", res.err)
	}
	if outcome(res.err) != "breaker_open" {
		t.Errorf("unexpected outcome label %q", outcome(res.err))
	}
}

func TestBreakerIgnoresCallerCancel(t *testing.T) {
	fv := testVector(t, "100", "US")
	slow := &stubModel{name: "slow", prob: 0.4, delay: time.Second}
	e, _ := NewEnsembleFromModels(testCfg, slow)

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := e.call(ctx, e.members[0], fv)
		if outcome(res.err) != "cancelled" {
			t.Errorf("expected cancelled outcome, got %v", res.err)
		}
	}
	if state := e.members[0].breaker.State(); state != gobreaker.StateClosed {
		t.Errorf("caller cancellation must not trip the breaker, state %s", state)
	}
	if counts := e.members[0].breaker.Counts(); counts.ConsecutiveFailures != 0 {
		t.Errorf("expected no recorded failures, got %d", counts.ConsecutiveFailures)
	}
}

func TestNewEnsemble(t *testing.T) {
	t.Run("SkipsUnknownKinds", func(t *testing.T) {
		specs := append(DefaultModelSpecs(),
			ModelSpec{Name: "mystery", Kind: "quantum", Weight: 1},
			ModelSpec{Name: "zero", Kind: KindAnomaly, Weight: 0},
			ModelSpec{Name: "remote", Kind: KindHTTP, Weight: 1},
		)
		e, err := NewEnsemble(testCfg, specs)
		if err != nil {
			t.Fatalf("NewEnsemble failed: %v", err)
		}
		if len(e.members) != 2 {
			t.Errorf("expected 2 members, got %d", len(e.members))
		}
	})

	t.Run("NoModels", func(t *testing.T) {
		_, err := NewEnsemble(testCfg, []ModelSpec{{Name: "x", Kind: "nope", Weight: 1}})
		if !errors.Is(err, ErrNoModels) {
			t.Errorf("expected ErrNoModels, got %v", err)
		}
	})

	t.Run("LoadFromFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "models.json")
		data, _ := json.Marshal([]ModelSpec{
			{Name: "h", Kind: KindHeuristic, Weight: 1, Coefficients: map[string]float64{"amount": 0.001}},
		})
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
		specs, err := LoadModelSpecs(path)
		if err != nil {
			t.Fatalf("LoadModelSpecs failed: %v", err)
		}
		if len(specs) != 1 || specs[0].Coefficients["amount"] != 0.001 {
			t.Errorf("unexpected specs %+v", specs)
		}
	})
}

func TestLocalModels(t *testing.T) {
	ctx := context.Background()
	benign := testVector(t, "40", "US")
	risky := testVector(t, "48000", "IR")

	h, err := NewHeuristicModel("h", "1", nil, nil)
	if err != nil {
		t.Fatalf("NewHeuristicModel failed: %v", err)
	}
	low, _ := h.Score(ctx, benign)
	high, _ := h.Score(ctx, risky)
	if low >= 0.1 {
		t.Errorf("benign transaction scored %f", low)
	}
	if high <= low {
		t.Errorf("risky transaction (%f) should outscore benign (%f)", high, low)
	}

	a := NewAnomalyModel("a", "1")
	lowA, _ := a.Score(ctx, benign)
	highA, _ := a.Score(ctx, risky)
	if lowA != 0 || highA <= 0.25 || highA > 1 {
		t.Errorf("unexpected anomaly scores benign=%f risky=%f", lowA, highA)
	}

	if _, err := NewHeuristicModel("bad", "1", map[string]float64{"nope": 1}, nil); err == nil {
		t.Error("unknown coefficient field should be rejected")
	}
	if _, err := NewHeuristicModel("bad", "1", map[string]float64{"country": 1}, nil); err == nil {
		t.Error("string coefficient field should be rejected")
	}
}

func TestHTTPModel(t *testing.T) {
	fv := testVector(t, "250", "US")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/ok":
			if req.Features["amount"] != 250 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"probability":0.42,"model_version":"gbm-7"}`))
		case "/empty":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	t.Run("Success", func(t *testing.T) {
		m, err := NewHTTPModel("gbm", "unknown", srv.URL+"/ok", time.Second)
		if err != nil {
			t.Fatalf("NewHTTPModel failed: %v", err)
		}
		p, err := m.Score(context.Background(), fv)
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if p != 0.42 {
			t.Errorf("expected 0.42, got %f", p)
		}
		if m.Version() != "gbm-7" {
			t.Errorf("expected served version gbm-7, got %s", m.Version())
		}
	})

	t.Run("ServerError", func(t *testing.T) {
		m, _ := NewHTTPModel("gbm", "1", srv.URL+"/fail", time.Second)
		if _, err := m.Score(context.Background(), fv); err == nil {
			t.Error("expected error on 500")
		}
	})

	t.Run("MissingProbability", func(t *testing.T) {
		m, _ := NewHTTPModel("gbm", "1", srv.URL+"/empty", time.Second)
		if _, err := m.Score(context.Background(), fv); err == nil {
			t.Error("expected error when probability is missing")
		}
	})
}
