package scoring

import (
	"context"
	"fmt"
	"math"

	"github.com/enterprise/fraud-engine/internal/features"
)

// defaultCoefficients is a logistic model over engineered features. The
// bias keeps an ordinary domestic purchase from a known device well below
// 0.1.
var defaultCoefficients = map[string]float64{
	"log_amount":           0.35,
	"is_night":             0.6,
	"is_weekend":           0.15,
	"is_high_risk_country": 1.5,
	"cross_border":         0.4,
	"ip_country_mismatch":  0.9,
	"is_high_risk_mcc":     0.8,
	"known_device":         -0.8,
	"device_risk":          2.0,
	"new_account":          0.7,
	"round_amount":         0.3,
}

const defaultBias = -5.2

// HeuristicModel is a local logistic regression
type HeuristicModel struct {
	name    string
	version string
	coef    map[string]float64
	bias    float64
}

// NewHeuristicModel validates coefficient names against the feature
// registry. Nil coefficients select the built-in set.
func NewHeuristicModel(name, version string, coef map[string]float64, bias *float64) (*HeuristicModel, error) {
	if coef == nil {
		coef = defaultCoefficients
	}
	for field := range coef {
		kind, ok := features.LookupKind(field)
		if !ok {
			return nil, fmt.Errorf("model %s: unknown feature %q", name, field)
		}
		if kind == features.KindString {
			return nil, fmt.Errorf("model %s: feature %q is not numeric", name, field)
		}
	}
	m := &HeuristicModel{name: name, version: version, coef: coef, bias: defaultBias}
	if bias != nil {
		m.bias = *bias
	}
	return m, nil
}

func (m *HeuristicModel) Name() string    { return m.name }
func (m *HeuristicModel) Version() string { return m.version }

func (m *HeuristicModel) Score(ctx context.Context, fv *features.Vector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	x := fv.Numeric()
	z := m.bias
	for field, w := range m.coef {
		z += w * x[field]
	}
	return sigmoid(z), nil
}

// AnomalyModel scores how far a transaction sits from ordinary retail
// behaviour using additive point rules, normalised to [0, 1].
type AnomalyModel struct {
	name    string
	version string
}

func NewAnomalyModel(name, version string) *AnomalyModel {
	return &AnomalyModel{name: name, version: version}
}

func (m *AnomalyModel) Name() string    { return m.name }
func (m *AnomalyModel) Version() string { return m.version }

func (m *AnomalyModel) Score(ctx context.Context, fv *features.Vector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var points float64

	// amounts above ~e^8 (about 3000) grow the score smoothly
	if fv.LogAmount > 8 {
		points += math.Min((fv.LogAmount-8)*12, 30)
	}
	if fv.IsNight && fv.IsWeekend {
		points += 10
	} else if fv.IsNight {
		points += 5
	}
	if fv.IPCountryMismatch {
		points += 20
	}
	if !fv.KnownDevice && fv.Amount.IntPart() > 1000 {
		points += 20
	}
	if fv.NewAccount {
		points += 10
	}
	if fv.IsHighRiskMCC {
		points += 15
	}
	if fv.IsHighRiskCountry {
		points += 25
	}
	points += fv.DeviceRisk * 20

	return math.Min(points, 100) / 100, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
