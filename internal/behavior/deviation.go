package behavior

import (
	"context"
	"fmt"
	"math"

	"github.com/enterprise/fraud-engine/internal/features"
)

// component weights of the deviation score
const (
	amountWeight   = 0.5
	hourWeight     = 0.2
	merchantWeight = 0.15
	channelWeight  = 0.15
)

// Module computes behavioral deviation against stored profiles
type Module struct {
	store      Store
	minHistory int64
}

// NewModule creates a module. Profiles with fewer than minHistory
// transactions are treated as cold start.
func NewModule(store Store, minHistory int) *Module {
	if minHistory < 1 {
		minHistory = 1
	}
	return &Module{store: store, minHistory: int64(minHistory)}
}

// Deviation returns a score in [0, 1]. An entity without enough history
// scores 0.
func (m *Module) Deviation(ctx context.Context, entityID string, fv *features.Vector) (float64, error) {
	p, err := m.store.Get(ctx, entityID)
	if err != nil {
		return 0, fmt.Errorf("failed to load profile: %w", err)
	}
	if p == nil || p.Count < m.minHistory {
		return 0, nil
	}
	return Score(p, fv), nil
}

// Observe adds the transaction to the entity's profile.
func (m *Module) Observe(ctx context.Context, fv *features.Vector) error {
	return m.store.Update(ctx, fv.EntityID, func(p *Profile) {
		p.Observe(fv)
	})
}

// Score compares fv with p. It assumes p has history.
func Score(p *Profile, fv *features.Vector) float64 {
	amount, _ := fv.Amount.Float64()
	n := p.Weight()

	// spread floor keeps near-constant spenders from scoring every cent
	spread := math.Max(p.StdDev(), math.Max(p.AmountMean*0.1, 1))
	z := math.Abs(amount-p.AmountMean) / spread
	amountScore := clamp01((z - 1) / 4)

	var hourScore float64
	if fv.Hour >= 0 && fv.Hour < 24 {
		share := p.Hours[fv.Hour] / n
		// a uniform spender has share 1/24 at every hour
		hourScore = clamp01(1 - share*24)
	}

	var merchantScore float64
	if fv.Merchant != "" && p.Merchants[fv.Merchant] == 0 {
		merchantScore = 1
	}

	var channelScore float64
	if fv.Channel != "" {
		channelScore = clamp01(1 - 2*p.Channels[fv.Channel]/n)
	}

	return clamp01(amountWeight*amountScore +
		hourWeight*hourScore +
		merchantWeight*merchantScore +
		channelWeight*channelScore)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
