// Package behavior scores how far a transaction deviates from the entity's
// own history.
package behavior

import (
	"math"
	"time"

	"github.com/enterprise/fraud-engine/internal/features"
)

const (
	// maxTracked caps the merchant and channel maps of a profile
	maxTracked = 256

	// HistoryHorizon is how many recent transactions a profile weighs
	// fully. Older ones fade geometrically.
	HistoryHorizon = 500

	// entries lighter than minWeight are forgotten
	minWeight = 0.05
)

// Profile is the rolling behavioural summary of one entity. Amount moments
// use Welford's online algorithm until the horizon is reached and an
// exponentially weighted update after that.
type Profile struct {
	EntityID   string             `json:"entity_id"`
	Count      int64              `json:"count"`
	AmountMean float64            `json:"amount_mean"`
	AmountM2   float64            `json:"amount_m2"`
	Hours      [24]float64        `json:"hours"`
	Merchants  map[string]float64 `json:"merchants"`
	Channels   map[string]float64 `json:"channels"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// NewProfile creates an empty profile.
func NewProfile(entityID string) *Profile {
	return &Profile{
		EntityID:  entityID,
		Merchants: make(map[string]float64),
		Channels:  make(map[string]float64),
	}
}

// Weight is the effective number of transactions the profile holds.
func (p *Profile) Weight() float64 {
	return math.Min(float64(p.Count), HistoryHorizon)
}

// StdDev is the sample standard deviation of amounts.
func (p *Profile) StdDev() float64 {
	n := p.Weight()
	if n < 2 {
		return 0
	}
	return math.Sqrt(p.AmountM2 / (n - 1))
}

// Observe folds one transaction into the profile.
func (p *Profile) Observe(fv *features.Vector) {
	if p.Merchants == nil {
		p.Merchants = make(map[string]float64)
	}
	if p.Channels == nil {
		p.Channels = make(map[string]float64)
	}

	amount, _ := fv.Amount.Float64()
	p.Count++
	if p.Count > HistoryHorizon {
		p.decay((HistoryHorizon - 1.0) / HistoryHorizon)
	}
	delta := amount - p.AmountMean
	p.AmountMean += delta / p.Weight()
	p.AmountM2 += delta * (amount - p.AmountMean)

	if fv.Hour >= 0 && fv.Hour < 24 {
		p.Hours[fv.Hour]++
	}
	bump(p.Merchants, fv.Merchant)
	bump(p.Channels, fv.Channel)

	if fv.Timestamp.After(p.UpdatedAt) {
		p.UpdatedAt = fv.Timestamp
	}
}

// decay fades every accumulated weight by f.
func (p *Profile) decay(f float64) {
	p.AmountM2 *= f
	for h := range p.Hours {
		p.Hours[h] *= f
	}
	fade(p.Merchants, f)
	fade(p.Channels, f)
}

func fade(m map[string]float64, f float64) {
	for k, v := range m {
		if v *= f; v < minWeight {
			delete(m, k)
		} else {
			m[k] = v
		}
	}
}

// bump adds one to key. A full map drops its lightest entry first.
func bump(m map[string]float64, key string) {
	if key == "" {
		return
	}
	if _, ok := m[key]; !ok && len(m) >= maxTracked {
		lightest, lowest := "", math.Inf(1)
		for k, v := range m {
			if v < lowest || (v == lowest && k < lightest) {
				lightest, lowest = k, v
			}
		}
		delete(m, lightest)
	}
	m[key]++
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Merchants = make(map[string]float64, len(p.Merchants))
	for k, v := range p.Merchants {
		c.Merchants[k] = v
	}
	c.Channels = make(map[string]float64, len(p.Channels))
	for k, v := range p.Channels {
		c.Channels[k] = v
	}
	return &c
}
