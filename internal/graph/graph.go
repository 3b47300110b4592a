// Package graph reads precomputed network signals for an entity and its
// neighbours and folds them into a single network risk score.
package graph

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Node is the precomputed graph signal for one entity, device or address
type Node struct {
	ID             string    `json:"id"`
	Centrality     float64   `json:"centrality"`
	PropagatedRisk float64   `json:"propagated_risk"`
	Flagged        bool      `json:"flagged"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Risk is the node's own contribution in [0, 1]. Flagged nodes are
// maximal; central nodes amplify propagated risk.
func (n Node) Risk() float64 {
	if n.Flagged {
		return 1
	}
	return clamp01(n.PropagatedRisk * (1 + 0.2*clamp01(n.Centrality)))
}

// Store reads nodes by id. Missing ids are simply absent from the result.
type Store interface {
	Nodes(ctx context.Context, ids []string) (map[string]Node, error)
}

const (
	defaultDecay      = 0.5
	defaultMaxRelated = 32
)

// Module computes network risk
type Module struct {
	store      Store
	decay      float64
	maxRelated int
}

type Option func(*Module)

// WithDecay sets how much a neighbour's risk is discounted, in (0, 1].
func WithDecay(d float64) Option {
	return func(m *Module) {
		if d > 0 && d <= 1 {
			m.decay = d
		}
	}
}

// WithMaxRelated bounds how many neighbours are read per transaction.
func WithMaxRelated(n int) Option {
	return func(m *Module) {
		if n > 0 {
			m.maxRelated = n
		}
	}
}

func NewModule(store Store, opts ...Option) *Module {
	m := &Module{store: store, decay: defaultDecay, maxRelated: defaultMaxRelated}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NetworkRisk combines the entity's own risk with its decayed neighbours
// as a noisy-or, so the result stays in [0, 1]. Unknown nodes contribute 0.
func (m *Module) NetworkRisk(ctx context.Context, entityID string, related []string) (float64, error) {
	if len(related) > m.maxRelated {
		related = related[:m.maxRelated]
	}
	ids := make([]string, 0, len(related)+1)
	ids = append(ids, entityID)
	ids = append(ids, related...)

	nodes, err := m.store.Nodes(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to read graph nodes: %w", err)
	}

	safe := 1.0
	if n, ok := nodes[entityID]; ok {
		safe *= 1 - n.Risk()
	}
	for _, id := range related {
		if id == entityID {
			continue
		}
		if n, ok := nodes[id]; ok {
			safe *= 1 - m.decay*n.Risk()
		}
	}
	return clamp01(1 - safe), nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
