// Package scoring runs the ML ensemble that turns a feature vector into a
// fraud probability.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/features"
)

var ErrNoModels = errors.New("no models configured")

// Model is the capability every scorer exposes to the ensemble.
// Implementations must honour ctx cancellation and return a probability
// in [0, 1].
type Model interface {
	Name() string
	Version() string
	Score(ctx context.Context, fv *features.Vector) (float64, error)
}

// Model kinds accepted in configuration
const (
	KindHeuristic = "heuristic"
	KindAnomaly   = "anomaly"
	KindHTTP      = "http"
)

// Calibration maps a raw score through Platt scaling:
// p = 1 / (1 + exp(A*s + B)).
type Calibration struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func (c *Calibration) apply(p float64) float64 {
	if c == nil {
		return p
	}
	return 1 / (1 + math.Exp(c.A*p+c.B))
}

// ModelSpec is one entry of the model configuration file
type ModelSpec struct {
	Name         string             `json:"name"`
	Kind         string             `json:"kind"`
	Version      string             `json:"version,omitempty"`
	Weight       float64            `json:"weight"`
	Endpoint     string             `json:"endpoint,omitempty"`
	Timeout      string             `json:"timeout,omitempty"`
	Coefficients map[string]float64 `json:"coefficients,omitempty"`
	Bias         *float64           `json:"bias,omitempty"`
	Calibration  *Calibration       `json:"calibration,omitempty"`
}

// DefaultModelSpecs is the local ensemble used when no model file is set.
func DefaultModelSpecs() []ModelSpec {
	return []ModelSpec{
		{Name: "heuristic", Kind: KindHeuristic, Version: "1.0", Weight: 0.6},
		{Name: "anomaly", Kind: KindAnomaly, Version: "1.0", Weight: 0.4},
	}
}

// LoadModelSpecs reads a JSON array of model specs.
func LoadModelSpecs(path string) ([]ModelSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	var specs []ModelSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	return specs, nil
}

// BuildModel instantiates the model described by spec.
func BuildModel(spec ModelSpec) (Model, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("model spec missing name")
	}
	switch strings.ToLower(spec.Kind) {
	case KindHeuristic:
		return NewHeuristicModel(spec.Name, spec.Version, spec.Coefficients, spec.Bias)
	case KindAnomaly:
		return NewAnomalyModel(spec.Name, spec.Version), nil
	case KindHTTP:
		var timeout time.Duration
		if spec.Timeout != "" {
			d, err := time.ParseDuration(spec.Timeout)
			if err != nil {
				return nil, fmt.Errorf("model %s: invalid timeout: %w", spec.Name, err)
			}
			timeout = d
		}
		return NewHTTPModel(spec.Name, spec.Version, spec.Endpoint, timeout)
	default:
		return nil, fmt.Errorf("model %s: unknown kind %q", spec.Name, spec.Kind)
	}
}

// buildMembers skips specs that cannot be built, logging each one.
func buildMembers(specs []ModelSpec) []ModelSpec {
	valid := make([]ModelSpec, 0, len(specs))
	for _, spec := range specs {
		if spec.Weight <= 0 || math.IsNaN(spec.Weight) || math.IsInf(spec.Weight, 0) {
			log.Error().Str("model", spec.Name).Float64("weight", spec.Weight).Msg("Model weight must be positive, skipping")
			continue
		}
		valid = append(valid, spec)
	}
	return valid
}
