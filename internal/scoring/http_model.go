package scoring

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/enterprise/fraud-engine/internal/features"
)

type scoreRequest struct {
	Features map[string]float64 `json:"features"`
	EntityID string             `json:"entity_id,omitempty"`
}

type scoreResponse struct {
	Probability  *float64 `json:"probability"`
	ModelVersion string   `json:"model_version"`
}

// HTTPModel calls a model-serving endpoint
type HTTPModel struct {
	name     string
	version  string
	endpoint string
	client   *resty.Client

	// served is the version reported by the endpoint, if any
	served atomic.Value
}

// NewHTTPModel creates an adapter for endpoint. The ensemble enforces its
// own per-call deadline; timeout only bounds the transport.
func NewHTTPModel(name, version, endpoint string, timeout time.Duration) (*HTTPModel, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("model %s: endpoint is required", name)
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0)

	return &HTTPModel{name: name, version: version, endpoint: endpoint, client: client}, nil
}

func (m *HTTPModel) Name() string { return m.name }

func (m *HTTPModel) Version() string {
	if v, ok := m.served.Load().(string); ok && v != "" {
		return v
	}
	return m.version
}

func (m *HTTPModel) Score(ctx context.Context, fv *features.Vector) (float64, error) {
	var out scoreResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(scoreRequest{Features: fv.Numeric(), EntityID: fv.EntityID}).
		SetResult(&out).
		Post(m.endpoint)
	if err != nil {
		return 0, fmt.Errorf("model %s: request failed: %w", m.name, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("model %s: endpoint returned %d", m.name, resp.StatusCode())
	}
	if out.Probability == nil {
		return 0, fmt.Errorf("model %s: response missing probability", m.name)
	}
	if out.ModelVersion != "" {
		m.served.Store(out.ModelVersion)
	}
	return *out.Probability, nil
}
