// Package alerts turns decisions into deduplicated investigator cases and
// enforces the case lifecycle.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/models"
)

var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrVersionConflict   = errors.New("alert version conflict")
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// Alert event types
const (
	EventCreated      = "created"
	EventMerged       = "merged"
	EventTransitioned = "transitioned"
)

const shardCount = 64

type shard struct {
	mu     sync.Mutex
	alerts map[string]*models.Alert
	dedup  map[string]string // dedup key -> open alert id
}

// Manager owns every alert. Mutations for one entity serialize on its
// shard lock, which makes dedup lookup and insert a single atomic step.
type Manager struct {
	window  time.Duration
	sink    Sink
	metrics *metrics.Metrics
	now     func() time.Time

	shards [shardCount]*shard
	index  sync.Map // alert id -> *shard
}

type Option func(*Manager)

func WithSink(s Sink) Option {
	return func(m *Manager) { m.sink = s }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager whose dedup buckets are window wide.
func NewManager(window time.Duration, opts ...Option) *Manager {
	if window <= 0 {
		window = time.Hour
	}
	// Buckets are counted in milliseconds.
	if window < time.Millisecond {
		window = time.Millisecond
	}
	m := &Manager{
		window: window,
		sink:   LogSink{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			alerts: make(map[string]*models.Alert),
			dedup:  make(map[string]string),
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) shardFor(entityID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return m.shards[h.Sum32()%shardCount]
}

// Handle is the result of submitting a decision
type Handle struct {
	Alert   *models.Alert
	Created bool
}

// DedupKey identifies the open alert a decision merges into.
func (m *Manager) DedupKey(entityID, ruleKey string, ts time.Time) string {
	bucket := ts.UnixMilli() / m.window.Milliseconds()
	return fmt.Sprintf("%s|%s|%d", entityID, ruleKey, bucket)
}

func classify(d *models.Decision) (models.AlertType, string) {
	switch {
	case d.FailClosed:
		return models.AlertTypePendingReview, string(models.AlertTypePendingReview)
	case d.WinningRule != nil:
		return models.AlertTypeRuleHit, d.WinningRule.RuleID
	default:
		return models.AlertTypeRiskScore, string(models.AlertTypeRiskScore)
	}
}

// Submit creates or merges the alert for a decision. ALLOW decisions
// produce no alert and a nil handle.
func (m *Manager) Submit(ctx context.Context, d *models.Decision, tx *models.Transaction) (*Handle, error) {
	if d == nil || tx == nil {
		return nil, fmt.Errorf("submit requires a decision and a transaction")
	}
	if d.Action == models.ActionAllow && !d.FailClosed {
		return nil, nil
	}

	alertType, ruleKey := classify(d)
	ts := tx.Timestamp
	if ts.IsZero() {
		ts = d.DecidedAt
	}
	key := m.DedupKey(tx.EntityID, ruleKey, ts)
	now := m.now()

	s := m.shardFor(tx.EntityID)
	s.mu.Lock()

	if id, ok := s.dedup[key]; ok {
		if a, ok := s.alerts[id]; ok && a.Status.IsOpen() {
			a.Occurrences++
			if d.RiskScore > a.RiskScore {
				a.RiskScore = d.RiskScore
			}
			a.Severity = models.MaxSeverity(a.Severity, d.Severity)
			a.Action = models.MaxAction(a.Action, d.Action)
			if !contains(a.TransactionIDs, tx.ID) {
				a.TransactionIDs = append(a.TransactionIDs, tx.ID)
			}
			a.DecisionID = d.ID
			a.Version++
			a.UpdatedAt = now
			out := a.Clone()
			s.mu.Unlock()

			m.metrics.Alert(EventMerged)
			m.publish(ctx, EventMerged, out)
			return &Handle{Alert: out}, nil
		}
		delete(s.dedup, key)
	}

	a := &models.Alert{
		ID:             uuid.New().String(),
		Type:           alertType,
		EntityID:       tx.EntityID,
		TransactionIDs: []string{tx.ID},
		DecisionID:     d.ID,
		RiskScore:      d.RiskScore,
		Severity:       d.Severity,
		Action:         d.Action,
		Status:         models.AlertStatusOpen,
		Occurrences:    1,
		Version:        1,
		DedupKey:       key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if alertType == models.AlertTypeRuleHit {
		a.RuleID = ruleKey
	}
	if !a.Severity.Valid() {
		a.Severity = models.SeverityLow
	}
	s.alerts[a.ID] = a
	s.dedup[key] = a.ID
	m.index.Store(a.ID, s)
	out := a.Clone()
	s.mu.Unlock()

	m.metrics.Alert(EventCreated)
	m.publish(ctx, EventCreated, out)

	log.Info().
		Str("alert_id", out.ID).
		Str("entity_id", out.EntityID).
		Str("type", string(out.Type)).
		Str("severity", string(out.Severity)).
		Float64("risk_score", out.RiskScore).
		Msg("Alert created")

	return &Handle{Alert: out, Created: true}, nil
}

// Get returns a copy of the alert.
func (m *Manager) Get(ctx context.Context, id string) (*models.Alert, error) {
	v, ok := m.index.Load(id)
	if !ok {
		return nil, ErrAlertNotFound
	}
	s := v.(*shard)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return a.Clone(), nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status   models.AlertStatus
	EntityID string
	Limit    int
	Offset   int
}

// List returns matching alerts, newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]*models.Alert, int) {
	var out []*models.Alert
	for _, s := range m.shards {
		s.mu.Lock()
		for _, a := range s.alerts {
			if f.Status != "" && a.Status != f.Status {
				continue
			}
			if f.EntityID != "" && a.EntityID != f.EntityID {
				continue
			}
			out = append(out, a.Clone())
		}
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, total
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total
}

// Assign moves an OPEN alert to INVESTIGATING, or reassigns one already
// under investigation.
func (m *Manager) Assign(ctx context.Context, id, assignee string, version int64) (*models.Alert, error) {
	if assignee == "" {
		return nil, fmt.Errorf("%w: assignee is required", ErrInvalidTransition)
	}
	return m.transition(ctx, id, version, func(a *models.Alert, now time.Time) error {
		if !a.Status.IsOpen() {
			return fmt.Errorf("%w: cannot assign alert in status %s", ErrInvalidTransition, a.Status)
		}
		a.Status = models.AlertStatusInvestigating
		a.Assignee = assignee
		return nil
	})
}

// Resolve records the investigation outcome. Only INVESTIGATING alerts
// can be resolved.
func (m *Manager) Resolve(ctx context.Context, id string, confirmed bool, resolution, notes string, version int64) (*models.Alert, error) {
	return m.transition(ctx, id, version, func(a *models.Alert, now time.Time) error {
		if a.Status != models.AlertStatusInvestigating {
			return fmt.Errorf("%w: cannot resolve alert in status %s", ErrInvalidTransition, a.Status)
		}
		if confirmed {
			a.Status = models.AlertStatusConfirmed
		} else {
			a.Status = models.AlertStatusFalsePositive
			a.FalsePositive = true
		}
		a.Resolution = resolution
		if notes != "" {
			a.Notes = notes
		}
		a.ResolvedAt = &now
		return nil
	})
}

// Close finalizes a resolved alert.
func (m *Manager) Close(ctx context.Context, id string, version int64) (*models.Alert, error) {
	return m.transition(ctx, id, version, func(a *models.Alert, now time.Time) error {
		if a.Status != models.AlertStatusConfirmed && a.Status != models.AlertStatusFalsePositive {
			return fmt.Errorf("%w: alert must be resolved before closing, status is %s", ErrInvalidTransition, a.Status)
		}
		a.Status = models.AlertStatusClosed
		a.ClosedAt = &now
		return nil
	})
}

func (m *Manager) transition(ctx context.Context, id string, version int64, apply func(*models.Alert, time.Time) error) (*models.Alert, error) {
	v, ok := m.index.Load(id)
	if !ok {
		return nil, ErrAlertNotFound
	}
	s := v.(*shard)
	now := m.now()

	s.mu.Lock()
	a, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrAlertNotFound
	}
	if a.Version != version {
		current := a.Version
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: expected version %d, current %d", ErrVersionConflict, version, current)
	}

	updated := a.Clone()
	if err := apply(updated, now); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	updated.Version++
	updated.UpdatedAt = now
	s.alerts[id] = updated

	if !updated.Status.IsOpen() && s.dedup[updated.DedupKey] == id {
		delete(s.dedup, updated.DedupKey)
	}
	out := updated.Clone()
	s.mu.Unlock()

	m.publish(ctx, EventTransitioned, out)

	log.Info().
		Str("alert_id", id).
		Str("status", string(out.Status)).
		Int64("version", out.Version).
		Msg("Alert status changed")

	return out, nil
}

// Prune drops closed alerts last updated before cutoff.
func (m *Manager) Prune(cutoff time.Time) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for id, a := range s.alerts {
			if a.Status == models.AlertStatusClosed && a.UpdatedAt.Before(cutoff) {
				delete(s.alerts, id)
				m.index.Delete(id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (m *Manager) publish(ctx context.Context, eventType string, a *models.Alert) {
	if m.sink == nil {
		return
	}
	event := models.AlertEvent{EventType: eventType, Alert: a, Timestamp: m.now()}
	if err := m.sink.Publish(ctx, event); err != nil {
		log.Error().Err(err).Str("alert_id", a.ID).Str("event_type", eventType).Msg("Failed to publish alert event")
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
