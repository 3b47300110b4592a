package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an immutable payment event submitted for a decision
type Transaction struct {
	ID               string          `json:"id"`
	EntityID         string          `json:"entity_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Timestamp        time.Time       `json:"timestamp"`
	Channel          string          `json:"channel"`
	Counterparty     string          `json:"counterparty,omitempty"`
	Merchant         string          `json:"merchant,omitempty"`
	MerchantCategory string          `json:"merchant_category,omitempty"`
	Country          string          `json:"country,omitempty"`
	DeviceID         string          `json:"device_id,omitempty"`
	IPAddress        string          `json:"ip_address,omitempty"`
}

// TransactionChannel enum values
const (
	ChannelOnline   = "online"
	ChannelPOS      = "pos"
	ChannelATM      = "atm"
	ChannelTransfer = "transfer"
)

// TransactionContext carries optional customer and device context. Nil
// pointers mean the value is unknown.
type TransactionContext struct {
	HomeCountry      string   `json:"home_country,omitempty"`
	AccountAgeDays   *int     `json:"account_age_days,omitempty"`
	KnownDevice      *bool    `json:"known_device,omitempty"`
	DeviceRisk       *float64 `json:"device_risk,omitempty"`
	RelatedEntityIDs []string `json:"related_entity_ids,omitempty"`
}

// TransactionEvent is the envelope carried on the ingress stream
type TransactionEvent struct {
	Transaction Transaction         `json:"transaction"`
	Context     *TransactionContext `json:"context,omitempty"`
	RequestID   string              `json:"request_id,omitempty"`
	RetryCount  int                 `json:"retry_count"`
	ReceivedAt  time.Time           `json:"received_at"`
}

// Severity of a rule hit or alert
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Action is the outcome applied to a transaction
type Action string

const (
	ActionAllow   Action = "ALLOW"
	ActionAlert   Action = "ALERT"
	ActionReview  Action = "REVIEW"
	ActionBlock   Action = "BLOCK"
	ActionDecline Action = "DECLINE"
)

// Rank orders actions from least to most severe; unknown values rank -1.
func (a Action) Rank() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionAlert:
		return 1
	case ActionReview:
		return 2
	case ActionBlock:
		return 3
	case ActionDecline:
		return 4
	default:
		return -1
	}
}

func (a Action) Valid() bool { return a.Rank() >= 0 }

// MaxAction returns the more severe of a and b.
func MaxAction(a, b Action) Action {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// RuleType enum values
type RuleType string

const (
	RuleTypeVelocity   RuleType = "VELOCITY"
	RuleTypeAmount     RuleType = "AMOUNT"
	RuleTypeLocation   RuleType = "LOCATION"
	RuleTypePattern    RuleType = "PATTERN"
	RuleTypeBehavioral RuleType = "BEHAVIORAL"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeVelocity, RuleTypeAmount, RuleTypeLocation, RuleTypePattern, RuleTypeBehavioral:
		return true
	}
	return false
}

// Rule is an administrator-managed rule definition as stored by the
// configuration source. Condition is compiled at load time.
type Rule struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Type              RuleType        `json:"type"`
	Condition         json.RawMessage `json:"condition,omitempty"`
	Comparator        string          `json:"comparator,omitempty"`
	Threshold         *float64        `json:"threshold,omitempty"`
	Window            Duration        `json:"window,omitempty"`
	Severity          Severity        `json:"severity"`
	Action            Action          `json:"action"`
	Priority          int             `json:"priority"`
	Active            bool            `json:"active"`
	FalsePositiveRate float64         `json:"false_positive_rate"`
	TruePositiveRate  float64         `json:"true_positive_rate"`
	Version           int             `json:"version"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// RuleHit is one matched rule
type RuleHit struct {
	RuleID   string   `json:"rule_id"`
	RuleName string   `json:"rule_name"`
	Type     RuleType `json:"type"`
	Severity Severity `json:"severity"`
	Action   Action   `json:"action"`
	Priority int      `json:"priority"`
	Observed float64  `json:"observed,omitempty"`
}

// ModelScore is one model's contribution to the ensemble
type ModelScore struct {
	Model       string  `json:"model"`
	Version     string  `json:"version,omitempty"`
	Probability float64 `json:"probability"`
	Weight      float64 `json:"weight"`
	Available   bool    `json:"available"`
	Error       string  `json:"error,omitempty"`
	LatencyMs   float64 `json:"latency_ms"`
}

// MLScore is the ensemble-combined probability with a per-model breakdown
type MLScore struct {
	Probability float64      `json:"probability"`
	Available   bool         `json:"available"`
	Models      []ModelScore `json:"models"`
}

// Signal names used for degradation reporting
const (
	SignalRules    = "rules"
	SignalModel    = "model"
	SignalBehavior = "behavior"
	SignalGraph    = "graph"
	SignalPolicy   = "policy"
)

// Decision is the immutable result of fusing all signals for a transaction
type Decision struct {
	ID             string    `json:"id"`
	TransactionID  string    `json:"transaction_id"`
	EntityID       string    `json:"entity_id"`
	RiskScore      float64   `json:"risk_score"`
	Action         Action    `json:"action"`
	ScoreAction    Action    `json:"score_action"`
	Severity       Severity  `json:"severity"`
	RuleHits       []RuleHit `json:"rule_hits"`
	WinningRule    *RuleHit  `json:"winning_rule,omitempty"`
	Overridden     bool      `json:"overridden"`
	ML             MLScore   `json:"ml"`
	Deviation      float64   `json:"deviation_score"`
	Network        float64   `json:"network_score"`
	Degraded       []string  `json:"degraded,omitempty"`
	FailClosed     bool      `json:"fail_closed"`
	Reason         string    `json:"reason,omitempty"`
	RuleSetVersion int64     `json:"rule_set_version"`
	DecidedAt      time.Time `json:"decided_at"`
}

// IsDegraded reports whether signal was unavailable for this decision.
func (d *Decision) IsDegraded(signal string) bool {
	for _, s := range d.Degraded {
		if s == signal {
			return true
		}
	}
	return false
}

// AlertStatus enum values
type AlertStatus string

const (
	AlertStatusOpen          AlertStatus = "OPEN"
	AlertStatusInvestigating AlertStatus = "INVESTIGATING"
	AlertStatusConfirmed     AlertStatus = "CONFIRMED"
	AlertStatusFalsePositive AlertStatus = "FALSE_POSITIVE"
	AlertStatusClosed        AlertStatus = "CLOSED"
)

// IsOpen reports whether new hits may still merge into the alert.
func (s AlertStatus) IsOpen() bool {
	return s == AlertStatusOpen || s == AlertStatusInvestigating
}

// AlertType enum values
type AlertType string

const (
	AlertTypeRuleHit       AlertType = "RULE_HIT"
	AlertTypeRiskScore     AlertType = "RISK_SCORE"
	AlertTypePendingReview AlertType = "PENDING_REVIEW"
)

// Alert is a deduplicated case for investigators
type Alert struct {
	ID             string      `json:"id"`
	Type           AlertType   `json:"type"`
	EntityID       string      `json:"entity_id"`
	TransactionIDs []string    `json:"transaction_ids"`
	RuleID         string      `json:"rule_id,omitempty"`
	DecisionID     string      `json:"decision_id"`
	RiskScore      float64     `json:"risk_score"`
	Severity       Severity    `json:"severity"`
	Action         Action      `json:"action"`
	Status         AlertStatus `json:"status"`
	Assignee       string      `json:"assignee,omitempty"`
	Resolution     string      `json:"resolution,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	FalsePositive  bool        `json:"false_positive"`
	Occurrences    int         `json:"occurrences"`
	Version        int64       `json:"version"`
	DedupKey       string      `json:"dedup_key"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
}

// Clone returns a deep copy safe to hand outside the alert manager.
func (a *Alert) Clone() *Alert {
	c := *a
	c.TransactionIDs = append([]string(nil), a.TransactionIDs...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// AlertEvent is published for every alert create or update
type AlertEvent struct {
	EventType string    `json:"event_type"` // created, merged, transitioned
	Alert     *Alert    `json:"alert"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditRecord is the immutable compliance record of one decision
type AuditRecord struct {
	ID          string              `json:"id"`
	Decision    Decision            `json:"decision"`
	Transaction Transaction         `json:"transaction"`
	Context     *TransactionContext `json:"context,omitempty"`
	AlertID     string              `json:"alert_id,omitempty"`
	Degraded    bool                `json:"degraded"`
	LatencyMs   float64             `json:"latency_ms"`
	RequestID   string              `json:"request_id,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Duration marshals as a Go duration string ("10m") and also accepts
// integer seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	if d == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		if v == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}
