package rules

import (
	"encoding/json"
	"time"

	"github.com/enterprise/fraud-engine/internal/models"
)

func threshold(v float64) *float64 { return &v }

// DefaultRules is the rule set used when no configuration source is
// reachable at startup. configs/rules.json ships the same definitions.
func DefaultRules() []models.Rule {
	return []models.Rule{
		{
			ID:          "VEL_CARD_TESTING",
			Name:        "Card Testing",
			Description: "Burst of micro transactions typical of stolen card validation",
			Type:        models.RuleTypeVelocity,
			Condition:   json.RawMessage(`{"type":"threshold","field":"amount","op":"<","value":5}`),
			Comparator:  ">=",
			Threshold:   threshold(10),
			Window:      models.Duration(time.Hour),
			Severity:    models.SeverityCritical,
			Action:      models.ActionDecline,
			Priority:    1,
			Active:      true,
		},
		{
			ID:          "AMT_EXTREME",
			Name:        "Extreme Amount",
			Description: "Amount far above any retail profile",
			Type:        models.RuleTypeAmount,
			Comparator:  ">",
			Threshold:   threshold(250000),
			Severity:    models.SeverityCritical,
			Action:      models.ActionBlock,
			Priority:    5,
			Active:      true,
		},
		{
			ID:          "AMT_HIGH_VALUE",
			Name:        "High Value Transaction",
			Description: "Transaction above the reporting threshold",
			Type:        models.RuleTypeAmount,
			Comparator:  ">",
			Threshold:   threshold(10000),
			Severity:    models.SeverityMedium,
			Action:      models.ActionAlert,
			Priority:    10,
			Active:      true,
		},
		{
			ID:          "LOC_HIGH_RISK_COUNTRY",
			Name:        "High Risk Country",
			Description: "Transaction in a sanctioned or high-risk jurisdiction",
			Type:        models.RuleTypeLocation,
			Condition:   json.RawMessage(`{"type":"threshold","field":"is_high_risk_country","op":"==","value":true}`),
			Severity:    models.SeverityHigh,
			Action:      models.ActionReview,
			Priority:    15,
			Active:      true,
		},
		{
			ID:          "PAT_STRUCTURING",
			Name:        "Structuring Pattern",
			Description: "Amount just below the reporting threshold",
			Type:        models.RuleTypePattern,
			Condition: json.RawMessage(`{"type":"all","conditions":[
				{"type":"threshold","field":"amount","op":">=","value":9000},
				{"type":"threshold","field":"amount","op":"<","value":10000}]}`),
			Severity: models.SeverityHigh,
			Action:   models.ActionAlert,
			Priority: 20,
			Active:   true,
		},
		{
			ID:          "VEL_BURST_10M",
			Name:        "Velocity Burst",
			Description: "Too many transactions in ten minutes",
			Type:        models.RuleTypeVelocity,
			Comparator:  ">",
			Threshold:   threshold(5),
			Window:      models.Duration(10 * time.Minute),
			Severity:    models.SeverityHigh,
			Action:      models.ActionReview,
			Priority:    30,
			Active:      true,
		},
		{
			ID:          "BEH_NEW_DEVICE_HIGH_VALUE",
			Name:        "New Device High Value",
			Description: "High value payment from an unrecognized device",
			Type:        models.RuleTypeBehavioral,
			Condition: json.RawMessage(`{"type":"all","conditions":[
				{"type":"threshold","field":"known_device","op":"==","value":false},
				{"type":"threshold","field":"amount","op":">","value":5000}]}`),
			Severity: models.SeverityHigh,
			Action:   models.ActionReview,
			Priority: 35,
			Active:   true,
		},
		{
			ID:          "LOC_IP_MISMATCH",
			Name:        "IP Country Mismatch",
			Description: "IP geolocation disagrees with the transaction country",
			Type:        models.RuleTypeLocation,
			Condition: json.RawMessage(`{"type":"all","conditions":[
				{"type":"threshold","field":"ip_country_mismatch","op":"==","value":true},
				{"type":"threshold","field":"amount","op":">","value":1000}]}`),
			Severity: models.SeverityMedium,
			Action:   models.ActionAlert,
			Priority: 40,
			Active:   true,
		},
		{
			ID:          "PAT_NIGHT_ROUND_AMOUNT",
			Name:        "Night Round Amount",
			Description: "Round amounts during night hours",
			Type:        models.RuleTypePattern,
			Condition:   json.RawMessage(`{"type":"expression","expr":"is_night && round_amount && amount >= 1000.0"}`),
			Severity:    models.SeverityLow,
			Action:      models.ActionAlert,
			Priority:    60,
			Active:      true,
		},
	}
}
