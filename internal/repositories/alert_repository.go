package repositories

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/enterprise/fraud-engine/internal/models"
)

// AlertRepository keeps the latest known state of each alert
type AlertRepository struct {
	db *Database
}

func NewAlertRepository(db *Database) *AlertRepository {
	return &AlertRepository{db: db}
}

// UpsertAlert writes a, unless a newer version is already stored. Events
// may arrive out of order, so the version guard keeps the row monotonic.
func (r *AlertRepository) UpsertAlert(ctx context.Context, a *models.Alert) error {
	query := `
		INSERT INTO fraud_alerts (
			id, alert_type, entity_id, transaction_ids, rule_id, decision_id,
			risk_score, severity, action, status, assignee, resolution, notes,
			false_positive, occurrences, version, dedup_key,
			created_at, updated_at, resolved_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO UPDATE SET
			transaction_ids = EXCLUDED.transaction_ids,
			decision_id = EXCLUDED.decision_id,
			risk_score = EXCLUDED.risk_score,
			severity = EXCLUDED.severity,
			action = EXCLUDED.action,
			status = EXCLUDED.status,
			assignee = EXCLUDED.assignee,
			resolution = EXCLUDED.resolution,
			notes = EXCLUDED.notes,
			false_positive = EXCLUDED.false_positive,
			occurrences = EXCLUDED.occurrences,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at,
			resolved_at = EXCLUDED.resolved_at,
			closed_at = EXCLUDED.closed_at
		WHERE fraud_alerts.version < EXCLUDED.version
	`

	_, err := r.db.Pool.Exec(ctx, query,
		a.ID,
		string(a.Type),
		a.EntityID,
		pq.Array(a.TransactionIDs),
		nullable(a.RuleID),
		a.DecisionID,
		a.RiskScore,
		string(a.Severity),
		string(a.Action),
		string(a.Status),
		nullable(a.Assignee),
		nullable(a.Resolution),
		nullable(a.Notes),
		a.FalsePositive,
		a.Occurrences,
		a.Version,
		a.DedupKey,
		a.CreatedAt,
		a.UpdatedAt,
		a.ResolvedAt,
		a.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert alert %s: %w", a.ID, err)
	}
	return nil
}
