package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/enterprise/fraud-engine/internal/models"
)

// AuditRepository stores decision audit records. Inserts are idempotent
// on the record id so redelivered messages are harmless.
type AuditRepository struct {
	db *Database
}

func NewAuditRepository(db *Database) *AuditRepository {
	return &AuditRepository{db: db}
}

const insertAudit = `
	INSERT INTO decision_audit (
		id, decision_id, transaction_id, entity_id, action, risk_score,
		severity, rule_ids, degraded, fail_closed, alert_id, latency_ms,
		request_id, rule_set_version, payload, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (id) DO NOTHING
`

func auditArgs(rec *models.AuditRecord) ([]interface{}, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit record: %w", err)
	}

	ruleIDs := make([]string, len(rec.Decision.RuleHits))
	for i, h := range rec.Decision.RuleHits {
		ruleIDs[i] = h.RuleID
	}

	return []interface{}{
		rec.ID,
		rec.Decision.ID,
		rec.Transaction.ID,
		rec.Transaction.EntityID,
		string(rec.Decision.Action),
		rec.Decision.RiskScore,
		string(rec.Decision.Severity),
		pq.Array(ruleIDs),
		rec.Degraded,
		rec.Decision.FailClosed,
		nullable(rec.AlertID),
		rec.LatencyMs,
		nullable(rec.RequestID),
		rec.Decision.RuleSetVersion,
		payload,
		rec.CreatedAt,
	}, nil
}

// SaveAudit inserts one record
func (r *AuditRepository) SaveAudit(ctx context.Context, rec *models.AuditRecord) error {
	args, err := auditArgs(rec)
	if err != nil {
		return err
	}
	if _, err := r.db.Pool.Exec(ctx, insertAudit, args...); err != nil {
		return fmt.Errorf("failed to insert audit record %s: %w", rec.ID, err)
	}
	return nil
}

// GetByTransactionID returns every record for a transaction, oldest first
func (r *AuditRepository) GetByTransactionID(ctx context.Context, transactionID string) ([]*models.AuditRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT payload FROM decision_audit
		WHERE transaction_id = $1
		ORDER BY created_at ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditPayloads(rows)
}

// GetRecentByEntity returns an entity's latest records; an empty entity
// id returns the latest records of all entities
func (r *AuditRepository) GetRecentByEntity(ctx context.Context, entityID string, limit int) ([]*models.AuditRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT payload FROM decision_audit
		WHERE ($1 = '' OR entity_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditPayloads(rows)
}

func scanAuditPayloads(rows pgx.Rows) ([]*models.AuditRecord, error) {
	var out []*models.AuditRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec models.AuditRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode audit payload: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
