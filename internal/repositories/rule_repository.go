package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/enterprise/fraud-engine/internal/models"
)

// RuleRepository reads and writes rule definitions. It is the Postgres
// rule configuration source.
type RuleRepository struct {
	db *Database
}

func NewRuleRepository(db *Database) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `
	id, name, description, rule_type, condition, comparator, threshold,
	window_seconds, severity, action, priority, active,
	false_positive_rate, true_positive_rate, version, updated_at`

// LoadRules returns every stored rule, active or not; the engine skips
// inactive ones.
func (r *RuleRepository) LoadRules(ctx context.Context) ([]models.Rule, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+ruleColumns+` FROM fraud_rules ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return out, nil
}

func scanRule(row pgx.Row) (models.Rule, error) {
	var (
		rule          models.Rule
		condition     []byte
		windowSeconds int64
	)
	if err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&rule.Type,
		&condition,
		&rule.Comparator,
		&rule.Threshold,
		&windowSeconds,
		&rule.Severity,
		&rule.Action,
		&rule.Priority,
		&rule.Active,
		&rule.FalsePositiveRate,
		&rule.TruePositiveRate,
		&rule.Version,
		&rule.UpdatedAt,
	); err != nil {
		return rule, fmt.Errorf("failed to scan rule: %w", err)
	}
	if len(condition) > 0 && string(condition) != "null" {
		rule.Condition = json.RawMessage(condition)
	}
	rule.Window = models.Duration(time.Duration(windowSeconds) * time.Second)
	return rule, nil
}

// Upsert stores a rule and bumps its version when it already exists
func (r *RuleRepository) Upsert(ctx context.Context, rule models.Rule) error {
	query := `
		INSERT INTO fraud_rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			rule_type = EXCLUDED.rule_type,
			condition = EXCLUDED.condition,
			comparator = EXCLUDED.comparator,
			threshold = EXCLUDED.threshold,
			window_seconds = EXCLUDED.window_seconds,
			severity = EXCLUDED.severity,
			action = EXCLUDED.action,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			false_positive_rate = EXCLUDED.false_positive_rate,
			true_positive_rate = EXCLUDED.true_positive_rate,
			version = fraud_rules.version + 1,
			updated_at = NOW()
	`

	_, err := r.db.Pool.Exec(ctx, query, ruleArgs(rule)...)
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", rule.ID, err)
	}
	return nil
}

func ruleArgs(rule models.Rule) []interface{} {
	var condition []byte
	if len(rule.Condition) > 0 {
		condition = rule.Condition
	}
	return []interface{}{
		rule.ID,
		rule.Name,
		rule.Description,
		string(rule.Type),
		condition,
		rule.Comparator,
		rule.Threshold,
		int64(rule.Window.Std() / time.Second),
		string(rule.Severity),
		string(rule.Action),
		rule.Priority,
		rule.Active,
		rule.FalsePositiveRate,
		rule.TruePositiveRate,
	}
}

// SeedIfEmpty inserts rules when the table has none, so a fresh database
// starts with the built-in set.
func (r *RuleRepository) SeedIfEmpty(ctx context.Context, rules []models.Rule) (int, error) {
	seeded := 0
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM fraud_rules`).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, rule := range rules {
			batch.Queue(`INSERT INTO fraud_rules (`+ruleColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, NOW())`,
				ruleArgs(rule)...)
		}
		br := tx.SendBatch(ctx, batch)
		for range rules {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return err
			}
		}
		seeded = len(rules)
		return br.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to seed rules: %w", err)
	}
	return seeded, nil
}
