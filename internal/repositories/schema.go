package repositories

// Schema is idempotent DDL for the rule, audit and alert tables.
const Schema = `
CREATE TABLE IF NOT EXISTS fraud_rules (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	rule_type           TEXT NOT NULL,
	condition           JSONB,
	comparator          TEXT NOT NULL DEFAULT '',
	threshold           DOUBLE PRECISION,
	window_seconds      BIGINT NOT NULL DEFAULT 0,
	severity            TEXT NOT NULL,
	action              TEXT NOT NULL,
	priority            INTEGER NOT NULL DEFAULT 100,
	active              BOOLEAN NOT NULL DEFAULT TRUE,
	false_positive_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	true_positive_rate  DOUBLE PRECISION NOT NULL DEFAULT 0,
	version             INTEGER NOT NULL DEFAULT 1,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS decision_audit (
	id               TEXT PRIMARY KEY,
	decision_id      TEXT NOT NULL,
	transaction_id   TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	action           TEXT NOT NULL,
	risk_score       DOUBLE PRECISION NOT NULL,
	severity         TEXT NOT NULL,
	rule_ids         TEXT[] NOT NULL DEFAULT '{}',
	degraded         BOOLEAN NOT NULL DEFAULT FALSE,
	fail_closed      BOOLEAN NOT NULL DEFAULT FALSE,
	alert_id         TEXT,
	latency_ms       DOUBLE PRECISION NOT NULL DEFAULT 0,
	request_id       TEXT,
	rule_set_version BIGINT NOT NULL DEFAULT 0,
	payload          JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decision_audit_transaction ON decision_audit (transaction_id);
CREATE INDEX IF NOT EXISTS idx_decision_audit_entity ON decision_audit (entity_id, created_at DESC);

CREATE TABLE IF NOT EXISTS fraud_alerts (
	id              TEXT PRIMARY KEY,
	alert_type      TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	transaction_ids TEXT[] NOT NULL DEFAULT '{}',
	rule_id         TEXT,
	decision_id     TEXT NOT NULL,
	risk_score      DOUBLE PRECISION NOT NULL,
	severity        TEXT NOT NULL,
	action          TEXT NOT NULL,
	status          TEXT NOT NULL,
	assignee        TEXT,
	resolution      TEXT,
	notes           TEXT,
	false_positive  BOOLEAN NOT NULL DEFAULT FALSE,
	occurrences     INTEGER NOT NULL DEFAULT 1,
	version         BIGINT NOT NULL,
	dedup_key       TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	resolved_at     TIMESTAMPTZ,
	closed_at       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_fraud_alerts_status ON fraud_alerts (status, created_at DESC);
`
