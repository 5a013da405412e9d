package repository

// Schema definitions for Kestrel storage.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    tx_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT,
    country TEXT,
    device TEXT,
    channel TEXT,
    merchant TEXT,
    card_type TEXT,
    hour INTEGER NOT NULL DEFAULT 0,
    device_new INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    risk INTEGER NOT NULL DEFAULT 0,
    explanation TEXT,
    shap_top TEXT,
    PRIMARY KEY (tenant_id, tx_id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(tenant_id, user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_risk ON transactions(tenant_id, risk);
`

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    status TEXT NOT NULL,
    severity TEXT NOT NULL,
    assigned_to TEXT,
    decision TEXT,
    decision_reason TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_cases_tx ON cases(tenant_id, tx_id);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_cases_created ON cases(tenant_id, created_at);
`

// Audit entries are append-only. There is deliberately no UPDATE or
// DELETE path against this table.
const schemaAuditLogs = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    action TEXT NOT NULL,
    meta TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(tenant_id, action);
`

// One opaque model document per tenant, replaced atomically on retrain.
const schemaModelState = `
CREATE TABLE IF NOT EXISTS model_state (
    tenant_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    trained_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaScoreRules = `
CREATE TABLE IF NOT EXISTS score_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    points INTEGER NOT NULL DEFAULT 0,
    reason TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_score_rules_enabled ON score_rules(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaCases,
		schemaAuditLogs,
		schemaModelState,
		schemaScoreRules,
	}
}
