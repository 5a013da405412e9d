// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// defaultListLimit bounds list queries when the caller passes no limit.
const defaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const transactionColumns = `tx_id, tenant_id, user_id, amount, currency, country,
	   device, channel, merchant, card_type, hour, device_new,
	   timestamp, created_at, risk, explanation, shap_top`

// SaveTransaction stores a transaction with tenant isolation. Inserting
// an existing tx_id returns ErrDuplicate; risk fields are written once
// at creation and never updated.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	shapTop, _ := json.Marshal(tx.ShapTop)

	deviceNew := 0
	if tx.DeviceNew {
		deviceNew = 1
	}

	query := `
		INSERT INTO transactions (
			tx_id, tenant_id, user_id, amount, currency, country,
			device, channel, merchant, card_type, hour, device_new,
			timestamp, created_at, risk, explanation, shap_top
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, tx_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.TxID, tenantID, tx.User,
		tx.Amount, tx.Currency, tx.Country,
		tx.Device, tx.Channel, tx.Merchant, tx.CardType,
		tx.Hour, deviceNew,
		tx.Timestamp, tx.CreatedAt,
		tx.Risk, tx.Explanation, string(shapTop),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrDuplicate
	}
	return nil
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = ? AND tx_id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return tx, err
}

// ListTransactions retrieves the most recent transactions for a tenant.
func (r *SQLRepository) ListTransactions(ctx context.Context, tenantID string, limit int) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// GetTransactionsByUser retrieves a user's transactions since a point in
// time, newest first.
func (r *SQLRepository) GetTransactionsByUser(ctx context.Context, tenantID string, user string, since time.Time) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = ? AND user_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, user, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// DeleteTransaction removes a transaction with tenant isolation.
func (r *SQLRepository) DeleteTransaction(ctx context.Context, tenantID string, txID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `DELETE FROM transactions WHERE tenant_id = ? AND tx_id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, txID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SaveCase stores a case with tenant isolation.
func (r *SQLRepository) SaveCase(ctx context.Context, tenantID string, c *domain.Case) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO cases (
			id, tenant_id, tx_id, status, severity,
			assigned_to, decision, decision_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.TxID, c.Status, c.Severity,
		c.AssignedTo, c.Decision, c.DecisionReason,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrDuplicate
	}
	return nil
}

// GetCase retrieves a case by ID with tenant isolation.
func (r *SQLRepository) GetCase(ctx context.Context, tenantID string, caseID string) (*domain.Case, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tx_id, status, severity,
			   assigned_to, decision, decision_reason, created_at, updated_at
		FROM cases
		WHERE tenant_id = ? AND id = ?
	`

	var c domain.Case
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, caseID).Scan(
		&c.ID, &c.TenantID, &c.TxID, &c.Status, &c.Severity,
		&c.AssignedTo, &c.Decision, &c.DecisionReason,
		&c.CreatedAt, &c.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCases retrieves the most recent cases for a tenant.
func (r *SQLRepository) ListCases(ctx context.Context, tenantID string, limit int) ([]*domain.Case, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, tenant_id, tx_id, status, severity,
			   assigned_to, decision, decision_reason, created_at, updated_at
		FROM cases
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		var c domain.Case
		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.TxID, &c.Status, &c.Severity,
			&c.AssignedTo, &c.Decision, &c.DecisionReason,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		cases = append(cases, &c)
	}

	return cases, rows.Err()
}

// UpdateCase applies analyst edits to a case and returns the updated
// record. Nil fields in the update are left untouched.
func (r *SQLRepository) UpdateCase(ctx context.Context, tenantID string, caseID string, update *domain.CaseUpdate) (*domain.Case, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	c, err := r.GetCase(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}

	if update.Status != nil {
		c.Status = *update.Status
	}
	if update.Severity != nil {
		c.Severity = *update.Severity
	}
	if update.AssignedTo != nil {
		c.AssignedTo = *update.AssignedTo
	}
	if update.Decision != nil {
		c.Decision = *update.Decision
	}
	if update.DecisionReason != nil {
		c.DecisionReason = *update.DecisionReason
	}
	c.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE cases
		SET status = ?, severity = ?, assigned_to = ?,
			decision = ?, decision_reason = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		c.Status, c.Severity, c.AssignedTo,
		c.Decision, c.DecisionReason, c.UpdatedAt,
		tenantID, caseID,
	)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

// AppendAudit inserts one audit entry. There is no update or delete.
func (r *SQLRepository) AppendAudit(ctx context.Context, tenantID string, entry *domain.AuditLogEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	meta, _ := json.Marshal(entry.Meta)

	query := `
		INSERT INTO audit_logs (id, tenant_id, action, meta, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, tenantID, entry.Action, string(meta), entry.CreatedAt,
	)
	return err
}

// ListAudit retrieves the most recent audit entries for a tenant.
func (r *SQLRepository) ListAudit(ctx context.Context, tenantID string, limit int) ([]*domain.AuditLogEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, tenant_id, action, meta, created_at
		FROM audit_logs
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var meta string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Action, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if meta != "" && meta != "null" {
			json.Unmarshal([]byte(meta), &e.Meta)
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// SaveModelState replaces the tenant's model document in one statement.
func (r *SQLRepository) SaveModelState(ctx context.Context, tenantID string, state []byte, trainedAt time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO model_state (tenant_id, state, trained_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			state = excluded.state,
			trained_at = excluded.trained_at,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, string(state), trainedAt.UTC(), now,
	)
	return err
}

// LoadModelState returns the tenant's model document, or ErrNotFound
// when the tenant has never trained.
func (r *SQLRepository) LoadModelState(ctx context.Context, tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `SELECT state FROM model_state WHERE tenant_id = ?`

	var state string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(state), nil
}

// SaveScoreRule upserts an add-on score rule with tenant isolation.
func (r *SQLRepository) SaveScoreRule(ctx context.Context, tenantID string, rule *domain.ScoreRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO score_rules (
			id, tenant_id, name, description, version, expression,
			points, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			points = excluded.points,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, rule.Points, rule.Reason,
		enabled, now, now,
	)
	return err
}

// ListScoreRules retrieves all enabled score rules for a tenant.
func (r *SQLRepository) ListScoreRules(ctx context.Context, tenantID string) ([]*domain.ScoreRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression,
			   points, reason, enabled
		FROM score_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ScoreRule
	for rows.Next() {
		var rule domain.ScoreRule
		var enabled int
		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Name, &rule.Description,
			&rule.Version, &rule.Expression, &rule.Points, &rule.Reason,
			&enabled,
		); err != nil {
			return nil, err
		}
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// ListEscalationGaps returns transactions at or above the escalation
// threshold that have no case, newest first.
func (r *SQLRepository) ListEscalationGaps(ctx context.Context, tenantID string, limit int) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT t.tx_id, t.tenant_id, t.user_id, t.amount, t.currency, t.country,
			   t.device, t.channel, t.merchant, t.card_type, t.hour, t.device_new,
			   t.timestamp, t.created_at, t.risk, t.explanation, t.shap_top
		FROM transactions t
		LEFT JOIN cases c ON c.tenant_id = t.tenant_id AND c.tx_id = t.tx_id
		WHERE t.tenant_id = ? AND t.risk >= ? AND c.id IS NULL
		ORDER BY t.created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, domain.EscalationThreshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var deviceNew int
	var shapTop string

	err := s.Scan(
		&tx.TxID, &tx.TenantID, &tx.User,
		&tx.Amount, &tx.Currency, &tx.Country,
		&tx.Device, &tx.Channel, &tx.Merchant, &tx.CardType,
		&tx.Hour, &deviceNew,
		&tx.Timestamp, &tx.CreatedAt,
		&tx.Risk, &tx.Explanation, &shapTop,
	)
	if err != nil {
		return nil, err
	}

	tx.DeviceNew = deviceNew == 1
	if shapTop != "" && shapTop != "null" {
		json.Unmarshal([]byte(shapTop), &tx.ShapTop)
	}
	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]*domain.Transaction, error) {
	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
