// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence. Each method is
// a durable, atomic single-entity write; the core does not assume
// transactions spanning multiple entities (a crash between a
// transaction write and its auto-created case is possible and is
// detected by reconciliation, not hidden).
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	ListTransactions(ctx context.Context, tenantID string, limit int) ([]*Transaction, error)
	GetTransactionsByUser(ctx context.Context, tenantID string, user string, since time.Time) ([]*Transaction, error)
	DeleteTransaction(ctx context.Context, tenantID string, txID string) error

	// Case operations
	SaveCase(ctx context.Context, tenantID string, c *Case) error
	GetCase(ctx context.Context, tenantID string, caseID string) (*Case, error)
	ListCases(ctx context.Context, tenantID string, limit int) ([]*Case, error)
	UpdateCase(ctx context.Context, tenantID string, caseID string, update *CaseUpdate) (*Case, error)

	// Audit log is append-only: insert and list, nothing else.
	AppendAudit(ctx context.Context, tenantID string, entry *AuditLogEntry) error
	ListAudit(ctx context.Context, tenantID string, limit int) ([]*AuditLogEntry, error)

	// Model state is one opaque document per tenant, written as a single
	// atomic unit. LoadModelState returns ErrNotFound when no state has
	// ever been saved.
	SaveModelState(ctx context.Context, tenantID string, state []byte, trainedAt time.Time) error
	LoadModelState(ctx context.Context, tenantID string) ([]byte, error)

	// Add-on score rule configuration
	SaveScoreRule(ctx context.Context, tenantID string, rule *ScoreRule) error
	ListScoreRules(ctx context.Context, tenantID string) ([]*ScoreRule, error)

	// ListEscalationGaps returns transactions whose risk is at or above
	// the escalation threshold but that have no associated case. Used by
	// reconciliation to detect partial escalation failures.
	ListEscalationGaps(ctx context.Context, tenantID string, limit int) ([]*Transaction, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
