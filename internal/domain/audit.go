package domain

import (
	"time"
)

// AuditLogEntry is an append-only record of a consequential action.
// Entries are created exclusively by the audit recorder and are never
// updated or deleted.
type AuditLogEntry struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	Action    string         `json:"action"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Stable action tags. One entry is produced per significant action:
// exactly one per scoring decision and, when a case is auto-created,
// exactly one more for the case.
const (
	ActionTransactionCreate = "transaction.create"
	ActionTransactionDelete = "transaction.delete"
	ActionCaseAutoCreated   = "case.auto_created"
	ActionCaseCreate        = "case.create"
	ActionCaseUpdate        = "case.update"
	ActionModelTrained      = "model.trained"
	ActionEscalationGap     = "escalation.gap"
)
