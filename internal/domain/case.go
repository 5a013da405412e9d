package domain

import (
	"time"
)

// Case is a human investigation opened against exactly one transaction.
// The escalation pipeline creates cases with status NEW; lifecycle
// continuation (assignment, resolution) belongs to analyst workflows.
type Case struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	TxID     string `json:"txId"`

	Status   string `json:"status"`
	Severity string `json:"severity"`

	AssignedTo     string `json:"assignedTo,omitempty"`
	Decision       string `json:"decision,omitempty"` // APPROVE / REJECT
	DecisionReason string `json:"decisionReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Case status values.
const (
	CaseStatusNew        = "NEW"
	CaseStatusInProgress = "IN_PROGRESS"
	CaseStatusResolved   = "RESOLVED"
	CaseStatusClosed     = "CLOSED"
)

// Case severity tiers. Severity is fixed at creation by the escalation
// policy; analysts may later adjust it outside the scoring core.
const (
	SeverityOrange = "ORANGE"
	SeverityRed    = "RED"
)

// CaseUpdate carries analyst edits to a case. Nil fields are left
// untouched.
type CaseUpdate struct {
	Status         *string `json:"status,omitempty"`
	Severity       *string `json:"severity,omitempty"`
	AssignedTo     *string `json:"assignedTo,omitempty"`
	Decision       *string `json:"decision,omitempty"`
	DecisionReason *string `json:"decisionReason,omitempty"`
}

// Changes returns the set fields as a map, for audit metadata.
func (u *CaseUpdate) Changes() map[string]any {
	changes := make(map[string]any)
	if u.Status != nil {
		changes["status"] = *u.Status
	}
	if u.Severity != nil {
		changes["severity"] = *u.Severity
	}
	if u.AssignedTo != nil {
		changes["assigned_to"] = *u.AssignedTo
	}
	if u.Decision != nil {
		changes["decision"] = *u.Decision
	}
	if u.DecisionReason != nil {
		changes["decision_reason"] = *u.DecisionReason
	}
	return changes
}
