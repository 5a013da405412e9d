// Package pipeline runs the ingestion flow: enrich, score, persist,
// escalate, audit. Durability ordering is fixed: the transaction is
// written first, then its case, then the audit entries. A failure
// between the transaction write and the case write leaves an escalation
// gap that reconciliation detects; it is never silently hidden.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// velocityWindow is the window for the per-user velocity counter fed to
// add-on rules.
const velocityWindow = time.Hour

// escalationReason is recorded on every auto-created case's audit entry.
const escalationReason = "Auto-created from high-risk transaction"

// Processor orchestrates transaction ingestion.
type Processor struct {
	repo    domain.Repository
	scorer  *scoring.Service
	history *history.Service
	auditor *audit.Recorder
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewProcessor wires the ingestion pipeline. The bus may be nil.
func NewProcessor(repo domain.Repository, scorer *scoring.Service, hist *history.Service, auditor *audit.Recorder, bus domain.EventBus, logger *slog.Logger) *Processor {
	return &Processor{
		repo:    repo,
		scorer:  scorer,
		history: hist,
		auditor: auditor,
		bus:     bus,
		logger:  logger,
	}
}

// Result is the outcome of ingesting one transaction.
type Result struct {
	Transaction *domain.Transaction `json:"transaction"`
	Case        *domain.Case        `json:"case,omitempty"`
	Outcome     domain.Outcome      `json:"outcome"`

	// EscalationGap is set when the transaction escalated but its case
	// could not be created. The transaction stands; reconciliation will
	// find the gap.
	EscalationGap bool `json:"escalationGap,omitempty"`
}

// Process ingests one transaction: it scores, persists the transaction
// with its risk fields written once, auto-creates a case when the score
// reaches the escalation threshold, and records the audit trail.
func (p *Processor) Process(ctx context.Context, tenantID string, req *domain.TransactionRequest) (*Result, error) {
	if req.User == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidInput)
	}
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	tx := req.ToTransaction(now)
	tx.TenantID = tenantID
	if tx.TxID == "" {
		tx.TxID = uuid.NewString()
	}

	outcome := p.score(ctx, tenantID, tx, now)
	tx.Risk = outcome.Result.RiskScore
	tx.Explanation = outcome.Result.Explanation
	tx.ShapTop = outcome.Result.ShapTop

	if err := p.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
		return nil, fmt.Errorf("saving transaction: %w", err)
	}
	if p.history != nil {
		p.history.MarkDeviceSeen(ctx, tenantID, tx.User, tx.Device)
	}

	result := &Result{Transaction: tx, Outcome: outcome}

	if tx.Risk >= domain.EscalationThreshold {
		c, gap := p.escalate(ctx, tenantID, tx)
		result.Case = c
		result.EscalationGap = gap
	}

	if _, err := p.auditor.Record(ctx, tenantID, domain.ActionTransactionCreate, map[string]any{
		"tx_id":         tx.TxID,
		"user":          tx.User,
		"amount":        tx.Amount,
		"risk":          tx.Risk,
		"risk_level":    outcome.Result.RiskLevel,
		"model_version": outcome.Result.ModelVersion,
	}); err != nil {
		return nil, err
	}

	if result.Case != nil {
		if _, err := p.auditor.Record(ctx, tenantID, domain.ActionCaseAutoCreated, map[string]any{
			"case_id":  result.Case.ID,
			"tx_id":    tx.TxID,
			"risk":     tx.Risk,
			"severity": result.Case.Severity,
			"reason":   escalationReason,
		}); err != nil {
			return nil, err
		}
	}

	p.publish(ctx, tenantID, domain.TopicTransactionScored, result.Transaction)
	if result.Case != nil {
		p.publish(ctx, tenantID, domain.TopicCaseCreated, result.Case)
	}

	return result, nil
}

// Score evaluates a raw transaction-like record without persisting
// anything. Missing or malformed fields fall back to the feature
// defaults, so a preview never fails.
func (p *Processor) Score(ctx context.Context, tenantID string, record map[string]any) domain.Outcome {
	now := time.Now().UTC()
	f := features.FromRecord(record, now)

	user, _ := record["user"].(string)
	device, _ := record["device"].(string)
	deviceNew, velocityCount := p.historyInputs(ctx, tenantID, user, device)

	outcome := p.scorer.Score(ctx, tenantID, f, deviceNew, velocityCount)
	if outcome.Degraded {
		p.logger.Warn("scoring degraded to rule fallback",
			"tenant_id", tenantID, "cause", outcome.Cause)
	}
	return outcome
}

// Delete removes a transaction and records the deletion.
func (p *Processor) Delete(ctx context.Context, tenantID, txID string) error {
	if err := p.repo.DeleteTransaction(ctx, tenantID, txID); err != nil {
		return err
	}
	_, err := p.auditor.Record(ctx, tenantID, domain.ActionTransactionDelete, map[string]any{
		"tx_id": txID,
	})
	return err
}

func (p *Processor) score(ctx context.Context, tenantID string, tx *domain.Transaction, now time.Time) domain.Outcome {
	deviceNew, velocityCount := p.historyInputs(ctx, tenantID, tx.User, tx.Device)
	tx.DeviceNew = deviceNew

	f := features.FromTransaction(tx, now)
	outcome := p.scorer.Score(ctx, tenantID, f, deviceNew, velocityCount)
	if outcome.Degraded {
		p.logger.Warn("scoring degraded to rule fallback",
			"tenant_id", tenantID, "tx_id", tx.TxID, "cause", outcome.Cause)
	}
	return outcome
}

// historyInputs resolves the device-novelty flag and the velocity count
// for a user. Best effort: lookup failures score as "not new, zero".
func (p *Processor) historyInputs(ctx context.Context, tenantID, user, device string) (bool, int64) {
	if p.history == nil || user == "" {
		return false, 0
	}

	deviceNew := false
	seen, err := p.history.DeviceSeen(ctx, tenantID, user, device)
	if err != nil {
		p.logger.Warn("device history lookup failed",
			"tenant_id", tenantID, "user", user, "error", err)
	} else if device != "" {
		deviceNew = !seen
	}

	var velocityCount int64
	count, err := p.history.CountRecent(ctx, tenantID, user, velocityWindow)
	if err != nil {
		p.logger.Warn("velocity lookup failed",
			"tenant_id", tenantID, "user", user, "error", err)
	} else {
		velocityCount = count
	}
	return deviceNew, velocityCount
}

// escalate creates the case for an escalating transaction. A case save
// failure does not fail ingestion: the gap is flagged, announced on the
// bus, and recorded in the audit trail (best effort) so reconciliation
// and operators can follow up.
func (p *Processor) escalate(ctx context.Context, tenantID string, tx *domain.Transaction) (*domain.Case, bool) {
	now := time.Now().UTC()
	c := &domain.Case{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		TxID:      tx.TxID,
		Status:    domain.CaseStatusNew,
		Severity:  domain.SeverityForScore(tx.Risk),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := p.repo.SaveCase(ctx, tenantID, c); err != nil {
		p.logger.Error("case creation failed, escalation gap",
			"tenant_id", tenantID, "tx_id", tx.TxID, "risk", tx.Risk, "error", err)
		p.publish(ctx, tenantID, domain.TopicEscalationGap, map[string]any{
			"tx_id": tx.TxID,
			"risk":  tx.Risk,
		})
		if _, aerr := p.auditor.Record(ctx, tenantID, domain.ActionEscalationGap, map[string]any{
			"tx_id": tx.TxID,
			"risk":  tx.Risk,
			"error": err.Error(),
		}); aerr != nil {
			p.logger.Warn("escalation gap audit failed",
				"tenant_id", tenantID, "tx_id", tx.TxID, "error", aerr)
		}
		return nil, true
	}
	return c, false
}

func (p *Processor) publish(ctx context.Context, tenantID, topic string, payload any) {
	if p.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, tenantID, topic, data); err != nil {
		p.logger.Warn("event publish failed",
			"tenant_id", tenantID, "topic", topic, "error", err)
	}
}
