// Package audit writes the append-only trail of consequential actions.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Recorder appends audit entries and announces them on the event bus.
// The repository write is the durable record and its failure fails the
// surrounding operation; the bus publish is best effort.
type Recorder struct {
	repo   domain.Repository
	bus    domain.EventBus
	logger *slog.Logger
}

// NewRecorder creates an audit recorder. The bus may be nil.
func NewRecorder(repo domain.Repository, bus domain.EventBus, logger *slog.Logger) *Recorder {
	return &Recorder{repo: repo, bus: bus, logger: logger}
}

// Record appends one audit entry. Meta is copied and nil values are
// dropped so entries stay JSON-clean.
func (r *Recorder) Record(ctx context.Context, tenantID, action string, meta map[string]any) (*domain.AuditLogEntry, error) {
	entry := &domain.AuditLogEntry{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Action:    action,
		Meta:      sanitize(meta),
		CreatedAt: time.Now().UTC(),
	}

	if err := r.repo.AppendAudit(ctx, tenantID, entry); err != nil {
		return nil, fmt.Errorf("appending audit entry: %w", err)
	}

	if r.bus != nil {
		payload, err := json.Marshal(entry)
		if err == nil {
			if perr := r.bus.Publish(ctx, tenantID, domain.TopicAuditAppended, payload); perr != nil {
				r.logger.Warn("audit event publish failed",
					"tenant_id", tenantID, "action", action, "error", perr)
			}
		}
	}

	return entry, nil
}

// List returns the most recent audit entries.
func (r *Recorder) List(ctx context.Context, tenantID string, limit int) ([]*domain.AuditLogEntry, error) {
	return r.repo.ListAudit(ctx, tenantID, limit)
}

func sanitize(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}
