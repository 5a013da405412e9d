// Package reconcile detects escalation gaps: transactions whose score
// reached the escalation threshold but that have no case, typically
// after a crash or a storage failure between the two writes.
package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// scanLimit caps how many gaps one scan reports per tenant.
const scanLimit = 500

// Scanner periodically sweeps known tenants for escalation gaps and
// announces each gap on the event bus. Detection only: cases are not
// backfilled here, operators decide what a gap means.
type Scanner struct {
	repo   domain.Repository
	bus    domain.EventBus
	logger *slog.Logger

	interval time.Duration

	mu      sync.Mutex
	tenants map[string]bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScanner creates a gap scanner. A zero interval disables the
// background loop; ScanOnce still works.
func NewScanner(repo domain.Repository, bus domain.EventBus, interval time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{
		repo:     repo,
		bus:      bus,
		logger:   logger,
		interval: interval,
		tenants:  make(map[string]bool),
	}
}

// Track registers a tenant for background scanning. Tenants are learned
// from live traffic; there is no global tenant directory to enumerate.
func (s *Scanner) Track(tenantID string) {
	if tenantID == "" {
		return
	}
	s.mu.Lock()
	s.tenants[tenantID] = true
	s.mu.Unlock()
}

// ScanOnce sweeps a single tenant and returns the gaps found.
func (s *Scanner) ScanOnce(ctx context.Context, tenantID string) ([]*domain.Transaction, error) {
	gaps, err := s.repo.ListEscalationGaps(ctx, tenantID, scanLimit)
	if err != nil {
		return nil, err
	}

	for _, tx := range gaps {
		s.logger.Warn("escalation gap detected",
			"tenant_id", tenantID, "tx_id", tx.TxID, "risk", tx.Risk)
		s.announce(ctx, tenantID, tx)
	}
	return gaps, nil
}

// Start launches the background scan loop.
func (s *Scanner) Start() {
	if s.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scanAll(ctx)
			}
		}
	}()

	s.logger.Info("escalation gap scanner started", "interval", s.interval)
}

// Stop halts the background loop and waits for it to exit.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Scanner) scanAll(ctx context.Context) {
	s.mu.Lock()
	tenants := make([]string, 0, len(s.tenants))
	for t := range s.tenants {
		tenants = append(tenants, t)
	}
	s.mu.Unlock()

	for _, tenantID := range tenants {
		if _, err := s.ScanOnce(ctx, tenantID); err != nil {
			s.logger.Error("gap scan failed", "tenant_id", tenantID, "error", err)
		}
	}
}

func (s *Scanner) announce(ctx context.Context, tenantID string, tx *domain.Transaction) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"tx_id": tx.TxID,
		"risk":  tx.Risk,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, tenantID, domain.TopicEscalationGap, payload); err != nil {
		s.logger.Warn("gap event publish failed",
			"tenant_id", tenantID, "tx_id", tx.TxID, "error", err)
	}
}
