package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// memRepo is an in-memory repository for pipeline tests with injectable
// failures.
type memRepo struct {
	mu           sync.Mutex
	transactions map[string]*domain.Transaction
	cases        map[string]*domain.Case
	audits       []*domain.AuditLogEntry

	failCaseSave bool
	failTxSave   bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		transactions: make(map[string]*domain.Transaction),
		cases:        make(map[string]*domain.Case),
	}
}

func (m *memRepo) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTxSave {
		return errors.New("transaction save failed")
	}
	if _, ok := m.transactions[tx.TxID]; ok {
		return domain.ErrDuplicate
	}
	m.transactions[tx.TxID] = tx
	return nil
}

func (m *memRepo) GetTransaction(ctx context.Context, tenantID, txID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[txID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return tx, nil
}

func (m *memRepo) ListTransactions(ctx context.Context, tenantID string, limit int) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Transaction
	for _, tx := range m.transactions {
		out = append(out, tx)
	}
	return out, nil
}

func (m *memRepo) GetTransactionsByUser(ctx context.Context, tenantID, user string, since time.Time) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Transaction
	for _, tx := range m.transactions {
		if tx.User == user && !tx.Timestamp.Before(since) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memRepo) DeleteTransaction(ctx context.Context, tenantID, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[txID]; !ok {
		return domain.ErrNotFound
	}
	delete(m.transactions, txID)
	return nil
}

func (m *memRepo) SaveCase(ctx context.Context, tenantID string, c *domain.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCaseSave {
		return errors.New("case save failed")
	}
	m.cases[c.ID] = c
	return nil
}

func (m *memRepo) GetCase(ctx context.Context, tenantID, caseID string) (*domain.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[caseID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (m *memRepo) ListCases(ctx context.Context, tenantID string, limit int) ([]*domain.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Case
	for _, c := range m.cases {
		out = append(out, c)
	}
	return out, nil
}

func (m *memRepo) UpdateCase(ctx context.Context, tenantID, caseID string, update *domain.CaseUpdate) (*domain.Case, error) {
	return nil, domain.ErrNotFound
}

func (m *memRepo) AppendAudit(ctx context.Context, tenantID string, entry *domain.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
	return nil
}

func (m *memRepo) ListAudit(ctx context.Context, tenantID string, limit int) ([]*domain.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.AuditLogEntry{}, m.audits...), nil
}

func (m *memRepo) SaveModelState(ctx context.Context, tenantID string, state []byte, trainedAt time.Time) error {
	return nil
}

func (m *memRepo) LoadModelState(ctx context.Context, tenantID string) ([]byte, error) {
	return nil, domain.ErrNotFound
}

func (m *memRepo) SaveScoreRule(ctx context.Context, tenantID string, rule *domain.ScoreRule) error {
	return nil
}

func (m *memRepo) ListScoreRules(ctx context.Context, tenantID string) ([]*domain.ScoreRule, error) {
	return nil, nil
}

func (m *memRepo) ListEscalationGaps(ctx context.Context, tenantID string, limit int) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Transaction
	for _, tx := range m.transactions {
		if tx.Risk < domain.EscalationThreshold {
			continue
		}
		hasCase := false
		for _, c := range m.cases {
			if c.TxID == tx.TxID {
				hasCase = true
				break
			}
		}
		if !hasCase {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memRepo) Ping(ctx context.Context) error { return nil }
func (m *memRepo) Close() error                   { return nil }

func (m *memRepo) auditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := make([]string, len(m.audits))
	for i, e := range m.audits {
		actions[i] = e.Action
	}
	return actions
}

// recordBus captures published topics.
type recordBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *recordBus) Publish(ctx context.Context, tenantID, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return nil
}

func (b *recordBus) Subscribe(ctx context.Context, tenantID, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (b *recordBus) Ping(ctx context.Context) error { return nil }
func (b *recordBus) Close() error                   { return nil }

func (b *recordBus) published(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func newTestProcessor(repo *memRepo, bus domain.EventBus) *Processor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scorer := scoring.NewService(repo, domain.ScoringConfig{HomeCountry: "UAE", TrainSeed: 42}, logger)
	hist := history.NewService(repo, cache.NewLRUCache(100))
	auditor := audit.NewRecorder(repo, bus, logger)
	return NewProcessor(repo, scorer, hist, auditor, bus, logger)
}

func TestProcessLowRisk(t *testing.T) {
	repo := newMemRepo()
	bus := &recordBus{}
	p := newTestProcessor(repo, bus)
	ctx := context.Background()

	// No device reported, so the novelty check does not apply.
	result, err := p.Process(ctx, "t1", &domain.TransactionRequest{
		User: "alice", Amount: 500, Country: "UAE",
		Channel: "web", Merchant: "Grocery",
		Hour: intPtr(14),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.Transaction.Risk != 0 {
		t.Errorf("expected risk 0, got %d", result.Transaction.Risk)
	}
	if result.Transaction.Explanation != "Low risk transaction" {
		t.Errorf("unexpected explanation: %q", result.Transaction.Explanation)
	}
	if result.Case != nil {
		t.Error("low risk must not open a case")
	}
	if result.Transaction.TxID == "" {
		t.Error("expected a generated transaction ID")
	}

	// Persisted with risk fields written once.
	saved, err := repo.GetTransaction(ctx, "t1", result.Transaction.TxID)
	if err != nil {
		t.Fatalf("transaction not persisted: %v", err)
	}
	if saved.Risk != 0 || saved.Explanation == "" {
		t.Error("risk fields must be written at creation")
	}

	actions := repo.auditActions()
	if len(actions) != 1 || actions[0] != domain.ActionTransactionCreate {
		t.Errorf("expected exactly one transaction.create audit entry, got %v", actions)
	}
	if !bus.published(domain.TopicTransactionScored) {
		t.Error("expected transaction.scored event")
	}
	if bus.published(domain.TopicCaseCreated) {
		t.Error("unexpected case.created event")
	}
}

func TestProcessEscalatesRed(t *testing.T) {
	repo := newMemRepo()
	bus := &recordBus{}
	p := newTestProcessor(repo, bus)
	ctx := context.Background()

	// 40+30+15+25+10+5 = 125 -> 100
	result, err := p.Process(ctx, "t1", &domain.TransactionRequest{
		User: "bob", Amount: 60000, Country: "NG",
		Device: "Unknown", Channel: "ATM", Merchant: "CryptoExchange",
		Hour: intPtr(2),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.Transaction.Risk != 100 {
		t.Errorf("expected risk 100, got %d", result.Transaction.Risk)
	}
	if result.Case == nil {
		t.Fatal("expected an auto-created case")
	}
	if result.Case.Status != domain.CaseStatusNew {
		t.Errorf("expected status NEW, got %s", result.Case.Status)
	}
	if result.Case.Severity != domain.SeverityRed {
		t.Errorf("expected RED severity at risk 100, got %s", result.Case.Severity)
	}
	if result.Case.TxID != result.Transaction.TxID {
		t.Error("case must reference its transaction")
	}

	actions := repo.auditActions()
	if len(actions) != 2 {
		t.Fatalf("expected 2 audit entries, got %v", actions)
	}
	if actions[0] != domain.ActionTransactionCreate || actions[1] != domain.ActionCaseAutoCreated {
		t.Errorf("unexpected audit actions: %v", actions)
	}

	if !bus.published(domain.TopicCaseCreated) {
		t.Error("expected case.created event")
	}
}

func TestEscalationBoundaries(t *testing.T) {
	ctx := context.Background()

	// 25 (amount) + 30 (country) = 55: below the threshold, no case.
	repo := newMemRepo()
	p := newTestProcessor(repo, &recordBus{})
	result, err := p.Process(ctx, "t1", &domain.TransactionRequest{
		User: "carol", Amount: 25000, Country: "NG",
		Channel: "web", Merchant: "Electronics",
		Hour: intPtr(14),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Transaction.Risk != 55 {
		t.Fatalf("expected risk 55, got %d", result.Transaction.Risk)
	}
	if result.Case != nil {
		t.Error("risk 55 must not escalate")
	}

	// 25 + 30 + 15 (unknown device) = 70: exactly at the threshold, ORANGE.
	repo = newMemRepo()
	p = newTestProcessor(repo, &recordBus{})
	result, err = p.Process(ctx, "t1", &domain.TransactionRequest{
		User: "carol", Amount: 25000, Country: "NG",
		Device: "Unknown", Channel: "web", Merchant: "Electronics",
		Hour: intPtr(14),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Transaction.Risk != 70 {
		t.Fatalf("expected risk 70, got %d", result.Transaction.Risk)
	}
	if result.Case == nil {
		t.Fatal("risk 70 must escalate")
	}
	if result.Case.Severity != domain.SeverityOrange {
		t.Errorf("expected ORANGE at risk 70, got %s", result.Case.Severity)
	}
}

func TestCaseSaveFailureLeavesGap(t *testing.T) {
	repo := newMemRepo()
	repo.failCaseSave = true
	bus := &recordBus{}
	p := newTestProcessor(repo, bus)
	ctx := context.Background()

	result, err := p.Process(ctx, "t1", &domain.TransactionRequest{
		User: "dave", Amount: 60000, Country: "NG",
		Device: "Unknown", Channel: "ATM", Merchant: "CryptoExchange",
		Hour: intPtr(2),
	})
	if err != nil {
		t.Fatalf("case failure must not fail ingestion: %v", err)
	}

	if !result.EscalationGap {
		t.Error("expected the escalation gap flag")
	}
	if result.Case != nil {
		t.Error("no case must be reported when the save failed")
	}

	// The transaction itself stands.
	if _, err := repo.GetTransaction(ctx, "t1", result.Transaction.TxID); err != nil {
		t.Errorf("transaction must be persisted despite the gap: %v", err)
	}

	if !bus.published(domain.TopicEscalationGap) {
		t.Error("expected escalation.gap event")
	}

	// The gap leaves its own audit entry, never a case.auto_created one.
	var gapAudits, caseAudits int
	for _, a := range repo.auditActions() {
		switch a {
		case domain.ActionEscalationGap:
			gapAudits++
		case domain.ActionCaseAutoCreated:
			caseAudits++
		}
	}
	if gapAudits != 1 {
		t.Errorf("expected exactly one escalation.gap audit entry, got %d", gapAudits)
	}
	if caseAudits != 0 {
		t.Error("no case.auto_created entry must be written when the save failed")
	}

	// Reconciliation sees the gap.
	gaps, err := repo.ListEscalationGaps(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("listing gaps failed: %v", err)
	}
	if len(gaps) != 1 {
		t.Errorf("expected 1 gap, got %d", len(gaps))
	}
}

func TestTransactionSaveFailureFailsIngestion(t *testing.T) {
	repo := newMemRepo()
	repo.failTxSave = true
	p := newTestProcessor(repo, &recordBus{})

	_, err := p.Process(context.Background(), "t1", &domain.TransactionRequest{
		User: "erin", Amount: 100,
	})
	if err == nil {
		t.Fatal("expected error when the transaction save fails")
	}
	if len(repo.auditActions()) != 0 {
		t.Error("no audit entries must be written for a failed save")
	}
}

func TestProcessValidatesInput(t *testing.T) {
	p := newTestProcessor(newMemRepo(), &recordBus{})
	ctx := context.Background()

	_, err := p.Process(ctx, "t1", &domain.TransactionRequest{Amount: 100})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing user, got %v", err)
	}

	_, err = p.Process(ctx, "t1", &domain.TransactionRequest{User: "x", Amount: -1})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for negative amount, got %v", err)
	}
}

func TestProcessDuplicateTransaction(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(repo, &recordBus{})
	ctx := context.Background()

	req := &domain.TransactionRequest{TxID: "tx-dup", User: "frank", Amount: 100}
	if _, err := p.Process(ctx, "t1", req); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	_, err := p.Process(ctx, "t1", req)
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestScorePreviewDoesNotPersist(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(repo, &recordBus{})

	out := p.Score(context.Background(), "t1", map[string]any{
		"user": "grace", "amount": 60000, "country": "NG", "hour": 2,
	})

	if out.Result.RiskScore == 0 {
		t.Error("expected a non-zero preview score")
	}
	if len(repo.transactions) != 0 {
		t.Error("preview must not persist transactions")
	}
	if len(repo.auditActions()) != 0 {
		t.Error("preview must not write audit entries")
	}
}

func TestScorePreviewRawRecord(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(repo, &recordBus{})

	// Raw documents score through the feature defaults: the string
	// amount parses, the wire spelling of card_type is accepted, and
	// everything absent falls back to its sentinel.
	out := p.Score(context.Background(), "t1", map[string]any{
		"amount":   "25000",
		"country":  "NG",
		"cardType": "VISA",
		"hour":     float64(14),
	})

	// 25 (amount) + 30 (country), nothing from the missing fields.
	if out.Result.RiskScore != 55 {
		t.Errorf("expected risk 55 from raw record, got %d", out.Result.RiskScore)
	}
	if out.Result.RiskLevel != domain.RiskLevelMedium {
		t.Errorf("expected MEDIUM, got %s", out.Result.RiskLevel)
	}

	// A garbage document still scores, at zero.
	out = p.Score(context.Background(), "t1", map[string]any{
		"amount": "not-a-number", "hour": float64(14), "country": "UAE",
	})
	if out.Result.RiskScore != 0 {
		t.Errorf("expected risk 0 for a malformed record, got %d", out.Result.RiskScore)
	}
}

func TestDeviceNoveltyAcrossTransactions(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(repo, &recordBus{})
	ctx := context.Background()

	// First sighting of the device: new, +15.
	r1, err := p.Process(ctx, "t1", &domain.TransactionRequest{
		User: "henry", Amount: 100, Country: "UAE",
		Device: "phone-1", Channel: "web", Merchant: "Grocery", Hour: intPtr(14),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !r1.Transaction.DeviceNew {
		t.Error("first sighting must flag the device as new")
	}
	if r1.Transaction.Risk != 15 {
		t.Errorf("expected risk 15 for new device, got %d", r1.Transaction.Risk)
	}

	// Same device again: seen, no surcharge.
	r2, err := p.Process(ctx, "t1", &domain.TransactionRequest{
		User: "henry", Amount: 100, Country: "UAE",
		Device: "phone-1", Channel: "web", Merchant: "Grocery", Hour: intPtr(14),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if r2.Transaction.DeviceNew {
		t.Error("second sighting must not flag the device as new")
	}
	if r2.Transaction.Risk != 0 {
		t.Errorf("expected risk 0 for known device, got %d", r2.Transaction.Risk)
	}
}

func TestDelete(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(repo, &recordBus{})
	ctx := context.Background()

	result, err := p.Process(ctx, "t1", &domain.TransactionRequest{User: "iris", Amount: 100})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if err := p.Delete(ctx, "t1", result.Transaction.TxID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.GetTransaction(ctx, "t1", result.Transaction.TxID); !errors.Is(err, domain.ErrNotFound) {
		t.Error("transaction must be gone after delete")
	}

	actions := repo.auditActions()
	if actions[len(actions)-1] != domain.ActionTransactionDelete {
		t.Errorf("expected transaction.delete audit entry, got %v", actions)
	}

	if err := p.Delete(ctx, "t1", "nonexistent"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func intPtr(v int) *int { return &v }
