package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

const testTenant = "tenant-001"

// newTestServer wires a full Community-tier stack against a temp SQLite
// database.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cacheImpl := cache.NewLRUCache(1000)
	busImpl := bus.NewChannelBus(100)
	t.Cleanup(func() { busImpl.Close() })

	scorer := scoring.NewService(repo, domain.ScoringConfig{HomeCountry: "UAE", TrainSeed: 42}, logger)
	hist := history.NewService(repo, cacheImpl)
	auditor := audit.NewRecorder(repo, busImpl, logger)
	processor := pipeline.NewProcessor(repo, scorer, hist, auditor, busImpl, logger)
	scanner := reconcile.NewScanner(repo, busImpl, 0, logger)

	srv := NewServer(domain.ServerConfig{Host: "127.0.0.1", Port: 0}, repo, cacheImpl, busImpl, processor, scorer, auditor, scanner, "test")

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, body any, tenantID string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp, data
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	// No tenant header required.
	resp, body := doRequest(t, ts, http.MethodGet, "/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	var health map[string]string
	json.Unmarshal(body, &health)
	if health["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", health["status"])
	}

	resp, _ = doRequest(t, ts, http.MethodGet, "/ready", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for /ready, got %d", resp.StatusCode)
	}
}

func TestTenantRequired(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doRequest(t, ts, http.MethodGet, "/transactions", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without tenant header, got %d", resp.StatusCode)
	}
}

func TestCreateAndGetTransaction(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doRequest(t, ts, http.MethodPost, "/transactions", map[string]any{
		"txId":    "tx-001",
		"user":    "alice",
		"amount":  500,
		"country": "UAE",
		"channel": "web",
		"hour":    14,
	}, testTenant)

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}

	var result pipeline.Result
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Transaction.TxID != "tx-001" {
		t.Errorf("expected tx-001, got %s", result.Transaction.TxID)
	}
	if result.Transaction.Risk != 0 {
		t.Errorf("expected risk 0, got %d", result.Transaction.Risk)
	}
	if result.Case != nil {
		t.Error("low risk must not open a case")
	}
	if result.Outcome.Result.ModelVersion != domain.ModelVersionRules {
		t.Errorf("expected rules scorer, got %s", result.Outcome.Result.ModelVersion)
	}

	resp, body = doRequest(t, ts, http.MethodGet, "/transactions/tx-001", nil, testTenant)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var tx domain.Transaction
	json.Unmarshal(body, &tx)
	if tx.User != "alice" {
		t.Errorf("expected alice, got %s", tx.User)
	}

	// Tenant isolation across the API.
	resp, _ = doRequest(t, ts, http.MethodGet, "/transactions/tx-001", nil, "other-tenant")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for other tenant, got %d", resp.StatusCode)
	}

	// Duplicates conflict.
	resp, _ = doRequest(t, ts, http.MethodPost, "/transactions", map[string]any{
		"txId": "tx-001", "user": "alice", "amount": 1,
	}, testTenant)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", resp.StatusCode)
	}
}

func TestCreateTransactionValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doRequest(t, ts, http.MethodPost, "/transactions", map[string]any{
		"amount": 100,
	}, testTenant)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing user, got %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, ts, http.MethodPost, "/transactions", map[string]any{
		"user": "x", "amount": -5,
	}, testTenant)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for negative amount, got %d", resp.StatusCode)
	}
}

func TestHighRiskEscalation(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doRequest(t, ts, http.MethodPost, "/transactions", map[string]any{
		"txId":     "tx-hot",
		"user":     "bob",
		"amount":   60000,
		"country":  "NG",
		"device":   "Unknown",
		"channel":  "ATM",
		"merchant": "CryptoExchange",
		"hour":     2,
	}, testTenant)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}

	var result pipeline.Result
	json.Unmarshal(body, &result)
	if result.Transaction.Risk != 100 {
		t.Errorf("expected risk 100, got %d", result.Transaction.Risk)
	}
	if result.Case == nil {
		t.Fatal("expected an auto-created case")
	}
	if result.Case.Severity != domain.SeverityRed {
		t.Errorf("expected RED, got %s", result.Case.Severity)
	}

	// The case shows up in the workflow endpoints.
	resp, body = doRequest(t, ts, http.MethodGet, "/cases", nil, testTenant)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var caseList struct {
		Cases []*domain.Case `json:"cases"`
		Count int            `json:"count"`
	}
	json.Unmarshal(body, &caseList)
	if caseList.Count != 1 {
		t.Fatalf("expected 1 case, got %d", caseList.Count)
	}

	caseID := caseList.Cases[0].ID

	// Analyst resolves the case.
	resp, body = doRequest(t, ts, http.MethodPatch, "/cases/"+caseID, map[string]any{
		"status":   domain.CaseStatusResolved,
		"decision": "REJECT",
	}, testTenant)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var updated domain.Case
	json.Unmarshal(body, &updated)
	if updated.Status != domain.CaseStatusResolved {
		t.Errorf("expected RESOLVED, got %s", updated.Status)
	}

	// Bogus status is rejected.
	resp, _ = doRequest(t, ts, http.MethodPatch, "/cases/"+caseID, map[string]any{
		"status": "BANANA",
	}, testTenant)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid status, got %d", resp.StatusCode)
	}

	// Audit trail covers the ingestion, escalation, and update.
	resp, body = doRequest(t, ts, http.MethodGet, "/audit", nil, testTenant)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var auditList struct {
		Entries []*domain.AuditLogEntry `json:"entries"`
		Count   int                     `json:"count"`
	}
	json.Unmarshal(body, &auditList)

	actions := make(map[string]bool)
	for _, e := range auditList.Entries {
		actions[e.Action] = true
	}
	for _, want := range []string{
		domain.ActionTransactionCreate,
		domain.ActionCaseAutoCreated,
		domain.ActionCaseUpdate,
	} {
		if !actions[want] {
			t.Errorf("expected audit action %s, have %v", want, actions)
		}
	}
}

func TestScorePreview(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doRequest(t, ts, http.MethodPost, "/score", map[string]any{
		"user": "carol", "amount": 60000, "country": "NG", "hour": 2,
	}, testTenant)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var outcome domain.Outcome
	json.Unmarshal(body, &outcome)
	if outcome.Result.RiskScore == 0 {
		t.Error("expected a non-zero score")
	}

	// Nothing persisted.
	resp, body = doRequest(t, ts, http.MethodGet, "/transactions", nil, testTenant)
	var txList struct {
		Count int `json:"count"`
	}
	json.Unmarshal(body, &txList)
	if txList.Count != 0 {
		t.Errorf("preview must not persist, got %d transactions", txList.Count)
	}
}

func TestDeleteTransaction(t *testing.T) {
	ts := newTestServer(t)

	doRequest(t, ts, http.MethodPost, "/transactions", map[string]any{
		"txId": "tx-del", "user": "dave", "amount": 10,
	}, testTenant)

	resp, _ := doRequest(t, ts, http.MethodDelete, "/transactions/tx-del", nil, testTenant)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, ts, http.MethodDelete, "/transactions/tx-del", nil, testTenant)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for second delete, got %d", resp.StatusCode)
	}
}

func TestModelEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doRequest(t, ts, http.MethodGet, "/model/info", nil, testTenant)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var info scoring.ModelInfo
	json.Unmarshal(body, &info)
	if info.Trained {
		t.Error("fresh tenant must report untrained")
	}
	if info.ModelVersion != domain.ModelVersionRules {
		t.Errorf("untrained tenant serves rules, got %s", info.ModelVersion)
	}

	// Training with no history is rejected, not a server error.
	resp, _ = doRequest(t, ts, http.MethodPost, "/model/train", nil, testTenant)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for insufficient data, got %d", resp.StatusCode)
	}
}

func TestRuleEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doRequest(t, ts, http.MethodPost, "/rules", map[string]any{
		"name":       "Watchlist merchant",
		"expression": `merchant == "BadShop"`,
		"points":     30,
		"reason":     "Merchant on watchlist",
		"enabled":    true,
	}, testTenant)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}

	var rule domain.ScoreRule
	json.Unmarshal(body, &rule)
	if rule.ID == "" {
		t.Error("expected a generated rule ID")
	}

	// Invalid expression is a client error.
	resp, _ = doRequest(t, ts, http.MethodPost, "/rules", map[string]any{
		"name": "bad", "expression": "not CEL !!!", "enabled": true,
	}, testTenant)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid expression, got %d", resp.StatusCode)
	}

	// Missing fields are a client error.
	resp, _ = doRequest(t, ts, http.MethodPost, "/rules", map[string]any{
		"points": 5,
	}, testTenant)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing fields, got %d", resp.StatusCode)
	}

	resp, body = doRequest(t, ts, http.MethodGet, "/rules", nil, testTenant)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var ruleList struct {
		Count int `json:"count"`
	}
	json.Unmarshal(body, &ruleList)
	if ruleList.Count != 1 {
		t.Errorf("expected 1 rule, got %d", ruleList.Count)
	}

	// The rule participates in scoring.
	resp, body = doRequest(t, ts, http.MethodPost, "/score", map[string]any{
		"user": "erin", "amount": 50, "country": "UAE", "merchant": "BadShop", "hour": 14,
	}, testTenant)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var outcome domain.Outcome
	json.Unmarshal(body, &outcome)
	if outcome.Result.RiskScore != 30 {
		t.Errorf("expected 30 from the add-on rule, got %d", outcome.Result.RiskScore)
	}

	resp, body = doRequest(t, ts, http.MethodPost, "/rules/reload", nil, testTenant)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
}

func TestReconciliationGaps(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doRequest(t, ts, http.MethodGet, "/reconciliation/gaps", nil, testTenant)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var gaps struct {
		Count int `json:"count"`
	}
	json.Unmarshal(body, &gaps)
	if gaps.Count != 0 {
		t.Errorf("expected no gaps on a healthy path, got %d", gaps.Count)
	}

	// A healthy high-risk ingest leaves no gap either.
	doRequest(t, ts, http.MethodPost, "/transactions", map[string]any{
		"user": "frank", "amount": 60000, "country": "NG", "device": "Unknown",
		"channel": "ATM", "merchant": "CryptoExchange", "hour": 2,
	}, testTenant)

	resp, body = doRequest(t, ts, http.MethodGet, "/reconciliation/gaps", nil, testTenant)
	json.Unmarshal(body, &gaps)
	if gaps.Count != 0 {
		t.Errorf("expected no gaps after successful escalation, got %d", gaps.Count)
	}
}
