package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	processor *pipeline.Processor
	scorer    *scoring.Service
	auditor   *audit.Recorder
	scanner   *reconcile.Scanner
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, processor *pipeline.Processor, scorer *scoring.Service, auditor *audit.Recorder, scanner *reconcile.Scanner, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		processor: processor,
		scorer:    scorer,
		auditor:   auditor,
		scanner:   scanner,
		version:   version,
	}
}

// CreateTransaction handles POST /transactions: score, persist,
// escalate, audit, in that order.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.User == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user is required",
		})
		return
	}
	if req.Amount < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must not be negative",
		})
		return
	}

	result, err := h.processor.Process(ctx, tenantID, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.scanner != nil {
		h.scanner.Track(tenantID)
	}

	writeJSON(w, http.StatusCreated, result)
}

// ListTransactions handles GET /transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	txs, err := h.repo.ListTransactions(ctx, tenantID, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// DeleteTransaction handles DELETE /transactions/{id}.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if err := h.processor.Delete(ctx, tenantID, txID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"deleted": txID,
	})
}

// Score handles POST /score: evaluate a payload without persisting.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	// The preview accepts any transaction-like document; the feature
	// extractor defaults whatever is missing or malformed.
	var record map[string]any
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	outcome := h.processor.Score(ctx, tenantID, record)
	writeJSON(w, http.StatusOK, outcome)
}

// ListCases handles GET /cases.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	cases, err := h.repo.ListCases(ctx, tenantID, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cases": cases,
		"count": len(cases),
	})
}

// GetCase handles GET /cases/{id}.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	c, err := h.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// UpdateCase handles PATCH /cases/{id}: analyst edits with an audit
// entry recording exactly what changed.
func (h *Handler) UpdateCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	var update domain.CaseUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	changes := update.Changes()
	if len(changes) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "no fields to update",
		})
		return
	}

	if update.Status != nil && !validCaseStatus(*update.Status) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid case status",
		})
		return
	}

	c, err := h.repo.UpdateCase(ctx, tenantID, caseID, &update)
	if err != nil {
		writeError(w, err)
		return
	}

	changes["case_id"] = caseID
	if _, err := h.auditor.Record(ctx, tenantID, domain.ActionCaseUpdate, changes); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// ListAudit handles GET /audit.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	entries, err := h.auditor.List(ctx, tenantID, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// TrainModel handles POST /model/train.
func (h *Handler) TrainModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	info, err := h.scorer.Train(ctx, tenantID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, scoring.ErrInsufficientData) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": err.Error(),
			})
			return
		}
		writeError(w, err)
		return
	}

	if _, err := h.auditor.Record(ctx, tenantID, domain.ActionModelTrained, map[string]any{
		"model_version": info.ModelVersion,
		"rows":          info.TrainRows,
		"positives":     info.PositiveRows,
	}); err != nil {
		writeError(w, err)
		return
	}

	if h.bus != nil {
		payload, merr := json.Marshal(info)
		if merr == nil {
			if perr := h.bus.Publish(ctx, tenantID, domain.TopicModelTrained, payload); perr != nil {
				slog.Warn("model trained event publish failed",
					"tenant_id", tenantID, "error", perr)
			}
		}
	}

	writeJSON(w, http.StatusOK, info)
}

// ModelInfo handles GET /model/info.
func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	writeJSON(w, http.StatusOK, h.scorer.Info(ctx, tenantID))
}

// ReconciliationGaps handles GET /reconciliation/gaps.
func (h *Handler) ReconciliationGaps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	gaps, err := h.scanner.ScanOnce(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"gaps":  gaps,
		"count": len(gaps),
	})
}

// CreateRuleRequest is the request body for creating a score rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Points      int    `json:"points"`
	Reason      string `json:"reason"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule handles POST /rules: validate the CEL expression, persist,
// and load into the live rule set.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and expression are required",
		})
		return
	}

	rule := &domain.ScoreRule{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Points:      req.Points,
		Reason:      req.Reason,
		Enabled:     req.Enabled,
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	if err := h.scorer.AddRule(ctx, tenantID, rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	slog.Info("score rule created", "tenant_id", tenantID, "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, rule)
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	rules := h.scorer.ListRules(ctx, tenantID)
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// ReloadRules handles POST /rules/reload: hot-reload persisted rules.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	count, err := h.scorer.ReloadRules(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("score rules reloaded", "tenant_id", tenantID, "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func validCaseStatus(status string) bool {
	switch status {
	case domain.CaseStatusNew, domain.CaseStatusInProgress,
		domain.CaseStatusResolved, domain.CaseStatusClosed:
		return true
	}
	return false
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, domain.ErrDuplicate):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already exists"})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}
