package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// trainFetchLimit bounds how many transactions one training run reads.
const trainFetchLimit = 5000

// Service is the scoring facade used by the pipeline and the API. It
// owns per-tenant scorer state: the learned model (when trained) and
// the add-on CEL rules, both hot-swappable under a read-write lock.
//
// Scoring never fails: any learned-scorer problem falls back to the
// fixed rule policy and the outcome is tagged Degraded with its cause.
type Service struct {
	repo   domain.Repository
	rules  *RuleScorer
	seed   int64
	logger *slog.Logger

	mu      sync.RWMutex
	tenants map[string]*tenantState
}

type tenantState struct {
	model   *Model
	custom  *CustomRules
	loadErr error
}

// NewService creates a scoring service backed by the repository for
// model state and rule configuration.
func NewService(repo domain.Repository, cfg domain.ScoringConfig, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		rules:   NewRuleScorer(cfg.HomeCountry),
		seed:    cfg.TrainSeed,
		logger:  logger,
		tenants: make(map[string]*tenantState),
	}
}

// tenant returns the scorer state for a tenant, loading persisted model
// state and rules on first use. A load failure is memoized so every
// subsequent score for the tenant is tagged degraded until a retrain or
// reload clears it.
func (s *Service) tenant(ctx context.Context, tenantID string) *tenantState {
	s.mu.RLock()
	st, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tenants[tenantID]; ok {
		return st
	}

	st = &tenantState{model: NewModel()}

	raw, err := s.repo.LoadModelState(ctx, tenantID)
	switch {
	case err == nil:
		model, lerr := LoadModel(raw)
		if lerr != nil {
			st.loadErr = lerr
			s.logger.Error("model state is unreadable, scoring degraded to rules",
				"tenant_id", tenantID, "error", lerr)
		} else {
			st.model = model
		}
	case errors.Is(err, domain.ErrNotFound):
		// Never trained. Rules serve as primary, not as a fallback.
	default:
		st.loadErr = err
		s.logger.Error("loading model state failed, scoring degraded to rules",
			"tenant_id", tenantID, "error", err)
	}

	custom, cerr := NewCustomRules()
	if cerr == nil {
		if rules, rerr := s.repo.ListScoreRules(ctx, tenantID); rerr == nil {
			if lerr := custom.Reload(rules); lerr != nil {
				s.logger.Error("loading score rules failed", "tenant_id", tenantID, "error", lerr)
			}
		}
		st.custom = custom
	}

	s.tenants[tenantID] = st
	return st
}

// Score produces the risk verdict for one feature set. The learned
// model scores when trained; otherwise, or on any model failure, the
// fixed rule policy scores and the outcome says which happened.
// Add-on rule contributions apply on top of the base score either way.
func (s *Service) Score(ctx context.Context, tenantID string, f features.Set, deviceNew bool, velocityCount int64) domain.Outcome {
	st := s.tenant(ctx, tenantID)

	// Snapshot under the read lock so an in-flight score sees one
	// consistent state even while a retrain swaps the model in.
	s.mu.RLock()
	model, custom, loadErr := st.model, st.custom, st.loadErr
	s.mu.RUnlock()

	var out domain.Outcome
	switch {
	case loadErr != nil:
		out = domain.Outcome{
			Result:   s.rules.Result(f, deviceNew),
			Degraded: true,
			Cause:    loadErr,
		}
	case model.Trained():
		result, err := model.Predict(f)
		if err != nil {
			s.logger.Warn("model prediction failed, falling back to rules",
				"tenant_id", tenantID, "error", err)
			out = domain.Outcome{
				Result:   s.rules.Result(f, deviceNew),
				Degraded: true,
				Cause:    err,
			}
		} else {
			out = domain.Outcome{Result: result}
		}
	default:
		out = domain.Outcome{Result: s.rules.Result(f, deviceNew)}
	}

	if custom != nil {
		out.Result = applyContributions(out.Result, custom.Evaluate(f, velocityCount))
	}
	return out
}

// applyContributions folds add-on rule points into a base result and
// recomputes the derived fields.
func applyContributions(res domain.ScoreResult, contribs []domain.RuleContribution) domain.ScoreResult {
	if len(contribs) == 0 {
		return res
	}
	score := res.RiskScore
	reasons := res.Reasons
	for _, c := range contribs {
		score += c.Points
		if c.Reason != "" {
			reasons = append(reasons, c.Reason)
		}
	}
	res.RiskScore = domain.ClampScore(score)
	res.RiskLevel = domain.LevelForScore(res.RiskScore)
	res.IsFraud = res.RiskScore >= domain.HighRiskThreshold
	res.Reasons = reasons
	res.Explanation = Explanation(reasons)
	return res
}

// Train fits a fresh model on the tenant's transaction history using
// self-labeled examples (risk at or above the high threshold counts as
// fraud). The new model replaces the old one only after its state has
// been durably persisted; any failure keeps the previous model intact.
func (s *Service) Train(ctx context.Context, tenantID string, now time.Time) (ModelInfo, error) {
	txs, err := s.repo.ListTransactions(ctx, tenantID, trainFetchLimit)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("loading training transactions: %w", err)
	}

	rows := make([]TrainRow, 0, len(txs))
	for _, tx := range txs {
		rows = append(rows, TrainRow{
			Features: features.FromTransaction(tx, now),
			Label:    tx.Risk >= domain.HighRiskThreshold,
		})
	}

	// Labels derive from the rule policy's own scores, so the model
	// learns an approximation of the rules rather than ground truth.
	s.logger.Warn("training on self-labeled data",
		"tenant_id", tenantID, "rows", len(rows))

	model := NewModel()
	if err := model.Train(rows, s.seed, now); err != nil {
		return ModelInfo{}, err
	}

	state, err := model.MarshalState()
	if err != nil {
		return ModelInfo{}, fmt.Errorf("encoding model state: %w", err)
	}
	if err := s.repo.SaveModelState(ctx, tenantID, state, now); err != nil {
		return ModelInfo{}, fmt.Errorf("persisting model state: %w", err)
	}

	st := s.tenant(ctx, tenantID)
	s.mu.Lock()
	st.model = model
	st.loadErr = nil
	s.mu.Unlock()

	info := model.Info()
	s.logger.Info("model trained",
		"tenant_id", tenantID,
		"model_version", info.ModelVersion,
		"rows", info.TrainRows,
		"positives", info.PositiveRows)
	return info, nil
}

// Info reports the active scorer for a tenant.
func (s *Service) Info(ctx context.Context, tenantID string) ModelInfo {
	st := s.tenant(ctx, tenantID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return st.model.Info()
}

// AddRule validates, persists, and loads an add-on score rule.
func (s *Service) AddRule(ctx context.Context, tenantID string, rule *domain.ScoreRule) error {
	st := s.tenant(ctx, tenantID)
	if st.custom == nil {
		return errors.New("scoring: rule engine unavailable")
	}
	if err := st.custom.Validate(rule); err != nil {
		return err
	}
	if err := s.repo.SaveScoreRule(ctx, tenantID, rule); err != nil {
		return fmt.Errorf("persisting score rule: %w", err)
	}
	if !rule.Enabled {
		return nil
	}
	return st.custom.Load(rule)
}

// ListRules returns the tenant's loaded add-on rules.
func (s *Service) ListRules(ctx context.Context, tenantID string) []*domain.ScoreRule {
	st := s.tenant(ctx, tenantID)
	if st.custom == nil {
		return nil
	}
	return st.custom.Loaded()
}

// ReloadRules re-reads the tenant's persisted rules and atomically
// swaps them in.
func (s *Service) ReloadRules(ctx context.Context, tenantID string) (int, error) {
	st := s.tenant(ctx, tenantID)
	if st.custom == nil {
		return 0, errors.New("scoring: rule engine unavailable")
	}
	rules, err := s.repo.ListScoreRules(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("loading score rules: %w", err)
	}
	if err := st.custom.Reload(rules); err != nil {
		return 0, err
	}
	return st.custom.Count(), nil
}
