package scoring

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// CustomRules is the CEL-based add-on rule engine. Each rule is a
// boolean expression over the canonical feature variables; rules that
// evaluate true contribute their configured points on top of the base
// score. Rules are hot-reloadable.
type CustomRules struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*compiledRule
}

type compiledRule struct {
	rule    *domain.ScoreRule
	program cel.Program
}

// NewCustomRules creates an empty add-on rule engine.
func NewCustomRules() (*CustomRules, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("country", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("device", cel.StringType),
		cel.Variable("card_type", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
		cel.Variable("velocity_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	return &CustomRules{
		env:      env,
		compiled: make(map[string]*compiledRule),
	}, nil
}

// Validate compiles a rule without loading it.
func (c *CustomRules) Validate(rule *domain.ScoreRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := c.compile(rule)
	return err
}

// Load compiles and loads a single rule, replacing any previous rule
// with the same ID.
func (c *CustomRules) Load(rule *domain.ScoreRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	compiled, err := c.compile(rule)
	if err != nil {
		return err
	}
	c.compiled[rule.ID] = compiled
	return nil
}

// Reload atomically replaces the loaded rule set. Disabled rules are
// skipped. On compile failure nothing is replaced.
func (c *CustomRules) Reload(rules []*domain.ScoreRule) error {
	next := make(map[string]*compiledRule)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := c.compile(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = compiled
	}
	c.compiled = next
	return nil
}

// Count returns the number of loaded rules.
func (c *CustomRules) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.compiled)
}

// Loaded returns the currently loaded rule configurations.
func (c *CustomRules) Loaded() []*domain.ScoreRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rules := make([]*domain.ScoreRule, 0, len(c.compiled))
	for _, cr := range c.compiled {
		rules = append(rules, cr.rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Evaluate runs every loaded rule against the features and returns the
// contributions of rules that matched. Rules are evaluated in ID order
// so contribution ordering is stable. A rule that errors contributes
// nothing rather than failing the transaction.
func (c *CustomRules) Evaluate(f features.Set, velocityCount int64) []domain.RuleContribution {
	c.mu.RLock()
	rules := make([]*compiledRule, 0, len(c.compiled))
	for _, cr := range c.compiled {
		rules = append(rules, cr)
	}
	c.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].rule.ID < rules[j].rule.ID })

	activation := map[string]any{
		"tx": map[string]any{
			"amount":      f.Amount,
			"country":     f.Country,
			"merchant":    f.Merchant,
			"channel":     f.Channel,
			"device":      f.Device,
			"card_type":   f.CardType,
			"hour":        f.Hour,
			"day_of_week": f.DayOfWeek,
		},
		"amount":         f.Amount,
		"country":        f.Country,
		"merchant":       f.Merchant,
		"channel":        f.Channel,
		"device":         f.Device,
		"card_type":      f.CardType,
		"hour":           f.Hour,
		"day_of_week":    f.DayOfWeek,
		"velocity_count": velocityCount,
	}

	var contributions []domain.RuleContribution
	for _, cr := range rules {
		out, _, err := cr.program.Eval(activation)
		if err != nil {
			continue
		}
		if matched(out) {
			contributions = append(contributions, domain.RuleContribution{
				RuleID: cr.rule.ID,
				Points: cr.rule.Points,
				Reason: cr.rule.Reason,
			})
		}
	}
	return contributions
}

// Close drops all loaded rules.
func (c *CustomRules) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compiled = make(map[string]*compiledRule)
	return nil
}

func (c *CustomRules) compile(rule *domain.ScoreRule) (*compiledRule, error) {
	ast, issues := c.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("creating program for rule %s: %w", rule.ID, err)
	}

	return &compiledRule{rule: rule, program: program}, nil
}

func matched(val ref.Val) bool {
	b, ok := val.(types.Bool)
	return ok && bool(b)
}
