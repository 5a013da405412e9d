// Package scoring turns canonical transaction features into a risk
// verdict: a learned classifier when trained state exists, a fixed
// rule policy otherwise or on any learned-scorer failure.
package scoring

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// highRiskCountries is the fixed sanctioned/high-risk jurisdiction set.
var highRiskCountries = map[string]bool{
	"NG": true, "IR": true, "KP": true, "SY": true, "VE": true, "AF": true,
}

// highRiskMerchantKeywords flags merchant categories by case-insensitive
// substring match.
var highRiskMerchantKeywords = []string{
	"crypto", "gambling", "offshore", "casino", "forex",
}

// lowRiskExplanation is returned when no rule contributed.
const lowRiskExplanation = "Low risk transaction"

// RuleScorer is the deterministic additive scorer. It is always
// available and serves both as the primary scorer when no trained model
// exists and as the fallback on any learned-scorer failure.
//
// The policy is fixed: each condition is evaluated independently,
// contributions sum, and the total is clamped to [0,100]. The amount
// tiers are mutually exclusive and evaluated in priority order; that
// ordering is load-bearing and changing it is a compatibility break.
type RuleScorer struct {
	// HomeCountry is the jurisdiction that does not count as foreign.
	HomeCountry string
}

// NewRuleScorer creates a rule scorer with the default home jurisdiction.
func NewRuleScorer(homeCountry string) *RuleScorer {
	if homeCountry == "" {
		homeCountry = "UAE"
	}
	return &RuleScorer{HomeCountry: homeCountry}
}

// Score computes the additive risk score and its ordered reasons.
// Identical input always yields identical output.
func (s *RuleScorer) Score(f features.Set, deviceNew bool) (int, []string) {
	risk := 0
	var reasons []string

	// Amount tiers: only the first matching tier applies.
	switch {
	case f.Amount > 50000:
		risk += 40
		reasons = append(reasons, "Very high amount (>$50k)")
	case f.Amount > 20000:
		risk += 25
		reasons = append(reasons, "High amount (>$20k)")
	case f.Amount > 10000:
		risk += 15
		reasons = append(reasons, "Elevated amount (>$10k)")
	}

	if highRiskCountries[f.Country] {
		risk += 30
		reasons = append(reasons, fmt.Sprintf("High-risk country (%s)", f.Country))
	} else if f.Country != "" && f.Country != features.Unknown && f.Country != s.HomeCountry {
		risk += 10
		reasons = append(reasons, "Foreign transaction")
	}

	if f.Device == "Unknown" || deviceNew {
		risk += 15
		reasons = append(reasons, "New or unknown device")
	}

	merchant := strings.ToLower(f.Merchant)
	if merchant != "" && merchant != strings.ToLower(features.Unknown) {
		for _, keyword := range highRiskMerchantKeywords {
			if strings.Contains(merchant, keyword) {
				risk += 25
				reasons = append(reasons, "High-risk merchant category")
				break
			}
		}
	}

	if f.Hour < 6 || f.Hour > 23 {
		risk += 10
		reasons = append(reasons, "Unusual transaction time")
	}

	if f.Channel == "ATM" {
		risk += 5
		reasons = append(reasons, "ATM transaction")
	}

	return domain.ClampScore(risk), reasons
}

// Result scores the features and wraps the verdict as a ScoreResult
// tagged with the rule scorer's model version.
func (s *RuleScorer) Result(f features.Set, deviceNew bool) domain.ScoreResult {
	score, reasons := s.Score(f, deviceNew)
	return domain.ScoreResult{
		RiskScore:    score,
		RiskLevel:    domain.LevelForScore(score),
		IsFraud:      score >= domain.HighRiskThreshold,
		Confidence:   0.6,
		Reasons:      reasons,
		Explanation:  Explanation(reasons),
		ModelVersion: domain.ModelVersionRules,
	}
}

// Explanation joins reasons into the free-text summary persisted on the
// transaction.
func Explanation(reasons []string) string {
	if len(reasons) == 0 {
		return lowRiskExplanation
	}
	return strings.Join(reasons, "; ")
}
