package domain

// Risk thresholds. These are fixed constants shared by every scorer
// implementation so escalation behaves the same no matter which scorer
// produced the number.
const (
	// MediumRiskThreshold is the lower bound of the MEDIUM tier.
	MediumRiskThreshold = 40

	// HighRiskThreshold is the lower bound of the HIGH tier. It doubles
	// as the fraud flag cutoff and the self-labeling cutoff for training.
	HighRiskThreshold = 70

	// EscalationThreshold is the score at or above which a case is
	// auto-created for a transaction.
	EscalationThreshold = 70

	// RedSeverityThreshold is the score at or above which an auto-created
	// case is RED rather than ORANGE.
	RedSeverityThreshold = 90
)

// Risk level tiers for transactions.
const (
	RiskLevelLow    = "LOW"
	RiskLevelMedium = "MEDIUM"
	RiskLevelHigh   = "HIGH"
)

// Scorer version tags. A degraded result is distinguishable from a
// healthy learned-model result by its ModelVersion.
const (
	ModelVersionRules    = "rules_v1"
	ModelVersionLogistic = "logistic_v1"
)

// LevelForScore maps a risk score to its discrete tier.
func LevelForScore(score int) string {
	switch {
	case score >= HighRiskThreshold:
		return RiskLevelHigh
	case score >= MediumRiskThreshold:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// SeverityForScore maps an escalating score to a case severity.
// Callers must only invoke it for scores at or above the escalation
// threshold.
func SeverityForScore(score int) string {
	if score >= RedSeverityThreshold {
		return SeverityRed
	}
	return SeverityOrange
}

// ClampScore bounds a score to [0, 100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ScoreResult is the transient output of scoring one transaction.
type ScoreResult struct {
	RiskScore    int                `json:"riskScore"`
	RiskLevel    string             `json:"riskLevel"`
	IsFraud      bool               `json:"isFraud"`
	Confidence   float64            `json:"confidence"`
	Reasons      []string           `json:"reasons,omitempty"`
	Explanation  string             `json:"explanation"`
	ModelVersion string             `json:"modelVersion"`
	ShapTop      map[string]float64 `json:"shapTop,omitempty"`
}

// Outcome is a tagged scoring result. Degraded marks results produced by
// the rule-based fallback after a learned-scorer failure; Cause records
// why. Callers and tests can assert on degradation explicitly instead of
// relying on logged side effects.
type Outcome struct {
	Result   ScoreResult `json:"result"`
	Degraded bool        `json:"degraded"`
	Cause    error       `json:"-"`
}
