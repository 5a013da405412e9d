package domain

// ScoreRule is an optional, operator-configured add-on rule evaluated on
// top of the fixed scoring policy. When the rule's CEL expression
// evaluates truthy for a transaction, Points are added to the risk score
// (the total is still clamped to [0,100]) and Reason is appended to the
// explanation. With no rules configured, scoring output is exactly the
// fixed policy.
type ScoreRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`

	// CEL expression over the canonical feature variables; must return
	// bool (triggered or not).
	Expression string `json:"expression"`

	// Points added to the risk score when the rule triggers.
	Points int `json:"points"`

	// Reason appended to the explanation when the rule triggers.
	Reason string `json:"reason"`

	Enabled bool `json:"enabled"`
}

// RuleContribution is one triggered rule's addition to a score.
type RuleContribution struct {
	RuleID string `json:"ruleId"`
	Points int    `json:"points"`
	Reason string `json:"reason"`
}
