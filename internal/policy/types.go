// Package policy is the third pipeline filter: an ordered, declarative rule
// set evaluated against the request's evaluation context. Lower priority
// numbers win; the first rule whose conditions all match decides the action.
package policy

// Action types a rule can decide.
const (
	ActionAllow     = "allow"
	ActionDeny      = "deny"
	ActionRateLimit = "rate_limit"
	ActionChallenge = "challenge"
)

// Operators supported in rule conditions.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpMatches  = "matches"
	OpIn       = "in"
)

// Condition is one predicate over a dotted field path into the evaluation
// context snapshot (e.g. "analysis.riskScore", "agent.permissions.sensitiveDataAccess").
type Condition struct {
	Field    string      `yaml:"field" json:"field"`
	Operator string      `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value" json:"value"`
}

// RuleAction is what a matched rule decides, with optional parameters
// (e.g. rate_limit window overrides).
type RuleAction struct {
	Type   string                 `yaml:"type" json:"type"`
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
}

// Rule is one declarative policy rule. All conditions must match.
type Rule struct {
	ID         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name" json:"name"`
	Priority   int         `yaml:"priority" json:"priority"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
	Action     RuleAction  `yaml:"action" json:"action"`
	Enabled    bool        `yaml:"enabled" json:"enabled"`
}

// Decision is the engine's verdict for one request.
type Decision struct {
	Action     string                 `json:"action"`
	PolicyID   string                 `json:"policyId,omitempty"`
	PolicyName string                 `json:"policyName,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// AuditEntry records one matched decision.
type AuditEntry struct {
	Timestamp int64  `json:"ts"` // ms since epoch
	PolicyID  string `json:"policyId"`
	Action    string `json:"action"`
	AgentID   string `json:"agentId,omitempty"`
	Path      string `json:"path,omitempty"`
}
