package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// DefaultRules is the shipped ruleset. Priority ascends in importance:
// priority 1 is evaluated first.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "block_high_risk",
			Name:     "Block high-risk requests",
			Priority: 1,
			Conditions: []Condition{
				{Field: "analysis.riskScore", Operator: OpGte, Value: 90},
			},
			Action:  RuleAction{Type: ActionDeny},
			Enabled: true,
		},
		{
			ID:       "protect_admin",
			Name:     "Deny admin paths without sensitive-data access",
			Priority: 5,
			Conditions: []Condition{
				{Field: "request.path", Operator: OpMatches, Value: "^/api/admin"},
				{Field: "agent.permissions.sensitiveDataAccess", Operator: OpEq, Value: false},
			},
			Action:  RuleAction{Type: ActionDeny},
			Enabled: true,
		},
		{
			ID:       "rate_limit_untrusted",
			Name:     "Rate limit untrusted agents",
			Priority: 10,
			Conditions: []Condition{
				{Field: "agent.reputation", Operator: OpLt, Value: 30},
			},
			Action: RuleAction{
				Type:   ActionRateLimit,
				Params: map[string]interface{}{"maxRequests": 10, "windowSeconds": 60},
			},
			Enabled: true,
		},
		{
			ID:       "challenge_suspicious",
			Name:     "Challenge suspicious requests",
			Priority: 20,
			Conditions: []Condition{
				{Field: "analysis.riskScore", Operator: OpGt, Value: 50},
				{Field: "analysis.riskScore", Operator: OpLt, Value: 90},
			},
			Action:  RuleAction{Type: ActionChallenge},
			Enabled: true,
		},
	}
}

// ruleFile is the YAML schema for operator-supplied rulesets.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML ruleset. yaml.v2 decodes nested values as
// map[interface{}]interface{}; params are normalized to map[string]interface{}
// so the engine and JSON surfaces see one shape.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset %s: %w", path, err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse ruleset %s: %w", path, err)
	}
	for i := range f.Rules {
		f.Rules[i].Action.Params = normalizeMap(f.Rules[i].Action.Params)
		for j := range f.Rules[i].Conditions {
			f.Rules[i].Conditions[j].Value = normalizeValue(f.Rules[i].Conditions[j].Value)
		}
	}
	return f.Rules, nil
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeValue(val)
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}
