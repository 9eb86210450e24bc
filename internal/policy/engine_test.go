package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snapshot builds the minimal evaluation-context shape the rules address.
func snapshot(risk, reputation float64, path string, sensitive bool) map[string]interface{} {
	return map[string]interface{}{
		"agent": map[string]interface{}{
			"id":         "agent_x",
			"reputation": reputation,
			"permissions": map[string]interface{}{
				"sensitiveDataAccess": sensitive,
			},
		},
		"request": map[string]interface{}{
			"method": "GET",
			"path":   path,
		},
		"analysis": map[string]interface{}{
			"riskScore":  risk,
			"threatType": "none",
		},
	}
}

// ==================== Default ruleset ====================

func TestDefaultRulesDecisions(t *testing.T) {
	e := NewEngine(DefaultRules(), nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		snap       map[string]interface{}
		wantAction string
		wantPolicy string
	}{
		{"high risk denied", snapshot(95, 80, "/api/data", false), ActionDeny, "block_high_risk"},
		{"risk exactly 90 denied", snapshot(90, 80, "/api/data", false), ActionDeny, "block_high_risk"},
		{"risk 89.9 challenged", snapshot(89.9, 80, "/api/data", false), ActionChallenge, "challenge_suspicious"},
		{"admin path without grant", snapshot(10, 80, "/api/admin/agents", false), ActionDeny, "protect_admin"},
		{"admin path with grant", snapshot(10, 80, "/api/admin/agents", true), ActionAllow, ""},
		{"untrusted rate limited", snapshot(10, 25, "/api/data", false), ActionRateLimit, "rate_limit_untrusted"},
		{"suspicious challenged", snapshot(75, 80, "/api/data", false), ActionChallenge, "challenge_suspicious"},
		{"risk 50 not suspicious", snapshot(50, 80, "/api/data", false), ActionAllow, ""},
		{"clean allowed", snapshot(10, 80, "/api/data", false), ActionAllow, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := e.Evaluate(ctx, tc.snap)
			assert.Equal(t, tc.wantAction, d.Action)
			assert.Equal(t, tc.wantPolicy, d.PolicyID)
		})
	}
}

// Priority 1 wins over priority 20 even when both match.
func TestPriorityOrdering(t *testing.T) {
	e := NewEngine(DefaultRules(), nil)

	// Risk 95 matches block_high_risk (p1); it would also be challenged at a
	// lower risk, but deny decides first.
	d := e.Evaluate(context.Background(), snapshot(95, 80, "/api/data", false))
	assert.Equal(t, "block_high_risk", d.PolicyID)
}

func TestDisabledRuleSkipped(t *testing.T) {
	rules := DefaultRules()
	for i := range rules {
		if rules[i].ID == "block_high_risk" {
			rules[i].Enabled = false
		}
	}
	e := NewEngine(rules, nil)

	d := e.Evaluate(context.Background(), snapshot(95, 80, "/api/data", false))
	assert.Equal(t, "challenge_suspicious", d.PolicyID)
}

func TestRateLimitParamsCarried(t *testing.T) {
	e := NewEngine(DefaultRules(), nil)

	d := e.Evaluate(context.Background(), snapshot(10, 25, "/api/data", false))
	require.Equal(t, ActionRateLimit, d.Action)
	assert.Equal(t, 10, d.Params["maxRequests"])
	assert.Equal(t, 60, d.Params["windowSeconds"])
}

// ==================== Operators ====================

func TestOperators(t *testing.T) {
	snap := map[string]interface{}{
		"analysis": map[string]interface{}{
			"riskScore":  70.0,
			"threatType": "sql_injection",
		},
		"request": map[string]interface{}{
			"path": "/api/users/search",
		},
		"agent": map[string]interface{}{
			"permissions": map[string]interface{}{
				"allowedEndpoints": []interface{}{"/api/users", "/api/orders"},
			},
		},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Condition{Field: "analysis.threatType", Operator: OpEq, Value: "sql_injection"}, true},
		{"eq mismatch", Condition{Field: "analysis.threatType", Operator: OpEq, Value: "none"}, false},
		{"eq numeric cross-type", Condition{Field: "analysis.riskScore", Operator: OpEq, Value: 70}, true},
		{"neq", Condition{Field: "analysis.threatType", Operator: OpNeq, Value: "none"}, true},
		{"gt true", Condition{Field: "analysis.riskScore", Operator: OpGt, Value: 69}, true},
		{"gt boundary", Condition{Field: "analysis.riskScore", Operator: OpGt, Value: 70}, false},
		{"gte boundary", Condition{Field: "analysis.riskScore", Operator: OpGte, Value: 70}, true},
		{"gte miss", Condition{Field: "analysis.riskScore", Operator: OpGte, Value: 70.1}, false},
		{"lt true", Condition{Field: "analysis.riskScore", Operator: OpLt, Value: 71}, true},
		{"lte boundary", Condition{Field: "analysis.riskScore", Operator: OpLte, Value: 70}, true},
		{"contains string", Condition{Field: "request.path", Operator: OpContains, Value: "users"}, true},
		{"contains list", Condition{Field: "agent.permissions.allowedEndpoints", Operator: OpContains, Value: "/api/orders"}, true},
		{"matches", Condition{Field: "request.path", Operator: OpMatches, Value: "^/api/users"}, true},
		{"matches anchored miss", Condition{Field: "request.path", Operator: OpMatches, Value: "^/api/admin"}, false},
		{"in hit", Condition{Field: "analysis.threatType", Operator: OpIn, Value: []interface{}{"sql_injection", "command_injection"}}, true},
		{"in miss", Condition{Field: "analysis.threatType", Operator: OpIn, Value: []interface{}{"prompt_injection"}}, false},
		{"unknown operator", Condition{Field: "analysis.riskScore", Operator: "between", Value: 1}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule := Rule{ID: "t", Priority: 1, Conditions: []Condition{tc.cond},
				Action: RuleAction{Type: ActionDeny}, Enabled: true}
			e := NewEngine([]Rule{rule}, nil)
			d := e.Evaluate(context.Background(), snap)
			got := d.Action == ActionDeny
			assert.Equal(t, tc.want, got)
		})
	}
}

// A condition over a missing field fails the rule rather than erroring.
func TestMissingFieldFailsRule(t *testing.T) {
	rule := Rule{ID: "t", Priority: 1,
		Conditions: []Condition{{Field: "anomaly.score", Operator: OpGt, Value: 0.5}},
		Action:     RuleAction{Type: ActionDeny}, Enabled: true}
	e := NewEngine([]Rule{rule}, nil)

	d := e.Evaluate(context.Background(), snapshot(95, 80, "/x", false))
	assert.Equal(t, ActionAllow, d.Action)
}

// ==================== Audit ====================

func TestAuditRecordsMatches(t *testing.T) {
	e := NewEngine(DefaultRules(), nil)
	ctx := context.Background()

	e.Evaluate(ctx, snapshot(95, 80, "/api/data", false))
	e.Evaluate(ctx, snapshot(10, 80, "/api/data", false)) // default allow, not audited
	e.Evaluate(ctx, snapshot(75, 80, "/api/other", false))

	tail := e.AuditTail(10)
	require.Len(t, tail, 2)
	assert.Equal(t, "block_high_risk", tail[0].PolicyID)
	assert.Equal(t, "challenge_suspicious", tail[1].PolicyID)
	assert.Equal(t, "agent_x", tail[1].AgentID)
	assert.Equal(t, "/api/other", tail[1].Path)
}

// ==================== YAML loading ====================

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	yaml := `rules:
  - id: block_exfil
    name: Block exfiltration verdicts
    priority: 2
    conditions:
      - field: analysis.threatType
        operator: in
        value: [data_exfiltration, privilege_escalation]
    action:
      type: deny
    enabled: true
  - id: slow_writers
    name: Rate limit writes
    priority: 8
    conditions:
      - field: request.method
        operator: eq
        value: POST
    action:
      type: rate_limit
      params:
        maxRequests: 5
        windowSeconds: 30
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "block_exfil", rules[0].ID)
	assert.Equal(t, 5, rules[1].Action.Params["maxRequests"])

	e := NewEngine(rules, nil)
	d := e.Evaluate(context.Background(), map[string]interface{}{
		"analysis": map[string]interface{}{"threatType": "data_exfiltration"},
	})
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, "block_exfil", d.PolicyID)
}

func TestLoadRulesMissingFile(t *testing.T) {
	_, err := LoadRules("/no/such/rules.yaml")
	assert.Error(t, err)
}
