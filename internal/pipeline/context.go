// Package pipeline composes the three serial filters — cryptographic
// identity, semantic intent, policy — plus the anomaly fold, the rate-limit
// counter, the challenge escalation, and the upstream forwarder, into one
// request handler.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/gazorpazorp/gateway/internal/anomaly"
	"github.com/gazorpazorp/gateway/internal/identity"
	"github.com/gazorpazorp/gateway/internal/intent"
	"github.com/gazorpazorp/gateway/internal/policy"
	"github.com/gazorpazorp/gateway/internal/verifier"
)

// EvaluationContext is the per-request record handed between stages. Policy
// rules address it through dotted field paths over its JSON form.
type EvaluationContext struct {
	Agent    *identity.AgentIdentity `json:"agent"`
	Request  *verifier.SignedRequest `json:"request"`
	Analysis *intent.AnalysisResult  `json:"analysis"`
	Anomaly  *anomaly.Result         `json:"anomaly"`
	Decision *policy.Decision        `json:"decision"`
}

// Snapshot renders the context as the nested map the policy engine walks.
// Field names follow the JSON tags, so "analysis.riskScore" and
// "agent.permissions.sensitiveDataAccess" resolve as written in rules.
func (ec *EvaluationContext) Snapshot() (map[string]interface{}, error) {
	data, err := json.Marshal(ec)
	if err != nil {
		return nil, fmt.Errorf("snapshot context: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("snapshot context: %w", err)
	}
	return m, nil
}
