package intent

import (
	"context"
	"log/slog"
	"time"

	"github.com/gazorpazorp/gateway/internal/identity"
	"github.com/gazorpazorp/gateway/internal/metrics"
)

// Tier routing thresholds.
const (
	trustedSkipReputation = 95   // at or above this, a clean pre-screen skips the LLM
	deepModelReputation   = 40   // below this, always use the deep model
	deepModelBodyBytes    = 1000 // bodies longer than this use the deep model
)

// AgentContext is what the analyzer knows about the caller.
type AgentContext struct {
	Reputation float64
	History    []string
}

// Analyzer is the tiered semantic filter: regex pre-screen, reputation-gated
// skip, cache consult, model choice, LLM verdict, fail-safe ladder.
type Analyzer struct {
	catalog   *Catalog
	llm       *LLMClient
	cache     *Cache
	fastModel string
	deepModel string
	metrics   *metrics.Metrics // optional
}

// NewAnalyzer wires the analyzer from its collaborators.
func NewAnalyzer(catalog *Catalog, llm *LLMClient, cache *Cache, fastModel, deepModel string) *Analyzer {
	return &Analyzer{
		catalog:   catalog,
		llm:       llm,
		cache:     cache,
		fastModel: fastModel,
		deepModel: deepModel,
	}
}

// WithMetrics attaches the Prometheus facade. Without it the analyzer still
// works; LLM and cache instruments just stay at zero.
func (a *Analyzer) WithMetrics(m *metrics.Metrics) *Analyzer {
	a.metrics = m
	return a
}

// Cache exposes the analysis cache for stats and invalidation surfaces.
func (a *Analyzer) Cache() *Cache { return a.cache }

// Analyze produces the semantic verdict for one request. It never returns an
// error: when the LLM is unreachable or returns garbage, the fail-safe ladder
// answers instead.
func (a *Analyzer) Analyze(ctx context.Context, method, path string, body []byte, agent AgentContext) *AnalysisResult {
	bodyText := string(body)
	matched := a.catalog.Match(bodyText)

	// Tier A: clean pre-screen plus near-perfect trust skips the LLM
	// entirely.
	if len(matched) == 0 && agent.Reputation >= trustedSkipReputation {
		return &AnalysisResult{
			IsMalicious:     false,
			Confidence:      0.95,
			ThreatType:      ThreatNone,
			Explanation:     "trusted skip",
			SuggestedAction: ActionAllow,
			RiskScore:       5,
		}
	}

	key := CacheKey(method, path, body, identity.BucketFor(agent.Reputation))
	cached := a.cache.Get(ctx, key)
	if a.metrics != nil {
		a.metrics.RecordCacheLookup(cached != nil)
	}
	if cached != nil {
		return cached
	}

	model := a.fastModel
	if len(matched) > 0 || agent.Reputation < deepModelReputation || len(bodyText) > deepModelBodyBytes {
		model = a.deepModel
	}

	prompt := buildPrompt(method, path, body, matched, agent.Reputation, agent.History)
	llmStart := time.Now()
	verdict, err := a.llm.Complete(ctx, model, prompt)
	if a.metrics != nil {
		a.metrics.RecordLLMCall(model, time.Since(llmStart).Seconds())
	}
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordLLMFailure()
		}
		slog.Warn("llm analysis failed, engaging fail-safe", "model", model, "error", err)
		return a.failSafe(matched, agent.Reputation)
	}

	threat := verdict.ThreatType
	if threat == "" {
		threat = ThreatNone
	}

	// Reputation discounts (or inflates) the raw model risk before the
	// action thresholds apply.
	adjusted := clampRisk(*verdict.RiskScore - (agent.Reputation-50)*0.3)

	result := &AnalysisResult{
		IsMalicious:     *verdict.IsMalicious,
		Confidence:      *verdict.Confidence,
		ThreatType:      threat,
		Explanation:     verdict.Explanation,
		SuggestedAction: actionForRisk(adjusted),
		RiskScore:       adjusted,
	}

	a.cache.Set(ctx, key, result)
	return result
}

// failSafe is the deterministic ladder used when no valid LLM verdict is
// available. Pattern hits block outright; low trust blocks; middling trust is
// challenged; established trust fails open.
func (a *Analyzer) failSafe(matched []ThreatType, reputation float64) *AnalysisResult {
	switch {
	case len(matched) > 0:
		return &AnalysisResult{
			IsMalicious:     true,
			Confidence:      0.8,
			ThreatType:      matched[0],
			Explanation:     "pre-screen pattern matched; analyzer unavailable",
			SuggestedAction: ActionBlock,
			RiskScore:       90,
		}
	case reputation < 60:
		return &AnalysisResult{
			IsMalicious:     true,
			Confidence:      0.5,
			ThreatType:      ThreatNone,
			Explanation:     "analyzer unavailable; low-trust agent blocked",
			SuggestedAction: ActionBlock,
			RiskScore:       80,
		}
	case reputation < 85:
		return &AnalysisResult{
			IsMalicious:     false,
			Confidence:      0.5,
			ThreatType:      ThreatNone,
			Explanation:     "analyzer unavailable; challenging",
			SuggestedAction: ActionChallenge,
			RiskScore:       50,
		}
	default:
		return &AnalysisResult{
			IsMalicious:     false,
			Confidence:      0.5,
			ThreatType:      ThreatNone,
			Explanation:     "analyzer unavailable; fail-open for established trust",
			SuggestedAction: ActionAllow,
			RiskScore:       20,
		}
	}
}
