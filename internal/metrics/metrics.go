// Package metrics holds the Prometheus facade for the gateway. It is
// initialized once at startup and passed to the pipeline and API as a
// collaborator — no package-level registry access outside this file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the gateway.
type Metrics struct {
	// Pipeline outcomes
	RequestsTotal *prometheus.CounterVec
	RiskScore     prometheus.Histogram
	StageDuration *prometheus.HistogramVec

	// Identity filter
	VerifyFailures *prometheus.CounterVec

	// Intent filter
	LLMDuration *prometheus.HistogramVec
	LLMFailures prometheus.Counter
	CacheEvents *prometheus.CounterVec

	// Anomaly detection
	AnomalyScore prometheus.Histogram

	// Challenges
	ChallengesIssued   *prometheus.CounterVec
	ChallengesVerified *prometheus.CounterVec
}

// New creates and registers all gateway metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Requests processed by the evaluation pipeline",
			},
			[]string{"decision"}, // allow, deny, rate_limit, challenge, error
		),

		RiskScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_risk_score",
				Help:    "Final risk score after anomaly folding",
				Buckets: []float64{5, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_stage_duration_seconds",
				Help:    "Duration of each pipeline stage",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"}, // verify, intent, anomaly, policy, proxy
		),

		VerifyFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_verify_failures_total",
				Help: "Cryptographic verification failures by reason",
			},
			[]string{"reason"}, // expired, replay, unknown_agent, invalid_signature, malformed
		),

		LLMDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_llm_duration_seconds",
				Help:    "LLM completion call duration",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"model"},
		),

		LLMFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_llm_failures_total",
				Help: "LLM calls that failed or returned invalid verdicts",
			},
		),

		CacheEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_analysis_cache_events_total",
				Help: "Analysis cache lookups by result",
			},
			[]string{"result"}, // hit, miss
		),

		AnomalyScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_anomaly_score",
				Help:    "Behavioral anomaly score per evaluated request",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		),

		ChallengesIssued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_challenges_issued_total",
				Help: "Challenges issued by type",
			},
			[]string{"type"},
		),

		ChallengesVerified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_challenges_verified_total",
				Help: "Challenge verification attempts by outcome",
			},
			[]string{"outcome"}, // verified, failed
		),
	}
}

// RecordDecision counts one pipeline outcome and observes the final risk.
func (m *Metrics) RecordDecision(decision string, risk float64) {
	m.RequestsTotal.WithLabelValues(decision).Inc()
	m.RiskScore.Observe(risk)
}

// RecordVerifyFailure counts one identity-filter failure.
func (m *Metrics) RecordVerifyFailure(reason string) {
	m.VerifyFailures.WithLabelValues(reason).Inc()
}

// RecordLLMCall observes one completion call's duration.
func (m *Metrics) RecordLLMCall(model string, seconds float64) {
	m.LLMDuration.WithLabelValues(model).Observe(seconds)
}

// RecordLLMFailure counts one failed or invalid completion call.
func (m *Metrics) RecordLLMFailure() {
	m.LLMFailures.Inc()
}

// RecordCacheLookup counts one analysis-cache consult.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheEvents.WithLabelValues(result).Inc()
}

// RecordChallenge counts one issued challenge.
func (m *Metrics) RecordChallenge(challengeType string) {
	m.ChallengesIssued.WithLabelValues(challengeType).Inc()
}

// RecordChallengeVerify counts one verification attempt.
func (m *Metrics) RecordChallengeVerify(ok bool) {
	outcome := "failed"
	if ok {
		outcome = "verified"
	}
	m.ChallengesVerified.WithLabelValues(outcome).Inc()
}
