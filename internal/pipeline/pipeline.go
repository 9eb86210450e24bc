package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gazorpazorp/gateway/internal/anomaly"
	"github.com/gazorpazorp/gateway/internal/challenge"
	"github.com/gazorpazorp/gateway/internal/events"
	"github.com/gazorpazorp/gateway/internal/identity"
	"github.com/gazorpazorp/gateway/internal/intent"
	"github.com/gazorpazorp/gateway/internal/kv"
	"github.com/gazorpazorp/gateway/internal/metrics"
	"github.com/gazorpazorp/gateway/internal/policy"
	"github.com/gazorpazorp/gateway/internal/verifier"
)

// Wire headers the gateway consumes from agents.
const (
	HeaderSignature   = "X-Agent-Signature"
	HeaderPubkey      = "X-Agent-Pubkey"
	HeaderPayload     = "X-Signed-Payload"
	HeaderChallengeID = "X-Challenge-Id"
)

// Internal trust headers injected on forwarded requests. The backend relies
// on these instead of re-verifying signatures.
const (
	HeaderVerifiedAgentID = "X-Verified-Agent-Id"
	HeaderRiskScore       = "X-Risk-Score"
	HeaderVerified        = "X-Verified"
)

const (
	// anomalyRiskWeight scales the [0,1] anomaly score into risk points.
	anomalyRiskWeight = 20.0

	// redeemedRiskCap bounds the folded risk for a request that presented a
	// completed challenge, so the retry is not re-challenged.
	redeemedRiskCap = 30.0

	// maxBodyBytes is the hard read cap before the agent's own payload
	// permission is known.
	maxBodyBytes = 4 << 20
)

// Pipeline is the full request evaluator: verify, analyze, detect, decide,
// enforce, forward.
type Pipeline struct {
	verifier   *verifier.Verifier
	analyzer   *intent.Analyzer
	detector   *anomaly.Detector
	engine     *policy.Engine
	challenges *challenge.Service
	bus        *events.Bus
	metrics    *metrics.Metrics
	kv         kv.Store
	proxy      *Proxy
}

// New wires the pipeline from its collaborators.
func New(
	v *verifier.Verifier,
	a *intent.Analyzer,
	d *anomaly.Detector,
	e *policy.Engine,
	c *challenge.Service,
	b *events.Bus,
	m *metrics.Metrics,
	store kv.Store,
	proxy *Proxy,
) *Pipeline {
	return &Pipeline{
		verifier:   v,
		analyzer:   a,
		detector:   d,
		engine:     e,
		challenges: c,
		bus:        b,
		metrics:    m,
		kv:         store,
		proxy:      proxy,
	}
}

// ServeHTTP runs the evaluation pipeline for one inbound agent request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sigHex := r.Header.Get(HeaderSignature)
	pubText := r.Header.Get(HeaderPubkey)
	payloadB64 := r.Header.Get(HeaderPayload)
	if sigHex == "" || pubText == "" || payloadB64 == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "missing authentication headers",
		})
		p.metrics.RecordVerifyFailure("missing_headers")
		return
	}

	rawPayload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "signed payload is not valid base64",
		})
		p.metrics.RecordVerifyFailure("malformed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unreadable request body",
		})
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	// Stage 1: cryptographic identity.
	verifyStart := time.Now()
	agent, payload, err := p.verifier.Verify(ctx, rawPayload, sigHex, pubText)
	p.metrics.StageDuration.WithLabelValues("verify").Observe(time.Since(verifyStart).Seconds())
	if err != nil {
		p.rejectVerify(ctx, w, r, payload, err)
		return
	}

	// The signature must cover the request actually being made.
	if payload.Method != r.Method || payload.Path != r.URL.Path || !bodyMatches(payload.Body, body) {
		p.deny(ctx, w, agent, r, "signed payload does not match request", "", "", 0)
		p.metrics.RecordDecision("deny", 0)
		return
	}

	if rej := p.checkPermissions(agent, r.Method, r.URL.Path, int64(len(body))); rej != "" {
		p.deny(ctx, w, agent, r, rej, "", "", 0)
		p.metrics.RecordDecision("deny", 0)
		return
	}

	// A completed challenge short-circuits semantic scrutiny for the retry.
	redeemed := false
	if chID := r.Header.Get(HeaderChallengeID); chID != "" {
		if _, ok := p.challenges.Redeem(ctx, chID, agent.ID); ok {
			redeemed = true
		}
	}

	// Stage 2: semantic intent.
	var analysis *intent.AnalysisResult
	if redeemed {
		analysis = &intent.AnalysisResult{
			IsMalicious:     false,
			Confidence:      1,
			ThreatType:      intent.ThreatNone,
			Explanation:     "challenge completed",
			SuggestedAction: intent.ActionAllow,
			RiskScore:       10,
		}
	} else {
		history, histErr := p.detector.History(ctx, agent.ID, 20)
		if histErr != nil {
			history = nil
		}
		intentStart := time.Now()
		analysis = p.analyzer.Analyze(ctx, r.Method, r.URL.Path, body, intent.AgentContext{
			Reputation: agent.Reputation,
			History:    history,
		})
		p.metrics.StageDuration.WithLabelValues("intent").Observe(time.Since(intentStart).Seconds())
	}

	// Stage 3: behavioral anomaly. Detection runs against the baseline as it
	// stood before this request; only then does the request join the profile.
	anomalyStart := time.Now()
	anomalyRes, err := p.detector.Detect(ctx, agent.ID, r.Method, r.URL.Path, int64(len(body)))
	if err != nil {
		slog.Warn("anomaly detection failed", "agent_id", agent.ID, "error", err)
		anomalyRes = &anomaly.Result{}
	}
	if err := p.detector.UpdateProfile(ctx, agent.ID, r.Method, r.URL.Path, int64(len(body))); err != nil {
		slog.Warn("profile update failed", "agent_id", agent.ID, "error", err)
	}
	p.metrics.StageDuration.WithLabelValues("anomaly").Observe(time.Since(anomalyStart).Seconds())
	p.metrics.AnomalyScore.Observe(anomalyRes.Score)

	risk := analysis.RiskScore + anomalyRiskWeight*anomalyRes.Score
	if risk > 100 {
		risk = 100
	}
	if redeemed && risk > redeemedRiskCap {
		risk = redeemedRiskCap
	}
	analysis.RiskScore = risk

	// Stage 4: policy.
	ec := &EvaluationContext{
		Agent:    agent,
		Request:  payload,
		Analysis: analysis,
		Anomaly:  anomalyRes,
	}
	snapshot, err := ec.Snapshot()
	if err != nil {
		slog.Error("evaluation context snapshot failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		p.metrics.RecordDecision("error", risk)
		return
	}
	policyStart := time.Now()
	decision := p.engine.Evaluate(ctx, snapshot)
	p.metrics.StageDuration.WithLabelValues("policy").Observe(time.Since(policyStart).Seconds())
	ec.Decision = &decision

	switch decision.Action {
	case policy.ActionDeny:
		p.deny(ctx, w, agent, r, "blocked by policy", decision.PolicyID, string(analysis.ThreatType), risk)
		p.metrics.RecordDecision("deny", risk)

	case policy.ActionRateLimit:
		p.enforceRateLimit(ctx, w, r, agent, decision, risk)

	case policy.ActionChallenge:
		p.escalate(ctx, w, agent, r, risk)

	default:
		p.forward(w, r, agent, risk)
		p.metrics.RecordDecision("allow", risk)
	}
}

// rejectVerify maps an identity-filter error onto the wire.
func (p *Pipeline) rejectVerify(ctx context.Context, w http.ResponseWriter, r *http.Request, payload *verifier.SignedRequest, err error) {
	switch {
	case errors.Is(err, verifier.ErrMalformedPayload), errors.Is(err, verifier.ErrBadPublicKey):
		p.metrics.RecordVerifyFailure("malformed")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

	case errors.Is(err, verifier.ErrExpired),
		errors.Is(err, verifier.ErrReplay),
		errors.Is(err, verifier.ErrUnknownAgent),
		errors.Is(err, verifier.ErrInvalidSignature):
		reason := verifyReason(err)
		p.metrics.RecordVerifyFailure(reason)
		ev := events.SecurityEvent{
			Kind:   "deny",
			Method: r.Method,
			Path:   r.URL.Path,
			Reason: reason,
		}
		if payload != nil {
			ev.Path = payload.Path
		}
		p.bus.Publish(ctx, ev)
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":  "verification failed",
			"reason": reason,
		})

	default:
		slog.Error("verification backend error", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "verification unavailable"})
	}
	p.metrics.RecordDecision("deny", 0)
}

func verifyReason(err error) string {
	switch {
	case errors.Is(err, verifier.ErrExpired):
		return "expired"
	case errors.Is(err, verifier.ErrReplay):
		return "replay"
	case errors.Is(err, verifier.ErrUnknownAgent):
		return "unknown_agent"
	case errors.Is(err, verifier.ErrInvalidSignature):
		return "invalid_signature"
	}
	return "error"
}

// checkPermissions enforces the static per-agent grants that need no policy
// rule. Returns the rejection reason, or "" when allowed. Denied endpoints
// take precedence over allowed ones.
func (p *Pipeline) checkPermissions(agent *identity.AgentIdentity, method, path string, bodySize int64) string {
	perms := agent.Permissions
	if perms.MaxPayloadSize > 0 && bodySize > perms.MaxPayloadSize {
		return "payload exceeds permitted size"
	}
	if len(perms.AllowedMethods) > 0 {
		ok := false
		for _, m := range perms.AllowedMethods {
			if m == method || m == "*" {
				ok = true
				break
			}
		}
		if !ok {
			return "method not permitted"
		}
	}
	for _, pattern := range perms.DeniedEndpoints {
		if endpointMatches(pattern, path) {
			return "endpoint denied"
		}
	}
	if len(perms.AllowedEndpoints) > 0 {
		ok := false
		for _, pattern := range perms.AllowedEndpoints {
			if endpointMatches(pattern, path) {
				ok = true
				break
			}
		}
		if !ok {
			return "endpoint not permitted"
		}
	}
	return ""
}

// endpointMatches checks one permission entry against the request path. "*"
// matches everything, a trailing "*" matches the prefix, anything else is an
// exact path.
func endpointMatches(pattern, path string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == path
}

func (p *Pipeline) forward(w http.ResponseWriter, r *http.Request, agent *identity.AgentIdentity, risk float64) {
	r.Header.Set(HeaderVerifiedAgentID, agent.ID)
	r.Header.Set(HeaderRiskScore, strconv.FormatFloat(risk, 'f', -1, 64))
	r.Header.Set(HeaderVerified, "true")

	proxyStart := time.Now()
	p.proxy.Forward(w, r)
	p.metrics.StageDuration.WithLabelValues("proxy").Observe(time.Since(proxyStart).Seconds())
}

func (p *Pipeline) deny(ctx context.Context, w http.ResponseWriter, agent *identity.AgentIdentity, r *http.Request, reason, policyID, threatType string, risk float64) {
	ev := events.SecurityEvent{
		Kind:       "deny",
		Method:     r.Method,
		Path:       r.URL.Path,
		Reason:     reason,
		PolicyID:   policyID,
		ThreatType: threatType,
		RiskScore:  risk,
	}
	if agent != nil {
		ev.AgentID = agent.ID
		ev.Fingerprint = agent.Fingerprint
	}
	p.bus.Publish(ctx, ev)

	resp := map[string]string{"error": "request blocked", "reason": reason}
	if policyID != "" {
		resp["policyId"] = policyID
	}
	if threatType != "" && threatType != string(intent.ThreatNone) {
		resp["threatType"] = threatType
	}
	writeJSON(w, http.StatusForbidden, resp)
}

func (p *Pipeline) enforceRateLimit(ctx context.Context, w http.ResponseWriter, r *http.Request, agent *identity.AgentIdentity, decision policy.Decision, risk float64) {
	maxRequests := agent.RateLimit.MaxRequests
	window := time.Duration(agent.RateLimit.WindowMs) * time.Millisecond
	if v, ok := paramInt(decision.Params, "maxRequests"); ok {
		maxRequests = v
	}
	if v, ok := paramInt(decision.Params, "windowSeconds"); ok {
		window = time.Duration(v) * time.Second
	}
	if maxRequests <= 0 || window <= 0 {
		// Fall back to the agent's permission grant.
		maxRequests = agent.Permissions.MaxRequestsPerMinute
		window = time.Minute
	}
	if maxRequests <= 0 {
		maxRequests = 60
	}

	res, err := checkRateLimit(ctx, p.kv, agent.ID, maxRequests, window)
	if err != nil {
		slog.Warn("rate limit check failed, allowing", "agent_id", agent.ID, "error", err)
		p.forward(w, r, agent, risk)
		p.metrics.RecordDecision("allow", risk)
		return
	}

	if !res.Allowed {
		p.bus.Publish(ctx, events.SecurityEvent{
			Kind:        "rate_limit",
			AgentID:     agent.ID,
			Fingerprint: agent.Fingerprint,
			Method:      r.Method,
			Path:        r.URL.Path,
			PolicyID:    decision.PolicyID,
			RiskScore:   risk,
		})
		p.metrics.RecordDecision("rate_limit", risk)
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":      "rate limit exceeded",
			"retryAfter": res.RetryAfter,
			"remaining":  res.Remaining,
		})
		return
	}

	p.forward(w, r, agent, risk)
	p.metrics.RecordDecision("allow", risk)
}

func (p *Pipeline) escalate(ctx context.Context, w http.ResponseWriter, agent *identity.AgentIdentity, r *http.Request, risk float64) {
	ch, err := p.challenges.Issue(ctx, agent.ID, agent.Fingerprint, risk)
	if errors.Is(err, challenge.ErrTooManyPending) {
		p.metrics.RecordDecision("rate_limit", risk)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "too many pending challenges",
		})
		return
	}
	if err != nil {
		slog.Error("challenge issue failed", "agent_id", agent.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "challenge unavailable"})
		p.metrics.RecordDecision("error", risk)
		return
	}

	p.bus.Publish(ctx, events.SecurityEvent{
		Kind:        "challenge",
		AgentID:     agent.ID,
		Fingerprint: agent.Fingerprint,
		Method:      r.Method,
		Path:        r.URL.Path,
		RiskScore:   risk,
	})
	p.metrics.RecordChallenge(string(ch.Type))
	p.metrics.RecordDecision("challenge", risk)

	writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
		"status":    "challenge_required",
		"challenge": ch,
		"verifyUrl": "/api/challenge/verify",
	})
}

// bodyMatches compares the signed body against the transported one. An
// absent or null signed body only matches an empty transport body.
func bodyMatches(signed json.RawMessage, actual []byte) bool {
	trimmed := bytes.TrimSpace(signed)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return len(actual) == 0
	}
	return bytes.Equal(trimmed, bytes.TrimSpace(actual))
}

func paramInt(params map[string]interface{}, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}
