package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gazorpazorp/gateway/internal/circuitbreaker"
)

// LLMClient talks to the completion endpoint. Requests are wrapped in a
// circuit breaker: when the endpoint keeps failing, calls short-circuit and
// the analyzer engages its fail-safe ladder immediately.
type LLMClient struct {
	endpoint string
	httpc    *http.Client
	breaker  *circuitbreaker.CircuitBreaker

	// softDeadline bounds each completion call below the request deadline so
	// the fail-safe ladder can still answer in time.
	softDeadline time.Duration
}

// NewLLMClient creates a client for the given completion endpoint.
func NewLLMClient(endpoint string, softDeadline time.Duration) *LLMClient {
	if softDeadline <= 0 {
		softDeadline = 5 * time.Second
	}
	return &LLMClient{
		endpoint:     endpoint,
		httpc:        &http.Client{Timeout: softDeadline + time.Second},
		breaker:      circuitbreaker.New(circuitbreaker.DefaultLLMConfig()),
		softDeadline: softDeadline,
	}
}

// completionRequest is the wire format of the completion endpoint.
type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type completionResponse struct {
	Response string `json:"response"`
}

// llmVerdict is the strict JSON schema the model must produce. Pointer fields
// distinguish missing from zero; any missing or out-of-range field fails
// validation and drops the request into the fail-safe ladder.
type llmVerdict struct {
	IsMalicious *bool      `json:"isMalicious"`
	Confidence  *float64   `json:"confidence"`
	ThreatType  ThreatType `json:"threatType"`
	Explanation string     `json:"explanation"`
	RiskScore   *float64   `json:"riskScore"`
}

func (v *llmVerdict) validate() error {
	if v.IsMalicious == nil {
		return fmt.Errorf("missing isMalicious")
	}
	if v.Confidence == nil || *v.Confidence < 0 || *v.Confidence > 1 {
		return fmt.Errorf("confidence out of range")
	}
	if v.RiskScore == nil || *v.RiskScore < 0 || *v.RiskScore > 100 {
		return fmt.Errorf("riskScore out of range")
	}
	if v.ThreatType != "" && !validThreatTypes[v.ThreatType] {
		return fmt.Errorf("unknown threatType %q", v.ThreatType)
	}
	if v.Explanation == "" {
		return fmt.Errorf("missing explanation")
	}
	return nil
}

// Complete issues one completion call and returns the validated verdict.
func (c *LLMClient) Complete(ctx context.Context, model, prompt string) (*llmVerdict, error) {
	var verdict *llmVerdict

	err := c.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.softDeadline)
		defer cancel()

		body, err := json.Marshal(completionRequest{
			Model:  model,
			Prompt: prompt,
			Stream: false,
			Format: "json",
		})
		if err != nil {
			return fmt.Errorf("marshal completion request: %w", err)
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build completion request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("llm call: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("llm status %d", resp.StatusCode)
		}

		var wrapped completionResponse
		if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
			return fmt.Errorf("decode completion envelope: %w", err)
		}

		var v llmVerdict
		if err := json.Unmarshal([]byte(wrapped.Response), &v); err != nil {
			return fmt.Errorf("decode verdict JSON: %w", err)
		}
		if err := v.validate(); err != nil {
			return fmt.Errorf("invalid verdict: %w", err)
		}

		verdict = &v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// buildPrompt renders the analysis prompt. The model is instructed to answer
// with nothing but the strict JSON schema.
func buildPrompt(method, path string, body []byte, matched []ThreatType, reputation float64, history []string) string {
	patterns := "none"
	if len(matched) > 0 {
		joined := ""
		for i, t := range matched {
			if i > 0 {
				joined += ", "
			}
			joined += string(t)
		}
		patterns = joined
	}

	recent := "none"
	if len(history) > 0 {
		recent = strings.Join(history, "\n  ")
	}

	return fmt.Sprintf(`You are a security analyst for an AI-agent gateway. Assess whether the following request is malicious.

Request:
  method: %s
  path: %s
  body: %s

Pre-screen pattern hits: %s
Agent reputation (0-100): %.1f
Recent requests from this agent (newest first):
  %s

Respond with ONLY a JSON object, no prose, matching exactly:
{"isMalicious": <bool>, "confidence": <0..1>, "threatType": <"prompt_injection"|"jailbreak_attempt"|"data_exfiltration"|"privilege_escalation"|"denial_of_service"|"sql_injection"|"command_injection"|"social_engineering"|"none">, "explanation": "<short reason>", "riskScore": <0..100>}`,
		method, path, string(body), patterns, reputation, recent)
}
