// Package anomaly maintains per-agent behavioral baselines and scores
// deviations from them. The profile is a 30-day KV record updated once per
// observed request; detection combines independent signals into a capped
// score the pipeline folds into the semantic risk.
package anomaly

import (
	"math"
	"time"
)

// profileTTL keeps baselines for 30 days past the last update.
const profileTTL = 30 * 24 * time.Hour

// AgentProfile is the behavioral baseline for one agent. Payload-size spread
// is tracked with Welford's online algorithm (count/mean/M2); std is derived
// on read.
type AgentProfile struct {
	TypicalActiveHours []int            `json:"typicalActiveHours"`
	CommonPaths        map[string]int64 `json:"commonPaths"`
	RequestMethods     map[string]int64 `json:"requestMethods"`

	PayloadCount int64   `json:"payloadCount"`
	PayloadMean  float64 `json:"avgPayloadSize"`
	PayloadM2    float64 `json:"payloadM2"`

	TotalRequests          int64     `json:"totalRequests"`
	AvgRequestsPerHour     float64   `json:"avgRequestsPerHour"`
	AvgTimeBetweenRequests float64   `json:"avgTimeBetweenRequests"` // ms, EMA
	FirstSeen              time.Time `json:"firstSeen"`
	LastRequestAt          time.Time `json:"lastRequestAt"`
	LastUpdated            time.Time `json:"lastUpdated"`
}

func newProfile(now time.Time) *AgentProfile {
	return &AgentProfile{
		CommonPaths:    make(map[string]int64),
		RequestMethods: make(map[string]int64),
		FirstSeen:      now,
	}
}

// StdPayloadSize derives the sample standard deviation from the Welford
// accumulators.
func (p *AgentProfile) StdPayloadSize() float64 {
	if p.PayloadCount < 2 {
		return 0
	}
	return math.Sqrt(p.PayloadM2 / float64(p.PayloadCount-1))
}

func (p *AgentProfile) hasHour(hour int) bool {
	for _, h := range p.TypicalActiveHours {
		if h == hour {
			return true
		}
	}
	return false
}

// observe folds one request into the baseline.
func (p *AgentProfile) observe(method, path string, payloadSize int64, now time.Time) {
	hour := now.UTC().Hour()
	if !p.hasHour(hour) {
		p.TypicalActiveHours = append(p.TypicalActiveHours, hour)
	}

	p.CommonPaths[path]++
	p.RequestMethods[method]++

	// Welford update for payload size.
	p.PayloadCount++
	delta := float64(payloadSize) - p.PayloadMean
	p.PayloadMean += delta / float64(p.PayloadCount)
	p.PayloadM2 += delta * (float64(payloadSize) - p.PayloadMean)

	if !p.LastRequestAt.IsZero() {
		gap := float64(now.Sub(p.LastRequestAt).Milliseconds())
		if p.AvgTimeBetweenRequests == 0 {
			p.AvgTimeBetweenRequests = gap
		} else {
			p.AvgTimeBetweenRequests = 0.9*p.AvgTimeBetweenRequests + 0.1*gap
		}
	}
	p.LastRequestAt = now

	p.TotalRequests++
	hours := now.Sub(p.FirstSeen).Hours()
	if hours < 1 {
		hours = 1
	}
	p.AvgRequestsPerHour = float64(p.TotalRequests) / hours

	p.LastUpdated = now
}
