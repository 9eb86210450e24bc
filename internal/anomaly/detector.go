package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gazorpazorp/gateway/internal/kv"
)

const (
	profileKeyPrefix = "profile:"
	historyKeyPrefix = "agent:"
	historyKeySuffix = ":history"
	historyCap       = 100
	historyTTL       = 24 * time.Hour

	// recentWindow is the burst-detection window.
	recentWindow = 5 * time.Minute
)

// Signal weights and thresholds from the detection table.
const (
	unusualHourScore    = 0.3
	rarePathScore       = 0.4
	rarePathRatio       = 0.05
	payloadZThreshold   = 3.0
	payloadScoreCap     = 0.5
	highRateScore       = 0.6
	highRateMultiplier  = 3.0
	rareMethodScore     = 0.25
	rareMethodRatio     = 0.1
	anomalousThreshold  = 0.5
)

// Result is the outcome of one anomaly check.
type Result struct {
	IsAnomalous bool     `json:"isAnomalous"`
	Score       float64  `json:"score"` // [0,1]
	Reasons     []string `json:"reasons"`
}

// historyEntry is one row in the per-agent recent-request list.
type historyEntry struct {
	Timestamp int64  `json:"ts"` // ms since epoch
	Method    string `json:"method"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
}

// Detector persists behavioral profiles and scores requests against them.
type Detector struct {
	kv  kv.Store
	now func() time.Time
}

// NewDetector creates a detector on the given KV store.
func NewDetector(store kv.Store) *Detector {
	return &Detector{kv: store, now: time.Now}
}

// WithClock overrides the time source for tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

func profileKey(agentID string) string { return profileKeyPrefix + agentID }
func historyKey(agentID string) string { return historyKeyPrefix + agentID + historyKeySuffix }

// Profile loads the baseline for an agent, or nil when none exists yet.
func (d *Detector) Profile(ctx context.Context, agentID string) (*AgentProfile, error) {
	data, err := d.kv.Get(ctx, profileKey(agentID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", agentID, err)
	}
	var p AgentProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile %s: %w", agentID, err)
	}
	if p.CommonPaths == nil {
		p.CommonPaths = make(map[string]int64)
	}
	if p.RequestMethods == nil {
		p.RequestMethods = make(map[string]int64)
	}
	return &p, nil
}

// UpdateProfile folds one observed request into the agent's baseline and
// appends it to the capped recent-request history. Every observed request
// updates the profile exactly once; the pipeline calls this only after the
// cryptographic filter passed.
func (d *Detector) UpdateProfile(ctx context.Context, agentID, method, path string, payloadSize int64) error {
	now := d.now()

	profile, err := d.Profile(ctx, agentID)
	if err != nil {
		return err
	}
	if profile == nil {
		profile = newProfile(now)
	}
	profile.observe(method, path, payloadSize, now)

	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile %s: %w", agentID, err)
	}
	if err := d.kv.Set(ctx, profileKey(agentID), data, profileTTL); err != nil {
		return fmt.Errorf("save profile %s: %w", agentID, err)
	}

	entry, err := json.Marshal(historyEntry{
		Timestamp: now.UnixMilli(),
		Method:    method,
		Path:      path,
		Size:      payloadSize,
	})
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	hk := historyKey(agentID)
	if err := d.kv.LPush(ctx, hk, entry); err != nil {
		return fmt.Errorf("push history %s: %w", agentID, err)
	}
	if err := d.kv.LTrim(ctx, hk, 0, historyCap-1); err != nil {
		return fmt.Errorf("trim history %s: %w", agentID, err)
	}
	if err := d.kv.Expire(ctx, hk, historyTTL); err != nil {
		return fmt.Errorf("expire history %s: %w", agentID, err)
	}
	return nil
}

// History returns up to limit recent requests for an agent, newest first.
func (d *Detector) History(ctx context.Context, agentID string, limit int64) ([]string, error) {
	if limit <= 0 || limit > historyCap {
		limit = historyCap
	}
	rows, err := d.kv.LRange(ctx, historyKey(agentID), 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", agentID, err)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r)
	}
	return out, nil
}

// Detect scores the request against the agent's baseline. Agents without a
// profile always come back clean — there is nothing to deviate from yet.
func (d *Detector) Detect(ctx context.Context, agentID, method, path string, payloadSize int64) (*Result, error) {
	profile, err := d.Profile(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if profile == nil || profile.TotalRequests == 0 {
		return &Result{IsAnomalous: false, Score: 0, Reasons: []string{"no baseline"}}, nil
	}

	now := d.now()
	var (
		score   float64
		reasons []string
	)

	if !profile.hasHour(now.UTC().Hour()) {
		score += unusualHourScore
		reasons = append(reasons, "unusual hour")
	}

	var totalPaths int64
	for _, c := range profile.CommonPaths {
		totalPaths += c
	}
	if totalPaths > 0 {
		if ratio := float64(profile.CommonPaths[path]) / float64(totalPaths); ratio < rarePathRatio {
			score += rarePathScore
			reasons = append(reasons, "rare path")
		}
	}

	std := profile.StdPayloadSize()
	z := math.Abs(float64(payloadSize)-profile.PayloadMean) / math.Max(std, 1)
	if z > payloadZThreshold {
		score += math.Min(z/10, payloadScoreCap)
		reasons = append(reasons, "payload size outlier")
	}

	recent, err := d.recentCount(ctx, agentID, now)
	if err == nil && profile.AvgRequestsPerHour > 0 &&
		float64(recent) > highRateMultiplier*profile.AvgRequestsPerHour {
		score += highRateScore
		reasons = append(reasons, "high request rate")
	}

	var totalMethods int64
	for _, c := range profile.RequestMethods {
		totalMethods += c
	}
	if mc := profile.RequestMethods[method]; totalMethods > 0 && mc > 0 {
		if float64(mc)/float64(totalMethods) < rareMethodRatio {
			score += rareMethodScore
			reasons = append(reasons, "rare method")
		}
	}

	score = math.Min(score, 1.0)
	return &Result{
		IsAnomalous: score > anomalousThreshold,
		Score:       score,
		Reasons:     reasons,
	}, nil
}

// recentCount counts history entries inside the burst window.
func (d *Detector) recentCount(ctx context.Context, agentID string, now time.Time) (int, error) {
	rows, err := d.kv.LRange(ctx, historyKey(agentID), 0, historyCap-1)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-recentWindow).UnixMilli()
	count := 0
	for _, row := range rows {
		var e historyEntry
		if err := json.Unmarshal(row, &e); err != nil {
			continue
		}
		if e.Timestamp >= cutoff {
			count++
		}
	}
	return count, nil
}
