package intent

// Action is the analyzer's suggested disposition. Policy has the final word.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionBlock     Action = "block"
	ActionChallenge Action = "challenge"
	ActionRateLimit Action = "rate_limit"
)

// AnalysisResult is the semantic verdict for one request.
type AnalysisResult struct {
	IsMalicious     bool       `json:"isMalicious"`
	Confidence      float64    `json:"confidence"` // [0,1]
	ThreatType      ThreatType `json:"threatType"`
	Explanation     string     `json:"explanation"`
	SuggestedAction Action     `json:"suggestedAction"`
	RiskScore       float64    `json:"riskScore"` // [0,100]
}

func clampRisk(risk float64) float64 {
	if risk < 0 {
		return 0
	}
	if risk > 100 {
		return 100
	}
	return risk
}

// actionForRisk maps a reputation-adjusted risk score onto an action.
func actionForRisk(risk float64) Action {
	switch {
	case risk >= 80:
		return ActionBlock
	case risk >= 60:
		return ActionChallenge
	case risk >= 40:
		return ActionRateLimit
	default:
		return ActionAllow
	}
}
