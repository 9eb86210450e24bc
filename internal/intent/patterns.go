// Package intent implements the second pipeline filter: semantic analysis of
// the signed request body. A regex catalog pre-screens for known attack
// shapes; the tiered analyzer then decides whether an LLM verdict is needed,
// consults the reputation-segmented cache, and falls back to a deterministic
// ladder when the model is unreachable.
package intent

import "regexp"

// ThreatType is the closed verdict set shared with the LLM schema.
type ThreatType string

const (
	ThreatPromptInjection     ThreatType = "prompt_injection"
	ThreatJailbreakAttempt    ThreatType = "jailbreak_attempt"
	ThreatDataExfiltration    ThreatType = "data_exfiltration"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatDenialOfService     ThreatType = "denial_of_service"
	ThreatSQLInjection        ThreatType = "sql_injection"
	ThreatCommandInjection    ThreatType = "command_injection"
	ThreatSocialEngineering   ThreatType = "social_engineering"
	ThreatNone                ThreatType = "none"
)

// validThreatTypes gates what the LLM may return.
var validThreatTypes = map[ThreatType]bool{
	ThreatPromptInjection:     true,
	ThreatJailbreakAttempt:    true,
	ThreatDataExfiltration:    true,
	ThreatPrivilegeEscalation: true,
	ThreatDenialOfService:     true,
	ThreatSQLInjection:        true,
	ThreatCommandInjection:    true,
	ThreatSocialEngineering:   true,
	ThreatNone:                true,
}

// Pattern pairs a threat type with one compiled expression.
type Pattern struct {
	Type ThreatType
	Re   *regexp.Regexp
}

// Catalog is the ordered pre-screen pattern set.
type Catalog struct {
	patterns []Pattern
}

// DefaultCatalog compiles the shipped threat patterns. Matching is
// case-insensitive against the stringified request body.
func DefaultCatalog() *Catalog {
	specs := []struct {
		t  ThreatType
		re string
	}{
		{ThreatPromptInjection, `(?i)ignore (all )?previous instructions`},
		{ThreatPromptInjection, `(?i)disregard (the )?above`},
		{ThreatPromptInjection, `(?i)forget (everything|what) (you|i) (told|said)`},
		{ThreatPromptInjection, `(?i)you are now a`},
		{ThreatPromptInjection, `(?i)pretend (you're|to be)`},
		{ThreatPromptInjection, `(?i)act as (if|though)`},
		{ThreatPromptInjection, `(?i)system\s*:`},
		{ThreatPromptInjection, `\[INST\]`},
		{ThreatPromptInjection, `<<SYS>>`},

		{ThreatDataExfiltration, `(?i)show me (all|the) (users|passwords|secrets|keys|tokens)`},
		{ThreatDataExfiltration, `(?i)dump (the )?(database|db|table)`},
		{ThreatDataExfiltration, `(?i)export all`},
		{ThreatDataExfiltration, `(?i)list (all )?(api )?keys`},

		{ThreatPrivilegeEscalation, `(?i)grant (me )?admin`},
		{ThreatPrivilegeEscalation, `(?i)make me (an? )?admin`},
		{ThreatPrivilegeEscalation, `(?i)elevate (my )?privileges`},
		{ThreatPrivilegeEscalation, `(?i)\bsudo\b|root access`},

		{ThreatSQLInjection, `(?i)union\s+select`},
		{ThreatSQLInjection, `(?i)('|%27)\s*(or|and)\s*('|%27)?\s*\d`},

		{ThreatCommandInjection, `(?i);\s*(rm|del|drop|truncate|delete)\s`},
		{ThreatCommandInjection, `(?i)\|\s*(bash|sh|cmd|powershell)`},
		{ThreatCommandInjection, "`[^`]+`"},
		{ThreatCommandInjection, `\$\([^)]+\)`},
	}

	patterns := make([]Pattern, 0, len(specs))
	for _, s := range specs {
		patterns = append(patterns, Pattern{Type: s.t, Re: regexp.MustCompile(s.re)})
	}
	return &Catalog{patterns: patterns}
}

// Match returns the threat types whose patterns fire against text, in catalog
// order, deduplicated. Empty result means the pre-screen is clean.
func (c *Catalog) Match(text string) []ThreatType {
	var matched []ThreatType
	seen := make(map[ThreatType]bool)
	for _, p := range c.patterns {
		if seen[p.Type] {
			continue
		}
		if p.Re.MatchString(text) {
			matched = append(matched, p.Type)
			seen[p.Type] = true
		}
	}
	return matched
}
