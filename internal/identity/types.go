// Package identity owns the registered-agent model and its persistence:
// AgentIdentity records keyed by public-key fingerprint, plus the bounded
// reputation audit log. Reputation writes are atomic server-side scripts so
// concurrent requests never lose increments.
package identity

import "time"

// Reputation bounds and defaults.
const (
	ReputationMin     = 0.0
	ReputationMax     = 100.0
	ReputationInitial = 50.0
)

// Permissions describes what a registered agent may do. Slice fields use
// omitempty so empty lists are omitted from the stored JSON; the reputation
// script round-trips the record through the server-side JSON codec, which
// cannot represent an empty array.
type Permissions struct {
	AllowedEndpoints     []string `json:"allowedEndpoints,omitempty"`
	DeniedEndpoints      []string `json:"deniedEndpoints,omitempty"`
	MaxRequestsPerMinute int      `json:"maxRequestsPerMinute"`
	MaxPayloadSize       int64    `json:"maxPayloadSize"`
	AllowedMethods       []string `json:"allowedMethods,omitempty"`
	SensitiveDataAccess  bool     `json:"sensitiveDataAccess"`
}

// RateLimit is the per-agent token window applied when policy returns
// rate_limit without explicit params.
type RateLimit struct {
	WindowMs    int64 `json:"windowMs"`
	MaxRequests int   `json:"maxRequests"`
}

// AgentIdentity is the registered principal. Fingerprint (SHA-256 hex of the
// raw public-key bytes) is the primary lookup key.
type AgentIdentity struct {
	ID           string      `json:"id"`
	PublicKey    string      `json:"publicKey"`
	Fingerprint  string      `json:"fingerprint"`
	RegisteredAt time.Time   `json:"registeredAt"`
	LastSeen     time.Time   `json:"lastSeen"`
	Reputation   float64     `json:"reputation"`
	Permissions  Permissions `json:"permissions"`
	RateLimit    RateLimit   `json:"rateLimit"`
}

// DefaultPermissions returns the permission set assigned at registration when
// the administrator supplies none: 60 req/min, 1 MiB payloads, GET/POST, all
// endpoints allowed, no sensitive-data access.
func DefaultPermissions() Permissions {
	return Permissions{
		AllowedEndpoints:     []string{"*"},
		MaxRequestsPerMinute: 60,
		MaxPayloadSize:       1 << 20,
		AllowedMethods:       []string{"GET", "POST"},
		SensitiveDataAccess:  false,
	}
}

// DefaultRateLimit returns the rate window assigned at registration.
func DefaultRateLimit() RateLimit {
	return RateLimit{WindowMs: 60_000, MaxRequests: 60}
}

// ReputationEntry is one record in the bounded per-agent audit log.
type ReputationEntry struct {
	Timestamp int64   `json:"ts"`
	Old       float64 `json:"old"`
	New       float64 `json:"new"`
	Delta     float64 `json:"delta"`
	Reason    string  `json:"reason"`
}

// Bucket is the coarse reputation partition used to segment the analysis
// cache. A compromised high-reputation agent's cached verdicts must never be
// served to a low-reputation agent, so the bucket participates in cache keys.
type Bucket string

const (
	BucketTrusted   Bucket = "trusted"
	BucketHigh      Bucket = "high"
	BucketMedium    Bucket = "medium"
	BucketLow       Bucket = "low"
	BucketUntrusted Bucket = "untrusted"
)

// BucketFor maps a reputation score onto its bucket. Thresholds 90/70/50/30.
func BucketFor(reputation float64) Bucket {
	switch {
	case reputation >= 90:
		return BucketTrusted
	case reputation >= 70:
		return BucketHigh
	case reputation >= 50:
		return BucketMedium
	case reputation >= 30:
		return BucketLow
	default:
		return BucketUntrusted
	}
}
