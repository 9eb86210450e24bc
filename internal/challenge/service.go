// Package challenge implements the escalation mechanism issued when policy
// decides a request is suspicious but not bad enough to block: proof-of-work,
// signature refresh, or a simple rate delay. Completed challenges are kept
// briefly so the retried request can short-circuit semantic scrutiny.
package challenge

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gazorpazorp/gateway/internal/identity"
	"github.com/gazorpazorp/gateway/internal/kv"
	"github.com/gazorpazorp/gateway/internal/verifier"
)

// Type is the challenge kind, selected by risk.
type Type string

const (
	TypeProofOfWork      Type = "proof_of_work"
	TypeSignatureRefresh Type = "signature_refresh"
	TypeRateDelay        Type = "rate_delay"
)

var (
	// ErrTooManyPending is returned when an agent already has the maximum
	// number of open challenges. Surfaces as a 429.
	ErrTooManyPending = errors.New("too many pending challenges")

	// ErrNotFound covers unknown and expired challenge ids.
	ErrNotFound = errors.New("challenge not found or expired")

	// ErrFailed means the solution did not verify.
	ErrFailed = errors.New("challenge verification failed")
)

const (
	challengeKeyPrefix = "challenge:"
	countKeyPrefix     = "challenges:count:"

	challengeTTL = 5 * time.Minute
	countTTL     = time.Hour

	// completedTTL keeps a solved challenge around so the retried request
	// can present it.
	completedTTL = 60 * time.Second

	maxPending = 5

	minDifficulty = 2
	maxDifficulty = 5
)

// Challenge is the stored work item.
type Challenge struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agentId"`
	Fingerprint string    `json:"fingerprint"`
	Type        Type      `json:"type"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Difficulty  int       `json:"difficulty,omitempty"`
	Nonce       string    `json:"nonce,omitempty"`
	Completed   bool      `json:"completed"`
}

// Service issues and verifies challenges.
type Service struct {
	kv     kv.Store
	agents *identity.Store
	now    func() time.Time
}

// NewService creates the challenge service. The identity store is needed for
// signature_refresh verification, which re-enters the cryptographic path.
func NewService(store kv.Store, agents *identity.Store) *Service {
	return &Service{kv: store, agents: agents, now: time.Now}
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func challengeKey(id string) string { return challengeKeyPrefix + id }
func countKey(agentID string) string { return countKeyPrefix + agentID }

// TypeForRisk selects the challenge kind: the riskier the request, the more
// work the agent must do.
func TypeForRisk(risk float64) Type {
	switch {
	case risk >= 80:
		return TypeProofOfWork
	case risk >= 60:
		return TypeSignatureRefresh
	default:
		return TypeRateDelay
	}
}

// DifficultyForRisk clamps floor(risk/20) into [2,5] leading zero hex chars.
func DifficultyForRisk(risk float64) int {
	d := int(risk / 20)
	if d < minDifficulty {
		d = minDifficulty
	}
	if d > maxDifficulty {
		d = maxDifficulty
	}
	return d
}

// Issue creates a challenge for the agent, enforcing the pending cap.
func (s *Service) Issue(ctx context.Context, agentID, fingerprint string, risk float64) (*Challenge, error) {
	count, err := s.kv.Incr(ctx, countKey(agentID))
	if err != nil {
		return nil, fmt.Errorf("pending count: %w", err)
	}
	if count == 1 {
		_ = s.kv.Expire(ctx, countKey(agentID), countTTL)
	}
	if count > maxPending {
		return nil, ErrTooManyPending
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("generate challenge id: %w", err)
	}

	now := s.now().UTC()
	ch := &Challenge{
		ID:          "ch_" + hex.EncodeToString(idBytes),
		AgentID:     agentID,
		Fingerprint: fingerprint,
		Type:        TypeForRisk(risk),
		CreatedAt:   now,
		ExpiresAt:   now.Add(challengeTTL),
	}

	switch ch.Type {
	case TypeProofOfWork:
		ch.Difficulty = DifficultyForRisk(risk)
	case TypeSignatureRefresh:
		nonceBytes := make([]byte, 32)
		if _, err := rand.Read(nonceBytes); err != nil {
			return nil, fmt.Errorf("generate challenge nonce: %w", err)
		}
		ch.Nonce = hex.EncodeToString(nonceBytes)
	}

	if err := s.save(ctx, ch, challengeTTL); err != nil {
		return nil, err
	}

	slog.Info("challenge issued", "challenge_id", ch.ID, "agent_id", agentID, "type", string(ch.Type))
	return ch, nil
}

// Get loads a challenge by id.
func (s *Service) Get(ctx context.Context, id string) (*Challenge, error) {
	data, err := s.kv.Get(ctx, challengeKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load challenge %s: %w", id, err)
	}
	var ch Challenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("unmarshal challenge %s: %w", id, err)
	}
	return &ch, nil
}

// Verify checks a solution. On success the challenge is marked completed and
// retained for 60 seconds so the retried request can present it.
func (s *Service) Verify(ctx context.Context, id, solution string) error {
	ch, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if ch.Completed {
		return nil // idempotent
	}
	if s.now().After(ch.ExpiresAt) {
		return ErrNotFound
	}

	switch ch.Type {
	case TypeProofOfWork:
		if !verifyProofOfWork(ch.ID, solution, ch.Difficulty) {
			return ErrFailed
		}
	case TypeSignatureRefresh:
		if !s.verifySignatureRefresh(ctx, ch, solution) {
			return ErrFailed
		}
	case TypeRateDelay:
		// Only requires that the client waited long enough to retrieve the
		// id and submit it back.
		if solution != ch.ID {
			return ErrFailed
		}
	default:
		return ErrFailed
	}

	ch.Completed = true
	if err := s.save(ctx, ch, completedTTL); err != nil {
		return err
	}
	slog.Info("challenge completed", "challenge_id", ch.ID, "agent_id", ch.AgentID, "type", string(ch.Type))
	return nil
}

// Redeem returns the challenge if it is completed and belongs to the agent.
// Used by the pipeline to honor X-Challenge-Id.
func (s *Service) Redeem(ctx context.Context, id, agentID string) (*Challenge, bool) {
	ch, err := s.Get(ctx, id)
	if err != nil || !ch.Completed || ch.AgentID != agentID {
		return nil, false
	}
	return ch, true
}

func (s *Service) save(ctx context.Context, ch *Challenge, ttl time.Duration) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.kv.Set(ctx, challengeKey(ch.ID), data, ttl); err != nil {
		return fmt.Errorf("save challenge %s: %w", ch.ID, err)
	}
	return nil
}

// verifyProofOfWork checks SHA256(challengeID || solution) for the required
// number of leading zero hex chars (~4·difficulty bits of work).
func verifyProofOfWork(id, solution string, difficulty int) bool {
	sum := sha256.Sum256([]byte(id + solution))
	digest := hex.EncodeToString(sum[:])
	return strings.HasPrefix(digest, strings.Repeat("0", difficulty))
}

// verifySignatureRefresh re-enters the cryptographic path: the solution is
// "<nonce>:<signature-hex>" where the signature is the agent's Ed25519
// signature over the challenge nonce. When the agent record has disappeared
// inside the TTL window (should not happen), fall back to nonce containment.
func (s *Service) verifySignatureRefresh(ctx context.Context, ch *Challenge, solution string) bool {
	if !strings.Contains(solution, ch.Nonce) {
		return false
	}

	agent, err := s.agents.Get(ctx, ch.Fingerprint)
	if err != nil {
		slog.Warn("signature_refresh agent lookup failed, accepting nonce containment",
			"challenge_id", ch.ID, "error", err)
		return true
	}

	idx := strings.LastIndex(solution, ":")
	if idx < 0 {
		return false
	}
	sig, err := hex.DecodeString(solution[idx+1:])
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	pub, err := verifier.DecodePublicKey(agent.PublicKey)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(ch.Nonce), sig)
}
