// Package verifier implements the first pipeline filter: cryptographic
// identity. Each inbound request carries an Ed25519 signature over the
// canonical JSON of a signed payload; the verifier checks timestamp
// freshness, consumes the nonce, resolves the agent by public-key
// fingerprint, and verifies the signature over the exact byte sequence the
// signer produced.
//
// The nonce is consumed before the signature is checked. This is intentional:
// replaying a captured payload burns a cheap KV write instead of an Ed25519
// verification, and a valid signature can never be accepted twice.
package verifier

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gazorpazorp/gateway/internal/identity"
	"github.com/gazorpazorp/gateway/internal/kv"
)

// Verification failure modes, ordered by the checks that produce them.
var (
	ErrMalformedPayload = errors.New("malformed signed payload")
	ErrBadPublicKey     = errors.New("malformed public key")
	ErrExpired          = errors.New("expired")
	ErrReplay           = errors.New("replay")
	ErrUnknownAgent     = errors.New("unknown_agent")
	ErrInvalidSignature = errors.New("invalid_signature")
)

const (
	// MaxClockSkew bounds |now - payload.timestamp|.
	MaxClockSkew = 30 * time.Second

	// nonceTTL keeps consumed nonces long enough to cover the skew window
	// on both sides.
	nonceTTL = 60 * time.Second

	// Reputation deltas applied by verification outcomes.
	badSignaturePenalty = -5.0
	trustDrift          = 0.1
)

// SignedRequest is the payload the signature covers. Body is kept raw: the
// gateway never re-serializes what the signer produced.
type SignedRequest struct {
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Body      json.RawMessage `json:"body"`
	Timestamp int64           `json:"timestamp"` // ms since epoch
	Nonce     string          `json:"nonce"`     // >=128-bit random, hex
}

// Fingerprint returns the SHA-256 hex digest of the raw public-key bytes,
// the primary identity lookup key.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// DecodePublicKey parses the standard textual encoding (base64 of the raw
// 32-byte Ed25519 key).
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadPublicKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Verifier performs the identity filter.
type Verifier struct {
	agents *identity.Store
	kv     kv.Store
	now    func() time.Time
}

// New creates a verifier backed by the given identity store and KV store.
func New(agents *identity.Store, store kv.Store) *Verifier {
	return &Verifier{agents: agents, kv: store, now: time.Now}
}

// WithClock overrides the time source. Tests drive the skew boundary with it.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify runs the check sequence against the raw (base64-decoded) payload
// bytes, the hex signature, and the textual public key. On success it returns
// the agent snapshot (with the post-drift reputation) and the parsed payload.
//
// Check order, each failing fast:
//  1. timestamp freshness (ErrExpired)
//  2. nonce consumption via atomic set-if-absent (ErrReplay)
//  3. agent lookup by fingerprint (ErrUnknownAgent)
//  4. Ed25519 signature over the raw payload bytes (ErrInvalidSignature,
//     reputation -5)
func (v *Verifier) Verify(ctx context.Context, rawPayload []byte, signatureHex, publicKeyText string) (*identity.AgentIdentity, *SignedRequest, error) {
	pub, err := DecodePublicKey(publicKeyText)
	if err != nil {
		return nil, nil, err
	}

	var payload SignedRequest
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.Nonce == "" || payload.Method == "" || payload.Path == "" {
		return nil, nil, fmt.Errorf("%w: missing required fields", ErrMalformedPayload)
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, nil, fmt.Errorf("%w: bad signature encoding", ErrMalformedPayload)
	}

	// 1. Timestamp freshness
	sent := time.UnixMilli(payload.Timestamp)
	if skew := v.now().Sub(sent); skew > MaxClockSkew || skew < -MaxClockSkew {
		return nil, &payload, ErrExpired
	}

	// 2. Nonce replay guard — consumed unconditionally, before any
	// signature work.
	fp := Fingerprint(pub)
	nonceKey := fmt.Sprintf("nonce:%s:%s", fp, payload.Nonce)
	fresh, err := v.kv.SetNX(ctx, nonceKey, []byte("used"), nonceTTL)
	if err != nil {
		return nil, &payload, fmt.Errorf("nonce guard: %w", err)
	}
	if !fresh {
		return nil, &payload, ErrReplay
	}

	// 3. Agent lookup
	agent, err := v.agents.Get(ctx, fp)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, &payload, ErrUnknownAgent
	}
	if err != nil {
		return nil, &payload, fmt.Errorf("agent lookup: %w", err)
	}

	// 4. Signature over the exact bytes the signer produced. ed25519.Verify
	// is constant-time in the signature comparison.
	if !ed25519.Verify(pub, rawPayload, sig) {
		if _, repErr := v.agents.AdjustReputation(ctx, fp, badSignaturePenalty, "invalid_signature"); repErr != nil {
			slog.Warn("reputation penalty failed", "fingerprint", fp, "error", repErr)
		}
		return nil, &payload, ErrInvalidSignature
	}

	// Success: trust drift + lastSeen in one atomic step.
	newRep, err := v.agents.AdjustReputationSeen(ctx, fp, trustDrift, "valid_signature", v.now())
	if err != nil {
		slog.Warn("trust drift failed", "fingerprint", fp, "error", err)
	} else {
		agent.Reputation = newRep
	}
	agent.LastSeen = v.now()

	return agent, &payload, nil
}

// Register validates the public key, assigns a fresh agent id, applies
// default permissions and persists the identity. Administrative operation.
func (v *Verifier) Register(ctx context.Context, publicKeyText string, perms *identity.Permissions) (*identity.AgentIdentity, error) {
	pub, err := DecodePublicKey(publicKeyText)
	if err != nil {
		return nil, err
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("generate agent id: %w", err)
	}

	permissions := identity.DefaultPermissions()
	if perms != nil {
		permissions = *perms
	}

	now := v.now().UTC()
	agent := &identity.AgentIdentity{
		ID:           "agent_" + hex.EncodeToString(idBytes),
		PublicKey:    publicKeyText,
		Fingerprint:  Fingerprint(pub),
		RegisteredAt: now,
		LastSeen:     now,
		Reputation:   identity.ReputationInitial,
		Permissions:  permissions,
		RateLimit:    identity.DefaultRateLimit(),
	}
	if err := v.agents.Save(ctx, agent); err != nil {
		return nil, err
	}

	slog.Info("agent registered", "agent_id", agent.ID, "fingerprint", agent.Fingerprint)
	return agent, nil
}
