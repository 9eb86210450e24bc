// Package sdk is the client-side companion of the gateway: key generation,
// request signing, and challenge solving for agents written in Go.
package sdk

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Header names the gateway reads.
const (
	HeaderSignature   = "X-Agent-Signature"
	HeaderPubkey      = "X-Agent-Pubkey"
	HeaderPayload     = "X-Signed-Payload"
	HeaderChallengeID = "X-Challenge-Id"
)

// signedPayload mirrors the gateway's canonical payload. Field order matters:
// the signature covers these exact serialized bytes.
type signedPayload struct {
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Body      json.RawMessage `json:"body"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
}

// Signer holds an agent's Ed25519 key pair.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	now  func() time.Time
}

// GenerateSigner creates a fresh key pair.
func GenerateSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &Signer{priv: priv, pub: pub, now: time.Now}, nil
}

// NewSigner wraps an existing private key.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), now: time.Now}, nil
}

// NewSignerFromSeed wraps the 32-byte seed form of a private key.
func NewSignerFromSeed(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d hex-encoded bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), now: time.Now}, nil
}

// PublicKeyText returns the textual public key the gateway expects: base64 of
// the raw 32-byte key.
func (s *Signer) PublicKeyText() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// SeedHex returns the private-key seed for storage.
func (s *Signer) SeedHex() string {
	return hex.EncodeToString(s.priv.Seed())
}

// Fingerprint returns the SHA-256 hex digest of the raw public-key bytes.
func (s *Signer) Fingerprint() string {
	sum := sha256.Sum256(s.pub)
	return hex.EncodeToString(sum[:])
}

// Headers is the signed header set for one request.
type Headers struct {
	Signature string
	Pubkey    string
	Payload   string
}

// Apply sets the headers on an outgoing request.
func (h Headers) Apply(r *http.Request) {
	r.Header.Set(HeaderSignature, h.Signature)
	r.Header.Set(HeaderPubkey, h.Pubkey)
	r.Header.Set(HeaderPayload, h.Payload)
}

// Sign produces the authentication headers for a request. Body must be the
// exact JSON the request will carry, or nil for bodyless requests.
func (s *Signer) Sign(method, path string, body []byte) (Headers, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return Headers{}, fmt.Errorf("generate nonce: %w", err)
	}

	payload := signedPayload{
		Method:    method,
		Path:      path,
		Body:      normalizeBody(body),
		Timestamp: s.now().UnixMilli(),
		Nonce:     hex.EncodeToString(nonceBytes),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Headers{}, fmt.Errorf("marshal payload: %w", err)
	}

	sig := ed25519.Sign(s.priv, raw)
	return Headers{
		Signature: hex.EncodeToString(sig),
		Pubkey:    s.PublicKeyText(),
		Payload:   base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// SignNonce solves a signature_refresh challenge: "<nonce>:<signature-hex>"
// over the challenge nonce.
func (s *Signer) SignNonce(nonce string) string {
	sig := ed25519.Sign(s.priv, []byte(nonce))
	return nonce + ":" + hex.EncodeToString(sig)
}

// SolveProofOfWork brute-forces a solution whose SHA256(challengeID ||
// solution) digest starts with difficulty zero hex chars.
func SolveProofOfWork(challengeID string, difficulty int) string {
	prefix := strings.Repeat("0", difficulty)
	for i := 0; ; i++ {
		solution := fmt.Sprintf("%d", i)
		sum := sha256.Sum256([]byte(challengeID + solution))
		if strings.HasPrefix(hex.EncodeToString(sum[:]), prefix) {
			return solution
		}
	}
}

func normalizeBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(body)
}
