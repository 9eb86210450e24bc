package challenge_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazorpazorp/gateway/internal/challenge"
	"github.com/gazorpazorp/gateway/internal/identity"
	"github.com/gazorpazorp/gateway/internal/infra"
	"github.com/gazorpazorp/gateway/internal/kv"
	"github.com/gazorpazorp/gateway/internal/verifier"
)

func newTestService(t *testing.T) (*challenge.Service, *identity.Store, kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := infra.NewGoRedisAdapterFromClient(client)
	agents := identity.NewStore(store)
	return challenge.NewService(store, agents), agents, store
}

// solvePoW brute-forces the proof-of-work answer. Difficulty in tests is low
// enough that this finishes quickly.
func solvePoW(id string, difficulty int) string {
	prefix := strings.Repeat("0", difficulty)
	for i := 0; ; i++ {
		solution := fmt.Sprintf("%d", i)
		sum := sha256.Sum256([]byte(id + solution))
		if strings.HasPrefix(hex.EncodeToString(sum[:]), prefix) {
			return solution
		}
	}
}

// ==================== Type and difficulty selection ====================

func TestTypeForRisk(t *testing.T) {
	assert.Equal(t, challenge.TypeProofOfWork, challenge.TypeForRisk(80))
	assert.Equal(t, challenge.TypeProofOfWork, challenge.TypeForRisk(100))
	assert.Equal(t, challenge.TypeSignatureRefresh, challenge.TypeForRisk(79.9))
	assert.Equal(t, challenge.TypeSignatureRefresh, challenge.TypeForRisk(60))
	assert.Equal(t, challenge.TypeRateDelay, challenge.TypeForRisk(59.9))
	assert.Equal(t, challenge.TypeRateDelay, challenge.TypeForRisk(0))
}

func TestDifficultyForRisk(t *testing.T) {
	assert.Equal(t, 2, challenge.DifficultyForRisk(0))   // clamped up
	assert.Equal(t, 2, challenge.DifficultyForRisk(55))  // floor(2.75)
	assert.Equal(t, 4, challenge.DifficultyForRisk(85))  // floor(4.25)
	assert.Equal(t, 5, challenge.DifficultyForRisk(100)) // clamped down
}

// ==================== Issue ====================

func TestIssueProofOfWork(t *testing.T) {
	svc, _, _ := newTestService(t)

	ch, err := svc.Issue(context.Background(), "agent-1", "fp-1", 85)
	require.NoError(t, err)
	assert.Equal(t, challenge.TypeProofOfWork, ch.Type)
	assert.Equal(t, 4, ch.Difficulty)
	assert.Contains(t, ch.ID, "ch_")
	assert.Equal(t, "agent-1", ch.AgentID)

	got, err := svc.Get(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, got.ID)
	assert.False(t, got.Completed)
}

func TestIssueSignatureRefreshCarriesNonce(t *testing.T) {
	svc, _, _ := newTestService(t)

	ch, err := svc.Issue(context.Background(), "agent-1", "fp-1", 70)
	require.NoError(t, err)
	assert.Equal(t, challenge.TypeSignatureRefresh, ch.Type)
	assert.Len(t, ch.Nonce, 64)
}

func TestIssuePendingCap(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Issue(ctx, "agent-1", "fp-1", 30)
		require.NoError(t, err)
	}
	_, err := svc.Issue(ctx, "agent-1", "fp-1", 30)
	assert.ErrorIs(t, err, challenge.ErrTooManyPending)

	// The cap is per agent.
	_, err = svc.Issue(ctx, "agent-2", "fp-2", 30)
	assert.NoError(t, err)
}

// ==================== Verification ====================

func TestVerifyProofOfWork(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.Issue(ctx, "agent-1", "fp-1", 80)
	require.NoError(t, err)
	require.Equal(t, challenge.TypeProofOfWork, ch.Type)

	assert.ErrorIs(t, svc.Verify(ctx, ch.ID, "wrong"), challenge.ErrFailed)

	solution := solvePoW(ch.ID, ch.Difficulty)
	require.NoError(t, svc.Verify(ctx, ch.ID, solution))

	// Idempotent once completed.
	assert.NoError(t, svc.Verify(ctx, ch.ID, "anything"))
}

func TestVerifyRateDelay(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.Issue(ctx, "agent-1", "fp-1", 30)
	require.NoError(t, err)
	require.Equal(t, challenge.TypeRateDelay, ch.Type)

	assert.ErrorIs(t, svc.Verify(ctx, ch.ID, "nope"), challenge.ErrFailed)
	assert.NoError(t, svc.Verify(ctx, ch.ID, ch.ID))
}

func TestVerifySignatureRefresh(t *testing.T) {
	svc, agents, _ := newTestService(t)
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	fp := verifier.Fingerprint(pub)
	require.NoError(t, agents.Save(ctx, &identity.AgentIdentity{
		ID:          "agent-sig",
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		Fingerprint: fp,
		Reputation:  50,
	}))

	ch, err := svc.Issue(ctx, "agent-sig", fp, 70)
	require.NoError(t, err)
	require.Equal(t, challenge.TypeSignatureRefresh, ch.Type)

	// A solution that omits the nonce fails outright.
	assert.ErrorIs(t, svc.Verify(ctx, ch.ID, "deadbeef"), challenge.ErrFailed)

	// A wrong signature over the nonce fails.
	bad := ch.Nonce + ":" + hex.EncodeToString(make([]byte, ed25519.SignatureSize))
	assert.ErrorIs(t, svc.Verify(ctx, ch.ID, bad), challenge.ErrFailed)

	// The agent's real signature over the nonce verifies.
	sig := ed25519.Sign(priv, []byte(ch.Nonce))
	good := ch.Nonce + ":" + hex.EncodeToString(sig)
	assert.NoError(t, svc.Verify(ctx, ch.ID, good))
}

func TestVerifyUnknownChallenge(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.ErrorIs(t, svc.Verify(context.Background(), "ch_missing", "x"), challenge.ErrNotFound)
}

func TestVerifyExpiredChallenge(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	ch, err := svc.Issue(ctx, "agent-1", "fp-1", 30)
	require.NoError(t, err)

	// Six minutes later the KV record may still exist, but the deadline has
	// passed.
	now = now.Add(6 * time.Minute)
	assert.ErrorIs(t, svc.Verify(ctx, ch.ID, ch.ID), challenge.ErrNotFound)
}

// ==================== Redeem ====================

func TestRedeem(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.Issue(ctx, "agent-1", "fp-1", 30)
	require.NoError(t, err)

	// Not completed yet.
	_, ok := svc.Redeem(ctx, ch.ID, "agent-1")
	assert.False(t, ok)

	require.NoError(t, svc.Verify(ctx, ch.ID, ch.ID))

	// Wrong agent cannot redeem someone else's challenge.
	_, ok = svc.Redeem(ctx, ch.ID, "agent-2")
	assert.False(t, ok)

	got, ok := svc.Redeem(ctx, ch.ID, "agent-1")
	require.True(t, ok)
	assert.True(t, got.Completed)
}
