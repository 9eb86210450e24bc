package identity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazorpazorp/gateway/internal/identity"
	"github.com/gazorpazorp/gateway/internal/infra"
	"github.com/gazorpazorp/gateway/internal/kv"
)

func newTestStore(t *testing.T) kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return infra.NewGoRedisAdapterFromClient(client)
}

func testAgent(fp string) *identity.AgentIdentity {
	now := time.Now().UTC().Truncate(time.Second)
	return &identity.AgentIdentity{
		ID:           "agent_test",
		PublicKey:    "cHVibGljLWtleQ==",
		Fingerprint:  fp,
		RegisteredAt: now,
		LastSeen:     now,
		Reputation:   50,
		Permissions:  identity.DefaultPermissions(),
		RateLimit:    identity.DefaultRateLimit(),
	}
}

// ==================== Save / Get / Delete ====================

func TestStoreRoundtrip(t *testing.T) {
	store := identity.NewStore(newTestStore(t))
	ctx := context.Background()

	agent := testAgent("fp-roundtrip")
	require.NoError(t, store.Save(ctx, agent))

	got, err := store.Get(ctx, "fp-roundtrip")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
	assert.Equal(t, agent.Fingerprint, got.Fingerprint)
	assert.Equal(t, 50.0, got.Reputation)
	assert.Equal(t, agent.Permissions, got.Permissions)
}

func TestStoreGetUnknown(t *testing.T) {
	store := identity.NewStore(newTestStore(t))

	_, err := store.Get(context.Background(), "no-such-fingerprint")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStoreDelete(t *testing.T) {
	store := identity.NewStore(newTestStore(t))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testAgent("fp-del")))
	require.NoError(t, store.Delete(ctx, "fp-del"))

	_, err := store.Get(ctx, "fp-del")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

// ==================== Reputation adjustment ====================

func TestAdjustReputation(t *testing.T) {
	store := identity.NewStore(newTestStore(t))
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testAgent("fp-adj")))

	rep, err := store.AdjustReputation(ctx, "fp-adj", -5, "invalid_signature")
	require.NoError(t, err)
	assert.Equal(t, 45.0, rep)

	got, err := store.Get(ctx, "fp-adj")
	require.NoError(t, err)
	assert.Equal(t, 45.0, got.Reputation)
}

func TestAdjustReputationClamps(t *testing.T) {
	store := identity.NewStore(newTestStore(t))
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testAgent("fp-clamp")))

	rep, err := store.AdjustReputation(ctx, "fp-clamp", -200, "catastrophe")
	require.NoError(t, err)
	assert.Equal(t, 0.0, rep)

	rep, err = store.AdjustReputation(ctx, "fp-clamp", 500, "redemption")
	require.NoError(t, err)
	assert.Equal(t, 100.0, rep)
}

func TestAdjustReputationUnknownAgent(t *testing.T) {
	store := identity.NewStore(newTestStore(t))

	_, err := store.AdjustReputation(context.Background(), "ghost", 1, "drift")
	assert.Error(t, err)
}

func TestAdjustReputationSeenUpdatesLastSeen(t *testing.T) {
	store := identity.NewStore(newTestStore(t))
	ctx := context.Background()

	agent := testAgent("fp-seen")
	agent.LastSeen = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, agent))

	seen := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	_, err := store.AdjustReputationSeen(ctx, "fp-seen", 0.1, "valid_signature", seen)
	require.NoError(t, err)

	got, err := store.Get(ctx, "fp-seen")
	require.NoError(t, err)
	assert.True(t, got.LastSeen.Equal(seen), "lastSeen should be updated in the same step")
}

// Concurrent deltas must all land: the script linearizes read-modify-write.
func TestAdjustReputationConcurrent(t *testing.T) {
	store := identity.NewStore(newTestStore(t))
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testAgent("fp-conc")))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AdjustReputation(ctx, "fp-conc", 1, "drift")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "fp-conc")
	require.NoError(t, err)
	assert.Equal(t, 70.0, got.Reputation)
}

// ==================== Audit log ====================

func TestReputationLog(t *testing.T) {
	store := identity.NewStore(newTestStore(t))
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testAgent("fp-log")))

	_, err := store.AdjustReputation(ctx, "fp-log", -5, "invalid_signature")
	require.NoError(t, err)
	_, err = store.AdjustReputation(ctx, "fp-log", 0.1, "valid_signature")
	require.NoError(t, err)

	entries, err := store.ReputationLog(ctx, "fp-log", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "valid_signature", entries[0].Reason)
	assert.InDelta(t, 0.1, entries[0].Delta, 1e-9)
	assert.Equal(t, "invalid_signature", entries[1].Reason)
	assert.Equal(t, 50.0, entries[1].Old)
	assert.Equal(t, 45.0, entries[1].New)
}

func TestReputationLogTrimmed(t *testing.T) {
	store := identity.NewStore(newTestStore(t))
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testAgent("fp-trim")))

	for i := 0; i < 120; i++ {
		_, err := store.AdjustReputation(ctx, "fp-trim", 0, "noop")
		require.NoError(t, err)
	}

	entries, err := store.ReputationLog(ctx, "fp-trim", 200)
	require.NoError(t, err)
	assert.Len(t, entries, 100)
}

// ==================== Buckets ====================

func TestBucketFor(t *testing.T) {
	tests := []struct {
		reputation float64
		want       identity.Bucket
	}{
		{95, identity.BucketTrusted},
		{90, identity.BucketTrusted},
		{89.9, identity.BucketHigh},
		{70, identity.BucketHigh},
		{69.9, identity.BucketMedium},
		{50, identity.BucketMedium},
		{49.9, identity.BucketLow},
		{30, identity.BucketLow},
		{29.9, identity.BucketUntrusted},
		{0, identity.BucketUntrusted},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, identity.BucketFor(tc.reputation), "reputation %.1f", tc.reputation)
	}
}
