package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gazorpazorp/gateway/internal/identity"
	"github.com/gazorpazorp/gateway/internal/kv"
)

const (
	cacheKeyPrefix = "analysis:"
	cacheTTL       = 30 * time.Minute
)

// UUIDs are collapsed before numeric segments — UUIDs contain digits, so the
// order matters.
var uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// NormalizePath collapses identifier segments so equivalent requests share a
// cache entry: UUIDs become :uuid, then all-digit segments become :id.
func NormalizePath(path string) string {
	path = uuidRe.ReplaceAllString(path, ":uuid")

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		allDigits := true
		for _, r := range seg {
			if r < '0' || r > '9' {
				allDigits = false
				break
			}
		}
		if allDigits {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// CacheKey derives the memo key: SHA256(method ‖ normalizedPath ‖
// SHA256(body) ‖ reputationBucket). The bucket isolates trust tiers so a
// poisoned high-trust entry cannot be replayed into a low-trust lookup.
func CacheKey(method, path string, body []byte, bucket identity.Bucket) string {
	bodySum := sha256.Sum256(body)

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte(NormalizePath(path)))
	h.Write([]byte(hex.EncodeToString(bodySum[:])))
	h.Write([]byte(bucket))
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// CacheStats is a snapshot of the cache counters.
type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	HitRate float64 `json:"hitRate"`
}

// Cache memoizes analysis results in the KV store, segmented by reputation
// bucket.
type Cache struct {
	kv  kv.Store
	ttl time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
	sets   atomic.Uint64
}

// NewCache creates an analysis cache with the standard 30-minute TTL.
func NewCache(store kv.Store) *Cache {
	return &Cache{kv: store, ttl: cacheTTL}
}

// Get returns the cached result for key, or nil on a miss. KV failures count
// as misses; the analyzer just does the work again.
func (c *Cache) Get(ctx context.Context, key string) *AnalysisResult {
	data, err := c.kv.Get(ctx, key)
	if err != nil {
		c.misses.Add(1)
		return nil
	}
	var res AnalysisResult
	if err := json.Unmarshal(data, &res); err != nil {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	return &res
}

// Set stores a result under key.
func (c *Cache) Set(ctx context.Context, key string, res *AnalysisResult) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
		return
	}
	c.sets.Add(1)
}

// Invalidate removes all cached analyses using cursor-based SCAN iteration,
// never a blocking KEYS. Returns the number of entries removed.
func (c *Cache) Invalidate(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.kv.Scan(ctx, cursor, cacheKeyPrefix+"*", 100)
		if err != nil {
			return removed, fmt.Errorf("scan analysis cache: %w", err)
		}
		if len(keys) > 0 {
			if err := c.kv.Del(ctx, keys...); err != nil && !errors.Is(err, kv.ErrNotFound) {
				return removed, fmt.Errorf("delete analysis cache batch: %w", err)
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Stats returns a snapshot of the hit/miss/set counters.
func (c *Cache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := CacheStats{Hits: hits, Misses: misses, Sets: c.sets.Load()}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
