package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gazorpazorp/gateway/internal/kv"
)

// Key layout owned by this package.
const (
	identityKeyPrefix = "agent:identity:"
	repLogKeyPrefix   = "agent:reputation_log:"
)

const (
	// Identities live for a year; every write refreshes the TTL.
	identityTTL = 365 * 24 * time.Hour

	// The audit log keeps the most recent 100 adjustments.
	repLogCap = 100
)

// adjustScript performs the reputation read-modify-write in one atomic step:
// load the identity, clamp old+delta into [0,100], write the identity back
// with a refreshed TTL, append an audit entry and trim the log. Optionally
// updates lastSeen in the same step so the success path is a single round trip.
//
// KEYS[1] = agent:identity:<fp>
// KEYS[2] = agent:reputation_log:<fp>
// ARGV[1] = delta, ARGV[2] = reason, ARGV[3] = unix ms now,
// ARGV[4] = identity TTL seconds, ARGV[5] = lastSeen RFC3339 or ""
const adjustScript = `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return false
end
local agent = cjson.decode(raw)
local old = tonumber(agent.reputation) or 50
local new = old + tonumber(ARGV[1])
if new < 0 then new = 0 end
if new > 100 then new = 100 end
agent.reputation = new
if ARGV[5] ~= '' then
  agent.lastSeen = ARGV[5]
end
redis.call('SET', KEYS[1], cjson.encode(agent), 'EX', tonumber(ARGV[4]))
local entry = cjson.encode({ts = tonumber(ARGV[3]), old = old, new = new, delta = tonumber(ARGV[1]), reason = ARGV[2]})
redis.call('LPUSH', KEYS[2], entry)
redis.call('LTRIM', KEYS[2], 0, 99)
return tostring(new)
`

// Store persists AgentIdentity records and their reputation audit logs in the
// KV store.
type Store struct {
	kv kv.Store
}

// NewStore creates an identity store on the given KV backend.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

func identityKey(fingerprint string) string { return identityKeyPrefix + fingerprint }
func repLogKey(fingerprint string) string   { return repLogKeyPrefix + fingerprint }

// Save writes the identity JSON with a refreshed one-year TTL.
func (s *Store) Save(ctx context.Context, agent *AgentIdentity) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := s.kv.Set(ctx, identityKey(agent.Fingerprint), data, identityTTL); err != nil {
		return fmt.Errorf("save identity %s: %w", agent.Fingerprint, err)
	}
	return nil
}

// Get loads an identity by fingerprint. Returns kv.ErrNotFound when no agent
// is registered under that fingerprint.
func (s *Store) Get(ctx context.Context, fingerprint string) (*AgentIdentity, error) {
	data, err := s.kv.Get(ctx, identityKey(fingerprint))
	if err != nil {
		return nil, err
	}
	var agent AgentIdentity
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("unmarshal identity %s: %w", fingerprint, err)
	}
	return &agent, nil
}

// Delete removes an identity and its audit log. Administrative operation.
func (s *Store) Delete(ctx context.Context, fingerprint string) error {
	return s.kv.Del(ctx, identityKey(fingerprint), repLogKey(fingerprint))
}

// AdjustReputation applies delta to the agent's reputation in one atomic
// server-side step, clamping into [0,100] and appending to the bounded audit
// log. Returns the new reputation. Concurrent adjustments are linearized by
// the script.
func (s *Store) AdjustReputation(ctx context.Context, fingerprint string, delta float64, reason string) (float64, error) {
	return s.adjust(ctx, fingerprint, delta, reason, "")
}

// AdjustReputationSeen is AdjustReputation plus a lastSeen update in the same
// atomic step. Used on successful verification so the hot path is one round
// trip.
func (s *Store) AdjustReputationSeen(ctx context.Context, fingerprint string, delta float64, reason string, seen time.Time) (float64, error) {
	return s.adjust(ctx, fingerprint, delta, reason, seen.UTC().Format(time.RFC3339Nano))
}

func (s *Store) adjust(ctx context.Context, fingerprint string, delta float64, reason, lastSeen string) (float64, error) {
	res, err := s.kv.Eval(ctx, adjustScript,
		[]string{identityKey(fingerprint), repLogKey(fingerprint)},
		delta, reason, time.Now().UnixMilli(), int64(identityTTL.Seconds()), lastSeen)
	if err != nil {
		return 0, fmt.Errorf("adjust reputation %s: %w", fingerprint, err)
	}
	str, ok := res.(string)
	if !ok {
		return 0, fmt.Errorf("adjust reputation %s: unexpected script result %T", fingerprint, res)
	}
	val, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, fmt.Errorf("adjust reputation %s: parse result %q: %w", fingerprint, str, err)
	}
	return val, nil
}

// ReputationLog returns up to limit recent audit entries, newest first.
func (s *Store) ReputationLog(ctx context.Context, fingerprint string, limit int64) ([]ReputationEntry, error) {
	if limit <= 0 || limit > repLogCap {
		limit = repLogCap
	}
	rows, err := s.kv.LRange(ctx, repLogKey(fingerprint), 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("reputation log %s: %w", fingerprint, err)
	}
	entries := make([]ReputationEntry, 0, len(rows))
	for _, row := range rows {
		var e ReputationEntry
		if err := json.Unmarshal(row, &e); err != nil {
			continue // skip malformed rows rather than failing the read
		}
		entries = append(entries, e)
	}
	return entries, nil
}
