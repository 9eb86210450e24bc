// Package events records security events (every deny and challenge) to the
// shared KV list and fans them out to dashboard subscribers.
//
// Fan-out strategy for multi-pod deployments:
//   - KV list: durable recent history for the dashboard read API
//   - KV pub/sub channel: cross-pod delivery
//   - in-memory subscribers: SSE/websocket connections on this pod, fed from
//     the pub/sub channel so every pod sees every event
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gazorpazorp/gateway/internal/kv"
)

const (
	eventsKey     = "gazorpazorp:security_events"
	threatChannel = "gazorpazorp:threats"

	// eventsCap bounds the durable recent-event list.
	eventsCap = 1000
)

// SecurityEvent is one recorded enforcement outcome.
type SecurityEvent struct {
	ID          string  `json:"id"`
	Timestamp   int64   `json:"ts"` // ms since epoch
	Kind        string  `json:"kind"` // deny | challenge | rate_limit
	AgentID     string  `json:"agentId,omitempty"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	Method      string  `json:"method,omitempty"`
	Path        string  `json:"path,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	PolicyID    string  `json:"policyId,omitempty"`
	ThreatType  string  `json:"threatType,omitempty"`
	RiskScore   float64 `json:"riskScore,omitempty"`
}

// Bus publishes security events and fans them out to local subscribers.
type Bus struct {
	kv kv.Store

	mu     sync.RWMutex
	subs   map[int]chan SecurityEvent
	nextID int

	unsubscribe func()
}

// NewBus creates the event bus on the given KV store.
func NewBus(store kv.Store) *Bus {
	return &Bus{kv: store, subs: make(map[int]chan SecurityEvent)}
}

// Start subscribes the bus to the threat channel so local SSE/websocket
// subscribers receive events published by any pod.
func (b *Bus) Start(ctx context.Context) error {
	unsub, err := b.kv.Subscribe(ctx, threatChannel, func(payload []byte) {
		var ev SecurityEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Warn("dropping malformed threat event", "error", err)
			return
		}
		b.fanOut(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe threat channel: %w", err)
	}
	b.unsubscribe = unsub
	return nil
}

// Close releases the pub/sub subscription and all subscriber channels.
func (b *Bus) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish appends the event to the durable list and broadcasts it on the
// threat channel. Local delivery happens via the channel subscription, so
// events are seen exactly once regardless of which pod produced them.
func (b *Bus) Publish(ctx context.Context, ev SecurityEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("marshal security event failed", "error", err)
		return
	}

	if err := b.kv.LPush(ctx, eventsKey, data); err != nil {
		slog.Warn("security event append failed", "error", err)
	} else {
		_ = b.kv.LTrim(ctx, eventsKey, 0, eventsCap-1)
	}

	if err := b.kv.Publish(ctx, threatChannel, data); err != nil {
		slog.Warn("threat channel publish failed", "error", err)
		// Deliver locally anyway so this pod's dashboards still see it.
		b.fanOut(ev)
	}
}

// Recent returns up to limit recent events, newest first.
func (b *Bus) Recent(ctx context.Context, limit int64) ([]SecurityEvent, error) {
	if limit <= 0 || limit > eventsCap {
		limit = 100
	}
	rows, err := b.kv.LRange(ctx, eventsKey, 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	out := make([]SecurityEvent, 0, len(rows))
	for _, row := range rows {
		var ev SecurityEvent
		if err := json.Unmarshal(row, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe registers a local subscriber. The returned cancel function must
// be called when the consumer's connection closes.
func (b *Bus) Subscribe() (<-chan SecurityEvent, func()) {
	ch := make(chan SecurityEvent, 16)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			close(sub)
			delete(b.subs, id)
		}
	}
	return ch, cancel
}

// fanOut delivers to local subscribers without blocking: a slow dashboard
// connection drops events rather than stalling the bus.
func (b *Bus) fanOut(ev SecurityEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
