package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gazorpazorp/gateway/internal/kv"
)

const (
	auditLogKey = "gazorpazorp:audit_log"

	// auditCap bounds the in-memory decision log.
	auditCap = 100_000

	// auditKVCap bounds the shared KV audit list.
	auditKVCap = 10_000
)

// Engine evaluates the ordered ruleset. Deterministic: given the same rules
// and snapshot, the same decision comes out.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule

	kv kv.Store // optional shared audit sink

	auditMu sync.Mutex
	audit   []AuditEntry

	now func() time.Time
}

// NewEngine creates an engine over the given rules, sorted by ascending
// priority. store may be nil; the KV audit append is then skipped.
func NewEngine(rules []Rule, store kv.Store) *Engine {
	e := &Engine{kv: store, now: time.Now}
	e.SetRules(rules)
	return e
}

// SetRules replaces the ruleset atomically. Rules are re-sorted by priority.
func (e *Engine) SetRules(rules []Rule) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
}

// Rules returns a copy of the current ruleset in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate walks enabled rules in priority order; the first full match wins.
// No match means allow.
func (e *Engine) Evaluate(ctx context.Context, snapshot map[string]interface{}) Decision {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if e.ruleMatches(rule, snapshot) {
			decision := Decision{
				Action:     rule.Action.Type,
				PolicyID:   rule.ID,
				PolicyName: rule.Name,
				Params:     rule.Action.Params,
			}
			e.recordAudit(ctx, decision, snapshot)
			return decision
		}
	}
	return Decision{Action: ActionAllow}
}

func (e *Engine) ruleMatches(rule Rule, snapshot map[string]interface{}) bool {
	for _, cond := range rule.Conditions {
		val, ok := lookupPath(snapshot, cond.Field)
		if !ok {
			return false
		}
		if !evalCondition(cond, val) {
			return false
		}
	}
	return true
}

// recordAudit appends the matched decision to the bounded in-memory log and,
// when a KV store is wired, to the shared audit list.
func (e *Engine) recordAudit(ctx context.Context, d Decision, snapshot map[string]interface{}) {
	entry := AuditEntry{
		Timestamp: e.now().UnixMilli(),
		PolicyID:  d.PolicyID,
		Action:    d.Action,
	}
	if agent, ok := lookupPath(snapshot, "agent.id"); ok {
		entry.AgentID, _ = agent.(string)
	}
	if path, ok := lookupPath(snapshot, "request.path"); ok {
		entry.Path, _ = path.(string)
	}

	e.auditMu.Lock()
	e.audit = append(e.audit, entry)
	if len(e.audit) > auditCap {
		e.audit = e.audit[len(e.audit)-auditCap:]
	}
	e.auditMu.Unlock()

	if e.kv == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := e.kv.LPush(ctx, auditLogKey, data); err != nil {
		slog.Warn("audit log append failed", "error", err)
		return
	}
	_ = e.kv.LTrim(ctx, auditLogKey, 0, auditKVCap-1)
}

// AuditTail returns up to n most recent audit entries.
func (e *Engine) AuditTail(n int) []AuditEntry {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	if n <= 0 || n > len(e.audit) {
		n = len(e.audit)
	}
	out := make([]AuditEntry, n)
	copy(out, e.audit[len(e.audit)-n:])
	return out
}

// =============================================================================
// Condition evaluation
// =============================================================================

// lookupPath resolves a dotted accessor against the snapshot.
func lookupPath(snapshot map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = snapshot
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func evalCondition(cond Condition, actual interface{}) bool {
	switch cond.Operator {
	case OpEq:
		return valuesEqual(actual, cond.Value)
	case OpNeq:
		return !valuesEqual(actual, cond.Value)
	case OpGt:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case OpGte:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a >= b
	case OpLt:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	case OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a <= b
	case OpContains:
		return containsValue(actual, cond.Value)
	case OpMatches:
		pattern, ok := cond.Value.(string)
		if !ok {
			return false
		}
		s, ok := actual.(string)
		if !ok {
			return false
		}
		matched, err := regexp.MatchString(pattern, s)
		return err == nil && matched
	case OpIn:
		list, ok := toSlice(cond.Value)
		if !ok {
			return false
		}
		for _, item := range list {
			if valuesEqual(actual, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func valuesEqual(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

func containsValue(actual, want interface{}) bool {
	switch a := actual.(type) {
	case string:
		w, ok := want.(string)
		return ok && strings.Contains(a, w)
	case []interface{}:
		for _, item := range a {
			if valuesEqual(item, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
