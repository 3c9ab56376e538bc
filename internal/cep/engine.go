// Package cep implements the in-process Complex Event Processor: per-rule
// sliding event buffers, per-(rule,source) condition latches, and
// duration-gated trigger emission. The concurrency idiom — a single mutex
// guarding shared maps, non-blocking fan-out to subscribers — follows the
// realtime hub pattern used elsewhere in this codebase.
package cep

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eventcore/eventcore/internal/eventrule"
)

// TriggerCallback is invoked synchronously, in registration order, for
// every trigger produced by Submit/SubmitBatch. Panics inside a callback
// are recovered and logged; they never abort the evaluation loop or affect
// other callbacks.
type TriggerCallback func(eventrule.TriggerResult)

type latchKey struct {
	ruleID   string
	sourceID string
}

// Engine holds per-rule sliding buffers and per-(rule,source) latches.
// Submit/SubmitBatch are the hot path called concurrently from many poller
// tasks; a single mutex serializes all state mutation, mirroring how the
// trigger broadcast Hub in broadcast.go guards its subscriber map.
type Engine struct {
	mu sync.Mutex

	rules   map[string]*eventrule.Rule
	buffers map[string][]eventrule.Event
	latches map[latchKey]time.Time

	callbacks []TriggerCallback

	logger *slog.Logger
	hub    *Hub // optional broadcast of triggers to SSE subscribers
}

// New creates an empty Engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:   make(map[string]*eventrule.Rule),
		buffers: make(map[string][]eventrule.Event),
		latches: make(map[latchKey]time.Time),
		logger:  logger,
		hub:     NewHub(logger),
	}
}

// Hub returns the engine's trigger broadcast hub for SSE subscribers.
func (e *Engine) Hub() *Hub {
	return e.hub
}

// Register idempotently inserts rule (by a copy), initializing an empty
// buffer and clearing any stale latches for its id.
func (e *Engine) Register(rule *eventrule.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule.Clone()
	if _, ok := e.buffers[rule.ID]; !ok {
		e.buffers[rule.ID] = nil
	}
	for k := range e.latches {
		if k.ruleID == rule.ID {
			delete(e.latches, k)
		}
	}
}

// Unregister removes a rule, its buffer, and its condition state. Any
// trigger already returned from a prior Submit is unaffected.
func (e *Engine) Unregister(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, ruleID)
	delete(e.buffers, ruleID)
	for k := range e.latches {
		if k.ruleID == ruleID {
			delete(e.latches, k)
		}
	}
}

// AddTriggerCallback subscribes fn to be invoked for every trigger.
func (e *Engine) AddTriggerCallback(fn TriggerCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

// Submit is the hot path: evaluates event against every active rule and
// returns the triggers it caused (deterministically ordered by rule id).
func (e *Engine) Submit(event eventrule.Event) []eventrule.TriggerResult {
	e.mu.Lock()

	var triggers []eventrule.TriggerResult
	ids := make([]string, 0, len(e.rules))
	for id := range e.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rule := e.rules[id]
		if !rule.IsActive {
			continue
		}
		if t, ok := e.evaluateRuleLocked(rule, event); ok {
			triggers = append(triggers, t)
		}
	}

	callbacks := append([]TriggerCallback(nil), e.callbacks...)
	e.mu.Unlock()

	for _, t := range triggers {
		e.invokeCallbacks(callbacks, t)
		if e.hub != nil {
			e.hub.Publish(t)
		}
	}
	return triggers
}

// SubmitBatch sorts events by timestamp ascending, then submits them in
// order, guaranteeing deterministic outcomes under out-of-order arrivals.
func (e *Engine) SubmitBatch(events []eventrule.Event) []eventrule.TriggerResult {
	sorted := append([]eventrule.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	var all []eventrule.TriggerResult
	for _, ev := range sorted {
		all = append(all, e.Submit(ev)...)
	}
	return all
}

// evaluateRuleLocked runs the CEP step-by-step algorithm for one rule
// against one event. Caller must hold e.mu.
func (e *Engine) evaluateRuleLocked(rule *eventrule.Rule, event eventrule.Event) (eventrule.TriggerResult, bool) {
	// 1. Append event to the rule's buffer.
	buf := append(e.buffers[rule.ID], event)

	// 2. Evict events older than event.timestamp - window_minutes.
	cutoff := event.Timestamp.Add(-time.Duration(rule.WindowMinutes) * time.Minute)
	start := 0
	for start < len(buf) && buf[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		buf = append([]eventrule.Event(nil), buf[start:]...)
	}
	e.buffers[rule.ID] = buf

	// 3. Extract event.data[field_name]; if absent/non-numeric, no state change.
	raw, ok := event.Data[rule.FieldName]
	if !ok {
		return eventrule.TriggerResult{}, false
	}
	value, ok := coerceFloat(raw)
	if !ok {
		return eventrule.TriggerResult{}, false
	}

	key := latchKey{ruleID: rule.ID, sourceID: event.SourceID}

	// 4. Evaluate predicate.
	satisfied := rule.Operator.Evaluate(value, rule.Threshold)
	if !satisfied {
		// 7. Non-satisfying event clears any open latch.
		delete(e.latches, key)
		return eventrule.TriggerResult{}, false
	}

	// 5. Open the latch if not already open.
	firstMetAt, open := e.latches[key]
	if !open {
		e.latches[key] = event.Timestamp
		firstMetAt = event.Timestamp
	}

	// 6. Duration gate: closed >= comparison.
	held := event.Timestamp.Sub(firstMetAt)
	gate := time.Duration(rule.DurationMinutes) * time.Minute
	if held < gate {
		return eventrule.TriggerResult{}, false
	}

	matching := matchingEvents(e.buffers[rule.ID], event.SourceID, firstMetAt)
	delete(e.latches, key)

	rule.TriggerCount++
	triggeredAt := event.Timestamp
	rule.LastTriggeredAt = &triggeredAt

	return eventrule.TriggerResult{
		RuleID:               rule.ID,
		RuleName:             rule.Name,
		SourceID:             event.SourceID,
		TriggeredAt:          triggeredAt,
		ConditionMetDuration: held.Minutes(),
		MatchingEvents:       matching,
		ActionType:           rule.ActionType,
	}, true
}

func matchingEvents(buf []eventrule.Event, sourceID string, firstMetAt time.Time) []eventrule.Event {
	var out []eventrule.Event
	for _, ev := range buf {
		if ev.SourceID == sourceID && !ev.Timestamp.Before(firstMetAt) {
			out = append(out, ev)
		}
	}
	return out
}

// invokeCallbacks calls every subscriber, isolating panics per spec's
// ErrCallbackRaised semantics: one misbehaving listener never affects
// another, nor the evaluation that produced the trigger.
func (e *Engine) invokeCallbacks(callbacks []TriggerCallback, t eventrule.TriggerResult) {
	for _, cb := range callbacks {
		e.safeInvoke(cb, t)
	}
}

func (e *Engine) safeInvoke(cb TriggerCallback, t eventrule.TriggerResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("cep trigger callback panicked", "panic", r, "rule_id", t.RuleID)
		}
	}()
	cb(t)
}

// coerceFloat admits a value if parseable as a 64-bit float.
func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
