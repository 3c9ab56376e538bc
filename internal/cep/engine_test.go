package cep

import (
	"math/rand"
	"testing"
	"time"

	"github.com/eventcore/eventcore/internal/eventrule"
	"github.com/eventcore/eventcore/internal/testutil"
)

var base = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func waterLevelRule(id string, op eventrule.Operator, threshold float64, duration, window int) *eventrule.Rule {
	return &eventrule.Rule{
		ID:              id,
		Name:            id,
		FieldName:       "water_level",
		Operator:        op,
		Threshold:       threshold,
		DurationMinutes: duration,
		WindowMinutes:   window,
		IsActive:        true,
		ActionType:      eventrule.ActionAlert,
	}
}

func feed(e *Engine, sourceID string, n int, value float64) []eventrule.TriggerResult {
	var all []eventrule.TriggerResult
	for i := 0; i < n; i++ {
		all = append(all, e.Submit(eventrule.Event{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			SourceID:  sourceID,
			EventType: "water_level",
			Data:      map[string]any{"water_level": value},
		})...)
	}
	return all
}

// Scenario 1: fire after 12 minutes at 3.5m.
func TestScenario1FireAfterDuration(t *testing.T) {
	e := New(testutil.DiscardLogger())
	r := waterLevelRule("r1", eventrule.OpGTE, 3.0, 10, 30)
	e.Register(r)

	triggers := feed(e, "S1", 13, 3.5)

	testutil.SliceLen(t, triggers, 1)
	testutil.Equal(t, triggers[0].TriggeredAt, base.Add(10*time.Minute))
	testutil.SliceLen(t, triggers[0].MatchingEvents, 11)
}

// Scenario 2: no-fire short duration.
func TestScenario2NoFireShortDuration(t *testing.T) {
	e := New(testutil.DiscardLogger())
	e.Register(waterLevelRule("r2", eventrule.OpGTE, 3.0, 10, 30))

	triggers := feed(e, "S1", 5, 3.5)
	testutil.SliceLen(t, triggers, 0)
}

// Scenario 3: interrupt resets latch.
func TestScenario3InterruptResetsLatch(t *testing.T) {
	e := New(testutil.DiscardLogger())
	e.Register(waterLevelRule("r3", eventrule.OpGTE, 3.0, 10, 30))

	var all []eventrule.TriggerResult
	i := 0
	next := func(n int, v float64) {
		for j := 0; j < n; j++ {
			all = append(all, e.Submit(eventrule.Event{
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				SourceID:  "S1",
				Data:      map[string]any{"water_level": v},
			})...)
			i++
		}
	}
	next(8, 3.5)
	next(3, 2.0)
	next(8, 3.5)

	testutil.SliceLen(t, all, 0)
}

// Scenario 4: per-source independence.
func TestScenario4PerSourceIndependence(t *testing.T) {
	e := New(testutil.DiscardLogger())
	e.Register(waterLevelRule("r4", eventrule.OpGTE, 3.0, 10, 30))

	var all []eventrule.TriggerResult
	all = append(all, submitSeries(e, "S1", 12, 3.5)...)
	all = append(all, submitSeries(e, "S2", 15, 2.0)...)
	all = append(all, submitSeries(e, "S3", 11, 4.0)...)

	testutil.SliceLen(t, all, 2)
	seen := map[string]bool{}
	for _, tr := range all {
		seen[tr.SourceID] = true
	}
	testutil.True(t, seen["S1"], "expected S1 to trigger")
	testutil.True(t, seen["S3"], "expected S3 to trigger")
	testutil.False(t, seen["S2"], "S2 should not trigger")
}

func submitSeries(e *Engine, sourceID string, n int, v float64) []eventrule.TriggerResult {
	var all []eventrule.TriggerResult
	for i := 0; i < n; i++ {
		all = append(all, e.Submit(eventrule.Event{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			SourceID:  sourceID,
			Data:      map[string]any{"water_level": v},
		})...)
	}
	return all
}

// Scenario 5: threshold miss.
func TestScenario5ThresholdMiss(t *testing.T) {
	e := New(testutil.DiscardLogger())
	e.Register(waterLevelRule("r5", eventrule.OpGTE, 3.0, 10, 30))

	triggers := feed(e, "S1", 15, 2.5)
	testutil.SliceLen(t, triggers, 0)
}

func TestZeroDurationTriggersImmediately(t *testing.T) {
	e := New(testutil.DiscardLogger())
	e.Register(waterLevelRule("r0", eventrule.OpGTE, 3.0, 0, 30))

	triggers := e.Submit(eventrule.Event{
		Timestamp: base,
		SourceID:  "S1",
		Data:      map[string]any{"water_level": 5.0},
	})
	testutil.SliceLen(t, triggers, 1)
}

func TestMissingFieldNoStateChange(t *testing.T) {
	e := New(testutil.DiscardLogger())
	e.Register(waterLevelRule("r6", eventrule.OpGTE, 3.0, 5, 30))

	triggers := e.Submit(eventrule.Event{
		Timestamp: base,
		SourceID:  "S1",
		Data:      map[string]any{"turbidity": 5.0},
	})
	testutil.SliceLen(t, triggers, 0)
}

func TestNonNumericValueNoStateChange(t *testing.T) {
	e := New(testutil.DiscardLogger())
	e.Register(waterLevelRule("r7", eventrule.OpGTE, 3.0, 5, 30))

	triggers := e.Submit(eventrule.Event{
		Timestamp: base,
		SourceID:  "S1",
		Data:      map[string]any{"water_level": "not-a-number"},
	})
	testutil.SliceLen(t, triggers, 0)
}

func TestExactDurationBoundaryTriggers(t *testing.T) {
	e := New(testutil.DiscardLogger())
	e.Register(waterLevelRule("r8", eventrule.OpGTE, 3.0, 10, 30))

	triggers := feed(e, "S1", 11, 3.5) // minute 0..10, exactly 10 minutes held
	testutil.SliceLen(t, triggers, 1)
}

func TestNonSatisfyingEventJustBeforeBoundaryClearsLatch(t *testing.T) {
	e := New(testutil.DiscardLogger())
	e.Register(waterLevelRule("r9", eventrule.OpGTE, 3.0, 10, 30))

	var all []eventrule.TriggerResult
	for i := 0; i < 9; i++ {
		all = append(all, e.Submit(eventrule.Event{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			SourceID:  "S1",
			Data:      map[string]any{"water_level": 3.5},
		})...)
	}
	// Non-satisfying event at t+9m (1 minute shy of the 10-minute gate).
	all = append(all, e.Submit(eventrule.Event{
		Timestamp: base.Add(9 * time.Minute),
		SourceID:  "S1",
		Data:      map[string]any{"water_level": 1.0},
	})...)
	testutil.SliceLen(t, all, 0)
}

func TestUnregisterStopsFutureTriggers(t *testing.T) {
	e := New(testutil.DiscardLogger())
	e.Register(waterLevelRule("r10", eventrule.OpGTE, 3.0, 0, 30))
	e.Unregister("r10")

	triggers := e.Submit(eventrule.Event{
		Timestamp: base,
		SourceID:  "S1",
		Data:      map[string]any{"water_level": 10.0},
	})
	testutil.SliceLen(t, triggers, 0)
}

func TestRegisterUnregisterNoOp(t *testing.T) {
	e := New(testutil.DiscardLogger())
	r := waterLevelRule("r11", eventrule.OpGTE, 3.0, 5, 30)
	e.Register(r)
	e.Unregister("r11")

	e.mu.Lock()
	_, hasRule := e.rules["r11"]
	_, hasBuf := e.buffers["r11"]
	e.mu.Unlock()
	testutil.False(t, hasRule, "rule should be gone")
	testutil.False(t, hasBuf, "buffer should be gone")
}

func TestToggleTwiceIsIdentity(t *testing.T) {
	r := waterLevelRule("r12", eventrule.OpGTE, 3.0, 5, 30)
	original := r.IsActive
	r.IsActive = !r.IsActive
	r.IsActive = !r.IsActive
	testutil.Equal(t, r.IsActive, original)
}

func TestCallbackPanicIsolated(t *testing.T) {
	e := New(testutil.DiscardLogger())
	e.Register(waterLevelRule("r13", eventrule.OpGTE, 3.0, 0, 30))

	var secondCalled bool
	e.AddTriggerCallback(func(eventrule.TriggerResult) { panic("boom") })
	e.AddTriggerCallback(func(eventrule.TriggerResult) { secondCalled = true })

	triggers := e.Submit(eventrule.Event{
		Timestamp: base,
		SourceID:  "S1",
		Data:      map[string]any{"water_level": 10.0},
	})
	testutil.SliceLen(t, triggers, 1)
	testutil.True(t, secondCalled, "second callback should still run after first panics")
}

func TestSubmitBatchOrdersByTimestamp(t *testing.T) {
	e := New(testutil.DiscardLogger())
	e.Register(waterLevelRule("r14", eventrule.OpGTE, 3.0, 2, 30))

	events := []eventrule.Event{
		{Timestamp: base.Add(2 * time.Minute), SourceID: "S1", Data: map[string]any{"water_level": 3.5}},
		{Timestamp: base, SourceID: "S1", Data: map[string]any{"water_level": 3.5}},
		{Timestamp: base.Add(1 * time.Minute), SourceID: "S1", Data: map[string]any{"water_level": 3.5}},
	}
	triggers := e.SubmitBatch(events)
	testutil.SliceLen(t, triggers, 1)
}

func TestSubmitBatchEquivalentToSequential(t *testing.T) {
	events := []eventrule.Event{
		{Timestamp: base.Add(2 * time.Minute), SourceID: "S1", Data: map[string]any{"water_level": 3.5}},
		{Timestamp: base, SourceID: "S1", Data: map[string]any{"water_level": 3.5}},
		{Timestamp: base.Add(1 * time.Minute), SourceID: "S1", Data: map[string]any{"water_level": 3.5}},
	}
	sorted := append([]eventrule.Event(nil), events...)
	// manual ascending order
	sorted[0], sorted[1] = sorted[1], sorted[0]
	sorted[1], sorted[2] = sorted[2], sorted[1]

	e1 := New(testutil.DiscardLogger())
	e1.Register(waterLevelRule("rb", eventrule.OpGTE, 3.0, 2, 30))
	batchTriggers := e1.SubmitBatch(events)

	e2 := New(testutil.DiscardLogger())
	e2.Register(waterLevelRule("rb", eventrule.OpGTE, 3.0, 2, 30))
	var seqTriggers []eventrule.TriggerResult
	for _, ev := range sorted {
		seqTriggers = append(seqTriggers, e2.Submit(ev)...)
	}

	testutil.SliceLen(t, batchTriggers, len(seqTriggers))
}

// Property-style test: randomize (op, threshold, duration, event sequence)
// and verify the buffer-window and latch invariants always hold.
func TestPropertyBufferNeverOlderThanWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ops := []eventrule.Operator{eventrule.OpGT, eventrule.OpGTE, eventrule.OpLT, eventrule.OpLTE, eventrule.OpEQ, eventrule.OpNE}

	for trial := 0; trial < 20; trial++ {
		op := ops[rng.Intn(len(ops))]
		threshold := float64(rng.Intn(10))
		duration := rng.Intn(15)
		window := duration*2 + 5
		e := New(testutil.DiscardLogger())
		e.Register(waterLevelRule("rp", op, threshold, duration, window))

		n := 5 + rng.Intn(40)
		var last eventrule.Event
		for i := 0; i < n; i++ {
			v := float64(rng.Intn(10))
			ev := eventrule.Event{
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				SourceID:  "S1",
				Data:      map[string]any{"water_level": v},
			}
			triggers := e.Submit(ev)
			for _, tr := range triggers {
				if tr.ConditionMetDuration < float64(duration) {
					t.Fatalf("trial %d: trigger duration %v below gate %d", trial, tr.ConditionMetDuration, duration)
				}
				for _, me := range tr.MatchingEvents {
					val, _ := me.Data["water_level"].(float64)
					if !op.Evaluate(val, threshold) {
						t.Fatalf("trial %d: matching event %v does not satisfy predicate", trial, me)
					}
				}
			}
			last = ev
		}

		e.mu.Lock()
		buf := e.buffers["rp"]
		e.mu.Unlock()
		cutoff := last.Timestamp.Add(-time.Duration(window) * time.Minute)
		for _, ev := range buf {
			if ev.Timestamp.Before(cutoff) {
				t.Fatalf("trial %d: buffer retains event older than window cutoff", trial)
			}
		}
	}
}
