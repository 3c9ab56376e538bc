// Package poller runs one timer per registered rule, pulling rows through
// the SQL guard and executor and feeding the resulting events into the CEP
// engine. The per-rule goroutine/ticker idiom mirrors the health-check
// goroutine pattern used by the database connection pool.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventcore/eventcore/internal/cep"
	"github.com/eventcore/eventcore/internal/eventrule"
	"github.com/eventcore/eventcore/internal/metrics"
	"github.com/eventcore/eventcore/internal/sqlguard"
)

// ErrRuleNotRegistered is returned by RunOnce for a rule id with no active task.
var ErrRuleNotRegistered = errors.New("poller: rule not registered")

const (
	pollTimeout   = 60 * time.Second
	errorBackoff  = 60 * time.Second
)

// State is the poller's overall run state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// TaskState is a per-rule task's lifecycle state.
type TaskState string

const (
	TaskIdle      TaskState = "idle"
	TaskPolling   TaskState = "polling"
	TaskCancelled TaskState = "cancelled"
)

type pollTask struct {
	rule *eventrule.Rule

	mu           sync.Mutex
	state        TaskState
	lastPolledAt time.Time
	lastError    string

	cancel context.CancelFunc
	done   chan struct{}
}

// Poller owns one goroutine per active polling rule.
type Poller struct {
	mu    sync.Mutex
	state State
	tasks map[string]*pollTask
	pool  *pgxpool.Pool

	guard    *sqlguard.Guard
	executor *sqlguard.Executor
	engine   *cep.Engine
	logger   *slog.Logger
}

// New creates a Poller bound to the given CEP engine.
func New(engine *cep.Engine, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		state:    StateStopped,
		tasks:    make(map[string]*pollTask),
		guard:    sqlguard.New(),
		executor: sqlguard.NewExecutor(),
		engine:   engine,
		logger:   logger,
	}
}

// RegisterPollingRule records SQL/interval/field for rule, registers it
// with the CEP engine, and — if the scheduler is already running — spawns
// its task immediately.
func (p *Poller) RegisterPollingRule(rule *eventrule.Rule) {
	p.engine.Register(rule)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tasks[rule.ID]; exists {
		return
	}
	t := &pollTask{rule: rule, state: TaskIdle}
	p.tasks[rule.ID] = t
	if p.state == StateRunning {
		p.spawnLocked(t)
	}
}

// UnregisterPollingRule cancels any running task and removes the rule from
// the CEP engine.
func (p *Poller) UnregisterPollingRule(ruleID string) {
	p.mu.Lock()
	t, ok := p.tasks[ruleID]
	if ok {
		delete(p.tasks, ruleID)
	}
	p.mu.Unlock()

	if ok {
		p.cancelTask(t)
	}
	p.engine.Unregister(ruleID)
}

// Start captures the database pool, marks the poller running, and spawns
// tasks for every currently registered rule.
func (p *Poller) Start(pool *pgxpool.Pool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pool = pool
	p.state = StateRunning
	for _, t := range p.tasks {
		p.spawnLocked(t)
	}
}

// Stop cancels all tasks and clears the task table's running goroutines
// (task records themselves remain registered so Start can resume them).
func (p *Poller) Stop() {
	p.mu.Lock()
	p.state = StateStopped
	tasks := make([]*pollTask, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		p.cancelTask(t)
	}
}

// Status reports the poller's run state and per-rule task state.
type Status struct {
	Running bool                 `json:"running"`
	Tasks   map[string]TaskStatus `json:"tasks"`
}

// TaskStatus is the externally observable state of one rule's poll task.
type TaskStatus struct {
	State        TaskState `json:"state"`
	LastPolledAt time.Time `json:"last_polled_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Status returns a snapshot of the poller's current state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Status{Running: p.state == StateRunning, Tasks: make(map[string]TaskStatus, len(p.tasks))}
	for id, t := range p.tasks {
		t.mu.Lock()
		out.Tasks[id] = TaskStatus{State: t.state, LastPolledAt: t.lastPolledAt, LastError: t.lastError}
		t.mu.Unlock()
	}
	return out
}

// PollSimulated is a testing hook that bypasses I/O entirely and submits a
// provided event sequence directly to the CEP engine.
func (p *Poller) PollSimulated(ruleID string, events []eventrule.Event) []eventrule.TriggerResult {
	return p.engine.SubmitBatch(events)
}

func (p *Poller) spawnLocked(t *pollTask) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go p.runTask(ctx, t)
}

func (p *Poller) cancelTask(t *pollTask) {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.state = TaskCancelled
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// runTask is the per-rule goroutine: Idle -> Polling -> Idle on success,
// 60s backoff on any error, cancellation honored only at safe points
// between iterations.
func (p *Poller) runTask(ctx context.Context, t *pollTask) {
	defer close(t.done)

	for {
		interval := time.Duration(t.rule.CheckIntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = time.Minute
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		t.state = TaskPolling
		t.mu.Unlock()

		start := time.Now()
		_, err := p.executePoll(ctx, t)
		metrics.PollDuration.WithLabelValues(t.rule.ID).Observe(time.Since(start).Seconds())

		t.mu.Lock()
		t.lastPolledAt = time.Now()
		if err != nil {
			t.lastError = err.Error()
			t.state = TaskIdle
		} else {
			t.lastError = ""
			t.state = TaskIdle
		}
		t.mu.Unlock()

		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.PollsTotal.WithLabelValues(t.rule.ID, outcome).Inc()

		if err != nil {
			p.logger.Warn("poll failed, backing off", "rule_id", t.rule.ID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
		}
	}
}

// RunOnce forces a single poll iteration for ruleID outside its regular
// interval, returning when the poll executed and whether it produced a
// trigger. Used by the REST surface's POST /rules/{id}/run.
func (p *Poller) RunOnce(ctx context.Context, ruleID string) (time.Time, bool, error) {
	p.mu.Lock()
	t, ok := p.tasks[ruleID]
	p.mu.Unlock()
	if !ok {
		return time.Time{}, false, ErrRuleNotRegistered
	}

	triggers, err := p.executePoll(ctx, t)
	now := time.Now()

	t.mu.Lock()
	t.lastPolledAt = now
	if err != nil {
		t.lastError = err.Error()
	} else {
		t.lastError = ""
	}
	t.mu.Unlock()

	if err != nil {
		return now, false, err
	}
	return now, len(triggers) > 0, nil
}

// executePoll validates SQL once per poll, executes with a 60s timeout,
// converts rows to events, and submits them to the CEP engine.
func (p *Poller) executePoll(ctx context.Context, t *pollTask) ([]eventrule.TriggerResult, error) {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool == nil {
		return nil, errors.New("poller: no database pool configured")
	}

	safeSQL, _, err := p.guard.Validate(t.rule.SQL)
	if err != nil {
		return nil, err
	}

	result, err := p.executor.Execute(ctx, pool, safeSQL, pollTimeout)
	if err != nil {
		return nil, err
	}

	events := make([]eventrule.Event, 0, len(result.Rows))
	now := time.Now()
	for _, row := range result.Rows {
		data := make(map[string]any, len(result.Columns))
		for i, col := range result.Columns {
			if i < len(row) {
				data[col] = row[i]
			}
		}
		events = append(events, eventrule.Event{
			Timestamp: now,
			SourceID:  sourceIDFromRow(data),
			EventType: t.rule.FieldName,
			Data:      data,
		})
	}

	triggers := p.engine.SubmitBatch(events)
	for _, tr := range triggers {
		metrics.TriggersTotal.WithLabelValues(tr.RuleID).Inc()
	}
	return triggers, nil
}

// sourceIDFromRow derives a source id: station_id, else source_id, else "unknown".
func sourceIDFromRow(data map[string]any) string {
	if v, ok := data["station_id"]; ok {
		if s := stringify(v); s != "" {
			return s
		}
	}
	if v, ok := data["source_id"]; ok {
		if s := stringify(v); s != "" {
			return s
		}
	}
	return "unknown"
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
