// Package registry is the authoritative in-memory rule catalogue: CRUD,
// toggling, template instantiation, and natural-language parameterization.
// All other components observe rules only through the registry. The
// RWMutex-guarded map follows the same concurrency idiom used by the
// realtime broadcast hub elsewhere in this codebase.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventcore/eventcore/internal/eventrule"
	"github.com/eventcore/eventcore/internal/metrics"
	"github.com/eventcore/eventcore/internal/sqlguard"
)

// ErrNotFound is returned when a rule id does not exist.
var ErrNotFound = errors.New("rule_not_found")

// SnapshotStore is the subset of internal/snapshot.Store the registry needs.
// Declared locally to avoid an import cycle; internal/snapshot.Store
// satisfies it structurally.
type SnapshotStore interface {
	Put(ctx context.Context, rule *eventrule.Rule) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]*eventrule.Rule, error)
}

// SyncClient is the subset of internal/cepsync.Client the registry needs.
type SyncClient interface {
	SyncRule(ctx context.Context, rule *eventrule.Rule) error
	DeleteRule(ctx context.Context, id string) error
	Toggle(ctx context.Context, id string) error
	SyncRules(ctx context.Context, rules []*eventrule.Rule) error
}

// PollerHook lets the registry tell an injected poller about
// registration/removal without importing internal/poller directly.
type PollerHook interface {
	RegisterPollingRule(rule *eventrule.Rule)
	UnregisterPollingRule(ruleID string)
}

// CreateInput is the set of fields accepted when creating a rule.
type CreateInput struct {
	Name                 string
	Description          string
	NaturalLanguage      string
	SQL                  string
	CheckIntervalMinutes int
	ConditionThresholdExpr string
	FieldName            string
	Operator             eventrule.Operator
	Threshold            float64
	WindowMinutes        int
	DurationMinutes      int
	ActionType           eventrule.ActionKind
	AlertConfig          *eventrule.AlertConfig
	ProcessConfig        *eventrule.ProcessConfig
}

// Registry is the RWMutex-guarded authoritative rule set.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]*eventrule.Rule

	guard    *sqlguard.Guard
	snapshot SnapshotStore
	sync     SyncClient // nil when rule-sync is not configured
	poller   PollerHook
	logger   *slog.Logger
}

// New creates a Registry. snapshot and sync may be nil.
func New(snapshot SnapshotStore, sync SyncClient, poller PollerHook, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rules:    make(map[string]*eventrule.Rule),
		guard:    sqlguard.New(),
		snapshot: snapshot,
		sync:     sync,
		poller:   poller,
		logger:   logger,
	}
}

// LoadSnapshot restores rules from the configured snapshot store at
// startup, best-effort.
func (r *Registry) LoadSnapshot(ctx context.Context) error {
	if r.snapshot == nil {
		return nil
	}
	rules, err := r.snapshot.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading rule snapshot: %w", err)
	}
	r.mu.Lock()
	for _, rule := range rules {
		r.rules[rule.ID] = rule
	}
	r.mu.Unlock()

	for _, rule := range rules {
		if rule.IsActive && r.poller != nil {
			r.poller.RegisterPollingRule(rule)
		}
	}
	r.refreshActiveRulesMetric()
	return nil
}

// Create validates SQL via the guard, assigns an id, stamps timestamps,
// adds the rule, and best-effort syncs to the snapshot store and external
// CEP service.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*eventrule.Rule, error) {
	if _, _, err := r.guard.Validate(in.SQL); err != nil {
		return nil, err
	}

	now := time.Now()
	rule := &eventrule.Rule{
		ID:                   uuid.NewString(),
		Name:                 in.Name,
		Description:          in.Description,
		SQL:                  in.SQL,
		CheckIntervalMinutes: in.CheckIntervalMinutes,
		FieldName:            in.FieldName,
		Operator:             in.Operator,
		Threshold:            in.Threshold,
		WindowMinutes:        in.WindowMinutes,
		DurationMinutes:      in.DurationMinutes,
		ActionType:           in.ActionType,
		AlertConfig:          in.AlertConfig,
		ProcessConfig:        in.ProcessConfig,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if rule.FieldName == "" || !rule.Operator.Valid() {
		parsed := ParseNaturalLanguage(in.NaturalLanguage)
		if rule.FieldName == "" {
			rule.FieldName = parsed.FieldName
		}
		if !rule.Operator.Valid() {
			rule.Operator = parsed.Operator
		}
	}
	if rule.WindowMinutes < 1 {
		rule.WindowMinutes = maxInt(30, rule.DurationMinutes*2)
	}

	r.mu.Lock()
	r.rules[rule.ID] = rule
	r.mu.Unlock()

	r.afterMutate(ctx, rule, false)
	return rule.Clone(), nil
}

// Get returns a copy of the rule with the given id.
func (r *Registry) Get(id string) (*eventrule.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rule.Clone(), nil
}

// List returns copies of all rules, sorted by id for determinism.
func (r *Registry) List() []*eventrule.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*eventrule.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Name                 *string
	Description          *string
	SQL                  *string
	CheckIntervalMinutes *int
	FieldName            *string
	Operator             *eventrule.Operator
	Threshold            *float64
	WindowMinutes        *int
	DurationMinutes      *int
	ActionType           *eventrule.ActionKind
	AlertConfig          *eventrule.AlertConfig
	ProcessConfig        *eventrule.ProcessConfig
	IsActive             *bool
}

// Update merges patch into the rule, re-validating SQL if changed.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*eventrule.Rule, error) {
	r.mu.Lock()
	rule, ok := r.rules[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}

	intervalChanged := false
	if patch.SQL != nil {
		if _, _, err := r.guard.Validate(*patch.SQL); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		rule.SQL = *patch.SQL
	}
	if patch.Name != nil {
		rule.Name = *patch.Name
	}
	if patch.Description != nil {
		rule.Description = *patch.Description
	}
	if patch.CheckIntervalMinutes != nil && *patch.CheckIntervalMinutes != rule.CheckIntervalMinutes {
		rule.CheckIntervalMinutes = *patch.CheckIntervalMinutes
		intervalChanged = true
	}
	if patch.FieldName != nil {
		rule.FieldName = *patch.FieldName
	}
	if patch.Operator != nil {
		rule.Operator = *patch.Operator
	}
	if patch.Threshold != nil {
		rule.Threshold = *patch.Threshold
	}
	if patch.WindowMinutes != nil {
		rule.WindowMinutes = *patch.WindowMinutes
	}
	if patch.DurationMinutes != nil {
		rule.DurationMinutes = *patch.DurationMinutes
	}
	if patch.ActionType != nil {
		rule.ActionType = *patch.ActionType
	}
	if patch.AlertConfig != nil {
		rule.AlertConfig = patch.AlertConfig
	}
	if patch.ProcessConfig != nil {
		rule.ProcessConfig = patch.ProcessConfig
	}
	if patch.IsActive != nil {
		rule.IsActive = *patch.IsActive
	}
	rule.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.afterMutate(ctx, rule, intervalChanged)
	return rule.Clone(), nil
}

// Delete removes a rule and cascades the removal to the poller and snapshot store.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.rules[id]
	if ok {
		delete(r.rules, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if r.poller != nil {
		r.poller.UnregisterPollingRule(id)
	}
	if r.snapshot != nil {
		if err := r.snapshot.Delete(ctx, id); err != nil {
			r.logger.Warn("snapshot delete failed", "rule_id", id, "error", err)
		}
	}
	if r.sync != nil {
		if err := r.sync.DeleteRule(ctx, id); err != nil {
			r.logger.Warn("rule sync delete failed", "rule_id", id, "error", err)
		}
	}
	r.refreshActiveRulesMetric()
	return nil
}

// Toggle flips is_active. An inactive rule is skipped by the CEP but its
// poller task may remain registered as a no-op submit.
func (r *Registry) Toggle(ctx context.Context, id string) (*eventrule.Rule, error) {
	r.mu.Lock()
	rule, ok := r.rules[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	rule.IsActive = !rule.IsActive
	rule.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.afterMutateLocalOnly(ctx, rule, false)
	if r.sync != nil {
		if err := r.sync.Toggle(ctx, rule.ID); err != nil {
			r.logger.Warn("rule sync toggle failed", "rule_id", rule.ID, "error", err)
		}
	}
	r.refreshActiveRulesMetric()
	return rule.Clone(), nil
}

// CreateFromTemplate clones templateID, applies overrides, and delegates to Create.
func (r *Registry) CreateFromTemplate(ctx context.Context, templateID string, overrides CreateInput) (*eventrule.Rule, error) {
	tmpl := TemplateByID(templateID)
	if tmpl == nil {
		return nil, fmt.Errorf("%w: template %q", ErrNotFound, templateID)
	}

	in := CreateInput{
		Name:                 tmpl.Name,
		Description:          tmpl.Description,
		SQL:                  tmpl.DefaultSQL,
		CheckIntervalMinutes: tmpl.DefaultIntervalMinutes,
		FieldName:            tmpl.FieldName,
		Operator:             tmpl.Operator,
		Threshold:            tmpl.Threshold,
		WindowMinutes:        tmpl.WindowMinutes,
		DurationMinutes:      tmpl.DurationMinutes,
		ActionType:           tmpl.RecommendedAction,
	}
	if tmpl.SuggestedProcess != "" {
		in.ProcessConfig = &eventrule.ProcessConfig{ProcessName: tmpl.SuggestedProcess}
	}

	if overrides.Name != "" {
		in.Name = overrides.Name
	}
	if overrides.Description != "" {
		in.Description = overrides.Description
	}
	if overrides.SQL != "" {
		in.SQL = overrides.SQL
	}
	if overrides.CheckIntervalMinutes != 0 {
		in.CheckIntervalMinutes = overrides.CheckIntervalMinutes
	}
	if overrides.FieldName != "" {
		in.FieldName = overrides.FieldName
	}
	if overrides.Operator != "" {
		in.Operator = overrides.Operator
	}
	if overrides.Threshold != 0 {
		in.Threshold = overrides.Threshold
	}
	if overrides.WindowMinutes != 0 {
		in.WindowMinutes = overrides.WindowMinutes
	}
	if overrides.DurationMinutes != 0 {
		in.DurationMinutes = overrides.DurationMinutes
	}
	if overrides.ActionType != "" {
		in.ActionType = overrides.ActionType
	}
	if overrides.AlertConfig != nil {
		in.AlertConfig = overrides.AlertConfig
	}
	if overrides.ProcessConfig != nil {
		in.ProcessConfig = overrides.ProcessConfig
	}

	return r.Create(ctx, in)
}

// afterMutate registers/updates the poller task and best-effort mirrors the
// change to the snapshot store and external sync client.
func (r *Registry) afterMutate(ctx context.Context, rule *eventrule.Rule, intervalChanged bool) {
	r.afterMutateLocalOnly(ctx, rule, intervalChanged)
	if r.sync != nil {
		if err := r.sync.SyncRule(ctx, rule); err != nil {
			r.logger.Warn("rule sync failed", "rule_id", rule.ID, "error", err)
		}
	}
	r.refreshActiveRulesMetric()
}

// afterMutateLocalOnly updates the poller task and snapshot store but skips
// the external sync client, letting callers that need a non-upsert sync
// operation (e.g. Toggle) drive it themselves.
func (r *Registry) afterMutateLocalOnly(ctx context.Context, rule *eventrule.Rule, intervalChanged bool) {
	if r.poller != nil {
		if intervalChanged {
			r.poller.UnregisterPollingRule(rule.ID)
		}
		// Registering an inactive rule too refreshes the CEP engine's copy of
		// IsActive, so the engine skips it; its poll task stays registered.
		r.poller.RegisterPollingRule(rule)
	}
	if r.snapshot != nil {
		if err := r.snapshot.Put(ctx, rule); err != nil {
			r.logger.Warn("snapshot put failed", "rule_id", rule.ID, "error", err)
		}
	}
}

// SyncAll bulk-pushes every currently registered rule to the external
// coordination service in one round trip. Intended for startup, after
// LoadSnapshot, so the external service's view matches the registry's
// without one HTTP call per rule.
func (r *Registry) SyncAll(ctx context.Context) error {
	if r.sync == nil {
		return nil
	}
	rules := r.List()
	if err := r.sync.SyncRules(ctx, rules); err != nil {
		return fmt.Errorf("bulk rule sync: %w", err)
	}
	return nil
}

// refreshActiveRulesMetric recomputes the active-rule gauge from current state.
func (r *Registry) refreshActiveRulesMetric() {
	r.mu.RLock()
	count := 0
	for _, rule := range r.rules {
		if rule.IsActive {
			count++
		}
	}
	r.mu.RUnlock()
	metrics.ActiveRules.Set(float64(count))
}
