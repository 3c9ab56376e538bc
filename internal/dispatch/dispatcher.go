// Package dispatch reacts to CEP trigger results: it appends a bounded
// notification log entry, then performs the rule's configured action
// (alert fan-out or remote process invocation), isolating per-channel and
// per-action failures so the CEP evaluation loop stays live.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventcore/eventcore/internal/eventrule"
	"github.com/eventcore/eventcore/internal/metrics"
)

// defaultNotificationCap bounds the in-memory notification log.
const defaultNotificationCap = 10_000

// Channel delivers a trigger payload to an outbound alert destination
// (platform/in-app, email, webhook, ...).
type Channel interface {
	Name() string
	Send(ctx context.Context, trigger eventrule.TriggerResult, rule *eventrule.Rule) error
}

// ProcessExecutor is the subset of internal/remoteprocess.Client the
// dispatcher needs, declared locally to avoid an import cycle.
type ProcessExecutor interface {
	ExecuteProcess(ctx context.Context, name string, params map[string]any, context map[string]any) (any, error)
}

// RuleLookup resolves a rule by id so the dispatcher can read its action config.
type RuleLookup interface {
	Get(id string) (*eventrule.Rule, error)
}

// Dispatcher owns the bounded notification log and routes triggers to
// channels or the remote process client.
type Dispatcher struct {
	mu            sync.Mutex
	notifications []*eventrule.Notification
	cap           int

	channels map[string]Channel
	process  ProcessExecutor
	rules    RuleLookup
	logger   *slog.Logger
}

// New creates a Dispatcher with the default notification cap.
func New(rules RuleLookup, process ProcessExecutor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cap:      defaultNotificationCap,
		channels: make(map[string]Channel),
		process:  process,
		rules:    rules,
		logger:   logger,
	}
}

// SetCap overrides the notification log's bound (for tests or config).
func (d *Dispatcher) SetCap(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cap = n
}

// RegisterChannel adds an outbound alert channel adapter, keyed by name
// ("platform", "email", "webhook").
func (d *Dispatcher) RegisterChannel(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.Name()] = ch
}

// Dispatch is the CEP trigger callback entry point: append a notification,
// then perform the configured action. Errors are swallowed and logged to
// preserve CEP liveness.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger eventrule.TriggerResult) {
	rule, err := d.rules.Get(trigger.RuleID)
	if err != nil {
		d.logger.Warn("dispatch: rule lookup failed", "rule_id", trigger.RuleID, "error", err)
		rule = &eventrule.Rule{ID: trigger.RuleID, Name: trigger.RuleName, ActionType: trigger.ActionType}
	}

	notification := &eventrule.Notification{
		ID:        uuid.NewString(),
		RuleID:    trigger.RuleID,
		RuleName:  trigger.RuleName,
		CreatedAt: time.Now(),
		Payload:   trigger,
	}

	switch rule.ActionType {
	case eventrule.ActionProcess:
		notification.ActionResult = d.runProcess(ctx, rule, trigger)
	default:
		notification.ActionResult = d.runAlert(ctx, rule, trigger)
	}
	metrics.NotificationsTotal.WithLabelValues(notificationOutcome(notification.ActionResult)).Inc()

	d.appendNotification(notification)
}

// notificationOutcome buckets an action result string into a low-cardinality
// metrics label.
func notificationOutcome(result string) string {
	switch {
	case strings.HasPrefix(result, "process_error"):
		return "process_error"
	case strings.HasPrefix(result, "process_ok"):
		return "process_ok"
	case strings.Contains(result, "error"):
		return "alert_error"
	default:
		return "alert_sent"
	}
}

func (d *Dispatcher) runAlert(ctx context.Context, rule *eventrule.Rule, trigger eventrule.TriggerResult) string {
	if rule.AlertConfig == nil || len(rule.AlertConfig.Channels) == 0 {
		return "notification_only"
	}

	d.mu.Lock()
	channels := make([]Channel, 0, len(rule.AlertConfig.Channels))
	for _, name := range rule.AlertConfig.Channels {
		if ch, ok := d.channels[name]; ok {
			channels = append(channels, ch)
		}
	}
	d.mu.Unlock()

	var results []string
	for _, ch := range channels {
		if err := ch.Send(ctx, trigger, rule); err != nil {
			d.logger.Warn("alert channel send failed", "channel", ch.Name(), "rule_id", rule.ID, "error", err)
			results = append(results, fmt.Sprintf("%s: error: %v", ch.Name(), err))
			continue
		}
		results = append(results, fmt.Sprintf("%s: sent", ch.Name()))
	}
	if len(results) == 0 {
		return "no_configured_channels_matched"
	}
	return fmt.Sprintf("%v", results)
}

func (d *Dispatcher) runProcess(ctx context.Context, rule *eventrule.Rule, trigger eventrule.TriggerResult) string {
	if rule.ProcessConfig == nil || rule.ProcessConfig.ProcessName == "" {
		return "process_error: no process configured"
	}
	if d.process == nil {
		return "process_error: remote process client not configured"
	}

	var firstEvent any
	if len(trigger.MatchingEvents) > 0 {
		firstEvent = trigger.MatchingEvents[0]
	}
	callCtx := map[string]any{
		"source":     "event-detection",
		"event_data": firstEvent,
	}

	result, err := d.process.ExecuteProcess(ctx, rule.ProcessConfig.ProcessName, rule.ProcessConfig.ProcessParams, callCtx)
	if err != nil {
		return fmt.Sprintf("process_error: %v", err)
	}
	return fmt.Sprintf("process_ok: %v", result)
}

// appendNotification adds n, evicting the oldest acknowledged entries
// first, then oldest overall, once the cap is exceeded.
func (d *Dispatcher) appendNotification(n *eventrule.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.notifications = append(d.notifications, n)
	if len(d.notifications) <= d.cap {
		return
	}

	overflow := len(d.notifications) - d.cap
	evicted := 0
	remaining := d.notifications[:0]
	for _, existing := range d.notifications {
		if evicted < overflow && existing.Acknowledged {
			evicted++
			continue
		}
		remaining = append(remaining, existing)
	}
	d.notifications = remaining

	for len(d.notifications) > d.cap {
		d.notifications = d.notifications[1:]
	}
}

// List returns a copy of the current notification log, newest first.
func (d *Dispatcher) List() []*eventrule.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*eventrule.Notification, len(d.notifications))
	for i, n := range d.notifications {
		copied := *n
		out[len(d.notifications)-1-i] = &copied
	}
	return out
}

// Acknowledge marks a notification acknowledged.
func (d *Dispatcher) Acknowledge(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range d.notifications {
		if n.ID == id {
			n.Acknowledged = true
			return nil
		}
	}
	return fmt.Errorf("notification not found: %s", id)
}
