// Package eventrule holds the shared vocabulary for the event-detection
// pipeline: rules, events, triggers, notifications, and templates. It has
// no dependency on the database, HTTP, or any other component package so
// that C1-C7 can all import it without creating cycles.
package eventrule

import "time"

// Operator is a comparison operator usable in a CEP predicate.
type Operator string

const (
	OpGT  Operator = ">"
	OpGTE Operator = ">="
	OpLT  Operator = "<"
	OpLTE Operator = "<="
	OpEQ  Operator = "=="
	OpNE  Operator = "!="
)

// Valid reports whether op is one of the six supported operators.
func (op Operator) Valid() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE:
		return true
	}
	return false
}

// Evaluate applies the operator to (value, threshold). NaN never satisfies
// any predicate.
func (op Operator) Evaluate(value, threshold float64) bool {
	if value != value { // NaN
		return false
	}
	switch op {
	case OpGT:
		return value > threshold
	case OpGTE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	case OpNE:
		return value != threshold
	}
	return false
}

// ActionKind discriminates a rule's action configuration.
type ActionKind string

const (
	ActionAlert   ActionKind = "alert"
	ActionProcess ActionKind = "process"
)

// AlertConfig configures outbound notification fan-out for an "alert" action.
type AlertConfig struct {
	Channels []string `json:"channels,omitempty"` // "platform", "email", "webhook"
	Email    string   `json:"email,omitempty"`
	Webhook  string   `json:"webhook_url,omitempty"`
}

// ProcessConfig configures a "process" action invoked via the remote process client.
type ProcessConfig struct {
	ProcessName   string         `json:"process_name"`
	ProcessParams map[string]any `json:"process_params,omitempty"`
}

// Rule is the authoritative description of one CEP+polling pair.
type Rule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	SQL                  string   `json:"sql"`
	CheckIntervalMinutes int      `json:"check_interval_minutes"`
	FieldName            string   `json:"field_name"`
	Operator             Operator `json:"operator"`
	Threshold            float64  `json:"threshold"`
	WindowMinutes        int      `json:"window_minutes"`
	DurationMinutes      int      `json:"duration_minutes"`

	ActionType    ActionKind     `json:"action_type"`
	AlertConfig   *AlertConfig   `json:"alert_config,omitempty"`
	ProcessConfig *ProcessConfig `json:"process_config,omitempty"`

	IsActive bool `json:"is_active"`

	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	TriggerCount    int        `json:"trigger_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy of r safe to hand to callers outside the registry lock.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	cp := *r
	if r.AlertConfig != nil {
		ac := *r.AlertConfig
		ac.Channels = append([]string(nil), r.AlertConfig.Channels...)
		cp.AlertConfig = &ac
	}
	if r.ProcessConfig != nil {
		pc := *r.ProcessConfig
		if r.ProcessConfig.ProcessParams != nil {
			pc.ProcessParams = make(map[string]any, len(r.ProcessConfig.ProcessParams))
			for k, v := range r.ProcessConfig.ProcessParams {
				pc.ProcessParams[k] = v
			}
		}
		cp.ProcessConfig = &pc
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		cp.LastTriggeredAt = &t
	}
	return &cp
}

// Event is an immutable record fed into the CEP, produced by a poll or a
// synthetic feed.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	SourceID  string         `json:"source_id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// TriggerResult is emitted once when a rule's duration gate passes.
type TriggerResult struct {
	RuleID                string     `json:"rule_id"`
	RuleName              string     `json:"rule_name"`
	SourceID              string     `json:"source_id"`
	TriggeredAt           time.Time  `json:"triggered_at"`
	ConditionMetDuration  float64    `json:"condition_met_duration_minutes"`
	MatchingEvents        []Event    `json:"matching_events"`
	ActionType            ActionKind `json:"action_type"`
}

// Notification is the post-trigger artifact kept by the dispatcher.
type Notification struct {
	ID           string        `json:"id"`
	RuleID       string        `json:"rule_id"`
	RuleName     string        `json:"rule_name"`
	CreatedAt    time.Time     `json:"created_at"`
	Acknowledged bool          `json:"acknowledged"`
	Payload      TriggerResult `json:"payload"`
	ActionResult string        `json:"action_result,omitempty"` // e.g. "notification_only", "[platform: sent]", "process_ok: ...", "process_error: ..."
}

// Template is a canned rule blueprint.
type Template struct {
	ID                        string     `json:"id"`
	Category                  string     `json:"category"`
	Name                      string     `json:"name"`
	Description               string     `json:"description"`
	DefaultSQL                string     `json:"default_sql"`
	DefaultIntervalMinutes    int        `json:"default_interval_minutes"`
	DefaultThresholdExpr      string     `json:"default_threshold_expr"`
	RecommendedAction         ActionKind `json:"recommended_action"`
	SuggestedProcess          string     `json:"suggested_process,omitempty"`
	FieldName                 string     `json:"field_name"`
	Operator                  Operator   `json:"operator"`
	Threshold                 float64    `json:"threshold"`
	DurationMinutes           int        `json:"duration_minutes"`
	WindowMinutes             int        `json:"window_minutes"`
}
