// Package eventsapi mounts the event-detection REST surface: rule CRUD,
// notifications, scheduler control, template browsing, natural-language
// authoring, simulation, inbound CEP callbacks, and a trigger SSE stream.
// Handler conventions (JSON decode with size limiting, chi route groups)
// follow internal/httputil and the teacher's internal/api/handler.go.
package eventsapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eventcore/eventcore/internal/adminauth"
	"github.com/eventcore/eventcore/internal/cep"
	"github.com/eventcore/eventcore/internal/cepsync"
	"github.com/eventcore/eventcore/internal/dispatch"
	"github.com/eventcore/eventcore/internal/eventrule"
	"github.com/eventcore/eventcore/internal/httputil"
	"github.com/eventcore/eventcore/internal/poller"
	"github.com/eventcore/eventcore/internal/registry"
	"github.com/eventcore/eventcore/internal/sqlguard"
)

// Scheduler is the subset of *poller.Poller the handler needs, declared
// locally so tests can substitute a fake.
type Scheduler interface {
	Start()
	Stop()
	Status() poller.Status
	RunOnce(ctx context.Context, ruleID string) (time.Time, bool, error)
}

// Handler serves the /events REST surface.
type Handler struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	engine     *cep.Engine
	scheduler  Scheduler
	sync       *cepsync.Client // nil when rule-sync is not configured
	adminHash  string          // argon2id hash gating scheduler start/stop; "" disables the gate
	logger     *slog.Logger
}

// New creates a Handler. sync and adminHash may be zero-valued to disable
// the corresponding optional feature.
func New(reg *registry.Registry, dispatcher *dispatch.Dispatcher, engine *cep.Engine, scheduler Scheduler, sync *cepsync.Client, adminHash string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:   reg,
		dispatcher: dispatcher,
		engine:     engine,
		scheduler:  scheduler,
		sync:       sync,
		adminHash:  adminHash,
		logger:     logger,
	}
}

// Routes returns a chi.Router implementing the full /events surface. The
// caller mounts it at "/events".
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.listRules)
		r.Post("/", h.createRule)
		r.Get("/{id}", h.getRule)
		r.Put("/{id}", h.updateRule)
		r.Delete("/{id}", h.deleteRule)
		r.Post("/{id}/toggle", h.toggleRule)
		r.Post("/{id}/run", h.runRule)
	})

	r.Get("/notifications", h.listNotifications)
	r.Post("/notifications/{id}/acknowledge", h.acknowledgeNotification)

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/status", h.schedulerStatus)
		r.Post("/start", h.schedulerStart)
		r.Post("/stop", h.schedulerStop)
	})

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", h.listTemplates)
		r.Get("/categories", h.templateCategories)
		r.Get("/by-category", h.templatesByCategory)
		r.Get("/{id}", h.getTemplate)
		r.Post("/{id}/create-rule", h.createRuleFromTemplate)
	})

	r.Post("/chat", h.chat)
	r.Post("/simulate", h.simulate)
	r.Post("/cep-alert", h.cepAlert)
	r.Post("/cep-process", h.cepProcess)
	r.Get("/stream", h.stream)

	r.Get("/cep/status", h.cepStatus)

	return r
}

func writeKindFromSQLError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sqlguard.ErrUnsafeSQL):
		httputil.WriteKindError(w, http.StatusBadRequest, "unsafe_sql", err.Error(), nil)
	case errors.Is(err, sqlguard.ErrSQLSyntax):
		httputil.WriteKindError(w, http.StatusBadRequest, "sql_syntax", err.Error(), nil)
	case errors.Is(err, sqlguard.ErrSQLTimeout):
		httputil.WriteKindError(w, http.StatusGatewayTimeout, "sql_timeout", err.Error(), nil)
	case errors.Is(err, sqlguard.ErrSQLRuntime):
		httputil.WriteKindError(w, http.StatusBadGateway, "sql_runtime", err.Error(), nil)
	default:
		httputil.WriteKindError(w, http.StatusBadRequest, "unsafe_sql", err.Error(), nil)
	}
}

// ruleRequest is the wire shape accepted by POST/PUT /rules.
type ruleRequest struct {
	Name                    string                    `json:"name"`
	Description             string                    `json:"description"`
	NaturalLanguageCondition string                   `json:"natural_language_condition"`
	SQL                     string                    `json:"sql"`
	CheckIntervalMinutes    int                       `json:"check_interval_minutes"`
	ConditionThresholdExpr  string                    `json:"condition_threshold_expr"`
	FieldName               string                    `json:"field_name"`
	Operator                eventrule.Operator        `json:"operator"`
	Threshold               float64                   `json:"threshold"`
	WindowMinutes           int                       `json:"window_minutes"`
	DurationMinutes         int                       `json:"duration_minutes"`
	ActionType              eventrule.ActionKind      `json:"action_type"`
	AlertConfig             *eventrule.AlertConfig    `json:"alert_config,omitempty"`
	ProcessConfig           *eventrule.ProcessConfig  `json:"process_config,omitempty"`
	IsActive                *bool                     `json:"is_active,omitempty"`
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.registry.List())
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	rule, err := h.registry.Create(r.Context(), registry.CreateInput{
		Name:                    req.Name,
		Description:             req.Description,
		NaturalLanguage:         req.NaturalLanguageCondition,
		SQL:                     req.SQL,
		CheckIntervalMinutes:    req.CheckIntervalMinutes,
		ConditionThresholdExpr:  req.ConditionThresholdExpr,
		FieldName:               req.FieldName,
		Operator:                req.Operator,
		Threshold:               req.Threshold,
		WindowMinutes:           req.WindowMinutes,
		DurationMinutes:         req.DurationMinutes,
		ActionType:              req.ActionType,
		AlertConfig:             req.AlertConfig,
		ProcessConfig:           req.ProcessConfig,
	})
	if err != nil {
		writeKindFromSQLError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rule)
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteKindError(w, http.StatusNotFound, "rule_not_found", err.Error(), nil)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rule)
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	patch := registry.Patch{}
	if req.Name != "" {
		patch.Name = &req.Name
	}
	if req.Description != "" {
		patch.Description = &req.Description
	}
	if req.SQL != "" {
		patch.SQL = &req.SQL
	}
	if req.CheckIntervalMinutes != 0 {
		patch.CheckIntervalMinutes = &req.CheckIntervalMinutes
	}
	if req.FieldName != "" {
		patch.FieldName = &req.FieldName
	}
	if req.Operator != "" {
		patch.Operator = &req.Operator
	}
	if req.Threshold != 0 {
		patch.Threshold = &req.Threshold
	}
	if req.WindowMinutes != 0 {
		patch.WindowMinutes = &req.WindowMinutes
	}
	if req.DurationMinutes != 0 {
		patch.DurationMinutes = &req.DurationMinutes
	}
	if req.ActionType != "" {
		patch.ActionType = &req.ActionType
	}
	if req.AlertConfig != nil {
		patch.AlertConfig = req.AlertConfig
	}
	if req.ProcessConfig != nil {
		patch.ProcessConfig = req.ProcessConfig
	}
	if req.IsActive != nil {
		patch.IsActive = req.IsActive
	}

	rule, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			httputil.WriteKindError(w, http.StatusNotFound, "rule_not_found", err.Error(), nil)
			return
		}
		writeKindFromSQLError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rule)
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Delete(r.Context(), id); err != nil {
		httputil.WriteKindError(w, http.StatusNotFound, "rule_not_found", err.Error(), nil)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *Handler) toggleRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.registry.Toggle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteKindError(w, http.StatusNotFound, "rule_not_found", err.Error(), nil)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rule)
}

func (h *Handler) runRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.registry.Get(id); err != nil {
		httputil.WriteKindError(w, http.StatusNotFound, "rule_not_found", err.Error(), nil)
		return
	}

	executedAt, conditionMet, err := h.scheduler.RunOnce(r.Context(), id)
	if err != nil {
		if errors.Is(err, poller.ErrRuleNotRegistered) {
			httputil.WriteKindError(w, http.StatusConflict, "rule_not_polling", err.Error(), nil)
			return
		}
		writeKindFromSQLError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"executed_at":   executedAt,
		"condition_met": conditionMet,
	})
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.dispatcher.List())
}

func (h *Handler) acknowledgeNotification(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Acknowledge(chi.URLParam(r, "id")); err != nil {
		httputil.WriteKindError(w, http.StatusNotFound, "notification_not_found", err.Error(), nil)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

func (h *Handler) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.scheduler.Status())
}

type adminRequest struct {
	Password string `json:"password"`
}

// requireAdmin verifies the request body's password against the configured
// argon2id hash. A blank adminHash leaves the gate open, matching the
// teacher's "unset password disables auth" convention.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.adminHash == "" {
		return true
	}
	var req adminRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return false
	}
	ok, err := adminauth.Verify(h.adminHash, req.Password)
	if err != nil || !ok {
		httputil.WriteKindError(w, http.StatusUnauthorized, "admin_auth_failed", "invalid scheduler password", nil)
		return false
	}
	return true
}

func (h *Handler) schedulerStart(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	h.scheduler.Start()
	httputil.WriteJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *Handler) schedulerStop(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	h.scheduler.Stop()
	httputil.WriteJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, registry.Templates)
}

func (h *Handler) templateCategories(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, registry.TemplateCategories())
}

func (h *Handler) templatesByCategory(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, registry.TemplatesByCategory())
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl := registry.TemplateByID(chi.URLParam(r, "id"))
	if tmpl == nil {
		httputil.WriteKindError(w, http.StatusNotFound, "template_not_found", "no such template", nil)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tmpl)
}

func (h *Handler) createRuleFromTemplate(w http.ResponseWriter, r *http.Request) {
	var overrides ruleRequest
	// Overrides are optional; an empty or absent body is valid.
	r.Body = http.MaxBytesReader(w, r.Body, httputil.MaxBodySize)
	_ = json.NewDecoder(r.Body).Decode(&overrides)

	rule, err := h.registry.CreateFromTemplate(r.Context(), chi.URLParam(r, "id"), registry.CreateInput{
		Name:                 overrides.Name,
		Description:          overrides.Description,
		SQL:                  overrides.SQL,
		CheckIntervalMinutes: overrides.CheckIntervalMinutes,
		FieldName:            overrides.FieldName,
		Operator:             overrides.Operator,
		Threshold:            overrides.Threshold,
		WindowMinutes:        overrides.WindowMinutes,
		DurationMinutes:      overrides.DurationMinutes,
		ActionType:           overrides.ActionType,
		AlertConfig:          overrides.AlertConfig,
		ProcessConfig:        overrides.ProcessConfig,
	})
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			httputil.WriteKindError(w, http.StatusNotFound, "template_not_found", err.Error(), nil)
			return
		}
		writeKindFromSQLError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rule)
}

type chatRequest struct {
	Text string `json:"text"`
}

type chatResponse struct {
	FieldName       string  `json:"field_name"`
	Operator        string  `json:"operator"`
	Threshold       float64 `json:"threshold"`
	DurationMinutes int     `json:"duration_minutes"`
	WindowMinutes   int     `json:"window_minutes"`
	ReadyToConfirm  bool    `json:"ready_to_confirm"`
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	parsed := registry.ParseNaturalLanguage(req.Text)
	httputil.WriteJSON(w, http.StatusOK, chatResponse{
		FieldName:       parsed.FieldName,
		Operator:        string(parsed.Operator),
		Threshold:       parsed.Threshold,
		DurationMinutes: parsed.DurationMinutes,
		WindowMinutes:   parsed.WindowMinutes,
		ReadyToConfirm:  parsed.FieldName != "value",
	})
}

type simulateRequest struct {
	FieldName                string             `json:"field_name"`
	Operator                 eventrule.Operator `json:"operator"`
	Threshold                float64            `json:"threshold"`
	DurationMinutes          int                `json:"duration_minutes"`
	WindowMinutes            int                `json:"window_minutes"`
	SimulatedValue           float64            `json:"simulated_value"`
	SimulatedDurationMinutes int                `json:"simulated_duration_minutes"`
	SourceID                 string             `json:"source_id"`
}

type simulateResponse struct {
	AlarmsTriggered int                        `json:"alarms_triggered"`
	Triggers        []eventrule.TriggerResult `json:"triggers"`
}

// simulate runs an ephemeral CEP engine with one synthetic rule against a
// generated one-event-per-minute stream, never touching the live registry
// or engine state.
func (h *Handler) simulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.SourceID == "" {
		req.SourceID = "simulated"
	}
	windowMinutes := req.WindowMinutes
	if windowMinutes < 1 {
		windowMinutes = 30
	}
	steps := req.SimulatedDurationMinutes
	if steps < 1 {
		steps = 1
	}

	sim := cep.New(h.logger)
	rule := &eventrule.Rule{
		ID:              "simulate",
		Name:            "simulate",
		FieldName:       req.FieldName,
		Operator:        req.Operator,
		Threshold:       req.Threshold,
		WindowMinutes:   windowMinutes,
		DurationMinutes: req.DurationMinutes,
		ActionType:      eventrule.ActionAlert,
		IsActive:        true,
	}
	sim.Register(rule)

	base := time.Now().Truncate(time.Minute)
	events := make([]eventrule.Event, 0, steps)
	for i := 0; i < steps; i++ {
		events = append(events, eventrule.Event{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			SourceID:  req.SourceID,
			EventType: req.FieldName,
			Data:      map[string]any{req.FieldName: req.SimulatedValue},
		})
	}

	triggers := sim.SubmitBatch(events)
	httputil.WriteJSON(w, http.StatusOK, simulateResponse{
		AlarmsTriggered: len(triggers),
		Triggers:        triggers,
	})
}

// cepCallback is the inbound shape posted by an external CEP service when it
// fires a rule it is authoritative for; this process only performs action
// dispatch, not re-evaluation.
type cepCallback struct {
	RuleID               string              `json:"ruleId"`
	RuleName             string              `json:"ruleName"`
	SourceID             string              `json:"sourceId"`
	TriggeredAt          time.Time           `json:"triggeredAt"`
	ConditionMetDuration float64             `json:"conditionMetDurationMinutes"`
	MatchingEvents       []eventrule.Event   `json:"matchingEvents"`
	ActionType           eventrule.ActionKind `json:"actionType"`
}

func (h *Handler) handleCEPCallback(w http.ResponseWriter, r *http.Request) {
	var body cepCallback
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	h.dispatcher.Dispatch(r.Context(), eventrule.TriggerResult{
		RuleID:               body.RuleID,
		RuleName:             body.RuleName,
		SourceID:             body.SourceID,
		TriggeredAt:          body.TriggeredAt,
		ConditionMetDuration: body.ConditionMetDuration,
		MatchingEvents:       body.MatchingEvents,
		ActionType:           body.ActionType,
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"dispatched": true})
}

func (h *Handler) cepAlert(w http.ResponseWriter, r *http.Request)   { h.handleCEPCallback(w, r) }
func (h *Handler) cepProcess(w http.ResponseWriter, r *http.Request) { h.handleCEPCallback(w, r) }

type cepStatusResponse struct {
	Available   bool `json:"available"`
	ActiveRules int  `json:"active_rules,omitempty"`
}

func (h *Handler) cepStatus(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		httputil.WriteJSON(w, http.StatusOK, cepStatusResponse{Available: false})
		return
	}
	status, err := h.sync.GetStatus(r.Context())
	if err != nil {
		httputil.WriteJSON(w, http.StatusOK, cepStatusResponse{Available: false})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cepStatusResponse{Available: status.Status == "running", ActiveRules: status.ActiveRules})
}

// stream serves Server-Sent Events of every CEP trigger as it is produced.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteKindError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := h.engine.Hub().Subscribe()
	defer h.engine.Hub().Unsubscribe(id)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case trigger, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(trigger)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
