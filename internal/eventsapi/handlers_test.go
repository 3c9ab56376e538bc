package eventsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eventcore/eventcore/internal/adminauth"
	"github.com/eventcore/eventcore/internal/cep"
	"github.com/eventcore/eventcore/internal/dispatch"
	"github.com/eventcore/eventcore/internal/eventrule"
	"github.com/eventcore/eventcore/internal/httputil"
	"github.com/eventcore/eventcore/internal/poller"
	"github.com/eventcore/eventcore/internal/registry"
	"github.com/eventcore/eventcore/internal/testutil"
)

type fakeScheduler struct {
	status      poller.Status
	runExecuted time.Time
	runMet      bool
	runErr      error
}

func (f *fakeScheduler) Start() {}
func (f *fakeScheduler) Stop()  {}
func (f *fakeScheduler) Status() poller.Status {
	return f.status
}
func (f *fakeScheduler) RunOnce(ctx context.Context, ruleID string) (time.Time, bool, error) {
	return f.runExecuted, f.runMet, f.runErr
}

func newTestHandler() (*Handler, *registry.Registry, *dispatch.Dispatcher) {
	logger := testutil.DiscardLogger()
	reg := registry.New(nil, nil, nil, logger)
	disp := dispatch.New(reg, nil, logger)
	engine := cep.New(logger)
	sched := &fakeScheduler{}
	h := New(reg, disp, engine, sched, nil, "", logger)
	return h, reg, disp
}

func doRequest(t *testing.T, h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		testutil.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetRule(t *testing.T) {
	h, _, _ := newTestHandler()

	rec := doRequest(t, h, http.MethodPost, "/rules", map[string]any{
		"name":                   "test rule",
		"sql":                    "SELECT station_id, water_level FROM readings",
		"check_interval_minutes": 5,
		"field_name":             "water_level",
		"operator":               ">=",
		"threshold":              3.0,
		"duration_minutes":       10,
		"action_type":            "alert",
	})
	testutil.Equal(t, rec.Code, http.StatusCreated)

	var created eventrule.Rule
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	testutil.Equal(t, created.Name, "test rule")

	rec = doRequest(t, h, http.MethodGet, "/rules/"+created.ID, nil)
	testutil.Equal(t, rec.Code, http.StatusOK)
}

func TestCreateRuleRejectsUnsafeSQL(t *testing.T) {
	h, _, _ := newTestHandler()
	rec := doRequest(t, h, http.MethodPost, "/rules", map[string]any{
		"name": "bad",
		"sql":  "DELETE FROM readings",
	})
	testutil.Equal(t, rec.Code, http.StatusBadRequest)

	var body httputil.KindErrorResponse
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	testutil.Equal(t, body.Error, "unsafe_sql")
}

func TestGetRuleNotFound(t *testing.T) {
	h, _, _ := newTestHandler()
	rec := doRequest(t, h, http.MethodGet, "/rules/nope", nil)
	testutil.Equal(t, rec.Code, http.StatusNotFound)
}

func TestToggleAndDeleteRule(t *testing.T) {
	h, reg, _ := newTestHandler()
	rule, err := reg.Create(context.Background(), registry.CreateInput{
		Name: "r", SQL: "SELECT 1", FieldName: "x", Operator: eventrule.OpGT, Threshold: 1,
	})
	testutil.NoError(t, err)

	rec := doRequest(t, h, http.MethodPost, "/rules/"+rule.ID+"/toggle", nil)
	testutil.Equal(t, rec.Code, http.StatusOK)

	rec = doRequest(t, h, http.MethodDelete, "/rules/"+rule.ID, nil)
	testutil.Equal(t, rec.Code, http.StatusOK)

	rec = doRequest(t, h, http.MethodGet, "/rules/"+rule.ID, nil)
	testutil.Equal(t, rec.Code, http.StatusNotFound)
}

func TestListTemplatesAndCreateFromTemplate(t *testing.T) {
	h, _, _ := newTestHandler()

	rec := doRequest(t, h, http.MethodGet, "/templates", nil)
	testutil.Equal(t, rec.Code, http.StatusOK)

	rec = doRequest(t, h, http.MethodGet, "/templates/categories", nil)
	testutil.Equal(t, rec.Code, http.StatusOK)

	rec = doRequest(t, h, http.MethodPost, "/templates/gac-turbidity-rise/create-rule", nil)
	testutil.Equal(t, rec.Code, http.StatusCreated)
}

func TestChatExtractsCondition(t *testing.T) {
	h, _, _ := newTestHandler()
	rec := doRequest(t, h, http.MethodPost, "/chat", map[string]any{"text": "수위가 2m 초과 1시간 이상 지속"})
	testutil.Equal(t, rec.Code, http.StatusOK)

	var resp chatResponse
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	testutil.Equal(t, resp.FieldName, "water_level")
	testutil.Equal(t, resp.Operator, ">")
	testutil.Equal(t, resp.DurationMinutes, 60)
	testutil.True(t, resp.ReadyToConfirm, "expected ready_to_confirm once a field is recognized")
}

func TestSimulateTriggersAfterDuration(t *testing.T) {
	h, _, _ := newTestHandler()
	rec := doRequest(t, h, http.MethodPost, "/simulate", map[string]any{
		"field_name":                 "water_level",
		"operator":                   ">=",
		"threshold":                  3.0,
		"duration_minutes":           10,
		"window_minutes":             30,
		"simulated_value":            3.5,
		"simulated_duration_minutes": 13,
		"source_id":                  "S1",
	})
	testutil.Equal(t, rec.Code, http.StatusOK)

	var resp simulateResponse
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	testutil.Equal(t, resp.AlarmsTriggered, 1)
}

func TestNotificationsListAndAcknowledge(t *testing.T) {
	h, _, disp := newTestHandler()
	disp.Dispatch(context.Background(), eventrule.TriggerResult{RuleID: "r1", RuleName: "r1"})

	rec := doRequest(t, h, http.MethodGet, "/notifications", nil)
	testutil.Equal(t, rec.Code, http.StatusOK)

	var notifications []*eventrule.Notification
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &notifications))
	testutil.SliceLen(t, notifications, 1)

	rec = doRequest(t, h, http.MethodPost, "/notifications/"+notifications[0].ID+"/acknowledge", nil)
	testutil.Equal(t, rec.Code, http.StatusOK)
}

func TestSchedulerStartRequiresAdminPasswordWhenConfigured(t *testing.T) {
	logger := testutil.DiscardLogger()
	reg := registry.New(nil, nil, nil, logger)
	disp := dispatch.New(reg, nil, logger)
	engine := cep.New(logger)
	hash, err := adminauth.Hash("s3cret")
	testutil.NoError(t, err)
	h := New(reg, disp, engine, &fakeScheduler{}, nil, hash, logger)

	rec := doRequest(t, h, http.MethodPost, "/scheduler/start", map[string]any{"password": "wrong"})
	testutil.Equal(t, rec.Code, http.StatusUnauthorized)

	rec = doRequest(t, h, http.MethodPost, "/scheduler/start", map[string]any{"password": "s3cret"})
	testutil.Equal(t, rec.Code, http.StatusOK)
}

func TestCEPAlertDelegatesToDispatcher(t *testing.T) {
	h, reg, disp := newTestHandler()
	rule, err := reg.Create(context.Background(), registry.CreateInput{
		Name: "r", SQL: "SELECT 1", FieldName: "x", Operator: eventrule.OpGT, Threshold: 1,
	})
	testutil.NoError(t, err)

	rec := doRequest(t, h, http.MethodPost, "/cep-alert", map[string]any{
		"ruleId":   rule.ID,
		"ruleName": rule.Name,
		"sourceId": "S1",
	})
	testutil.Equal(t, rec.Code, http.StatusOK)
	testutil.SliceLen(t, disp.List(), 1)
}
