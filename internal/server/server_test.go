package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eventcore/eventcore/internal/cep"
	"github.com/eventcore/eventcore/internal/config"
	"github.com/eventcore/eventcore/internal/dispatch"
	"github.com/eventcore/eventcore/internal/eventsapi"
	"github.com/eventcore/eventcore/internal/poller"
	"github.com/eventcore/eventcore/internal/registry"
	"github.com/eventcore/eventcore/internal/server"
	"github.com/eventcore/eventcore/internal/testutil"
)

// stubScheduler satisfies eventsapi.Scheduler without a real database pool.
type stubScheduler struct{}

func (stubScheduler) Start() {}
func (stubScheduler) Stop()  {}
func (stubScheduler) Status() poller.Status {
	return poller.Status{Tasks: map[string]poller.TaskStatus{}}
}
func (stubScheduler) RunOnce(ctx context.Context, ruleID string) (time.Time, bool, error) {
	return time.Time{}, false, poller.ErrRuleNotRegistered
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config) *server.Server {
	t.Helper()
	logger := testutil.DiscardLogger()
	reg := registry.New(nil, nil, nil, logger)
	disp := dispatch.New(reg, nil, logger)
	engine := cep.New(logger)
	events := eventsapi.New(reg, disp, engine, stubScheduler{}, nil, "", logger)
	return server.New(cfg, logger, events)
}

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	return newTestServerWithConfig(t, config.Default())
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	testutil.Equal(t, w.Code, http.StatusOK)
	testutil.Equal(t, w.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	testutil.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	testutil.Equal(t, body["status"], "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	testutil.Equal(t, w.Code, http.StatusOK)
}

func TestEventsRulesRouteMounted(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/events/rules", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	testutil.Equal(t, w.Code, http.StatusOK)
	testutil.Equal(t, w.Body.String(), "[]\n")
}

func TestEventsSchedulerStatusRouteMounted(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/events/scheduler/status", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	testutil.Equal(t, w.Code, http.StatusOK)
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	testutil.Equal(t, w.Code, http.StatusNotFound)
}
