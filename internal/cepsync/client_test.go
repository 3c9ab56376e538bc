package cepsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eventcore/eventcore/internal/eventrule"
	"github.com/eventcore/eventcore/internal/testutil"
)

func TestCreateRuleSendsPayload(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.Equal(t, r.Method, http.MethodPost)
		testutil.Equal(t, r.URL.Path, "/api/rules")
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, testutil.DiscardLogger())
	err := c.CreateRule(context.Background(), &eventrule.Rule{ID: "r1", Name: "rule one", IsActive: true})
	testutil.NoError(t, err)
	testutil.Equal(t, received["name"], "rule one")
}

func TestGetStatusRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"running","activeRules":3}`))
	}))
	defer srv.Close()

	c := New(srv.URL, testutil.DiscardLogger())
	status, err := c.GetStatus(context.Background())
	testutil.NoError(t, err)
	testutil.Equal(t, status.Status, "running")
	testutil.Equal(t, status.ActiveRules, 3)
	testutil.True(t, c.IsAvailable(context.Background()), "expected service to report available")
}

func TestUnreachableServiceDegrades(t *testing.T) {
	c := New("http://127.0.0.1:1", testutil.DiscardLogger())
	err := c.DeleteRule(context.Background(), "r1")
	testutil.ErrorContains(t, err, "cepsync_unavailable")
	testutil.False(t, c.IsAvailable(context.Background()), "expected unreachable service to report unavailable")
}

func TestServiceErrorStatusDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, testutil.DiscardLogger())
	err := c.UpdateRule(context.Background(), &eventrule.Rule{ID: "r1"})
	testutil.ErrorContains(t, err, "cepsync_unavailable")
}

func TestToggleSendsNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.Equal(t, r.Method, http.MethodPost)
		testutil.Equal(t, r.URL.Path, "/api/rules/r1/toggle")
		testutil.Equal(t, r.ContentLength, int64(0))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, testutil.DiscardLogger())
	testutil.NoError(t, c.Toggle(context.Background(), "r1"))
}

func TestSyncRulesBulkUpsert(t *testing.T) {
	var received []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.Equal(t, r.Method, http.MethodPost)
		testutil.Equal(t, r.URL.Path, "/api/rules/sync")
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, testutil.DiscardLogger())
	rules := []*eventrule.Rule{{ID: "r1", Name: "one"}, {ID: "r2", Name: "two"}}
	testutil.NoError(t, c.SyncRules(context.Background(), rules))
	testutil.SliceLen(t, received, 2)
}

func TestGetRulesDecodesList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.Equal(t, r.URL.Path, "/api/rules")
		w.Write([]byte(`[{"id":"r1","name":"one"},{"id":"r2","name":"two"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, testutil.DiscardLogger())
	rules, err := c.GetRules(context.Background())
	testutil.NoError(t, err)
	testutil.SliceLen(t, rules, 2)
	testutil.Equal(t, rules[0].ID, "r1")
}

func TestGetActiveRulesHitsActiveEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.Equal(t, r.URL.Path, "/api/rules/active")
		w.Write([]byte(`[{"id":"r1"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, testutil.DiscardLogger())
	rules, err := c.GetActiveRules(context.Background())
	testutil.NoError(t, err)
	testutil.SliceLen(t, rules, 1)
}

func TestSendEventCarriesEventTypeQueryParam(t *testing.T) {
	var gotQuery, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("eventType")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, testutil.DiscardLogger())
	err := c.SendEvent(context.Background(), "water_level", map[string]any{"value": 4.2})
	testutil.NoError(t, err)
	testutil.Equal(t, gotPath, "/api/events/send")
	testutil.Equal(t, gotQuery, "water_level")
	testutil.Equal(t, gotBody["value"], 4.2)
}

func TestSendBulkEventsCarriesEventTypeQueryParam(t *testing.T) {
	var gotQuery, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("eventType")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, testutil.DiscardLogger())
	err := c.SendBulkEvents(context.Background(), "water_level", []any{map[string]any{"value": 1.0}})
	testutil.NoError(t, err)
	testutil.Equal(t, gotPath, "/api/events/send/bulk")
	testutil.Equal(t, gotQuery, "water_level")
}

func TestGetTriggersPaginates(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.Equal(t, r.URL.Path, "/api/events/triggers")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"content":[{"id":"t1","ruleId":"r1"}],"page":2,"size":10,"totalElements":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL, testutil.DiscardLogger())
	page, err := c.GetTriggers(context.Background(), "r1", 2, 10)
	testutil.NoError(t, err)
	testutil.SliceLen(t, page.Content, 1)
	testutil.Equal(t, page.Total, 1)
	testutil.Contains(t, gotQuery, "ruleId=r1")
}
