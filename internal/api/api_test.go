package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvey240/evcharger-scheduler/internal/api"
	"github.com/harvey240/evcharger-scheduler/internal/config"
	"github.com/harvey240/evcharger-scheduler/internal/model"
	"github.com/harvey240/evcharger-scheduler/internal/queue"
	"github.com/harvey240/evcharger-scheduler/internal/scheduler"
	"github.com/harvey240/evcharger-scheduler/internal/store"
	"github.com/harvey240/evcharger-scheduler/internal/testutil"
)

type fixture struct {
	server  *httptest.Server
	history *store.HistoryStore
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	db := testutil.OpenDB(t)

	q := queue.New(db, logger, queue.Options{})
	schedules := store.NewScheduleStore(db)
	history := store.NewHistoryStore(db, logger)
	reconciler := scheduler.NewReconciler(schedules, q, logger)

	router := api.NewRouter(config.AppConfig{}, reconciler, history, logger)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &fixture{server: server, history: history}
}

func do(t *testing.T, method, url string, body any, authed bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if authed {
		req.Header.Set("X-Ms-Client-Principal-Name", "operator@example.com")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAuthRequired(t *testing.T) {
	f := setup(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/schedules"},
		{http.MethodPost, "/schedules"},
		{http.MethodPut, "/schedules/1"},
		{http.MethodDelete, "/schedules/1"},
		{http.MethodPost, "/schedules/1/run"},
		{http.MethodGet, "/run-history"},
	}
	for _, p := range paths {
		resp := do(t, p.method, f.server.URL+p.path, nil, false)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", p.method, p.path)
	}
}

func TestHealthIsPublic(t *testing.T) {
	f := setup(t)

	resp := do(t, http.MethodGet, f.server.URL+"/health", nil, false)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMockUserBypassesProxy(t *testing.T) {
	logger := zap.NewNop()
	db := testutil.OpenDB(t)
	q := queue.New(db, logger, queue.Options{})
	reconciler := scheduler.NewReconciler(store.NewScheduleStore(db), q, logger)
	history := store.NewHistoryStore(db, logger)

	router := api.NewRouter(config.AppConfig{MockUserEmail: "dev@example.com"}, reconciler, history, logger)
	server := httptest.NewServer(router)
	defer server.Close()

	resp := do(t, http.MethodGet, server.URL+"/schedules", nil, false)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateSchedule(t *testing.T) {
	f := setup(t)

	resp := do(t, http.MethodPost, f.server.URL+"/schedules", map[string]any{
		"name":           "Nightly report",
		"taskType":       "report_publish",
		"scheduleType":   "cron",
		"cronExpression": "0 2 * * *",
		"config":         map[string]any{"reportId": "daily-usage"},
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	created := decode[model.Schedule](t, resp)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "operator@example.com", created.CreatedBy)
	assert.True(t, created.Enabled)
	require.NotNil(t, created.NextRunAt)
	require.NotNil(t, created.JobKey)
	assert.Equal(t, fmt.Sprintf("schedule:%d", created.ID), *created.JobKey)
}

func TestCreateScheduleValidation(t *testing.T) {
	f := setup(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing cron expression", map[string]any{
			"name": "x", "taskType": "report_publish", "scheduleType": "cron",
			"config": map[string]any{"reportId": "r"},
		}},
		{"invalid cron expression", map[string]any{
			"name": "x", "taskType": "report_publish", "scheduleType": "cron",
			"cronExpression": "not a cron",
			"config":         map[string]any{"reportId": "r"},
		}},
		{"unknown task type", map[string]any{
			"name": "x", "taskType": "mystery", "scheduleType": "manual",
		}},
		{"missing required config field", map[string]any{
			"name": "x", "taskType": "report_publish", "scheduleType": "manual",
			"config": map[string]any{},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, f.server.URL+"/schedules", tc.body, true)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	// Nothing persisted by the rejected requests.
	resp := do(t, http.MethodGet, f.server.URL+"/schedules", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]scheduler.Entry](t, resp)
	for _, e := range entries {
		assert.True(t, e.IsSystem)
	}
}

func TestUpdateSchedule(t *testing.T) {
	f := setup(t)

	resp := do(t, http.MethodPost, f.server.URL+"/schedules", map[string]any{
		"name":         "Hourly export",
		"taskType":     "data_export",
		"scheduleType": "interval",
		"intervalMs":   3600000,
		"config":       map[string]any{"format": "csv"},
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[model.Schedule](t, resp)

	resp = do(t, http.MethodPut, f.server.URL+fmt.Sprintf("/schedules/%d", created.ID), map[string]any{
		"enabled": false,
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[model.Schedule](t, resp)
	assert.False(t, updated.Enabled)
	assert.Nil(t, updated.NextRunAt)

	resp = do(t, http.MethodPut, f.server.URL+"/schedules/9999", map[string]any{"enabled": true}, true)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPut, f.server.URL+"/schedules/abc", map[string]any{"enabled": true}, true)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteSchedule(t *testing.T) {
	f := setup(t)

	resp := do(t, http.MethodPost, f.server.URL+"/schedules", map[string]any{
		"name":         "One-off",
		"taskType":     "send_email",
		"scheduleType": "manual",
		"config":       map[string]any{"templateId": "welcome"},
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[model.Schedule](t, resp)

	resp = do(t, http.MethodDelete, f.server.URL+fmt.Sprintf("/schedules/%d", created.ID), nil, true)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodDelete, f.server.URL+fmt.Sprintf("/schedules/%d", created.ID), nil, true)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunNow(t *testing.T) {
	f := setup(t)

	resp := do(t, http.MethodPost, f.server.URL+"/schedules", map[string]any{
		"name":         "Manual export",
		"taskType":     "data_export",
		"scheduleType": "manual",
		"enabled":      false,
		"config":       map[string]any{"format": "json"},
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[model.Schedule](t, resp)

	// Manual runs are allowed on disabled schedules.
	resp = do(t, http.MethodPost, f.server.URL+fmt.Sprintf("/schedules/%d/run", created.ID), nil, true)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, f.server.URL+"/schedules/9999/run", nil, true)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListMergesSystemTasks(t *testing.T) {
	f := setup(t)

	resp := do(t, http.MethodGet, f.server.URL+"/schedules", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]scheduler.Entry](t, resp)

	var found bool
	for _, e := range entries {
		if e.IsSystem && e.JobKey != nil && *e.JobKey == "session_cleanup" {
			found = true
			assert.Equal(t, "SYSTEM", e.CreatedBy)
			assert.Nil(t, e.ID)
			assert.NotNil(t, e.NextRunAt)
		}
	}
	assert.True(t, found, "expected the session_cleanup system entry")
}

func TestRunHistory(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	scheduleID := int64(42)
	for i := 0; i < 3; i++ {
		entry := &model.RunHistoryEntry{
			ScheduleID:  &scheduleID,
			TaskType:    "report_publish",
			Status:      model.RunStatusSuccess,
			TriggeredBy: model.TriggerCron,
		}
		require.NoError(t, f.history.Append(ctx, entry))
	}
	other := int64(7)
	require.NoError(t, f.history.Append(ctx, &model.RunHistoryEntry{
		ScheduleID:  &other,
		TaskType:    "send_email",
		Status:      model.RunStatusFailed,
		TriggeredBy: model.TriggerManual,
	}))

	resp := do(t, http.MethodGet, f.server.URL+"/run-history", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decode[[]model.RunHistoryEntry](t, resp)
	assert.Len(t, all, 4)

	resp = do(t, http.MethodGet, f.server.URL+"/run-history?scheduleId=42&limit=2", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	filtered := decode[[]model.RunHistoryEntry](t, resp)
	require.Len(t, filtered, 2)
	for _, e := range filtered {
		assert.Equal(t, scheduleID, *e.ScheduleID)
	}

	resp = do(t, http.MethodGet, f.server.URL+"/run-history?limit=zero", nil, true)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
