package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/cache"
	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/executor"
	"github.com/sells-group/prospect-cli/internal/ledger"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/provider"
	"github.com/sells-group/prospect-cli/internal/search"
	"github.com/sells-group/prospect-cli/internal/store"
)

type nullAdapter struct{}

func (nullAdapter) FetchFuzzy(context.Context, provider.Query) ([]model.PersonRecord, int, error) {
	return nil, 0, nil
}

func (nullAdapter) FetchExact(context.Context, provider.Query) ([]model.PersonRecord, int, error) {
	return nil, 0, nil
}

func (nullAdapter) Verify(context.Context, model.PersonRecord, model.Phone) (*model.Verification, error) {
	return &model.Verification{}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *engineEnv) {
	t.Helper()
	cfg = &config.Config{Server: config.ServerConfig{AllowedOrigins: []string{"*"}}}

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	meter := ledger.NewMeter(st)
	gate := cache.NewGate(cache.DefaultConfig(), st)
	svc := search.NewService(executor.DefaultConfig(), st, meter, gate, nullAdapter{})
	env := &engineEnv{Store: st, Meter: meter, Service: svc}

	srv := httptest.NewServer(newRouter(context.Background(), env))
	t.Cleanup(srv.Close)
	return srv, env
}

func TestServe_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServe_Balance(t *testing.T) {
	srv, env := newTestServer(t)
	_, err := env.Store.CreateUser(context.Background(), "u1", 55.5)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/balance/u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 55.5, body["balance"])
}

func TestServe_Balance_UnknownUser(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/balance/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServe_StartTask_InsufficientCredits(t *testing.T) {
	srv, env := newTestServer(t)
	_, err := env.Store.CreateUser(context.Background(), "u1", 5)
	require.NoError(t, err)

	body := `{"user_id":"u1","params":{"name":"Jane","requested_count":50,"mode":"fuzzy"}}`
	resp, err := http.Post(srv.URL+"/api/tasks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestServe_StartTask_MissingUserID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/tasks", "application/json", strings.NewReader(`{"params":{}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServe_Progress_UnknownTask(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/tasks/nope/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServe_StopThenProgress(t *testing.T) {
	srv, env := newTestServer(t)
	ctx := context.Background()
	_, err := env.Store.CreateUser(ctx, "u1", 500)
	require.NoError(t, err)

	taskID, err := env.Service.StartTask(ctx, "u1", model.SearchParams{
		Name: "Jane", RequestedCount: 5, Mode: model.ModeFuzzy,
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/tasks/"+taskID+"/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/tasks/" + taskID + "/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var progress search.Progress
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&progress))
	assert.Equal(t, model.TaskStatusStopped, progress.Status)
}

func TestServe_Preview(t *testing.T) {
	srv, env := newTestServer(t)
	_, err := env.Store.CreateUser(context.Background(), "u1", 500)
	require.NoError(t, err)

	body := `{"user_id":"u1","params":{"name":"Jane","requested_count":10,"mode":"fuzzy"}}`
	resp, err := http.Post(srv.URL+"/api/preview", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var preview search.Preview
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&preview))
	assert.Equal(t, 21.0, preview.EstimatedCost)
	assert.True(t, preview.CanAfford)
	assert.Equal(t, -1, preview.TotalAvailable)
}
