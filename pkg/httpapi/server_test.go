package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartloom/cartloom/pkg/cron"
	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/jobs"
	"github.com/cartloom/cartloom/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(Config{
		Jobs: jobs.NewEngine(jobs.NewMemStore(jobs.DefaultRetryPolicy), nil),
		Cron: cron.NewMemStore(),
	})
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := doJSON(t, newTestServer(t), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusFromErr(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errdefs.NotFoundf("store %s", "S1"), http.StatusNotFound},
		{errdefs.Conflictf("slug taken"), http.StatusConflict},
		{errdefs.ErrNoDatabaseConfigured, http.StatusPreconditionFailed},
		{errdefs.ErrUnreachable, http.StatusBadGateway},
		{errdefs.ErrTimeout, http.StatusBadGateway},
		{errdefs.ErrEmptySchema, http.StatusConflict},
		{&errdefs.RepairError{Step: "migrate", Err: errdefs.ErrUnreachable}, http.StatusInternalServerError},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFromErr(tt.err), "error: %v", tt.err)
	}
}

func TestRepairErrorResponseCarriesStep(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, &errdefs.RepairError{Step: "seed", Err: fmt.Errorf("duplicate owner")})

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "seed", resp.Step)
}

func TestEnqueueAndFetchJob(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", map[string]any{
		"type":     "export_orders",
		"payload":  map[string]string{"format": "csv"},
		"priority": "high",
		"store_id": "S1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "export_orders", created.Type)
	assert.Equal(t, types.JobPriorityHigh, created.Priority)
	assert.Equal(t, types.JobStatusPending, created.Status)

	rec = doJSON(t, srv, http.MethodGet, "/v1/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/jobs?store_id=S1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestEnqueueJobValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", map[string]any{"payload": nil})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{"type":`))
	rec2 := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestCancelJob(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/jobs", map[string]any{"type": "sync_inventory"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, srv, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.Equal(t, types.JobStatusCancelled, cancelled.Status)
}

func TestGetJobNotFound(t *testing.T) {
	rec := doJSON(t, newTestServer(t), http.MethodGet, "/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCronEntryLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/cron", map[string]any{
		"name":            "nightly-report",
		"cron_expression": "0 3 * * *",
		"timezone":        "Europe/Amsterdam",
		"job_type":        "generate_report",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entry types.CronEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, types.CronSourceUser, entry.Source)
	require.NotNil(t, entry.NextRunAt)

	rec = doJSON(t, srv, http.MethodPost, "/v1/cron/"+entry.ID+"/pause", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/cron", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []*types.CronEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsPaused)

	rec = doJSON(t, srv, http.MethodPost, "/v1/cron/"+entry.ID+"/resume", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCreateCronEntryRejectsBadExpression(t *testing.T) {
	rec := doJSON(t, newTestServer(t), http.MethodPost, "/v1/cron", map[string]any{
		"name":            "broken",
		"cron_expression": "not a cron",
		"job_type":        "noop",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
