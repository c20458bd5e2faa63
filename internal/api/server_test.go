package api

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"dbsched/internal/scheduler"
	"dbsched/internal/store"
	"dbsched/internal/task"
)

func newTestServer(t *testing.T) (http.Handler, *store.SQL) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewSQL(db, store.SQLite(), zerolog.Nop())
	require.NoError(t, st.EnsureSchema(context.Background()))

	tasks := task.NewRegistry(
		task.OneTime("ping", task.NoData(), nil),
	)
	client := scheduler.NewClient(st, zerolog.Nop())
	return NewServer(client, st, tasks, nil), st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestScheduleAndInspect(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/executions", `{"task":"ping","id":"once"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/executions/ping/once", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"picked":false`)

	rec = do(t, h, http.MethodGet, "/api/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"once"`)
}

func TestScheduleValidation(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/executions", `{"id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/executions", `{"task":"unknown"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// ping takes no payload.
	rec = do(t, h, http.MethodPost, "/api/executions", `{"task":"ping","payload":{"a":1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRescheduleAndCancel(t *testing.T) {
	h, st := newTestServer(t)
	ctx := context.Background()

	rec := do(t, h, http.MethodPost, "/api/executions", `{"task":"ping","id":"once"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	when := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	rec = do(t, h, http.MethodPost, "/api/executions/ping/once/reschedule",
		`{"execution_time":"2030-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	got, err := st.Get(ctx, "ping", "once")
	require.NoError(t, err)
	assert.Equal(t, when, got.ExecutionTime)

	rec = do(t, h, http.MethodDelete, "/api/executions/ping/once", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/executions/ping/once", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/executions/ping/once/reschedule",
		`{"execution_time":"2030-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConflictOnPickedExecution(t *testing.T) {
	h, st := newTestServer(t)
	ctx := context.Background()

	rec := do(t, h, http.MethodPost, "/api/executions", `{"task":"ping","id":"busy"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	e, err := st.Get(ctx, "ping", "busy")
	require.NoError(t, err)
	_, err = st.Pick(ctx, *e, "node-a", time.Now().UTC())
	require.NoError(t, err)

	rec = do(t, h, http.MethodDelete, "/api/executions/ping/busy", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}
