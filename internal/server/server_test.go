package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/cairn/internal/a2a"
	"github.com/ShayCichocki/cairn/internal/decompose"
	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/pkg/models"
)

type fakeScheduler struct {
	store store.Store

	mu       sync.Mutex
	enqueued []string
}

func (f *fakeScheduler) Enqueue(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, runID)
}

func (f *fakeScheduler) Cancel(ctx context.Context, runID, reason string) error {
	return store.Cancel(ctx, f.store, runID, reason)
}

type fixture struct {
	store *store.Memory
	sched *fakeScheduler
	echo  *echo.Echo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemory()
	sched := &fakeScheduler{store: s}
	h := NewHandler(s, sched, decompose.NewMaterializer(s, sched), a2a.New(s, s))
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "cairn_test_total", Help: "test"}))
	return &fixture{store: s, sched: sched, echo: New(h, reg)}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// planned creates a PM run holding a two-subtask plan in SubtasksRunning.
func (f *fixture) planned(t *testing.T) string {
	t.Helper()
	return f.plannedWith(t, []models.SubtaskSpec{
		{Index: 0, Title: "model", Description: "add model", Repo: "acme/api", Assignment: models.AssignAgent},
		{Index: 1, Title: "review", Description: "sign off", Repo: "acme/api", Assignment: models.AssignHuman},
	})
}

func (f *fixture) plannedWith(t *testing.T, specs []models.SubtaskSpec) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.CreateRun(ctx, store.CreateRequest{
		AgentType: models.AgentPM,
		Payload:   models.Payload{Description: "users feature", Repos: []string{"acme/api"}},
	})
	require.NoError(t, err)
	for _, step := range [][2]models.Status{
		{models.StatusQueued, models.StatusRunning},
		{models.StatusRunning, models.StatusSubtasksGenerated},
		{models.StatusSubtasksGenerated, models.StatusSubtasksRunning},
	} {
		require.NoError(t, f.store.UpdateStatus(ctx, id, step[0], step[1]))
	}
	require.NoError(t, f.store.AppendResult(ctx, id, &models.Result{Summary: "plan", Subtasks: specs}))
	return id
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cairn_test_total")
}

func TestCreateRun(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/runs",
		`{"agent_type":"swe","payload":{"description":"fix bug","repos":["acme/api"]}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[CreateRunResponse](t, rec)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, models.StatusQueued, resp.Status)
	assert.Equal(t, []string{resp.RunID}, f.sched.enqueued)

	run, err := f.store.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentSWE, run.AgentType)
}

func TestCreateRun_Idempotent(t *testing.T) {
	f := newFixture(t)
	body := `{"agent_type":"SWE","payload":{"description":"fix bug","idempotency_key":"abc"}}`

	first := decode[CreateRunResponse](t, f.do(t, http.MethodPost, "/v1/runs", body))
	rec := f.do(t, http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[CreateRunResponse](t, rec)

	assert.Equal(t, first.RunID, second.RunID)
	assert.True(t, second.Duplicate)
	assert.Len(t, f.sched.enqueued, 1)
}

func TestCreateRun_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"agent_type":`},
		{"unknown agent", `{"agent_type":"QA","payload":{"description":"x"}}`},
		{"missing description", `{"agent_type":"SWE","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, "/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Empty(t, f.sched.enqueued)
		})
	}
}

func TestCreateRun_AlwaysTopLevel(t *testing.T) {
	f := newFixture(t)
	parent := f.planned(t)
	rec := f.do(t, http.MethodPost, "/v1/runs",
		`{"agent_type":"SWE","payload":{"description":"x"},"parent_run_id":"`+parent+`","subtask_index":0}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	run, err := f.store.GetRun(context.Background(), decode[CreateRunResponse](t, rec).RunID)
	require.NoError(t, err)
	assert.Empty(t, run.ParentRunID)
	assert.Nil(t, run.SubtaskIndex)

	_, err = f.store.FindChild(context.Background(), parent, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)
	parent := f.planned(t)

	rec := f.do(t, http.MethodGet, "/v1/runs/"+parent, "")
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[models.Run](t, rec)
	assert.Equal(t, models.StatusSubtasksRunning, run.Status)
	assert.Len(t, run.Result.Subtasks, 2)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/runs/missing", "").Code)
}

func TestListRuns_Filters(t *testing.T) {
	f := newFixture(t)
	parent := f.planned(t)
	_, err := f.store.CreateRun(context.Background(), store.CreateRequest{
		AgentType: models.AgentSWE,
		Payload:   models.Payload{Description: "solo"},
	})
	require.NoError(t, err)

	type listResp struct {
		Runs []models.Run `json:"runs"`
	}
	all := decode[listResp](t, f.do(t, http.MethodGet, "/v1/runs", ""))
	assert.Len(t, all.Runs, 2)

	queued := decode[listResp](t, f.do(t, http.MethodGet, "/v1/runs?status=Queued", ""))
	require.Len(t, queued.Runs, 1)
	assert.Equal(t, models.AgentSWE, queued.Runs[0].AgentType)

	pms := decode[listResp](t, f.do(t, http.MethodGet, "/v1/runs?agent_type=pm", ""))
	require.Len(t, pms.Runs, 1)
	assert.Equal(t, parent, pms.Runs[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/runs?status=Sleeping", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/runs?limit=0", "").Code)
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	resp := decode[CreateRunResponse](t, f.do(t, http.MethodPost, "/v1/runs",
		`{"agent_type":"SWE","payload":{"description":"fix bug"}}`))

	rec := f.do(t, http.MethodPost, "/v1/runs/"+resp.RunID+"/cancel", `{"reason":"not needed"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run, err := f.store.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, run.Status)
	assert.Equal(t, "not needed", run.Result.Error)

	// Terminal runs cannot be cancelled again.
	rec = f.do(t, http.MethodPost, "/v1/runs/"+resp.RunID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRerunRun(t *testing.T) {
	f := newFixture(t)
	orig := decode[CreateRunResponse](t, f.do(t, http.MethodPost, "/v1/runs",
		`{"agent_type":"SWE","payload":{"description":"fix bug","idempotency_key":"k1"}}`))
	require.NoError(t, store.Cancel(context.Background(), f.store, orig.RunID, ""))

	rec := f.do(t, http.MethodPost, "/v1/runs/"+orig.RunID+"/rerun", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rerun := decode[CreateRunResponse](t, rec)
	assert.NotEqual(t, orig.RunID, rerun.RunID)

	run, err := f.store.GetRun(context.Background(), rerun.RunID)
	require.NoError(t, err)
	assert.Equal(t, "fix bug", run.Payload.Description)
	assert.Empty(t, run.Payload.IdempotencyKey)
}

func TestMaterialize(t *testing.T) {
	f := newFixture(t)
	parent := f.planned(t)

	rec := f.do(t, http.MethodPost, "/v1/runs/"+parent+"/subtasks/0/materialize", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[decompose.Materialized](t, rec)
	assert.True(t, first.Created)

	rec = f.do(t, http.MethodPost, "/v1/runs/"+parent+"/subtasks/0/materialize", "")
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[decompose.Materialized](t, rec)
	assert.False(t, again.Created)
	assert.Equal(t, first.RunID, again.RunID)

	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/v1/runs/"+parent+"/subtasks/7/materialize", "").Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/v1/runs/"+parent+"/subtasks/x/materialize", "").Code)
}

func TestMaterialize_PMPrerequisitePending(t *testing.T) {
	f := newFixture(t)
	parent := f.plannedWith(t, []models.SubtaskSpec{
		{Index: 0, Title: "schema", Description: "add table", Repo: "acme/api", Assignment: models.AssignAgent},
		{Index: 1, Title: "handler", Description: "serve rows", Repo: "acme/api", Assignment: models.AssignAgent, DependsOn: []int{0}},
	})

	rec := f.do(t, http.MethodPost, "/v1/runs/"+parent+"/subtasks/1/materialize", "")
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	type allResp struct {
		Subtasks []decompose.Materialized `json:"subtasks"`
	}
	rec = f.do(t, http.MethodPost, "/v1/runs/"+parent+"/subtasks/materialize", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	all := decode[allResp](t, rec)
	require.Len(t, all.Subtasks, 1)
	assert.Equal(t, 0, all.Subtasks[0].Index)

	rec = f.do(t, http.MethodPost, "/v1/runs/"+parent+"/subtasks/materialize", "")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, err := f.store.FindChild(context.Background(), parent, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMaterializeAll_HumanOptIn(t *testing.T) {
	f := newFixture(t)
	parent := f.planned(t)

	type allResp struct {
		Subtasks []decompose.Materialized `json:"subtasks"`
	}
	agentOnly := decode[allResp](t, f.do(t, http.MethodPost, "/v1/runs/"+parent+"/subtasks/materialize", ""))
	require.Len(t, agentOnly.Subtasks, 1)
	assert.Equal(t, 0, agentOnly.Subtasks[0].Index)

	withHuman := decode[allResp](t, f.do(t, http.MethodPost, "/v1/runs/"+parent+"/subtasks/materialize?include_human=true", ""))
	require.Len(t, withHuman.Subtasks, 2)

	children, err := store.Children(context.Background(), f.store, parent)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestListLogs_Paging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.store.CreateRun(ctx, store.CreateRequest{AgentType: models.AgentSWE, Payload: models.Payload{Description: "x"}})
	require.NoError(t, err)
	var last int64
	for _, line := range []string{"one", "two", "three"} {
		last, err = f.store.AppendLog(ctx, id, line)
		require.NoError(t, err)
	}

	type logResp struct {
		Logs []models.LogEntry `json:"logs"`
	}
	page := decode[logResp](t, f.do(t, http.MethodGet, "/v1/runs/"+id+"/logs?limit=2", ""))
	require.Len(t, page.Logs, 2)
	assert.Equal(t, "one", page.Logs[0].Content)

	rest := decode[logResp](t, f.do(t, http.MethodGet, "/v1/runs/"+id+"/logs?after="+itoa(page.Logs[1].ID), ""))
	require.Len(t, rest.Logs, 1)
	assert.Equal(t, last, rest.Logs[0].ID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/runs/nope/logs", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/runs/"+id+"/logs?after=-1", "").Code)
}

func TestMessages_PostAndRead(t *testing.T) {
	f := newFixture(t)
	parent := f.planned(t)
	materialized := decode[decompose.Materialized](t,
		f.do(t, http.MethodPost, "/v1/runs/"+parent+"/subtasks/0/materialize", ""))

	rec := f.do(t, http.MethodPost, "/v1/groups/"+parent+"/messages",
		`{"sender_run_id":"`+materialized.RunID+`","facts":{"endpoint":"/users"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	type msgResp struct {
		Messages []models.Message `json:"messages"`
	}
	got := decode[msgResp](t, f.do(t, http.MethodGet, "/v1/groups/"+parent+"/messages", ""))
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "/users", got.Messages[0].Content["endpoint"])

	after := decode[msgResp](t, f.do(t, http.MethodGet, "/v1/groups/"+parent+"/messages?since="+itoa(got.Messages[0].ID), ""))
	assert.Empty(t, after.Messages)

	outsider, err := f.store.CreateRun(context.Background(), store.CreateRequest{
		AgentType: models.AgentSWE,
		Payload:   models.Payload{Description: "elsewhere"},
	})
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/v1/groups/"+parent+"/messages",
		`{"sender_run_id":"`+outsider+`","facts":{"endpoint":"/x"}}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/groups/"+parent+"/messages", `{"sender_run_id":"`+materialized.RunID+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrValidation, http.StatusBadRequest},
		{decompose.ErrIndexRange, http.StatusBadRequest},
		{store.ErrNotFound, http.StatusNotFound},
		{&store.ConflictError{RunID: "r"}, http.StatusConflict},
		{decompose.ErrParentSettled, http.StatusConflict},
		{decompose.ErrDependencyPending, http.StatusConflict},
		{a2a.ErrNotMember, http.StatusForbidden},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
