// Package server exposes run triggering and observability over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/cairn/internal/a2a"
	"github.com/ShayCichocki/cairn/internal/decompose"
	"github.com/ShayCichocki/cairn/internal/logger"
	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/pkg/models"
)

const (
	defaultListLimit = 100
	defaultLogLimit  = 200
)

// Scheduler accepts runs for execution.
type Scheduler interface {
	Enqueue(runID string)
	Cancel(ctx context.Context, runID, reason string) error
}

// Handler serves the HTTP API.
type Handler struct {
	store        store.Store
	sched        Scheduler
	materializer *decompose.Materializer
	a2a          *a2a.Channel
}

// NewHandler creates a Handler.
func NewHandler(s store.Store, sched Scheduler, m *decompose.Materializer, ch *a2a.Channel) *Handler {
	return &Handler{store: s, sched: sched, materializer: m, a2a: ch}
}

// New builds the echo server with every route registered. gatherer backs
// /metrics when non-nil.
func New(h *Handler, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/v1")
	v1.POST("/runs", h.CreateRun)
	v1.GET("/runs", h.ListRuns)
	v1.GET("/runs/:run_id", h.GetRun)
	v1.POST("/runs/:run_id/cancel", h.CancelRun)
	v1.POST("/runs/:run_id/rerun", h.RerunRun)
	v1.POST("/runs/:run_id/subtasks/materialize", h.MaterializeAll)
	v1.POST("/runs/:run_id/subtasks/:index/materialize", h.Materialize)
	v1.GET("/runs/:run_id/logs", h.ListLogs)
	v1.GET("/groups/:group_id/messages", h.ListMessages)
	v1.POST("/groups/:group_id/messages", h.PostMessage)
	return e
}

func requestLogger() echo.MiddlewareFunc {
	log := logger.With("component", "http")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			log.Debug("[http] request",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status)
			return err
		}
	}
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrValidation),
		errors.Is(err, decompose.ErrIndexRange),
		errors.Is(err, decompose.ErrNotComposite):
		return http.StatusBadRequest
	case errors.Is(err, a2a.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, decompose.ErrNoPlan),
		errors.Is(err, decompose.ErrParentSettled),
		errors.Is(err, decompose.ErrDependencyPending):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func fail(c echo.Context, err error) error {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		logger.Error("[http] request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// CreateRunRequest is the body of POST /v1/runs. It always creates a
// top-level run; children come from the materialize endpoints.
type CreateRunRequest struct {
	AgentType string         `json:"agent_type"`
	Payload   models.Payload `json:"payload"`
}

// CreateRunResponse is returned by run creation endpoints.
type CreateRunResponse struct {
	RunID     string        `json:"run_id"`
	Status    models.Status `json:"status"`
	Duplicate bool          `json:"duplicate,omitempty"`
}

// CreateRun creates and enqueues a run.
// POST /v1/runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	agentType, err := models.ParseAgentType(req.AgentType)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return h.create(c, store.CreateRequest{
		AgentType: agentType,
		Payload:   req.Payload,
	})
}

func (h *Handler) create(c echo.Context, req store.CreateRequest) error {
	ctx := c.Request().Context()
	id, err := h.store.CreateRun(ctx, req)
	if errors.Is(err, store.ErrDuplicate) {
		run, gerr := h.store.GetRun(ctx, id)
		if gerr != nil {
			return fail(c, gerr)
		}
		return c.JSON(http.StatusOK, CreateRunResponse{RunID: id, Status: run.Status, Duplicate: true})
	}
	if err != nil {
		return fail(c, err)
	}
	h.sched.Enqueue(id)
	return c.JSON(http.StatusCreated, CreateRunResponse{RunID: id, Status: models.StatusQueued})
}

// GetRun returns one run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.store.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns lists runs oldest first.
// GET /v1/runs?status=Queued,Running&parent_run_id=&agent_type=&limit=
func (h *Handler) ListRuns(c echo.Context) error {
	filter := store.RunFilter{
		ParentRunID: c.QueryParam("parent_run_id"),
		Limit:       defaultListLimit,
	}
	if s := c.QueryParam("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			st := models.Status(strings.TrimSpace(part))
			if !st.Valid() {
				return badRequest(c, "unknown status "+part)
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if s := c.QueryParam("agent_type"); s != "" {
		at, err := models.ParseAgentType(s)
		if err != nil {
			return badRequest(c, err.Error())
		}
		filter.AgentType = at
	}
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return badRequest(c, "limit must be a positive integer")
		}
		filter.Limit = n
	}

	runs := []*models.Run{}
	for run, err := range h.store.ListRuns(c.Request().Context(), filter) {
		if err != nil {
			return fail(c, err)
		}
		runs = append(runs, run)
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelRun cancels a non-terminal run.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	var req cancelRequest
	_ = c.Bind(&req)
	runID := c.Param("run_id")
	if err := h.sched.Cancel(c.Request().Context(), runID, req.Reason); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"run_id": runID, "status": models.StatusCancelled})
}

// RerunRun creates a new top-level run with the payload of an existing one.
// POST /v1/runs/:run_id/rerun
func (h *Handler) RerunRun(c echo.Context) error {
	run, err := h.store.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return fail(c, err)
	}
	payload := run.Payload
	payload.IdempotencyKey = ""
	return h.create(c, store.CreateRequest{AgentType: run.AgentType, Payload: payload})
}

// Materialize creates the child for one subtask index.
// POST /v1/runs/:run_id/subtasks/:index/materialize
func (h *Handler) Materialize(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return badRequest(c, "index must be an integer")
	}
	res, err := h.materializer.Materialize(c.Request().Context(), c.Param("run_id"), index)
	if err != nil {
		return fail(c, err)
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	return c.JSON(code, res)
}

// MaterializeAll creates children for every subtask without one.
// POST /v1/runs/:run_id/subtasks/materialize?include_human=true
func (h *Handler) MaterializeAll(c echo.Context) error {
	includeHuman := c.QueryParam("include_human") == "true"
	out, err := h.materializer.MaterializeAll(c.Request().Context(), c.Param("run_id"), includeHuman)
	if err != nil {
		return fail(c, err)
	}
	if out == nil {
		out = []decompose.Materialized{}
	}
	return c.JSON(http.StatusOK, map[string]any{"subtasks": out})
}

// ListLogs pages through a run's log.
// GET /v1/runs/:run_id/logs?after=&limit=
func (h *Handler) ListLogs(c echo.Context) error {
	after, err := int64Param(c, "after")
	if err != nil {
		return badRequest(c, err.Error())
	}
	limit := defaultLogLimit
	if s := c.QueryParam("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 1 {
			return badRequest(c, "limit must be a positive integer")
		}
	}
	ctx := c.Request().Context()
	runID := c.Param("run_id")
	if _, err := h.store.GetRun(ctx, runID); err != nil {
		return fail(c, err)
	}
	entries, err := h.store.ListLogs(ctx, runID, after, limit)
	if err != nil {
		return fail(c, err)
	}
	if entries == nil {
		entries = []models.LogEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"logs": entries})
}

// ListMessages reads a2a facts after a cursor.
// GET /v1/groups/:group_id/messages?since=
func (h *Handler) ListMessages(c echo.Context) error {
	since, err := int64Param(c, "since")
	if err != nil {
		return badRequest(c, err.Error())
	}
	msgs, err := h.a2a.Read(c.Request().Context(), c.Param("group_id"), since)
	if err != nil {
		return fail(c, err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

type postMessageRequest struct {
	SenderRunID string      `json:"sender_run_id"`
	Facts       models.Fact `json:"facts"`
}

// PostMessage appends a fact on behalf of a group member.
// POST /v1/groups/:group_id/messages
func (h *Handler) PostMessage(c echo.Context) error {
	var req postMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if req.SenderRunID == "" || len(req.Facts) == 0 {
		return badRequest(c, "sender_run_id and facts are required")
	}
	id, err := h.a2a.Post(c.Request().Context(), req.SenderRunID, c.Param("group_id"), req.Facts)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]int64{"id": id})
}

func int64Param(c echo.Context, name string) (int64, error) {
	s := c.QueryParam(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
