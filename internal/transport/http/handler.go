// Package http exposes run submission, run inspection, foreshadowing
// management, and SSE progress streaming over echo.
package http

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"

	"github.com/ebakumov/inkwell/internal/foreshadow"
	"github.com/ebakumov/inkwell/internal/store"
	"github.com/ebakumov/inkwell/internal/worker"
)

// Handler handles HTTP requests.
type Handler struct {
	store   store.Store
	pool    *worker.Pool
	hub     *Hub
	tracker *foreshadow.Tracker
}

func NewHandler(st store.Store, pool *worker.Pool, hub *Hub, tracker *foreshadow.Tracker) *Handler {
	return &Handler{store: st, pool: pool, hub: hub, tracker: tracker}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs", h.CreateRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/runs/:run_id/stream", h.StreamRun)

	e.POST("/v1/novels/:novel_id/branches/:branch_id/foreshadowing", h.CreateForeshadow)
	e.GET("/v1/novels/:novel_id/branches/:branch_id/foreshadowing", h.ListForeshadow)
	e.POST("/v1/foreshadowing/:id/advance", h.AdvanceForeshadow)
	e.POST("/v1/foreshadowing/:id/resolve", h.ResolveForeshadow)
	e.POST("/v1/foreshadowing/:id/abandon", h.AbandonForeshadow)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

type createRunRequest struct {
	NovelID  string `json:"novel_id"`
	BranchID string `json:"branch_id"`
}

// CreateRun accepts a generation request and enqueues it.
// POST /v1/runs
func (h *Handler) CreateRun(c echo.Context) error {
	ctx := c.Request().Context()
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	req.NovelID = strings.TrimSpace(req.NovelID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	if req.NovelID == "" || req.BranchID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "novel_id and branch_id are required"})
	}

	runID := "run_" + ulid.Make().String()
	run := &store.Run{
		RunID:     runID,
		NovelID:   req.NovelID,
		BranchID:  req.BranchID,
		Status:    store.RunStatusCreated,
		StartedAt: time.Now().UTC(),
	}
	if err := h.store.CreateRun(ctx, run); err != nil {
		log.Printf("ERROR: failed to create run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create run"})
	}

	// Materialize the broadcaster before the run starts so no early event
	// slips past a fast subscriber.
	h.hub.Broadcaster(runID)
	h.pool.Submit(worker.Job{RunID: runID, NovelID: req.NovelID, BranchID: req.BranchID})

	return c.JSON(http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(store.RunStatusCreated),
	})
}

// GetRun returns a run's current state.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	run, err := h.store.GetRun(ctx, c.Param("run_id"))
	if err != nil {
		log.Printf("ERROR: failed to get run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	return c.JSON(http.StatusOK, runJSON(run))
}

// GetRunEvents returns the persisted event log for a run.
// GET /v1/runs/:run_id/events
func (h *Handler) GetRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		log.Printf("ERROR: failed to get run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}

	events, err := h.store.ListRunEvents(ctx, runID)
	if err != nil {
		log.Printf("ERROR: failed to list run events: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// StreamRun streams live progress events for a run as SSE.
// GET /v1/runs/:run_id/stream
func (h *Handler) StreamRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		log.Printf("ERROR: failed to get run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	if run.Status.Terminal() {
		// The live stream is gone; replay the persisted log instead.
		return h.GetRunEvents(c)
	}

	WriteSSE(c.Response(), c.Request(), h.hub.Broadcaster(runID))
	return nil
}

func runJSON(run *store.Run) map[string]any {
	out := map[string]any{
		"run_id":     run.RunID,
		"novel_id":   run.NovelID,
		"branch_id":  run.BranchID,
		"status":     string(run.Status),
		"started_at": run.StartedAt,
	}
	if run.ChapterID != "" {
		out["chapter_id"] = run.ChapterID
	}
	if run.Error != "" {
		out["error"] = run.Error
	}
	if run.EndedAt != nil {
		out["ended_at"] = run.EndedAt
	}
	return out
}

type createForeshadowRequest struct {
	Content           string   `json:"content"`
	Kind              string   `json:"kind"`
	PlantedAt         int      `json:"planted_at"`
	ExpectedResolveAt *int     `json:"expected_resolve_at"`
	Importance        int      `json:"importance"`
	RelatedEntities   []string `json:"related_entities"`
}

// CreateForeshadow plants a thread manually.
// POST /v1/novels/:novel_id/branches/:branch_id/foreshadowing
func (h *Handler) CreateForeshadow(c echo.Context) error {
	ctx := c.Request().Context()
	var req createForeshadowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	rec, err := h.tracker.Create(ctx, foreshadow.CreateParams{
		NovelID:           c.Param("novel_id"),
		BranchID:          c.Param("branch_id"),
		Content:           req.Content,
		Kind:              req.Kind,
		PlantedAt:         req.PlantedAt,
		ExpectedResolveAt: req.ExpectedResolveAt,
		Importance:        req.Importance,
		RelatedEntities:   req.RelatedEntities,
	})
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, rec)
}

// ListForeshadow lists a branch's threads, optionally filtered.
// GET /v1/novels/:novel_id/branches/:branch_id/foreshadowing?filter=active|overdue|due_soon&unit=N
func (h *Handler) ListForeshadow(c echo.Context) error {
	ctx := c.Request().Context()
	novelID, branchID := c.Param("novel_id"), c.Param("branch_id")
	unit, _ := strconv.Atoi(c.QueryParam("unit"))

	var (
		recs []*foreshadow.Record
		err  error
	)
	switch c.QueryParam("filter") {
	case "", "all":
		recs, err = h.store.ListForeshadowByBranch(ctx, novelID, branchID)
	case "active":
		recs, err = h.tracker.Active(ctx, novelID, branchID)
	case "overdue":
		recs, err = h.tracker.Overdue(ctx, novelID, branchID, unit)
	case "due_soon":
		lookahead, _ := strconv.Atoi(c.QueryParam("lookahead"))
		if lookahead <= 0 {
			lookahead = 3
		}
		recs, err = h.tracker.DueSoon(ctx, novelID, branchID, unit, lookahead)
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown filter"})
	}
	if err != nil {
		log.Printf("ERROR: failed to list foreshadowing: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list foreshadowing"})
	}
	return c.JSON(http.StatusOK, map[string]any{"foreshadowing": recs})
}

type advanceForeshadowRequest struct {
	Unit        int    `json:"unit"`
	Description string `json:"description"`
}

// AdvanceForeshadow marks a thread as touched.
// POST /v1/foreshadowing/:id/advance
func (h *Handler) AdvanceForeshadow(c echo.Context) error {
	var req advanceForeshadowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	rec, err := h.tracker.Advance(c.Request().Context(), c.Param("id"), req.Unit, req.Description)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, rec)
}

type resolveForeshadowRequest struct {
	Unit     int    `json:"unit"`
	Quality  *int   `json:"quality"`
	Feedback string `json:"feedback"`
}

// ResolveForeshadow retires a thread successfully.
// POST /v1/foreshadowing/:id/resolve
func (h *Handler) ResolveForeshadow(c echo.Context) error {
	var req resolveForeshadowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	rec, err := h.tracker.Resolve(c.Request().Context(), c.Param("id"), req.Unit, req.Quality, req.Feedback)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, rec)
}

type abandonForeshadowRequest struct {
	Reason string `json:"reason"`
}

// AbandonForeshadow retires a thread without resolution.
// POST /v1/foreshadowing/:id/abandon
func (h *Handler) AbandonForeshadow(c echo.Context) error {
	var req abandonForeshadowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	rec, err := h.tracker.Abandon(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, rec)
}
