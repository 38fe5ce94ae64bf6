package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ebakumov/inkwell/internal/foreshadow"
	"github.com/ebakumov/inkwell/internal/store"
	"github.com/ebakumov/inkwell/internal/worker"
)

// doneRunner finishes every job immediately.
type doneRunner struct {
	st store.Store
}

func (r doneRunner) Run(ctx context.Context, job worker.Job) (store.RunStatus, error) {
	if err := r.st.FinishRun(ctx, job.RunID, store.RunStatusDone, "ch_1", ""); err != nil {
		return store.RunStatusFailed, err
	}
	return store.RunStatusDone, nil
}

func newTestHandler(t *testing.T) (*Handler, store.Store, *echo.Echo) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pool := worker.NewPool(doneRunner{st: st}, worker.Options{Size: 1})
	t.Cleanup(pool.Close)

	h := NewHandler(st, pool, NewHub(), foreshadow.NewTracker(st))
	e := echo.New()
	h.RegisterRoutes(e)
	return h, st, e
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, _, e := newTestHandler(t)
	rec := doJSON(e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestCreateRunValidation(t *testing.T) {
	_, _, e := newTestHandler(t)
	rec := doJSON(e, http.MethodPost, "/v1/runs", `{"novel_id":"","branch_id":"main"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestCreateAndGetRun(t *testing.T) {
	_, _, e := newTestHandler(t)
	rec := doJSON(e, http.MethodPost, "/v1/runs", `{"novel_id":"n1","branch_id":"main"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d, body %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	runID := created["run_id"]
	if !strings.HasPrefix(runID, "run_") {
		t.Fatalf("run id: %q", runID)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec = doJSON(e, http.MethodGet, "/v1/runs/"+runID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("get run: %d", rec.Code)
		}
		var got map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		if got["status"] == string(store.RunStatusDone) {
			if got["chapter_id"] != "ch_1" {
				t.Fatalf("chapter id: %v", got["chapter_id"])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never finished: %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetRunNotFound(t *testing.T) {
	_, _, e := newTestHandler(t)
	rec := doJSON(e, http.MethodGet, "/v1/runs/run_nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestRunEventsEndpoint(t *testing.T) {
	_, st, e := newTestHandler(t)
	ctx := context.Background()
	if err := st.CreateRun(ctx, &store.Run{RunID: "run_1", NovelID: "n1", BranchID: "main", Status: store.RunStatusRunning, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	for _, ty := range []string{"stage_started", "stage_completed"} {
		if err := st.AppendRunEvent(ctx, &store.RunEvent{RunID: "run_1", Type: ty, Payload: []byte(`{"stage":"plan"}`)}); err != nil {
			t.Fatalf("AppendRunEvent: %v", err)
		}
	}

	rec := doJSON(e, http.MethodGet, "/v1/runs/run_1/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var got struct {
		Events []store.RunEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Events) != 2 || got.Events[0].Type != "stage_started" {
		t.Fatalf("events: %+v", got.Events)
	}
}

func TestForeshadowLifecycleOverHTTP(t *testing.T) {
	_, _, e := newTestHandler(t)

	rec := doJSON(e, http.MethodPost, "/v1/novels/n1/branches/main/foreshadowing",
		`{"content":"a knock at midnight","planted_at":1,"expected_resolve_at":4,"importance":6}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d, body %s", rec.Code, rec.Body.String())
	}
	var created foreshadow.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(e, http.MethodPost, "/v1/foreshadowing/"+created.ID+"/advance",
		`{"unit":2,"description":"the knock repeats"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("advance: %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodGet, "/v1/novels/n1/branches/main/foreshadowing?filter=overdue&unit=6", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list overdue: %d", rec.Code)
	}
	var listed struct {
		Foreshadowing []foreshadow.Record `json:"foreshadowing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Foreshadowing) != 1 {
		t.Fatalf("overdue list: %+v", listed.Foreshadowing)
	}

	rec = doJSON(e, http.MethodPost, "/v1/foreshadowing/"+created.ID+"/resolve",
		`{"unit":5,"quality":8,"feedback":"landed well"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: %d, body %s", rec.Code, rec.Body.String())
	}
	var resolved foreshadow.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resolved.Status != foreshadow.StatusResolved {
		t.Fatalf("status: %s", resolved.Status)
	}

	// Resolving again is an invalid transition.
	rec = doJSON(e, http.MethodPost, "/v1/foreshadowing/"+created.ID+"/resolve", `{"unit":6}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("double resolve: %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/v1/novels/n1/branches/main/foreshadowing?filter=active", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Foreshadowing) != 0 {
		t.Fatalf("resolved thread must leave the active set: %+v", listed.Foreshadowing)
	}
}

func TestListForeshadowUnknownFilter(t *testing.T) {
	_, _, e := newTestHandler(t)
	rec := doJSON(e, http.MethodGet, "/v1/novels/n1/branches/main/foreshadowing?filter=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}
