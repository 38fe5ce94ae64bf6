package store

import (
	"context"
	"testing"
	"time"

	"github.com/ebakumov/inkwell/internal/foreshadow"
	"github.com/ebakumov/inkwell/internal/runstate"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadRunContextEmptyBranch(t *testing.T) {
	s := newTestStore(t)
	rc, err := s.LoadRunContext(context.Background(), "n1", "main")
	if err != nil {
		t.Fatalf("LoadRunContext: %v", err)
	}
	if rc.PlotIndex != 0 {
		t.Fatalf("fresh branch starts at plot index 0, got %d", rc.PlotIndex)
	}
	if len(rc.Characters) != 0 || len(rc.Foreshadowing) != 0 {
		t.Fatalf("fresh branch must be empty")
	}
}

func TestCommitChapterRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &foreshadow.Record{
		ID: "fs_test1", NovelID: "n1", BranchID: "main",
		Content: "a letter never opened", PlantedAt: 0,
		Status: foreshadow.StatusPlanted, Importance: 5,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}

	chapterID, err := s.CommitChapter(ctx, &ChapterCommit{
		NovelID: "n1", BranchID: "main", PlotIndex: 0,
		Title: "The Letter", Body: "It began with rain.", Summary: "A letter arrives.",
		Characters: map[string]runstate.CharacterSnapshot{
			"alice": {ID: "alice", Name: "Alice", Summary: "a courier", Traits: []string{"wry"}},
		},
		WorldItems:    []runstate.WorldItem{{ID: "w1", Name: "Harbor City"}},
		Foreshadowing: []*foreshadow.Record{rec},
	})
	if err != nil {
		t.Fatalf("CommitChapter: %v", err)
	}
	if chapterID == "" {
		t.Fatalf("expected chapter id")
	}

	rc, err := s.LoadRunContext(ctx, "n1", "main")
	if err != nil {
		t.Fatalf("LoadRunContext: %v", err)
	}
	if rc.PlotIndex != 1 {
		t.Fatalf("branch must advance past committed chapter, got %d", rc.PlotIndex)
	}
	if got := rc.Characters["alice"].Name; got != "Alice" {
		t.Fatalf("character snapshot: got %q", got)
	}
	if len(rc.WorldItems) != 1 || rc.WorldItems[0].Name != "Harbor City" {
		t.Fatalf("world items: got %+v", rc.WorldItems)
	}
	if len(rc.Foreshadowing) != 1 || rc.Foreshadowing[0].Content != "a letter never opened" {
		t.Fatalf("foreshadowing: got %+v", rc.Foreshadowing)
	}
	if len(rc.RecentSummaries) != 1 || rc.RecentSummaries[0] != "A letter arrives." {
		t.Fatalf("summaries: got %+v", rc.RecentSummaries)
	}
}

func TestCommitChapterUpsertsCharacter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, summary := range []string{"a courier", "a courier with a secret"} {
		_, err := s.CommitChapter(ctx, &ChapterCommit{
			NovelID: "n1", BranchID: "main", PlotIndex: i,
			Body: "text",
			Characters: map[string]runstate.CharacterSnapshot{
				"alice": {ID: "alice", Name: "Alice", Summary: summary},
			},
		})
		if err != nil {
			t.Fatalf("CommitChapter %d: %v", i, err)
		}
	}

	rc, err := s.LoadRunContext(ctx, "n1", "main")
	if err != nil {
		t.Fatalf("LoadRunContext: %v", err)
	}
	if len(rc.Characters) != 1 {
		t.Fatalf("expected 1 character, got %d", len(rc.Characters))
	}
	if got := rc.Characters["alice"].Summary; got != "a courier with a secret" {
		t.Fatalf("expected updated snapshot, got %q", got)
	}
}

func TestRecentSummariesInStoryOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, sum := range []string{"one", "two", "three", "four"} {
		if _, err := s.CommitChapter(ctx, &ChapterCommit{
			NovelID: "n1", BranchID: "main", PlotIndex: i, Body: "b", Summary: sum,
		}); err != nil {
			t.Fatalf("CommitChapter %d: %v", i, err)
		}
	}
	rc, err := s.LoadRunContext(ctx, "n1", "main")
	if err != nil {
		t.Fatalf("LoadRunContext: %v", err)
	}
	want := []string{"two", "three", "four"}
	if len(rc.RecentSummaries) != len(want) {
		t.Fatalf("expected %d summaries, got %v", len(want), rc.RecentSummaries)
	}
	for i := range want {
		if rc.RecentSummaries[i] != want[i] {
			t.Fatalf("summaries out of order: got %v", rc.RecentSummaries)
		}
	}
}

func TestForeshadowPersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tracker := foreshadow.NewTracker(s)

	five := 5
	rec, err := tracker.Create(ctx, foreshadow.CreateParams{
		NovelID: "n1", BranchID: "main",
		Content: "the stranger's accent", PlantedAt: 2,
		ExpectedResolveAt: &five, Importance: 6,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := tracker.Advance(ctx, rec.ID, 3, "overheard again"); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	got, err := s.GetForeshadow(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetForeshadow: %v", err)
	}
	if got.Status != foreshadow.StatusAdvanced || len(got.Log) != 1 {
		t.Fatalf("persisted record: %+v", got)
	}

	overdue, err := tracker.Overdue(ctx, "n1", "main", 6)
	if err != nil {
		t.Fatalf("Overdue: %v", err)
	}
	if len(overdue) != 1 {
		t.Fatalf("expected 1 overdue via store, got %d", len(overdue))
	}

	missing, err := s.GetForeshadow(ctx, "fs_missing")
	if err != nil || missing != nil {
		t.Fatalf("unknown id must yield (nil, nil), got %v %v", missing, err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{
		RunID: "run_1", NovelID: "n1", BranchID: "main",
		Status: RunStatusCreated, PlotIndex: 4, StartedAt: time.Now().UTC(),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.UpdateRunStatus(ctx, "run_1", RunStatusRunning); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if err := s.AppendRunEvent(ctx, &RunEvent{RunID: "run_1", Type: "stage_started", Payload: []byte(`{"stage":"plan"}`)}); err != nil {
		t.Fatalf("AppendRunEvent: %v", err)
	}
	if err := s.FinishRun(ctx, "run_1", RunStatusDone, "ch_abc", ""); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := s.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunStatusDone || got.ChapterID != "ch_abc" || got.EndedAt == nil {
		t.Fatalf("finished run: %+v", got)
	}

	events, err := s.ListRunEvents(ctx, "run_1")
	if err != nil {
		t.Fatalf("ListRunEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != "stage_started" {
		t.Fatalf("events: %+v", events)
	}

	missing, err := s.GetRun(ctx, "run_nope")
	if err != nil || missing != nil {
		t.Fatalf("missing run: %v %v", missing, err)
	}
}
