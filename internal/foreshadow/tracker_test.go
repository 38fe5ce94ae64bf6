package foreshadow

import (
	"context"
	"testing"
	"time"
)

type memStore struct {
	recs map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]*Record{}}
}

func (m *memStore) PutForeshadow(_ context.Context, rec *Record) error {
	cp := *rec
	cp.Log = append([]Advancement{}, rec.Log...)
	m.recs[rec.ID] = &cp
	return nil
}

func (m *memStore) GetForeshadow(_ context.Context, id string) (*Record, error) {
	rec, ok := m.recs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Log = append([]Advancement{}, rec.Log...)
	return &cp, nil
}

func (m *memStore) ListForeshadowByBranch(_ context.Context, novelID, branchID string) ([]*Record, error) {
	var out []*Record
	for _, rec := range m.recs {
		if rec.NovelID == novelID && rec.BranchID == branchID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func newTestTracker() (*Tracker, *memStore) {
	store := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewTrackerWithClock(store, func() time.Time { return now }), store
}

func intPtr(v int) *int { return &v }

func plant(t *testing.T, tr *Tracker, expected *int) *Record {
	t.Helper()
	rec, err := tr.Create(context.Background(), CreateParams{
		NovelID:           "n1",
		BranchID:          "b1",
		Content:           "the locked door in the cellar",
		PlantedAt:         2,
		ExpectedResolveAt: expected,
		Importance:        7,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPlanted, StatusAdvanced, true},
		{StatusPlanted, StatusResolved, true},
		{StatusPlanted, StatusAbandoned, true},
		{StatusAdvanced, StatusAdvanced, true},
		{StatusAdvanced, StatusResolved, true},
		{StatusAdvanced, StatusAbandoned, true},
		{StatusResolved, StatusAdvanced, false},
		{StatusResolved, StatusResolved, false},
		{StatusAbandoned, StatusAdvanced, false},
		{StatusAdvanced, StatusPlanted, false},
		{StatusPlanted, StatusPlanted, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestOverdueBoundary(t *testing.T) {
	// Planted at 2, expected by 5: overdue at unit 6, not at unit 5.
	tr, _ := newTestTracker()
	ctx := context.Background()
	rec := plant(t, tr, intPtr(5))

	at5, err := tr.Overdue(ctx, "n1", "b1", 5)
	if err != nil {
		t.Fatalf("Overdue(5): %v", err)
	}
	if len(at5) != 0 {
		t.Fatalf("expected no overdue at unit 5, got %d", len(at5))
	}

	at6, err := tr.Overdue(ctx, "n1", "b1", 6)
	if err != nil {
		t.Fatalf("Overdue(6): %v", err)
	}
	if len(at6) != 1 || at6[0].ID != rec.ID {
		t.Fatalf("expected %s overdue at unit 6, got %+v", rec.ID, at6)
	}
}

func TestDueSoonWindow(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()
	plant(t, tr, intPtr(7))

	due, err := tr.DueSoon(ctx, "n1", "b1", 5, 2)
	if err != nil {
		t.Fatalf("DueSoon: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due-soon at window [5,7], got %d", len(due))
	}

	due, err = tr.DueSoon(ctx, "n1", "b1", 5, 1)
	if err != nil {
		t.Fatalf("DueSoon: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected none due-soon at window [5,6], got %d", len(due))
	}
}

func TestNoDeadlineNeverOverdue(t *testing.T) {
	tr, _ := newTestTracker()
	plant(t, tr, nil)
	over, err := tr.Overdue(context.Background(), "n1", "b1", 100)
	if err != nil {
		t.Fatalf("Overdue: %v", err)
	}
	if len(over) != 0 {
		t.Fatalf("thread without deadline must never be overdue, got %d", len(over))
	}
}

func TestAdvanceIsReentrant(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()
	rec := plant(t, tr, intPtr(5))

	adv, err := tr.Advance(ctx, rec.ID, 3, "the key is mentioned")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if adv.Status != StatusAdvanced {
		t.Fatalf("expected advanced, got %s", adv.Status)
	}
	adv, err = tr.Advance(ctx, rec.ID, 4, "the key changes hands")
	if err != nil {
		t.Fatalf("second Advance: %v", err)
	}
	if adv.Status != StatusAdvanced {
		t.Fatalf("expected advanced after re-advance, got %s", adv.Status)
	}
	if len(adv.Log) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(adv.Log))
	}
}

func TestAdvanceOnResolvedIsNoop(t *testing.T) {
	tr, store := newTestTracker()
	ctx := context.Background()
	rec := plant(t, tr, intPtr(5))

	if _, err := tr.Resolve(ctx, rec.ID, 5, intPtr(8), "paid off cleanly"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, err := tr.Advance(ctx, rec.ID, 6, "should not land")
	if err != nil {
		t.Fatalf("Advance on resolved: %v", err)
	}
	if got.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", got.Status)
	}
	if len(store.recs[rec.ID].Log) != 0 {
		t.Fatalf("no-op advance must not append to the log")
	}
}

func TestResolveRecordsUnitAndQuality(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()
	rec := plant(t, tr, intPtr(5))

	got, err := tr.Resolve(ctx, rec.ID, 5, intPtr(9), "strong payoff")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ResolvedAt == nil || *got.ResolvedAt != 5 {
		t.Fatalf("expected resolved_at=5, got %v", got.ResolvedAt)
	}
	if got.Quality == nil || *got.Quality != 9 {
		t.Fatalf("expected quality=9, got %v", got.Quality)
	}
}

func TestAbandonTerminal(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()
	rec := plant(t, tr, nil)

	got, err := tr.Abandon(ctx, rec.ID, "branch diverged away from it")
	if err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if got.Status != StatusAbandoned {
		t.Fatalf("expected abandoned, got %s", got.Status)
	}
	if _, err := tr.Resolve(ctx, rec.ID, 9, nil, ""); err == nil {
		t.Fatalf("resolve after abandon must fail")
	}
	// Abandoned threads are not active.
	active, err := tr.Active(ctx, "n1", "b1")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active threads, got %d", len(active))
	}
}

func TestCreateClampsImportance(t *testing.T) {
	tr, _ := newTestTracker()
	rec, err := tr.Create(context.Background(), CreateParams{
		NovelID: "n1", BranchID: "b1", Content: "x", Importance: 42,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Importance != 10 {
		t.Fatalf("expected importance clamped to 10, got %d", rec.Importance)
	}
}
