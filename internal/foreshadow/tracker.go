package foreshadow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence seam the tracker writes through. Implemented by
// the SQL store; tests use an in-memory fake.
type Store interface {
	PutForeshadow(ctx context.Context, rec *Record) error
	GetForeshadow(ctx context.Context, id string) (*Record, error)
	ListForeshadowByBranch(ctx context.Context, novelID, branchID string) ([]*Record, error)
}

// Tracker maintains the lifecycle of foreshadowing records for a branch.
// Status mutations go through CanTransition; records are never deleted here.
type Tracker struct {
	store Store
	now   func() time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// NewTrackerWithClock is used by tests that need deterministic timestamps.
func NewTrackerWithClock(store Store, now func() time.Time) *Tracker {
	return &Tracker{store: store, now: now}
}

type CreateParams struct {
	NovelID           string
	BranchID          string
	Content           string
	Kind              string
	PlantedAt         int
	ExpectedResolveAt *int
	Importance        int
	RelatedEntities   []string
}

// Create plants a new thread. Importance is clamped to [1, 10].
func (t *Tracker) Create(ctx context.Context, p CreateParams) (*Record, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, fmt.Errorf("foreshadow content is required")
	}
	if p.NovelID == "" || p.BranchID == "" {
		return nil, fmt.Errorf("novel and branch ids are required")
	}
	imp := p.Importance
	if imp < 1 {
		imp = 1
	}
	if imp > 10 {
		imp = 10
	}
	now := t.now().UTC()
	rec := &Record{
		ID:                "fs_" + uuid.New().String()[:8],
		NovelID:           p.NovelID,
		BranchID:          p.BranchID,
		Content:           strings.TrimSpace(p.Content),
		Kind:              strings.TrimSpace(p.Kind),
		PlantedAt:         p.PlantedAt,
		ExpectedResolveAt: p.ExpectedResolveAt,
		Status:            StatusPlanted,
		Importance:        imp,
		RelatedEntities:   append([]string{}, p.RelatedEntities...),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := t.store.PutForeshadow(ctx, rec); err != nil {
		return nil, fmt.Errorf("save foreshadow: %w", err)
	}
	return rec, nil
}

// Advance marks a thread as touched at the given unit and appends to its log.
// Advancing an already-Advanced thread is legal (re-entrant). Advancing a
// terminal thread is a silent no-op: the record is returned unchanged.
func (t *Tracker) Advance(ctx context.Context, id string, unit int, description string) (*Record, error) {
	rec, err := t.store.GetForeshadow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load foreshadow %s: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("foreshadow %s not found", id)
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	if !CanTransition(rec.Status, StatusAdvanced) {
		return nil, fmt.Errorf("foreshadow %s: cannot advance from %s", id, rec.Status)
	}
	now := t.now().UTC()
	rec.Status = StatusAdvanced
	rec.Log = append(rec.Log, Advancement{Unit: unit, Description: strings.TrimSpace(description), At: now})
	rec.UpdatedAt = now
	if err := t.store.PutForeshadow(ctx, rec); err != nil {
		return nil, fmt.Errorf("save foreshadow %s: %w", id, err)
	}
	return rec, nil
}

// Resolve retires a thread successfully, recording the resolution unit and
// an optional quality score / feedback from the review pass.
func (t *Tracker) Resolve(ctx context.Context, id string, unit int, quality *int, feedback string) (*Record, error) {
	return t.finish(ctx, id, StatusResolved, func(rec *Record) {
		u := unit
		rec.ResolvedAt = &u
		rec.Quality = quality
		rec.Feedback = strings.TrimSpace(feedback)
	})
}

// Abandon retires a thread without resolution.
func (t *Tracker) Abandon(ctx context.Context, id string, reason string) (*Record, error) {
	return t.finish(ctx, id, StatusAbandoned, func(rec *Record) {
		rec.Reason = strings.TrimSpace(reason)
	})
}

func (t *Tracker) finish(ctx context.Context, id string, to Status, apply func(*Record)) (*Record, error) {
	rec, err := t.store.GetForeshadow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load foreshadow %s: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("foreshadow %s not found", id)
	}
	if !CanTransition(rec.Status, to) {
		return nil, fmt.Errorf("foreshadow %s: invalid transition %s -> %s", id, rec.Status, to)
	}
	apply(rec)
	rec.Status = to
	rec.UpdatedAt = t.now().UTC()
	if err := t.store.PutForeshadow(ctx, rec); err != nil {
		return nil, fmt.Errorf("save foreshadow %s: %w", id, err)
	}
	return rec, nil
}

// Active returns all non-terminal threads for a branch.
func (t *Tracker) Active(ctx context.Context, novelID, branchID string) ([]*Record, error) {
	recs, err := t.store.ListForeshadowByBranch(ctx, novelID, branchID)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(recs))
	for _, r := range recs {
		if r.Status.Active() {
			out = append(out, r)
		}
	}
	return out, nil
}

// Overdue returns active threads whose resolution deadline is strictly before
// currentUnit. The Plan stage treats these as mandatory handling targets.
func (t *Tracker) Overdue(ctx context.Context, novelID, branchID string, currentUnit int) ([]*Record, error) {
	recs, err := t.Active(ctx, novelID, branchID)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(recs))
	for _, r := range recs {
		if r.Overdue(currentUnit) {
			out = append(out, r)
		}
	}
	return out, nil
}

// DueSoon returns active threads whose deadline falls within the lookahead
// window. Injected as soft guidance only when nothing is overdue.
func (t *Tracker) DueSoon(ctx context.Context, novelID, branchID string, currentUnit, lookahead int) ([]*Record, error) {
	recs, err := t.Active(ctx, novelID, branchID)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(recs))
	for _, r := range recs {
		if r.DueSoon(currentUnit, lookahead) {
			out = append(out, r)
		}
	}
	return out, nil
}
