// Package store is the persistence collaborator: branch snapshots, chapter
// commits, foreshadowing rows, and run bookkeeping.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ebakumov/inkwell/internal/foreshadow"
	"github.com/ebakumov/inkwell/internal/runstate"
)

// RunContext is the persisted snapshot a pipeline run starts from.
type RunContext struct {
	PlotIndex       int
	Characters      map[string]runstate.CharacterSnapshot
	WorldItems      []runstate.WorldItem
	Foreshadowing   []*foreshadow.Record
	RecentSummaries []string
}

// ChapterCommit carries every effect of one Evolve stage. The store applies
// it in a single transaction: chapter, character and world deltas, and
// foreshadowing mutations commit or fail together.
type ChapterCommit struct {
	NovelID   string
	BranchID  string
	PlotIndex int

	Title   string
	Body    string
	Summary string

	Characters    map[string]runstate.CharacterSnapshot
	WorldItems    []runstate.WorldItem
	Foreshadowing []*foreshadow.Record
}

type RunStatus string

const (
	RunStatusCreated  RunStatus = "CREATED"
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusDeferred RunStatus = "DEFERRED"
	RunStatusDone     RunStatus = "DONE"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusCanceled RunStatus = "CANCELLED"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusFailed || s == RunStatusCanceled
}

type Run struct {
	RunID     string
	NovelID   string
	BranchID  string
	Status    RunStatus
	PlotIndex int
	ChapterID string
	Attempt   int
	Error     string
	StartedAt time.Time
	EndedAt   *time.Time
}

// RunEvent is one append-only progress row; events survive process restarts
// so a reconnecting client can replay a run's history.
type RunEvent struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	TS      time.Time       `json:"ts"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Store interface {
	foreshadow.Store

	LoadRunContext(ctx context.Context, novelID, branchID string) (*RunContext, error)
	// CommitChapter applies the commit atomically and advances the branch's
	// plot index past the committed chapter. Returns the new chapter id.
	CommitChapter(ctx context.Context, commit *ChapterCommit) (string, error)

	CreateRun(ctx context.Context, run *Run) error
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error
	FinishRun(ctx context.Context, runID string, status RunStatus, chapterID, errMsg string) error
	GetRun(ctx context.Context, runID string) (*Run, error)

	AppendRunEvent(ctx context.Context, ev *RunEvent) error
	ListRunEvents(ctx context.Context, runID string) ([]*RunEvent, error)

	Close() error
}
