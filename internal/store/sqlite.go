package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ebakumov/inkwell/internal/foreshadow"
	"github.com/ebakumov/inkwell/internal/runstate"
)

// recentSummaryCount is how many prior chapter summaries LoadRunContext pulls
// into the run snapshot.
const recentSummaryCount = 3

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// In-memory SQLite gives every connection its own database. Pin to one
	// connection so schema and data stay visible across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS branches (
			novel_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			plot_index INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (novel_id, branch_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chapters (
			chapter_id TEXT PRIMARY KEY,
			novel_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			plot_index INTEGER NOT NULL,
			title TEXT,
			body TEXT NOT NULL,
			summary TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_chapters_branch_pos
			ON chapters(novel_id, branch_id, plot_index)`,
		`CREATE TABLE IF NOT EXISTS characters (
			novel_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (novel_id, branch_id, character_id)
		)`,
		`CREATE TABLE IF NOT EXISTS world_items (
			novel_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (novel_id, branch_id, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS foreshadowing (
			id TEXT PRIMARY KEY,
			novel_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_foreshadowing_branch
			ON foreshadowing(novel_id, branch_id, status)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			novel_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			status TEXT NOT NULL,
			plot_index INTEGER NOT NULL DEFAULT 0,
			chapter_id TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_branch ON runs(novel_id, branch_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			ts DATETIME NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, ts)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- run context ---

func (s *SQLiteStore) LoadRunContext(ctx context.Context, novelID, branchID string) (*RunContext, error) {
	rc := &RunContext{Characters: map[string]runstate.CharacterSnapshot{}}

	err := sq.Select("plot_index").From("branches").
		Where(sq.Eq{"novel_id": novelID, "branch_id": branchID}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&rc.PlotIndex)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load branch: %w", err)
	}

	rows, err := sq.Select("character_id", "snapshot").From("characters").
		Where(sq.Eq{"novel_id": novelID, "branch_id": branchID}).
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("load characters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var snap runstate.CharacterSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("decode character %s: %w", id, err)
		}
		rc.Characters[id] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	itemRows, err := sq.Select("payload").From("world_items").
		Where(sq.Eq{"novel_id": novelID, "branch_id": branchID}).
		OrderBy("item_id").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("load world items: %w", err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var raw string
		if err := itemRows.Scan(&raw); err != nil {
			return nil, err
		}
		var item runstate.WorldItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decode world item: %w", err)
		}
		rc.WorldItems = append(rc.WorldItems, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	recs, err := s.ListForeshadowByBranch(ctx, novelID, branchID)
	if err != nil {
		return nil, err
	}
	rc.Foreshadowing = recs

	sumRows, err := sq.Select("summary").From("chapters").
		Where(sq.Eq{"novel_id": novelID, "branch_id": branchID}).
		OrderBy("plot_index DESC").Limit(recentSummaryCount).
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	defer sumRows.Close()
	for sumRows.Next() {
		var summary sql.NullString
		if err := sumRows.Scan(&summary); err != nil {
			return nil, err
		}
		if summary.Valid && summary.String != "" {
			rc.RecentSummaries = append(rc.RecentSummaries, summary.String)
		}
	}
	if err := sumRows.Err(); err != nil {
		return nil, err
	}
	// Rows came newest-first; reverse so the prompt reads in story order.
	for i, j := 0, len(rc.RecentSummaries)-1; i < j; i, j = i+1, j-1 {
		rc.RecentSummaries[i], rc.RecentSummaries[j] = rc.RecentSummaries[j], rc.RecentSummaries[i]
	}

	return rc, nil
}

// --- chapter commit ---

func (s *SQLiteStore) CommitChapter(ctx context.Context, commit *ChapterCommit) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback()

	chapterID := "ch_" + uuid.New().String()[:8]
	now := time.Now().UTC()

	_, err = sq.Insert("chapters").
		Columns("chapter_id", "novel_id", "branch_id", "plot_index", "title", "body", "summary", "created_at").
		Values(chapterID, commit.NovelID, commit.BranchID, commit.PlotIndex, commit.Title, commit.Body, commit.Summary, now).
		RunWith(tx).ExecContext(ctx)
	if err != nil {
		return "", fmt.Errorf("insert chapter: %w", err)
	}

	for id, snap := range commit.Characters {
		raw, err := json.Marshal(snap)
		if err != nil {
			return "", fmt.Errorf("encode character %s: %w", id, err)
		}
		_, err = sq.Insert("characters").
			Columns("novel_id", "branch_id", "character_id", "snapshot", "updated_at").
			Values(commit.NovelID, commit.BranchID, id, string(raw), now).
			Suffix("ON CONFLICT(novel_id, branch_id, character_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at").
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return "", fmt.Errorf("upsert character %s: %w", id, err)
		}
	}

	for _, item := range commit.WorldItems {
		raw, err := json.Marshal(item)
		if err != nil {
			return "", fmt.Errorf("encode world item %s: %w", item.ID, err)
		}
		_, err = sq.Insert("world_items").
			Columns("novel_id", "branch_id", "item_id", "payload", "updated_at").
			Values(commit.NovelID, commit.BranchID, item.ID, string(raw), now).
			Suffix("ON CONFLICT(novel_id, branch_id, item_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at").
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return "", fmt.Errorf("upsert world item %s: %w", item.ID, err)
		}
	}

	for _, rec := range commit.Foreshadowing {
		if err := putForeshadowTx(ctx, tx, rec); err != nil {
			return "", err
		}
	}

	_, err = sq.Insert("branches").
		Columns("novel_id", "branch_id", "plot_index").
		Values(commit.NovelID, commit.BranchID, commit.PlotIndex+1).
		Suffix("ON CONFLICT(novel_id, branch_id) DO UPDATE SET plot_index = excluded.plot_index").
		RunWith(tx).ExecContext(ctx)
	if err != nil {
		return "", fmt.Errorf("advance branch position: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit chapter tx: %w", err)
	}
	return chapterID, nil
}

// --- foreshadowing ---

func putForeshadowTx(ctx context.Context, runner sq.BaseRunner, rec *foreshadow.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode foreshadow %s: %w", rec.ID, err)
	}
	_, err = sq.Insert("foreshadowing").
		Columns("id", "novel_id", "branch_id", "status", "payload", "updated_at").
		Values(rec.ID, rec.NovelID, rec.BranchID, string(rec.Status), string(raw), rec.UpdatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET status = excluded.status, payload = excluded.payload, updated_at = excluded.updated_at").
		RunWith(runner).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("upsert foreshadow %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) PutForeshadow(ctx context.Context, rec *foreshadow.Record) error {
	return putForeshadowTx(ctx, s.db, rec)
}

func (s *SQLiteStore) GetForeshadow(ctx context.Context, id string) (*foreshadow.Record, error) {
	var raw string
	err := sq.Select("payload").From("foreshadowing").
		Where(sq.Eq{"id": id}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load foreshadow %s: %w", id, err)
	}
	var rec foreshadow.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode foreshadow %s: %w", id, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) ListForeshadowByBranch(ctx context.Context, novelID, branchID string) ([]*foreshadow.Record, error) {
	rows, err := sq.Select("payload").From("foreshadowing").
		Where(sq.Eq{"novel_id": novelID, "branch_id": branchID}).
		OrderBy("updated_at").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list foreshadowing: %w", err)
	}
	defer rows.Close()
	var out []*foreshadow.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec foreshadow.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode foreshadow: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// --- runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := sq.Insert("runs").
		Columns("run_id", "novel_id", "branch_id", "status", "plot_index", "attempt", "started_at").
		Values(run.RunID, run.NovelID, run.BranchID, string(run.Status), run.PlotIndex, run.Attempt, run.StartedAt).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	_, err := sq.Update("runs").Set("status", string(status)).
		Where(sq.Eq{"run_id": runID}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status RunStatus, chapterID, errMsg string) error {
	_, err := sq.Update("runs").
		Set("status", string(status)).
		Set("chapter_id", chapterID).
		Set("error", errMsg).
		Set("ended_at", time.Now().UTC()).
		Where(sq.Eq{"run_id": runID}).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	var status string
	var chapterID, errMsg sql.NullString
	var endedAt sql.NullTime
	err := sq.Select("run_id", "novel_id", "branch_id", "status", "plot_index", "chapter_id", "attempt", "error", "started_at", "ended_at").
		From("runs").Where(sq.Eq{"run_id": runID}).
		RunWith(s.db).QueryRowContext(ctx).
		Scan(&run.RunID, &run.NovelID, &run.BranchID, &status, &run.PlotIndex, &chapterID, &run.Attempt, &errMsg, &run.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Status = RunStatus(status)
	run.ChapterID = chapterID.String
	run.Error = errMsg.String
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	return &run, nil
}

// --- run events ---

func (s *SQLiteStore) AppendRunEvent(ctx context.Context, ev *RunEvent) error {
	if ev.EventID == "" {
		ev.EventID = "ev_" + uuid.New().String()[:8]
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	_, err := sq.Insert("run_events").
		Columns("event_id", "run_id", "ts", "type", "payload").
		Values(ev.EventID, ev.RunID, ev.TS, ev.Type, string(ev.Payload)).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRunEvents(ctx context.Context, runID string) ([]*RunEvent, error) {
	rows, err := sq.Select("event_id", "run_id", "ts", "type", "payload").
		From("run_events").Where(sq.Eq{"run_id": runID}).
		OrderBy("ts").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()
	var out []*RunEvent
	for rows.Next() {
		var ev RunEvent
		var payload sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.TS, &ev.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
