package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ebakumov/inkwell/internal/foreshadow"
	"github.com/ebakumov/inkwell/internal/provider"
	"github.com/ebakumov/inkwell/internal/runstate"
	"github.com/ebakumov/inkwell/internal/store"
)

func (e *Engine) stageLoadContext(ctx context.Context, st *runstate.RunState) error {
	rc, err := e.store.LoadRunContext(ctx, st.NovelID, st.BranchID)
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}
	st.PlotIndex = rc.PlotIndex
	st.Characters = rc.Characters
	if st.Characters == nil {
		st.Characters = map[string]runstate.CharacterSnapshot{}
	}
	st.WorldItems = rc.WorldItems
	st.Foreshadowing = rc.Foreshadowing
	st.RecentSummaries = rc.RecentSummaries
	return nil
}

// stagePlan produces the scene/conflict/instruction triple. Overdue
// foreshadowing records become a mandatory handling block in the planner
// prompt; due-soon records become soft guidance only when nothing is
// overdue. The coherence sub-retry is internal and never touches the run
// retry counter.
func (e *Engine) stagePlan(ctx context.Context, st *runstate.RunState) error {
	overdue, dueSoon, err := e.foreshadowQueues(ctx, st)
	if err != nil {
		return err
	}

	base := plannerPrompt(st, overdue, dueSoon)
	var lastErr error
	for attempt := 0; attempt < e.cfg.PlanRetries; attempt++ {
		prompt := base
		if attempt > 0 {
			prompt += fmt.Sprintf("\n\nPrevious plan attempt %d was incomplete. Return all three fields.", attempt)
		}
		resp, err := e.callProvider(ctx, "plan", e.request(prompt), false)
		if err != nil {
			return err
		}
		plan, err := decodePlan(resp.Text)
		if err != nil {
			lastErr = err
			e.emit(map[string]any{
				"type": "warning", "run_id": st.RunID,
				"reason": fmt.Sprintf("plan attempt %d failed coherence: %v", attempt+1, err),
			})
			continue
		}
		st.Plan = plan
		return nil
	}
	return fmt.Errorf("plan failed coherence check after %d attempts: %w", e.cfg.PlanRetries, lastErr)
}

func (e *Engine) foreshadowQueues(ctx context.Context, st *runstate.RunState) (overdue, dueSoon []*foreshadow.Record, err error) {
	if e.tracker == nil {
		return nil, nil, nil
	}
	overdue, err = e.tracker.Overdue(ctx, st.NovelID, st.BranchID, st.PlotIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("overdue foreshadowing: %w", err)
	}
	if len(overdue) > 0 {
		return overdue, nil, nil
	}
	dueSoon, err = e.tracker.DueSoon(ctx, st.NovelID, st.BranchID, st.PlotIndex, e.cfg.DueSoonLookahead)
	if err != nil {
		return nil, nil, fmt.Errorf("due-soon foreshadowing: %w", err)
	}
	return nil, dueSoon, nil
}

func plannerPrompt(st *runstate.RunState, overdue, dueSoon []*foreshadow.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan chapter %d of novel %s.\n", st.PlotIndex+1, st.NovelID)
	if len(st.RecentSummaries) > 0 {
		b.WriteString("\nRecent chapters:\n")
		for _, s := range st.RecentSummaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(st.Characters) > 0 {
		b.WriteString("\nCharacters:\n")
		for _, c := range st.Characters {
			fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Summary)
		}
	}
	if len(overdue) > 0 {
		b.WriteString("\nMANDATORY: this chapter must address the following overdue threads:\n")
		for _, r := range overdue {
			fmt.Fprintf(&b, "- [%s] %s (planted at chapter %d, importance %d)\n", r.ID, r.Content, r.PlantedAt+1, r.Importance)
		}
	} else if len(dueSoon) > 0 {
		b.WriteString("\nConsider advancing these threads if they fit naturally:\n")
		for _, r := range dueSoon {
			fmt.Fprintf(&b, "- [%s] %s\n", r.ID, r.Content)
		}
	}
	b.WriteString("\nRespond with a JSON object: {\"scene\": ..., \"conflict\": ..., \"instruction\": ...}")
	return b.String()
}

// decodePlan enforces the coherence check: all three fields present and
// non-empty.
func decodePlan(raw string) (runstate.Plan, error) {
	body := provider.FirstJSONObject(raw)
	if body == "" {
		return runstate.Plan{}, fmt.Errorf("no JSON object in plan output")
	}
	var p runstate.Plan
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return runstate.Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	p.Scene = strings.TrimSpace(p.Scene)
	p.Conflict = strings.TrimSpace(p.Conflict)
	p.Instruction = strings.TrimSpace(p.Instruction)
	if p.Scene == "" || p.Conflict == "" || p.Instruction == "" {
		return runstate.Plan{}, fmt.Errorf("plan is missing scene, conflict, or instruction")
	}
	return p, nil
}

// stageRefineContext enriches the writing instruction with retrieved
// passages. Any search failure degrades to the unenriched instruction; the
// run never fails here.
func (e *Engine) stageRefineContext(ctx context.Context, st *runstate.RunState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.search == nil {
		return nil
	}
	snippets, err := e.search.Similar(ctx, st.NovelID, st.Plan.Instruction, 3)
	if err != nil {
		e.emit(map[string]any{
			"type": "warning", "run_id": st.RunID,
			"reason": "similarity search failed, continuing unenriched: " + err.Error(),
		})
		return nil
	}
	if len(snippets) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(st.Plan.Instruction)
	b.WriteString("\n\nRelevant passages for continuity:\n")
	for _, s := range snippets {
		fmt.Fprintf(&b, "- (%s) %s\n", s.Source, s.Text)
	}
	st.Plan.Instruction = b.String()
	return nil
}

func (e *Engine) stageWrite(ctx context.Context, st *runstate.RunState) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Write chapter %d.\nScene: %s\nConflict: %s\n\n%s\n", st.PlotIndex+1, st.Plan.Scene, st.Plan.Conflict, st.Plan.Instruction)
	if st.Feedback != "" {
		fmt.Fprintf(&b, "\nRevise to address this feedback:\n%s\n", st.Feedback)
	}
	resp, err := e.callProvider(ctx, "", e.request(b.String()), true)
	if err != nil {
		return err
	}
	st.Draft = resp.Text
	return nil
}

// stageReview classifies the draft. Unparseable review output degrades to
// the default verdict rather than failing the run.
func (e *Engine) stageReview(ctx context.Context, st *runstate.RunState) (runstate.Verdict, error) {
	prompt := fmt.Sprintf(
		"Review the draft below against the plan.\nScene: %s\nConflict: %s\n\nDraft:\n%s\n\nRespond with a JSON object: {\"verdict\": one of passed|logic_error|character_consistency_error|style_error|other_error, \"feedback\": ..., \"scores\": {...}}",
		st.Plan.Scene, st.Plan.Conflict, st.Draft,
	)
	resp, err := e.callProvider(ctx, "review", e.request(prompt), false)
	if err != nil {
		return "", err
	}
	result, err := provider.DecodeVerdict(resp.Text)
	if err != nil {
		e.emit(map[string]any{
			"type": "warning", "run_id": st.RunID,
			"reason": "review output unparseable, degrading to default verdict: " + err.Error(),
		})
		result = provider.DefaultVerdict(err.Error())
	}
	st.RecordFeedback(result.Feedback)
	return result.Verdict, nil
}

// stageRepair is the single forced corrective rewrite. It always proceeds to
// Evolve regardless of how the rewrite turns out; the repaired draft is not
// re-reviewed.
func (e *Engine) stageRepair(ctx context.Context, st *runstate.RunState) error {
	prompt := fmt.Sprintf(
		"Rewrite the draft below, correcting every issue raised. This is the final pass.\n\nIssues:\n%s\n\nDraft:\n%s",
		st.AccumulatedFeedback(), st.Draft,
	)
	resp, err := e.callProvider(ctx, "", e.request(prompt), false)
	if err != nil {
		return err
	}
	st.Draft = resp.Text
	return nil
}

// evolveDoc is the delta document the Evolve stage asks the provider for.
type evolveDoc struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Advance []struct {
		ID   string `json:"id"`
		Note string `json:"note"`
	} `json:"advance"`
	Resolve []struct {
		ID       string `json:"id"`
		Quality  *int   `json:"quality"`
		Feedback string `json:"feedback"`
	} `json:"resolve"`
	Plant []struct {
		Content           string   `json:"content"`
		Kind              string   `json:"kind"`
		ExpectedResolveAt *int     `json:"expected_resolve_at"`
		Importance        int      `json:"importance"`
		RelatedEntities   []string `json:"related_entities"`
	} `json:"plant"`
	Characters map[string]runstate.CharacterSnapshot `json:"characters"`
	WorldItems []runstate.WorldItem                  `json:"world_items"`
}

// stageEvolve extracts the committed draft's consequences: character and
// world updates, and foreshadowing mutations applied through the tracker.
// An unparseable delta document degrades to no deltas; the chapter still
// commits.
func (e *Engine) stageEvolve(ctx context.Context, st *runstate.RunState) error {
	prompt := fmt.Sprintf(
		"Extract the consequences of the chapter below as a JSON object with keys title, summary, advance, resolve, plant, characters, world_items.\n\nActive threads:\n%s\nChapter:\n%s",
		foreshadowList(st.Foreshadowing), st.Draft,
	)
	resp, err := e.callProvider(ctx, "evolve", e.request(prompt), false)
	if err != nil {
		return err
	}

	var doc evolveDoc
	if body := provider.FirstJSONObject(resp.Text); body != "" {
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			e.emit(map[string]any{
				"type": "warning", "run_id": st.RunID,
				"reason": "evolve deltas unparseable, committing without deltas: " + err.Error(),
			})
			doc = evolveDoc{}
		}
	} else {
		e.emit(map[string]any{
			"type": "warning", "run_id": st.RunID,
			"reason": "evolve output had no JSON object, committing without deltas",
		})
	}

	st.Title = strings.TrimSpace(doc.Title)
	st.Summary = strings.TrimSpace(doc.Summary)

	for id, snap := range doc.Characters {
		if snap.ID == "" {
			snap.ID = id
		}
		st.Characters[id] = snap
	}
	st.WorldItems = append(st.WorldItems, doc.WorldItems...)

	if e.tracker != nil {
		for _, a := range doc.Advance {
			if _, err := e.tracker.Advance(ctx, a.ID, st.PlotIndex, a.Note); err != nil {
				e.emit(map[string]any{"type": "warning", "run_id": st.RunID, "reason": "advance foreshadow: " + err.Error()})
			}
		}
		for _, r := range doc.Resolve {
			if _, err := e.tracker.Resolve(ctx, r.ID, st.PlotIndex, r.Quality, r.Feedback); err != nil {
				e.emit(map[string]any{"type": "warning", "run_id": st.RunID, "reason": "resolve foreshadow: " + err.Error()})
			}
		}
		for _, p := range doc.Plant {
			_, err := e.tracker.Create(ctx, foreshadow.CreateParams{
				NovelID: st.NovelID, BranchID: st.BranchID,
				Content: p.Content, Kind: p.Kind,
				PlantedAt: st.PlotIndex, ExpectedResolveAt: p.ExpectedResolveAt,
				Importance: p.Importance, RelatedEntities: p.RelatedEntities,
			})
			if err != nil {
				e.emit(map[string]any{"type": "warning", "run_id": st.RunID, "reason": "plant foreshadow: " + err.Error()})
			}
		}
		recs, err := e.store.ListForeshadowByBranch(ctx, st.NovelID, st.BranchID)
		if err != nil {
			return fmt.Errorf("reload foreshadowing: %w", err)
		}
		st.Foreshadowing = recs
	}
	return nil
}

func foreshadowList(recs []*foreshadow.Record) string {
	var b strings.Builder
	for _, r := range recs {
		if r.Status.Active() {
			fmt.Fprintf(&b, "- [%s] %s\n", r.ID, r.Content)
		}
	}
	return b.String()
}

// stageFinalize commits the chapter atomically and resets the per-chapter
// retry budget. The commit is the point of no return: caller cancellation is
// deliberately not honored once it starts.
func (e *Engine) stageFinalize(ctx context.Context, st *runstate.RunState) (string, error) {
	title := st.Title
	if title == "" {
		title = fmt.Sprintf("Chapter %d", st.PlotIndex+1)
	}
	summary := st.Summary
	if summary == "" {
		summary = firstSentence(st.Draft)
	}
	commit := &store.ChapterCommit{
		NovelID:       st.NovelID,
		BranchID:      st.BranchID,
		PlotIndex:     st.PlotIndex,
		Title:         title,
		Body:          st.Draft,
		Summary:       summary,
		Characters:    st.Characters,
		WorldItems:    st.WorldItems,
		Foreshadowing: st.Foreshadowing,
	}
	chapterID, err := e.store.CommitChapter(context.WithoutCancel(ctx), commit)
	if err != nil {
		return "", fmt.Errorf("commit chapter: %w", err)
	}
	st.RetryCount = 0
	st.PlotIndex++
	st.Feedback = ""
	st.FeedbackLog = nil
	return chapterID, nil
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			return s[:i+1]
		}
	}
	if len(s) > 200 {
		cut := 200
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut]
	}
	return s
}

func (e *Engine) request(prompt string) *provider.Request {
	return &provider.Request{
		Messages:    []provider.Message{{Role: "user", Content: prompt}},
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	}
}
