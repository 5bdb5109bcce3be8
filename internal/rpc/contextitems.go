package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/savecontext/savecontext/internal/git"
	"github.com/savecontext/savecontext/internal/search"
	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

type contextSaveArgs struct {
	Key      string   `json:"key"`
	Value    string   `json:"value"`
	Category string   `json:"category,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Channel  string   `json:"channel,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// handleContextSave persists one item into the current session and
// schedules it for embedding.
func (c *Conn) handleContextSave(ctx context.Context, raw json.RawMessage) *Envelope {
	var args contextSaveArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	sess, err := c.requireSession(ctx)
	if err != nil {
		return fail(err)
	}

	channel := sess.Channel
	if args.Channel != "" {
		if !types.ValidChannel(args.Channel) {
			return fail(storage.Validationf("invalid channel %q", args.Channel))
		}
		channel = args.Channel
	}

	item := &types.ContextItem{
		SessionID: sess.ID,
		Key:       args.Key,
		Value:     args.Value,
		Category:  types.Category(args.Category),
		Priority:  types.Priority(args.Priority),
		Channel:   channel,
		Tags:      args.Tags,
	}
	created, err := c.srv.store.SaveContextItem(ctx, item)
	if err != nil {
		return fail(err)
	}
	if c.srv.opts.Pipeline != nil {
		c.srv.opts.Pipeline.Enqueue(item.ID)
	}
	msg := "updated " + item.Key
	if created {
		msg = "saved " + item.Key
	}
	return ok(item, msg)
}

type contextKeyArgs struct {
	Key       string `json:"key"`
	SessionID string `json:"session_id,omitempty"`
}

func (c *Conn) handleContextGet(ctx context.Context, raw json.RawMessage) *Envelope {
	var args contextKeyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.Key == "" {
		return fail(storage.Validationf("key is required"))
	}
	sess, env := c.sessionByIDOrCurrent(ctx, args.SessionID)
	if env != nil {
		return env
	}
	item, err := c.srv.store.GetContextItem(ctx, sess.ID, args.Key)
	if err != nil {
		return fail(err)
	}
	return ok(item, "")
}

type contextListArgs struct {
	SessionID  string   `json:"session_id,omitempty"`
	Category   string   `json:"category,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Channel    string   `json:"channel,omitempty"`
	KeyPattern string   `json:"key_pattern,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Offset     int      `json:"offset,omitempty"`
}

func (c *Conn) handleContextList(ctx context.Context, raw json.RawMessage) *Envelope {
	var args contextListArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	sess, env := c.sessionByIDOrCurrent(ctx, args.SessionID)
	if env != nil {
		return env
	}
	items, err := c.srv.store.ListContextItems(ctx, storage.ContextFilter{
		SessionID:  sess.ID,
		Category:   types.Category(args.Category),
		Priority:   types.Priority(args.Priority),
		Channel:    args.Channel,
		KeyPattern: args.KeyPattern,
		Tags:       args.Tags,
		Limit:      args.Limit,
		Offset:     args.Offset,
	})
	if err != nil {
		return fail(err)
	}
	return ok(items, "")
}

func (c *Conn) handleContextDelete(ctx context.Context, raw json.RawMessage) *Envelope {
	var args contextKeyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.Key == "" {
		return fail(storage.Validationf("key is required"))
	}
	sess, err := c.requireSession(ctx)
	if err != nil {
		return fail(err)
	}
	if err := c.srv.store.DeleteContextItem(ctx, sess.ID, args.Key); err != nil {
		return fail(err)
	}
	return ok(nil, "deleted "+args.Key)
}

type contextTagArgs struct {
	Keys       []string `json:"keys,omitempty"`
	KeyPattern string   `json:"key_pattern,omitempty"`
	Tags       []string `json:"tags"`
	Action     string   `json:"action"` // add | remove
}

func (c *Conn) handleContextTag(ctx context.Context, raw json.RawMessage) *Envelope {
	var args contextTagArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if len(args.Tags) == 0 {
		return fail(storage.Validationf("tags are required"))
	}
	if args.Action != "add" && args.Action != "remove" {
		return fail(storage.Validationf("action must be add or remove"))
	}
	if len(args.Keys) == 0 && args.KeyPattern == "" {
		return fail(storage.Validationf("keys or key_pattern is required"))
	}
	sess, err := c.requireSession(ctx)
	if err != nil {
		return fail(err)
	}
	affected, err := c.srv.store.TagContextItems(ctx, sess.ID, args.Keys, args.KeyPattern, args.Tags, args.Action == "remove")
	if err != nil {
		return fail(err)
	}
	return ok(map[string]int{"affected": affected}, fmt.Sprintf("%s tags on %d items", args.Action, affected))
}

type contextSearchArgs struct {
	Query       string   `json:"query"`
	AllSessions bool     `json:"all_sessions,omitempty"`
	Category    string   `json:"category,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Channel     string   `json:"channel,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Threshold   *float64 `json:"threshold,omitempty"`
}

func searchRequest(args contextSearchArgs, sessionID string) search.Request {
	return search.Request{
		Query:       args.Query,
		SessionID:   sessionID,
		AllSessions: args.AllSessions,
		Category:    types.Category(args.Category),
		Priority:    types.Priority(args.Priority),
		Channel:     args.Channel,
		Limit:       args.Limit,
		Threshold:   args.Threshold,
	}
}

func (c *Conn) handleContextSearch(ctx context.Context, raw json.RawMessage) *Envelope {
	var args contextSearchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if c.srv.opts.Search == nil {
		return fail(storage.Unavailablef("search is not configured"))
	}
	sessionID := ""
	if sess, err := c.currentSession(ctx); err == nil {
		sessionID = sess.ID
	}
	resp, err := c.srv.opts.Search.Search(ctx, searchRequest(args, sessionID))
	if err != nil {
		return fail(err)
	}
	return ok(resp, "")
}

type compactionArgs struct {
	Summary string `json:"summary,omitempty"`
}

type compactionResult struct {
	Checkpoint *types.Checkpoint `json:"checkpoint"`
	SummaryKey string            `json:"summary_key"`
	Summary    string            `json:"summary"`
}

// handlePrepareCompaction checkpoints the session, collects what the next
// conversation needs (high-priority items, recent decisions, unfinished
// reminders, recent progress), and persists the summary for retrieval.
func (c *Conn) handlePrepareCompaction(ctx context.Context, raw json.RawMessage) *Envelope {
	var args compactionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	sess, err := c.requireSession(ctx)
	if err != nil {
		return fail(err)
	}

	cp := &types.Checkpoint{
		SessionID:   sess.ID,
		Name:        fmt.Sprintf("pre-compact-%d", types.NowMillis()),
		Description: "automatic checkpoint before context compaction",
	}
	if st := git.Status(ctx, sess.ProjectPath); st != nil {
		cp.GitBranch = st.Branch
		cp.GitStatus = git.Summarize(st)
	}
	if err := c.srv.store.CreateCheckpoint(ctx, cp, nil); err != nil {
		return fail(err)
	}

	items, err := c.srv.store.ListContextItems(ctx, storage.ContextFilter{SessionID: sess.ID})
	if err != nil {
		return fail(err)
	}
	summary := buildCompactionSummary(sess, items, args.Summary)

	summaryKey := "compaction_summary_" + cp.ID
	summaryItem := &types.ContextItem{
		SessionID: sess.ID,
		Key:       summaryKey,
		Value:     summary,
		Category:  types.CategoryNote,
		Priority:  types.PriorityHigh,
		Channel:   sess.Channel,
		Tags:      []string{"compaction"},
	}
	if _, err := c.srv.store.SaveContextItem(ctx, summaryItem); err != nil {
		return fail(err)
	}

	return ok(compactionResult{
		Checkpoint: cp,
		SummaryKey: summaryKey,
		Summary:    summary,
	}, "checkpoint "+cp.Name+" created")
}

// buildCompactionSummary renders the carry-forward context: high-priority
// items, recent decisions, unfinished reminders, recent progress.
func buildCompactionSummary(sess *types.Session, items []*types.ContextItem, extra string) string {
	var highPriority, decisions, reminders, progress []*types.ContextItem
	for _, item := range items {
		if strings.HasPrefix(item.Key, "compaction_summary_") {
			continue
		}
		if item.Priority == types.PriorityHigh {
			highPriority = append(highPriority, item)
		}
		switch item.Category {
		case types.CategoryDecision:
			decisions = append(decisions, item)
		case types.CategoryReminder:
			if !reminderFinished(item.Value) {
				reminders = append(reminders, item)
			}
		case types.CategoryProgress:
			progress = append(progress, item)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Session: %s\n", sess.Name)
	if extra != "" {
		fmt.Fprintf(&b, "\n%s\n", extra)
	}
	writeSection(&b, "High priority", highPriority, 0)
	writeSection(&b, "Decisions", decisions, 10)
	writeSection(&b, "Unfinished reminders", reminders, 0)
	writeSection(&b, "Recent progress", progress, 10)
	return b.String()
}

// reminderFinished applies the completion heuristic for reminder values.
func reminderFinished(value string) bool {
	v := strings.ToLower(value)
	return strings.Contains(v, "[completed]") ||
		strings.Contains(v, "completed") ||
		strings.Contains(v, "done")
}

// writeSection appends the most recent entries of one category; limit 0
// means all.
func writeSection(b *strings.Builder, title string, items []*types.ContextItem, limit int) {
	if len(items) == 0 {
		return
	}
	// ListContextItems orders by priority then recency; take the head.
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	fmt.Fprintf(b, "\n## %s\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %s\n", item.Key, item.Value)
	}
}
