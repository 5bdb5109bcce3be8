package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/savecontext/savecontext/internal/git"
	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

type checkpointCreateArgs struct {
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	IncludeGit        bool     `json:"include_git,omitempty"`
	IncludeTags       []string `json:"include_tags,omitempty"`
	IncludeKeys       []string `json:"include_keys,omitempty"`
	IncludeCategories []string `json:"include_categories,omitempty"`
	ExcludeTags       []string `json:"exclude_tags,omitempty"`
}

func (c *Conn) handleCheckpointCreate(ctx context.Context, raw json.RawMessage) *Envelope {
	var args checkpointCreateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.Name == "" {
		return fail(storage.Validationf("checkpoint name is required"))
	}
	sess, err := c.requireSession(ctx)
	if err != nil {
		return fail(err)
	}

	cp := &types.Checkpoint{
		SessionID:   sess.ID,
		Name:        args.Name,
		Description: args.Description,
	}
	if args.IncludeGit {
		if st := git.Status(ctx, sess.ProjectPath); st != nil {
			cp.GitBranch = st.Branch
			cp.GitStatus = git.Summarize(st)
		}
	}

	var filters *storage.CheckpointFilters
	if len(args.IncludeTags)+len(args.IncludeKeys)+len(args.IncludeCategories)+len(args.ExcludeTags) > 0 {
		filters = &storage.CheckpointFilters{
			IncludeTags:       args.IncludeTags,
			IncludeKeys:       args.IncludeKeys,
			IncludeCategories: toCategories(args.IncludeCategories),
			ExcludeTags:       args.ExcludeTags,
		}
	}
	if err := c.srv.store.CreateCheckpoint(ctx, cp, filters); err != nil {
		return fail(err)
	}
	return ok(cp, fmt.Sprintf("checkpoint %s captured %d items", cp.Name, cp.ItemCount))
}

type checkpointRestoreArgs struct {
	CheckpointID      string   `json:"checkpoint_id"`
	CheckpointName    string   `json:"checkpoint_name"`
	RestoreTags       []string `json:"restore_tags,omitempty"`
	RestoreCategories []string `json:"restore_categories,omitempty"`
}

// handleCheckpointRestore copies checkpoint items into the current
// session. Colliding keys are overwritten.
func (c *Conn) handleCheckpointRestore(ctx context.Context, raw json.RawMessage) *Envelope {
	var args checkpointRestoreArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	sess, err := c.requireSession(ctx)
	if err != nil {
		return fail(err)
	}
	cp, env := c.verifiedCheckpoint(ctx, args.CheckpointID, args.CheckpointName)
	if env != nil {
		return env
	}
	restored, err := c.srv.store.RestoreCheckpoint(ctx, cp.ID, sess.ID, storage.RestoreOptions{
		RestoreTags:       args.RestoreTags,
		RestoreCategories: toCategories(args.RestoreCategories),
	})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]int{"restored": restored}, fmt.Sprintf("restored %d items from %s", restored, cp.Name))
}

type checkpointItemsArgs struct {
	CheckpointID string   `json:"checkpoint_id"`
	ItemIDs      []string `json:"item_ids"`
}

func (c *Conn) handleCheckpointAddItems(ctx context.Context, raw json.RawMessage) *Envelope {
	var args checkpointItemsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.CheckpointID == "" || len(args.ItemIDs) == 0 {
		return fail(storage.Validationf("checkpoint_id and item_ids are required"))
	}
	cp, err := c.srv.store.AddCheckpointItems(ctx, args.CheckpointID, args.ItemIDs)
	if err != nil {
		return fail(err)
	}
	return ok(cp, fmt.Sprintf("checkpoint now holds %d items", cp.ItemCount))
}

func (c *Conn) handleCheckpointRemoveItems(ctx context.Context, raw json.RawMessage) *Envelope {
	var args checkpointItemsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.CheckpointID == "" || len(args.ItemIDs) == 0 {
		return fail(storage.Validationf("checkpoint_id and item_ids are required"))
	}
	cp, err := c.srv.store.RemoveCheckpointItems(ctx, args.CheckpointID, args.ItemIDs)
	if err != nil {
		return fail(err)
	}
	return ok(cp, fmt.Sprintf("checkpoint now holds %d items", cp.ItemCount))
}

type checkpointSplitArgs struct {
	SourceID   string      `json:"source_id"`
	SourceName string      `json:"source_name"`
	Splits     []splitSpec `json:"splits"`
}

type splitSpec struct {
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	IncludeTags       []string `json:"include_tags,omitempty"`
	IncludeCategories []string `json:"include_categories,omitempty"`
}

type splitResult struct {
	Checkpoint *types.Checkpoint `json:"checkpoint"`
	Warning    string            `json:"warning,omitempty"`
}

func (c *Conn) handleCheckpointSplit(ctx context.Context, raw json.RawMessage) *Envelope {
	var args checkpointSplitArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if len(args.Splits) == 0 {
		return fail(storage.Validationf("at least one split is required"))
	}
	cp, env := c.verifiedCheckpoint(ctx, args.SourceID, args.SourceName)
	if env != nil {
		return env
	}

	specs := make([]storage.SplitSpec, len(args.Splits))
	for i, s := range args.Splits {
		specs[i] = storage.SplitSpec{
			Name:              s.Name,
			Description:       s.Description,
			IncludeTags:       s.IncludeTags,
			IncludeCategories: toCategories(s.IncludeCategories),
		}
	}
	results, err := c.srv.store.SplitCheckpoint(ctx, cp.ID, specs)
	if err != nil {
		return fail(err)
	}
	out := make([]splitResult, len(results))
	for i, r := range results {
		out[i] = splitResult{Checkpoint: r.Checkpoint, Warning: r.Warning}
	}
	return ok(out, fmt.Sprintf("split %s into %d checkpoints", cp.Name, len(out)))
}

type checkpointDeleteArgs struct {
	CheckpointID   string `json:"checkpoint_id"`
	CheckpointName string `json:"checkpoint_name"`
}

func (c *Conn) handleCheckpointDelete(ctx context.Context, raw json.RawMessage) *Envelope {
	var args checkpointDeleteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	cp, env := c.verifiedCheckpoint(ctx, args.CheckpointID, args.CheckpointName)
	if env != nil {
		return env
	}
	if err := c.srv.store.DeleteCheckpoint(ctx, cp.ID); err != nil {
		return fail(err)
	}
	return ok(nil, "deleted checkpoint "+cp.Name)
}

type checkpointListArgs struct {
	SessionID   string `json:"session_id,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// checkpointSummary is the lightweight listing shape.
type checkpointSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SessionName string `json:"session_name,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
	ItemCount   int    `json:"item_count"`
	CreatedAt   int64  `json:"created_at"`
}

type checkpointListResult struct {
	Checkpoints  []checkpointSummary `json:"checkpoints"`
	TotalMatches int                 `json:"total_matches"`
}

func (c *Conn) handleCheckpointList(ctx context.Context, raw json.RawMessage) *Envelope {
	var args checkpointListArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	sessionID := args.SessionID
	if sessionID == "" && args.ProjectPath == "" {
		sess, err := c.currentSession(ctx)
		if err != nil {
			return fail(storage.Validationf("no active session; pass session_id or project_path"))
		}
		sessionID = sess.ID
	}
	cps, err := c.srv.store.ListCheckpoints(ctx, sessionID, args.ProjectPath, args.Limit)
	if err != nil {
		return fail(err)
	}

	names := map[string]string{}
	summaries := make([]checkpointSummary, len(cps))
	for i, cp := range cps {
		name, cached := names[cp.SessionID]
		if !cached {
			if sess, err := c.srv.store.GetSession(ctx, cp.SessionID); err == nil {
				name = sess.Name
			}
			names[cp.SessionID] = name
		}
		summaries[i] = checkpointSummary{
			ID:          cp.ID,
			Name:        cp.Name,
			SessionName: name,
			ProjectPath: args.ProjectPath,
			ItemCount:   cp.ItemCount,
			CreatedAt:   cp.CreatedAt,
		}
	}
	return ok(checkpointListResult{Checkpoints: summaries, TotalMatches: len(summaries)}, "")
}

type checkpointGetArgs struct {
	CheckpointID string `json:"checkpoint_id"`
}

type checkpointGetResult struct {
	Checkpoint *types.Checkpoint    `json:"checkpoint"`
	Preview    []*types.ContextItem `json:"preview,omitempty"`
}

// handleCheckpointGet returns the full record plus a preview of up to 5
// highest-priority items.
func (c *Conn) handleCheckpointGet(ctx context.Context, raw json.RawMessage) *Envelope {
	var args checkpointGetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.CheckpointID == "" {
		return fail(storage.Validationf("checkpoint_id is required"))
	}
	cp, err := c.srv.store.GetCheckpoint(ctx, args.CheckpointID)
	if err != nil {
		return fail(err)
	}
	items, err := c.srv.store.GetCheckpointItems(ctx, cp.ID)
	if err != nil {
		return fail(err)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return priorityRank(items[i].Priority) < priorityRank(items[j].Priority)
	})
	if len(items) > 5 {
		items = items[:5]
	}
	return ok(checkpointGetResult{Checkpoint: cp, Preview: items}, "")
}

// verifiedCheckpoint loads a checkpoint and enforces the name-verification
// pattern for destructive operations.
func (c *Conn) verifiedCheckpoint(ctx context.Context, id, name string) (*types.Checkpoint, *Envelope) {
	if id == "" {
		return nil, fail(storage.Validationf("checkpoint_id is required"))
	}
	cp, err := c.srv.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, fail(err)
	}
	if name != cp.Name {
		return nil, fail(storage.Validationf("checkpoint_name %q does not match %q", name, cp.Name))
	}
	return cp, nil
}

func toCategories(raw []string) []types.Category {
	if len(raw) == 0 {
		return nil
	}
	cats := make([]types.Category, len(raw))
	for i, r := range raw {
		cats[i] = types.Category(r)
	}
	return cats
}

func priorityRank(p types.Priority) int {
	switch p {
	case types.PriorityHigh:
		return 0
	case types.PriorityNormal:
		return 1
	default:
		return 2
	}
}
