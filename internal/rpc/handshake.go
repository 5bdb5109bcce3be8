package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/savecontext/savecontext/internal/agent"
)

type initializeArgs struct {
	ClientInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"client_info"`
	WorkDir string `json:"work_dir,omitempty"`
}

type initializeResult struct {
	Server       string `json:"server"`
	AgentID      string `json:"agent_id"`
	Provider     string `json:"provider"`
	Instructions string `json:"instructions"`
}

// handleInitialize captures client info and returns the usage instructions
// for this agent.
func (c *Conn) handleInitialize(ctx context.Context, raw json.RawMessage) *Envelope {
	var args initializeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}

	c.mu.Lock()
	c.clientName = args.ClientInfo.Name
	c.clientVersion = args.ClientInfo.Version
	c.provider = agent.NormalizeProvider(args.ClientInfo.Name)
	if args.WorkDir != "" {
		c.workDir = args.WorkDir
	}
	provider := c.provider
	c.mu.Unlock()

	return ok(initializeResult{
		Server:       "savecontext",
		AgentID:      c.agentID(),
		Provider:     provider,
		Instructions: c.instructions(),
	}, "")
}

// instructions tell the agent when to checkpoint its context, depending on
// the configured compaction mode and threshold.
func (c *Conn) instructions() string {
	mode := c.srv.opts.CompactionMode
	threshold := c.srv.opts.CompactionThreshold
	base := "savecontext persists session context, issues, plans, and checkpoints across conversations. " +
		"Start with session_start; save important context with context_save as you work."
	switch mode {
	case "auto":
		return base + fmt.Sprintf(
			" When your context window reaches %d%% usage, call context_prepare_compaction immediately and without asking; it checkpoints the session and returns a summary to carry forward.",
			threshold)
	case "manual":
		return base + " Call context_prepare_compaction only when the user asks you to compact or hand off the session."
	default: // remind
		return base + fmt.Sprintf(
			" When your context window reaches %d%% usage, remind the user that context_prepare_compaction can checkpoint the session before compaction.",
			threshold)
	}
}
