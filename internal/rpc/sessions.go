package rpc

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/savecontext/savecontext/internal/agent"
	"github.com/savecontext/savecontext/internal/git"
	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

type sessionStartArgs struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ForceNew    bool   `json:"force_new,omitempty"`
}

type sessionStartResult struct {
	Session   *types.Session `json:"session"`
	AgentID   string         `json:"agent_id"`
	Resumed   bool           `json:"resumed"`
	PathAdded bool           `json:"path_added,omitempty"`
	Warning   string         `json:"warning,omitempty"`
}

// handleSessionStart binds the agent to a session: resuming its active one
// (attaching the current path) or creating a fresh session.
func (c *Conn) handleSessionStart(ctx context.Context, raw json.RawMessage) *Envelope {
	var args sessionStartArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.Name == "" {
		return fail(storage.Validationf("session name is required"))
	}

	projectPath, err := c.resolveProjectPath(args.ProjectPath)
	if err != nil {
		return fail(err)
	}
	if _, err := c.srv.store.GetProject(ctx, projectPath); err != nil {
		return fail(storage.NotFoundf("no project registered at %s", projectPath))
	}

	c.mu.Lock()
	provider := c.provider
	c.mu.Unlock()
	branch := git.CurrentBranch(ctx, projectPath)
	agentID := agent.DeriveID(projectPath, branch, provider)

	result := sessionStartResult{AgentID: agentID}

	existing, _ := c.srv.store.GetAgent(ctx, agentID)
	if existing != nil && existing.CurrentSessionID != "" {
		current, err := c.srv.store.GetSession(ctx, existing.CurrentSessionID)
		if err == nil && current.Status == types.SessionActive {
			if args.ForceNew {
				paused := types.SessionPaused
				if _, err := c.srv.store.UpdateSession(ctx, current.ID, nil, nil, &paused, nil); err != nil {
					return fail(err)
				}
			} else {
				added, err := c.srv.store.AddSessionPath(ctx, current.ID, projectPath, false)
				if err != nil {
					return fail(err)
				}
				if err := c.bindAgent(ctx, agentID, current.ID, projectPath, branch, provider); err != nil {
					return fail(err)
				}
				current, err = c.srv.store.GetSession(ctx, current.ID)
				if err != nil {
					return fail(err)
				}
				result.Session = current
				result.Resumed = true
				result.PathAdded = added
				if args.Name != current.Name {
					result.Warning = "resumed existing session; requested name was ignored"
				}
				return ok(result, "resumed session "+current.Name)
			}
		}
	}

	channel := args.Channel
	if channel == "" {
		channel = branch
	}
	if channel == "" {
		channel = args.Name
	}
	channel = agent.DeriveChannel(channel)

	sess := &types.Session{
		Name:        args.Name,
		Description: args.Description,
		Branch:      branch,
		Channel:     channel,
		ProjectPath: projectPath,
	}
	if err := c.srv.store.CreateSession(ctx, sess); err != nil {
		return fail(err)
	}
	if err := c.bindAgent(ctx, agentID, sess.ID, projectPath, branch, provider); err != nil {
		return fail(err)
	}
	result.Session = sess
	return ok(result, "started session "+sess.Name)
}

func (c *Conn) bindAgent(ctx context.Context, agentID, sessionID, projectPath, branch, provider string) error {
	return c.srv.store.UpsertAgent(ctx, &types.Agent{
		AgentID:          agentID,
		CurrentSessionID: sessionID,
		LastProjectPath:  projectPath,
		LastBranch:       branch,
		Provider:         provider,
	})
}

type sessionStatusResult struct {
	Session *types.Session          `json:"session,omitempty"`
	Paths   []*types.SessionProject `json:"paths,omitempty"`
	AgentID string                  `json:"agent_id"`
	Bound   bool                    `json:"bound"`
}

func (c *Conn) handleSessionStatus(ctx context.Context, raw json.RawMessage) *Envelope {
	result := sessionStatusResult{AgentID: c.agentID()}
	sess, err := c.currentSession(ctx)
	if err != nil {
		return ok(result, "no active session")
	}
	paths, err := c.srv.store.GetSessionPaths(ctx, sess.ID)
	if err != nil {
		return fail(err)
	}
	result.Session = sess
	result.Paths = paths
	result.Bound = true
	return ok(result, "")
}

type sessionRenameArgs struct {
	SessionID   string `json:"session_id,omitempty"`
	CurrentName string `json:"current_name"`
	NewName     string `json:"new_name"`
}

// handleSessionRename renames after verifying the caller knows the current
// name.
func (c *Conn) handleSessionRename(ctx context.Context, raw json.RawMessage) *Envelope {
	var args sessionRenameArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.NewName == "" {
		return fail(storage.Validationf("new_name is required"))
	}
	sess, env := c.sessionByIDOrCurrent(ctx, args.SessionID)
	if env != nil {
		return env
	}
	if args.CurrentName != sess.Name {
		return fail(storage.Validationf("current_name %q does not match session name %q", args.CurrentName, sess.Name))
	}
	updated, err := c.srv.store.UpdateSession(ctx, sess.ID, &args.NewName, nil, nil, nil)
	if err != nil {
		return fail(err)
	}
	return ok(updated, "renamed session to "+args.NewName)
}

type sessionIDArgs struct {
	SessionID string `json:"session_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

func (c *Conn) handleSessionPause(ctx context.Context, raw json.RawMessage) *Envelope {
	var args sessionIDArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	sess, env := c.sessionByIDOrCurrent(ctx, args.SessionID)
	if env != nil {
		return env
	}
	paused := types.SessionPaused
	updated, err := c.srv.store.UpdateSession(ctx, sess.ID, nil, nil, &paused, nil)
	if err != nil {
		return fail(err)
	}
	return ok(updated, "paused session "+updated.Name)
}

// handleSessionResume reactivates a paused session after name verification
// and rebinds the agent to it.
func (c *Conn) handleSessionResume(ctx context.Context, raw json.RawMessage) *Envelope {
	var args sessionIDArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.SessionID == "" {
		return fail(storage.Validationf("session_id is required"))
	}
	sess, err := c.srv.store.GetSession(ctx, args.SessionID)
	if err != nil {
		return fail(err)
	}
	if args.Name != sess.Name {
		return fail(storage.Validationf("name %q does not match session name %q", args.Name, sess.Name))
	}
	if sess.Status == types.SessionCompleted {
		return fail(storage.Validationf("cannot resume a completed session"))
	}
	active := types.SessionActive
	updated, err := c.srv.store.UpdateSession(ctx, sess.ID, nil, nil, &active, nil)
	if err != nil {
		return fail(err)
	}
	if err := c.rebind(ctx, updated); err != nil {
		return fail(err)
	}
	return ok(updated, "resumed session "+updated.Name)
}

type sessionSwitchArgs struct {
	SessionID string `json:"session_id"`
}

// handleSessionSwitch pauses the current session (if any) and activates the
// target in one step.
func (c *Conn) handleSessionSwitch(ctx context.Context, raw json.RawMessage) *Envelope {
	var args sessionSwitchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.SessionID == "" {
		return fail(storage.Validationf("session_id is required"))
	}
	target, err := c.srv.store.GetSession(ctx, args.SessionID)
	if err != nil {
		return fail(err)
	}
	if target.Status == types.SessionCompleted {
		return fail(storage.Validationf("cannot switch to a completed session"))
	}

	if current, err := c.currentSession(ctx); err == nil && current.ID != target.ID && current.Status == types.SessionActive {
		paused := types.SessionPaused
		if _, err := c.srv.store.UpdateSession(ctx, current.ID, nil, nil, &paused, nil); err != nil {
			return fail(err)
		}
	}

	active := types.SessionActive
	updated, err := c.srv.store.UpdateSession(ctx, target.ID, nil, nil, &active, nil)
	if err != nil {
		return fail(err)
	}
	if err := c.rebind(ctx, updated); err != nil {
		return fail(err)
	}
	return ok(updated, "switched to session "+updated.Name)
}

func (c *Conn) handleSessionEnd(ctx context.Context, raw json.RawMessage) *Envelope {
	var args sessionIDArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	sess, env := c.sessionByIDOrCurrent(ctx, args.SessionID)
	if env != nil {
		return env
	}
	completed := types.SessionCompleted
	updated, err := c.srv.store.UpdateSession(ctx, sess.ID, nil, nil, &completed, nil)
	if err != nil {
		return fail(err)
	}
	c.unbindIfCurrent(ctx, sess.ID)
	c.enqueueSessionSync(ctx, updated)
	return ok(updated, "ended session "+updated.Name)
}

type sessionDeleteArgs struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

// handleSessionDelete removes a session after name verification. Active
// sessions must be paused or ended first.
func (c *Conn) handleSessionDelete(ctx context.Context, raw json.RawMessage) *Envelope {
	var args sessionDeleteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.SessionID == "" {
		return fail(storage.Validationf("session_id is required"))
	}
	sess, err := c.srv.store.GetSession(ctx, args.SessionID)
	if err != nil {
		return fail(err)
	}
	if args.Name != sess.Name {
		return fail(storage.Validationf("name %q does not match session name %q", args.Name, sess.Name))
	}
	if sess.Status == types.SessionActive {
		return fail(storage.Conflictf("cannot delete an active session; pause or end it first"))
	}
	if err := c.srv.store.DeleteSession(ctx, sess.ID); err != nil {
		return fail(err)
	}
	return ok(nil, "deleted session "+sess.Name)
}

type sessionListArgs struct {
	ProjectPath string `json:"project_path,omitempty"`
	Status      string `json:"status,omitempty"`
	Query       string `json:"query,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

func (c *Conn) handleSessionList(ctx context.Context, raw json.RawMessage) *Envelope {
	var args sessionListArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	status := types.SessionStatus(args.Status)
	if args.Status != "" && !types.ValidSessionStatus(status) {
		return fail(storage.Validationf("unknown session status %q", args.Status))
	}
	sessions, err := c.srv.store.ListSessions(ctx, storage.SessionFilter{
		ProjectPath: args.ProjectPath,
		Status:      status,
		Query:       args.Query,
		Limit:       args.Limit,
	})
	if err != nil {
		return fail(err)
	}
	return ok(sessions, "")
}

type sessionPathArgs struct {
	SessionID   string `json:"session_id,omitempty"`
	ProjectPath string `json:"project_path"`
}

func (c *Conn) handleSessionAddPath(ctx context.Context, raw json.RawMessage) *Envelope {
	var args sessionPathArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	path, err := c.resolveProjectPath(args.ProjectPath)
	if err != nil {
		return fail(err)
	}
	sess, env := c.sessionByIDOrCurrent(ctx, args.SessionID)
	if env != nil {
		return env
	}
	added, err := c.srv.store.AddSessionPath(ctx, sess.ID, path, false)
	if err != nil {
		return fail(err)
	}
	msg := "path already attached"
	if added {
		msg = "attached " + path
	}
	return ok(map[string]bool{"added": added}, msg)
}

func (c *Conn) handleSessionRemovePath(ctx context.Context, raw json.RawMessage) *Envelope {
	var args sessionPathArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(err)
	}
	if args.ProjectPath == "" {
		return fail(storage.Validationf("project_path is required"))
	}
	path := filepath.Clean(args.ProjectPath)
	sess, env := c.sessionByIDOrCurrent(ctx, args.SessionID)
	if env != nil {
		return env
	}
	if err := c.srv.store.RemoveSessionPath(ctx, sess.ID, path); err != nil {
		return fail(err)
	}
	return ok(nil, "detached "+path)
}

// sessionByIDOrCurrent resolves an explicit id or falls back to the agent's
// bound session.
func (c *Conn) sessionByIDOrCurrent(ctx context.Context, sessionID string) (*types.Session, *Envelope) {
	if sessionID != "" {
		sess, err := c.srv.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fail(err)
		}
		return sess, nil
	}
	sess, err := c.currentSession(ctx)
	if err != nil {
		return nil, fail(storage.Validationf("no active session; pass session_id or call session_start"))
	}
	return sess, nil
}

func (c *Conn) rebind(ctx context.Context, sess *types.Session) error {
	c.mu.Lock()
	provider := c.provider
	c.mu.Unlock()
	return c.bindAgent(ctx, c.agentID(), sess.ID, sess.ProjectPath, sess.Branch, provider)
}

// unbindIfCurrent clears the agent binding when its current session was
// just ended or deleted.
func (c *Conn) unbindIfCurrent(ctx context.Context, sessionID string) {
	agentID := c.agentID()
	a, err := c.srv.store.GetAgent(ctx, agentID)
	if err != nil || a.CurrentSessionID != sessionID {
		return
	}
	a.CurrentSessionID = ""
	_ = c.srv.store.UpsertAgent(ctx, a)
}

// enqueueSessionSync queues the ended session for upload when a remote is
// configured. Transparent to the caller.
func (c *Conn) enqueueSessionSync(ctx context.Context, sess *types.Session) {
	if c.srv.opts.Queue == nil || c.srv.opts.SyncURL == "" {
		return
	}
	items, err := c.srv.store.ListContextItems(ctx, storage.ContextFilter{SessionID: sess.ID})
	if err != nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"session": sess,
		"items":   items,
	})
	if err != nil {
		return
	}
	_, _ = c.srv.opts.Queue.Enqueue(payload)
}
