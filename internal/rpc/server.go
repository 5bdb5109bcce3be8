package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/savecontext/savecontext/internal/agent"
	"github.com/savecontext/savecontext/internal/debug"
	"github.com/savecontext/savecontext/internal/embedding"
	"github.com/savecontext/savecontext/internal/git"
	"github.com/savecontext/savecontext/internal/search"
	"github.com/savecontext/savecontext/internal/statuscache"
	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/syncqueue"
	"github.com/savecontext/savecontext/internal/types"
)

// requestDeadline bounds one tool call.
const requestDeadline = 30 * time.Second

// Options configure a Server beyond its storage.
type Options struct {
	Search    *search.Engine
	Pipeline  *embedding.Pipeline
	Queue     *syncqueue.Queue
	Processor *syncqueue.Processor
	Status    *statuscache.Cache
	SyncURL   string

	CompactionMode      string // auto | remind | manual
	CompactionThreshold int    // percent, 50..95
}

// Server holds the shared state behind every connection.
type Server struct {
	store storage.Storage
	opts  Options

	mu          sync.Mutex
	connections int
}

// NewServer wires the store and subsystems into a tool server.
func NewServer(store storage.Storage, opts Options) *Server {
	if opts.CompactionMode == "" {
		opts.CompactionMode = "remind"
	}
	if opts.CompactionThreshold < 50 || opts.CompactionThreshold > 95 {
		opts.CompactionThreshold = 80
	}
	return &Server{store: store, opts: opts}
}

// Conn is the per-connection handler state. One request runs at a time per
// connection; the transport serializes calls.
type Conn struct {
	srv *Server

	mu            sync.Mutex
	clientName    string
	clientVersion string
	provider      string
	workDir       string
}

// NewConn registers a connection. workDir is the caller's project directory
// when known (stdio serves exactly one caller).
func (s *Server) NewConn(workDir string) *Conn {
	s.mu.Lock()
	s.connections++
	s.mu.Unlock()
	return &Conn{srv: s, workDir: workDir}
}

// Close unregisters the connection.
func (c *Conn) Close() {
	c.srv.mu.Lock()
	c.srv.connections--
	c.srv.mu.Unlock()
}

// Handle runs one tool call under the request deadline and always returns
// a well-formed response.
func (c *Conn) Handle(ctx context.Context, req *Request) *Response {
	ctx, cancel := context.WithTimeout(ctx, requestDeadline)
	defer cancel()

	env := c.dispatch(ctx, req)
	if ctx.Err() == context.DeadlineExceeded {
		env = failDeadline()
	}

	resp, err := encode(env)
	if err != nil {
		debug.Logf("rpc: encode failed for %s: %v", req.Name, err)
		resp, _ = encode(fail(fmt.Errorf("internal encoding failure")))
	}
	return resp
}

func (c *Conn) dispatch(ctx context.Context, req *Request) *Envelope {
	handler, ok := c.handlers()[req.Name]
	if !ok {
		return fail(storage.NotFoundf("unknown tool %q", req.Name))
	}
	env := handler(ctx, req.Arguments)
	if env.Success {
		c.afterMutation(ctx, req.Name)
	}
	return env
}

type handlerFunc func(ctx context.Context, args json.RawMessage) *Envelope

func (c *Conn) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		OpInitialize: c.handleInitialize,

		OpSessionStart:      c.handleSessionStart,
		OpSessionStatus:     c.handleSessionStatus,
		OpSessionRename:     c.handleSessionRename,
		OpSessionPause:      c.handleSessionPause,
		OpSessionResume:     c.handleSessionResume,
		OpSessionSwitch:     c.handleSessionSwitch,
		OpSessionEnd:        c.handleSessionEnd,
		OpSessionDelete:     c.handleSessionDelete,
		OpSessionList:       c.handleSessionList,
		OpSessionAddPath:    c.handleSessionAddPath,
		OpSessionRemovePath: c.handleSessionRemovePath,

		OpContextSave:              c.handleContextSave,
		OpContextGet:               c.handleContextGet,
		OpContextList:              c.handleContextList,
		OpContextDelete:            c.handleContextDelete,
		OpContextTag:               c.handleContextTag,
		OpContextSearch:            c.handleContextSearch,
		OpContextPrepareCompaction: c.handlePrepareCompaction,

		OpCheckpointCreate:      c.handleCheckpointCreate,
		OpCheckpointRestore:     c.handleCheckpointRestore,
		OpCheckpointAddItems:    c.handleCheckpointAddItems,
		OpCheckpointRemoveItems: c.handleCheckpointRemoveItems,
		OpCheckpointSplit:       c.handleCheckpointSplit,
		OpCheckpointDelete:      c.handleCheckpointDelete,
		OpCheckpointList:        c.handleCheckpointList,
		OpCheckpointGet:         c.handleCheckpointGet,

		OpIssueCreate:      c.handleIssueCreate,
		OpIssueBatchCreate: c.handleIssueBatchCreate,
		OpIssueGet:         c.handleIssueGet,
		OpIssueUpdate:      c.handleIssueUpdate,
		OpIssueList:        c.handleIssueList,
		OpIssueComplete:    c.handleIssueComplete,
		OpIssueDelete:      c.handleIssueDelete,
		OpIssueDepAdd:      c.handleIssueDepAdd,
		OpIssueDepRemove:   c.handleIssueDepRemove,
		OpIssueLabelAdd:    c.handleIssueLabelAdd,
		OpIssueLabelRemove: c.handleIssueLabelRemove,
		OpIssueClaim:       c.handleIssueClaim,
		OpIssueRelease:     c.handleIssueRelease,
		OpIssueReady:       c.handleIssueReady,
		OpIssueNextBlock:   c.handleIssueNextBlock,

		OpMemorySave:   c.handleMemorySave,
		OpMemoryGet:    c.handleMemoryGet,
		OpMemoryList:   c.handleMemoryList,
		OpMemoryDelete: c.handleMemoryDelete,

		OpPlanCreate: c.handlePlanCreate,
		OpPlanGet:    c.handlePlanGet,
		OpPlanList:   c.handlePlanList,
		OpPlanUpdate: c.handlePlanUpdate,

		OpGetStats:   c.handleGetStats,
		OpSyncStatus: c.handleSyncStatus,
		OpSyncNow:    c.handleSyncNow,
	}
}

// afterMutation refreshes agent liveness and the status cache. Best-effort;
// never affects the response.
func (c *Conn) afterMutation(ctx context.Context, toolName string) {
	switch toolName {
	case OpInitialize, OpSessionStatus, OpSessionList, OpContextGet, OpContextList,
		OpContextSearch, OpCheckpointList, OpCheckpointGet, OpIssueGet, OpIssueList,
		OpIssueReady, OpMemoryGet, OpMemoryList, OpPlanGet, OpPlanList,
		OpGetStats, OpSyncStatus:
		return
	}

	agentID := c.agentID()
	if err := c.srv.store.TouchAgent(ctx, agentID); err != nil {
		debug.Logf("rpc: touch agent %s: %v", agentID, err)
	}
	if c.srv.opts.Status != nil {
		sess, _ := c.currentSession(ctx)
		c.srv.opts.Status.Refresh(ctx, agentID, sess)
	}
}

// agentID derives the caller's identity from connection state.
func (c *Conn) agentID() string {
	c.mu.Lock()
	workDir, provider := c.workDir, c.provider
	c.mu.Unlock()
	branch := ""
	if workDir != "" {
		branch = git.CurrentBranch(context.Background(), workDir)
	}
	return agent.DeriveID(workDir, branch, provider)
}

// currentSession resolves the agent's bound session, nil when unbound.
func (c *Conn) currentSession(ctx context.Context) (*types.Session, error) {
	a, err := c.srv.store.GetAgent(ctx, c.agentID())
	if err != nil || a.CurrentSessionID == "" {
		return nil, storage.NotFoundf("no active session for agent")
	}
	sess, err := c.srv.store.GetSession(ctx, a.CurrentSessionID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// requireSession is step 2 of the handler shape: tools that mutate session
// state need a bound, active session.
func (c *Conn) requireSession(ctx context.Context) (*types.Session, error) {
	sess, err := c.currentSession(ctx)
	if err != nil {
		return nil, storage.Validationf("no active session; call session_start first")
	}
	if sess.Status != types.SessionActive {
		return nil, storage.Validationf("current session %q is %s, not active", sess.Name, sess.Status)
	}
	return sess, nil
}

// resolveProjectPath canonicalizes the argument path, defaulting to the
// connection's working directory.
func (c *Conn) resolveProjectPath(arg string) (string, error) {
	path := arg
	if path == "" {
		c.mu.Lock()
		path = c.workDir
		c.mu.Unlock()
	}
	if path == "" {
		return "", storage.Validationf("project_path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", storage.Validationf("invalid project path %q", path)
	}
	return filepath.Clean(abs), nil
}

func decodeArgs(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return storage.Validationf("malformed arguments: %v", err)
	}
	return nil
}
