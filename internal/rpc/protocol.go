// Package rpc exposes the store to agents as a tool-call protocol: one
// typed request struct per tool, a uniform result envelope, and newline
// framed JSON over stdio or a unix socket.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/savecontext/savecontext/internal/storage"
)

// Tool names. Agents see these as mcp__savecontext__<name>.
const (
	OpInitialize = "initialize"

	OpSessionStart      = "session_start"
	OpSessionStatus     = "session_status"
	OpSessionRename     = "session_rename"
	OpSessionPause      = "session_pause"
	OpSessionResume     = "session_resume"
	OpSessionSwitch     = "session_switch"
	OpSessionEnd        = "session_end"
	OpSessionDelete     = "session_delete"
	OpSessionList       = "session_list"
	OpSessionAddPath    = "session_add_path"
	OpSessionRemovePath = "session_remove_path"

	OpContextSave              = "context_save"
	OpContextGet               = "context_get"
	OpContextList              = "context_list"
	OpContextDelete            = "context_delete"
	OpContextTag               = "context_tag"
	OpContextSearch            = "context_search"
	OpContextPrepareCompaction = "context_prepare_compaction"

	OpCheckpointCreate      = "checkpoint_create"
	OpCheckpointRestore     = "checkpoint_restore"
	OpCheckpointAddItems    = "checkpoint_add_items"
	OpCheckpointRemoveItems = "checkpoint_remove_items"
	OpCheckpointSplit       = "checkpoint_split"
	OpCheckpointDelete      = "checkpoint_delete"
	OpCheckpointList        = "checkpoint_list"
	OpCheckpointGet         = "checkpoint_get"

	OpIssueCreate      = "issue_create"
	OpIssueBatchCreate = "issue_batch_create"
	OpIssueGet         = "issue_get"
	OpIssueUpdate      = "issue_update"
	OpIssueList        = "issue_list"
	OpIssueComplete    = "issue_complete"
	OpIssueDelete      = "issue_delete"
	OpIssueDepAdd      = "issue_dependency_add"
	OpIssueDepRemove   = "issue_dependency_remove"
	OpIssueLabelAdd    = "issue_label_add"
	OpIssueLabelRemove = "issue_label_remove"
	OpIssueClaim       = "issue_claim"
	OpIssueRelease     = "issue_release"
	OpIssueReady       = "get_ready"
	OpIssueNextBlock   = "get_next_block"

	OpMemorySave   = "memory_save"
	OpMemoryGet    = "memory_get"
	OpMemoryList   = "memory_list"
	OpMemoryDelete = "memory_delete"

	OpPlanCreate = "plan_create"
	OpPlanGet    = "plan_get"
	OpPlanList   = "plan_list"
	OpPlanUpdate = "plan_update"

	OpGetStats   = "get_stats"
	OpSyncStatus = "sync_status"
	OpSyncNow    = "sync_now"
)

// Request is one tool call.
type Request struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response wraps the envelope in the tool-call content shape.
type Response struct {
	Content []Content `json:"content"`
}

// Content is one response block; the envelope rides in Text as JSON.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Envelope is the uniform tool result.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   *ToolError  `json:"error,omitempty"`
}

// ToolError carries a stable code plus a human message. Never a stack
// trace.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ok builds a success envelope.
func ok(data interface{}, message string) *Envelope {
	return &Envelope{Success: true, Data: data, Message: message}
}

// fail maps a domain error to its envelope.
func fail(err error) *Envelope {
	return &Envelope{
		Success: false,
		Error:   &ToolError{Code: storage.Code(err), Message: err.Error()},
	}
}

// errDeadline is surfaced when a handler exceeds the per-request budget.
var errDeadline = errors.New("deadline exceeded")

// failDeadline is the envelope for a timed-out request.
func failDeadline() *Envelope {
	return &Envelope{
		Success: false,
		Error:   &ToolError{Code: "deadline_exceeded", Message: errDeadline.Error()},
	}
}

// encode packs an envelope into the wire response.
func encode(env *Envelope) (*Response, error) {
	text, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return &Response{Content: []Content{{Type: "text", Text: string(text)}}}, nil
}
