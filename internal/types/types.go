// Package types defines the core data types used throughout savecontext.
package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Session status values
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// Context item categories
type Category string

const (
	CategoryReminder Category = "reminder"
	CategoryDecision Category = "decision"
	CategoryProgress Category = "progress"
	CategoryNote     Category = "note"
)

// Context item priorities
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Memory categories (project-scoped memory, not session context)
type MemoryCategory string

const (
	MemoryCommand MemoryCategory = "command"
	MemoryConfig  MemoryCategory = "config"
	MemoryNote    MemoryCategory = "note"
)

// Issue status values
type IssueStatus string

const (
	StatusOpen       IssueStatus = "open"
	StatusInProgress IssueStatus = "in_progress"
	StatusBlocked    IssueStatus = "blocked"
	StatusClosed     IssueStatus = "closed"
	StatusDeferred   IssueStatus = "deferred"
)

// Issue types
type IssueType string

const (
	TypeTask    IssueType = "task"
	TypeBug     IssueType = "bug"
	TypeFeature IssueType = "feature"
	TypeEpic    IssueType = "epic"
	TypeChore   IssueType = "chore"
)

// Dependency types
type DepType string

const (
	DepBlocks         DepType = "blocks"
	DepRelated        DepType = "related"
	DepParentChild    DepType = "parent-child"
	DepDiscoveredFrom DepType = "discovered-from"
	DepDuplicateOf    DepType = "duplicate-of"
)

// Plan status values
type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
)

// Embedding status values for context items
type EmbeddingStatus string

const (
	EmbeddingNone    EmbeddingStatus = "none"
	EmbeddingPending EmbeddingStatus = "pending"
	EmbeddingOK      EmbeddingStatus = "ok"
	EmbeddingError   EmbeddingStatus = "error"
)

// Limits enforced at the validation boundary
const (
	MaxContextValueBytes = 100 * 1024 // 100KB per context item value
	MaxChannelLen        = 20
	MaxIssuePrefixLen    = 8
	MaxNameLen           = 200
	MaxTitleLen          = 500
)

// Project is keyed by its canonical absolute path.
type Project struct {
	Path        string `json:"project_path"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IssuePrefix string `json:"issue_prefix"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Session is a bounded work unit attached to one or more project paths.
type Session struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Branch      string        `json:"branch,omitempty"`
	Channel     string        `json:"channel"`
	ProjectPath string        `json:"project_path"`
	Status      SessionStatus `json:"status"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`
	EndedAt     int64         `json:"ended_at,omitempty"`
	// Populated on reads that join session_projects
	ProjectPaths []string `json:"project_paths,omitempty"`
}

// SessionProject associates a session with a project path.
type SessionProject struct {
	SessionID   string `json:"session_id"`
	ProjectPath string `json:"project_path"`
	IsPrimary   bool   `json:"is_primary"`
	AddedAt     int64  `json:"added_at"`
}

// Agent is a derived identity bound to at most one current session.
type Agent struct {
	AgentID          string `json:"agent_id"`
	CurrentSessionID string `json:"current_session_id,omitempty"`
	LastProjectPath  string `json:"last_project_path,omitempty"`
	LastBranch       string `json:"last_branch,omitempty"`
	Provider         string `json:"provider,omitempty"`
	LastActiveAt     int64  `json:"last_active_at"`
}

// ContextItem is a keyed piece of working memory inside a session.
type ContextItem struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Key       string   `json:"key"`
	Value     string   `json:"value"`
	Category  Category `json:"category"`
	Priority  Priority `json:"priority"`
	Channel   string   `json:"channel"`
	Tags      []string `json:"tags,omitempty"`
	Size      int      `json:"size"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
	// Embedding metadata
	EmbeddingStatus   EmbeddingStatus `json:"embedding_status"`
	EmbeddingProvider string          `json:"embedding_provider,omitempty"`
	EmbeddingModel    string          `json:"embedding_model,omitempty"`
	ChunkCount        int             `json:"chunk_count,omitempty"`
	EmbeddedAt        int64           `json:"embedded_at,omitempty"`
}

// Memory is a project-scoped key/value shared across sessions.
type Memory struct {
	ProjectPath string         `json:"project_path"`
	Key         string         `json:"key"`
	Value       string         `json:"value"`
	Category    MemoryCategory `json:"category"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Issue is a tracked unit of work with a per-project short id.
type Issue struct {
	ID               string      `json:"id"`
	ShortID          string      `json:"short_id"`
	ProjectPath      string      `json:"project_path"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	Details          string      `json:"details,omitempty"`
	Status           IssueStatus `json:"status"`
	Priority         int         `json:"priority"`
	IssueType        IssueType   `json:"issue_type"`
	ParentID         string      `json:"parent_id,omitempty"`
	PlanID           string      `json:"plan_id,omitempty"`
	Labels           []string    `json:"labels,omitempty"`
	AssignedToAgent  string      `json:"assigned_to_agent,omitempty"`
	CreatedInSession string      `json:"created_in_session,omitempty"`
	ClosedInSession  string      `json:"closed_in_session,omitempty"`
	ClosedByAgent    string      `json:"closed_by_agent,omitempty"`
	ClosedAt         int64       `json:"closed_at,omitempty"`
	CreatedAt        int64       `json:"created_at"`
	UpdatedAt        int64       `json:"updated_at"`
}

// Dependency is a typed edge between two issues.
type Dependency struct {
	IssueID     string  `json:"issue_id"`
	DependsOnID string  `json:"depends_on_id"`
	DepType     DepType `json:"dep_type"`
	CreatedAt   int64   `json:"created_at"`
}

// Plan is a markdown PRD scoped to a project; issues link to it by plan_id.
type Plan struct {
	ID              string     `json:"id"`
	ShortID         string     `json:"short_id"`
	ProjectPath     string     `json:"project_path"`
	Title           string     `json:"title"`
	Content         string     `json:"content"`
	SuccessCriteria string     `json:"success_criteria,omitempty"`
	Status          PlanStatus `json:"status"`
	CreatedAt       int64      `json:"created_at"`
	UpdatedAt       int64      `json:"updated_at"`
}

// Checkpoint is a named snapshot of selected context items in a session.
type Checkpoint struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	GitStatus   string `json:"git_status,omitempty"`
	GitBranch   string `json:"git_branch,omitempty"`
	ItemCount   int    `json:"item_count"`
	TotalSize   int64  `json:"total_size"`
	CreatedAt   int64  `json:"created_at"`
}

// CheckpointItem records membership of a context item in a checkpoint.
type CheckpointItem struct {
	CheckpointID  string `json:"checkpoint_id"`
	ContextItemID string `json:"context_item_id"`
	GroupName     string `json:"group_name,omitempty"`
	GroupOrder    int    `json:"group_order,omitempty"`
}

// GitStatus is the snapshot captured from the working tree.
type GitStatus struct {
	Branch     string   `json:"branch,omitempty"`
	Modified   []string `json:"modified,omitempty"`
	Added      []string `json:"added,omitempty"`
	Deleted    []string `json:"deleted,omitempty"`
	Untracked  []string `json:"untracked,omitempty"`
	StagedDiff string   `json:"staged_diff,omitempty"`
}

// NowMillis returns the current time as epoch milliseconds.
// All persisted timestamps use this representation.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

var channelRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidChannel reports whether s is a well-formed channel slug.
func ValidChannel(s string) bool {
	return s != "" && len(s) <= MaxChannelLen && channelRe.MatchString(s)
}

// ValidSessionStatus reports whether s is a recognized session status.
func ValidSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionActive, SessionPaused, SessionCompleted:
		return true
	}
	return false
}

// ValidCategory reports whether c is a recognized context category.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryReminder, CategoryDecision, CategoryProgress, CategoryNote:
		return true
	}
	return false
}

// ValidPriority reports whether p is a recognized priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ValidMemoryCategory reports whether c is a recognized memory category.
func ValidMemoryCategory(c MemoryCategory) bool {
	switch c {
	case MemoryCommand, MemoryConfig, MemoryNote:
		return true
	}
	return false
}

// ValidIssueStatus reports whether s is a recognized issue status.
func ValidIssueStatus(s IssueStatus) bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusClosed, StatusDeferred:
		return true
	}
	return false
}

// ValidIssueType reports whether t is a recognized issue type.
func ValidIssueType(t IssueType) bool {
	switch t {
	case TypeTask, TypeBug, TypeFeature, TypeEpic, TypeChore:
		return true
	}
	return false
}

// ValidDepType reports whether d is a recognized dependency type.
func ValidDepType(d DepType) bool {
	switch d {
	case DepBlocks, DepRelated, DepParentChild, DepDiscoveredFrom, DepDuplicateOf:
		return true
	}
	return false
}

// ValidPlanStatus reports whether s is a recognized plan status.
func ValidPlanStatus(s PlanStatus) bool {
	switch s {
	case PlanDraft, PlanActive, PlanCompleted:
		return true
	}
	return false
}

// DefaultIssuePrefix derives a project's issue prefix from its name:
// the first 4 characters, upper-cased, non-alphanumerics stripped.
func DefaultIssuePrefix(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() >= 4 {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "PROJ"
	}
	return b.String()
}

// FormatShortID formats a per-project short id like "SC-42".
func FormatShortID(prefix string, n int64) string {
	return fmt.Sprintf("%s-%d", prefix, n)
}
