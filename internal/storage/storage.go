// Package storage defines the interface for the savecontext persistence engine.
package storage

import (
	"context"

	"github.com/savecontext/savecontext/internal/types"
)

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	ProjectPath string
	Status      types.SessionStatus
	Query       string // substring match over name/description
	Limit       int
}

// ContextFilter narrows ListContextItems.
type ContextFilter struct {
	SessionID  string
	Category   types.Category
	Priority   types.Priority
	Channel    string
	KeyPattern string // glob with *
	Tags       []string
	Limit      int
	Offset     int
}

// IssueFilter narrows ListIssues. Zero values mean "no constraint".
type IssueFilter struct {
	ProjectPath string
	AllProjects bool
	Status      types.IssueStatus
	Priority    *int
	PriorityMin *int
	PriorityMax *int
	IssueType   types.IssueType
	LabelsAll   []string
	LabelsAny   []string
	ParentID    string
	PlanID      string
	HasSubtasks *bool
	HasDeps     *bool
	Query       string
	SortBy      string // "priority" | "createdAt" | "updatedAt"
	Desc        bool
	Limit       int
}

// ReadyFilter narrows GetReadyIssues.
type ReadyFilter struct {
	ProjectPath string
	Limit       int
}

// CheckpointFilters select context items at checkpoint creation time.
type CheckpointFilters struct {
	IncludeTags       []string
	IncludeKeys       []string // glob patterns
	IncludeCategories []types.Category
	ExcludeTags       []string
}

// SplitSpec describes one target checkpoint of a split. At least one of
// IncludeTags or IncludeCategories must be set.
type SplitSpec struct {
	Name              string
	Description       string
	IncludeTags       []string
	IncludeCategories []types.Category
}

// SplitResult reports one created checkpoint and any warning for it.
type SplitResult struct {
	Checkpoint *types.Checkpoint
	Warning    string
}

// RestoreOptions narrow which checkpoint items are copied back.
type RestoreOptions struct {
	RestoreTags       []string
	RestoreCategories []types.Category
}

// CompleteResult reports the side effects of completing an issue.
type CompleteResult struct {
	Issue         *types.Issue
	Unblocked     []*types.Issue
	PlanCompleted *types.Plan
}

// BatchIssueSpec is one issue in a CreateIssueBatch call. ParentRef may be
// "$N" to reference the Nth issue of the same batch.
type BatchIssueSpec struct {
	Title       string
	Description string
	Details     string
	Priority    int
	IssueType   types.IssueType
	Labels      []string
	ParentRef   string
	PlanID      string
}

// BatchDepSpec is a dependency edge between batch members by array index.
type BatchDepSpec struct {
	From    int
	To      int
	DepType types.DepType
}

// ChunkMatch is a scored vector hit, already grouped per chunk.
type ChunkMatch struct {
	ItemID     string
	ChunkIndex int
	Score      float64
}

// Chunk is one embedded slice of a context item's value.
type Chunk struct {
	Index  int
	Vector []float32
}

// VectorMeta describes the active vector table.
type VectorMeta struct {
	Dimension int
	Provider  string
	Model     string
}

// Stats is an engine-wide summary for the status line and dashboard.
type Stats struct {
	Projects        int   `json:"projects"`
	Sessions        int   `json:"sessions"`
	ActiveSessions  int   `json:"active_sessions"`
	ContextItems    int   `json:"context_items"`
	EmbeddedItems   int   `json:"embedded_items"`
	PendingItems    int   `json:"pending_items"`
	Issues          int   `json:"issues"`
	OpenIssues      int   `json:"open_issues"`
	Plans           int   `json:"plans"`
	Checkpoints     int   `json:"checkpoints"`
	MemoryEntries   int   `json:"memory_entries"`
	TotalValueBytes int64 `json:"total_value_bytes"`
}

// Tx exposes the subset of Storage that participates in an explicit
// transaction. All methods see each other's uncommitted writes.
type Tx interface {
	CreateIssueTx(ctx context.Context, issue *types.Issue) error
	AddDependencyTx(ctx context.Context, dep *types.Dependency) error
	GetIssueTx(ctx context.Context, id string) (*types.Issue, error)
}

// Storage is the persistence engine contract. All mutating operations run in
// a single transaction internally; multi-operation atomicity is available via
// RunInTransaction.
type Storage interface {
	// Projects
	CreateProject(ctx context.Context, p *types.Project) error
	EnsureProject(ctx context.Context, path, name string) (*types.Project, error)
	GetProject(ctx context.Context, path string) (*types.Project, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)
	UpdateProject(ctx context.Context, path string, name, description, issuePrefix *string) (*types.Project, error)
	DeleteProject(ctx context.Context, path string) error

	// Sessions
	CreateSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	UpdateSession(ctx context.Context, id string, name, description *string, status *types.SessionStatus, endedAt *int64) (*types.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]*types.Session, error)
	DeleteSession(ctx context.Context, id string) error
	AddSessionPath(ctx context.Context, sessionID, projectPath string, primary bool) (added bool, err error)
	RemoveSessionPath(ctx context.Context, sessionID, projectPath string) error
	GetSessionPaths(ctx context.Context, sessionID string) ([]*types.SessionProject, error)

	// Agents
	GetAgent(ctx context.Context, agentID string) (*types.Agent, error)
	UpsertAgent(ctx context.Context, a *types.Agent) error
	TouchAgent(ctx context.Context, agentID string) error

	// Context items
	SaveContextItem(ctx context.Context, item *types.ContextItem) (created bool, err error)
	GetContextItem(ctx context.Context, sessionID, key string) (*types.ContextItem, error)
	GetContextItemByID(ctx context.Context, id string) (*types.ContextItem, error)
	ListContextItems(ctx context.Context, f ContextFilter) ([]*types.ContextItem, error)
	DeleteContextItem(ctx context.Context, sessionID, key string) error
	TagContextItems(ctx context.Context, sessionID string, keys []string, keyPattern string, tags []string, remove bool) (int, error)
	SetEmbeddingStatus(ctx context.Context, itemID string, status types.EmbeddingStatus) error
	MarkEmbedded(ctx context.Context, itemID, provider, model string, chunkCount int) error
	ResetEmbeddings(ctx context.Context) (int, error)
	ListEmbeddable(ctx context.Context, statuses []types.EmbeddingStatus, limit int) ([]*types.ContextItem, error)

	// Memory
	SaveMemory(ctx context.Context, m *types.Memory) error
	GetMemory(ctx context.Context, projectPath, key string) (*types.Memory, error)
	ListMemory(ctx context.Context, projectPath string, category types.MemoryCategory) ([]*types.Memory, error)
	DeleteMemory(ctx context.Context, projectPath, key string) error

	// Issues
	CreateIssue(ctx context.Context, issue *types.Issue) error
	CreateIssueBatch(ctx context.Context, projectPath, sessionID string, specs []BatchIssueSpec, deps []BatchDepSpec) ([]*types.Issue, error)
	GetIssue(ctx context.Context, idOrShortID string) (*types.Issue, error)
	UpdateIssue(ctx context.Context, id string, updates map[string]interface{}) (*types.Issue, error)
	DeleteIssue(ctx context.Context, id string) error
	ListIssues(ctx context.Context, f IssueFilter) ([]*types.Issue, error)
	CompleteIssue(ctx context.Context, id, agentID, sessionID string) (*CompleteResult, error)
	AddDependency(ctx context.Context, dep *types.Dependency) error
	RemoveDependency(ctx context.Context, issueID, dependsOnID string) error
	ListDependencies(ctx context.Context, issueID string) ([]*types.Dependency, error)
	AddLabels(ctx context.Context, issueID string, labels []string) (*types.Issue, error)
	RemoveLabels(ctx context.Context, issueID string, labels []string) (*types.Issue, error)
	ClaimIssue(ctx context.Context, issueID, agentID string) (*types.Issue, error)
	ReleaseIssue(ctx context.Context, issueID, agentID string) (*types.Issue, error)
	GetReadyIssues(ctx context.Context, f ReadyFilter) ([]*types.Issue, error)
	ClaimNextReady(ctx context.Context, projectPath, agentID string, count int) ([]*types.Issue, error)
	AttachIssueProject(ctx context.Context, issueID, projectPath string) error

	// Plans
	CreatePlan(ctx context.Context, p *types.Plan) error
	GetPlan(ctx context.Context, idOrShortID string) (*types.Plan, error)
	ListPlans(ctx context.Context, projectPath string, status types.PlanStatus) ([]*types.Plan, error)
	UpdatePlan(ctx context.Context, id string, updates map[string]interface{}) (*types.Plan, error)

	// Checkpoints
	CreateCheckpoint(ctx context.Context, cp *types.Checkpoint, filters *CheckpointFilters) error
	GetCheckpoint(ctx context.Context, id string) (*types.Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID, projectPath string, limit int) ([]*types.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, id string) error
	GetCheckpointItems(ctx context.Context, checkpointID string) ([]*types.ContextItem, error)
	AddCheckpointItems(ctx context.Context, checkpointID string, itemIDs []string) (*types.Checkpoint, error)
	RemoveCheckpointItems(ctx context.Context, checkpointID string, itemIDs []string) (*types.Checkpoint, error)
	RestoreCheckpoint(ctx context.Context, checkpointID, targetSessionID string, opts RestoreOptions) (restored int, err error)
	SplitCheckpoint(ctx context.Context, checkpointID string, specs []SplitSpec) ([]SplitResult, error)

	// Vectors
	EnsureVectorDim(ctx context.Context, dim int, provider, model string) (recreated bool, err error)
	GetVectorMeta(ctx context.Context) (*VectorMeta, error)
	UpsertChunks(ctx context.Context, itemID string, chunks []Chunk, provider, model string) error
	DeleteChunks(ctx context.Context, itemID string) error
	SearchChunks(ctx context.Context, query []float32, sessionID string, limit int) ([]ChunkMatch, error)

	// Engine state
	GetStats(ctx context.Context) (*Stats, error)
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Path() string
	Close() error
}
