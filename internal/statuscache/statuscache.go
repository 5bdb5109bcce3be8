// Package statuscache writes per-agent JSON snapshots that the status-line
// script reads. Refreshes are best-effort: a failed write never fails the
// tool call that triggered it.
package statuscache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/savecontext/savecontext/internal/debug"
	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

// Snapshot is what the status line renders.
type Snapshot struct {
	AgentID     string `json:"agent_id"`
	SessionID   string `json:"session_id,omitempty"`
	SessionName string `json:"session_name,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ItemCount   int    `json:"item_count"`
	TotalSize   int    `json:"total_size"`
	OpenIssues  int    `json:"open_issues"`
	ReadyIssues int    `json:"ready_issues"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Cache writes snapshots under a directory, one file per agent.
type Cache struct {
	dir   string
	store storage.Storage
}

// New builds a cache rooted at dir.
func New(dir string, store storage.Storage) *Cache {
	return &Cache{dir: dir, store: store}
}

// Path returns the snapshot file for an agent.
func (c *Cache) Path(agentID string) string {
	return filepath.Join(c.dir, agentID+".json")
}

// Refresh recomputes and writes the agent's snapshot. Errors are logged,
// never returned, so callers can fire-and-forget after mutations.
func (c *Cache) Refresh(ctx context.Context, agentID string, session *types.Session) {
	snap := Snapshot{AgentID: agentID, UpdatedAt: types.NowMillis()}
	if session != nil {
		snap.SessionID = session.ID
		snap.SessionName = session.Name
		snap.ProjectPath = session.ProjectPath
		snap.Channel = session.Channel

		items, err := c.store.ListContextItems(ctx, storage.ContextFilter{SessionID: session.ID})
		if err != nil {
			debug.Logf("statuscache: list items failed: %v", err)
		} else {
			snap.ItemCount = len(items)
			for _, item := range items {
				snap.TotalSize += item.Size
			}
		}

		issues, err := c.store.ListIssues(ctx, storage.IssueFilter{ProjectPath: session.ProjectPath, Status: types.StatusOpen})
		if err != nil {
			debug.Logf("statuscache: list issues failed: %v", err)
		} else {
			snap.OpenIssues = len(issues)
		}

		ready, err := c.store.GetReadyIssues(ctx, storage.ReadyFilter{ProjectPath: session.ProjectPath})
		if err != nil {
			debug.Logf("statuscache: ready issues failed: %v", err)
		} else {
			snap.ReadyIssues = len(ready)
		}
	}

	if err := c.write(agentID, &snap); err != nil {
		debug.Logf("statuscache: write failed: %v", err)
	}
}

// Read loads an agent's snapshot.
func (c *Cache) Read(agentID string) (*Snapshot, error) {
	data, err := os.ReadFile(c.Path(agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to read status snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse status snapshot: %w", err)
	}
	return &snap, nil
}

func (c *Cache) write(agentID string, snap *Snapshot) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.Path(agentID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.Path(agentID))
}
