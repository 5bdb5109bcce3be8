package sqlite

const schema = `
-- Projects table (keyed by canonical absolute path)
CREATE TABLE IF NOT EXISTS projects (
    path TEXT PRIMARY KEY,
    name TEXT NOT NULL CHECK(length(name) <= 200),
    description TEXT NOT NULL DEFAULT '',
    issue_prefix TEXT NOT NULL CHECK(length(issue_prefix) <= 8),
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Sessions table
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL CHECK(length(name) <= 200),
    description TEXT NOT NULL DEFAULT '',
    branch TEXT NOT NULL DEFAULT '',
    channel TEXT NOT NULL,
    project_path TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active'
        CHECK(status IN ('active', 'paused', 'completed')),
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    ended_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path);
CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel);

-- Session to project-path membership (one primary per session)
CREATE TABLE IF NOT EXISTS session_projects (
    session_id TEXT NOT NULL,
    project_path TEXT NOT NULL,
    is_primary INTEGER NOT NULL DEFAULT 0,
    added_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, project_path),
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_session_projects_path ON session_projects(project_path);

-- Agents table (derived identities, at most one current session each)
CREATE TABLE IF NOT EXISTS agents (
    agent_id TEXT PRIMARY KEY,
    current_session_id TEXT NOT NULL DEFAULT '',
    last_project_path TEXT NOT NULL DEFAULT '',
    last_branch TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT '',
    last_active_at INTEGER NOT NULL
);

-- Context items (session working memory, unique key per session)
CREATE TABLE IF NOT EXISTS context_items (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL CHECK(length(value) <= 102400),
    category TEXT NOT NULL DEFAULT 'note'
        CHECK(category IN ('reminder', 'decision', 'progress', 'note')),
    priority TEXT NOT NULL DEFAULT 'normal'
        CHECK(priority IN ('high', 'normal', 'low')),
    channel TEXT NOT NULL DEFAULT 'general',
    tags TEXT NOT NULL DEFAULT '[]',
    size INTEGER NOT NULL DEFAULT 0,
    embedding_status TEXT NOT NULL DEFAULT 'none'
        CHECK(embedding_status IN ('none', 'pending', 'ok', 'error')),
    embedding_provider TEXT NOT NULL DEFAULT '',
    embedding_model TEXT NOT NULL DEFAULT '',
    chunk_count INTEGER NOT NULL DEFAULT 0,
    embedded_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (session_id, key),
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_context_items_session ON context_items(session_id);
CREATE INDEX IF NOT EXISTS idx_context_items_embedding ON context_items(embedding_status);
CREATE INDEX IF NOT EXISTS idx_context_items_channel ON context_items(channel);

-- Project memory (survives sessions)
CREATE TABLE IF NOT EXISTS memory (
    project_path TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT 'note'
        CHECK(category IN ('command', 'config', 'note')),
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (project_path, key)
);

-- Issues table
CREATE TABLE IF NOT EXISTS issues (
    id TEXT PRIMARY KEY,
    short_id TEXT NOT NULL UNIQUE,
    project_path TEXT NOT NULL,
    title TEXT NOT NULL CHECK(length(title) <= 500),
    description TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'open'
        CHECK(status IN ('open', 'in_progress', 'blocked', 'closed', 'deferred')),
    priority INTEGER NOT NULL DEFAULT 2 CHECK(priority >= 0 AND priority <= 4),
    issue_type TEXT NOT NULL DEFAULT 'task'
        CHECK(issue_type IN ('task', 'bug', 'feature', 'epic', 'chore')),
    parent_id TEXT NOT NULL DEFAULT '',
    plan_id TEXT NOT NULL DEFAULT '',
    labels TEXT NOT NULL DEFAULT '[]',
    assigned_to_agent TEXT NOT NULL DEFAULT '',
    created_in_session TEXT NOT NULL DEFAULT '',
    closed_in_session TEXT NOT NULL DEFAULT '',
    closed_by_agent TEXT NOT NULL DEFAULT '',
    closed_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    CHECK (
        (status = 'closed' AND closed_at IS NOT NULL) OR
        (status != 'closed' AND closed_at IS NULL)
    )
);

CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
CREATE INDEX IF NOT EXISTS idx_issues_priority ON issues(priority);
CREATE INDEX IF NOT EXISTS idx_issues_project ON issues(project_path);
CREATE INDEX IF NOT EXISTS idx_issues_parent ON issues(parent_id);
CREATE INDEX IF NOT EXISTS idx_issues_plan ON issues(plan_id);

-- Issue to project associations (issues can be visible across projects)
CREATE TABLE IF NOT EXISTS issue_projects (
    issue_id TEXT NOT NULL,
    project_path TEXT NOT NULL,
    PRIMARY KEY (issue_id, project_path),
    FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_issue_projects_path ON issue_projects(project_path);

-- Dependencies (typed edges; the blocks sub-graph stays acyclic)
CREATE TABLE IF NOT EXISTS dependencies (
    issue_id TEXT NOT NULL,
    depends_on_id TEXT NOT NULL,
    dep_type TEXT NOT NULL DEFAULT 'blocks'
        CHECK(dep_type IN ('blocks', 'related', 'parent-child', 'discovered-from', 'duplicate-of')),
    created_at INTEGER NOT NULL,
    PRIMARY KEY (issue_id, depends_on_id),
    FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE,
    FOREIGN KEY (depends_on_id) REFERENCES issues(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_dependencies_issue ON dependencies(issue_id);
CREATE INDEX IF NOT EXISTS idx_dependencies_depends_on ON dependencies(depends_on_id);
CREATE INDEX IF NOT EXISTS idx_dependencies_depends_on_type ON dependencies(depends_on_id, dep_type);

-- Plans (markdown PRDs; issues link via plan_id)
CREATE TABLE IF NOT EXISTS plans (
    id TEXT PRIMARY KEY,
    short_id TEXT NOT NULL UNIQUE,
    project_path TEXT NOT NULL,
    title TEXT NOT NULL CHECK(length(title) <= 500),
    content TEXT NOT NULL DEFAULT '',
    success_criteria TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'draft'
        CHECK(status IN ('draft', 'active', 'completed')),
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_plans_project ON plans(project_path);

-- Checkpoints (named snapshots of selected context items)
CREATE TABLE IF NOT EXISTS checkpoints (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    name TEXT NOT NULL CHECK(length(name) <= 200),
    description TEXT NOT NULL DEFAULT '',
    git_status TEXT NOT NULL DEFAULT '',
    git_branch TEXT NOT NULL DEFAULT '',
    item_count INTEGER NOT NULL DEFAULT 0,
    total_size INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);

CREATE TABLE IF NOT EXISTS checkpoint_items (
    checkpoint_id TEXT NOT NULL,
    context_item_id TEXT NOT NULL,
    group_name TEXT NOT NULL DEFAULT '',
    group_order INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (checkpoint_id, context_item_id),
    FOREIGN KEY (checkpoint_id) REFERENCES checkpoints(id) ON DELETE CASCADE,
    FOREIGN KEY (context_item_id) REFERENCES context_items(id) ON DELETE CASCADE
);

-- Short-id allocation counters, bumped inside the inserting transaction
CREATE TABLE IF NOT EXISTS counters (
    project_path TEXT NOT NULL,
    scope TEXT NOT NULL CHECK(scope IN ('issue', 'plan')),
    value INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (project_path, scope)
);

-- Vector chunks (embeddings as little-endian float32 blobs)
CREATE TABLE IF NOT EXISTS vector_chunks (
    item_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    embedding BLOB NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (item_id, chunk_index),
    FOREIGN KEY (item_id) REFERENCES context_items(id) ON DELETE CASCADE
);

-- Single-row descriptor of the active vector space
CREATE TABLE IF NOT EXISTS vector_meta (
    id INTEGER PRIMARY KEY CHECK(id = 1),
    dimension INTEGER NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT ''
);

-- Config table (engine settings)
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Metadata table (internal state like schema version)
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
