package sqlite

const schema = `
-- Tasks table. path is the canonical case-preserving key; path_norm is
-- the lowercased form every lookup goes through.
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL UNIQUE,
    path_norm TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL CHECK(length(name) <= 200),
    description TEXT NOT NULL DEFAULT '' CHECK(length(description) <= 2000),
    task_type TEXT NOT NULL DEFAULT 'TASK',
    status TEXT NOT NULL DEFAULT 'PENDING',
    priority TEXT NOT NULL DEFAULT 'medium',
    parent_path TEXT NOT NULL DEFAULT '',
    project_id TEXT NOT NULL DEFAULT '',
    reasoning TEXT NOT NULL DEFAULT '' CHECK(length(reasoning) <= 2000),
    links TEXT NOT NULL DEFAULT '[]',
    tags TEXT NOT NULL DEFAULT '[]',
    assigned_to TEXT NOT NULL DEFAULT '',
    completion_requirements TEXT NOT NULL DEFAULT '',
    output_format TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    version INTEGER NOT NULL DEFAULT 1
);

-- Deletion tombstones outlive the rows they describe so the audit
-- trail can answer what was removed and by whom. Expired tombstones
-- are purged during vacuum.
CREATE TABLE IF NOT EXISTS task_tombstones (
    task_id TEXT NOT NULL,
    path TEXT NOT NULL,
    deleted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_by TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tombstones_deleted_at ON task_tombstones(deleted_at);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(task_type);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_path);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

-- Dependency edges, task -> prerequisite. Back-references (dependents)
-- are derived by querying depends_on.
CREATE TABLE IF NOT EXISTS task_dependencies (
    task_path TEXT NOT NULL,
    depends_on TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_by TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (task_path, depends_on),
    FOREIGN KEY (task_path) REFERENCES tasks(path) ON DELETE CASCADE ON UPDATE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_deps_task ON task_dependencies(task_path);
CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies(depends_on);

-- Categorized notes attached to tasks.
CREATE TABLE IF NOT EXISTS task_notes (
    id TEXT PRIMARY KEY,
    task_path TEXT NOT NULL,
    category TEXT NOT NULL,
    text TEXT NOT NULL CHECK(length(text) <= 1000),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (task_path) REFERENCES tasks(path) ON DELETE CASCADE ON UPDATE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_notes_task ON task_notes(task_path);

-- Knowledge entries. Isolated from the task dependency graph.
CREATE TABLE IF NOT EXISTS knowledge (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    text TEXT NOT NULL,
    domain TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_knowledge_project ON knowledge(project_id);
CREATE INDEX IF NOT EXISTS idx_knowledge_domain ON knowledge(domain);

CREATE TABLE IF NOT EXISTS knowledge_citations (
    id TEXT PRIMARY KEY,
    knowledge_id TEXT NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (knowledge_id) REFERENCES knowledge(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_citations_knowledge ON knowledge_citations(knowledge_id);

-- Projects group tasks and knowledge.
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Audit trail: one row per task mutation.
CREATE TABLE IF NOT EXISTS task_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    old_value TEXT,
    new_value TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_task ON task_events(task_id);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON task_events(created_at);

-- Config table (settings like id prefix).
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Metadata table (internal state like export checksums).
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Applied schema migrations.
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
