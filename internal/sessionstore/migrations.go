package sessionstore

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    branch_name TEXT,
    pr_url TEXT,
    pr_number INTEGER,
    error_message TEXT,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_task_id ON sessions(task_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

-- At most one non-terminal session per task. Enforced here, not only in
-- application logic, so concurrent Launch calls race safely: the losing
-- insert fails with a UNIQUE constraint violation.
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active_per_task
    ON sessions(task_id)
    WHERE status NOT IN ('completed', 'failed', 'cancelled');

CREATE TABLE IF NOT EXISTS session_logs (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    line TEXT NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS agent_config (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    github_owner TEXT NOT NULL,
    github_repo TEXT NOT NULL,
    clone_url TEXT,
    base_branch TEXT NOT NULL DEFAULT 'main',
    agent_model TEXT NOT NULL,
    max_session_minutes INTEGER NOT NULL DEFAULT 60,
    auto_create_pr BOOLEAN NOT NULL DEFAULT TRUE,
    working_directory TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS prompt_templates (
    name TEXT PRIMARY KEY,
    template TEXT NOT NULL,
    description TEXT,
    variables TEXT,
    is_default BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
