// Package schema creates and evolves the backend's relational store: table
// definitions, additive migrations, and legacy/canonical column backfills.
package schema

const ddl = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    email TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Legacy mirror of users, kept row-identical under the same id (§3 User).
CREATE TABLE IF NOT EXISTS app_users (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    email TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    owner_user_id TEXT NOT NULL,
    user_id TEXT,
    slug TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    settings_json TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (owner_user_id) REFERENCES users(id),
    UNIQUE (owner_user_id, slug)
);
CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_user_id);

CREATE TABLE IF NOT EXISTS project_storage (
    project_id TEXT PRIMARY KEY,
    base_dir TEXT NOT NULL DEFAULT '',
    project_root TEXT NOT NULL DEFAULT '',
    s3_enabled INTEGER NOT NULL DEFAULT 0,
    s3_bucket TEXT NOT NULL DEFAULT '',
    s3_prefix TEXT NOT NULL DEFAULT '',
    s3_region TEXT NOT NULL DEFAULT '',
    s3_profile TEXT NOT NULL DEFAULT '',
    s3_endpoint_url TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS project_api_secrets (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    provider_code TEXT NOT NULL,
    secret_name TEXT NOT NULL,
    ciphertext TEXT NOT NULL,
    key_ref TEXT NOT NULL DEFAULT '',
    kms_key_ref TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    UNIQUE (project_id, provider_code, secret_name)
);

CREATE TABLE IF NOT EXISTS provider_accounts (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    provider_code TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    config_json TEXT NOT NULL DEFAULT '{}',
    is_default INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    UNIQUE (project_id, provider_code)
);

CREATE TABLE IF NOT EXISTS assets (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    storage_uri TEXT NOT NULL,
    rel_path TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL DEFAULT '',
    sha256 TEXT,
    mime_type TEXT,
    width INTEGER,
    height INTEGER,
    storage_backend TEXT NOT NULL DEFAULT 'local',
    run_id TEXT,
    job_id TEXT,
    candidate_id TEXT,
    meta_json TEXT NOT NULL DEFAULT '{}',
    metadata_json TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    UNIQUE (project_id, storage_uri)
);
CREATE INDEX IF NOT EXISTS idx_assets_project ON assets(project_id);

CREATE TABLE IF NOT EXISTS asset_links (
    id TEXT PRIMARY KEY,
    parent_asset_id TEXT NOT NULL,
    child_asset_id TEXT NOT NULL,
    link_type TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY (parent_asset_id) REFERENCES assets(id) ON DELETE CASCADE,
    FOREIGN KEY (child_asset_id) REFERENCES assets(id) ON DELETE CASCADE,
    UNIQUE (parent_asset_id, child_asset_id, link_type)
);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    run_log_path TEXT NOT NULL,
    mode TEXT NOT NULL DEFAULT '',
    run_mode TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL DEFAULT '',
    time_of_day TEXT NOT NULL DEFAULT '',
    weather TEXT NOT NULL DEFAULT '',
    model_name TEXT NOT NULL DEFAULT '',
    image_size TEXT NOT NULL DEFAULT '',
    image_quality TEXT NOT NULL DEFAULT '',
    provider_code TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',
    snapshot_json TEXT NOT NULL DEFAULT '{}',
    started_at TEXT,
    finished_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    UNIQUE (project_id, run_log_path)
);
CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id);

CREATE TABLE IF NOT EXISTS run_jobs (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    job_key TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT '',
    selected_candidate_index INTEGER,
    prompt_text TEXT NOT NULL DEFAULT '',
    final_asset_id TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE,
    FOREIGN KEY (final_asset_id) REFERENCES assets(id) ON DELETE SET NULL,
    UNIQUE (run_id, job_key)
);
CREATE INDEX IF NOT EXISTS idx_run_jobs_run ON run_jobs(run_id);

-- Canonical candidate table: asset-id references (§9 open question: the
-- asset-id form is canonical).
CREATE TABLE IF NOT EXISTS run_candidates (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    candidate_index INTEGER NOT NULL,
    output_asset_id TEXT,
    final_asset_id TEXT,
    hard_failures INTEGER NOT NULL DEFAULT 0,
    soft_warnings INTEGER NOT NULL DEFAULT 0,
    avg_chroma_exceed REAL NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (job_id) REFERENCES run_jobs(id) ON DELETE CASCADE,
    FOREIGN KEY (output_asset_id) REFERENCES assets(id) ON DELETE SET NULL,
    FOREIGN KEY (final_asset_id) REFERENCES assets(id) ON DELETE SET NULL,
    UNIQUE (job_id, candidate_index)
);
CREATE INDEX IF NOT EXISTS idx_run_candidates_job ON run_candidates(job_id);

-- Legacy candidate table: path-string outputs, kept in sync by the Run
-- Ingestor but never treated as authoritative (§9).
CREATE TABLE IF NOT EXISTS run_job_candidates (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    candidate_index INTEGER NOT NULL,
    output_path TEXT NOT NULL DEFAULT '',
    final_path TEXT NOT NULL DEFAULT '',
    hard_failures INTEGER NOT NULL DEFAULT 0,
    soft_warnings INTEGER NOT NULL DEFAULT 0,
    avg_chroma_exceed REAL NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (job_id) REFERENCES run_jobs(id) ON DELETE CASCADE,
    UNIQUE (job_id, candidate_index)
);

CREATE TABLE IF NOT EXISTS quality_reports (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    run_id TEXT,
    job_id TEXT,
    candidate_id TEXT,
    report_type TEXT NOT NULL,
    summary_json TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE,
    FOREIGN KEY (job_id) REFERENCES run_jobs(id) ON DELETE CASCADE,
    FOREIGN KEY (candidate_id) REFERENCES run_candidates(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_quality_reports_run ON quality_reports(run_id);

CREATE TABLE IF NOT EXISTS cost_events (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    run_id TEXT,
    job_id TEXT,
    provider_code TEXT NOT NULL DEFAULT '',
    operation_code TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL DEFAULT '',
    units REAL NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    currency TEXT NOT NULL DEFAULT 'usd',
    amount_cents INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_cost_events_project ON cost_events(project_id);

CREATE TABLE IF NOT EXISTS style_guides (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    name TEXT NOT NULL,
    body_markdown TEXT NOT NULL DEFAULT '',
    tags_json TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS characters (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    reference_asset_id TEXT,
    traits_json TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (reference_asset_id) REFERENCES assets(id) ON DELETE SET NULL,
    UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS reference_sets (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS reference_items (
    id TEXT PRIMARY KEY,
    reference_set_id TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    created_at TEXT NOT NULL,
    FOREIGN KEY (reference_set_id) REFERENCES reference_sets(id) ON DELETE CASCADE,
    FOREIGN KEY (asset_id) REFERENCES assets(id) ON DELETE CASCADE,
    UNIQUE (reference_set_id, asset_id)
);

CREATE TABLE IF NOT EXISTS chat_sessions (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    title TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    tool_name TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS agent_instructions (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    instruction_type TEXT NOT NULL DEFAULT '',
    objective TEXT NOT NULL DEFAULT '',
    constraints_json TEXT NOT NULL DEFAULT '{}',
    inputs_json TEXT NOT NULL DEFAULT '{}',
    execution_json TEXT NOT NULL DEFAULT '{}',
    payload_json TEXT NOT NULL DEFAULT '{}',
    callback TEXT NOT NULL DEFAULT '',
    requested_by TEXT NOT NULL DEFAULT '',
    requires_confirmation INTEGER NOT NULL DEFAULT 0,
    confirmed_by TEXT,
    status TEXT NOT NULL DEFAULT 'draft',
    priority INTEGER NOT NULL DEFAULT 100,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    retry_backoff_seconds INTEGER NOT NULL DEFAULT 5,
    last_error TEXT,
    agent_response_json TEXT,
    locked_by TEXT,
    locked_at TEXT,
    next_attempt_at TEXT,
    started_at TEXT,
    finished_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_agent_instructions_reserve ON agent_instructions(status, priority, created_at);

CREATE TABLE IF NOT EXISTS agent_instruction_events (
    id TEXT PRIMARY KEY,
    instruction_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    detail_json TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    FOREIGN KEY (instruction_id) REFERENCES agent_instructions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_agent_instruction_events_instruction ON agent_instruction_events(instruction_id, created_at);

CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    project_id TEXT,
    actor_user_id TEXT,
    event_code TEXT NOT NULL,
    target_type TEXT,
    target_id TEXT,
    payload_json TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_project ON audit_events(project_id, created_at);

CREATE TABLE IF NOT EXISTS project_exports (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    asset_id TEXT NOT NULL,
    format TEXT NOT NULL,
    sha256 TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (asset_id) REFERENCES assets(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS schema_migrations (
    version TEXT PRIMARY KEY,
    note TEXT NOT NULL DEFAULT '',
    applied_at TEXT NOT NULL
);
`
