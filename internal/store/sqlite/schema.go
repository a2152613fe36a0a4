package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS manifest_group (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    name            TEXT NOT NULL UNIQUE,
    max_active_jobs INTEGER,
    priority        INTEGER NOT NULL DEFAULT 0,
    is_enabled      INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS manifest (
    id                      INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id             TEXT NOT NULL UNIQUE,
    name                    TEXT NOT NULL,
    full_name               TEXT NOT NULL,
    property_type           TEXT NOT NULL,
    properties              TEXT,
    schedule_type           TEXT NOT NULL,
    cron_expression         TEXT,
    interval_seconds        INTEGER,
    max_retries             INTEGER NOT NULL DEFAULT 0,
    is_enabled              INTEGER NOT NULL DEFAULT 1,
    last_successful_run     TEXT,
    depends_on_manifest_id  INTEGER REFERENCES manifest(id),
    manifest_group_id       INTEGER NOT NULL REFERENCES manifest_group(id)
);

CREATE TABLE IF NOT EXISTS metadata (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id       TEXT NOT NULL UNIQUE,
    name              TEXT NOT NULL,
    parent_id         INTEGER REFERENCES metadata(id),
    workflow_state    TEXT NOT NULL,
    start_time        TEXT NOT NULL,
    end_time          TEXT,
    failure_step      TEXT,
    failure_exception TEXT,
    failure_reason    TEXT,
    stack_trace       TEXT,
    input             TEXT,
    output            TEXT,
    manifest_id       INTEGER REFERENCES manifest(id)
);

CREATE INDEX IF NOT EXISTS idx_metadata_manifest_state ON metadata (manifest_id, workflow_state);
CREATE INDEX IF NOT EXISTS idx_metadata_cleanup ON metadata (name, workflow_state, start_time);

CREATE TABLE IF NOT EXISTS step_metadata (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    workflow_external_id TEXT NOT NULL,
    name                 TEXT NOT NULL,
    external_id          TEXT NOT NULL,
    start_time_utc       TEXT,
    end_time_utc         TEXT,
    input_type           TEXT NOT NULL,
    output_type          TEXT NOT NULL,
    state                TEXT NOT NULL,
    has_ran              INTEGER NOT NULL DEFAULT 0,
    output_json          TEXT
);

CREATE INDEX IF NOT EXISTS idx_step_metadata_workflow ON step_metadata (workflow_external_id);

CREATE TABLE IF NOT EXISTS log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    metadata_id INTEGER NOT NULL REFERENCES metadata(id),
    level       TEXT NOT NULL,
    message     TEXT NOT NULL,
    fields      TEXT,
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_log_metadata ON log (metadata_id);

CREATE TABLE IF NOT EXISTS work_queue (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id     TEXT NOT NULL UNIQUE,
    workflow_name   TEXT NOT NULL,
    input           TEXT,
    input_type_name TEXT NOT NULL,
    status          TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    dispatched_at   TEXT,
    priority        INTEGER NOT NULL DEFAULT 0,
    manifest_id     INTEGER REFERENCES manifest(id),
    metadata_id     INTEGER REFERENCES metadata(id)
);

CREATE INDEX IF NOT EXISTS idx_work_queue_manifest_status ON work_queue (manifest_id, status);
CREATE INDEX IF NOT EXISTS idx_work_queue_dispatch_order ON work_queue (status, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS dead_letter (
    id                          INTEGER PRIMARY KEY AUTOINCREMENT,
    manifest_id                 INTEGER NOT NULL REFERENCES manifest(id),
    dead_lettered_at            TEXT NOT NULL,
    reason                      TEXT NOT NULL,
    retry_count_at_dead_letter  INTEGER NOT NULL,
    status                      TEXT NOT NULL,
    resolved_at                 TEXT,
    resolution_note             TEXT,
    retry_metadata_id           INTEGER REFERENCES metadata(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_dead_letter_open ON dead_letter (manifest_id) WHERE status = 'AwaitingIntervention';

CREATE TABLE IF NOT EXISTS background_job (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    metadata_id INTEGER NOT NULL REFERENCES metadata(id),
    input       TEXT,
    input_type  TEXT,
    created_at  TEXT NOT NULL,
    fetched_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_background_job_claim ON background_job (fetched_at, created_at);
`
