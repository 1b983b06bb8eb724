package store

import "strings"

// The system tables are declared once, with {{TOKEN}} placeholders for the
// type spellings that differ between postgres and sqlite. Each dialect renders
// its own DDL from this template, so the two schemas cannot drift apart.
//
// Tokens:
//
//	PK_UUID   generated uuid primary key column
//	UUID      uuid-valued column
//	UUID_GEN  unique uuid column, generated where the database can
//	JSON      json document column
//	STRARR    string-array column, with ARRLIT as its empty literal
//	BOOL/TRUE boolean column type and its true literal
//	INT, BIGINT, FLOAT numeric columns
//	TS, NOW   timestamp column and current-time expression
const systemSchemaTemplate = `
CREATE TABLE IF NOT EXISTS _entities (
    name        TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL UNIQUE,
    definition  {{JSON}} NOT NULL,
    created_at  {{TS}} DEFAULT {{NOW}},
    updated_at  {{TS}} DEFAULT {{NOW}}
);

CREATE TABLE IF NOT EXISTS _relations (
    name        TEXT PRIMARY KEY,
    source      TEXT NOT NULL REFERENCES _entities(name) ON DELETE CASCADE,
    target      TEXT NOT NULL REFERENCES _entities(name) ON DELETE CASCADE,
    definition  {{JSON}} NOT NULL,
    created_at  {{TS}} DEFAULT {{NOW}},
    updated_at  {{TS}} DEFAULT {{NOW}}
);

CREATE TABLE IF NOT EXISTS _rules (
    id          {{PK_UUID}},
    entity      TEXT NOT NULL REFERENCES _entities(name) ON DELETE CASCADE,
    hook        TEXT NOT NULL DEFAULT 'before_write',
    type        TEXT NOT NULL,
    definition  {{JSON}} NOT NULL,
    priority    {{INT}} NOT NULL DEFAULT 0,
    active      {{BOOL}} NOT NULL DEFAULT {{TRUE}},
    created_at  {{TS}} DEFAULT {{NOW}},
    updated_at  {{TS}} DEFAULT {{NOW}}
);

CREATE TABLE IF NOT EXISTS _state_machines (
    id          {{PK_UUID}},
    entity      TEXT NOT NULL REFERENCES _entities(name) ON DELETE CASCADE,
    field       TEXT NOT NULL,
    definition  {{JSON}} NOT NULL,
    active      {{BOOL}} NOT NULL DEFAULT {{TRUE}},
    created_at  {{TS}} DEFAULT {{NOW}},
    updated_at  {{TS}} DEFAULT {{NOW}}
);

CREATE TABLE IF NOT EXISTS _workflows (
    id          {{PK_UUID}},
    name        TEXT NOT NULL UNIQUE,
    trigger     {{JSON}} NOT NULL,
    context     {{JSON}} NOT NULL DEFAULT '{}',
    steps       {{JSON}} NOT NULL DEFAULT '[]',
    active      {{BOOL}} NOT NULL DEFAULT {{TRUE}},
    created_at  {{TS}} DEFAULT {{NOW}},
    updated_at  {{TS}} DEFAULT {{NOW}}
);

CREATE TABLE IF NOT EXISTS _workflow_instances (
    id                    {{PK_UUID}},
    workflow_id           {{UUID}} NOT NULL REFERENCES _workflows(id) ON DELETE CASCADE,
    workflow_name         TEXT NOT NULL,
    status                TEXT NOT NULL DEFAULT 'running',
    current_step          TEXT,
    current_step_deadline {{TS}},
    context               {{JSON}} NOT NULL DEFAULT '{}',
    history               {{JSON}} NOT NULL DEFAULT '[]',
    created_at            {{TS}} DEFAULT {{NOW}},
    updated_at            {{TS}} DEFAULT {{NOW}}
);

CREATE TABLE IF NOT EXISTS _users (
    id            {{PK_UUID}},
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         {{STRARR}} DEFAULT {{ARRLIT}},
    active        {{BOOL}} DEFAULT {{TRUE}},
    created_at    {{TS}} DEFAULT {{NOW}},
    updated_at    {{TS}} DEFAULT {{NOW}}
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         {{PK_UUID}},
    user_id    {{UUID}} NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      {{UUID_GEN}},
    expires_at {{TS}} NOT NULL,
    created_at {{TS}} DEFAULT {{NOW}}
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_token ON _refresh_tokens(token);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON _refresh_tokens(expires_at);

CREATE TABLE IF NOT EXISTS _permissions (
    id         {{PK_UUID}},
    entity     TEXT NOT NULL,
    action     TEXT NOT NULL,
    roles      {{STRARR}} NOT NULL DEFAULT {{ARRLIT}},
    conditions {{JSON}} DEFAULT '[]',
    created_at {{TS}} DEFAULT {{NOW}},
    updated_at {{TS}} DEFAULT {{NOW}}
);

CREATE TABLE IF NOT EXISTS _webhooks (
    id         {{PK_UUID}},
    entity     TEXT NOT NULL,
    hook       TEXT NOT NULL DEFAULT 'after_write',
    url        TEXT NOT NULL,
    method     TEXT NOT NULL DEFAULT 'POST',
    headers    {{JSON}} DEFAULT '{}',
    condition  TEXT DEFAULT '',
    async      {{BOOL}} NOT NULL DEFAULT {{TRUE}},
    retry      {{JSON}} DEFAULT '{"max_attempts": 3, "backoff": "exponential"}',
    active     {{BOOL}} NOT NULL DEFAULT {{TRUE}},
    created_at {{TS}} DEFAULT {{NOW}},
    updated_at {{TS}} DEFAULT {{NOW}}
);

CREATE TABLE IF NOT EXISTS _webhook_logs (
    id              {{PK_UUID}},
    webhook_id      {{UUID}} NOT NULL REFERENCES _webhooks(id) ON DELETE CASCADE,
    entity          TEXT NOT NULL,
    hook            TEXT NOT NULL,
    url             TEXT NOT NULL,
    method          TEXT NOT NULL,
    request_headers {{JSON}} DEFAULT '{}',
    request_body    TEXT DEFAULT '',
    response_status {{INT}},
    response_body   TEXT DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    attempt         {{INT}} NOT NULL DEFAULT 0,
    max_attempts    {{INT}} NOT NULL DEFAULT 3,
    next_retry_at   {{TS}},
    error           TEXT DEFAULT '',
    idempotency_key TEXT NOT NULL,
    created_at      {{TS}} DEFAULT {{NOW}},
    updated_at      {{TS}} DEFAULT {{NOW}}
);
CREATE INDEX IF NOT EXISTS idx_webhook_logs_status ON _webhook_logs(status);
CREATE INDEX IF NOT EXISTS idx_webhook_logs_retry ON _webhook_logs(next_retry_at) WHERE status = 'retrying';

CREATE TABLE IF NOT EXISTS _files (
    id            {{PK_UUID}},
    filename      TEXT NOT NULL,
    storage_path  TEXT NOT NULL,
    mime_type     TEXT NOT NULL DEFAULT 'application/octet-stream',
    size          {{BIGINT}} NOT NULL DEFAULT 0,
    uploaded_by   {{UUID}},
    created_at    {{TS}} DEFAULT {{NOW}}
);

CREATE TABLE IF NOT EXISTS _events (
    id              {{PK_UUID}},
    trace_id        {{UUID}} NOT NULL,
    span_id         {{UUID}} NOT NULL,
    parent_span_id  {{UUID}},
    event_type      TEXT NOT NULL,
    source          TEXT NOT NULL,
    component       TEXT NOT NULL,
    action          TEXT NOT NULL,
    entity          TEXT,
    record_id       TEXT,
    user_id         {{UUID}},
    duration_ms     {{FLOAT}},
    status          TEXT,
    metadata        {{JSON}},
    created_at      {{TS}} NOT NULL DEFAULT {{NOW}}
);
CREATE INDEX IF NOT EXISTS idx_events_trace ON _events (trace_id);
CREATE INDEX IF NOT EXISTS idx_events_entity_created ON _events (entity, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_created ON _events (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_type_source ON _events (event_type, source);
`

// renderSchema substitutes a dialect's token spellings into the template.
// Pairs are ordered longest-token-first so prefixes cannot shadow each other.
func renderSchema(pairs []string) string {
	return strings.NewReplacer(pairs...).Replace(systemSchemaTemplate)
}

var pgSystemTablesSQL = renderSchema([]string{
	"{{PK_UUID}}", "UUID PRIMARY KEY DEFAULT gen_random_uuid()",
	"{{UUID_GEN}}", "UUID NOT NULL UNIQUE DEFAULT gen_random_uuid()",
	"{{UUID}}", "UUID",
	"{{JSON}}", "JSONB",
	"{{STRARR}}", "TEXT[]",
	"{{ARRLIT}}", "'{}'",
	"{{BOOL}}", "BOOLEAN",
	"{{TRUE}}", "true",
	"{{INT}}", "INT",
	"{{BIGINT}}", "BIGINT",
	"{{FLOAT}}", "DOUBLE PRECISION",
	"{{TS}}", "TIMESTAMPTZ",
	"{{NOW}}", "NOW()",
})

// SQLite has no uuid generation or arrays: ids come from the application,
// string arrays are stored as JSON text.
var sqliteSystemTablesSQL = renderSchema([]string{
	"{{PK_UUID}}", "TEXT PRIMARY KEY",
	"{{UUID_GEN}}", "TEXT NOT NULL UNIQUE",
	"{{UUID}}", "TEXT",
	"{{JSON}}", "TEXT",
	"{{STRARR}}", "TEXT",
	"{{ARRLIT}}", "'[]'",
	"{{BOOL}}", "INTEGER",
	"{{TRUE}}", "1",
	"{{INT}}", "INTEGER",
	"{{BIGINT}}", "INTEGER",
	"{{FLOAT}}", "REAL",
	"{{TS}}", "TEXT",
	"{{NOW}}", "(datetime('now'))",
})
