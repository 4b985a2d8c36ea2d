// Package postgres provides the PostgreSQL-backed implementation of
// [store.Store]: tenancy and agent configuration, session records, quota
// counters, post-call artifacts, the transcript semantic index, and the
// persistent reconciliation queue.
//
// All concerns share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.New(ctx, dsn, 1536)
//	if err != nil { … }
//	defer st.Close()
//
//	agent, err := st.GetAgentByPublicID(ctx, "pub_3fa8…")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Tenancy DDL — tenants, voices, models
// ─────────────────────────────────────────────────────────────────────────────

const ddlTenancy = `
CREATE TABLE IF NOT EXISTS tenants (
    id                   TEXT         PRIMARY KEY,
    name                 TEXT         NOT NULL,
    token_balance        BIGINT       NOT NULL DEFAULT 0,
    approved_domains     JSONB        NOT NULL DEFAULT '[]',
    variable_webhook_url TEXT         NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS voices (
    id                TEXT     PRIMARY KEY,
    tenant_id         TEXT     NOT NULL DEFAULT '',
    name              TEXT     NOT NULL,
    provider_voice_id TEXT     NOT NULL,
    preset            BOOLEAN  NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_voices_tenant ON voices (tenant_id);

CREATE TABLE IF NOT EXISTS ai_models (
    id                TEXT  PRIMARY KEY,
    name              TEXT  NOT NULL,
    provider_model_id TEXT  NOT NULL
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Agent DDL — agents, knowledge, tools, bridge tables
// ─────────────────────────────────────────────────────────────────────────────

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
    id                 TEXT         PRIMARY KEY,
    tenant_id          TEXT         NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
    display_name       TEXT         NOT NULL,
    public_id          TEXT         NOT NULL UNIQUE,
    provider_agent_id  TEXT         NOT NULL DEFAULT '',
    voice_id           TEXT         NOT NULL DEFAULT '',
    model_id           TEXT         NOT NULL DEFAULT '',
    tts_model_id       TEXT         NOT NULL DEFAULT '',
    language           TEXT         NOT NULL DEFAULT 'en',
    system_prompt      TEXT         NOT NULL DEFAULT '',
    first_message      TEXT         NOT NULL DEFAULT '',
    temperature        DOUBLE PRECISION NOT NULL DEFAULT 0,
    max_output_tokens  INTEGER      NOT NULL DEFAULT 0,
    dynamic_variables  JSONB        NOT NULL DEFAULT '{}',
    noise              JSONB        NOT NULL DEFAULT '{}',
    per_call_token_cap BIGINT       NOT NULL DEFAULT 0,
    overall_cap        BIGINT       NOT NULL DEFAULT 0,
    overall_used       BIGINT       NOT NULL DEFAULT 0,
    daily_cap          BIGINT       NOT NULL DEFAULT 0,
    daily_used         BIGINT       NOT NULL DEFAULT 0,
    daily_window_start TIMESTAMPTZ  NOT NULL DEFAULT now(),
    enabled            BOOLEAN      NOT NULL DEFAULT true,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents (tenant_id);
CREATE INDEX IF NOT EXISTS idx_agents_public_id ON agents (public_id);

CREATE TABLE IF NOT EXISTS knowledge_items (
    id                   TEXT         PRIMARY KEY,
    tenant_id            TEXT         NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
    kind                 TEXT         NOT NULL,
    name                 TEXT         NOT NULL,
    provider_document_id TEXT         NOT NULL DEFAULT '',
    content              TEXT         NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_items_tenant ON knowledge_items (tenant_id);

CREATE TABLE IF NOT EXISTS agent_knowledge (
    agent_id     TEXT NOT NULL REFERENCES agents (id) ON DELETE CASCADE,
    knowledge_id TEXT NOT NULL REFERENCES knowledge_items (id) ON DELETE CASCADE,
    position     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (agent_id, knowledge_id)
);

CREATE TABLE IF NOT EXISTS tools (
    id                 TEXT         PRIMARY KEY,
    tenant_id          TEXT         NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
    name               TEXT         NOT NULL,
    description        TEXT         NOT NULL DEFAULT '',
    kind               TEXT         NOT NULL DEFAULT 'webhook',
    method             TEXT         NOT NULL DEFAULT 'GET',
    url_template       TEXT         NOT NULL DEFAULT '',
    headers            JSONB        NOT NULL DEFAULT '{}',
    query_schema       JSONB        NOT NULL DEFAULT '{}',
    body_schema        JSONB        NOT NULL DEFAULT 'null',
    response_variables JSONB        NOT NULL DEFAULT '{}',
    timeout_seconds    INTEGER      NOT NULL DEFAULT 0,
    mcp_server_url     TEXT         NOT NULL DEFAULT '',
    provider_tool_id   TEXT         NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (tenant_id, provider_tool_id)
);

CREATE INDEX IF NOT EXISTS idx_tools_tenant ON tools (tenant_id);

CREATE TABLE IF NOT EXISTS agent_tools (
    agent_id TEXT NOT NULL REFERENCES agents (id) ON DELETE CASCADE,
    tool_id  TEXT NOT NULL REFERENCES tools (id) ON DELETE CASCADE,
    position INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (agent_id, tool_id)
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Session DDL — sessions, recordings, transcripts
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id                       TEXT         PRIMARY KEY,
    agent_id                 TEXT         NOT NULL,
    tenant_id                TEXT         NOT NULL,
    transport                TEXT         NOT NULL,
    language                 TEXT         NOT NULL DEFAULT '',
    model                    TEXT         NOT NULL DEFAULT '',
    requested_model          TEXT         NOT NULL DEFAULT '',
    model_corrected          BOOLEAN      NOT NULL DEFAULT false,
    user_id                  TEXT         NOT NULL DEFAULT '',
    started_at               TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at                 TIMESTAMPTZ,
    status                   TEXT         NOT NULL DEFAULT 'active',
    error_code               TEXT         NOT NULL DEFAULT '',
    provider_conversation_id TEXT         NOT NULL DEFAULT '',
    tokens_consumed          BIGINT       NOT NULL DEFAULT 0,
    cost                     DOUBLE PRECISION NOT NULL DEFAULT 0,
    variables                JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions (agent_id);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions (tenant_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);

CREATE TABLE IF NOT EXISTS recordings (
    session_id               TEXT         PRIMARY KEY REFERENCES sessions (id) ON DELETE CASCADE,
    audio_path               TEXT         NOT NULL DEFAULT '',
    duration_seconds         DOUBLE PRECISION NOT NULL DEFAULT 0,
    provider_conversation_id TEXT         NOT NULL DEFAULT '',
    created_at               TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transcripts (
    session_id  TEXT         PRIMARY KEY REFERENCES sessions (id) ON DELETE CASCADE,
    summary     TEXT         NOT NULL DEFAULT '',
    turns       JSONB        NOT NULL DEFAULT '[]',
    corrections JSONB        NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Reconciliation queue DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlJobs = `
CREATE TABLE IF NOT EXISTS reconcile_jobs (
    id                         TEXT         PRIMARY KEY,
    session_id                 TEXT         NOT NULL UNIQUE,
    provider_agent_id          TEXT         NOT NULL DEFAULT '',
    session_start              TIMESTAMPTZ  NOT NULL,
    session_end                TIMESTAMPTZ  NOT NULL,
    session_status             TEXT         NOT NULL DEFAULT '',
    tentative_conversation_id  TEXT         NOT NULL DEFAULT '',
    fallback_turns             JSONB        NOT NULL DEFAULT '[]',
    status                     TEXT         NOT NULL DEFAULT 'pending',
    attempts                   INTEGER      NOT NULL DEFAULT 0,
    due_at                     TIMESTAMPTZ  NOT NULL,
    last_err                   TEXT         NOT NULL DEFAULT '',
    created_at                 TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at                 TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reconcile_jobs_due
    ON reconcile_jobs (status, due_at);
`

// ddlChunks returns the semantic-index DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS transcript_chunks (
    id                TEXT         PRIMARY KEY,
    session_id        TEXT         NOT NULL,
    tenant_id         TEXT         NOT NULL DEFAULT '',
    agent_id          TEXT         NOT NULL DEFAULT '',
    role              TEXT         NOT NULL DEFAULT '',
    content           TEXT         NOT NULL,
    embedding         vector(%d),
    time_in_call_secs DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_chunks_session
    ON transcript_chunks (session_id);

CREATE INDEX IF NOT EXISTS idx_transcript_chunks_tenant
    ON transcript_chunks (tenant_id);

CREATE INDEX IF NOT EXISTS idx_transcript_chunks_embedding
    ON transcript_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indexes and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing the
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlTenancy,
		ddlAgents,
		ddlSessions,
		ddlChunks(embeddingDimensions),
		ddlJobs,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
