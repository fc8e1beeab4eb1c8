package store

import "fmt"

// sqliteSchema is the base DDL for the SQLite driver.
const sqliteSchema = `
-- Case registry with hash-based change detection
CREATE TABLE IF NOT EXISTS cases (
    id INTEGER PRIMARY KEY,
    title TEXT NOT NULL,
    case_number TEXT NOT NULL DEFAULT '',
    year INTEGER NOT NULL DEFAULT 0,
    source TEXT NOT NULL UNIQUE,
    content_hash TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Typed case sections (facts, discussion, questions, ...)
CREATE TABLE IF NOT EXISTS case_sections (
    id INTEGER PRIMARY KEY,
    case_id INTEGER NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    section_type TEXT NOT NULL,
    heading TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0
);

-- One row per extraction-type run
CREATE TABLE IF NOT EXISTS extraction_sessions (
    id TEXT PRIMARY KEY,
    case_id INTEGER NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    step TEXT NOT NULL,
    extraction_type TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running',
    entity_count INTEGER NOT NULL DEFAULT 0,
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME
);

-- Polymorphic entity table keyed by case, session and extraction type
CREATE TABLE IF NOT EXISTS temporary_rdf_storage (
    id INTEGER PRIMARY KEY,
    case_id INTEGER NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    extraction_session_id TEXT NOT NULL REFERENCES extraction_sessions(id) ON DELETE CASCADE,
    extraction_type TEXT NOT NULL,
    storage_type TEXT NOT NULL DEFAULT 'individual',
    entity_label TEXT NOT NULL,
    entity_uri TEXT NOT NULL DEFAULT '',
    entity_definition TEXT NOT NULL DEFAULT '',
    rdf_json_ld TEXT NOT NULL DEFAULT '{}',
    confidence REAL NOT NULL DEFAULT 0.5,
    is_reviewed INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Grounded references between entities
CREATE TABLE IF NOT EXISTS entity_links (
    id INTEGER PRIMARY KEY,
    case_id INTEGER NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    source_entity_id INTEGER NOT NULL REFERENCES temporary_rdf_storage(id) ON DELETE CASCADE,
    target_entity_id INTEGER NOT NULL REFERENCES temporary_rdf_storage(id) ON DELETE CASCADE,
    relation TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    extraction_session_id TEXT NOT NULL DEFAULT ''
);

-- Prompt audit log
CREATE TABLE IF NOT EXISTS extraction_prompts (
    id INTEGER PRIMARY KEY,
    case_id INTEGER NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    extraction_session_id TEXT NOT NULL,
    extraction_type TEXT NOT NULL,
    section_type TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL,
    response TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Pipeline runs; doubles as the job queue
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id TEXT PRIMARY KEY,
    case_id INTEGER NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    steps TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    current_step TEXT NOT NULL DEFAULT '',
    steps_completed INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sections_case ON case_sections(case_id, position);
CREATE INDEX IF NOT EXISTS idx_sessions_case_type ON extraction_sessions(case_id, extraction_type);
CREATE INDEX IF NOT EXISTS idx_rdf_case_type ON temporary_rdf_storage(case_id, extraction_type);
CREATE INDEX IF NOT EXISTS idx_rdf_session ON temporary_rdf_storage(extraction_session_id);
CREATE INDEX IF NOT EXISTS idx_links_source ON entity_links(source_entity_id);
CREATE INDEX IF NOT EXISTS idx_links_target ON entity_links(target_entity_id);
CREATE INDEX IF NOT EXISTS idx_links_case ON entity_links(case_id);
CREATE INDEX IF NOT EXISTS idx_prompts_session ON extraction_prompts(extraction_session_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_cases_hash ON cases(content_hash);
`

// sqliteFTSSchema is applied separately: go-sqlite3 only ships FTS5 when
// built with the sqlite_fts5 tag.
const sqliteFTSSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS entities_fts USING fts5(
    entity_label,
    entity_definition,
    content='temporary_rdf_storage',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS rdf_ai AFTER INSERT ON temporary_rdf_storage BEGIN
    INSERT INTO entities_fts(rowid, entity_label, entity_definition) VALUES (new.id, new.entity_label, new.entity_definition);
END;
CREATE TRIGGER IF NOT EXISTS rdf_ad AFTER DELETE ON temporary_rdf_storage BEGIN
    INSERT INTO entities_fts(entities_fts, rowid, entity_label, entity_definition) VALUES ('delete', old.id, old.entity_label, old.entity_definition);
END;
CREATE TRIGGER IF NOT EXISTS rdf_au AFTER UPDATE ON temporary_rdf_storage BEGIN
    INSERT INTO entities_fts(entities_fts, rowid, entity_label, entity_definition) VALUES ('delete', old.id, old.entity_label, old.entity_definition);
    INSERT INTO entities_fts(rowid, entity_label, entity_definition) VALUES (new.id, new.entity_label, new.entity_definition);
END;
`

// sqliteVecSchema returns the vec0 table for entity embeddings.
func sqliteVecSchema(embeddingDim int) string {
	return fmt.Sprintf(`
CREATE VIRTUAL TABLE IF NOT EXISTS vec_entities USING vec0(
    entity_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);`, embeddingDim)
}

// postgresSchema is the base DDL for the PostgreSQL driver.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS cases (
    id BIGSERIAL PRIMARY KEY,
    title TEXT NOT NULL,
    case_number TEXT NOT NULL DEFAULT '',
    year INTEGER NOT NULL DEFAULT 0,
    source TEXT NOT NULL UNIQUE,
    content_hash TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS case_sections (
    id BIGSERIAL PRIMARY KEY,
    case_id BIGINT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    section_type TEXT NOT NULL,
    heading TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS extraction_sessions (
    id TEXT PRIMARY KEY,
    case_id BIGINT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    step TEXT NOT NULL,
    extraction_type TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running',
    entity_count INTEGER NOT NULL DEFAULT 0,
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS temporary_rdf_storage (
    id BIGSERIAL PRIMARY KEY,
    case_id BIGINT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    extraction_session_id TEXT NOT NULL REFERENCES extraction_sessions(id) ON DELETE CASCADE,
    extraction_type TEXT NOT NULL,
    storage_type TEXT NOT NULL DEFAULT 'individual',
    entity_label TEXT NOT NULL,
    entity_uri TEXT NOT NULL DEFAULT '',
    entity_definition TEXT NOT NULL DEFAULT '',
    rdf_json_ld JSONB NOT NULL DEFAULT '{}',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    is_reviewed BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS entity_links (
    id BIGSERIAL PRIMARY KEY,
    case_id BIGINT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    source_entity_id BIGINT NOT NULL REFERENCES temporary_rdf_storage(id) ON DELETE CASCADE,
    target_entity_id BIGINT NOT NULL REFERENCES temporary_rdf_storage(id) ON DELETE CASCADE,
    relation TEXT NOT NULL,
    weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    extraction_session_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS extraction_prompts (
    id BIGSERIAL PRIMARY KEY,
    case_id BIGINT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    extraction_session_id TEXT NOT NULL,
    extraction_type TEXT NOT NULL,
    section_type TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL,
    response TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    id TEXT PRIMARY KEY,
    case_id BIGINT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
    steps TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    current_step TEXT NOT NULL DEFAULT '',
    steps_completed INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sections_case ON case_sections(case_id, position);
CREATE INDEX IF NOT EXISTS idx_sessions_case_type ON extraction_sessions(case_id, extraction_type);
CREATE INDEX IF NOT EXISTS idx_rdf_case_type ON temporary_rdf_storage(case_id, extraction_type);
CREATE INDEX IF NOT EXISTS idx_rdf_session ON temporary_rdf_storage(extraction_session_id);
CREATE INDEX IF NOT EXISTS idx_links_source ON entity_links(source_entity_id);
CREATE INDEX IF NOT EXISTS idx_links_target ON entity_links(target_entity_id);
CREATE INDEX IF NOT EXISTS idx_links_case ON entity_links(case_id);
CREATE INDEX IF NOT EXISTS idx_prompts_session ON extraction_prompts(extraction_session_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_cases_hash ON cases(content_hash);
`
