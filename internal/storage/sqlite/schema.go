package sqlite

// Schema creates all tables, indexes, FTS5 virtual tables, and sync triggers.
// Every statement is idempotent so the schema can be applied on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS turns (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL,
    kind TEXT NOT NULL,
    text TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    entity_status TEXT NOT NULL DEFAULT 'pending',
    embedding_status TEXT NOT NULL DEFAULT 'pending',
    enrichment_attempts INTEGER NOT NULL DEFAULT 0,
    enrichment_error TEXT NOT NULL DEFAULT '',
    summary_id TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_turns_user_time ON turns(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_turns_unconsolidated ON turns(user_id, timestamp) WHERE summary_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_turns_enrichment ON turns(entity_status, embedding_status);

CREATE TABLE IF NOT EXISTS summaries (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    text TEXT NOT NULL,
    turn_count INTEGER NOT NULL,
    from_turn_id TEXT NOT NULL,
    to_turn_id TEXT NOT NULL,
    span_start TIMESTAMP NOT NULL,
    span_end TIMESTAMP NOT NULL,
    chars_saved INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_summaries_user ON summaries(user_id, created_at);

CREATE TABLE IF NOT EXISTS consolidation_runs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    turns_consolidated INTEGER NOT NULL,
    summaries_created INTEGER NOT NULL,
    spans_failed INTEGER NOT NULL,
    chars_saved INTEGER NOT NULL,
    cutoff TIMESTAMP NOT NULL,
    ran_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_user ON consolidation_runs(user_id, ran_at);

CREATE TABLE IF NOT EXISTS canonical_entities (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    type TEXT NOT NULL,
    label TEXT NOT NULL,
    normalized TEXT NOT NULL,
    mention_count INTEGER NOT NULL DEFAULT 0,
    first_seen TIMESTAMP NOT NULL,
    last_seen TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP,
    UNIQUE(user_id, type, normalized)
);

CREATE INDEX IF NOT EXISTS idx_entities_user ON canonical_entities(user_id, mention_count DESC) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS entity_mentions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    turn_id TEXT NOT NULL,
    surface TEXT NOT NULL,
    type TEXT NOT NULL,
    confidence REAL NOT NULL,
    context TEXT NOT NULL DEFAULT '',
    canonical_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_mentions_canonical ON entity_mentions(user_id, canonical_id);
CREATE INDEX IF NOT EXISTS idx_mentions_turn ON entity_mentions(turn_id);

CREATE TABLE IF NOT EXISTS entity_aliases (
    user_id TEXT NOT NULL,
    alias_norm TEXT NOT NULL,
    canonical_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, alias_norm)
);

CREATE TABLE IF NOT EXISTS embeddings (
    user_id TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    embedding BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, doc_id)
);

CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts USING fts5(
    text,
    content='turns',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS turns_fts_insert AFTER INSERT ON turns BEGIN
    INSERT INTO turns_fts(rowid, text) VALUES (new.rowid, new.text);
END;

CREATE TRIGGER IF NOT EXISTS turns_fts_delete AFTER DELETE ON turns BEGIN
    INSERT INTO turns_fts(turns_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
END;

CREATE TRIGGER IF NOT EXISTS turns_fts_update AFTER UPDATE OF text ON turns BEGIN
    INSERT INTO turns_fts(turns_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
    INSERT INTO turns_fts(rowid, text) VALUES (new.rowid, new.text);
END;

CREATE VIRTUAL TABLE IF NOT EXISTS summaries_fts USING fts5(
    text,
    content='summaries',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS summaries_fts_insert AFTER INSERT ON summaries BEGIN
    INSERT INTO summaries_fts(rowid, text) VALUES (new.rowid, new.text);
END;

CREATE TRIGGER IF NOT EXISTS summaries_fts_delete AFTER DELETE ON summaries BEGIN
    INSERT INTO summaries_fts(summaries_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
END;
`
