// Package postgres implements the storage contracts on PostgreSQL with
// tsvector full-text search and pgvector nearest-neighbor search.
package postgres

// Schema contains the base DDL. Every statement is idempotent so the schema
// can be applied on every start.
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
    embedding BYTEA NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, doc_id)
);
`

// MigrationFTS adds tsvector columns, GIN indexes, and sync triggers for
// keyword search over turns and summaries. Safe to run multiple times.
const MigrationFTS = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'turns' AND column_name = 'text_tsv'
    ) THEN
        ALTER TABLE turns ADD COLUMN text_tsv tsvector;
    END IF;
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'summaries' AND column_name = 'text_tsv'
    ) THEN
        ALTER TABLE summaries ADD COLUMN text_tsv tsvector;
    END IF;
END
$$;

UPDATE turns SET text_tsv = to_tsvector('english', text) WHERE text_tsv IS NULL;
UPDATE summaries SET text_tsv = to_tsvector('english', text) WHERE text_tsv IS NULL;

CREATE INDEX IF NOT EXISTS idx_turns_text_tsv ON turns USING GIN(text_tsv);
CREATE INDEX IF NOT EXISTS idx_summaries_text_tsv ON summaries USING GIN(text_tsv);

CREATE OR REPLACE FUNCTION docs_tsv_update()
RETURNS TRIGGER AS $$
BEGIN
    NEW.text_tsv := to_tsvector('english', COALESCE(NEW.text, ''));
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS turns_tsv_trigger ON turns;
CREATE TRIGGER turns_tsv_trigger
    BEFORE INSERT OR UPDATE OF text
    ON turns
    FOR EACH ROW
    EXECUTE FUNCTION docs_tsv_update();

DROP TRIGGER IF EXISTS summaries_tsv_trigger ON summaries;
CREATE TRIGGER summaries_tsv_trigger
    BEFORE INSERT OR UPDATE OF text
    ON summaries
    FOR EACH ROW
    EXECUTE FUNCTION docs_tsv_update();
`

// MigrationPgvector adds the vector column and ANN index. Only applied when
// the pgvector extension is available. Safe to run multiple times.
const MigrationPgvector = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'embeddings' AND column_name = 'embedding_vec'
    ) THEN
        ALTER TABLE embeddings ADD COLUMN embedding_vec vector;
    END IF;
END
$$;

-- ivfflat requires at least one row to exist, so creation is guarded.
DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1 FROM pg_indexes WHERE indexname = 'idx_embeddings_vec_cosine'
  ) THEN
    IF EXISTS (SELECT 1 FROM embeddings LIMIT 1) THEN
      EXECUTE 'CREATE INDEX idx_embeddings_vec_cosine ON embeddings USING ivfflat (embedding_vec vector_cosine_ops) WITH (lists = 100)';
    END IF;
  END IF;
END$$;
`
