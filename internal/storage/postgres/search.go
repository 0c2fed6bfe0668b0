package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// turnFilterSQL appends WHERE fragments restricting turns to the filters:
// a mention-type EXISTS subquery and utterance-time bounds. Placeholders are
// numbered from the current argument count.
func turnFilterSQL(filters storage.SearchFilters, args []interface{}) (string, []interface{}) {
	var sql string
	if filters.EntityType != "" {
		args = append(args, string(filters.EntityType))
		sql += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM entity_mentions em WHERE em.turn_id = t.id AND em.type = $%d)", len(args))
	}
	if !filters.From.IsZero() {
		args = append(args, filters.From)
		sql += fmt.Sprintf(" AND t.timestamp >= $%d", len(args))
	}
	if !filters.To.IsZero() {
		args = append(args, filters.To)
		sql += fmt.Sprintf(" AND t.timestamp <= $%d", len(args))
	}
	return sql, args
}

// summaryFilterSQL appends WHERE fragments restricting summaries to the date
// range: a summary matches when its covered span overlaps [From, To].
func summaryFilterSQL(filters storage.SearchFilters, args []interface{}) (string, []interface{}) {
	var sql string
	if !filters.From.IsZero() {
		args = append(args, filters.From)
		sql += fmt.Sprintf(" AND su.span_end >= $%d", len(args))
	}
	if !filters.To.IsZero() {
		args = append(args, filters.To)
		sql += fmt.Sprintf(" AND su.span_start <= $%d", len(args))
	}
	return sql, args
}

// LexicalSearch performs tsvector keyword search over the user's searchable
// corpus: unconsolidated turns plus summaries, narrowed by the optional
// filters. The hit score is ts_rank, so higher is better.
func (s *Store) LexicalSearch(ctx context.Context, userID, query string, limit int, filters storage.SearchFilters) ([]storage.SearchHit, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}

	var hits []storage.SearchHit

	turnCond, turnArgs := turnFilterSQL(filters, []interface{}{query, userID})
	turnArgs = append(turnArgs, limit)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT t.id, t.text, t.created_at,
			ts_rank(t.text_tsv, plainto_tsquery('english', $1))
		FROM turns t
		WHERE t.text_tsv @@ plainto_tsquery('english', $1)
			AND t.user_id = $2 AND t.summary_id IS NULL%s
		ORDER BY ts_rank(t.text_tsv, plainto_tsquery('english', $1)) DESC
		LIMIT $%d`, turnCond, len(turnArgs)),
		turnArgs...)
	if err != nil {
		return nil, fmt.Errorf("postgres: lexical search %q: %w", query, err)
	}
	for rows.Next() {
		var hit storage.SearchHit
		hit.Kind = types.DocTurn
		if err := rows.Scan(&hit.DocID, &hit.Text, &hit.CreatedAt, &hit.Score); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("postgres: lexical search scan: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("postgres: lexical search rows: %w", err)
	}
	_ = rows.Close()

	// Summaries carry no mentions, so a type filter excludes them outright.
	if filters.EntityType == "" {
		summaryCond, summaryArgs := summaryFilterSQL(filters, []interface{}{query, userID})
		summaryArgs = append(summaryArgs, limit)
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT su.id, su.text, su.created_at,
				ts_rank(su.text_tsv, plainto_tsquery('english', $1))
			FROM summaries su
			WHERE su.text_tsv @@ plainto_tsquery('english', $1) AND su.user_id = $2%s
			ORDER BY ts_rank(su.text_tsv, plainto_tsquery('english', $1)) DESC
			LIMIT $%d`, summaryCond, len(summaryArgs)),
			summaryArgs...)
		if err != nil {
			return nil, fmt.Errorf("postgres: summary search %q: %w", query, err)
		}
		for rows.Next() {
			var hit storage.SearchHit
			hit.Kind = types.DocSummary
			if err := rows.Scan(&hit.DocID, &hit.Text, &hit.CreatedAt, &hit.Score); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("postgres: summary search scan: %w", err)
			}
			hits = append(hits, hit)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("postgres: summary search rows: %w", err)
		}
		_ = rows.Close()
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// UpsertEmbedding stores or replaces the vector for a document. The BYTEA
// column is always written; the pgvector column is populated when available
// so ANN search can use the ivfflat index.
func (s *Store) UpsertEmbedding(ctx context.Context, userID, docID string, kind types.DocKind, vec []float32) error {
	if userID == "" || docID == "" {
		return fmt.Errorf("%w: user ID and doc ID are required", storage.ErrInvalidInput)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}

	now := time.Now()
	if s.pgvectorAvailable {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO embeddings (user_id, doc_id, kind, embedding, dimension, embedding_vec, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $7)
			ON CONFLICT (user_id, doc_id) DO UPDATE SET
				kind = excluded.kind,
				embedding = excluded.embedding,
				dimension = excluded.dimension,
				embedding_vec = excluded.embedding_vec,
				updated_at = excluded.updated_at`,
			userID, docID, kind, storage.EncodeVector(vec), len(vec), pgvector.NewVector(vec), now)
		if err != nil {
			return fmt.Errorf("postgres: failed to upsert embedding: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (user_id, doc_id, kind, embedding, dimension, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id, doc_id) DO UPDATE SET
			kind = excluded.kind,
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			updated_at = excluded.updated_at`,
		userID, docID, kind, storage.EncodeVector(vec), len(vec), now)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert embedding: %w", err)
	}
	return nil
}

// corpusFilterSQL builds the two-arm corpus condition shared by both
// semantic paths: live turns narrowed by the turn filters, summaries
// narrowed by the date range or dropped entirely under a type filter.
func corpusFilterSQL(filters storage.SearchFilters, args []interface{}) (string, []interface{}) {
	var turnCond string
	turnCond, args = turnFilterSQL(filters, args)

	summaryArm := "(e.kind = 'summary' AND su.id IS NOT NULL"
	if filters.EntityType != "" {
		summaryArm += " AND FALSE"
	}
	var summaryCond string
	summaryCond, args = summaryFilterSQL(filters, args)
	summaryArm += summaryCond + ")"

	cond := "((e.kind = 'turn' AND t.id IS NOT NULL AND t.summary_id IS NULL" + turnCond + ") OR " + summaryArm + ")"
	return cond, args
}

// SemanticSearch ranks the user's documents by cosine similarity to the
// query vector. With pgvector the <=> operator and ivfflat index do the
// work; without it the BYTEA embeddings are scanned in process.
func (s *Store) SemanticSearch(ctx context.Context, userID string, vec []float32, limit int, filters storage.SearchFilters) ([]storage.SearchHit, error) {
	if len(vec) == 0 || limit <= 0 {
		return nil, nil
	}
	if s.pgvectorAvailable {
		return s.semanticSearchPgvector(ctx, userID, vec, limit, filters)
	}
	return s.semanticSearchScan(ctx, userID, vec, limit, filters)
}

func (s *Store) semanticSearchPgvector(ctx context.Context, userID string, vec []float32, limit int, filters storage.SearchFilters) ([]storage.SearchHit, error) {
	cond, args := corpusFilterSQL(filters, []interface{}{pgvector.NewVector(vec), userID})
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT e.doc_id, e.kind,
			COALESCE(t.text, su.text), COALESCE(t.created_at, su.created_at),
			1 - (e.embedding_vec <=> $1::vector)
		FROM embeddings e
		LEFT JOIN turns t ON e.kind = 'turn' AND t.id = e.doc_id
		LEFT JOIN summaries su ON e.kind = 'summary' AND su.id = e.doc_id
		WHERE e.user_id = $2 AND e.embedding_vec IS NOT NULL
			AND %s
		ORDER BY e.embedding_vec <=> $1::vector
		LIMIT $%d`, cond, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: semantic search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.SearchHit
	for rows.Next() {
		var hit storage.SearchHit
		if err := rows.Scan(&hit.DocID, &hit.Kind, &hit.Text, &hit.CreatedAt, &hit.Score); err != nil {
			return nil, fmt.Errorf("postgres: semantic search scan: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: semantic search rows: %w", err)
	}
	return hits, nil
}

// semanticSearchScanMaxCandidates caps the embeddings loaded when pgvector
// is unavailable and similarity is computed in process.
const semanticSearchScanMaxCandidates = 10_000

func (s *Store) semanticSearchScan(ctx context.Context, userID string, vec []float32, limit int, filters storage.SearchFilters) ([]storage.SearchHit, error) {
	cond, args := corpusFilterSQL(filters, []interface{}{userID})
	args = append(args, semanticSearchScanMaxCandidates)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT e.doc_id, e.kind, e.embedding, e.dimension,
			COALESCE(t.text, su.text), COALESCE(t.created_at, su.created_at)
		FROM embeddings e
		LEFT JOIN turns t ON e.kind = 'turn' AND t.id = e.doc_id
		LEFT JOIN summaries su ON e.kind = 'summary' AND su.id = e.doc_id
		WHERE e.user_id = $1
			AND %s
		ORDER BY e.created_at DESC
		LIMIT $%d`, cond, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.SearchHit
	for rows.Next() {
		var (
			hit       storage.SearchHit
			blob      []byte
			dimension int
		)
		if err := rows.Scan(&hit.DocID, &hit.Kind, &blob, &dimension, &hit.Text, &hit.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan embedding row: %w", err)
		}
		candidate, err := storage.DecodeVector(blob, dimension)
		if err != nil {
			continue
		}
		hit.Score = storage.CosineSimilarity(vec, candidate)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating embeddings: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// DeleteEmbedding removes a document's vector if present.
func (s *Store) DeleteEmbedding(ctx context.Context, userID, docID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM embeddings WHERE user_id = $1 AND doc_id = $2`,
		userID, docID)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete embedding: %w", err)
	}
	return nil
}
