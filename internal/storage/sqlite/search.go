package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// turnFilterSQL appends WHERE fragments restricting turns to the filters:
// a mention-type EXISTS subquery and utterance-time bounds.
func turnFilterSQL(filters storage.SearchFilters, args []interface{}) (string, []interface{}) {
	var sql string
	if filters.EntityType != "" {
		sql += " AND EXISTS (SELECT 1 FROM entity_mentions em WHERE em.turn_id = t.id AND em.type = ?)"
		args = append(args, string(filters.EntityType))
	}
	if !filters.From.IsZero() {
		sql += " AND t.timestamp >= ?"
		args = append(args, filters.From)
	}
	if !filters.To.IsZero() {
		sql += " AND t.timestamp <= ?"
		args = append(args, filters.To)
	}
	return sql, args
}

// summaryFilterSQL appends WHERE fragments restricting summaries to the date
// range: a summary matches when its covered span overlaps [From, To].
func summaryFilterSQL(filters storage.SearchFilters, args []interface{}) (string, []interface{}) {
	var sql string
	if !filters.From.IsZero() {
		sql += " AND su.span_end >= ?"
		args = append(args, filters.From)
	}
	if !filters.To.IsZero() {
		sql += " AND su.span_start <= ?"
		args = append(args, filters.To)
	}
	return sql, args
}

// LexicalSearch performs FTS5-backed keyword search over the user's
// searchable corpus: unconsolidated turns plus summaries, narrowed by the
// optional filters.
//
// FTS5 rank values are negative (more negative == better match), so the hit
// score is the negated rank and higher is better.
func (s *Store) LexicalSearch(ctx context.Context, userID, query string, limit int, filters storage.SearchFilters) ([]storage.SearchHit, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}

	ftsQuery := sanitiseFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	var hits []storage.SearchHit

	turnCond, turnArgs := turnFilterSQL(filters, []interface{}{ftsQuery, userID})
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.text, t.created_at, -fts.rank
		FROM turns_fts fts
		JOIN turns t ON t.rowid = fts.rowid
		WHERE turns_fts MATCH ? AND t.user_id = ? AND t.summary_id IS NULL`+turnCond+`
		ORDER BY fts.rank
		LIMIT ?`,
		append(turnArgs, limit)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: lexical search MATCH %q: %w", query, err)
	}
	for rows.Next() {
		var hit storage.SearchHit
		hit.Kind = types.DocTurn
		if err := rows.Scan(&hit.DocID, &hit.Text, &hit.CreatedAt, &hit.Score); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlite: lexical search scan: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("sqlite: lexical search rows: %w", err)
	}
	_ = rows.Close()

	// Summaries carry no mentions, so a type filter excludes them outright.
	if filters.EntityType == "" {
		summaryCond, summaryArgs := summaryFilterSQL(filters, []interface{}{ftsQuery, userID})
		rows, err = s.db.QueryContext(ctx, `
			SELECT su.id, su.text, su.created_at, -fts.rank
			FROM summaries_fts fts
			JOIN summaries su ON su.rowid = fts.rowid
			WHERE summaries_fts MATCH ? AND su.user_id = ?`+summaryCond+`
			ORDER BY fts.rank
			LIMIT ?`,
			append(summaryArgs, limit)...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: summary search MATCH %q: %w", query, err)
		}
		for rows.Next() {
			var hit storage.SearchHit
			hit.Kind = types.DocSummary
			if err := rows.Scan(&hit.DocID, &hit.Text, &hit.CreatedAt, &hit.Score); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("sqlite: summary search scan: %w", err)
			}
			hits = append(hits, hit)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlite: summary search rows: %w", err)
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

// semanticSearchMaxCandidates caps the number of embeddings loaded during a
// vector search. Candidates are selected newest first so recent documents
// are always considered. For typical per-user corpora this limit is never
// hit; larger deployments should use the postgres engine.
const semanticSearchMaxCandidates = 10_000

// UpsertEmbedding stores or replaces the vector for a document.
func (s *Store) UpsertEmbedding(ctx context.Context, userID, docID string, kind types.DocKind, vec []float32) error {
	if userID == "" || docID == "" {
		return fmt.Errorf("%w: user ID and doc ID are required", storage.ErrInvalidInput)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (user_id, doc_id, kind, embedding, dimension, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, doc_id) DO UPDATE SET
			kind = excluded.kind,
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			updated_at = excluded.updated_at`,
		userID, docID, kind, storage.EncodeVector(vec), len(vec), time.Now(), time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// SemanticSearch ranks the user's documents by cosine similarity to the
// query vector. Embeddings are scanned in process; consolidated turns are
// excluded, summaries participate unless the filters exclude them.
func (s *Store) SemanticSearch(ctx context.Context, userID string, vec []float32, limit int, filters storage.SearchFilters) ([]storage.SearchHit, error) {
	if len(vec) == 0 || limit <= 0 {
		return nil, nil
	}

	turnCond, args := turnFilterSQL(filters, []interface{}{userID})
	summaryArm := "(e.kind = 'summary' AND su.id IS NOT NULL"
	if filters.EntityType != "" {
		summaryArm += " AND 1 = 0"
	}
	var summaryCond string
	summaryCond, args = summaryFilterSQL(filters, args)
	summaryArm += summaryCond + ")"

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.doc_id, e.kind, e.embedding, e.dimension,
			COALESCE(t.text, su.text), COALESCE(t.created_at, su.created_at)
		FROM embeddings e
		LEFT JOIN turns t ON e.kind = 'turn' AND t.id = e.doc_id
		LEFT JOIN summaries su ON e.kind = 'summary' AND su.id = e.doc_id
		WHERE e.user_id = ?
			AND ((e.kind = 'turn' AND t.id IS NOT NULL AND t.summary_id IS NULL`+turnCond+`)
				OR `+summaryArm+`)
		ORDER BY e.created_at DESC
		LIMIT ?`,
		append(args, semanticSearchMaxCandidates)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
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
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		candidate, err := storage.DecodeVector(blob, dimension)
		if err != nil {
			continue
		}
		hit.Score = storage.CosineSimilarity(vec, candidate)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embeddings: %w", err)
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
		DELETE FROM embeddings WHERE user_id = ? AND doc_id = ?`,
		userID, docID)
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return nil
}

// sanitiseFTSQuery converts a free-form user query into a safe FTS5 MATCH
// expression. FTS5 syntax is fragile: an unbalanced quote or stray operator
// keyword causes a syntax error, so the input is reduced to prefix terms
// joined with OR.
func sanitiseFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		`"`, ` `,
		`'`, ` `,
		`(`, ` `,
		`)`, ` `,
		`*`, ` `,
		`-`, ` `,
		`^`, ` `,
		`?`, ` `,
		`:`, ` `,
		`.`, ` `,
		`,`, ` `,
	)
	cleaned := replacer.Replace(query)

	words := strings.Fields(strings.ToLower(cleaned))

	stopWords := map[string]bool{
		"a": true, "an": true, "the": true,
		"is": true, "are": true, "was": true, "were": true, "be": true,
		"do": true, "does": true, "did": true,
		"to": true, "of": true, "in": true, "on": true, "at": true,
		"by": true, "for": true, "with": true, "from": true, "as": true,
		"what": true, "how": true, "when": true, "where": true, "why": true,
		"who": true, "which": true,
		"this": true, "that": true, "these": true, "those": true,
		"i": true, "you": true, "it": true, "we": true, "they": true,
		"and": true, "or": true, "but": true, "not": true,
		"s": true, "t": true,
	}

	var terms []string
	for _, w := range words {
		if !stopWords[w] && len(w) >= 2 {
			terms = append(terms, w+"*")
		}
	}
	if len(terms) == 0 {
		return strings.ToLower(strings.TrimSpace(cleaned))
	}
	return strings.Join(terms, " OR ")
}
