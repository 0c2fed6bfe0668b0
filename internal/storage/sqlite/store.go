// Package sqlite implements the storage contracts on an embedded SQLite
// database. It is the default engine: keyword search uses FTS5 virtual
// tables kept in sync by triggers, and vector search scans BLOB-serialized
// embeddings in process. For large multi-user deployments the postgres
// engine provides indexed ANN search instead.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens a SQLite database, configures WAL mode, and applies the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

const turnColumns = `id, user_id, role, kind, text, timestamp,
	entity_status, embedding_status, enrichment_attempts, enrichment_error,
	summary_id, created_at`

// SaveTurn durably persists a turn.
func (s *Store) SaveTurn(ctx context.Context, turn *types.Turn) error {
	if turn == nil || turn.ID == "" {
		return fmt.Errorf("%w: turn ID is required", storage.ErrInvalidInput)
	}
	if err := turn.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	if turn.EntityStatus == "" {
		turn.EntityStatus = types.EnrichmentPending
	}
	if turn.EmbeddingStatus == "" {
		turn.EmbeddingStatus = types.EnrichmentPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (`+turnColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.UserID, turn.Role, turn.Kind, turn.Text, turn.Timestamp,
		turn.EntityStatus, turn.EmbeddingStatus, turn.EnrichmentAttempts, turn.EnrichmentError,
		turn.SummaryID, turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// GetTurn fetches a single turn scoped to its owner.
func (s *Store) GetTurn(ctx context.Context, userID, turnID string) (*types.Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+turnColumns+` FROM turns WHERE id = ? AND user_id = ?`,
		turnID, userID)
	return scanTurn(row)
}

// RecentTurns returns the user's newest unconsolidated turns in chronological
// order.
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]types.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+turnColumns+` FROM turns
		WHERE user_id = ? AND summary_id IS NULL
		ORDER BY timestamp DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	// Flip newest-first to chronological.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ListUnconsolidated returns unconsolidated turns older than the cutoff in
// chronological order.
func (s *Store) ListUnconsolidated(ctx context.Context, userID string, before time.Time) ([]types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+turnColumns+` FROM turns
		WHERE user_id = ? AND summary_id IS NULL AND timestamp < ?
		ORDER BY timestamp ASC`,
		userID, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list unconsolidated turns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTurns(rows)
}

// UsersWithUnconsolidated lists users with at least one unconsolidated turn
// older than the cutoff.
func (s *Store) UsersWithUnconsolidated(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM turns
		WHERE summary_id IS NULL AND timestamp < ?
		ORDER BY user_id`,
		before)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListPendingEnrichment returns turns with incomplete enrichment, oldest
// first. Failed turns are included so the backfill sweep retries them.
func (s *Store) ListPendingEnrichment(ctx context.Context, limit int) ([]types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+turnColumns+` FROM turns
		WHERE entity_status IN (?, ?, ?) OR embedding_status IN (?, ?, ?)
		ORDER BY created_at ASC LIMIT ?`,
		types.EnrichmentPending, types.EnrichmentProcessing, types.EnrichmentFailed,
		types.EnrichmentPending, types.EnrichmentProcessing, types.EnrichmentFailed,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending enrichment: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTurns(rows)
}

// UpdateEnrichment records the outcome of an enrichment attempt.
func (s *Store) UpdateEnrichment(ctx context.Context, turnID string, update storage.EnrichmentUpdate) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE turns SET
			entity_status = ?,
			embedding_status = ?,
			enrichment_attempts = ?,
			enrichment_error = ?
		WHERE id = ?`,
		update.EntityStatus, update.EmbeddingStatus, update.Attempts, update.LastError, turnID)
	if err != nil {
		return fmt.Errorf("failed to update enrichment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CommitSummary writes the summary and marks the covered turns as
// consolidated in a single transaction. Turns consolidated concurrently are
// skipped; when no turn remains unmarked the transaction is rolled back and
// the summary is discarded.
func (s *Store) CommitSummary(ctx context.Context, summary *types.Summary, turnIDs []string) (int, error) {
	if summary == nil || summary.ID == "" {
		return 0, fmt.Errorf("%w: summary ID is required", storage.ErrInvalidInput)
	}
	if len(turnIDs) == 0 {
		return 0, fmt.Errorf("%w: no turns to consolidate", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.Repeat("?,", len(turnIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(turnIDs)+2)
	args = append(args, summary.ID, summary.UserID)
	for _, id := range turnIDs {
		args = append(args, id)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE turns SET summary_id = ?
		WHERE user_id = ? AND summary_id IS NULL AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark turns: %w", err)
	}
	marked, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if marked == 0 {
		return 0, nil
	}

	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO summaries (id, user_id, text, turn_count, from_turn_id, to_turn_id,
			span_start, span_end, chars_saved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.UserID, summary.Text, summary.TurnCount,
		summary.FromTurnID, summary.ToTurnID,
		summary.SpanStart, summary.SpanEnd, summary.CharsSaved, summary.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit summary: %w", err)
	}
	return int(marked), nil
}

// GetSummary fetches a summary scoped to its owner.
func (s *Store) GetSummary(ctx context.Context, userID, summaryID string) (*types.Summary, error) {
	var sum types.Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, text, turn_count, from_turn_id, to_turn_id,
			span_start, span_end, chars_saved, created_at
		FROM summaries WHERE id = ? AND user_id = ?`,
		summaryID, userID).Scan(
		&sum.ID, &sum.UserID, &sum.Text, &sum.TurnCount, &sum.FromTurnID, &sum.ToTurnID,
		&sum.SpanStart, &sum.SpanEnd, &sum.CharsSaved, &sum.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	return &sum, nil
}

// AppendRun records a completed consolidation run.
func (s *Store) AppendRun(ctx context.Context, run *types.ConsolidationRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run ID is required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consolidation_runs (id, user_id, turns_consolidated, summaries_created,
			spans_failed, chars_saved, cutoff, ran_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.UserID, run.TurnsConsolidated, run.SummariesCreated,
		run.SpansFailed, run.CharsSaved, run.Cutoff, run.RanAt)
	if err != nil {
		return fmt.Errorf("failed to append run: %w", err)
	}
	return nil
}

// LastRun returns the user's most recent consolidation run.
func (s *Store) LastRun(ctx context.Context, userID string) (*types.ConsolidationRun, error) {
	var run types.ConsolidationRun
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, turns_consolidated, summaries_created,
			spans_failed, chars_saved, cutoff, ran_at
		FROM consolidation_runs WHERE user_id = ?
		ORDER BY ran_at DESC LIMIT 1`,
		userID).Scan(
		&run.ID, &run.UserID, &run.TurnsConsolidated, &run.SummariesCreated,
		&run.SpansFailed, &run.CharsSaved, &run.Cutoff, &run.RanAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}
	return &run, nil
}

// Stats reports corpus counts for the status endpoint.
func (s *Store) Stats(ctx context.Context) (*storage.StoreStats, error) {
	var stats storage.StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM turns),
			(SELECT COUNT(*) FROM turns WHERE summary_id IS NULL),
			(SELECT COUNT(*) FROM summaries),
			(SELECT COUNT(*) FROM canonical_entities WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM entity_mentions)`).Scan(
		&stats.TurnCount, &stats.UnconsolidatedCount, &stats.SummaryCount,
		&stats.EntityCount, &stats.MentionCount)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}
	return &stats, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTurnFields(scanner rowScanner, turn *types.Turn) error {
	var summaryID sql.NullString
	err := scanner.Scan(
		&turn.ID, &turn.UserID, &turn.Role, &turn.Kind, &turn.Text, &turn.Timestamp,
		&turn.EntityStatus, &turn.EmbeddingStatus, &turn.EnrichmentAttempts, &turn.EnrichmentError,
		&summaryID, &turn.CreatedAt)
	if err != nil {
		return err
	}
	if summaryID.Valid {
		turn.SummaryID = &summaryID.String
	}
	return nil
}

func scanTurn(row *sql.Row) (*types.Turn, error) {
	var turn types.Turn
	if err := scanTurnFields(row, &turn); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan turn: %w", err)
	}
	return &turn, nil
}

func scanTurns(rows *sql.Rows) ([]types.Turn, error) {
	var turns []types.Turn
	for rows.Next() {
		var turn types.Turn
		if err := scanTurnFields(rows, &turn); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turn rows error: %w", err)
	}
	return turns, nil
}

