package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

const entityColumns = `id, user_id, type, label, normalized, mention_count, first_seen, last_seen`

// InsertMention records a raw mention linked to its canonical entity.
func (s *Store) InsertMention(ctx context.Context, mention *types.EntityMention) error {
	if mention == nil || mention.ID == "" {
		return fmt.Errorf("%w: mention ID is required", storage.ErrInvalidInput)
	}
	if mention.CreatedAt.IsZero() {
		mention.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_mentions (id, user_id, turn_id, surface, type, confidence, context, canonical_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mention.ID, mention.UserID, mention.TurnID, mention.Surface, mention.Type,
		mention.Confidence, mention.Context, mention.CanonicalID, mention.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert mention: %w", err)
	}
	return nil
}

// FindCanonical looks up a live canonical entity by normalized form and type.
func (s *Store) FindCanonical(ctx context.Context, userID, normalized string, entityType types.EntityType) (*types.CanonicalEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM canonical_entities
		WHERE user_id = ? AND normalized = ? AND type = ? AND deleted_at IS NULL`,
		userID, normalized, entityType)
	return scanEntity(row)
}

// LookupAlias resolves a normalized alias to its live canonical entity.
func (s *Store) LookupAlias(ctx context.Context, userID, aliasNorm string) (*types.CanonicalEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.user_id, e.type, e.label, e.normalized, e.mention_count, e.first_seen, e.last_seen
		FROM entity_aliases a
		JOIN canonical_entities e ON e.id = a.canonical_id
		WHERE a.user_id = ? AND a.alias_norm = ? AND e.deleted_at IS NULL`,
		userID, aliasNorm)
	return scanEntity(row)
}

// AddAlias maps a normalized alias onto an existing live canonical entity.
func (s *Store) AddAlias(ctx context.Context, userID, canonicalID, aliasNorm string) error {
	if aliasNorm == "" {
		return fmt.Errorf("%w: alias is required", storage.ErrInvalidInput)
	}
	if _, err := s.GetCanonical(ctx, userID, canonicalID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_aliases (user_id, alias_norm, canonical_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, alias_norm) DO UPDATE SET canonical_id = excluded.canonical_id`,
		userID, aliasNorm, canonicalID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to add alias: %w", err)
	}
	return nil
}

// UpsertCanonical creates the canonical entity or bumps the existing row's
// mention count and last-seen timestamp. A soft-deleted row conflicting on
// (user, type, normalized) is resurrected as a fresh entity: deletion evicts
// the accumulated history, it does not block the name forever.
func (s *Store) UpsertCanonical(ctx context.Context, entity *types.CanonicalEntity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	if entity.Normalized == "" {
		return fmt.Errorf("%w: normalized form is required", storage.ErrInvalidInput)
	}
	now := time.Now()
	if entity.FirstSeen.IsZero() {
		entity.FirstSeen = now
	}
	if entity.LastSeen.IsZero() {
		entity.LastSeen = now
	}
	if entity.MentionCount == 0 {
		entity.MentionCount = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canonical_entities (id, user_id, type, label, normalized, mention_count, first_seen, last_seen, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(user_id, type, normalized) DO UPDATE SET
			mention_count = CASE WHEN canonical_entities.deleted_at IS NULL
				THEN canonical_entities.mention_count + 1 ELSE 1 END,
			first_seen = CASE WHEN canonical_entities.deleted_at IS NULL
				THEN canonical_entities.first_seen ELSE excluded.first_seen END,
			last_seen = excluded.last_seen,
			label = excluded.label,
			deleted_at = NULL`,
		entity.ID, entity.UserID, entity.Type, entity.Label, entity.Normalized,
		entity.MentionCount, entity.FirstSeen, entity.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert canonical entity: %w", err)
	}

	// The surviving row may be the pre-existing one; reload to expose its ID
	// and counters to the caller.
	survivor, err := s.FindCanonical(ctx, entity.UserID, entity.Normalized, entity.Type)
	if err != nil {
		return fmt.Errorf("failed to reload canonical entity: %w", err)
	}
	*entity = *survivor
	return nil
}

// GetCanonical fetches a live canonical entity by ID.
func (s *Store) GetCanonical(ctx context.Context, userID, entityID string) (*types.CanonicalEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM canonical_entities
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		entityID, userID)
	return scanEntity(row)
}

// ListCanonical returns the user's live canonical entities ordered by mention
// count descending, then last seen descending. A non-empty entityType
// restricts the listing to that type.
func (s *Store) ListCanonical(ctx context.Context, userID string, entityType types.EntityType, opts storage.ListOptions) (*storage.PaginatedResult[types.CanonicalEntity], error) {
	opts.Normalize()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM canonical_entities
		WHERE user_id = ? AND deleted_at IS NULL
			AND (? = '' OR type = ?)
		ORDER BY mention_count DESC, last_seen DESC
		LIMIT ? OFFSET ?`,
		userID, string(entityType), string(entityType), opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entities []types.CanonicalEntity
	for rows.Next() {
		var e types.CanonicalEntity
		if err := scanEntityFields(rows, &e); err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity rows error: %w", err)
	}

	var total int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM canonical_entities
		WHERE user_id = ? AND deleted_at IS NULL
			AND (? = '' OR type = ?)`,
		userID, string(entityType), string(entityType)).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}

	return storage.NewPaginatedResult(entities, total, opts), nil
}

// DeleteCanonical soft-deletes a canonical entity. Past mentions and turn
// text are left untouched.
func (s *Store) DeleteCanonical(ctx context.Context, userID, entityID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE canonical_entities SET deleted_at = ?
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		time.Now(), entityID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
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

func scanEntityFields(scanner rowScanner, e *types.CanonicalEntity) error {
	return scanner.Scan(
		&e.ID, &e.UserID, &e.Type, &e.Label, &e.Normalized,
		&e.MentionCount, &e.FirstSeen, &e.LastSeen)
}

func scanEntity(row *sql.Row) (*types.CanonicalEntity, error) {
	var e types.CanonicalEntity
	if err := scanEntityFields(row, &e); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	return &e, nil
}
