package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chartmann1590/mumble-ai-memory/internal/llm"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// Normalizer folds an entity surface form into the key used for canonical
// resolution. Implementations must be deterministic: the same surface always
// yields the same key.
type Normalizer interface {
	Normalize(surface string) string
}

// honorifics stripped from the front of person-like surfaces during
// normalization. "Dr. Chen" and "Chen" resolve to the same entity.
var honorifics = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "miss": {}, "mx": {},
	"dr": {}, "prof": {}, "sir": {}, "madam": {},
}

// DefaultNormalizer case-folds, strips punctuation and honorific prefixes,
// and collapses internal whitespace.
type DefaultNormalizer struct{}

// Normalize implements Normalizer.
func (DefaultNormalizer) Normalize(surface string) string {
	fields := strings.Fields(strings.ToLower(surface))
	cleaned := make([]string, 0, len(fields))
	for i, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if f == "" {
			continue
		}
		if i == 0 && len(fields) > 1 {
			if _, ok := honorifics[f]; ok {
				continue
			}
		}
		cleaned = append(cleaned, f)
	}
	return strings.Join(cleaned, " ")
}

// EntityTracker extracts entity mentions from turn text and resolves them to
// canonical entities: explicit alias lookup first, then exact match on the
// normalized form within the same type. No fuzzy matching.
type EntityTracker struct {
	store           storage.EntityStore
	generator       llm.TextGenerator
	normalizer      Normalizer
	confidenceFloor float64
}

// NewEntityTracker creates a tracker. A nil normalizer selects
// DefaultNormalizer.
func NewEntityTracker(store storage.EntityStore, generator llm.TextGenerator, normalizer Normalizer, confidenceFloor float64) *EntityTracker {
	if normalizer == nil {
		normalizer = DefaultNormalizer{}
	}
	return &EntityTracker{
		store:           store,
		generator:       generator,
		normalizer:      normalizer,
		confidenceFloor: confidenceFloor,
	}
}

// ProcessTurn runs extraction on the turn text and stores the resulting
// mentions, resolving those at or above the confidence floor. Returns the
// number of mentions stored.
func (t *EntityTracker) ProcessTurn(ctx context.Context, turn *types.Turn) (int, error) {
	response, err := t.generator.Complete(ctx, llm.MentionExtractionPrompt(turn.Text))
	if err != nil {
		return 0, fmt.Errorf("entity extraction call failed: %w", err)
	}

	mentions, err := llm.ParseMentions(response)
	if err != nil {
		return 0, fmt.Errorf("entity extraction parse failed: %w", err)
	}

	stored := 0
	for _, m := range mentions {
		mention := &types.EntityMention{
			ID:         uuid.NewString(),
			UserID:     turn.UserID,
			TurnID:     turn.ID,
			Surface:    m.Surface,
			Type:       m.Type,
			Confidence: m.Confidence,
			Context:    m.Context,
			CreatedAt:  time.Now(),
		}

		// Low-confidence mentions are stored for audit but never resolved.
		if m.Confidence >= t.confidenceFloor {
			canonicalID, err := t.resolve(ctx, turn, m)
			if err != nil {
				return stored, fmt.Errorf("resolve %q: %w", m.Surface, err)
			}
			mention.CanonicalID = canonicalID
		}

		if err := t.store.InsertMention(ctx, mention); err != nil {
			return stored, fmt.Errorf("insert mention %q: %w", m.Surface, err)
		}
		stored++
	}
	return stored, nil
}

// resolve maps a mention onto its canonical entity, creating one when no
// alias or normalized match exists.
func (t *EntityTracker) resolve(ctx context.Context, turn *types.Turn, m llm.ExtractedMention) (string, error) {
	norm := t.normalizer.Normalize(m.Surface)
	if norm == "" {
		return "", nil
	}

	// The alias table wins over the normalized match; it is the explicit
	// record that two surfaces are the same thing.
	if alias, err := t.store.LookupAlias(ctx, turn.UserID, norm); err == nil {
		return t.bump(ctx, alias, turn.Timestamp)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	entity := &types.CanonicalEntity{
		ID:         uuid.NewString(),
		UserID:     turn.UserID,
		Type:       m.Type,
		Label:      m.Surface,
		Normalized: norm,
		LastSeen:   turn.Timestamp,
		FirstSeen:  turn.Timestamp,
	}
	// UpsertCanonical either inserts the row or bumps the existing
	// (user, type, normalized) match, rewriting entity.ID to the survivor.
	if err := t.store.UpsertCanonical(ctx, entity); err != nil {
		return "", err
	}
	return entity.ID, nil
}

// bump records another mention of an already-resolved canonical entity.
func (t *EntityTracker) bump(ctx context.Context, entity *types.CanonicalEntity, seen time.Time) (string, error) {
	bumped := &types.CanonicalEntity{
		ID:         entity.ID,
		UserID:     entity.UserID,
		Type:       entity.Type,
		Label:      entity.Label,
		Normalized: entity.Normalized,
		FirstSeen:  entity.FirstSeen,
		LastSeen:   seen,
	}
	if err := t.store.UpsertCanonical(ctx, bumped); err != nil {
		return "", err
	}
	return bumped.ID, nil
}
