package types

import "time"

// EntityMention is one occurrence of a named thing inside a turn.
// Mentions are created during extraction and never mutated afterwards except
// to attach a canonical id; deleting a turn cascades to its mentions.
type EntityMention struct {
	// ID is the unique mention identifier (UUID).
	ID string `json:"id"`

	// UserID scopes the mention to a single user.
	UserID string `json:"user_id"`

	// TurnID is the turn this mention occurred in.
	TurnID string `json:"turn_id"`

	// Surface is the text as it appeared in the turn.
	Surface string `json:"surface"`

	// Type is the entity category from the closed set.
	Type EntityType `json:"type"`

	// Confidence is the extraction confidence in [0,1]. Mentions below the
	// configured floor are stored but excluded from canonical resolution.
	Confidence float64 `json:"confidence"`

	// Context is a free-text snippet around the mention.
	Context string `json:"context,omitempty"`

	// CanonicalID is the resolved canonical entity, or empty while the
	// mention is unresolved (low confidence or pending backfill).
	CanonicalID string `json:"canonical_id,omitempty"`

	// CreatedAt is when the mention was extracted.
	CreatedAt time.Time `json:"created_at"`
}

// CanonicalEntity is the deduplicated identity one or more mentions resolve
// to. All mentions of the same real-world entity for a given user resolve to
// the same canonical id (best effort; exact-normalized match plus an explicit
// alias table, no fuzzy guessing).
type CanonicalEntity struct {
	// ID is the canonical entity identifier (UUID).
	ID string `json:"id"`

	// UserID scopes the entity to a single user.
	UserID string `json:"user_id"`

	// Type is the entity category from the closed set.
	Type EntityType `json:"type"`

	// Label is the display form, taken from the first resolved mention.
	Label string `json:"label"`

	// Normalized is the case-folded, honorific-stripped form used for
	// resolution. Unique per (user, type).
	Normalized string `json:"normalized"`

	// MentionCount is the number of mentions resolved to this entity.
	MentionCount int `json:"mention_count"`

	// FirstSeen and LastSeen bracket the entity's mention history.
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// DeletedAt marks a soft delete; deleted entities leave listEntities
	// and resolution but remain for audit.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}
