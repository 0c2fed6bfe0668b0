package types

import (
	"errors"
	"fmt"
	"time"
)

// MaxTurnTextLength is the upper bound on turn text accepted by Save.
// Longer utterances indicate a caller bug (a transcript batch submitted as a
// single turn) and are rejected rather than truncated.
const MaxTurnTextLength = 8000

// ErrValidation indicates malformed caller input. Never retried.
var ErrValidation = errors.New("validation error")

// Turn is one saved utterance (user or assistant) in a conversation.
// A turn is immutable once written except for its enrichment fields and the
// consolidation marker SummaryID.
type Turn struct {
	// ID is the unique turn identifier (UUID).
	ID string `json:"id"`

	// UserID scopes the turn to a single user. No operation ever crosses
	// user boundaries.
	UserID string `json:"user_id"`

	// Role is who spoke: user or assistant.
	Role Role `json:"role"`

	// Kind is the input channel: voice or text.
	Kind Kind `json:"kind"`

	// Text is the utterance content.
	Text string `json:"text"`

	// Timestamp is when the utterance happened. Defaults to save time when
	// the caller omits it.
	Timestamp time.Time `json:"timestamp"`

	// EntityStatus tracks entity extraction for this turn.
	EntityStatus EnrichmentStatus `json:"entity_status"`

	// EmbeddingStatus tracks embedding generation for this turn.
	EmbeddingStatus EnrichmentStatus `json:"embedding_status"`

	// EnrichmentAttempts counts enrichment retries.
	EnrichmentAttempts int `json:"enrichment_attempts,omitempty"`

	// EnrichmentError holds the last enrichment failure message.
	EnrichmentError string `json:"enrichment_error,omitempty"`

	// SummaryID is the consolidation marker: nil until the turn has been
	// folded into a summary, after which the turn leaves the search corpus.
	SummaryID *string `json:"summary_id,omitempty"`

	// CreatedAt is the durable insertion time in the relational store.
	CreatedAt time.Time `json:"created_at"`
}

// Consolidated reports whether the turn has been folded into a summary.
func (t *Turn) Consolidated() bool {
	return t.SummaryID != nil && *t.SummaryID != ""
}

// Validate checks the fields a caller must supply before a turn can be saved.
func (t *Turn) Validate() error {
	if t.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if t.Text == "" {
		return fmt.Errorf("%w: turn text is empty", ErrValidation)
	}
	if len(t.Text) > MaxTurnTextLength {
		return fmt.Errorf("%w: turn text exceeds %d bytes", ErrValidation, MaxTurnTextLength)
	}
	switch t.Role {
	case RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrValidation, t.Role)
	}
	switch t.Kind {
	case KindVoice, KindText:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, t.Kind)
	}
	return nil
}
