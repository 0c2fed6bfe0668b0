package types

import "time"

// Summary is the output of one consolidation span: a compressed narrative
// covering a contiguous range of a user's older turns. Summaries are
// immutable; the turns they cover carry the summary id as their consolidation
// marker and drop out of direct retrieval.
type Summary struct {
	// ID is the summary identifier (UUID).
	ID string `json:"id"`

	// UserID scopes the summary to a single user.
	UserID string `json:"user_id"`

	// Text is the generated narrative.
	Text string `json:"text"`

	// TurnCount is the number of turns the summary covers.
	TurnCount int `json:"turn_count"`

	// FromTurnID and ToTurnID bound the covered span (inclusive, in
	// chronological order).
	FromTurnID string `json:"from_turn_id"`
	ToTurnID   string `json:"to_turn_id"`

	// SpanStart and SpanEnd are the timestamps of the first and last
	// covered turns.
	SpanStart time.Time `json:"span_start"`
	SpanEnd   time.Time `json:"span_end"`

	// CharsSaved is the estimated savings: input character count of the
	// covered turns minus the summary's character count, floored at zero.
	// A rough proxy for token savings; nothing is gated on its value.
	CharsSaved int `json:"chars_saved"`

	// CreatedAt is when the summary was committed.
	CreatedAt time.Time `json:"created_at"`
}

// ConsolidationRun is the append-only log record of one consolidator
// execution for one user.
type ConsolidationRun struct {
	// ID is the run identifier (UUID).
	ID string `json:"id"`

	// UserID is the user the run processed.
	UserID string `json:"user_id"`

	// TurnsConsolidated is how many turns were marked consolidated.
	TurnsConsolidated int `json:"turns_consolidated"`

	// SummariesCreated is how many summaries were committed.
	SummariesCreated int `json:"summaries_created"`

	// SpansFailed counts spans whose summarization failed; they stay
	// unconsolidated and are retried on the next scheduled run.
	SpansFailed int `json:"spans_failed"`

	// CharsSaved aggregates the per-summary savings estimate.
	CharsSaved int `json:"chars_saved"`

	// Cutoff is the age boundary the run used: only turns older than this
	// were considered.
	Cutoff time.Time `json:"cutoff"`

	// RanAt is when the run finished.
	RanAt time.Time `json:"ran_at"`
}
