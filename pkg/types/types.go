// Package types defines the core data structures for the conversational
// memory engine: turns, entity mentions, canonical entities, summaries, and
// consolidation run records. All records are scoped by user identifier and
// owned by the relational store.
package types

import "strings"

// Role identifies which side of the conversation produced a turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind identifies the input channel a turn arrived through.
type Kind string

// Turn kinds.
const (
	KindVoice Kind = "voice"
	KindText  Kind = "text"
)

// EnrichmentStatus tracks the state of a derived-data task (entity extraction
// or embedding generation) for a turn.
type EnrichmentStatus string

const (
	// EnrichmentPending indicates the task is queued or awaiting backfill.
	EnrichmentPending EnrichmentStatus = "pending"

	// EnrichmentProcessing indicates a worker is currently running the task.
	EnrichmentProcessing EnrichmentStatus = "processing"

	// EnrichmentCompleted indicates the task finished successfully.
	EnrichmentCompleted EnrichmentStatus = "completed"

	// EnrichmentFailed indicates the task failed; the backfill sweep retries it.
	EnrichmentFailed EnrichmentStatus = "failed"
)

// EntityType is the closed set of entity categories the tracker recognizes.
type EntityType string

// Entity types. Anything outside this set is routed to EntityOther rather
// than stored as a free-form string.
const (
	EntityPerson       EntityType = "person"
	EntityPlace        EntityType = "place"
	EntityOrganization EntityType = "organization"
	EntityDate         EntityType = "date"
	EntityTime         EntityType = "time"
	EntityEvent        EntityType = "event"
	EntityOther        EntityType = "other"
)

// ValidEntityTypes lists all recognized entity types for validation.
var ValidEntityTypes = []EntityType{
	EntityPerson,
	EntityPlace,
	EntityOrganization,
	EntityDate,
	EntityTime,
	EntityEvent,
	EntityOther,
}

// IsValidEntityType checks if the given entity type is in the closed set.
func IsValidEntityType(t EntityType) bool {
	for _, valid := range ValidEntityTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// NormalizeEntityType maps a raw type string from the extraction model onto
// the closed set. Unknown values become EntityOther; common synonyms used by
// extraction models are folded onto their canonical value.
func NormalizeEntityType(raw string) EntityType {
	t := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case "location", "city", "country":
		return EntityPlace
	case "company", "org":
		return EntityOrganization
	case "meeting", "appointment":
		return EntityEvent
	}
	if IsValidEntityType(t) {
		return t
	}
	return EntityOther
}

// DocKind distinguishes the two record kinds the search corpus contains.
type DocKind string

// Search document kinds.
const (
	DocTurn    DocKind = "turn"
	DocSummary DocKind = "summary"
)
