// Package storage defines the persistence contracts of the memory engine:
// the relational turn/entity/summary store, the lexical and vector search
// providers, and the session window cache. Implementations live in the
// sqlite, postgres, and rediscache subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input fails storage-level validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// Callers surface it as a retryable condition rather than data loss.
	ErrUnavailable = errors.New("storage unavailable")
)

// EnrichmentUpdate carries the derived-data bookkeeping written back after an
// enrichment attempt.
type EnrichmentUpdate struct {
	EntityStatus    types.EnrichmentStatus
	EmbeddingStatus types.EnrichmentStatus
	Attempts        int
	LastError       string
}

// TurnStore persists conversational turns, summaries, and consolidation runs.
type TurnStore interface {
	// SaveTurn durably persists a turn. The turn must carry an ID.
	SaveTurn(ctx context.Context, turn *types.Turn) error

	// GetTurn fetches a single turn scoped to its owner.
	GetTurn(ctx context.Context, userID, turnID string) (*types.Turn, error)

	// RecentTurns returns the user's most recent unconsolidated turns in
	// chronological order, at most limit entries.
	RecentTurns(ctx context.Context, userID string, limit int) ([]types.Turn, error)

	// ListUnconsolidated returns all of the user's unconsolidated turns with
	// timestamps strictly before the cutoff, in chronological order.
	ListUnconsolidated(ctx context.Context, userID string, before time.Time) ([]types.Turn, error)

	// UsersWithUnconsolidated lists users that have at least one
	// unconsolidated turn older than the cutoff.
	UsersWithUnconsolidated(ctx context.Context, before time.Time) ([]string, error)

	// ListPendingEnrichment returns turns whose entity or embedding
	// enrichment has not completed (pending, processing, or failed), oldest
	// first. Used by startup recovery and the backfill sweep.
	ListPendingEnrichment(ctx context.Context, limit int) ([]types.Turn, error)

	// UpdateEnrichment records the outcome of an enrichment attempt.
	UpdateEnrichment(ctx context.Context, turnID string, update EnrichmentUpdate) error

	// CommitSummary writes the summary and marks the covered turns as
	// consolidated in a single transaction. Turns that were consolidated
	// concurrently are skipped; the returned count is the number of turns
	// actually marked.
	CommitSummary(ctx context.Context, summary *types.Summary, turnIDs []string) (int, error)

	// GetSummary fetches a summary scoped to its owner.
	GetSummary(ctx context.Context, userID, summaryID string) (*types.Summary, error)

	// AppendRun records a completed consolidation run.
	AppendRun(ctx context.Context, run *types.ConsolidationRun) error

	// LastRun returns the user's most recent consolidation run, or
	// ErrNotFound when the user has never been consolidated.
	LastRun(ctx context.Context, userID string) (*types.ConsolidationRun, error)
}

// EntityStore persists entity mentions, canonical entities, and aliases.
type EntityStore interface {
	// InsertMention records a raw mention linked to its canonical entity.
	InsertMention(ctx context.Context, mention *types.EntityMention) error

	// FindCanonical looks up a live canonical entity by its normalized form
	// and type. Returns ErrNotFound when absent or soft-deleted.
	FindCanonical(ctx context.Context, userID, normalized string, entityType types.EntityType) (*types.CanonicalEntity, error)

	// LookupAlias resolves a normalized alias to its canonical entity.
	LookupAlias(ctx context.Context, userID, aliasNorm string) (*types.CanonicalEntity, error)

	// AddAlias maps a normalized alias onto an existing canonical entity.
	AddAlias(ctx context.Context, userID, canonicalID, aliasNorm string) error

	// UpsertCanonical creates the canonical entity or, when it already
	// exists, bumps its mention count and last-seen timestamp. The entity's
	// ID field is set to the surviving row's ID.
	UpsertCanonical(ctx context.Context, entity *types.CanonicalEntity) error

	// GetCanonical fetches a live canonical entity by ID.
	GetCanonical(ctx context.Context, userID, entityID string) (*types.CanonicalEntity, error)

	// ListCanonical returns the user's live canonical entities ordered by
	// mention count descending, then last seen descending. A non-empty
	// entityType restricts the listing to that type.
	ListCanonical(ctx context.Context, userID string, entityType types.EntityType, opts ListOptions) (*PaginatedResult[types.CanonicalEntity], error)

	// DeleteCanonical soft-deletes a canonical entity. Past mentions and
	// turn text are left untouched.
	DeleteCanonical(ctx context.Context, userID, entityID string) error
}

// SearchProvider serves keyword queries over the user's searchable corpus:
// unconsolidated turns plus summaries, narrowed by the optional filters.
type SearchProvider interface {
	LexicalSearch(ctx context.Context, userID, query string, limit int, filters SearchFilters) ([]SearchHit, error)
}

// VectorStore persists and queries embedding vectors, keyed by document.
type VectorStore interface {
	// UpsertEmbedding stores or replaces the vector for a document.
	UpsertEmbedding(ctx context.Context, userID, docID string, kind types.DocKind, vec []float32) error

	// SemanticSearch returns the nearest documents to the query vector,
	// scored by cosine similarity, excluding consolidated turns and honoring
	// the optional filters.
	SemanticSearch(ctx context.Context, userID string, vec []float32, limit int, filters SearchFilters) ([]SearchHit, error)

	// DeleteEmbedding removes a document's vector if present.
	DeleteEmbedding(ctx context.Context, userID, docID string) error
}

// Store is the full persistence surface a storage engine provides.
type Store interface {
	TurnStore
	EntityStore
	SearchProvider
	VectorStore

	// Stats reports corpus counts for the status endpoint.
	Stats(ctx context.Context) (*StoreStats, error)

	Ping(ctx context.Context) error
	Close() error
}

// SessionCache holds the per-user short-term conversation window. A cache
// miss is not an error: implementations return a nil slice and the caller
// rebuilds the window from the durable store.
type SessionCache interface {
	// Window returns the cached window in chronological order, or nil on miss.
	Window(ctx context.Context, userID string) ([]types.Turn, error)

	// Push appends a turn to the window, evicting the oldest entry beyond
	// the configured window size, and refreshes the TTL.
	Push(ctx context.Context, userID string, turn types.Turn) error

	// Replace overwrites the window wholesale, used after a rebuild.
	Replace(ctx context.Context, userID string, turns []types.Turn) error

	// Invalidate drops the user's window.
	Invalidate(ctx context.Context, userID string) error

	Ping(ctx context.Context) error
	Close() error
}
